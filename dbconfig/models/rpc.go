package models

import "time"

// RPC is one row of the endpoint tier table. Lower Priority is tried first.
type RPC struct {
	ID        int64
	URL       string
	Provider  string
	Priority  int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
