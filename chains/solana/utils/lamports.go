package utils

// LamportsPerSol is the number of lamports in one SOL.
const LamportsPerSol = 1_000_000_000

// LamportsToSol converts lamports (uint64) to SOL (float64), for logging only.
func LamportsToSol(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSol
}

// MicroLamportsFee returns the priority fee in lamports paid for units at price micro-lamports per unit,
// rounded up.
func MicroLamportsFee(units uint32, price uint64) uint64 {
	return (uint64(units)*price + 999_999) / 1_000_000
}
