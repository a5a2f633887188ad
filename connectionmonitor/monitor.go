package connectionmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/ClipFinance/tx-pipeline/failover"
	"github.com/ClipFinance/tx-pipeline/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// defaultHealthCheckInterval defines interval between endpoint health checks
	defaultHealthCheckInterval = 30 * time.Second
	// defaultReprobeDelay defines the pause between probes of a failing endpoint
	defaultReprobeDelay = 5 * time.Second
	// maxProbeAttempts defines how often a failing endpoint is probed before it is marked down
	maxProbeAttempts = 3
)

// ConnectionMonitor represents connection state monitoring interface
type ConnectionMonitor interface {
	// Start starts connection monitoring
	Start(ctx context.Context) error
	// Stop stops connection monitoring
	Stop()
	// Healthy returns the endpoints whose last probe succeeded
	Healthy() []string
}

// HealthChecker probes single endpoints of the tier.
type HealthChecker interface {
	// Endpoints returns the ordered endpoint tier
	Endpoints() []string
	// GetHealthAt checks a single endpoint without failing over
	GetHealthAt(ctx context.Context, endpoint string) error
}

// RecoveredFunc is called when connectivity is regained after every endpoint was down.
type RecoveredFunc func(endpoint string)

// Option configures the connection monitor.
type Option func(*connectionMonitor)

// WithInterval sets the interval between health checks.
func WithInterval(interval time.Duration) Option {
	return func(m *connectionMonitor) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithReprobeDelay sets the pause between probes of a failing endpoint.
func WithReprobeDelay(delay time.Duration) Option {
	return func(m *connectionMonitor) {
		if delay >= 0 {
			m.reprobeDelay = delay
		}
	}
}

// WithOnRecovered registers the connectivity regained callback.
func WithOnRecovered(fn RecoveredFunc) Option {
	return func(m *connectionMonitor) {
		m.onRecovered = fn
	}
}

type connectionMonitor struct {
	client       HealthChecker
	logger       *logrus.Logger
	interval     time.Duration
	reprobeDelay time.Duration
	onRecovered  RecoveredFunc
	stopChan     chan struct{}
	isMonitoring bool
	monitorMutex sync.RWMutex

	healthMutex sync.RWMutex
	healthy     map[string]bool
	// reachable is false once a full check found every endpoint down
	reachable bool
}

// NewConnectionMonitor creates a new connection monitor instance.
//
// Parameters:
// - client: the endpoint tier to probe.
// - logger: the logger for logging purposes.
// - opts: optional settings.
//
// Returns:
// - ConnectionMonitor: the new connection monitor instance.
func NewConnectionMonitor(client HealthChecker, logger *logrus.Logger, opts ...Option) ConnectionMonitor {
	m := &connectionMonitor{
		client:       client,
		logger:       logger,
		interval:     defaultHealthCheckInterval,
		reprobeDelay: defaultReprobeDelay,
		onRecovered:  func(string) {},
		healthy:      make(map[string]bool),
		reachable:    true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts connection monitoring. The first check runs immediately.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: an error if the connection monitor is already running.
func (m *connectionMonitor) Start(ctx context.Context) error {
	m.monitorMutex.Lock()
	if m.isMonitoring {
		m.monitorMutex.Unlock()
		return errors.New("connection monitor is already running")
	}
	m.isMonitoring = true
	m.stopChan = make(chan struct{})
	stopChan := m.stopChan
	m.monitorMutex.Unlock()

	go m.monitorConnection(ctx, stopChan)
	return nil
}

// Stop stops connection monitoring.
func (m *connectionMonitor) Stop() {
	m.monitorMutex.Lock()
	defer m.monitorMutex.Unlock()

	if !m.isMonitoring {
		return
	}

	close(m.stopChan)
	m.isMonitoring = false
}

// Healthy returns the endpoints whose last probe succeeded, in tier order.
func (m *connectionMonitor) Healthy() []string {
	m.healthMutex.RLock()
	defer m.healthMutex.RUnlock()

	var out []string
	for _, endpoint := range m.client.Endpoints() {
		if m.healthy[endpoint] {
			out = append(out, endpoint)
		}
	}
	return out
}

// monitorConnection checks the endpoints on every tick until stopped.
//
// Parameters:
// - ctx: the context for managing the request.
// - stopChan: closed by Stop.
func (m *connectionMonitor) monitorConnection(ctx context.Context, stopChan <-chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.checkEndpoints(ctx, stopChan)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connection monitoring stopped due to context cancellation")
			return

		case <-stopChan:
			m.logger.Info("Connection monitoring stopped")
			return

		case <-ticker.C:
			m.checkEndpoints(ctx, stopChan)
		}
	}
}

// checkEndpoints probes every endpoint and fires the recovery callback when the tier becomes
// reachable again.
func (m *connectionMonitor) checkEndpoints(ctx context.Context, stopChan <-chan struct{}) {
	var firstHealthy string
	for _, endpoint := range m.client.Endpoints() {
		err := m.probe(ctx, stopChan, endpoint)
		// An interrupted check says nothing about the endpoints.
		if ctx.Err() != nil || isStopped(stopChan) {
			return
		}
		m.setHealth(endpoint, err == nil)
		if err != nil {
			m.logger.WithFields(logrus.Fields{
				"endpoint": failover.EndpointLabel(endpoint),
				"error":    err,
			}).Error("Endpoint is unhealthy")
			continue
		}
		if firstHealthy == "" {
			firstHealthy = endpoint
		}
	}

	m.healthMutex.Lock()
	wasReachable := m.reachable
	m.reachable = firstHealthy != ""
	m.healthMutex.Unlock()

	switch {
	case firstHealthy == "" && wasReachable:
		m.logger.Warn("All endpoints are unhealthy")
	case firstHealthy != "" && !wasReachable:
		m.logger.WithField("endpoint", failover.EndpointLabel(firstHealthy)).Info("Connectivity regained")
		m.onRecovered(firstHealthy)
	}
}

// probe checks an endpoint with retry logic.
//
// Returns:
// - error: the last probe error, nil if any attempt succeeded.
func (m *connectionMonitor) probe(ctx context.Context, stopChan <-chan struct{}, endpoint string) error {
	var err error
	for attempt := 1; attempt <= maxProbeAttempts; attempt++ {
		if err = m.client.GetHealthAt(ctx, endpoint); err == nil {
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"endpoint": failover.EndpointLabel(endpoint),
			"attempt":  attempt,
			"error":    err,
		}).Debug("Health probe failed")

		if attempt == maxProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopChan:
			return errors.Wrap(err, "monitor stopped")
		case <-time.After(m.reprobeDelay):
		}
	}
	return errors.Wrapf(err, "endpoint %s failed %d probes", failover.EndpointLabel(endpoint), maxProbeAttempts)
}

func isStopped(stopChan <-chan struct{}) bool {
	select {
	case <-stopChan:
		return true
	default:
		return false
	}
}

func (m *connectionMonitor) setHealth(endpoint string, healthy bool) {
	m.healthMutex.Lock()
	m.healthy[endpoint] = healthy
	m.healthMutex.Unlock()

	value := 0.0
	if healthy {
		value = 1
	}
	metrics.EndpointHealthy.WithLabelValues(failover.EndpointLabel(endpoint)).Set(value)
}
