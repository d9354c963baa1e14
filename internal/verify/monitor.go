package verify

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/alert"
	"github.com/witnz/sovereign/internal/metrics"
)

// Checker is anything holding a stored root that can be recomputed from
// its content.
type Checker interface {
	VerifyIntegrity() (bool, string)
	MerkleRoot() string
}

// Monitor periodically recomputes a Checker's root and raises an alert the
// first time it diverges from the stored one.
type Monitor struct {
	checker  Checker
	nodeID   string
	interval time.Duration
	alerts   *alert.Manager
	metrics  *metrics.Metrics
	logger   hclog.Logger

	mu       sync.Mutex
	violated bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type MonitorOption func(*Monitor)

func WithAlerts(m *alert.Manager) MonitorOption {
	return func(mon *Monitor) { mon.alerts = m }
}

func WithMetrics(m *metrics.Metrics) MonitorOption {
	return func(mon *Monitor) { mon.metrics = m }
}

func WithLogger(logger hclog.Logger) MonitorOption {
	return func(mon *Monitor) {
		if logger != nil {
			mon.logger = logger
		}
	}
}

func NewMonitor(checker Checker, nodeID string, interval time.Duration, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		checker:  checker,
		nodeID:   nodeID,
		interval: interval,
		logger:   hclog.NewNullLogger(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs one check immediately and then one per interval until Stop is
// called or ctx ends. A non-positive interval only runs the startup check.
func (m *Monitor) Start(ctx context.Context) error {
	if err := m.CheckOnce(); err != nil {
		m.logger.Error("startup integrity check failed", "error", err)
	} else {
		m.logger.Info("startup integrity check passed", "root", m.checker.MerkleRoot())
	}

	if m.interval <= 0 {
		return nil
	}

	m.wg.Add(1)
	go m.run(ctx)
	return nil
}

func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CheckOnce(); err != nil {
				m.logger.Error("TAMPERING DETECTED", "error", err)
			}
		}
	}
}

// CheckOnce verifies the checker and returns an *IntegrityError on
// mismatch. The alert fires once per violation; a later passing check
// re-arms it.
func (m *Monitor) CheckOnce() error {
	ok, computed := m.checker.VerifyIntegrity()
	m.metrics.SetIntegrity(ok)

	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.violated = false
		return nil
	}

	ierr := NewIntegrityError("in-memory state", m.checker.MerkleRoot(), computed)
	if !m.violated {
		m.violated = true
		if err := m.alerts.SendIntegrityAlert(m.nodeID, ierr.Source, ierr.Expected, ierr.Actual); err != nil {
			m.logger.Warn("failed to send integrity alert", "error", err)
		}
	}
	return ierr
}
