// Package health runs periodic component checks and summarizes them for the
// health endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/migadu/livequery/logger"
	"github.com/migadu/livequery/pkg/circuitbreaker"
	"github.com/migadu/livequery/pkg/metrics"
	"github.com/migadu/livequery/store"
)

type ComponentStatus string

const (
	StatusHealthy     ComponentStatus = "healthy"
	StatusDegraded    ComponentStatus = "degraded"
	StatusUnhealthy   ComponentStatus = "unhealthy"
	StatusUnreachable ComponentStatus = "unreachable"
)

func (s ComponentStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 3
	case StatusDegraded:
		return 2
	case StatusUnhealthy:
		return 1
	default:
		return 0
	}
}

// Check is one monitored component. Critical components decide whether
// the whole service is unhealthy.
type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	Critical bool

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failStreak int
}

// ComponentReport is the externally visible state of one check.
type ComponentReport struct {
	Name      string          `json:"name"`
	Status    ComponentStatus `json:"status"`
	Critical  bool            `json:"critical"`
	LastCheck time.Time       `json:"lastCheck"`
	Error     string          `json:"error,omitempty"`
}

type Monitor struct {
	mu      sync.RWMutex
	checks  map[string]*Check
	overall ComponentStatus
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{
		checks:  make(map[string]*Check),
		overall: StatusHealthy,
	}
}

// Register adds a check. It must be called before Start.
func (m *Monitor) Register(check *Check) {
	if check.Interval <= 0 {
		check.Interval = 30 * time.Second
	}
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}
	check.status = StatusHealthy

	m.mu.Lock()
	m.checks[check.Name] = check
	m.mu.Unlock()
}

// Start runs every check once and then on its interval until Stop or ctx
// ends.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, check := range m.checks {
		m.wg.Add(1)
		go m.run(ctx, check)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, check *Check) {
	defer m.wg.Done()
	m.RunCheck(ctx, check.Name)

	ticker := time.NewTicker(check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunCheck(ctx, check.Name)
		}
	}
}

// RunCheck performs one named check immediately.
func (m *Monitor) RunCheck(ctx context.Context, name string) {
	m.mu.RLock()
	check, ok := m.checks[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	err := m.perform(ctx, check)

	check.mu.Lock()
	check.checkCount++
	check.lastCheck = time.Now()
	check.lastError = err
	previous := check.status
	if err != nil {
		check.failStreak++
		// One failure degrades; repeated failures make it unhealthy.
		if check.failStreak >= 2 {
			check.status = StatusUnhealthy
		} else {
			check.status = StatusDegraded
		}
	} else {
		check.failStreak = 0
		check.status = StatusHealthy
	}
	current := check.status
	check.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(name).Set(current.gauge())
	if current != previous {
		if err != nil {
			logger.Warn("Health: component status changed", "component", name, "from", previous, "to", current, "error", err)
		} else {
			logger.Info("Health: component status changed", "component", name, "from", previous, "to", current)
		}
	}
	m.updateOverall()
}

func (m *Monitor) perform(ctx context.Context, check *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	start := time.Now()
	err = check.Check(ctx)
	metrics.ComponentHealthCheckDuration.WithLabelValues(check.Name).Observe(time.Since(start).Seconds())
	return err
}

func (m *Monitor) updateOverall() {
	m.mu.Lock()
	defer m.mu.Unlock()

	overall := StatusHealthy
	for _, check := range m.checks {
		check.mu.RLock()
		status, critical := check.status, check.Critical
		check.mu.RUnlock()

		switch {
		case critical && (status == StatusUnhealthy || status == StatusUnreachable):
			overall = StatusUnhealthy
		case status != StatusHealthy && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	if overall != m.overall {
		logger.Info("Health: overall status changed", "from", m.overall, "to", overall)
		m.overall = overall
	}
}

// Status returns the overall status and a report per component, sorted by
// name.
func (m *Monitor) Status() (ComponentStatus, []ComponentReport) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reports := make([]ComponentReport, 0, len(m.checks))
	for _, check := range m.checks {
		check.mu.RLock()
		r := ComponentReport{
			Name:      check.Name,
			Status:    check.status,
			Critical:  check.Critical,
			LastCheck: check.lastCheck,
		}
		if check.lastError != nil {
			r.Error = check.lastError.Error()
		}
		check.mu.RUnlock()
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Name < reports[j].Name })
	return m.overall, reports
}

// StoreCheck reads one store record to prove the backend answers.
func StoreCheck(adapter store.Adapter) *Check {
	return &Check{
		Name:     "store",
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Critical: true,
		Check: func(ctx context.Context) error {
			_, err := adapter.Query(ctx, store.Selection{Collection: store.Stores, Limit: 1})
			return err
		},
	}
}

var errBreakerOpen = errors.New("circuit breaker is open")

// BreakerCheck reports an open breaker as a failure. state is polled, so
// the breaker itself is never exercised by the check.
func BreakerCheck(name string, state func() circuitbreaker.State) *Check {
	return &Check{
		Name:     name,
		Interval: 5 * time.Second,
		Check: func(ctx context.Context) error {
			if state() == circuitbreaker.StateOpen {
				return errBreakerOpen
			}
			return nil
		},
	}
}
