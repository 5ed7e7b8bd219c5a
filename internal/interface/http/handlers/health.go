package handlers

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alem-hub/warning-engine/internal/infrastructure/persistence/postgres"
	"github.com/alem-hub/warning-engine/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH MODEL
// ══════════════════════════════════════════════════════════════════════════════

// Overall health states.
const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthChecker reports the service health for GET /health.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthCheckFunc runs one check. details is reported next to the result
// and may be non-nil on failure.
type HealthCheckFunc func(ctx context.Context) (details any, err error)

// HealthStatus is the aggregated answer of every registered check.
type HealthStatus struct {
	// Healthy is false only when a critical check fails.
	Healthy bool `json:"healthy"`

	// Status is ok, degraded (optional checks failing) or unhealthy.
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`

	Uptime    string    `json:"uptime,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// CheckResult is the outcome of a single check.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
	Details  any    `json:"details,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITE HEALTH CHECKER
// ══════════════════════════════════════════════════════════════════════════════

type registeredCheck struct {
	fn       HealthCheckFunc
	critical bool
}

// CompositeHealthChecker runs its checks concurrently, each under its own
// timeout.
type CompositeHealthChecker struct {
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	version   string
	timeout   time.Duration
	clock     timeutil.Clock
	startedAt time.Time
}

// HealthOption configures a CompositeHealthChecker.
type HealthOption func(*CompositeHealthChecker)

// WithCheckTimeout bounds every check; non-positive values are ignored.
func WithCheckTimeout(d time.Duration) HealthOption {
	return func(c *CompositeHealthChecker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHealthClock replaces the wall clock used for uptime and timestamps.
func WithHealthClock(clock timeutil.Clock) HealthOption {
	return func(c *CompositeHealthChecker) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCompositeHealthChecker creates a checker with no checks.
func NewCompositeHealthChecker(version string, opts ...HealthOption) *CompositeHealthChecker {
	c := &CompositeHealthChecker{
		checks:  make(map[string]registeredCheck),
		version: version,
		timeout: 5 * time.Second,
		clock:   timeutil.SystemClock{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.startedAt = c.clock.Now()
	return c
}

// AddCheck registers a critical check: its failure makes the service unhealthy.
func (c *CompositeHealthChecker) AddCheck(name string, fn HealthCheckFunc) {
	c.add(name, fn, true)
}

// AddOptionalCheck registers a check whose failure only degrades the service,
// e.g. the Redis cache layer the engine can run without.
func (c *CompositeHealthChecker) AddOptionalCheck(name string, fn HealthCheckFunc) {
	c.add(name, fn, false)
}

func (c *CompositeHealthChecker) add(name string, fn HealthCheckFunc, critical bool) {
	c.mu.Lock()
	c.checks[name] = registeredCheck{fn: fn, critical: critical}
	c.mu.Unlock()
}

// Check runs every check and aggregates the results.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]registeredCheck, len(c.checks))
	for name, p := range c.checks {
		checks[name] = p
	}
	c.mu.RUnlock()

	now := c.clock.Now()
	status := HealthStatus{
		Healthy:   true,
		Status:    HealthOK,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    now.Sub(c.startedAt).Round(time.Second).String(),
		Timestamp: now,
		Version:   c.version,
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, p := range checks {
		wg.Add(1)
		go func(name string, p registeredCheck) {
			defer wg.Done()
			result := c.run(ctx, p)
			mu.Lock()
			status.Checks[name] = result
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	var failedCritical, failedOptional []string
	for name, r := range status.Checks {
		switch {
		case r.Healthy:
		case r.Critical:
			failedCritical = append(failedCritical, name)
		default:
			failedOptional = append(failedOptional, name)
		}
	}
	sort.Strings(failedCritical)
	sort.Strings(failedOptional)

	switch {
	case len(failedCritical) > 0:
		status.Healthy = false
		status.Status = HealthUnhealthy
		status.Message = "failing: " + strings.Join(append(failedCritical, failedOptional...), ", ")
	case len(failedOptional) > 0:
		status.Status = HealthDegraded
		status.Message = "degraded: " + strings.Join(failedOptional, ", ")
	}
	return status
}

func (c *CompositeHealthChecker) run(ctx context.Context, p registeredCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	details, err := p.fn(ctx)
	result := CheckResult{
		Healthy:  err == nil,
		Critical: p.critical,
		Duration: time.Since(start).Round(time.Millisecond).String(),
		Details:  details,
	}
	if err != nil {
		result.Message = err.Error()
	}
	return result
}

// ══════════════════════════════════════════════════════════════════════════════
// CHECKS
// ══════════════════════════════════════════════════════════════════════════════

// PoolHealth reports database pool state. *postgres.Connection implements it.
type PoolHealth interface {
	Health(ctx context.Context) (*postgres.HealthStatus, error)
}

// NewDatabaseCheck reports pool statistics and fails when the ping fails.
func NewDatabaseCheck(db PoolHealth) HealthCheckFunc {
	return func(ctx context.Context) (any, error) {
		st, err := db.Health(ctx)
		if err != nil {
			return nil, err
		}
		if !st.Healthy {
			return st, errors.New(st.Error)
		}
		return st, nil
	}
}

// Pinger is any dependency with a liveness ping, such as the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewPingCheck fails when Ping fails.
func NewPingCheck(p Pinger) HealthCheckFunc {
	return func(ctx context.Context) (any, error) {
		return nil, p.Ping(ctx)
	}
}

// RunningChecker reports whether a background component is accepting work.
type RunningChecker interface {
	IsRunning() bool
}

// NewRunningCheck fails while the component reports it is stopped.
func NewRunningCheck(name string, c RunningChecker) HealthCheckFunc {
	return func(context.Context) (any, error) {
		if !c.IsRunning() {
			return nil, errors.New(name + " is not running")
		}
		return nil, nil
	}
}

// NewStaticCheck always passes and reports details; the memory storage
// driver uses it to describe itself.
func NewStaticCheck(details any) HealthCheckFunc {
	return func(context.Context) (any, error) {
		return details, nil
	}
}
