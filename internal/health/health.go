// Package health aggregates dependency checks for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is the outcome of one run of all checks.
type Report struct {
	Status Status            `json:"status"`
	Checks map[string]Status `json:"checks"`
}

// Ready reports whether no check is down. Degraded dependencies still serve.
func (r Report) Ready() bool { return r.Status != StatusDown }

// Checker manages health checks for all dependencies.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	last    Report
	timeout time.Duration
	logger  zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: 5 * time.Second,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
}

// RunAll executes all health checks concurrently and returns the aggregate.
func (c *Checker) RunAll(ctx context.Context) Report {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	report := Report{Status: StatusOK, Checks: results}
	for name, s := range results {
		switch {
		case s == StatusDown:
			report.Status = StatusDown
		case s == StatusDegraded && report.Status == StatusOK:
			report.Status = StatusDegraded
		}
		if s != StatusOK {
			c.logger.Warn().Str("check", name).Str("status", string(s)).Msg("dependency unhealthy")
		}
	}

	c.mu.Lock()
	c.last = report
	c.mu.Unlock()
	return report
}

// IsReady returns true if no check is down.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.RunAll(ctx).Ready()
}

// Last returns the most recent report.
func (c *Checker) Last() Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Pinger is satisfied by the store.
type Pinger interface {
	Ping() error
}

// PingCheck is down when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(context.Context) Status {
		if err := p.Ping(); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// ErrCheck is degraded while errFn reports an error. It is used for conditions
// the process survives, such as a failed integrity check at startup.
func ErrCheck(errFn func() error) CheckFunc {
	return func(context.Context) Status {
		if errFn() != nil {
			return StatusDegraded
		}
		return StatusOK
	}
}
