// Package health provides periodic health checks with auto-recovery.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// DefaultInterval is the time between check rounds.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is the store reachability probe.
type Pinger interface {
	Ping() error
}

// Pool is the dispatch pool liveness probe.
type Pool interface {
	Closed() bool
	Size() int
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker for the store, the persistence
// directory and the dispatch pool.
func NewChecker(db Pinger, persistDir string, pool Pool) *Checker {
	return &Checker{
		interval: DefaultInterval,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "persistence_dir",
				CheckFn: func(ctx context.Context) error {
					return checkWritableDir(persistDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(persistDir, 0o755)
				},
			},
			{
				Name: "dispatch_pool",
				CheckFn: func(ctx context.Context) error {
					return checkPool(pool)
				},
			},
		},
	}
}

// Add registers an extra check. Call before Run.
func (c *Checker) Add(check Check) {
	c.mu.Lock()
	c.checks = append(c.checks, check)
	c.mu.Unlock()
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check immediately.
func (c *Checker) RunOnce(ctx context.Context) {
	c.mu.RLock()
	checks := append([]Check(nil), c.checks...)
	c.mu.RUnlock()

	statuses := make([]Status, len(checks))
	for i, check := range checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if check.RecoverFn != nil && check.RecoverFn(ctx) == nil {
				// Recovered checks are re-evaluated in the same round.
				if err := check.CheckFn(ctx); err == nil {
					s.Healthy, s.Error = true, ""
				}
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
		gauge := 0.0
		if s.Healthy {
			gauge = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(gauge)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check persistence dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("persistence path %s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("persistence dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkPool(p Pool) error {
	if p == nil {
		return errors.New("dispatch pool not started")
	}
	if p.Closed() {
		return errors.New("dispatch pool is closed")
	}
	if p.Size() == 0 {
		return errors.New("dispatch pool has no analyzers")
	}
	return nil
}
