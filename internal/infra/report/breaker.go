package report

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tutu-network/immunet/internal/domain"
	"github.com/tutu-network/immunet/internal/infra/metrics"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	Closed   BreakerState = iota // writes pass through
	Open                         // writes are rejected until ResetTimeout
	HalfOpen                     // probing whether the store recovered
)

// String returns a human-readable breaker state.
func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func stateOf(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that trip the breaker
	ResetTimeout     time.Duration // time spent open before probing
	HalfOpenProbes   int           // successful probes that close it again
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenProbes:   3,
	}
}

// Breaker guards a store so a failing database does not stall analyzers
// with one failing write per anomaly. Safe for concurrent use.
type Breaker struct {
	cb    *gobreaker.TwoStepCircuitBreaker
	trips atomic.Int64
}

// NewBreaker returns a closed breaker. Transitions are logged to log.
func NewBreaker(cfg BreakerConfig, log zerolog.Logger) *Breaker {
	b := &Breaker{}
	threshold := uint32(max(cfg.FailureThreshold, 1))
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "report_store",
		MaxRequests: uint32(max(cfg.HalfOpenProbes, 1)),
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// Runs under the breaker's lock: must not call back into cb.
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(stateOf(to)))
			if to == gobreaker.StateOpen {
				b.trips.Add(1)
				log.Warn().Str("breaker", name).Dur("retry_in", cfg.ResetTimeout).
					Msg("report store tripped, skipping writes")
				return
			}
			log.Info().Str("breaker", name).Stringer("from", from).Stringer("to", to).
				Msg("report store breaker state changed")
		},
	})
	return b
}

// Allow reserves one write. The returned func must be called with the
// write's outcome. It returns ErrCircuitOpen while the breaker is open or
// while the half-open probe budget is in use.
func (b *Breaker) Allow() (func(success bool), error) {
	done, err := b.cb.Allow()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("report store: %w: %v", domain.ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return done, nil
}

// State returns the current state. An open breaker whose ResetTimeout has
// passed reports half-open.
func (b *Breaker) State() BreakerState { return stateOf(b.cb.State()) }

// Trips returns how many times the breaker has opened.
func (b *Breaker) Trips() int { return int(b.trips.Load()) }
