// Package breaker wraps sony/gobreaker with the fail-fast semantics the
// broker layer needs: trip on consecutive failures, cool down, then allow a
// single half-open probe.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is the sentinel matched with errors.Is when the breaker
// refuses a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError reports a fast-failed call and how long until the next
// probe is allowed.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %s open, retry after %s", e.Name, e.RetryAfter)
}

// Is makes errors.Is(err, ErrCircuitOpen) work on wrapped values.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold uint32        // consecutive failures before tripping
	Cooldown         time.Duration // open duration before a half-open probe
}

// Defaults per call class: order submission tolerates more failures than
// market data before tripping.
var (
	TradingSettings    = Settings{Name: "trading", FailureThreshold: 5, Cooldown: 30 * time.Second}
	MarketDataSettings = Settings{Name: "market-data", FailureThreshold: 3, Cooldown: 15 * time.Second}
)

// Breaker is a three-state circuit breaker. All state lives inside the
// underlying gobreaker instance plus the open timestamp used to compute
// retry-after.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	cooldown time.Duration
	name     string

	mu       sync.Mutex
	openedAt time.Time
}

// New creates a Breaker. A nil logger falls back to stderr.
func New(s Settings, logger *log.Logger) *Breaker {
	if logger == nil {
		logger = log.New(os.Stderr, "breaker: ", log.LstdFlags)
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = TradingSettings.FailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = TradingSettings.Cooldown
	}

	b := &Breaker{cooldown: s.Cooldown, name: s.Name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // single half-open probe
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			logger.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	})
	return b
}

// Execute runs fn through the breaker. When the breaker is open it returns a
// *CircuitOpenError without invoking fn. Context cancellation is checked
// before dispatch; fn itself is responsible for honouring ctx.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitOpenError{Name: b.name, RetryAfter: b.retryAfter()}
	}
	return err
}

// State exposes the breaker state for status surfaces.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return b.cooldown
	}
	remaining := b.cooldown - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Execute runs a typed call through a breaker.
func Execute[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
