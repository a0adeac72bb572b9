// Package retry provides exponential backoff with jitter for transient
// broker and market-data failures.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	Attempts   int           // total attempts, not retries
	Base       time.Duration // first backoff delay
	Multiplier float64
	Max        time.Duration // backoff clamp
	Jitter     bool          // multiply delay by a uniform factor in [0.5, 1.0]

	// IsRetryable short-circuits retries for permanent errors. Nil means
	// DefaultIsRetryable.
	IsRetryable func(error) bool
	// OnRetry fires between attempts only, never after the last one.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig matches the broker's tolerance: three tries, half-second
// base, doubling, capped at ten seconds.
var DefaultConfig = Config{
	Attempts:   3,
	Base:       500 * time.Millisecond,
	Multiplier: 2,
	Max:        10 * time.Second,
	Jitter:     true,
}

// permanentPatterns identify broker rejections that retrying cannot fix.
var permanentPatterns = []string{
	"insufficient",
	"rejected",
	"invalid",
	"not allowed",
	"market closed",
	"symbol not found",
}

// DefaultIsRetryable treats everything as transient except recognisable
// permanent broker rejections.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// Delay computes the backoff before attempt n (0-based retry index), without
// jitter applied.
func (c Config) Delay(attempt int) time.Duration {
	base := c.Base
	if base <= 0 {
		base = DefaultConfig.Base
	}
	mult := c.Multiplier
	if mult <= 0 {
		mult = DefaultConfig.Multiplier
	}
	max := c.Max
	if max <= 0 {
		max = DefaultConfig.Max
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if d > max || d < 0 {
		d = max
	}
	return d
}

// jittered applies the uniform [0.5, 1.0] factor when enabled.
func (c Config) jittered(d time.Duration) time.Duration {
	if !c.Jitter || d <= 0 {
		return d
	}
	half := int64(d / 2)
	n, err := rand.Int(rand.Reader, big.NewInt(half+1))
	if err != nil {
		return d
	}
	return time.Duration(half + n.Int64())
}

// Do runs fn with retries, returning the last error once attempts are
// exhausted or a permanent error is seen.
func Do(ctx context.Context, cfg Config, fn func(context.Context) error) error {
	_, err := execute(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Result is the outcome of DoSafe.
type Result[T any] struct {
	Success  bool
	Data     T
	Err      error
	Attempts int
}

// DoSafe is the non-throwing variant: it always returns a Result describing
// what happened.
func DoSafe[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) Result[T] {
	attempts := 0
	data, err := execute(ctx, cfg, func(ctx context.Context) (T, error) {
		attempts++
		return fn(ctx)
	})
	return Result[T]{Success: err == nil, Data: data, Err: err, Attempts: attempts}
}

func execute[T any](ctx context.Context, cfg Config, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = DefaultConfig.Attempts
	}
	isRetryable := cfg.IsRetryable
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !isRetryable(err) || attempt == attempts-1 {
			break
		}

		delay := cfg.jittered(cfg.Delay(attempt))
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, fmt.Errorf("retry canceled during backoff: %w", ctx.Err())
		}
	}
	return zero, lastErr
}
