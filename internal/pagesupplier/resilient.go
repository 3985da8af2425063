package pagesupplier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// ResilienceConfig configures a ResilientSupplier.
type ResilienceConfig struct {
	BreakerName         string
	BreakerMaxRequests  uint32
	BreakerInterval     time.Duration
	BreakerTimeout      time.Duration
	BreakerFailureRatio float64

	RateLimitPerSecond int
	RateLimitBurst     int
}

// DefaultResilienceConfig mirrors the breaker/limiter tuning
// routing.DefaultGossipConfig uses for its own failure-handling paths,
// adapted to page acquisition instead of gossip fan-out.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		BreakerName:         "page-supplier",
		BreakerMaxRequests:  1,
		BreakerInterval:     10 * time.Second,
		BreakerTimeout:      2 * time.Second,
		BreakerFailureRatio: 0.6,
		RateLimitPerSecond:  2000,
		RateLimitBurst:      256,
	}
}

// ResilientSupplier wraps another Supplier with a circuit breaker and a
// token-bucket rate limiter, so a caller retrying Acquire in wait mode
// against a struggling supplier fails fast instead of hot-looping, and a
// caller issuing Acquire calls too quickly gets throttled before it ever
// reaches the inner supplier.
type ResilientSupplier struct {
	inner   Supplier
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *limiter.TokenBucket
	logger  *slog.Logger
}

// NewResilientSupplier wraps inner with the given resilience policy.
func NewResilientSupplier(inner Supplier, cfg ResilienceConfig, logger *slog.Logger) (*ResilientSupplier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "pagesupplier.resilient")

	settings := gobreaker.Settings{
		Name:        cfg.BreakerName,
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}

	lstore := store.NewMemoryStore(time.Minute)
	tb, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(cfg.RateLimitPerSecond),
		Duration: time.Second,
		Burst:    int64(cfg.RateLimitBurst),
	}, lstore)
	if err != nil {
		return nil, fmt.Errorf("pagesupplier: failed to initialize rate limiter: %w", err)
	}

	return &ResilientSupplier{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		limiter: tb,
		logger:  logger,
	}, nil
}

// PageSize delegates to the wrapped supplier.
func (r *ResilientSupplier) PageSize() int { return r.inner.PageSize() }

// Acquire throttles and circuit-breaks calls into the wrapped supplier.
func (r *ResilientSupplier) Acquire(ctx context.Context, wait bool) ([]byte, error) {
	if !r.limiter.Allow("acquire") {
		r.logger.Debug("page acquisition rate limited")
		return nil, fmt.Errorf("pagesupplier: rate limit exceeded: %w", ErrExhausted)
	}
	return r.breaker.Execute(func() ([]byte, error) {
		return r.inner.Acquire(ctx, wait)
	})
}

// Release delegates to the wrapped supplier; releases do not consume rate
// budget or trip the breaker.
func (r *ResilientSupplier) Release(page []byte) error {
	return r.inner.Release(page)
}
