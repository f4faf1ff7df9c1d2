package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casetrace/backend/internal/util"
	"github.com/casetrace/backend/pkg/common"
	"github.com/casetrace/backend/pkg/logger"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardParams configures a GuardedEmbedder.
type GuardParams struct {
	Name string
	// Failures is the number of consecutive failures that open the breaker.
	Failures uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
	// RatePerSec and Burst limit provider calls. A zero rate disables the
	// limiter.
	RatePerSec float64
	Burst      int
	Backoff    util.Backoff
}

// GuardedEmbedder wraps a remote embedder with rate limiting, retries with
// exponential backoff and a circuit breaker. Every error it returns wraps
// common.ErrProviderUnavailable.
type GuardedEmbedder struct {
	inner   Embedder
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	backoff util.Backoff
}

func NewGuardedEmbedder(inner Embedder, params GuardParams) *GuardedEmbedder {
	failures := params.Failures
	if failures == 0 {
		failures = 5
	}
	name := params.Name
	if name == "" {
		name = "embedder"
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if params.RatePerSec > 0 {
		burst := max(params.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(params.RatePerSec), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     params.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("[AI] Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	return &GuardedEmbedder{
		inner:   inner,
		breaker: breaker,
		limiter: limiter,
		backoff: params.Backoff,
	}
}

func (g *GuardedEmbedder) ModelVersion() string {
	return g.inner.ModelVersion()
}

// State reports the breaker state, for health output.
func (g *GuardedEmbedder) State() string {
	return g.breaker.State().String()
}

func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	breakerOpen := func(err error) bool {
		return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
	}
	vec, err := util.RetryWithBackoff(ctx, g.backoff, breakerOpen, func(ctx context.Context) ([]float32, error) {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		out, err := g.breaker.Execute(func() (any, error) {
			return g.inner.Embed(ctx, text)
		})
		if err != nil {
			return nil, err
		}
		return out.([]float32), nil
	})
	if err != nil {
		if errors.Is(err, common.ErrProviderUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", common.ErrProviderUnavailable, err)
	}
	return vec, nil
}
