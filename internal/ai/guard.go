package ai

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/rendis/autoflow/internal/prompts"
	"github.com/rendis/autoflow/pkg/schema"
)

// GuardConfig sets the per-model request rate. A zero RatePerSecond
// disables limiting.
type GuardConfig struct {
	RatePerSecond float64
	Burst         int
}

// Guard rate-limits completions per model. Callers block until a token is
// available or their context ends.
type Guard struct {
	inner Completer
	cfg   GuardConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGuard wraps inner with per-model rate limiting.
func NewGuard(inner Completer, cfg GuardConfig) *Guard {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Guard{inner: inner, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// Complete implements Completer.
func (g *Guard) Complete(ctx context.Context, req *prompts.Request) (*Response, error) {
	if lim := g.limiter(req.Model); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting for rate limit").WithCause(err)
			}
			return nil, schema.NewErrorf(schema.ErrCodeRateLimited, "rate limit for model %q: %v", req.Model, err).WithCause(err)
		}
	}
	return g.inner.Complete(ctx, req)
}

func (g *Guard) limiter(model string) *rate.Limiter {
	if g.cfg.RatePerSecond <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[model]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[model] = lim
	}
	return lim
}
