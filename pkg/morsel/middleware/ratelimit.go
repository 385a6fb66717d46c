package middleware

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type rateLimitStage struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// RateLimit drops inbound frames arriving faster than r per second, with the
// given burst. Outbound frames are not limited. Use it through a Factory so
// each connection gets its own token bucket.
func RateLimit(r float64, burst int, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &rateLimitStage{
		limiter: rate.NewLimiter(rate.Limit(r), burst),
		logger:  logger,
	}
}

// RateLimitFactory returns a Factory building one RateLimit stage per connection.
func RateLimitFactory(r float64, burst int, logger *zap.Logger) Factory {
	return func() Middleware {
		return RateLimit(r, burst, logger)
	}
}

func (l *rateLimitStage) Send(ctx context.Context, state *State, data []byte, next Next) error {
	return next(ctx, data)
}

func (l *rateLimitStage) Receive(ctx context.Context, state *State, data []byte, next Next) error {
	if !l.limiter.Allow() {
		l.logger.Warn("Rate limit exceeded, dropping inbound frame",
			zap.String("connection_id", state.ConnectionID()),
			zap.Int("data_length", len(data)),
		)
		return nil
	}

	return next(ctx, data)
}
