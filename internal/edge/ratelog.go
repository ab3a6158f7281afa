package edge

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// rateLimitedLogger lets one event through per interval. When the budget is
// spent the returned event is nil, which zerolog treats as a no-op.
type rateLimitedLogger struct {
	lim *rate.Limiter
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	if interval <= 0 {
		return &rateLimitedLogger{lim: rate.NewLimiter(rate.Inf, 1)}
	}
	return &rateLimitedLogger{lim: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *rateLimitedLogger) Warn(ctx context.Context) *zerolog.Event {
	if !l.lim.Allow() {
		return nil
	}
	return ctxLogger(ctx).Warn()
}

func (l *rateLimitedLogger) Info(ctx context.Context) *zerolog.Event {
	if !l.lim.Allow() {
		return nil
	}
	return ctxLogger(ctx).Info()
}

// ctxLogger returns the request-scoped logger, falling back to the global one.
func ctxLogger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}
