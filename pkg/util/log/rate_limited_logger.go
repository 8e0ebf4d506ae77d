package log

import (
	kitlog "github.com/go-kit/log"
	"go.uber.org/atomic"
	"golang.org/x/time/rate"
)

// RateLimitedLogger wraps a kit logger and drops log lines above the
// configured rate. Dropped lines are counted and reported with the next
// line that goes through, so bursts of repeated errors do not flood the
// output but are still accounted for.
type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  kitlog.Logger

	dropped atomic.Int64
}

// NewRateLimitedLogger returns a logger that emits at most logsPerSecond
// lines per second through the wrapped logger.
func NewRateLimitedLogger(logsPerSecond int, logger kitlog.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), logsPerSecond),
		logger:  logger,
	}
}

func (l *RateLimitedLogger) Log(keyvals ...interface{}) {
	if !l.limiter.Allow() {
		l.dropped.Inc()
		return
	}

	if dropped := l.dropped.Swap(0); dropped > 0 {
		keyvals = append(keyvals, "dropped_lines", dropped)
	}
	_ = l.logger.Log(keyvals...)
}
