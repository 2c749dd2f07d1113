package log

import (
	"time"

	"github.com/go-kit/log"
	"golang.org/x/time/rate"
)

// RateLimitedLogger wraps a logger and drops log calls beyond
// logsPerSecond.
type RateLimitedLogger struct {
	limiter *rate.Limiter
	logger  log.Logger
}

// NewRateLimitedLogger returns a RateLimitedLogger allowing up to
// logsPerSecond calls to Log per second, bursting by 1.
func NewRateLimitedLogger(logsPerSecond int, logger log.Logger) *RateLimitedLogger {
	return &RateLimitedLogger{
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
		logger:  logger,
	}
}

// Log forwards keyvals to the underlying logger unless the rate limit
// has been exceeded, in which case the call is silently dropped.
func (l *RateLimitedLogger) Log(keyvals ...interface{}) {
	if !l.limiter.AllowN(time.Now(), 1) {
		return
	}
	_ = l.logger.Log(keyvals...)
}
