package swcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rateLimitedLogger emits a warning at most once per interval and reports
// how many were swallowed in between.
type rateLimitedLogger struct {
	log   *logrus.Entry
	every time.Duration
	now   func() time.Time

	mu         sync.Mutex
	last       time.Time
	suppressed int
}

func newRateLimitedLogger(log *logrus.Entry, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, every: every, now: time.Now}
}

// Warnf reports whether the message was written.
func (l *rateLimitedLogger) Warnf(format string, args ...any) bool {
	l.mu.Lock()
	t := l.now()
	if !l.last.IsZero() && t.Sub(l.last) < l.every {
		l.suppressed++
		l.mu.Unlock()
		return false
	}
	dropped := l.suppressed
	l.last, l.suppressed = t, 0
	l.mu.Unlock()

	entry := l.log
	if dropped > 0 {
		entry = entry.WithField("suppressed", dropped)
	}
	entry.Warnf(format, args...)
	return true
}
