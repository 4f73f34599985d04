package telemetry

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/uselesscalc/orchestrator/internal/logger"
)

const (
	defaultWarnInterval = 10 * time.Second
	defaultWarnBurst    = 3
)

// warner rate-limits repeated warnings per key (usually a destination name) so a
// failing destination cannot flood the application log.
type warner struct {
	log      *logger.AppLogger
	every    time.Duration
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newWarner(log *logger.AppLogger, every time.Duration, burst int) *warner {
	return &warner{
		log:      log,
		every:    every,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (w *warner) allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(w.every), w.burst)
		w.limiters[key] = l
	}
	return l.Allow()
}

// Warn logs at WARN level unless key has exceeded its budget.
func (w *warner) Warn(key, format string, args ...interface{}) {
	if w.allow(key) {
		w.log.Warn(format, args...)
	}
}
