package app

import (
	"sync"
	"time"

	"marketplace-sync/pkg/logger"
)

// RedirectRecorder is the Navigator of a headless agent: it logs the
// redirect and keeps the last one for the status endpoint.
type RedirectRecorder struct {
	log logger.Logger

	mu     sync.Mutex
	target string
	at     time.Time
	count  int
}

func NewRedirectRecorder(log logger.Logger) *RedirectRecorder {
	return &RedirectRecorder{log: log}
}

func (r *RedirectRecorder) Redirect(target string) error {
	r.mu.Lock()
	r.target = target
	r.at = time.Now()
	r.count++
	r.mu.Unlock()

	r.log.Warn("Redirecting", "target", target)
	return nil
}

// Last returns the most recent redirect target and when it happened.
func (r *RedirectRecorder) Last() (string, time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target, r.at, r.count
}
