package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"marketplace-sync/internal/domain"
	"marketplace-sync/internal/metrics"
	"marketplace-sync/pkg/logger"
)

type SessionWatcherConfig struct {
	CheckInterval  time.Duration
	ExpiringWindow time.Duration
	RedirectTarget string
}

// SessionWatcher enforces token expiry. It moves VALID -> EXPIRING_SOON
// -> EXPIRED -> LOGGED_OUT; the last step clears the token and redirects
// exactly once per session however many triggers race for it.
type SessionWatcher struct {
	tokens  domain.TokenProvider
	nav     domain.Navigator
	cfg     SessionWatcherConfig
	cron    *cron.Cron
	metrics *metrics.Metrics
	log     logger.Logger
	now     func() time.Time

	mu          sync.Mutex
	state       SessionState
	session     uint64 // bumped by every new token
	listeners   []func(SessionState)
	cancelWatch func()
}

type SessionState = domain.SessionState

func NewSessionWatcher(
	tokens domain.TokenProvider,
	nav domain.Navigator,
	cfg SessionWatcherConfig,
	m *metrics.Metrics,
	log logger.Logger,
) *SessionWatcher {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.RedirectTarget == "" {
		cfg.RedirectTarget = domain.SessionExpiredTarget
	}

	return &SessionWatcher{
		tokens:  tokens,
		nav:     nav,
		cfg:     cfg,
		cron:    cron.New(),
		metrics: m,
		log:     log,
		now:     time.Now,
		state:   domain.SessionValid,
	}
}

func (w *SessionWatcher) Start(ctx context.Context) error {
	w.log.Info("Starting session watcher", "interval", w.cfg.CheckInterval)

	_, err := w.cron.AddFunc(fmt.Sprintf("@every %s", w.cfg.CheckInterval), w.Check)
	if err != nil {
		return err
	}

	cancel := w.tokens.Watch(w.onToken)
	w.mu.Lock()
	w.cancelWatch = cancel
	w.mu.Unlock()

	w.Check()
	w.cron.Start()

	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	return nil
}

func (w *SessionWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancelWatch
	w.cancelWatch = nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-w.cron.Stop().Done()
	w.log.Info("Stopped session watcher")
}

func (w *SessionWatcher) State() SessionState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// OnStateChange registers fn for every later transition.
func (w *SessionWatcher) OnStateChange(fn func(SessionState)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Check compares the token expiry with the clock. It is the periodic job.
func (w *SessionWatcher) Check() {
	if w.tokens.Token() == "" {
		return
	}

	expiry, ok := w.tokens.Expiry()
	if !ok {
		return
	}

	now := w.now()
	switch {
	case !now.Before(expiry):
		w.expire("token expired")
	case w.cfg.ExpiringWindow > 0 && now.Add(w.cfg.ExpiringWindow).After(expiry):
		w.transition(func(s SessionState) bool { return s == domain.SessionValid }, domain.SessionExpiringSoon)
	}
}

// ReportUnauthorized implements domain.UnauthorizedReporter.
func (w *SessionWatcher) ReportUnauthorized(reason string) {
	w.expire(reason)
}

func (w *SessionWatcher) expire(reason string) {
	w.mu.Lock()
	if w.state == domain.SessionExpired || w.state == domain.SessionLoggedOut {
		w.mu.Unlock()
		return
	}
	session := w.session
	listeners := w.setStateLocked(domain.SessionExpired)
	w.mu.Unlock()

	notify(listeners, domain.SessionExpired)
	w.log.Warn("Session expired", "reason", reason)

	// Clear notifies token watchers, including this one, so it runs
	// without holding w.mu.
	w.tokens.Clear()
	if err := w.nav.Redirect(w.cfg.RedirectTarget); err != nil {
		w.log.Error("Failed to redirect after sign-out", "target", w.cfg.RedirectTarget, "error", err)
	}
	w.metrics.ForcedLogout()

	w.transition(func(s SessionState) bool {
		return s == domain.SessionExpired && w.session == session
	}, domain.SessionLoggedOut)
}

func (w *SessionWatcher) onToken(token string) {
	if token == "" {
		return
	}

	w.mu.Lock()
	w.session++
	listeners := w.setStateLocked(domain.SessionValid)
	w.mu.Unlock()

	notify(listeners, domain.SessionValid)
	w.log.Info("New session token observed")
	w.Check()
}

// transition moves to next when allowed reports true for the current
// state. allowed runs under w.mu.
func (w *SessionWatcher) transition(allowed func(SessionState) bool, next SessionState) {
	w.mu.Lock()
	if !allowed(w.state) {
		w.mu.Unlock()
		return
	}
	listeners := w.setStateLocked(next)
	w.mu.Unlock()

	notify(listeners, next)
}

// IMPORTANT: w.mu must be held. It returns the listeners to notify once
// the lock is released.
func (w *SessionWatcher) setStateLocked(next SessionState) []func(SessionState) {
	if w.state == next {
		return nil
	}
	w.log.Info("Session state changed", "from", w.state, "to", next)
	w.state = next
	w.metrics.SetSessionState(string(next))

	listeners := make([]func(SessionState), len(w.listeners))
	copy(listeners, w.listeners)
	return listeners
}

func notify(listeners []func(SessionState), state SessionState) {
	for _, fn := range listeners {
		fn(state)
	}
}
