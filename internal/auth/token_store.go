package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

// TokenStore holds the signed-in user's bearer token. It implements
// domain.TokenProvider. Signatures are not checked here; the backend does
// that on every request.
type TokenStore struct {
	parser *jwt.Parser
	log    logger.Logger

	mu       sync.RWMutex
	token    string
	subject  string
	expiry   time.Time
	watchers map[uint64]func(string)
	nextID   uint64
}

func NewTokenStore(log logger.Logger) *TokenStore {
	return &TokenStore{
		parser:   jwt.NewParser(),
		log:      log,
		watchers: make(map[uint64]func(string)),
	}
}

// Set replaces the token. An empty token is the same as Clear. A token
// that is not a JWT is rejected and the current one is kept.
func (s *TokenStore) Set(token string) error {
	if token == "" {
		s.Clear()
		return nil
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := s.parser.ParseUnverified(token, &claims); err != nil {
		return ierr.New(ierr.ErrorCodeInvalidArgument, err)
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}

	s.mu.Lock()
	changed := s.token != token
	s.token = token
	s.subject = claims.Subject
	s.expiry = expiry
	watchers := s.watchersLocked()
	s.mu.Unlock()

	if changed {
		s.log.Info("Token updated", "subject", claims.Subject, "expires_at", expiry)
		notify(watchers, token)
	}
	return nil
}

func (s *TokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *TokenStore) Subject() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subject
}

// Expiry returns the exp claim. ok is false without a token or when the
// token never expires.
func (s *TokenStore) Expiry() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.expiry.IsZero() {
		return time.Time{}, false
	}
	return s.expiry, true
}

func (s *TokenStore) Clear() {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	s.subject = ""
	s.expiry = time.Time{}
	watchers := s.watchersLocked()
	s.mu.Unlock()

	if had {
		s.log.Info("Token cleared")
		notify(watchers, "")
	}
}

// Watch calls fn with every new token, "" on sign-out. fn runs on the
// goroutine that changed the token.
func (s *TokenStore) Watch(fn func(token string)) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *TokenStore) watchersLocked() []func(string) {
	out := make([]func(string), 0, len(s.watchers))
	for _, fn := range s.watchers {
		out = append(out, fn)
	}
	return out
}

func notify(watchers []func(string), token string) {
	for _, fn := range watchers {
		fn(token)
	}
}

// ErrNoToken is returned by callers that need a signed-in user.
var ErrNoToken = ierr.Newf(ierr.ErrorCodeUnauthenticated, "not signed in")
