package domain

import "time"

// TokenProvider supplies the bearer credential for the authenticated
// channel and the remote API.
type TokenProvider interface {
	Token() string
	Expiry() (time.Time, bool)
	Clear()
	Watch(fn func(token string)) (cancel func())
}

// UnauthorizedReporter is told about 401 responses.
type UnauthorizedReporter interface {
	ReportUnauthorized(reason string)
}

// Navigator performs client navigation.
type Navigator interface {
	Redirect(target string) error
}

type SessionState string

const (
	SessionValid        SessionState = "VALID"
	SessionExpiringSoon SessionState = "EXPIRING_SOON"
	SessionExpired      SessionState = "EXPIRED"
	SessionLoggedOut    SessionState = "LOGGED_OUT"
)

// SessionExpiredTarget is the navigation target of a forced sign-out.
const SessionExpiredTarget = "session-expired"
