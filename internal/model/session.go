package model

import (
	"errors"
	"time"
)

// AuthSession holds the credentials of a logged-in user.
type AuthSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is past its expiry at now,
// treating tokens within skew of expiry as already expired.
// A zero ExpiresAt never expires locally; the server decides.
func (s AuthSession) Expired(now time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(s.ExpiresAt)
}

var (
	// ErrNotAuthenticated is returned when no session exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrSessionTerminated is returned to every caller waiting on a token
	// refresh that failed. The session has been discarded and the user
	// must log in again.
	ErrSessionTerminated = errors.New("session terminated: login required")
)
