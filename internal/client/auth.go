package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/roach88/shelfsync/internal/model"
)

// SessionStore persists the auth session. *store.Store implements it.
type SessionStore interface {
	LoadSession(ctx context.Context) (model.AuthSession, error)
	SaveSession(ctx context.Context, s model.AuthSession) error
	DeleteSession(ctx context.Context) error
}

// RefreshFunc exchanges a refresh token for a new session.
type RefreshFunc func(ctx context.Context, refreshToken string) (model.AuthSession, error)

type authConfig struct {
	clock   model.Clock
	skew    time.Duration
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics
}

type refreshOutcome struct {
	token string
	err   error
}

// Authenticator owns the auth session of one client and coordinates token
// refresh so that at most one refresh is in flight.
type Authenticator struct {
	sessions SessionStore
	refresh  RefreshFunc
	cfg      authConfig

	mu         sync.Mutex
	session    *model.AuthSession // nil until loaded
	skew       time.Duration      // refresh skew for session
	terminated error              // set when a refresh was rejected
	refreshing bool
	waiters    []chan refreshOutcome
	onLogout   []func(reason error)
}

func newAuthenticator(sessions SessionStore, refresh RefreshFunc, cfg authConfig) *Authenticator {
	return &Authenticator{
		sessions: sessions,
		refresh:  refresh,
		cfg:      cfg,
	}
}

// OnLogout registers fn to run after the session is destroyed, either by
// Logout or because a refresh was rejected. reason is nil for a logout.
func (a *Authenticator) OnLogout(fn func(reason error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onLogout = append(a.onLogout, fn)
}

// Establish stores a new session, e.g. after login.
func (a *Authenticator) Establish(ctx context.Context, s model.AuthSession) error {
	if err := a.sessions.SaveSession(ctx, s); err != nil {
		return fmt.Errorf("establish session: %w", err)
	}
	a.mu.Lock()
	a.useLocked(&s)
	a.terminated = nil
	a.mu.Unlock()
	return nil
}

// Session returns the current session or model.ErrNotAuthenticated.
func (a *Authenticator) Session(ctx context.Context) (model.AuthSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.loadLocked(ctx)
	if err != nil {
		return model.AuthSession{}, err
	}
	return *s, nil
}

// Clear destroys the session and runs the logout callbacks with reason.
func (a *Authenticator) Clear(ctx context.Context, reason error) error {
	a.mu.Lock()
	a.session = nil
	a.terminated = nil
	callbacks := append([]func(error){}, a.onLogout...)
	a.mu.Unlock()

	if err := a.sessions.DeleteSession(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	for _, fn := range callbacks {
		fn(reason)
	}
	return nil
}

// Token returns an access token for an authenticated request. A session
// past its expiry is refreshed first.
func (a *Authenticator) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	s, err := a.loadLocked(ctx)
	if err != nil {
		a.mu.Unlock()
		return "", err
	}
	if !s.Expired(a.cfg.clock.Now(), a.skew) {
		token := s.AccessToken
		a.mu.Unlock()
		return token, nil
	}
	stale := s.AccessToken
	a.mu.Unlock()

	a.cfg.logger.Debug("access token expired locally, refreshing")
	return a.Refresh(ctx, stale)
}

// Refresh returns a token newer than stale.
//
// If the session already holds a different, unexpired token, another caller
// refreshed in the meantime and that token is returned. Otherwise the caller
// joins the FIFO waiter list; the first waiter starts the refresh. All
// waiters receive the same outcome.
//
// The refresh runs detached from ctx so that one caller giving up does not
// fail the others. ctx only bounds how long this caller waits.
func (a *Authenticator) Refresh(ctx context.Context, stale string) (string, error) {
	a.mu.Lock()
	s, err := a.loadLocked(ctx)
	if err != nil {
		a.mu.Unlock()
		return "", err
	}
	if s.AccessToken != stale && !s.Expired(a.cfg.clock.Now(), a.skew) {
		token := s.AccessToken
		a.mu.Unlock()
		return token, nil
	}

	ch := make(chan refreshOutcome, 1)
	a.waiters = append(a.waiters, ch)
	if !a.refreshing {
		a.refreshing = true
		go a.run(context.WithoutCancel(ctx), s.RefreshToken)
	}
	a.mu.Unlock()

	select {
	case out := <-ch:
		return out.token, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("wait for token refresh: %w", ctx.Err())
	}
}

// Refreshing reports whether a refresh is in flight.
func (a *Authenticator) Refreshing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshing
}

// run performs the single in-flight refresh and settles all waiters.
func (a *Authenticator) run(ctx context.Context, refreshToken string) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.timeout)
	defer cancel()

	start := time.Now()
	next, err := a.refresh(ctx, refreshToken)
	if err == nil {
		err = a.sessions.SaveSession(ctx, next)
	}

	terminated := err != nil && rejected(err)
	var out refreshOutcome
	switch {
	case err == nil:
		out.token = next.AccessToken
		a.cfg.metrics.refreshes.WithLabelValues("success").Inc()
		a.cfg.logger.Info("access token refreshed", "duration_ms", time.Since(start).Milliseconds())
	case terminated:
		out.err = &model.Error{
			Code:    model.ErrCodeAuthExpired,
			Message: "session terminated: token refresh rejected",
			Status:  http.StatusUnauthorized,
			Err:     fmt.Errorf("%w: %w", model.ErrSessionTerminated, err),
		}
		a.cfg.metrics.refreshes.WithLabelValues("rejected").Inc()
		a.cfg.logger.Warn("token refresh rejected, terminating session", "error", err)
	default:
		out.err = fmt.Errorf("token refresh: %w", err)
		a.cfg.metrics.refreshes.WithLabelValues("error").Inc()
		a.cfg.logger.Warn("token refresh failed", "error", err)
	}

	if terminated {
		if derr := a.sessions.DeleteSession(ctx); derr != nil {
			a.cfg.logger.Error("delete terminated session", "error", derr)
		}
	}

	a.mu.Lock()
	switch {
	case err == nil:
		a.useLocked(&next)
	case terminated:
		a.session = nil
		a.terminated = out.err
	}
	waiters := a.waiters
	a.waiters = nil
	a.refreshing = false
	var callbacks []func(error)
	if terminated {
		callbacks = append(callbacks, a.onLogout...)
	}
	a.mu.Unlock()

	// Buffered channels; release never blocks.
	for _, ch := range waiters {
		ch <- out
	}
	for _, fn := range callbacks {
		fn(out.err)
	}
}

// useLocked installs s as the current session. The refresh skew is capped
// at half the token's remaining lifetime so that short-lived tokens are
// not expired on arrival. Caller holds a.mu.
func (a *Authenticator) useLocked(s *model.AuthSession) {
	a.session = s
	a.skew = a.cfg.skew
	if s.ExpiresAt.IsZero() {
		return
	}
	if half := s.ExpiresAt.Sub(a.cfg.clock.Now()) / 2; half < a.skew {
		a.skew = max(half, 0)
	}
}

// loadLocked returns the cached session, loading it on first use.
// Caller holds a.mu.
func (a *Authenticator) loadLocked(ctx context.Context) (*model.AuthSession, error) {
	if a.session != nil {
		return a.session, nil
	}
	if a.terminated != nil {
		return nil, a.terminated
	}
	s, err := a.sessions.LoadSession(ctx)
	if errors.Is(err, model.ErrNotAuthenticated) {
		return nil, &model.Error{
			Code:    model.ErrCodeAuthExpired,
			Message: "not logged in",
			Err:     model.ErrNotAuthenticated,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	a.useLocked(&s)
	return a.session, nil
}

// rejected reports whether the server answered the refresh with a 4xx.
// Transport failures and 5xx leave the session in place.
func rejected(err error) bool {
	var e *model.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}
