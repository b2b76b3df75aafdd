package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/shelfsync/internal/model"
)

// SaveSession stores the auth session, replacing any previous one.
func (s *Store) SaveSession(ctx context.Context, sess model.AuthSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_session (id, access_token, refresh_token, expires_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at
	`, sess.AccessToken, sess.RefreshToken, toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the stored session, or model.ErrNotAuthenticated.
func (s *Store) LoadSession(ctx context.Context) (model.AuthSession, error) {
	var (
		sess      model.AuthSession
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expires_at FROM auth_session WHERE id = 1
	`).Scan(&sess.AccessToken, &sess.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuthSession{}, model.ErrNotAuthenticated
	}
	if err != nil {
		return model.AuthSession{}, fmt.Errorf("load session: %w", err)
	}
	sess.ExpiresAt = fromMillis(expiresAt)
	return sess, nil
}

// DeleteSession removes the stored session. Missing sessions are not an error.
func (s *Store) DeleteSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_session`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PutAlias records that a locally created product now has a server ID.
func (s *Store) PutAlias(ctx context.Context, localID, serverID int64) error {
	return putAlias(ctx, s.db, localID, serverID)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putAlias(ctx context.Context, db execer, localID, serverID int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO id_aliases (local_id, server_id) VALUES (?, ?)
		ON CONFLICT(local_id) DO UPDATE SET server_id = excluded.server_id
	`, localID, serverID)
	if err != nil {
		return fmt.Errorf("put alias %d -> %d: %w", localID, serverID, err)
	}
	return nil
}

// ResolveAlias returns the server ID recorded for a local ID.
// The bool is false when no alias exists.
func (s *Store) ResolveAlias(ctx context.Context, localID int64) (int64, bool, error) {
	var serverID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT server_id FROM id_aliases WHERE local_id = ?
	`, localID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolve alias %d: %w", localID, err)
	}
	return serverID, true, nil
}

// MinLocalID returns the lowest local product ID ever aliased, or 0.
// Used to keep newly allocated local IDs unique across restarts.
func (s *Store) MinLocalID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(local_id) FROM id_aliases`).Scan(&id); err != nil {
		return 0, fmt.Errorf("min local id: %w", err)
	}
	return id.Int64, nil
}
