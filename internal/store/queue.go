package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/shelfsync/internal/model"
)

var (
	// ErrItemNotFound is returned when no queue item has the given ID.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrTransitionConflict is returned when a conditional status update
	// found the item in a different status than expected.
	ErrTransitionConflict = errors.New("queue item status changed concurrently")
)

// ItemUpdate describes a status transition of one queue item.
// Only the status machine fields can change; the payload is immutable.
type ItemUpdate struct {
	From          model.Status
	To            model.Status
	Attempts      int
	LastAttemptAt time.Time
	LastError     string
}

// InsertQueueItem persists a new queue item.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-inserting the same
// item is silently ignored.
func (s *Store) InsertQueueItem(ctx context.Context, it model.QueueItem) error {
	if it.Status == model.StatusCompleted {
		return fmt.Errorf("insert queue item %s: completed items are not stored", it.ID)
	}
	prior, err := marshalPrior(it.Prior)
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", it.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO queue_items
		(id, seq, kind, payload, payload_hash, status, attempts, created_at, last_attempt_at, last_error, prior)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		it.ID,
		it.Seq,
		string(it.Kind),
		string(it.Payload),
		it.PayloadHash,
		string(it.Status),
		it.Attempts,
		toMillis(it.CreatedAt),
		toMillis(it.LastAttemptAt),
		it.LastError,
		prior,
	)
	if err != nil {
		return fmt.Errorf("insert queue item %s: %w", it.ID, err)
	}
	return nil
}

// GetQueueItem returns the item with the given ID, or ErrItemNotFound.
func (s *Store) GetQueueItem(ctx context.Context, id string) (model.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, seq, kind, payload, payload_hash, status, attempts, created_at, last_attempt_at, last_error, prior
		FROM queue_items
		WHERE id = ?
	`, id)
	it, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QueueItem{}, fmt.Errorf("get queue item %s: %w", id, ErrItemNotFound)
	}
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("get queue item %s: %w", id, err)
	}
	return it, nil
}

// ListQueueItems returns items in any of the given statuses, ordered by seq.
// With no statuses, every stored item is returned.
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListQueueItems(ctx context.Context, statuses ...model.Status) ([]model.QueueItem, error) {
	query := `
		SELECT id, seq, kind, payload, payload_hash, status, attempts, created_at, last_attempt_at, last_error, prior
		FROM queue_items`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	items := []model.QueueItem{}
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list queue items: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// CountQueueItems counts items in any of the given statuses.
func (s *Store) CountQueueItems(ctx context.Context, statuses ...model.Status) (int, error) {
	query := `SELECT COUNT(*) FROM queue_items`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queue items: %w", err)
	}
	return n, nil
}

// UpdateQueueItem applies a status transition if the item is still in
// u.From. Returns ErrTransitionConflict otherwise, ErrItemNotFound if the
// item does not exist.
func (s *Store) UpdateQueueItem(ctx context.Context, id string, u ItemUpdate) error {
	if u.To == model.StatusCompleted {
		return fmt.Errorf("update queue item %s: use CompleteQueueItem", id)
	}
	if !u.From.CanTransition(u.To) {
		return fmt.Errorf("update queue item %s: illegal transition %s -> %s", id, u.From, u.To)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items
		SET status = ?, attempts = ?, last_attempt_at = ?, last_error = ?
		WHERE id = ? AND status = ?
	`,
		string(u.To),
		u.Attempts,
		toMillis(u.LastAttemptAt),
		u.LastError,
		id,
		string(u.From),
	)
	if err != nil {
		return fmt.Errorf("update queue item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update queue item %s: %w", id, err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// Alias maps a locally allocated product ID to the ID the server assigned.
type Alias struct {
	LocalID  int64
	ServerID int64
}

// CompleteQueueItem removes a processing item and records its ID in the
// completion ledger, in one transaction.
func (s *Store) CompleteQueueItem(ctx context.Context, id string, at time.Time, alias *Alias) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete queue item %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		SELECT seq FROM queue_items WHERE id = ? AND status = ?
	`, id, string(model.StatusProcessing)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("complete queue item %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("complete queue item %s: delete: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO completed_items (id, seq, completed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, seq, toMillis(at)); err != nil {
		return fmt.Errorf("complete queue item %s: ledger: %w", id, err)
	}
	if alias != nil {
		if err := putAlias(ctx, tx, alias.LocalID, alias.ServerID); err != nil {
			return fmt.Errorf("complete queue item %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("complete queue item %s: commit: %w", id, err)
	}
	return nil
}

// IsCompleted reports whether the item ID is in the completion ledger.
func (s *Store) IsCompleted(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM completed_items WHERE id = ?)
	`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check completed %s: %w", id, err)
	}
	return exists, nil
}

// DeleteQueueItem removes an item that is in status from. Used to discard
// failed items; completed items go through CompleteQueueItem instead.
func (s *Store) DeleteQueueItem(ctx context.Context, id string, from model.Status) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_items WHERE id = ? AND status = ?
	`, id, string(from))
	if err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete queue item %s: %w", id, err)
	}
	if n == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// MaxQueueSeq returns the highest seq ever assigned, including completed
// items, so that a restarted clock never reuses a value.
func (s *Store) MaxQueueSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM queue_items), 0),
			COALESCE((SELECT MAX(seq) FROM completed_items), 0)
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max queue seq: %w", err)
	}
	return seq, nil
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM queue_items WHERE id = ?)
	`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("queue item %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("queue item %s: %w", id, ErrItemNotFound)
	}
	return fmt.Errorf("queue item %s: %w", id, ErrTransitionConflict)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(sc scanner) (model.QueueItem, error) {
	var (
		it            model.QueueItem
		kind, status  string
		payload       string
		createdAt     int64
		lastAttemptAt int64
		prior         string
	)
	err := sc.Scan(
		&it.ID,
		&it.Seq,
		&kind,
		&payload,
		&it.PayloadHash,
		&status,
		&it.Attempts,
		&createdAt,
		&lastAttemptAt,
		&it.LastError,
		&prior,
	)
	if err != nil {
		return model.QueueItem{}, err
	}

	it.Kind = model.Kind(kind)
	it.Status = model.Status(status)
	it.Payload = json.RawMessage(payload)
	it.CreatedAt = fromMillis(createdAt)
	it.LastAttemptAt = fromMillis(lastAttemptAt)
	if it.Prior, err = unmarshalPrior(prior); err != nil {
		return model.QueueItem{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	return it, nil
}

func marshalPrior(p *model.Product) (string, error) {
	if p == nil {
		return "", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal prior: %w", err)
	}
	return string(b), nil
}

func unmarshalPrior(s string) (*model.Product, error) {
	if s == "" {
		return nil, nil
	}
	var p model.Product
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshal prior: %w", err)
	}
	return &p, nil
}
