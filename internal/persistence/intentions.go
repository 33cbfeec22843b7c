package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/basket/go-autonomy/internal/intention"
	"github.com/basket/go-autonomy/internal/shared"
)

// StoreIntention upserts the intention row and appends an audit_log entry
// for the state it is in.
func (s *Store) StoreIntention(ctx context.Context, in intention.Intention) error {
	var resolved any
	if !in.ResolvedAt.IsZero() {
		resolved = formatTime(in.ResolvedAt)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin intention tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO intentions (id, title, description, rationale, category, priority, status, note, created_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				note = excluded.note,
				resolved_at = excluded.resolved_at;
		`, in.ID, in.Title, in.Description, in.Rationale, in.Category, int(in.Priority),
			string(in.Status), in.Note, formatTime(in.CreatedAt), resolved); err != nil {
			return fmt.Errorf("upsert intention: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (intention_id, status, note) VALUES (?, ?, ?);
		`, in.ID, string(in.Status), in.Note); err != nil {
			return fmt.Errorf("append audit log: %w", err)
		}
		return tx.Commit()
	})
}

// ListIntentions returns intentions with the given status, or all of them
// when status is empty, newest first.
func (s *Store) ListIntentions(ctx context.Context, status intention.Status, limit int) ([]intention.Intention, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, title, description, rationale, category, priority, status, note, created_at, resolved_at
		FROM intentions`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list intentions: %w", err)
	}
	defer rows.Close()

	var out []intention.Intention
	for rows.Next() {
		var (
			in          intention.Intention
			prio        int
			st, created string
			resolved    sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.Title, &in.Description, &in.Rationale, &in.Category,
			&prio, &st, &in.Note, &created, &resolved); err != nil {
			return nil, fmt.Errorf("scan intention: %w", err)
		}
		in.Priority = shared.Priority(prio)
		in.Status = intention.Status(st)
		in.CreatedAt = parseTime(created)
		if resolved.Valid {
			in.ResolvedAt = parseTime(resolved.String)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// AuditEntry is one recorded intention state.
type AuditEntry struct {
	IntentionID string `json:"intention_id"`
	Status      string `json:"status"`
	Note        string `json:"note,omitempty"`
}

func (s *Store) ListAudit(ctx context.Context, intentionID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT intention_id, status, note FROM audit_log WHERE intention_id = ? ORDER BY id;
	`, intentionID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.IntentionID, &e.Status, &e.Note); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
