package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basket/go-autonomy/internal/network"
)

// MirrorBranch stores the branch head and appends any events not yet stored.
// Branches are append-only, so existing event rows are left untouched.
func (s *Store) MirrorBranch(ctx context.Context, b network.Branch) error {
	events := b.Events()
	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin branch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO branches (name, hash, length, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(name) DO UPDATE SET
				hash = excluded.hash,
				length = excluded.length,
				updated_at = CURRENT_TIMESTAMP;
		`, b.Name(), b.Hash(), len(events)); err != nil {
			return fmt.Errorf("upsert branch: %w", err)
		}

		var stored int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM branch_events WHERE branch = ?`, b.Name()).Scan(&stored); err != nil {
			return fmt.Errorf("count branch events: %w", err)
		}
		for i := stored; i < len(events); i++ {
			e := events[i]
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("encode event payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO branch_events (branch, idx, type, payload, hash, created_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, b.Name(), i, e.Type, string(payload), e.Hash, formatTime(e.CreatedAt)); err != nil {
				return fmt.Errorf("insert branch event: %w", err)
			}
		}
		return tx.Commit()
	})
}

// LoadBranches rebuilds every stored branch. Hashes are recomputed from the
// events, so a tampered row yields a branch whose hash differs from the
// stored head; such branches are skipped.
func (s *Store) LoadBranches(ctx context.Context) ([]network.Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.name, b.hash, e.type, e.payload, e.created_at
		FROM branches b LEFT JOIN branch_events e ON e.branch = b.name
		ORDER BY b.name, e.idx;
	`)
	if err != nil {
		return nil, fmt.Errorf("load branches: %w", err)
	}
	defer rows.Close()

	type pending struct {
		head   string
		events []network.Event
	}
	var names []string
	byName := map[string]*pending{}
	for rows.Next() {
		var (
			name, head string
			typ        *string
			payload    *string
			created    *string
		)
		if err := rows.Scan(&name, &head, &typ, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan branch event: %w", err)
		}
		p, ok := byName[name]
		if !ok {
			p = &pending{head: head}
			byName[name] = p
			names = append(names, name)
		}
		if typ == nil {
			continue
		}
		e := network.Event{Type: *typ}
		if payload != nil {
			if err := json.Unmarshal([]byte(*payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload for %s: %w", name, err)
			}
		}
		if created != nil {
			e.CreatedAt = parseTime(*created)
		}
		p.events = append(p.events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]network.Branch, 0, len(names))
	for _, name := range names {
		p := byName[name]
		b := network.Restore(name, p.events)
		if b.Hash() != p.head {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
