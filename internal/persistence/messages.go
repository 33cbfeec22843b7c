package persistence

import (
	"context"
	"fmt"

	"github.com/basket/go-autonomy/internal/host"
)

func (s *Store) StoreMessage(ctx context.Context, msg host.Message) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (role, content, created_at) VALUES (?, ?, ?);
		`, msg.Role, msg.Content, formatTime(msg.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

// ListMessages returns the latest limit messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, limit int) ([]host.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []host.Message
	for rows.Next() {
		var (
			m       host.Message
			created string
		)
		if err := rows.Scan(&m.Role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseTime(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
