package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-autonomy/internal/capability"
)

func (s *Store) SaveCapability(ctx context.Context, c capability.Capability) error {
	deps, err := json.Marshal(c.Dependencies)
	if err != nil {
		return fmt.Errorf("encode dependencies: %w", err)
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO capabilities (name, description, dependencies, success_rate, avg_duration_ms, usage_count, last_context, last_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				dependencies = excluded.dependencies,
				success_rate = excluded.success_rate,
				avg_duration_ms = excluded.avg_duration_ms,
				usage_count = excluded.usage_count,
				last_context = excluded.last_context,
				last_updated = excluded.last_updated;
		`, c.Name, c.Description, string(deps), c.SuccessRate, c.AvgDuration.Milliseconds(),
			c.UsageCount, c.LastContext, formatTime(c.LastUpdated))
		return err
	})
	if err != nil {
		return fmt.Errorf("save capability %s: %w", c.Name, err)
	}
	return nil
}

func (s *Store) LoadCapabilities(ctx context.Context) ([]capability.Capability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, description, dependencies, success_rate, avg_duration_ms, usage_count, last_context, last_updated
		FROM capabilities ORDER BY name;
	`)
	if err != nil {
		return nil, fmt.Errorf("load capabilities: %w", err)
	}
	defer rows.Close()

	var out []capability.Capability
	for rows.Next() {
		var (
			c          capability.Capability
			deps       string
			durationMS int64
			updated    string
		)
		if err := rows.Scan(&c.Name, &c.Description, &deps, &c.SuccessRate, &durationMS,
			&c.UsageCount, &c.LastContext, &updated); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		if deps != "" {
			if err := json.Unmarshal([]byte(deps), &c.Dependencies); err != nil {
				return nil, fmt.Errorf("decode dependencies for %s: %w", c.Name, err)
			}
		}
		c.AvgDuration = time.Duration(durationMS) * time.Millisecond
		c.LastUpdated = parseTime(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
