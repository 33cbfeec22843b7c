package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-autonomy/internal/goal"
)

func (s *Store) RecordRun(ctx context.Context, r goal.Run) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO goal_runs (goal_id, description, source, generation, route, success, result, duration_ms, branch, branch_hash, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.GoalID, r.Description, string(r.Source), r.Generation, r.Route, boolToInt(r.Success),
			r.Result, r.Duration.Milliseconds(), r.Branch, r.BranchHash, formatTime(r.StartedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("record goal run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]goal.Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT goal_id, description, source, generation, route, success, result, duration_ms, branch, branch_hash, started_at
		FROM goal_runs ORDER BY started_at DESC, id DESC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list goal runs: %w", err)
	}
	defer rows.Close()

	var out []goal.Run
	for rows.Next() {
		var (
			r          goal.Run
			source     string
			success    int
			durationMS int64
			started    string
		)
		if err := rows.Scan(&r.GoalID, &r.Description, &source, &r.Generation, &r.Route, &success,
			&r.Result, &durationMS, &r.Branch, &r.BranchHash, &started); err != nil {
			return nil, fmt.Errorf("scan goal run: %w", err)
		}
		r.Source = goal.Source(source)
		r.Success = success != 0
		r.Duration = time.Duration(durationMS) * time.Millisecond
		r.StartedAt = parseTime(started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
