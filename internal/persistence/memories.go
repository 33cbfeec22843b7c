package persistence

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
)

// StoreMemory saves content with its embedding. vec may be empty, in which
// case the row is kept but never returned by SearchMemory.
func (s *Store) StoreMemory(ctx context.Context, category, content string, vec []float32) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	var blob []byte
	if len(vec) > 0 {
		blob = encodeVector(vec)
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (category, content, embedding, created_at)
			VALUES (?, ?, ?, datetime('now'));
		`, category, content, blob)
		return err
	})
	if err != nil {
		return fmt.Errorf("store memory: %w", err)
	}
	return nil
}

// SearchMemory returns up to limit contents ranked by cosine similarity to
// vec. Rows whose embedding has a different dimension are ignored.
func (s *Store) SearchMemory(ctx context.Context, vec []float32, limit int) ([]string, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `SELECT content, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	type scored struct {
		content string
		score   float64
	}
	var hits []scored
	for rows.Next() {
		var (
			content string
			blob    []byte
		)
		if err := rows.Scan(&content, &blob); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		other := decodeVector(blob)
		if len(other) != len(vec) {
			continue
		}
		hits = append(hits, scored{content: content, score: cosine(vec, other)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.content
	}
	return out, nil
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec
}

// cosine returns 0 when either vector has zero magnitude.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
