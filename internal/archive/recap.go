package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Recap is a generated summary of an archived session.
type Recap struct {
	SessionID string    `json:"session_id"`
	OneLiner  string    `json:"one_liner"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// UnrecappedSessions returns up to limit sessions with at least minCues
// cues and no recap, oldest first.
func (s *Store) UnrecappedSessions(ctx context.Context, minCues, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.video_id, s.title, s.platform, s.url, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM cues c WHERE c.session_id = s.id) AS ncues,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s
		LEFT JOIN recaps r ON r.session_id = s.id
		WHERE r.session_id IS NULL AND ncues >= ?
		ORDER BY s.ended_at ASC
		LIMIT ?`, minCues, limit)
	if err != nil {
		return nil, fmt.Errorf("query unrecapped sessions: %w", err)
	}
	defer rows.Close()

	result := []Summary{}
	for rows.Next() {
		var sum Summary
		var started, ended string
		if err := rows.Scan(&sum.ID, &sum.VideoID, &sum.Title, &sum.Platform, &sum.URL,
			&started, &ended, &sum.Cues, &sum.Turns); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.StartedAt = parseTime(started)
		sum.EndedAt = parseTime(ended)
		result = append(result, sum)
	}
	return result, rows.Err()
}

// SetRecap stores or replaces the recap of an archived session.
func (s *Store) SetRecap(ctx context.Context, r Recap) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recaps (session_id, one_liner, summary, tags, model, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			one_liner = excluded.one_liner,
			summary = excluded.summary,
			tags = excluded.tags,
			model = excluded.model,
			created_at = excluded.created_at`,
		r.SessionID, r.OneLiner, r.Summary, string(tags), r.Model, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("set recap %s: %w", r.SessionID, err)
	}
	return nil
}

// GetRecap returns a session's recap, or ErrNotFound when none exists.
func (s *Store) GetRecap(ctx context.Context, id string) (*Recap, error) {
	r := &Recap{SessionID: id}
	var tags, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT one_liner, summary, tags, model, created_at FROM recaps WHERE session_id = ?`, id,
	).Scan(&r.OneLiner, &r.Summary, &tags, &r.Model, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recap %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", id, err)
	}
	r.CreatedAt = parseTime(created)
	return r, nil
}
