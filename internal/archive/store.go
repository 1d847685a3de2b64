// Package archive keeps finished viewing sessions, their recaps and
// viewer preferences in a local SQLite database. Sessions arrive through
// the session.Archiver interface when a page navigates to another video
// or closes; only sessions that captured something are stored.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/session"
)

// ErrNotFound is returned when an archived session does not exist.
var ErrNotFound = errors.New("session not found")

// DefaultListLimit bounds ListSessions when no limit is given.
const DefaultListLimit = 50

// Store is the session archive. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Summary describes an archived session without its cues and turns.
type Summary struct {
	ID        string    `json:"id"`
	VideoID   string    `json:"video_id"`
	Title     string    `json:"title,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	URL       string    `json:"url,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Cues      int       `json:"cues"`
	Turns     int       `json:"turns"`
	Recap     string    `json:"recap,omitempty"`
}

// NewStore opens (or creates) the archive database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		video_id   TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		platform   TEXT NOT NULL DEFAULT '',
		url        TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_video ON sessions(video_id);

	CREATE TABLE IF NOT EXISTS cues (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		t0         REAL NOT NULL,
		t1         REAL NOT NULL,
		text       TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq        INTEGER NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		at         TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS recaps (
		session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
		one_liner  TEXT NOT NULL,
		summary    TEXT NOT NULL,
		tags       TEXT NOT NULL,
		model      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ArchiveSession stores an ended session. Empty records are skipped.
// Archiving the same session ID again replaces the earlier copy.
func (s *Store) ArchiveSession(ctx context.Context, rec session.Record) error {
	if rec.Empty() {
		return nil
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, rec.ID); err != nil {
		return fmt.Errorf("replace session %s: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, video_id, title, platform, url, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.VideoID, rec.Title, rec.Platform, rec.URL,
		formatTime(rec.StartedAt), formatTime(rec.EndedAt),
	); err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}

	cueStmt, err := tx.PrepareContext(ctx, `INSERT INTO cues (session_id, seq, t0, t1, text) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare cues: %w", err)
	}
	defer cueStmt.Close()
	for i, c := range rec.Cues {
		if _, err := cueStmt.ExecContext(ctx, rec.ID, i, c.Start, c.End, c.Text); err != nil {
			return fmt.Errorf("insert cue %d: %w", i, err)
		}
	}

	turnStmt, err := tx.PrepareContext(ctx, `INSERT INTO turns (session_id, seq, role, content, at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turns: %w", err)
	}
	defer turnStmt.Close()
	for i, t := range rec.Turns {
		if _, err := turnStmt.ExecContext(ctx, rec.ID, i, string(t.Role), t.Content, formatTime(t.At)); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("session archived",
		"session", rec.ID,
		"video_id", rec.VideoID,
		"cues", len(rec.Cues),
		"turns", len(rec.Turns),
	)
	return nil
}

// ListSessions returns the most recently ended sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.video_id, s.title, s.platform, s.url, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM cues c WHERE c.session_id = s.id),
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id),
		       COALESCE(r.one_liner, '')
		FROM sessions s
		LEFT JOIN recaps r ON r.session_id = s.id
		ORDER BY s.ended_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := []Summary{}
	for rows.Next() {
		var sum Summary
		var started, ended string
		if err := rows.Scan(&sum.ID, &sum.VideoID, &sum.Title, &sum.Platform, &sum.URL,
			&started, &ended, &sum.Cues, &sum.Turns, &sum.Recap); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.StartedAt = parseTime(started)
		sum.EndedAt = parseTime(ended)
		result = append(result, sum)
	}
	return result, rows.Err()
}

// GetSession loads an archived session with its cues and turns.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Record, error) {
	rec := &session.Record{ID: id}
	var started, ended string
	err := s.db.QueryRowContext(ctx,
		`SELECT video_id, title, platform, url, started_at, ended_at FROM sessions WHERE id = ?`, id,
	).Scan(&rec.VideoID, &rec.Title, &rec.Platform, &rec.URL, &started, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	rec.StartedAt = parseTime(started)
	rec.EndedAt = parseTime(ended)

	if rec.Cues, err = s.loadCues(ctx, id); err != nil {
		return nil, err
	}
	if rec.Turns, err = s.loadTurns(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) loadCues(ctx context.Context, id string) ([]captions.Cue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t0, t1, text FROM cues WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load cues: %w", err)
	}
	defer rows.Close()

	cues := []captions.Cue{}
	for rows.Next() {
		var c captions.Cue
		if err := rows.Scan(&c.Start, &c.End, &c.Text); err != nil {
			return nil, fmt.Errorf("scan cue: %w", err)
		}
		cues = append(cues, c)
	}
	return cues, rows.Err()
}

func (s *Store) loadTurns(ctx context.Context, id string) ([]session.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, content, at FROM turns WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	turns := []session.Turn{}
	for rows.Next() {
		var t session.Turn
		var role, at string
		if err := rows.Scan(&role, &t.Content, &at); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = session.Role(role)
		t.At = parseTime(at)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// ExportVTT writes an archived session's captions as WebVTT.
func (s *Store) ExportVTT(ctx context.Context, id string, w io.Writer) error {
	rec, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return captions.WriteVTT(w, rec.Cues)
}

// DeleteSession removes an archived session. Deleting a missing session
// returns ErrNotFound.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
