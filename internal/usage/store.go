// Package usage keeps a persistent ledger of the tokens every answered
// question consumed and what it cost. Records are append-only and
// indexed by time, viewing session and video so they can be totalled
// per window and broken down by model, kind, provider or video.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/nugget/botodachi/internal/config"
)

// Question kinds.
const (
	KindQuestion = "question"
	KindPreset   = "preset"
	KindComments = "comments"
	KindRecap    = "recap"
)

// Record is one LLM call's token usage and cost.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id,omitempty"`
	PageID       string    `json:"page_id,omitempty"`
	VideoID      string    `json:"video_id,omitempty"`
	Model        string    `json:"model"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Kind         string    `json:"kind"`
}

// Totals sums the records of one window or one group within it.
type Totals struct {
	Records      int     `json:"records"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Dimension is a column records can be grouped by.
type Dimension string

const (
	ByModel    Dimension = "model"
	ByProvider Dimension = "provider"
	ByKind     Dimension = "kind"
	ByVideo    Dimension = "video_id"
)

// Window is the half-open interval [Since, Until) at second precision.
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// LastDays returns the window of the n days ending now. Until is rounded
// up to the next whole second so records stamped this second count.
func LastDays(now time.Time, n int) Window {
	now = now.UTC()
	return Window{
		Since: now.Add(-time.Duration(n) * 24 * time.Hour),
		Until: now.Truncate(time.Second).Add(time.Second),
	}
}

// Report is a window's totals with per-model, per-kind and per-video
// breakdowns.
type Report struct {
	Window
	Total   Totals            `json:"summary"`
	ByModel map[string]Totals `json:"by_model"`
	ByKind  map[string]Totals `json:"by_kind"`
	ByVideo map[string]Totals `json:"by_video"`
}

// Store is an append-only SQLite ledger, safe for concurrent use.
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
	now     func() time.Time
}

// NewStore opens the ledger at dbPath, creating the schema on first
// use. pricing prices records that arrive without a cost; it may be nil.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create usage schema: %w", err)
	}
	return &Store{db: db, pricing: pricing, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Timestamps are unix seconds so window bounds compare numerically.
const schema = `
CREATE TABLE IF NOT EXISTS usage (
	id            TEXT PRIMARY KEY,
	at            INTEGER NOT NULL,
	request_id    TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	page_id       TEXT NOT NULL DEFAULT '',
	video_id      TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL,
	provider      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_at ON usage(at);
CREATE INDEX IF NOT EXISTS usage_session ON usage(session_id);
`

// Record appends rec to the ledger. An empty ID gets a UUIDv7, a zero
// timestamp becomes now, an empty kind is a question, and a zero cost
// is priced from the pricing table.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	if rec.Kind == "" {
		rec.Kind = KindQuestion
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (id, at, request_id, session_id, page_id, video_id,
			model, provider, kind, input_tokens, output_tokens, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.Unix(), rec.RequestID, rec.SessionID, rec.PageID, rec.VideoID,
		rec.Model, rec.Provider, rec.Kind, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const totalsColumns = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)`

func (t *Totals) scanFrom(sc interface{ Scan(...any) error }, prefix ...any) error {
	return sc.Scan(append(prefix, &t.Records, &t.InputTokens, &t.OutputTokens, &t.CostUSD)...)
}

// Total sums every record in w.
func (s *Store) Total(ctx context.Context, w Window) (Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx,
		`SELECT `+totalsColumns+` FROM usage WHERE at >= ? AND at < ?`,
		w.Since.Unix(), w.Until.Unix())
	if err := t.scanFrom(row); err != nil {
		return Totals{}, fmt.Errorf("total usage: %w", err)
	}
	return t, nil
}

// Breakdown sums the records in w per distinct value of d. Records
// without a video are grouped under "".
func (s *Store) Breakdown(ctx context.Context, w Window, d Dimension) (map[string]Totals, error) {
	switch d {
	case ByModel, ByProvider, ByKind, ByVideo:
	default:
		return nil, fmt.Errorf("unknown usage dimension %q", d)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+string(d)+`, `+totalsColumns+` FROM usage
		 WHERE at >= ? AND at < ? GROUP BY `+string(d),
		w.Since.Unix(), w.Until.Unix())
	if err != nil {
		return nil, fmt.Errorf("usage by %s: %w", d, err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var key string
		var t Totals
		if err := t.scanFrom(rows, &key); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", d, err)
		}
		out[key] = t
	}
	return out, rows.Err()
}

// Report totals w and breaks it down by model, kind and video.
func (s *Store) Report(ctx context.Context, w Window) (*Report, error) {
	r := &Report{Window: w}
	var err error
	if r.Total, err = s.Total(ctx, w); err != nil {
		return nil, err
	}
	for d, dst := range map[Dimension]*map[string]Totals{
		ByModel: &r.ByModel,
		ByKind:  &r.ByKind,
		ByVideo: &r.ByVideo,
	} {
		if *dst, err = s.Breakdown(ctx, w, d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// ComputeCost prices a model's token usage from the pricing table.
// Models not in the table are free, which covers local Ollama models.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	p, ok := pricing[model]
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMillion + float64(outputTokens)*p.OutputPerMillion) / 1e6
}
