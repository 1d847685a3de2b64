// Package summarizer provides a background worker that writes recaps
// (a one-liner, a short summary and tags) for archived viewing sessions
// that lack one. Recapping runs apart from the session lifecycle so a
// page closing during shutdown still gets its recap on the next start.
package summarizer

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/botodachi/internal/archive"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/llm"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/usage"
)

// Store is the slice of the archive the worker needs.
type Store interface {
	UnrecappedSessions(ctx context.Context, minCues, limit int) ([]archive.Summary, error)
	GetSession(ctx context.Context, id string) (*session.Record, error)
	SetRecap(ctx context.Context, r archive.Recap) error
}

// UsageRecorder receives the token usage of every recap call.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config tunes the recap worker. Zero fields take the values from
// DefaultConfig; Model is required.
type Config struct {
	Model    string
	Provider string // recorded in the usage ledger

	Interval     time.Duration // between archive scans
	Timeout      time.Duration // per session, across all of its LLM calls
	PauseBetween time.Duration // between sessions, so questions are not starved

	BatchSize int // sessions per scan
	MinCues   int // shorter sessions get no recap
	ChunkSize int // bytes of transcript per section
	MaxTokens int // per LLM response
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Provider:     "ollama",
		Interval:     5 * time.Minute,
		Timeout:      3 * time.Minute,
		PauseBetween: 5 * time.Second,
		BatchSize:    10,
		MinCues:      10,
		ChunkSize:    defaultChunkSize,
		MaxTokens:    600,
	}
}

func orDefault[T int | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Provider == "" {
		c.Provider = d.Provider
	}
	c.Interval = orDefault(c.Interval, d.Interval)
	c.Timeout = orDefault(c.Timeout, d.Timeout)
	c.PauseBetween = orDefault(c.PauseBetween, d.PauseBetween)
	c.BatchSize = orDefault(c.BatchSize, d.BatchSize)
	c.MinCues = orDefault(c.MinCues, d.MinCues)
	c.ChunkSize = orDefault(c.ChunkSize, d.ChunkSize)
	c.MaxTokens = orDefault(c.MaxTokens, d.MaxTokens)
	return c
}

// recapTemperature keeps recaps close to the subtitles.
const recapTemperature = 0.3

// maxOneLiner bounds the one-liner taken from an unparseable response.
const maxOneLiner = 120

// Worker recaps archived sessions in the background.
type Worker struct {
	store  Store
	client llm.Client
	bus    *events.Bus
	log    *slog.Logger
	config Config

	usageMu sync.Mutex
	usage   UsageRecorder

	stop    context.CancelFunc
	stopped chan struct{}
}

// New creates a summarizer worker. Call Start to begin processing. bus
// may be nil.
func New(store Store, client llm.Client, bus *events.Bus, logger *slog.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		client:  client,
		bus:     bus,
		log:     logger.With("component", "summarizer"),
		config:  cfg.withDefaults(),
		stopped: make(chan struct{}),
	}
}

// SetUsageRecorder registers u to receive the token usage of recap calls.
func (w *Worker) SetUsageRecorder(u UsageRecorder) {
	w.usageMu.Lock()
	w.usage = u
	w.usageMu.Unlock()
}

// Start runs the worker until ctx is done or Stop is called. The first
// scan happens at once so sessions archived while the daemon was down
// are caught up.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.stop = context.WithCancel(ctx)
	go w.loop(ctx)
}

// Stop ends the worker and waits for it. Call only after Start.
func (w *Worker) Stop() {
	w.stop()
	<-w.stopped
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.stopped)
	w.log.Info("summarizer starting", "model", w.config.Model, "interval", w.config.Interval)

	tick := time.NewTicker(w.config.Interval)
	defer tick.Stop()
	for {
		w.scan(ctx)
		select {
		case <-tick.C:
		case <-ctx.Done():
			w.log.Info("summarizer stopped")
			return
		}
	}
}

// scan recaps one batch of pending sessions and returns how many
// recaps were written.
func (w *Worker) scan(ctx context.Context) int {
	sessions, err := w.store.UnrecappedSessions(ctx, w.config.MinCues, w.config.BatchSize)
	if err != nil {
		w.log.Error("failed to query sessions without a recap", "error", err)
		return 0
	}
	if len(sessions) == 0 {
		return 0
	}

	w.log.Info("found sessions without a recap", "count", len(sessions))

	written := 0
	for i, sum := range sessions {
		if ctx.Err() != nil {
			return written
		}
		if w.recapSession(ctx, sum) {
			written++
		}
		if i < len(sessions)-1 && !pause(ctx, w.config.PauseBetween) {
			return written
		}
	}
	return written
}

func (w *Worker) recapSession(ctx context.Context, sum archive.Summary) bool {
	ctx, cancel := context.WithTimeout(ctx, w.config.Timeout)
	defer cancel()

	rec, err := w.store.GetSession(ctx, sum.ID)
	if err != nil {
		w.log.Warn("failed to load archived session", "session", sum.ID, "error", err)
		return false
	}

	chunks := chunkTranscript(buildTranscript(rec.Cues), w.config.ChunkSize)
	if len(chunks) == 0 {
		w.log.Warn("no transcript for session", "session", rec.ID)
		return false
	}
	if len(chunks) > maxSections {
		w.log.Warn("transcript too long, recapping the first sections only",
			"session", rec.ID,
			"sections", len(chunks),
			"kept", maxSections,
		)
		chunks = chunks[:maxSections]
	}

	requestID := uuid.NewString()
	material, fromSections := chunks[0], false
	if len(chunks) > 1 {
		material, err = w.summarizeSections(ctx, requestID, rec, chunks)
		if err != nil {
			w.log.Warn("failed to summarize transcript sections", "session", rec.ID, "error", err)
			return false
		}
		fromSections = true
	}

	content, err := w.chat(ctx, requestID, rec, prompts.RecapPrompt(rec.Title, material, fromSections))
	if err != nil {
		w.log.Warn("failed to generate recap",
			"session", rec.ID,
			"model", w.config.Model,
			"error", err,
		)
		return false
	}

	recap := parseRecapResponse(content, w.log)
	recap.SessionID = rec.ID
	recap.Model = w.config.Model
	if err := w.store.SetRecap(ctx, recap); err != nil {
		w.log.Warn("failed to save recap", "session", rec.ID, "error", err)
		return false
	}

	w.log.Info("session recap generated",
		"session", rec.ID,
		"video_id", rec.VideoID,
		"sections", len(chunks),
		"tags", len(recap.Tags),
	)
	w.bus.Emit(events.SourceSummarizer, events.KindRecapReady, "", map[string]any{
		"session_id": rec.ID,
		"video_id":   rec.VideoID,
		"one_liner":  recap.OneLiner,
		"model":      w.config.Model,
	})
	return true
}

// chat sends a single-prompt request and records its token usage.
func (w *Worker) chat(ctx context.Context, requestID string, rec *session.Record, prompt string) (string, error) {
	msgs := []llm.Message{{Role: "user", Content: prompt}}
	resp, err := w.client.Chat(ctx, w.config.Model, msgs, llm.Options{
		Temperature: recapTemperature,
		MaxTokens:   w.config.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	w.recordUsage(ctx, usage.Record{
		RequestID:    requestID,
		SessionID:    rec.ID,
		VideoID:      rec.VideoID,
		Model:        w.config.Model,
		Provider:     w.config.Provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Kind:         usage.KindRecap,
	})
	return resp.Message.Content, nil
}

func (w *Worker) recordUsage(ctx context.Context, rec usage.Record) {
	w.usageMu.Lock()
	u := w.usage
	w.usageMu.Unlock()
	if u == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := u.Record(ctx, rec); err != nil {
		w.log.Warn("recording recap usage failed", "session", rec.SessionID, "error", err)
	}
}

// parseRecapResponse parses the LLM's JSON response. When the response
// is not JSON the raw text becomes the summary and its first line the
// one-liner.
func parseRecapResponse(content string, logger *slog.Logger) archive.Recap {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var result struct {
		OneLiner string   `json:"one_liner"`
		Summary  string   `json:"summary"`
		Tags     []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		logger.Warn("recap JSON parse failed, using raw text", "error", err)
		line, _, _ := strings.Cut(content, "\n")
		return archive.Recap{OneLiner: truncate(line, maxOneLiner), Summary: content}
	}

	tags := make([]string, 0, len(result.Tags))
	for _, t := range result.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	return archive.Recap{
		OneLiner: strings.TrimSpace(result.OneLiner),
		Summary:  strings.TrimSpace(result.Summary),
		Tags:     tags,
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// pause waits d and reports whether ctx is still live.
func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
