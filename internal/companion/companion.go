// Package companion is the query layer between the browser overlay and
// the LLM. It answers questions about the video on a page using that
// page's caption buffer and conversation history, and it runs the
// caption poller for every page the extension reports.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/llm"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/sources"
	"github.com/nugget/botodachi/internal/usage"
)

// Query validation errors.
var (
	ErrEmptyQuestion    = errors.New("question is empty")
	ErrQuestionTooLong  = errors.New("question is too long")
	ErrUnknownPreset    = errors.New("unknown preset")
	ErrNoComments       = errors.New("no usable comments to summarize")
	ErrCaptureDisabled  = errors.New("caption capture is disabled")
	ErrUnknownSource    = errors.New("unknown caption source")
	ErrNoModelAvailable = errors.New("no model configured")
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxQuestionLength = 500
	DefaultAskTimeout        = 60 * time.Second
	// DefaultHistoryWindow is how many prior turns go into a prompt.
	DefaultHistoryWindow = 2 * session.DefaultMaxTurns

	// Context cue budgets per provider. Local models get a smaller
	// window to keep prompt evaluation fast.
	DefaultOllamaContextCues = 150
	DefaultContextCues       = 300
)

// NoContentAnswer is returned when the model replies with nothing.
const NoContentAnswer = "(no content)"

// Model describes one model the viewer may pick.
type Model struct {
	Name     string
	Provider string
	// ContextCues overrides the provider's default cue budget.
	ContextCues int
}

// Config controls a Service.
type Config struct {
	DefaultModel      string
	Models            []Model
	MaxQuestionLength int
	AskTimeout        time.Duration
	Temperature       float64
	MaxTokens         int
	HistoryWindow     int
	Persona           string

	// Poll timing for per-page caption pollers.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxQuestionLength <= 0 {
		c.MaxQuestionLength = DefaultMaxQuestionLength
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = DefaultAskTimeout
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.DefaultModel == "" && len(c.Models) > 0 {
		c.DefaultModel = c.Models[0].Name
	}
	return c
}

// Service answers questions and owns the per-page caption pollers.
type Service struct {
	cfg      Config
	client   llm.Client
	pages    *session.Manager
	gate     sources.CaptureGate
	bus      *events.Bus
	logger   *slog.Logger
	renderer *renderer
	nowFunc  func() time.Time

	mu           sync.Mutex
	feeds        map[string]*pageFeed
	runCtx       context.Context
	asked        int
	askedDay     string
	lastAnswered time.Time
	tokens       TokenObserver
	usage        UsageRecorder
}

// TokenObserver receives the token counts of every answered question.
type TokenObserver interface {
	OnTokens(inputTokens, outputTokens int)
}

// UsageRecorder persists the token usage of answered questions.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// New creates a Service. gate may be nil, which leaves capture on.
func New(cfg Config, client llm.Client, pages *session.Manager, gate sources.CaptureGate, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		client:   client,
		pages:    pages,
		gate:     gate,
		bus:      bus,
		logger:   logger,
		renderer: newRenderer(),
		nowFunc:  time.Now,
		feeds:    make(map[string]*pageFeed),
		runCtx:   context.Background(),
	}
	pages.OnClose(s.stopPoller)
	return s
}

// Pages returns the page manager.
func (s *Service) Pages() *session.Manager { return s.pages }

// DefaultModel returns the model used when a request names none.
func (s *Service) DefaultModel() string { return s.cfg.DefaultModel }

// Models returns the configured model list.
func (s *Service) Models() []Model { return append([]Model(nil), s.cfg.Models...) }

// Run starts the idle-page reaper and blocks until ctx is cancelled.
// Pollers started after Run stop with ctx. On return every page is
// closed so its session is archived.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	s.pages.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.pages.CloseAll(closeCtx, "shutdown")
}

// AskRequest is one question from the overlay.
type AskRequest struct {
	Question      string
	Now           float64
	AllowSpoilers bool
	// DisplayText is what the chat shows and history records. Defaults
	// to Question.
	DisplayText string
	// Automated requests (presets, comment summaries) skip validation.
	Automated bool
	// Model selects a configured model; empty uses the default.
	Model string
	// Preset resolves Question from a quick chip. Comments feeds
	// PresetComments.
	Preset   prompts.Preset
	Comments []string
}

// Answer is the result of Ask.
type Answer struct {
	RequestID   string        `json:"request_id"`
	Text        string        `json:"answer"`
	HTML        string        `json:"html"`
	Question    string        `json:"question"`
	Model       string        `json:"model"`
	SessionID   string        `json:"session_id"`
	ContextCues int           `json:"context_cues"`
	FullContext bool          `json:"full_context"`
	Duration    time.Duration `json:"duration_ns"`
	// Stale is true when the page moved to another video while the
	// question was in flight. The answer is still returned but not
	// recorded in the new session's history.
	Stale        bool `json:"stale"`
	InputTokens  int  `json:"input_tokens,omitempty"`
	OutputTokens int  `json:"output_tokens,omitempty"`
}

// resolve fills Question from a preset and validates it.
func (s *Service) resolve(req AskRequest) (AskRequest, error) {
	switch req.Preset {
	case "":
	case prompts.PresetComments:
		q, ok := prompts.CommentSummaryPrompt(req.Comments)
		if !ok {
			return req, ErrNoComments
		}
		req.Question = q
		if req.DisplayText == "" {
			req.DisplayText = "Summarize comments"
		}
		req.Automated = true
	default:
		q, display, ok := prompts.PresetQuestion(req.Preset)
		if !ok {
			return req, fmt.Errorf("%w: %s", ErrUnknownPreset, req.Preset)
		}
		req.Question = q
		if req.DisplayText == "" {
			req.DisplayText = display
		}
		req.Automated = true
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.DisplayText == "" {
		req.DisplayText = req.Question
	}
	if req.Automated {
		return req, nil
	}
	if req.Question == "" {
		return req, ErrEmptyQuestion
	}
	if n := utf8.RuneCountInString(req.Question); n > s.cfg.MaxQuestionLength {
		return req, fmt.Errorf("%w: %d characters (max %d)", ErrQuestionTooLong, n, s.cfg.MaxQuestionLength)
	}
	return req, nil
}

// Ask answers a question about the video on pageID.
func (s *Service) Ask(ctx context.Context, pageID string, req AskRequest) (*Answer, error) {
	page, err := s.pages.Get(pageID)
	if err != nil {
		return nil, err
	}
	page.Touch()

	req, err = s.resolve(req)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	if model == "" {
		return nil, ErrNoModelAvailable
	}

	sess := page.Session()
	gen := sess.Generation()
	meta := sess.Metadata()
	history := sess.History().Recent(s.cfg.HistoryWindow)
	sess.History().Append(session.RoleUser, req.DisplayText)

	budget := s.contextBudget(model)
	cues := page.Context(req.Now, req.AllowSpoilers, budget)
	full := len(cues) < budget || len(cues) == sess.Buffer().Len()

	msgs := prompts.Build(prompts.Request{
		Question:      req.Question,
		Now:           req.Now,
		AllowSpoilers: req.AllowSpoilers,
		Title:         meta.Title,
		Platform:      meta.Platform,
		Context:       cues,
		FullContext:   full,
		History:       history,
		Persona:       s.cfg.Persona,
	})

	s.logger.Info("question asked",
		"page", pageID,
		"model", model,
		"now", req.Now,
		"context_cues", len(cues),
		"history_turns", len(history),
		"automated", req.Automated,
	)
	requestID := uuid.NewString()
	s.bus.Emit(events.SourceCompanion, events.KindAskStart, pageID, map[string]any{
		"request_id":    requestID,
		"question":      req.DisplayText,
		"model":         model,
		"context_cues":  len(cues),
		"history_turns": len(history),
	})

	askCtx, cancel := context.WithTimeout(ctx, s.cfg.AskTimeout)
	defer cancel()

	start := s.nowFunc()
	resp, err := s.client.Chat(askCtx, model, msgs, llm.Options{
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	elapsed := s.nowFunc().Sub(start)
	if err != nil {
		s.logger.Warn("question failed", "page", pageID, "model", model, "elapsed", elapsed, "error", err)
		s.bus.Emit(events.SourceCompanion, events.KindAskFailed, pageID, map[string]any{
			"request_id": requestID,
			"model":      model,
			"error":      err.Error(),
		})
		return nil, fmt.Errorf("ask %s: %w", model, err)
	}

	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		text = NoContentAnswer
	}

	ans := &Answer{
		RequestID:    requestID,
		Text:         text,
		HTML:         s.renderer.render(text),
		Question:     req.DisplayText,
		Model:        model,
		SessionID:    sess.ID(),
		ContextCues:  len(cues),
		FullContext:  full,
		Duration:     elapsed,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if sess.Generation() == gen {
		sess.History().Append(session.RoleAssistant, text)
	} else {
		ans.Stale = true
		s.logger.Info("answer arrived after video change, not recorded", "page", pageID)
	}
	s.countQuestion(resp.InputTokens, resp.OutputTokens)
	s.recordUsage(ctx, usage.Record{
		RequestID:    requestID,
		SessionID:    sess.ID(),
		PageID:       pageID,
		VideoID:      meta.VideoID,
		Model:        model,
		Provider:     s.providerFor(model),
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Kind:         usageKind(req.Preset),
	})

	s.logger.Debug("question answered",
		"page", pageID,
		"model", model,
		"elapsed", elapsed,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"stale", ans.Stale,
	)
	s.bus.Emit(events.SourceCompanion, events.KindAskComplete, pageID, map[string]any{
		"request_id":    requestID,
		"model":         model,
		"elapsed_ms":    elapsed.Milliseconds(),
		"stale":         ans.Stale,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
	})
	return ans, nil
}

// contextBudget returns the cue budget for model. Unknown models route
// to the local fallback and get the Ollama budget.
func (s *Service) contextBudget(model string) int {
	for _, m := range s.cfg.Models {
		if m.Name != model {
			continue
		}
		if m.ContextCues > 0 {
			return m.ContextCues
		}
		if m.Provider != "" && m.Provider != "ollama" {
			return DefaultContextCues
		}
		break
	}
	return DefaultOllamaContextCues
}

func (s *Service) countQuestion(inputTokens, outputTokens int) {
	now := s.nowFunc()
	day := now.Format(time.DateOnly)
	s.mu.Lock()
	if day != s.askedDay {
		s.askedDay = day
		s.asked = 0
	}
	s.asked++
	s.lastAnswered = now
	obs := s.tokens
	s.mu.Unlock()

	if obs != nil {
		obs.OnTokens(inputTokens, outputTokens)
	}
}

// recordUsage writes rec to the usage ledger, if one is set. A failed
// write is logged; the viewer still gets the answer.
func (s *Service) recordUsage(ctx context.Context, rec usage.Record) {
	s.mu.Lock()
	ru := s.usage
	s.mu.Unlock()
	if ru == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := ru.Record(ctx, rec); err != nil {
		s.logger.Warn("recording token usage failed", "request_id", rec.RequestID, "error", err)
	}
}

// SetUsageRecorder registers the usage ledger.
func (s *Service) SetUsageRecorder(r UsageRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = r
}

// providerFor names the provider serving model; unlisted models go to
// the local fallback.
func (s *Service) providerFor(model string) string {
	for _, m := range s.cfg.Models {
		if m.Name == model && m.Provider != "" {
			return m.Provider
		}
	}
	return "ollama"
}

func usageKind(p prompts.Preset) string {
	switch p {
	case "":
		return usage.KindQuestion
	case prompts.PresetComments:
		return usage.KindComments
	default:
		return usage.KindPreset
	}
}

// SetTokenObserver registers o to receive token counts.
func (s *Service) SetTokenObserver(o TokenObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = o
}

// LastAnswered returns when the most recent question was answered, or
// the zero time.
func (s *Service) LastAnswered() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAnswered
}

// QuestionsToday returns how many questions were answered since local
// midnight.
func (s *Service) QuestionsToday() int {
	day := s.nowFunc().Format(time.DateOnly)
	s.mu.Lock()
	defer s.mu.Unlock()
	if day != s.askedDay {
		return 0
	}
	return s.asked
}

// Ping checks the LLM backends.
func (s *Service) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
