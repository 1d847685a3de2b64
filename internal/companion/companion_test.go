package companion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/events"
	"github.com/nugget/botodachi/internal/llm"
	"github.com/nugget/botodachi/internal/prompts"
	"github.com/nugget/botodachi/internal/session"
	"github.com/nugget/botodachi/internal/sources"
	"github.com/nugget/botodachi/internal/usage"
)

// fakeLLM records the last request and returns a canned reply. When
// release is set, Chat signals started and blocks until released.
type fakeLLM struct {
	mu       sync.Mutex
	reply    string
	err      error
	messages []llm.Message
	model    string
	opts     llm.Options

	started chan struct{}
	release chan struct{}
}

func (f *fakeLLM) Chat(ctx context.Context, model string, msgs []llm.Message, opts llm.Options) (*llm.ChatResponse, error) {
	f.mu.Lock()
	f.messages = msgs
	f.model = model
	f.opts = opts
	f.mu.Unlock()

	if f.release != nil {
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: f.reply},
		InputTokens:  120,
		OutputTokens: 30,
	}, nil
}

func (f *fakeLLM) Ping(context.Context) error { return nil }

func (f *fakeLLM) lastUserTurn() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1].Content
}

func newTestService(t *testing.T, client llm.Client, gate sources.CaptureGate) (*Service, *events.Bus) {
	t.Helper()
	bus := events.New()
	mgr := session.NewManager(session.Config{}, nil, bus, nil)
	svc := New(Config{
		DefaultModel: "llama3.2",
		Models: []Model{
			{Name: "llama3.2", Provider: "ollama"},
			{Name: "claude-test", Provider: "anthropic"},
			{Name: "tiny", Provider: "ollama", ContextCues: 2},
		},
	}, client, mgr, gate, bus, nil)
	t.Cleanup(func() { mgr.CloseAll(context.Background(), "test") })
	return svc, bus
}

func watch(t *testing.T, svc *Service, page, url string, now float64) {
	t.Helper()
	svc.Observe(context.Background(), page, Report{URL: url, Title: "The Third Man", Now: now})
}

func push(t *testing.T, svc *Service, page string, start, end float64, text string) {
	t.Helper()
	if _, err := svc.Ingest(page, Push{Now: end, Start: &start, End: &end, Text: text}); err != nil {
		t.Fatalf("Ingest(%q): %v", text, err)
	}
}

func TestAsk_Validation(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "ok"}, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 10)
	ctx := context.Background()

	tests := []struct {
		name    string
		page    string
		req     AskRequest
		wantErr error
	}{
		{"empty", "tab", AskRequest{Question: "   "}, ErrEmptyQuestion},
		{"too long", "tab", AskRequest{Question: strings.Repeat("a", 501)}, ErrQuestionTooLong},
		{"max length ok", "tab", AskRequest{Question: strings.Repeat("é", 500)}, nil},
		{"unknown page", "nope", AskRequest{Question: "hi"}, session.ErrPageNotFound},
		{"unknown preset", "tab", AskRequest{Preset: "karaoke"}, ErrUnknownPreset},
		{"no comments", "tab", AskRequest{Preset: prompts.PresetComments, Comments: []string{"lol"}}, ErrNoComments},
		{"preset skips validation", "tab", AskRequest{Preset: prompts.PresetTrivia}, nil},
		{"automated skips length", "tab", AskRequest{Question: strings.Repeat("a", 900), Automated: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ask(ctx, tt.page, tt.req)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Ask: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Ask err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAsk_AnswersWithContextAndHistory(t *testing.T) {
	fake := &fakeLLM{reply: "It's **Harry Lime**."}
	svc, _ := newTestService(t, fake, nil)
	watch(t, svc, "tab", "https://www.youtube.com/watch?v=abc", 0)

	push(t, svc, "tab", 1, 3, "Hello world")
	push(t, svc, "tab", 4, 6, "Second line")

	ans, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "who is that?", Now: 6})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if ans.Text != "It's **Harry Lime**." {
		t.Errorf("text = %q", ans.Text)
	}
	if !strings.Contains(ans.HTML, "<strong>Harry Lime</strong>") {
		t.Errorf("html = %q", ans.HTML)
	}
	if ans.ContextCues != 2 || !ans.FullContext || ans.Stale {
		t.Errorf("answer = %+v", ans)
	}

	user := fake.lastUserTurn()
	for _, want := range []string{"Question: who is that?", "[1.0–3.0] Hello world", "[4.0–6.0] Second line"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
	if fake.model != "llama3.2" {
		t.Errorf("model = %q", fake.model)
	}

	hist, _ := svc.History("tab")
	if len(hist) != 2 || hist[0].Content != "who is that?" || hist[1].Role != session.RoleAssistant {
		t.Errorf("history = %+v", hist)
	}

	// The next question carries the previous exchange.
	if _, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "and then?", Now: 7}); err != nil {
		t.Fatal(err)
	}
	fake.mu.Lock()
	n := len(fake.messages)
	fake.mu.Unlock()
	if n != 4 {
		t.Errorf("second prompt has %d messages, want system + 2 history + user", n)
	}
}

func TestAsk_NoContent(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "  \n"}, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	ans, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "hm?"})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != NoContentAnswer {
		t.Errorf("text = %q, want %q", ans.Text, NoContentAnswer)
	}
}

func TestAsk_StaleAfterVideoChange(t *testing.T) {
	fake := &fakeLLM{reply: "late answer", started: make(chan struct{}), release: make(chan struct{})}
	svc, _ := newTestService(t, fake, nil)
	watch(t, svc, "tab", "https://youtu.be/first", 0)

	type result struct {
		ans *Answer
		err error
	}
	done := make(chan result, 1)
	go func() {
		ans, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "what now?", Now: 30})
		done <- result{ans, err}
	}()

	<-fake.started
	watch(t, svc, "tab", "https://youtu.be/second", 0)
	close(fake.release)

	r := <-done
	if r.err != nil {
		t.Fatalf("in-flight Ask failed: %v", r.err)
	}
	if r.ans.Text != "late answer" || !r.ans.Stale {
		t.Errorf("answer = %+v, want stale late answer", r.ans)
	}
	hist, _ := svc.History("tab")
	if len(hist) != 0 {
		t.Errorf("new session history = %+v, want empty", hist)
	}
}

func TestAsk_FailurePublishesEvent(t *testing.T) {
	boom := errors.New("backend down")
	svc, bus := newTestService(t, &fakeLLM{err: boom}, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	if _, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "hi"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	var kinds []string
	for {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			continue
		default:
		}
		break
	}
	if len(kinds) != 2 || kinds[0] != events.KindAskStart || kinds[1] != events.KindAskFailed {
		t.Errorf("events = %v, want ask_start, ask_failed", kinds)
	}
}

func TestAsk_CommentsPreset(t *testing.T) {
	fake := &fakeLLM{reply: "Mostly positive."}
	svc, _ := newTestService(t, fake, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	ans, err := svc.Ask(context.Background(), "tab", AskRequest{
		Preset:   prompts.PresetComments,
		Comments: []string{"this song is timeless", "ok", "never gonna stop listening"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ans.Question != "Summarize comments" {
		t.Errorf("display = %q", ans.Question)
	}
	user := fake.lastUserTurn()
	if !strings.Contains(user, "this song is timeless\n---\nnever gonna stop listening") {
		t.Errorf("prompt missing joined comments:\n%s", user)
	}
}

func TestContextBudget(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{}, nil)
	tests := map[string]int{
		"llama3.2":    DefaultOllamaContextCues,
		"claude-test": DefaultContextCues,
		"tiny":        2,
		"unlisted":    DefaultOllamaContextCues,
	}
	for model, want := range tests {
		if got := svc.contextBudget(model); got != want {
			t.Errorf("contextBudget(%s) = %d, want %d", model, got, want)
		}
	}
}

func TestAsk_BudgetLimitsContext(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, _ := newTestService(t, fake, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)
	push(t, svc, "tab", 1, 2, "one")
	push(t, svc, "tab", 3, 4, "two")
	push(t, svc, "tab", 5, 6, "three")

	ans, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "q", Now: 6, Model: "tiny"})
	if err != nil {
		t.Fatal(err)
	}
	if ans.ContextCues != 2 || ans.FullContext {
		t.Errorf("answer = %+v, want 2 cues and partial context", ans)
	}
	if strings.Contains(fake.lastUserTurn(), "one") {
		t.Error("oldest cue should be outside the budget")
	}
}

func TestIngest_CaptureGate(t *testing.T) {
	enabled := false
	svc, _ := newTestService(t, &fakeLLM{}, sources.GateFunc(func() bool { return enabled }))
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	if _, err := svc.Ingest("tab", Push{Now: 5, Text: "secret"}); !errors.Is(err, ErrCaptureDisabled) {
		t.Fatalf("Ingest with capture off err = %v", err)
	}
	enabled = true
	res, err := svc.Ingest("tab", Push{Now: 5, Text: "now allowed"})
	if err != nil || res != captions.Appended {
		t.Fatalf("Ingest = %v, %v", res, err)
	}
	cues, _ := svc.Context("tab", 5, false, 10)
	if len(cues) != 1 || cues[0].Start != 4 || cues[0].End != 5.2 {
		t.Errorf("cues = %+v, want default window [4, 5.2]", cues)
	}
}

func TestUpdateSource(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{}, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	err := svc.UpdateSource("tab", sources.NameYouTubeTrack, 3, sources.Snapshot{Texts: []string{"hi"}})
	if err != nil {
		t.Fatalf("UpdateSource: %v", err)
	}
	if err := svc.UpdateSource("tab", "teletext", 3, sources.Snapshot{}); !errors.Is(err, ErrUnknownSource) {
		t.Errorf("unknown source err = %v", err)
	}
	if err := svc.UpdateSource("ghost", sources.NameYouTubeTrack, 3, sources.Snapshot{}); !errors.Is(err, session.ErrPageNotFound) {
		t.Errorf("unknown page err = %v", err)
	}
}

func TestClosePageStopsPoller(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{}, nil)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	svc.mu.Lock()
	_, running := svc.feeds["tab"]
	svc.mu.Unlock()
	if !running {
		t.Fatal("Observe should start a poller")
	}

	if err := svc.ClosePage(context.Background(), "tab", "tab closed"); err != nil {
		t.Fatal(err)
	}
	svc.mu.Lock()
	_, running = svc.feeds["tab"]
	svc.mu.Unlock()
	if running {
		t.Error("poller still registered after close")
	}
	if _, err := svc.Status("tab"); !errors.Is(err, session.ErrPageNotFound) {
		t.Errorf("Status after close err = %v", err)
	}
}

func TestReplay(t *testing.T) {
	fake := &fakeLLM{reply: "ok"}
	svc, _ := newTestService(t, fake, nil)
	src := sources.NewVTTSource([]captions.Cue{
		{Start: 1, End: 3.5, Text: "Hello world"},
		{Start: 4, End: 6, Text: "Second line"},
		{Start: 20, End: 22, Text: "Not yet"},
	})

	totals := svc.Replay(context.Background(), "replay", src, ReplayIdentity("/tmp/third-man.vtt"), 7.5)
	if totals.Appended != 2 || totals.Ticks == 0 {
		t.Errorf("totals = %+v, want 2 appends", totals)
	}

	st, err := svc.Status("replay")
	if err != nil {
		t.Fatal(err)
	}
	if st.VideoID != "file_third-man" || st.Cues != 2 || !st.Paused {
		t.Errorf("status = %+v", st)
	}
}

func TestQuestionsToday(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "ok"}, nil)
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.Local)
	svc.nowFunc = func() time.Time { return day }
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	for range 3 {
		if _, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "q"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := svc.QuestionsToday(); got != 3 {
		t.Errorf("QuestionsToday = %d, want 3", got)
	}
	day = day.Add(2 * time.Minute)
	if got := svc.QuestionsToday(); got != 0 {
		t.Errorf("QuestionsToday after midnight = %d, want 0", got)
	}
}

type tokenTally struct {
	mu            sync.Mutex
	input, output int
}

func (c *tokenTally) OnTokens(in, out int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input += in
	c.output += out
}

func TestAsk_ReportsTokens(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "ok"}, nil)
	tally := &tokenTally{}
	svc.SetTokenObserver(tally)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	if !svc.LastAnswered().IsZero() {
		t.Error("LastAnswered should be zero before any question")
	}
	for range 2 {
		if _, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "q"}); err != nil {
			t.Fatal(err)
		}
	}
	if tally.input != 240 || tally.output != 60 {
		t.Errorf("tokens = %d/%d, want 240/60", tally.input, tally.output)
	}
	if svc.LastAnswered().IsZero() {
		t.Error("LastAnswered not set")
	}
}

type usageLog struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (l *usageLog) Record(_ context.Context, rec usage.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recs = append(l.recs, rec)
	return nil
}

func TestAsk_RecordsUsage(t *testing.T) {
	svc, _ := newTestService(t, &fakeLLM{reply: "ok"}, nil)
	log := &usageLog{}
	svc.SetUsageRecorder(log)
	watch(t, svc, "tab", "https://youtu.be/abc", 0)

	ans, err := svc.Ask(context.Background(), "tab", AskRequest{Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ask(context.Background(), "tab", AskRequest{Preset: prompts.PresetTrivia}); err != nil {
		t.Fatal(err)
	}

	if len(log.recs) != 2 {
		t.Fatalf("recorded %d usage records, want 2", len(log.recs))
	}
	first := log.recs[0]
	if first.RequestID == "" || first.RequestID != ans.RequestID {
		t.Errorf("RequestID = %q, want answer's %q", first.RequestID, ans.RequestID)
	}
	if first.Kind != usage.KindQuestion || first.Provider != "ollama" || first.Model != "llama3.2" {
		t.Errorf("first record = %+v", first)
	}
	if first.InputTokens != 120 || first.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d, want 120/30", first.InputTokens, first.OutputTokens)
	}
	if first.PageID != "tab" || first.SessionID == "" || first.VideoID == "" {
		t.Errorf("record not tied to the page's session: %+v", first)
	}
	if log.recs[1].Kind != usage.KindPreset {
		t.Errorf("preset kind = %q, want %q", log.recs[1].Kind, usage.KindPreset)
	}
	if log.recs[0].RequestID == log.recs[1].RequestID {
		t.Error("request IDs should differ between questions")
	}
}
