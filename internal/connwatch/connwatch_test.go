package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/botodachi/internal/events"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fast() Schedule {
	return Schedule{
		First:    time.Millisecond,
		Ceiling:  4 * time.Millisecond,
		Attempts: 5,
		Poll:     5 * time.Millisecond,
		Timeout:  100 * time.Millisecond,
	}
}

// flaky fails while down is set.
type flaky struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flaky) probe(context.Context) error {
	f.calls.Add(1)
	if f.down.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// collect gathers connwatch events from bus until stop is called.
func collect(bus *events.Bus) (get func() []events.Event, stop func()) {
	ch := bus.Subscribe(16)
	var (
		mu  sync.Mutex
		got []events.Event
		wg  sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			if ev.Source == events.SourceConnwatch {
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			}
		}
	}()
	get = func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
	stop = func() {
		bus.Unsubscribe(ch)
		wg.Wait()
	}
	return get, stop
}

func TestScheduleDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   Schedule
		want Schedule
	}{
		{"zero", Schedule{}, DefaultSchedule()},
		{"partial", Schedule{Poll: time.Second}, Schedule{
			First: 2 * time.Second, Ceiling: time.Minute, Attempts: 10, Poll: time.Second, Timeout: 10 * time.Second,
		}},
		{"ceiling below first", Schedule{First: 2 * time.Minute, Ceiling: time.Second}, Schedule{
			First: 2 * time.Minute, Ceiling: 2 * time.Minute, Attempts: 10, Poll: time.Minute, Timeout: 10 * time.Second,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWatch_UpImmediately(t *testing.T) {
	bus := events.New()
	get, stop := collect(bus)
	defer stop()

	m := NewManager(bus, quiet())
	defer m.Stop()
	f := &flaky{}
	m.Watch(context.Background(), Backend{Name: "llm", Probe: f.probe, Schedule: fast()})

	waitFor(t, "llm up", func() bool { return m.Up("llm") })
	st := m.Status()["llm"]
	if st.LastError != "" || st.Since.IsZero() {
		t.Errorf("status = %+v", st)
	}
	if !m.Healthy() {
		t.Error("Healthy() = false with every backend up")
	}
	waitFor(t, "backend_up event", func() bool { return len(get()) > 0 })
	if ev := get()[0]; ev.Kind != events.KindBackendUp || ev.Data["backend"] != "llm" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWatch_RecoversDuringStartup(t *testing.T) {
	var n atomic.Int32
	probe := func(context.Context) error {
		if n.Add(1) <= 3 {
			return errors.New("model still loading")
		}
		return nil
	}

	m := NewManager(nil, quiet())
	defer m.Stop()
	m.Watch(context.Background(), Backend{Name: "llm", Probe: probe, Schedule: fast()})

	waitFor(t, "llm up", func() bool { return m.Up("llm") })
	if got := n.Load(); got < 4 {
		t.Errorf("probes = %d, want at least 4", got)
	}
}

func TestWatch_GivesUpThenPolls(t *testing.T) {
	f := &flaky{}
	f.down.Store(true)

	m := NewManager(nil, quiet())
	defer m.Stop()
	sched := fast()
	sched.Attempts = 2
	m.Watch(context.Background(), Backend{Name: "mqtt", Probe: f.probe, Schedule: sched})

	waitFor(t, "polling past startup", func() bool { return f.calls.Load() > int32(sched.Attempts) })
	st := m.Status()["mqtt"]
	if st.Up || st.LastError != "connection refused" {
		t.Errorf("status = %+v", st)
	}
	if m.Healthy() {
		t.Error("Healthy() = true with mqtt down")
	}

	f.down.Store(false)
	waitFor(t, "mqtt recovery", func() bool { return m.Up("mqtt") })
}

func TestWatch_DownThenUpEvents(t *testing.T) {
	bus := events.New()
	get, stop := collect(bus)
	defer stop()

	m := NewManager(bus, quiet())
	defer m.Stop()
	f := &flaky{}
	m.Watch(context.Background(), Backend{Name: "llm", Probe: f.probe, Schedule: fast()})
	waitFor(t, "llm up", func() bool { return m.Up("llm") })

	f.down.Store(true)
	waitFor(t, "llm down", func() bool { return !m.Up("llm") })
	f.down.Store(false)
	waitFor(t, "llm up again", func() bool { return m.Up("llm") })

	waitFor(t, "three events", func() bool { return len(get()) >= 3 })
	var kinds []string
	for _, ev := range get()[:3] {
		kinds = append(kinds, ev.Kind)
	}
	want := []string{events.KindBackendUp, events.KindBackendDown, events.KindBackendUp}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if get()[1].Data["error"] != "connection refused" {
		t.Errorf("down event data = %v", get()[1].Data)
	}
}

func TestWatch_StartupFailureIsNotADownEvent(t *testing.T) {
	bus := events.New()
	get, stop := collect(bus)

	m := NewManager(bus, quiet())
	f := &flaky{}
	f.down.Store(true)
	m.Watch(context.Background(), Backend{Name: "llm", Probe: f.probe, Schedule: fast()})
	waitFor(t, "a few probes", func() bool { return f.calls.Load() >= 3 })
	m.Stop()
	stop()

	for _, ev := range get() {
		if ev.Kind == events.KindBackendDown {
			t.Errorf("unexpected %s before the backend was ever up", ev.Kind)
		}
	}
}

func TestWatch_ProbeTimeout(t *testing.T) {
	m := NewManager(nil, quiet())
	defer m.Stop()
	sched := fast()
	sched.Timeout = 5 * time.Millisecond
	m.Watch(context.Background(), Backend{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Schedule: sched,
	})
	waitFor(t, "timed-out probe", func() bool { return m.Status()["slow"].LastError != "" })
	if got := m.Status()["slow"].LastError; got != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", got)
	}
}

func TestStop_WaitsForWatchers(t *testing.T) {
	m := NewManager(nil, quiet())
	var running atomic.Int32
	for _, name := range []string{"llm", "mqtt"} {
		m.Watch(context.Background(), Backend{
			Name: name,
			Probe: func(ctx context.Context) error {
				running.Add(1)
				defer running.Add(-1)
				return nil
			},
			Schedule: fast(),
		})
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	if running.Load() != 0 {
		t.Error("probe still running after Stop")
	}
	m.Stop()
}

func TestWatch_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil, quiet())
	f := &flaky{}
	m.Watch(ctx, Backend{Name: "llm", Probe: f.probe, Schedule: fast()})
	waitFor(t, "llm up", func() bool { return m.Up("llm") })

	cancel()
	m.Stop()
	n := f.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if f.calls.Load() != n {
		t.Error("probing continued after cancel")
	}
}

func TestWatch_PanicsOnBadBackend(t *testing.T) {
	tests := []struct {
		name string
		b    Backend
	}{
		{"no name", Backend{Probe: func(context.Context) error { return nil }}},
		{"no probe", Backend{Name: "llm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewManager(nil, quiet()).Watch(context.Background(), tt.b)
		})
	}
}

func TestUp_UnknownBackend(t *testing.T) {
	m := NewManager(nil, nil)
	if m.Up("nope") {
		t.Error("Up() = true for an unwatched backend")
	}
	if !m.Healthy() {
		t.Error("Healthy() = false with nothing watched")
	}
}
