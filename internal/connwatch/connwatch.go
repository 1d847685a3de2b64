// Package connwatch tracks whether the backends Botodachi talks to (the
// model provider and the MQTT broker) are reachable.
//
// httpkit redials a refused connection within a single request. This
// package covers longer outages: an Ollama still loading its model, a
// broker restarting. Each backend is probed on an exponential schedule
// at startup and at a fixed poll interval afterwards. Reachability
// changes are logged and published on the event bus so the side panel
// can grey out the ask button.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nugget/botodachi/internal/events"
)

// Probe reports nil when the backend answers.
type Probe func(ctx context.Context) error

// Schedule controls how often a backend is probed.
type Schedule struct {
	// First is the wait after the first failed startup probe. Each
	// further failure doubles it up to Ceiling.
	First   time.Duration
	Ceiling time.Duration
	// Attempts bounds the startup phase. After that, or after the first
	// success, the backend is polled every Poll.
	Attempts int
	Poll     time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule waits 2s, 4s, 8s ... up to a minute between startup
// probes, gives up after ten, then polls once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		First:    2 * time.Second,
		Ceiling:  time.Minute,
		Attempts: 10,
		Poll:     time.Minute,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.First <= 0 {
		s.First = d.First
	}
	if s.Ceiling < s.First {
		s.Ceiling = max(d.Ceiling, s.First)
	}
	if s.Attempts <= 0 {
		s.Attempts = d.Attempts
	}
	if s.Poll <= 0 {
		s.Poll = d.Poll
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// startup returns the backoff policy for the startup phase.
func (s Schedule) startup(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.First
	b.MaxInterval = s.Ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.Attempts-1)), ctx)
}

// Backend describes one dependency to watch.
type Backend struct {
	Name     string
	Probe    Probe
	Schedule Schedule
}

// Status is one backend's reachability as reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	Since     time.Time `json:"since"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

type watcher struct {
	backend Backend

	mu     sync.Mutex
	status Status
}

// Manager runs one goroutine per watched backend.
type Manager struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*watcher
	cancel   []context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager returns an empty Manager. bus may be nil.
func NewManager(bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:      bus,
		logger:   logger.With("component", "connwatch"),
		watchers: make(map[string]*watcher),
	}
}

// Watch starts probing b until ctx is done or Stop is called. Watching a
// name twice replaces the status entry but leaves the old goroutine
// running until Stop.
func (m *Manager) Watch(ctx context.Context, b Backend) {
	if b.Name == "" || b.Probe == nil {
		panic("connwatch: backend needs a name and a probe")
	}
	b.Schedule = b.Schedule.withDefaults()

	w := &watcher{backend: b, status: Status{Name: b.Name}}
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.watchers[b.Name] = w
	m.cancel = append(m.cancel, cancel)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, w)
	}()
}

func (m *Manager) run(ctx context.Context, w *watcher) {
	sched := w.backend.Schedule
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		return m.check(ctx, w)
	}, sched.startup(ctx), func(err error, next time.Duration) {
		m.logger.Debug("backend not reachable yet",
			"backend", w.backend.Name,
			"attempt", attempts,
			"retry_in", next,
			"error", err,
		)
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Warn("backend unreachable at startup, polling in background",
			"backend", w.backend.Name,
			"attempts", attempts,
			"error", err,
		)
	}

	ticker := time.NewTicker(sched.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.check(ctx, w)
		}
	}
}

// check probes once, records the outcome and reports a change in
// reachability.
func (m *Manager) check(ctx context.Context, w *watcher) error {
	pctx, cancel := context.WithTimeout(ctx, w.backend.Schedule.Timeout)
	err := w.backend.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := time.Now()
	w.mu.Lock()
	first := w.status.LastCheck.IsZero()
	changed := first || w.status.Up != (err == nil)
	w.status.LastCheck = now
	w.status.Up = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	if changed {
		w.status.Since = now
	}
	w.mu.Unlock()

	switch {
	case !changed:
	case err == nil:
		m.logger.Info("backend reachable", "backend", w.backend.Name)
		m.bus.Emit(events.SourceConnwatch, events.KindBackendUp, "", map[string]any{
			"backend": w.backend.Name,
		})
	case !first:
		m.logger.Warn("backend became unreachable", "backend", w.backend.Name, "error", err)
		m.bus.Emit(events.SourceConnwatch, events.KindBackendDown, "", map[string]any{
			"backend": w.backend.Name,
			"error":   err.Error(),
		})
	}
	return err
}

// Status returns a snapshot of every watched backend keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		w.mu.Lock()
		out[name] = w.status
		w.mu.Unlock()
	}
	return out
}

// Up reports whether the named backend answered its latest probe.
func (m *Manager) Up(name string) bool {
	return m.Status()[name].Up
}

// Healthy reports whether every watched backend is up.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Up {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancels := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	m.wg.Wait()
}
