package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/botodachi/internal/captions"
	"github.com/nugget/botodachi/internal/events"
)

// ErrPageNotFound is returned when a page ID has no open page view.
var ErrPageNotFound = errors.New("session: page not found")

// DefaultIdleTimeout is how long a page may stay silent before the
// reaper closes it.
const DefaultIdleTimeout = 30 * time.Minute

// Config controls the pages a Manager creates.
type Config struct {
	Buffer           captions.Config
	SpoilerLookahead float64
	MaxTurns         int
	IdleTimeout      time.Duration
}

// Manager owns the open page views, keyed by page ID. Each browser tab
// gets its own Page; nothing is shared between them.
type Manager struct {
	cfg      Config
	selector *captions.Selector
	archiver Archiver
	bus      *events.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu         sync.Mutex
	pages      map[string]*Page
	closeHooks []func(*Page)
}

// NewManager creates a page manager. archiver and bus may be nil.
func NewManager(cfg Config, archiver Archiver, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		selector: captions.NewSelector(cfg.SpoilerLookahead),
		archiver: archiver,
		bus:      bus,
		logger:   logger,
		nowFunc:  time.Now,
		pages:    make(map[string]*Page),
	}
}

// Selector returns the context selector shared by every page.
func (m *Manager) Selector() *captions.Selector { return m.selector }

// Open returns the page view for id, creating it on first use.
func (m *Manager) Open(id string) *Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pages[id]; ok {
		return p
	}
	p := newPage(id, Options{Buffer: m.cfg.Buffer, MaxTurns: m.cfg.MaxTurns}, m.selector, m.archiver, m.bus, m.logger, m.nowFunc)
	m.pages[id] = p
	m.logger.Debug("page opened", "page", id)
	return p
}

// OnClose registers fn to run after a page is closed, whether by the
// browser or by the idle reaper.
func (m *Manager) OnClose(fn func(*Page)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeHooks = append(m.closeHooks, fn)
}

// Get returns the open page view for id.
func (m *Manager) Get(id string) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[id]
	if !ok {
		return nil, ErrPageNotFound
	}
	return p, nil
}

// Close disposes the page view for id and archives its session.
func (m *Manager) Close(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	p, ok := m.pages[id]
	delete(m.pages, id)
	hooks := append(([]func(*Page))(nil), m.closeHooks...)
	m.mu.Unlock()

	if !ok {
		return ErrPageNotFound
	}
	ended := p.dispose(ctx, reason)
	for _, fn := range hooks {
		fn(p)
	}
	m.logger.Info("page closed", "page", id, "reason", reason, "cues", len(ended.Cues), "turns", len(ended.Turns))
	return nil
}

// CloseAll disposes every open page, archiving their sessions. Used on
// shutdown.
func (m *Manager) CloseAll(ctx context.Context, reason string) {
	for _, p := range m.Pages() {
		_ = m.Close(ctx, p.ID(), reason)
	}
}

// Pages returns the open page views ordered by ID.
func (m *Manager) Pages() []*Page {
	m.mu.Lock()
	out := make([]*Page, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, p)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of open page views.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pages)
}

// ReapIdle closes every page that has been silent longer than the idle
// timeout and returns how many were closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	cutoff := m.nowFunc().Add(-m.cfg.IdleTimeout)
	reaped := 0
	for _, p := range m.Pages() {
		if p.LastSeen().Before(cutoff) {
			if err := m.Close(ctx, p.ID(), "idle"); err == nil {
				reaped++
			}
		}
	}
	return reaped
}

// Run reaps idle pages periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ReapIdle(ctx); n > 0 {
				m.logger.Info("reaped idle pages", "count", n)
			}
		}
	}
}
