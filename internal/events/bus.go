// Package events carries lifecycle notifications (sessions, questions,
// caption polling, recaps, backend reachability) from the components
// that produce them to the overlay's WebSocket stream. A nil *Bus
// accepts and discards events, so producers need no guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from page and session tracking.
	SourceSession = "session"
	// SourceCompanion identifies events from the question/answer layer.
	SourceCompanion = "companion"
	// SourcePoller identifies events from the caption polling loop.
	SourcePoller = "poller"
	// SourceSummarizer identifies events from the archive recap worker.
	SourceSummarizer = "summarizer"
	// SourceConnwatch identifies backend reachability changes.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindSessionStarted signals the first video observed on a page.
	// Data: video_id, title, platform.
	KindSessionStarted = "session_started"
	// KindSessionChanged signals navigation to a different video. The
	// overlay clears its visible transcript and chat on receipt.
	// Data: previous, current, archived_cues, archived_turns.
	KindSessionChanged = "session_changed"
	// KindSessionClosed signals a page view was disposed.
	// Data: video_id, reason.
	KindSessionClosed = "session_closed"
	// KindBufferCleared signals an explicit user clear of captured captions.
	KindBufferCleared = "buffer_cleared"
	// KindHistoryCleared signals an explicit user clear of the chat history.
	KindHistoryCleared = "history_cleared"

	// KindAskStart signals a question was accepted and dispatched.
	// Data: request_id, model, context_cues, history_turns.
	KindAskStart = "ask_start"
	// KindAskComplete signals an answer arrived.
	// Data: request_id, model, elapsed_ms, stale.
	KindAskComplete = "ask_complete"
	// KindAskFailed signals the backend call failed.
	// Data: request_id, model, error.
	KindAskFailed = "ask_failed"

	// KindPollError signals a caption source failed during a tick.
	// Data: source, error.
	KindPollError = "poll_error"

	// KindRecapReady signals a recap was written for an archived session.
	// Data: session_id, video_id, one_liner, model.
	KindRecapReady = "recap_ready"

	// KindBackendUp and KindBackendDown signal a watched backend (the
	// model provider or the MQTT broker) changing reachability.
	// Data: backend, and error for KindBackendDown.
	KindBackendUp   = "backend_up"
	KindBackendDown = "backend_down"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// PageID scopes the event to one page view. Empty means global.
	PageID string `json:"page_id,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Filter selects the events a subscriber wants.
type Filter func(Event) bool

// ForPage keeps events for pageID plus events not tied to any page. An
// empty pageID keeps everything.
func ForPage(pageID string) Filter {
	return func(e Event) bool {
		return pageID == "" || e.PageID == "" || e.PageID == pageID
	}
}

// OfSource keeps events published by one of the given sources.
func OfSource(sources ...string) Filter {
	return func(e Event) bool {
		for _, s := range sources {
			if e.Source == s {
				return true
			}
		}
		return false
	}
}

type subscriber struct {
	ch      chan Event
	filters []Filter
	dropped atomic.Uint64
}

func (s *subscriber) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Bus fans events out to subscribers on buffered channels. A subscriber
// that falls behind misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every subscriber whose filters accept it,
// stamping a zero Timestamp with the current time. Publishing on a nil
// Bus does nothing.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped now.
func (b *Bus) Emit(source, kind, pageID string, data map[string]any) {
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		PageID:    pageID,
		Data:      data,
	})
}

// Subscribe registers a channel of bufSize that receives events passing
// every filter. Release it with Unsubscribe.
func (b *Bus) Subscribe(bufSize int, filters ...Filter) <-chan Event {
	sub := &subscriber{ch: make(chan Event, bufSize), filters: filters}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe closes ch and returns how many events it missed because
// its buffer was full. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return 0
	}
	delete(b.subs, ch)
	close(sub.ch)
	return sub.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
