package session

import (
	"sync"
	"time"
)

// DefaultMaxTurns is the default number of question/answer pairs kept.
const DefaultMaxTurns = 10

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the companion conversation.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// History is a bounded, ordered list of conversation turns for one
// session. It holds at most maxTurns question/answer pairs; older turns
// fall off the front.
type History struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
	nowFunc  func() time.Time
}

// NewHistory creates an empty history keeping maxTurns pairs
// (2*maxTurns messages). Zero or negative means DefaultMaxTurns.
func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &History{
		maxTurns: maxTurns,
		nowFunc:  time.Now,
	}
}

// Append adds a turn and drops the oldest turns beyond the limit.
func (h *History) Append(role Role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.turns = append(h.turns, Turn{Role: role, Content: content, At: h.nowFunc()})
	if over := len(h.turns) - h.maxTurns*2; over > 0 {
		n := copy(h.turns, h.turns[over:])
		clear(h.turns[n:])
		h.turns = h.turns[:n]
	}
}

// Recent returns a copy of the last n turns in order. n <= 0 returns an
// empty slice.
func (h *History) Recent(n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n <= 0 {
		return []Turn{}
	}
	if n > len(h.turns) {
		n = len(h.turns)
	}
	out := make([]Turn, n)
	copy(out, h.turns[len(h.turns)-n:])
	return out
}

// All returns a copy of every retained turn.
func (h *History) All() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of retained turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}

// Clear drops every turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.turns)
	h.turns = h.turns[:0]
}
