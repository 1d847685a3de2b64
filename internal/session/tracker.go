package session

import "sync"

// Observation is the result of reporting the current video identity to
// a Tracker.
type Observation struct {
	// Changed is true when a different identity replaced a previously
	// recorded one. The first identity ever observed is not a change.
	Changed bool
	// First is true on the observation that recorded the first identity.
	First bool
	// Previous is the identity recorded before this observation.
	Previous string
	// Current is the identity recorded after this observation.
	Current string
}

// Tracker detects navigation to a different video by comparing derived
// identities by value. It never looks at raw URLs.
type Tracker struct {
	mu      sync.Mutex
	current string
}

// Observe records identity and reports whether it differs from the one
// seen before. An empty identity means no video is on the page and is
// ignored, leaving the recorded identity untouched.
func (t *Tracker) Observe(identity string) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs := Observation{Previous: t.current, Current: t.current}
	switch {
	case identity == "":
	case t.current == "":
		t.current = identity
		obs.Current = identity
		obs.First = true
	case identity != t.current:
		t.current = identity
		obs.Current = identity
		obs.Changed = true
	}
	return obs
}

// Current returns the identity recorded most recently.
func (t *Tracker) Current() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
