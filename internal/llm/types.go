// Package llm provides the chat clients Botodachi uses to answer
// questions about the video being watched.
package llm

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Default generation parameters. Companion answers are short and should
// stay close to the captions, so temperature is low.
const (
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 400
)

// ErrMissingCredentials is returned when a provider is configured without
// the API key it needs.
var ErrMissingCredentials = errors.New("missing API credentials")

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are per-request generation parameters. Zero values select the
// package defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// withDefaults fills zero fields.
func (o Options) withDefaults() Options {
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message

	InputTokens  int
	OutputTokens int

	// Timing, populated when the provider reports it.
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again:
// rate limits and server-side failures.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
