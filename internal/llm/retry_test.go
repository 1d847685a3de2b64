package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}
}

func TestRetryClient_RetriesTransient(t *testing.T) {
	inner := &fakeClient{name: "ok", errs: []error{
		&APIError{Provider: "ollama", StatusCode: http.StatusServiceUnavailable},
		errors.New("connection reset"),
	}}
	resp, err := NewRetryClient(inner, fastRetry(), nil).Chat(context.Background(), "m", nil, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "ok" || inner.calls != 3 {
		t.Errorf("content=%q calls=%d, want ok after 3 calls", resp.Message.Content, inner.calls)
	}
}

func TestRetryClient_PermanentError(t *testing.T) {
	bad := &APIError{Provider: "anthropic", StatusCode: http.StatusBadRequest, Body: "bad"}
	inner := &fakeClient{errs: []error{bad}}
	_, err := NewRetryClient(inner, fastRetry(), nil).Chat(context.Background(), "m", nil, Options{})

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("err = %v, want the 400 APIError", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryClient_GivesUp(t *testing.T) {
	fail := errors.New("dial tcp: connection refused")
	inner := &fakeClient{errs: []error{fail, fail, fail, fail, fail}}
	_, err := NewRetryClient(inner, fastRetry(), nil).Chat(context.Background(), "m", nil, Options{})
	if !errors.Is(err, fail) {
		t.Errorf("err = %v, want %v", err, fail)
	}
	if inner.calls != 4 {
		t.Errorf("calls = %d, want 1 + 3 retries", inner.calls)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
		{fmt.Errorf("openai: %w", ErrMissingCredentials), false},
		{&APIError{StatusCode: 401}, false},
		{&APIError{StatusCode: 429}, true},
		{&APIError{StatusCode: 502}, true},
		{errors.New("EOF"), true},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
