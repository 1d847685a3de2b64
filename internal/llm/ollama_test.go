package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaClient_Chat(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.Write([]byte(`{
			"model": "llama3.2",
			"created_at": "2026-01-02T03:04:05Z",
			"message": {"role": "assistant", "content": "He is Harry Lime."},
			"done": true,
			"total_duration": 2000000000,
			"prompt_eval_count": 120,
			"eval_count": 8
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL+"/", nil)
	resp, err := c.Chat(context.Background(), "llama3.2", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "who?"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Stream {
		t.Error("request should not stream")
	}
	if got.Options.Temperature != DefaultTemperature || got.Options.NumPredict != DefaultMaxTokens {
		t.Errorf("options = %+v, want defaults", got.Options)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("messages = %+v", got.Messages)
	}

	if resp.Message.Content != "He is Harry Lime." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 8 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 2*time.Second {
		t.Errorf("total duration = %v", resp.TotalDuration)
	}
	if resp.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestOllamaClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, nil).Chat(context.Background(), "nope", nil, Options{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Provider != "ollama" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if apiErr.Retryable() {
		t.Error("404 should not be retryable")
	}
}

func TestOllamaClient_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[{"name":"llama3.2"},{"name":"qwen2.5:7b"}]}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(names) != 2 || names[1] != "qwen2.5:7b" {
		t.Errorf("names = %v", names)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
