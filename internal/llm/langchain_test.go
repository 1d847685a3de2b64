package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFoldSystemPrompt(t *testing.T) {
	tests := []struct {
		name string
		in   []Message
		want []Message
	}{
		{
			name: "header folded into final user turn",
			in: []Message{
				{Role: "system", Content: "H"},
				{Role: "user", Content: "q1"},
				{Role: "assistant", Content: "a1"},
				{Role: "user", Content: "q2"},
			},
			want: []Message{
				{Role: "user", Content: "q1"},
				{Role: "assistant", Content: "a1"},
				{Role: "user", Content: "H\n\nq2"},
			},
		},
		{
			name: "no system message",
			in:   []Message{{Role: "user", Content: "q"}},
			want: []Message{{Role: "user", Content: "q"}},
		},
		{
			name: "system only",
			in:   []Message{{Role: "system", Content: "H"}},
			want: []Message{{Role: "user", Content: "H"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := foldSystemPrompt(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("msg %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestInfoInt(t *testing.T) {
	info := map[string]any{"PromptTokens": 12, "output_tokens": int32(7), "x": "nope"}
	if got := infoInt(info, "PromptTokens"); got != 12 {
		t.Errorf("PromptTokens = %d", got)
	}
	if got := infoInt(info, "CompletionTokens", "output_tokens"); got != 7 {
		t.Errorf("fallback key = %d", got)
	}
	if got := infoInt(info, "x"); got != 0 {
		t.Errorf("non-numeric = %d", got)
	}
}

func TestOpenAIClient_Chat(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "It's a zither."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 4, "total_tokens": 34}
		}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(LangChainConfig{APIKey: "sk-test", BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := c.Chat(context.Background(), "gpt-4o-mini", []Message{
		{Role: "system", Content: "header"},
		{Role: "user", Content: "what instrument?"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "It's a zither." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("request model = %v", body["model"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Errorf("request messages = %v", body["messages"])
	}
}

func TestLangChainClients_MissingKey(t *testing.T) {
	if _, err := NewOpenAIClient(LangChainConfig{}, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("openai err = %v", err)
	}
	if _, err := NewGoogleClient(context.Background(), LangChainConfig{}, nil); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("google err = %v", err)
	}
}
