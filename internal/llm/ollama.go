package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/botodachi/internal/httpkit"
	"github.com/nugget/botodachi/internal/logging"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient talks to a local or LAN Ollama server.
type OllamaClient struct {
	baseURL string
	api     endpoint
	logger  *slog.Logger
}

// NewOllamaClient returns a client for the server at baseURL, or
// DefaultOllamaURL when empty.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", ProviderOllama)
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		api: endpoint{
			provider: ProviderOllama,
			logger:   logger,
			client: httpkit.NewClient(
				httpkit.WithTimeout(0),
				// Loading a model can take minutes before the first byte.
				httpkit.WithTransport(httpkit.NewTransport(5*time.Minute)),
				// Ollama is often restarted while the daemon keeps running.
				httpkit.WithRedial(2, 500*time.Millisecond),
				httpkit.WithLogger(logger),
			),
		},
	}
}

type ollamaChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	// Durations are in nanoseconds.
	TotalDuration int64 `json:"total_duration"`
	LoadDuration  int64 `json:"load_duration"`
	EvalDuration  int64 `json:"eval_duration"`
}

// Chat sends a non-streaming /api/chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	opts = opts.withDefaults()
	req := ollamaChatRequest{Model: model, Messages: messages}
	req.Options.Temperature = opts.Temperature
	req.Options.NumPredict = opts.MaxTokens

	var raw ollamaChatResponse
	if err := c.api.call(ctx, http.MethodPost, c.baseURL+"/api/chat", req, &raw); err != nil {
		return nil, err
	}
	out := raw.toChatResponse()
	c.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"load", out.LoadDuration,
		"total", out.TotalDuration,
	)
	c.logger.Log(ctx, logging.LevelTrace, "response content", "content", out.Message.Content)
	return out, nil
}

func (r *ollamaChatResponse) toChatResponse() *ChatResponse {
	out := &ChatResponse{
		Model:         r.Model,
		Message:       r.Message,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
	if out.Message.Role == "" {
		out.Message.Role = "assistant"
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.CreatedAt); err == nil {
		out.CreatedAt = ts
	}
	return out
}

// Ping lists the installed models.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// ListModels returns the names of the locally installed models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := c.api.call(ctx, http.MethodGet, c.baseURL+"/api/tags", nil, &tags); err != nil {
		return nil, err
	}
	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}
