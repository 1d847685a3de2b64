package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nugget/botodachi/internal/httpkit"
	"github.com/nugget/botodachi/internal/logging"
)

// maxErrorBody bounds how much of a failed response lands in an APIError.
const maxErrorBody = 4096

// endpoint is one provider's HTTP API.
type endpoint struct {
	provider string
	client   *http.Client
	header   http.Header
	logger   *slog.Logger
}

// call sends in as JSON (or no body when in is nil) and decodes a 200
// response into out. Other statuses become an *APIError.
func (e *endpoint) call(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		e.logger.Log(ctx, logging.LevelTrace, "request payload", "url", url, "json", string(data))
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range e.header {
		req.Header[k] = v
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", e.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			Provider:   e.provider,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, maxErrorBody),
		}
		e.logger.Warn("provider returned an error", "status", apiErr.StatusCode, "body", apiErr.Body)
		return apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", e.provider, err)
	}
	return nil
}
