package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls exponential retry of failed chat requests.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// RetryClient retries transient provider failures with exponential
// backoff. Client errors (4xx other than 429) are returned immediately.
type RetryClient struct {
	next   Client
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryClient wraps next. Zero config fields take backoff defaults.
func NewRetryClient(next Client, cfg RetryConfig, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{next: next, cfg: cfg, logger: logger}
}

func (r *RetryClient) policy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	if r.cfg.InitialInterval > 0 {
		bo.InitialInterval = r.cfg.InitialInterval
	}
	if r.cfg.MaxInterval > 0 {
		bo.MaxInterval = r.cfg.MaxInterval
	}
	if r.cfg.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = r.cfg.MaxElapsedTime
	}
	var b backoff.BackOff = bo
	if r.cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.cfg.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Chat forwards to the wrapped client, retrying transient failures.
func (r *RetryClient) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	var resp *ChatResponse
	op := func() error {
		var err error
		resp, err = r.next.Chat(ctx, model, messages, opts)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("chat request failed, retrying",
			"model", model,
			"wait", wait,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, r.policy(ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// Ping is not retried; health checks report the current state.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// Retryable reports whether err is worth another attempt. Cancellation
// and provider 4xx responses are final; transport errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrMissingCredentials) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
