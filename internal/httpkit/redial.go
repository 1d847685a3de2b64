package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// redialTransport retries requests whose connection attempt failed.
// Nothing reached the server in that case, so even a POST is safe to
// resend, provided its body can be rewound through GetBody.
type redialTransport struct {
	base    http.RoundTripper
	redials uint64
	delay   time.Duration
	logger  *slog.Logger
}

func (t *redialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil

	attempt := 0
	op := func() (*http.Response, error) {
		attempt++
		r := req
		if attempt > 1 {
			r = req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, backoff.Permanent(fmt.Errorf("rewind body: %w", err))
				}
				r.Body = body
			}
		}
		resp, err := t.base.RoundTrip(r)
		if err != nil && (!rewindable || !isDialFailure(err)) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = t.delay
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, t.redials), req.Context())

	notify := func(err error, wait time.Duration) {
		t.logger.Debug("redialing after connection failure",
			"method", req.Method,
			"url", req.URL.Redacted(),
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}

	resp, err := backoff.RetryNotifyWithData(op, policy, notify)
	if err == nil && attempt > 1 {
		t.logger.Info("request succeeded after redial", "url", req.URL.Redacted(), "attempts", attempt)
	}
	return resp, err
}

// isDialFailure reports whether err means the connection was never
// established. A reset connection is excluded: the server may already
// have acted on the request.
func isDialFailure(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
