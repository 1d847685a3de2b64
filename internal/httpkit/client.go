// Package httpkit builds the outbound HTTP clients used to reach LLM
// providers: pooled transports with explicit dial and header timeouts,
// a Botodachi User-Agent and, for the local Ollama daemon, redialing
// while the daemon restarts.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/botodachi/internal/buildinfo"
)

// DefaultTimeout is the whole-request timeout of NewClient.
const DefaultTimeout = 30 * time.Second

// NewTransport returns a pooled transport that waits at most
// headerTimeout for response headers. Local models can need minutes to
// load before their first byte; hosted APIs answer in seconds.
func NewTransport(headerTimeout time.Duration) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
		ForceAttemptHTTP2:     true,
	}
}

// Option configures NewClient.
type Option func(*options)

type options struct {
	timeout   time.Duration
	transport *http.Transport
	redials   uint64
	delay     time.Duration
	logger    *slog.Logger
}

// WithTimeout sets the whole-request timeout. Zero disables it; LLM
// calls are then bounded by their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithTransport replaces the default transport.
func WithTransport(t *http.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRedial retries requests that failed to connect (connection
// refused, host or network unreachable) up to n times, starting at
// delay and backing off.
func WithRedial(n uint64, delay time.Duration) Option {
	return func(o *options) {
		o.redials = n
		o.delay = delay
	}
}

// WithLogger sets the logger for redial diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient builds an *http.Client. Without options it has a 30s
// timeout and a transport with a 15s header timeout.
func NewClient(opts ...Option) *http.Client {
	o := &options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.transport == nil {
		o.transport = NewTransport(15 * time.Second)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	var rt http.RoundTripper = &agentTransport{base: o.transport, agent: buildinfo.UserAgent()}
	if o.redials > 0 {
		rt = &redialTransport{base: rt, redials: o.redials, delay: o.delay, logger: o.logger}
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

// agentTransport sets the User-Agent on requests that have none.
type agentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// RoundTrippers must not modify the caller's request.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// ReadErrorBody returns up to limit bytes of an error response body for
// use in error messages, then drains a little more and closes rc so the
// connection can be reused.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer rc.Close()
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
