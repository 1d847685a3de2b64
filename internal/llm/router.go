package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrNoProvider is returned when a model maps to a provider that was
// never registered.
var ErrNoProvider = errors.New("no provider registered")

// Router dispatches each request to the provider serving its model.
// Models without a route go to the fallback provider. Register and
// Route are meant for startup; Chat and Ping may then run concurrently.
type Router struct {
	fallback  string
	providers map[string]Client
	routes    map[string]string
}

// NewRouter returns a Router that sends unrouted models to the provider
// named fallback.
func NewRouter(fallback string) *Router {
	return &Router{
		fallback:  fallback,
		providers: make(map[string]Client),
		routes:    make(map[string]string),
	}
}

// Register makes c the client for provider.
func (r *Router) Register(provider string, c Client) {
	r.providers[provider] = c
}

// Route sends requests for model to provider.
func (r *Router) Route(model, provider string) {
	r.routes[model] = provider
}

// ProviderFor names the provider a request for model is sent to.
func (r *Router) ProviderFor(model string) string {
	if p, ok := r.routes[model]; ok {
		return p
	}
	return r.fallback
}

// Chat forwards the request to the provider serving model.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, opts Options) (*ChatResponse, error) {
	provider := r.ProviderFor(model)
	c, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("model %q: %w for %q", model, ErrNoProvider, provider)
	}
	return c.Chat(ctx, model, messages, opts)
}

// inUse lists, sorted, the providers that some model or the fallback
// resolves to.
func (r *Router) inUse() []string {
	seen := map[string]bool{r.fallback: true}
	for _, p := range r.routes {
		seen[p] = true
	}
	names := make([]string, 0, len(seen))
	for p := range seen {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// Ping checks every provider that serves at least one model. A
// registered provider no model uses is not contacted.
func (r *Router) Ping(ctx context.Context) error {
	var errs []error
	for _, name := range r.inUse() {
		c, ok := r.providers[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %w", name, ErrNoProvider))
			continue
		}
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
