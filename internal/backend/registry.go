// Package backend materializes the Config Store's backend table into
// pooled HTTP clients: the Backend Registry.
package backend

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/praxisllmlab/relaygate/internal/config"
)

const (
	connectTimeout      = 10 * time.Second
	nonStreamingTimeout = 300 * time.Second
	streamIdleTimeout   = 60 * time.Second
)

// clientPair holds the two pooled clients kept per backend: one with an
// overall response timeout for ordinary calls, one with no overall timeout
// (idle-only, enforced by the stream reader) for SSE.
type clientPair struct {
	baseURL   string
	apiKey    string
	nonStream *http.Client
	streaming *http.Client
}

// Registry returns a reusable *http.Client keyed by backend name, rebuilding
// entries whose base_url or api_key changed on config reload and dropping
// entries that no longer appear in the active config.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientPair
}

// New returns an empty Registry. Clients are created lazily on first use.
func New() *Registry {
	return &Registry{clients: make(map[string]*clientPair)}
}

// NonStreamingClient returns the pooled client to use for a non-streaming
// attempt against spec, creating or rebuilding it as needed.
func (r *Registry) NonStreamingClient(spec config.BackendSpec) *http.Client {
	return r.pairFor(spec).nonStream
}

// StreamingClient returns the pooled client to use for an SSE attempt
// against spec. It carries no overall response timeout; idle-between-chunk
// timeouts are enforced by the stream processor, not the transport.
func (r *Registry) StreamingClient(spec config.BackendSpec) *http.Client {
	return r.pairFor(spec).streaming
}

func (r *Registry) pairFor(spec config.BackendSpec) *clientPair {
	r.mu.RLock()
	p, ok := r.clients[spec.Name]
	r.mu.RUnlock()
	if ok && p.baseURL == spec.BaseURL && p.apiKey == spec.APIKey {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock: another goroutine may have rebuilt it.
	if p, ok := r.clients[spec.Name]; ok && p.baseURL == spec.BaseURL && p.apiKey == spec.APIKey {
		return p
	}

	p = newClientPair(spec)
	r.clients[spec.Name] = p
	return p
}

func newClientPair(spec config.BackendSpec) *clientPair {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &clientPair{
		baseURL: spec.BaseURL,
		apiKey:  spec.APIKey,
		nonStream: &http.Client{
			Transport: transport,
			Timeout:   nonStreamingTimeout,
		},
		streaming: &http.Client{
			Transport: transport,
			// No overall Timeout: the stream processor enforces a
			// per-chunk idle timeout with its own timer instead.
		},
	}
}

// Reconcile drops any cached client whose backend name is no longer present
// in the active config, so config reload releases unused pools. It is
// called after a config reload; entries still referenced by an in-flight
// request remain usable until that request completes because clientPair
// values are never mutated in place.
func (r *Registry) Reconcile(cfg *config.ProxyConfig) {
	live := make(map[string]bool, len(cfg.OpenAIClients))
	for _, b := range cfg.OpenAIClients {
		live[b.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name := range r.clients {
		if !live[name] {
			delete(r.clients, name)
		}
	}
}

// StreamIdleTimeout is the duration after which an idle SSE connection is
// considered a transient failure (spec §4.6).
func StreamIdleTimeout() time.Duration { return streamIdleTimeout }
