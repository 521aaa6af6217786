package backend

import (
	"testing"

	"github.com/praxisllmlab/relaygate/internal/config"
	"github.com/stretchr/testify/assert"
)

func spec(name, baseURL, apiKey string) config.BackendSpec {
	return config.BackendSpec{Name: name, BaseURL: baseURL, APIKey: apiKey, Priority: 1}
}

func TestRegistry_ReusesClientForUnchangedSpec(t *testing.T) {
	r := New()
	s := spec("a", "https://a.example.com", "key1")

	c1 := r.NonStreamingClient(s)
	c2 := r.NonStreamingClient(s)

	assert.Same(t, c1, c2)
}

func TestRegistry_RebuildsOnBaseURLChange(t *testing.T) {
	r := New()
	s := spec("a", "https://a.example.com", "key1")
	c1 := r.NonStreamingClient(s)

	s.BaseURL = "https://a-new.example.com"
	c2 := r.NonStreamingClient(s)

	assert.NotSame(t, c1, c2)
}

func TestRegistry_StreamingClientHasNoOverallTimeout(t *testing.T) {
	r := New()
	s := spec("a", "https://a.example.com", "key1")

	c := r.StreamingClient(s)

	assert.Zero(t, c.Timeout)
}

func TestRegistry_ReconcileDropsUnusedBackends(t *testing.T) {
	r := New()
	r.NonStreamingClient(spec("a", "https://a.example.com", ""))
	r.NonStreamingClient(spec("b", "https://b.example.com", ""))

	cfg := &config.ProxyConfig{OpenAIClients: []config.BackendSpec{spec("a", "https://a.example.com", "")}}
	r.Reconcile(cfg)

	r.mu.RLock()
	_, hasA := r.clients["a"]
	_, hasB := r.clients["b"]
	r.mu.RUnlock()

	assert.True(t, hasA)
	assert.False(t, hasB)
}
