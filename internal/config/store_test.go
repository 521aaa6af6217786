package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_HotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "gateway.yaml", `
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
`)

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	assert.Len(t, store.Current().OpenAIClients, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
  - name: b
    base_url: https://b.example.com
    priority: 2
    model_match: {type: exact, value: ["m2"]}
`), 0o644))

	require.Eventually(t, func() bool {
		return len(store.Current().OpenAIClients) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStore_InvalidReloadKeepsPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "gateway.yaml", `
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
`)

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	require.NoError(t, os.WriteFile(path, []byte(`not: [valid`), 0o644))
	time.Sleep(700 * time.Millisecond)

	assert.Len(t, store.Current().OpenAIClients, 1)
}

func TestStore_ProbeReloadInvokesOnReloadHooks(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "gateway.yaml", `
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
`)

	store, err := NewStore(path)
	require.NoError(t, err)

	var seen []string
	store.OnReload(func(cfg *ProxyConfig) {
		for _, b := range cfg.OpenAIClients {
			seen = append(seen, b.Name)
		}
	})

	require.NoError(t, os.WriteFile(path, []byte(`
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
  - name: b
    base_url: https://b.example.com
    priority: 2
    model_match: {type: exact, value: ["m2"]}
`), 0o644))

	store.ProbeReload()

	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestStore_IgnoresUnrelatedFileInDirectory(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "gateway.yaml", `
openai_clients:
  - name: a
    base_url: https://a.example.com
    priority: 1
    model_match: {type: exact, value: ["m"]}
`)

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, store.Watch(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o644))
	time.Sleep(700 * time.Millisecond)

	assert.Len(t, store.Current().OpenAIClients, 1)
}
