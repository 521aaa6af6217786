package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/praxisllmlab/relaygate/internal/logging"
)

// Store is the Config Store: it holds the active backend table behind an
// atomic pointer and republishes a new snapshot on file change. Readers
// call Current and hold the returned snapshot for the lifetime of one
// request; it is never mutated in place.
type Store struct {
	path     string
	current  atomic.Pointer[ProxyConfig]
	watcher  *fsnotify.Watcher
	onReload []func(*ProxyConfig)
}

// OnReload registers fn to run after every successful reload, including
// the one triggered by ProbeReload. Used by the Backend Registry to drop
// pooled clients for backends no longer present in the new snapshot.
func (s *Store) OnReload(fn func(*ProxyConfig)) {
	s.onReload = append(s.onReload, fn)
}

// NewStore loads path and returns a Store primed with the initial snapshot.
func NewStore(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path}
	s.current.Store(cfg)
	return s, nil
}

// NewStoreFromConfig wraps an already-built snapshot in a Store with no
// backing file. Watch/ProbeReload are no-ops without a path; useful for
// tests and for programmatic wiring that does not read config from disk.
func NewStoreFromConfig(cfg *ProxyConfig) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Current returns the active immutable snapshot.
func (s *Store) Current() *ProxyConfig {
	return s.current.Load()
}

// Watch begins watching the config file's parent directory for changes and
// reloads on a 500ms debounce, coalescing editor save bursts (temp file +
// rename produces several fsnotify events per save). It returns once the
// watcher is armed; reload happens in a background goroutine until ctx is
// canceled.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.watchLoop(ctx)
	return nil
}

func (s *Store) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	base := filepath.Base(s.path)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = s.watcher.Close()
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, s.reload)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warnf("config watcher error: %v", err)
		}
	}
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		logging.Warnf("config reload failed, keeping previous snapshot: %v", err)
		return
	}
	s.current.Store(cfg)
	logging.Infof("config reloaded: %s", cfg)
	for _, fn := range s.onReload {
		fn(cfg)
	}
}

// ProbeReload synchronously re-reads the config file, publishing a new
// snapshot on success and keeping the previous one on error. Used by
// handlers that want an up-to-date backend list before a one-off fanout,
// such as the /v1/models aggregator, without waiting for the debounced
// file watcher.
func (s *Store) ProbeReload() {
	if s.path == "" {
		return
	}
	s.reload()
}

// Close stops the file watcher, if one is running.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
