package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Store publishes the current configuration snapshot. Readers call Snapshot
// and never block; reloads swap the pointer atomically so in-flight requests
// finish against the snapshot they started with.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	// onReload callbacks run after a successful swap, outside any lock.
	onReload []func(*Config)
}

// NewStore wraps an already-loaded config for the given file path.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the current immutable configuration. Callers must not
// mutate the returned value.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// OnReload registers a callback invoked with each new snapshot. Not safe to
// call after Watch has started.
func (s *Store) OnReload(fn func(*Config)) {
	s.onReload = append(s.onReload, fn)
}

// Reload re-reads the config file and publishes the new snapshot.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	for _, fn := range s.onReload {
		fn(cfg)
	}
	return nil
}

// Watch blocks until ctx is done, reloading the config whenever the file
// changes. Editors that replace the file (rename+create) are handled by
// re-adding the watch. A short debounce absorbs write bursts.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Warnf("config watcher close: %v", errClose)
		}
	}()
	if err = watcher.Add(s.path); err != nil {
		log.Warnf("config watch %s: %v", s.path, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(200*time.Millisecond, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
					_ = watcher.Remove(s.path)
					_ = watcher.Add(s.path)
				}
				schedule()
			}
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("config watcher: %v", errWatch)
		case <-fire:
			if errReload := s.Reload(); errReload != nil {
				log.Errorf("config reload failed, keeping previous snapshot: %v", errReload)
				continue
			}
			log.Info("configuration reloaded")
		}
	}
}
