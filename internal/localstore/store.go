// Package localstore is a small persistent key/value file shared by the
// operator tools, guarded by an advisory file lock so concurrent processes do
// not clobber each other.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"

	"github.com/gaspardpetit/obs-taso/internal/logx"
)

// Store persists string values in a JSON object on disk.
type Store struct {
	path string
	// mu serializes use of lock within the process; flock only arbitrates
	// between processes.
	mu   sync.Mutex
	lock *flock.Flock
}

// Open returns a Store backed by path, creating its directory when needed.
// The file itself is created on first write.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// GetItem returns the value stored under key.
func (s *Store) GetItem(key string) (string, bool, error) {
	items, err := s.GetItems(key)
	if err != nil {
		return "", false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

// GetItems returns the stored values for keys from a single read. Missing
// keys are absent from the result.
func (s *Store) GetItems(keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	items, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := items[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetItem stores value under key.
func (s *Store) SetItem(key, value string) error {
	return s.SetItems(map[string]string{key: value})
}

// SetItems stores every entry of values in one write, so readers never see
// a subset of them.
func (s *Store) SetItems(values map[string]string) error {
	return s.update(func(items map[string]string) bool {
		for k, v := range values {
			items[k] = v
		}
		return len(values) > 0
	})
}

// RemoveItem deletes key. Missing keys are not an error.
func (s *Store) RemoveItem(key string) error {
	return s.RemoveItems(key)
}

// RemoveItems deletes keys in one write.
func (s *Store) RemoveItems(keys ...string) error {
	return s.update(func(items map[string]string) bool {
		changed := false
		for _, k := range keys {
			if _, ok := items[k]; ok {
				delete(items, k)
				changed = true
			}
		}
		return changed
	})
}

func (s *Store) update(fn func(map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()
	items, err := s.read()
	if err != nil {
		return err
	}
	if !fn(items) {
		return nil
	}
	return s.write(items)
}

func (s *Store) read() (map[string]string, error) {
	items := map[string]string{}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return items, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if len(b) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	return items, nil
}

func (s *Store) write(items map[string]string) error {
	payload, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

// Watch calls fn after the backing file changes, including writes from other
// processes, until ctx ends. Bursts of events within debounce are coalesced.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch store: %w", err)
	}
	defer func() { _ = w.Close() }()
	// Renames replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch store directory: %w", err)
	}
	target := filepath.Clean(s.path)
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logx.Log.Warn().Err(err).Str("path", s.path).Msg("store watch error")
		case <-fire:
			fire = nil
			fn()
		}
	}
}
