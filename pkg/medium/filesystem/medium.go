// Package filesystem implements the broadcast medium as one file per key in
// a directory shared by every instance on a host. Writes are atomic
// renames; the change feed comes from fsnotify.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"leasecast/pkg/medium"
)

// tempPrefix marks in-progress writes. Watchers and Scan skip these names.
const tempPrefix = ".tmp-"

type Medium struct {
	dir string
	log *zap.Logger

	mu       sync.Mutex
	watchers map[*fsnotify.Watcher]struct{}
	closed   bool
}

var _ medium.Medium = (*Medium)(nil)

// New uses dir, creating it if needed.
func New(dir string, log *zap.Logger) (*Medium, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", medium.ErrUnavailable, dir, err)
	}
	return &Medium{
		dir:      dir,
		log:      log,
		watchers: make(map[*fsnotify.Watcher]struct{}),
	}, nil
}

func (m *Medium) Available(context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	info, err := os.Stat(m.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", medium.ErrUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", medium.ErrUnavailable, m.dir)
	}
	return nil
}

func (m *Medium) Set(_ context.Context, key, value string) error {
	if err := m.check(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", medium.ErrUnavailable, key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", medium.ErrUnavailable, key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: write %s: %v", medium.ErrUnavailable, key, err)
	}
	if err := os.Rename(tmp.Name(), m.path(key)); err != nil {
		return fmt.Errorf("%w: write %s: %v", medium.ErrUnavailable, key, err)
	}
	return nil
}

func (m *Medium) Delete(_ context.Context, key string) error {
	if err := m.check(); err != nil {
		return err
	}
	if err := os.Remove(m.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: delete %s: %v", medium.ErrUnavailable, key, err)
	}
	return nil
}

func (m *Medium) Scan(_ context.Context, prefix string) (map[string]string, error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", medium.ErrUnavailable, m.dir, err)
	}
	out := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := decodeName(entry.Name())
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", medium.ErrUnavailable, key, err)
		}
		out[key] = string(data)
	}
	return out, nil
}

// Watch follows the directory. The writer observes its own writes.
func (m *Medium) Watch(ctx context.Context, prefix string, h medium.Handler) (func(), error) {
	if err := m.check(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", medium.ErrUnavailable, err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: watch %s: %v", medium.ErrUnavailable, m.dir, err)
	}

	m.mu.Lock()
	m.watchers[watcher] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, watcher)
			m.mu.Unlock()
			_ = watcher.Close()
		})
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				m.dispatch(event, prefix, h)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Warn("filesystem watch error", zap.String("dir", m.dir), zap.Error(err))
			case <-ctx.Done():
				stop()
				return
			}
		}
	}()
	return stop, nil
}

func (m *Medium) dispatch(event fsnotify.Event, prefix string, h medium.Handler) {
	key, ok := decodeName(filepath.Base(event.Name))
	if !ok || !strings.HasPrefix(key, prefix) {
		return
	}

	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		data, err := os.ReadFile(event.Name)
		if errors.Is(err, fs.ErrNotExist) {
			// Replaced or removed again before we got here; a later event follows.
			return
		}
		if err != nil {
			m.log.Debug("failed to read changed key", zap.String("key", key), zap.Error(err))
			return
		}
		h(medium.Event{Key: key, Value: string(data)})
	case event.Has(fsnotify.Remove):
		h(medium.Event{Key: key, Deleted: true})
	}
}

func (m *Medium) Close() error {
	m.mu.Lock()
	m.closed = true
	watchers := make([]*fsnotify.Watcher, 0, len(m.watchers))
	for w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.watchers = map[*fsnotify.Watcher]struct{}{}
	m.mu.Unlock()

	var errs []error
	for _, w := range watchers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

func (m *Medium) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return medium.ErrClosed
	}
	return nil
}

func (m *Medium) path(key string) string {
	return filepath.Join(m.dir, url.PathEscape(key))
}

func decodeName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	key, err := url.PathUnescape(name)
	if err != nil {
		return "", false
	}
	return key, true
}
