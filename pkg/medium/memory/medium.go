// Package memory provides an in-process broadcast medium. A Hub holds the
// shared key space; each instance attaches and sees every write made
// through the other attachments.
package memory

import (
	"context"
	"strings"
	"sync"

	"leasecast/pkg/medium"
)

// Hub is the shared key space of one partition.
type Hub struct {
	mu       sync.Mutex
	data     map[string]string
	watchers map[*watcher]struct{}
	down     bool
}

type watcher struct {
	owner  *Medium
	prefix string
	events chan medium.Event
	done   chan struct{}
	stop   func()
}

func NewHub() *Hub {
	return &Hub{
		data:     make(map[string]string),
		watchers: make(map[*watcher]struct{}),
	}
}

// SetAvailable toggles availability for every attachment.
func (h *Hub) SetAvailable(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = !ok
}

// Attach returns a Medium handle for one instance.
func (h *Hub) Attach() *Medium {
	return &Medium{hub: h}
}

// Medium is one instance's view of a Hub. Writes are delivered to watchers
// of every other attachment, never to the writer's own.
type Medium struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
}

var _ medium.Medium = (*Medium)(nil)

func (m *Medium) Available(context.Context) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if m.hub.down {
		return medium.ErrUnavailable
	}
	return m.check()
}

func (m *Medium) Set(_ context.Context, key, value string) error {
	return m.publish(medium.Event{Key: key, Value: value})
}

func (m *Medium) Delete(_ context.Context, key string) error {
	return m.publish(medium.Event{Key: key, Deleted: true})
}

func (m *Medium) publish(ev medium.Event) error {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return medium.ErrUnavailable
	}
	if err := m.check(); err != nil {
		return err
	}

	if ev.Deleted {
		if _, ok := h.data[ev.Key]; !ok {
			return nil
		}
		delete(h.data, ev.Key)
	} else {
		h.data[ev.Key] = ev.Value
	}

	for w := range h.watchers {
		if w.owner == m || !strings.HasPrefix(ev.Key, w.prefix) {
			continue
		}
		select {
		case w.events <- ev:
		case <-w.done:
		}
	}
	return nil
}

func (m *Medium) Scan(_ context.Context, prefix string) (map[string]string, error) {
	h := m.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, medium.ErrUnavailable
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for k, v := range h.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

// Watch delivers events in write order from a dedicated goroutine.
func (m *Medium) Watch(ctx context.Context, prefix string, handler medium.Handler) (func(), error) {
	h := m.hub
	h.mu.Lock()
	if err := m.check(); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	w := &watcher{
		owner:  m,
		prefix: prefix,
		events: make(chan medium.Event, 256),
		done:   make(chan struct{}),
	}

	var once sync.Once
	w.stop = func() {
		once.Do(func() {
			// Unblock a publisher waiting on this watcher before taking the lock.
			close(w.done)
			h.mu.Lock()
			delete(h.watchers, w)
			h.mu.Unlock()
		})
	}
	h.watchers[w] = struct{}{}
	h.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-w.events:
				handler(ev)
			case <-w.done:
				return
			case <-ctx.Done():
				w.stop()
				return
			}
		}
	}()
	return w.stop, nil
}

// Close detaches this handle. Its watchers stop receiving events.
func (m *Medium) Close() error {
	h := m.hub
	h.mu.Lock()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	var mine []*watcher
	for w := range h.watchers {
		if w.owner == m {
			mine = append(mine, w)
		}
	}
	h.mu.Unlock()

	for _, w := range mine {
		w.stop()
	}
	return nil
}

func (m *Medium) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return medium.ErrClosed
	}
	return nil
}
