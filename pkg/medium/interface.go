// Package medium defines the shared, observable key-value space through
// which instances of a partition broadcast their state.
package medium

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when the backing service cannot be reached.
	ErrUnavailable = errors.New("broadcast medium unavailable")

	// ErrClosed is returned by operations on a closed medium.
	ErrClosed = errors.New("broadcast medium closed")
)

// Event is one observed change. Deleted events carry no value.
type Event struct {
	Key     string
	Value   string
	Deleted bool
}

// Handler receives change events. Handlers must not block: the medium may
// call them from its own delivery goroutine.
type Handler func(Event)

// Medium is a shared key-value space with a change feed. Writes by one
// instance are observed by every other watching instance; whether the
// writer also observes its own writes depends on the backend.
type Medium interface {
	// Available reports whether the medium can be used.
	Available(ctx context.Context) error

	// Set stores value under key and notifies watchers.
	Set(ctx context.Context, key, value string) error

	// Delete removes key and notifies watchers. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns every key with the given prefix and its value.
	Scan(ctx context.Context, prefix string) (map[string]string, error)

	// Watch calls h for every change to a key with the given prefix until
	// stop is called or ctx ends.
	Watch(ctx context.Context, prefix string, h Handler) (stop func(), err error)

	Close() error
}
