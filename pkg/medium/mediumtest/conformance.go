// Package mediumtest holds the behavioral checks every medium.Medium
// backend must pass.
package mediumtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasecast/pkg/medium"
)

const waitFor = 3 * time.Second

// Pair returns two handles on one shared key space, as two instances
// would hold. ns is unique per subtest so backends may share a server.
type Pair func(t *testing.T) (a, b medium.Medium, ns string)

// Run exercises the backend with a fresh pair per subtest.
func Run(t *testing.T, newPair Pair) {
	t.Run("SetThenScan", func(t *testing.T) { testSetThenScan(t, newPair) })
	t.Run("WatchSeesSiblingWrites", func(t *testing.T) { testWatch(t, newPair) })
	t.Run("DeleteIsObserved", func(t *testing.T) { testDelete(t, newPair) })
	t.Run("PrefixFiltering", func(t *testing.T) { testPrefix(t, newPair) })
	t.Run("StopEndsDelivery", func(t *testing.T) { testStop(t, newPair) })
}

// Collector is a thread-safe Handler sink.
type Collector struct {
	mu     sync.Mutex
	events []medium.Event
}

func (c *Collector) Handle(ev medium.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *Collector) Events() []medium.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]medium.Event(nil), c.events...)
}

// Has reports whether ev was observed.
func (c *Collector) Has(ev medium.Event) bool {
	for _, got := range c.Events() {
		if got == ev {
			return true
		}
	}
	return false
}

func testSetThenScan(t *testing.T, newPair Pair) {
	a, b, ns := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Available(ctx))
	require.NoError(t, a.Set(ctx, ns+"k1", "v1"))
	require.NoError(t, a.Set(ctx, ns+"k2", "v2"))
	require.NoError(t, a.Set(ctx, ns+"k1", "v1b"))

	got, err := b.Scan(ctx, ns)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ns + "k1": "v1b", ns + "k2": "v2"}, got)
}

func testWatch(t *testing.T, newPair Pair) {
	a, b, ns := newPair(t)
	ctx := context.Background()

	var c Collector
	stop, err := b.Watch(ctx, ns, c.Handle)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Set(ctx, ns+"row", `{"n":1}`))
	want := medium.Event{Key: ns + "row", Value: `{"n":1}`}
	assert.Eventually(t, func() bool { return c.Has(want) }, waitFor, 10*time.Millisecond)
}

func testDelete(t *testing.T, newPair Pair) {
	a, b, ns := newPair(t)
	ctx := context.Background()

	require.NoError(t, a.Set(ctx, ns+"gone", "x"))

	var c Collector
	stop, err := b.Watch(ctx, ns, c.Handle)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Delete(ctx, ns+"gone"))
	require.NoError(t, a.Delete(ctx, ns+"never-existed"))

	assert.Eventually(t, func() bool {
		return c.Has(medium.Event{Key: ns + "gone", Deleted: true})
	}, waitFor, 10*time.Millisecond)

	got, err := b.Scan(ctx, ns)
	require.NoError(t, err)
	assert.NotContains(t, got, ns+"gone")
}

func testPrefix(t *testing.T, newPair Pair) {
	a, b, ns := newPair(t)
	ctx := context.Background()

	var c Collector
	stop, err := b.Watch(ctx, ns+"in", c.Handle)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, a.Set(ctx, ns+"out-1", "x"))
	require.NoError(t, a.Set(ctx, ns+"in-1", "y"))
	assert.Eventually(t, func() bool {
		return c.Has(medium.Event{Key: ns + "in-1", Value: "y"})
	}, waitFor, 10*time.Millisecond)

	for _, ev := range c.Events() {
		assert.NotEqual(t, ns+"out-1", ev.Key)
	}

	got, err := b.Scan(ctx, ns+"in")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{ns + "in-1": "y"}, got)
}

func testStop(t *testing.T, newPair Pair) {
	a, b, ns := newPair(t)
	ctx := context.Background()

	var c Collector
	stop, err := b.Watch(ctx, ns, c.Handle)
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, ns+"before", "1"))
	assert.Eventually(t, func() bool {
		return c.Has(medium.Event{Key: ns + "before", Value: "1"})
	}, waitFor, 10*time.Millisecond)

	stop()
	stop()
	require.NoError(t, a.Set(ctx, ns+"after", "2"))
	time.Sleep(200 * time.Millisecond)
	assert.False(t, c.Has(medium.Event{Key: ns + "after", Value: "2"}))
}

// Namespace returns a per-test key prefix.
func Namespace() string {
	return fmt.Sprintf("lctest-%d-", time.Now().UnixNano())
}
