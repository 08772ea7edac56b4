package election

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasecast/pkg/models"
	"leasecast/pkg/storage/sqlite"
)

// Each instance opens its own handle on one database file, the way separate
// processes on a host share a partition.
func TestElector_SinglePrimaryAcrossSQLiteHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partition.db")
	const n = 4

	var (
		instances []*instance
		h         *harness
	)
	for i := 0; i < n; i++ {
		store, err := sqlite.Open(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })

		if h == nil {
			h = newHarness(store)
		}
		// Every handle shares the harness clock.
		per := &harness{store: store, clock: h.clock}
		instances = append(instances, per.newInstance(t, fmt.Sprintf("proc-%d", i), models.VisibilityForeground))
	}

	var wg sync.WaitGroup
	for _, inst := range instances {
		wg.Add(1)
		go func(inst *instance) {
			defer wg.Done()
			assert.NoError(t, inst.Start(context.Background(), "alice"))
		}(inst)
	}
	wg.Wait()

	var primaries []string
	for _, inst := range instances {
		if inst.IsPrimary() {
			primaries = append(primaries, inst.InstanceID())
		}
	}
	require.Len(t, primaries, 1)

	lease := h.lease(t)
	require.NotNil(t, lease)
	assert.Equal(t, primaries[0], lease.OwnerInstanceID)
}
