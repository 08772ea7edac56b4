package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"leasecast/pkg/clock"
	"leasecast/pkg/models"
	"leasecast/pkg/queue"
	"leasecast/pkg/registry"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
	"leasecast/pkg/storage/memory"
	"leasecast/pkg/syncengine/syncenginetest"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store storage.Store
	clock *clock.Manual
}

func newHarness(store storage.Store) *harness {
	return &harness{store: store, clock: clock.NewManual(epoch)}
}

type instance struct {
	*Elector
	sink *syncenginetest.Recorder
}

func (h *harness) newInstance(t *testing.T, id string, vis models.VisibilityState) *instance {
	t.Helper()
	return h.newInstanceWithConfig(t, id, vis, DefaultConfig())
}

func (h *harness) newInstanceWithConfig(t *testing.T, id string, vis models.VisibilityState, cfg Config) *instance {
	t.Helper()
	q := queue.New(zap.NewNop())
	sink := &syncenginetest.Recorder{}
	e, err := New(id, cfg, q, h.store, sink, h.clock, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		e.Stop()
		q.Close()
	})
	require.NoError(t, e.SetVisibility(context.Background(), vis))
	return &instance{Elector: e, sink: sink}
}

// register writes an instance record as if a sibling had started earlier.
func (h *harness) register(t *testing.T, id string, vis models.VisibilityState) {
	t.Helper()
	reg := registry.New("alice", id, h.clock, DefaultConfig().StaleAfter())
	require.NoError(t, h.store.RunTransaction(context.Background(), "seed", func(ctx context.Context, tx storage.Tx) error {
		return reg.SetVisibility(ctx, tx, vis)
	}))
}

func (h *harness) lease(t *testing.T) *models.OwnerLease {
	t.Helper()
	var lease *models.OwnerLease
	require.NoError(t, h.store.RunTransaction(context.Background(), "read lease", func(ctx context.Context, tx storage.Tx) error {
		var err error
		lease, err = tx.Owner().Get(ctx)
		return err
	}))
	return lease
}

type flakyStore struct {
	storage.Store
	fail atomic.Bool
}

func (s *flakyStore) RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	if s.fail.Load() {
		return fmt.Errorf("%w: injected failure", storage.ErrTransient)
	}
	return s.Store.RunTransaction(ctx, label, fn)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.LeaseDuration = cfg.HeartbeatInterval
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.HeartbeatInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.StaleTolerance = -time.Second
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Breaker.Timeout = cfg.HeartbeatInterval
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	assert.Equal(t, 5*time.Second, DefaultConfig().StaleAfter())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseDuration = time.Second
	_, err := New("tab-a", cfg, nil, memory.NewStore(), &syncenginetest.Recorder{}, clock.Real{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New("", DefaultConfig(), nil, memory.NewStore(), &syncenginetest.Recorder{}, clock.Real{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestElector_TryBeforeStart(t *testing.T) {
	h := newHarness(memory.NewStore())
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)

	primary, err := a.TryBecomePrimary(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, primary)
	assert.NoError(t, a.Resign(context.Background()), "resign before start is a no-op")
}

func TestElector_SoleForegroundBecomesPrimary(t *testing.T) {
	h := newHarness(memory.NewStore())
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)

	require.NoError(t, a.Start(context.Background(), "alice"))

	assert.True(t, a.IsPrimary())
	assert.Equal(t, SelfIsPrimary, a.State())
	assert.Equal(t, []bool{true}, a.sink.PrimaryStates())
	assert.Equal(t, "alice", a.UserID())

	lease := h.lease(t)
	require.NotNil(t, lease)
	assert.Equal(t, "tab-a", lease.OwnerInstanceID)
	assert.Equal(t, epoch.Add(5*time.Second), lease.LeaseExpiry)
	assert.Equal(t, lease.LeaseExpiry, a.LeaseExpiry())
}

func TestElector_SoleBackgroundClaimsWhenNoForeground(t *testing.T) {
	h := newHarness(memory.NewStore())
	b := h.newInstance(t, "tab-b", models.VisibilityBackground)

	require.NoError(t, b.Start(context.Background(), "alice"))
	assert.True(t, b.IsPrimary())
}

func TestElector_ForegroundPreference(t *testing.T) {
	for _, order := range []string{"background-first", "foreground-first"} {
		t.Run(order, func(t *testing.T) {
			h := newHarness(memory.NewStore())
			// Both siblings are known to the registry before either contends.
			h.register(t, "tab-a", models.VisibilityForeground)
			h.register(t, "tab-b", models.VisibilityBackground)

			a := h.newInstance(t, "tab-a", models.VisibilityForeground)
			b := h.newInstance(t, "tab-b", models.VisibilityBackground)
			ctx := context.Background()

			if order == "background-first" {
				require.NoError(t, b.Start(ctx, "alice"))
				assert.Equal(t, NoLease, b.State(), "background defers to live foreground")
				require.NoError(t, a.Start(ctx, "alice"))
			} else {
				require.NoError(t, a.Start(ctx, "alice"))
				require.NoError(t, b.Start(ctx, "alice"))
				assert.Equal(t, OtherIsPrimary, b.State())
			}

			assert.True(t, a.IsPrimary())
			assert.False(t, b.IsPrimary())
			assert.NotContains(t, b.sink.PrimaryStates(), true)
			assert.Equal(t, "tab-a", h.lease(t).OwnerInstanceID)
		})
	}
}

func TestElector_StaleForegroundDoesNotBlockBackground(t *testing.T) {
	h := newHarness(memory.NewStore())
	h.register(t, "crashed", models.VisibilityForeground)
	h.clock.Advance(6 * time.Second)

	b := h.newInstance(t, "tab-b", models.VisibilityBackground)
	require.NoError(t, b.Start(context.Background(), "alice"))
	assert.True(t, b.IsPrimary())
}

func TestElector_SinglePrimaryUnderConcurrentStart(t *testing.T) {
	const n = 8
	h := newHarness(memory.NewStore())

	instances := make([]*instance, n)
	for i := range instances {
		vis := models.VisibilityForeground
		if i%2 == 1 {
			vis = models.VisibilityBackground
		}
		instances[i] = h.newInstance(t, fmt.Sprintf("tab-%d", i), vis)
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
	assert.Equal(t, primaries[0], h.lease(t).OwnerInstanceID)
}

func TestElector_AtMostOneValidPrimaryOverTime(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()

	instances := []*instance{
		h.newInstance(t, "tab-0", models.VisibilityForeground),
		h.newInstance(t, "tab-1", models.VisibilityBackground),
		h.newInstance(t, "tab-2", models.VisibilityForeground),
	}
	for _, inst := range instances {
		require.NoError(t, inst.Start(ctx, "alice"))
	}

	crashed := map[int]bool{}
	for round := 0; round < 30; round++ {
		// Take down whoever is primary every tenth round.
		if round%10 == 9 {
			for i, inst := range instances {
				if inst.IsPrimary() && !crashed[i] {
					crashed[i] = true
					inst.Stop()
				}
			}
		}
		h.clock.Advance(time.Second + 300*time.Millisecond)
		for i, inst := range instances {
			if crashed[i] || (round+i)%3 == 0 {
				continue
			}
			_ = inst.Tick(ctx)

			now := h.clock.Now()
			var believers int
			for _, other := range instances {
				if other.IsPrimary() && other.LeaseExpiry().After(now) {
					believers++
				}
			}
			require.LessOrEqual(t, believers, 1, "round %d", round)
		}
	}
}

func TestElector_RenewalKeepsLease(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)
	b := h.newInstance(t, "tab-b", models.VisibilityForeground)

	require.NoError(t, a.Start(ctx, "alice"))
	require.NoError(t, b.Start(ctx, "alice"))

	for i := 0; i < 10; i++ {
		h.clock.Advance(4 * time.Second)
		require.NoError(t, a.Tick(ctx))
		require.NoError(t, b.Tick(ctx))
		assert.True(t, a.IsPrimary())
		assert.False(t, b.IsPrimary())
		assert.Equal(t, h.clock.Now().Add(5*time.Second), h.lease(t).LeaseExpiry)
	}
}

func TestElector_FailoverWithinLeasePlusHeartbeat(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)
	b := h.newInstance(t, "tab-b", models.VisibilityForeground)

	require.NoError(t, a.Start(ctx, "alice"))
	require.NoError(t, b.Start(ctx, "alice"))
	require.True(t, a.IsPrimary())

	// a dies right after its last renewal.
	a.Stop()
	died := h.clock.Now()

	var tookOver time.Time
	for i := 0; i < 5 && tookOver.IsZero(); i++ {
		h.clock.Advance(4 * time.Second)
		require.NoError(t, b.Tick(ctx))
		if b.IsPrimary() {
			tookOver = h.clock.Now()
		}
	}
	require.False(t, tookOver.IsZero(), "b never took over")
	assert.LessOrEqual(t, tookOver.Sub(died), 9*time.Second)
	assert.Equal(t, []bool{false, false, true}, b.sink.PrimaryStates())

	// The old primary notices on its next attempt.
	primary, err := a.TryBecomePrimary(ctx)
	require.NoError(t, err)
	assert.False(t, primary)
	assert.Equal(t, OtherIsPrimary, a.State())
	assert.False(t, a.sink.LastPrimary())
}

func TestElector_FailedRenewalStepsDownAfterExpiry(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	h := newHarness(store)
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)
	require.NoError(t, a.Start(ctx, "alice"))
	require.True(t, a.IsPrimary())

	store.fail.Store(true)

	h.clock.Advance(4 * time.Second)
	err := a.Tick(ctx)
	require.ErrorIs(t, err, storage.ErrTransient)
	assert.True(t, a.IsPrimary(), "lease still valid, keep primacy")

	h.clock.Advance(time.Second)
	require.ErrorIs(t, a.Tick(ctx), storage.ErrTransient)
	assert.False(t, a.IsPrimary())
	assert.Equal(t, NoLease, a.State())
	assert.Equal(t, []bool{true, false}, a.sink.PrimaryStates())

	store.fail.Store(false)
	h.clock.Advance(4 * time.Second)
	require.NoError(t, a.Tick(ctx))
	assert.True(t, a.IsPrimary(), "recovers on the next heartbeat")
}

func TestElector_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	h := newHarness(store)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Breaker.FailureThreshold = 2
	a := h.newInstanceWithConfig(t, "tab-a", models.VisibilityForeground, cfg)
	require.NoError(t, a.Start(ctx, "alice"))

	store.fail.Store(true)
	_, err := a.TryBecomePrimary(ctx)
	require.ErrorIs(t, err, storage.ErrTransient)
	_, err = a.TryBecomePrimary(ctx)
	require.ErrorIs(t, err, storage.ErrTransient)

	_, err = a.TryBecomePrimary(ctx)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, "open", a.Breaker().State)

	store.fail.Store(false)
	h.clock.Advance(cfg.Breaker.Timeout)
	primary, err := a.TryBecomePrimary(ctx)
	require.NoError(t, err)
	assert.True(t, primary)
	assert.Equal(t, "closed", a.Breaker().State)
}

func TestElector_FirstHeartbeatAfterStoreRecoveryReachesStore(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	h := newHarness(store)
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)
	require.NoError(t, a.Start(ctx, "alice"))

	store.fail.Store(true)
	for range 3 {
		h.clock.Advance(4 * time.Second)
		require.Error(t, a.Tick(ctx))
	}
	require.Equal(t, "open", a.Breaker().State)
	require.False(t, a.IsPrimary())

	store.fail.Store(false)
	h.clock.Advance(4 * time.Second)
	require.NoError(t, a.Tick(ctx))
	assert.True(t, a.IsPrimary())
	assert.Equal(t, "closed", a.Breaker().State)
}

func TestNew_DerivesBreakerTimeoutFromHeartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.LeaseDuration = 300 * time.Millisecond
	cfg.Breaker.Timeout = 0
	q := queue.New(zap.NewNop())
	defer q.Close()

	e, err := New("tab-a", cfg, q, memory.NewStore(), &syncenginetest.Recorder{}, clock.Real{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, e.cfg.Breaker.Timeout)
}

func TestElector_ResignLetsSiblingClaim(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)
	b := h.newInstance(t, "tab-b", models.VisibilityForeground)

	require.NoError(t, a.Start(ctx, "alice"))
	require.NoError(t, b.Start(ctx, "alice"))

	require.NoError(t, a.Resign(ctx))
	assert.False(t, a.IsPrimary())
	assert.Nil(t, h.lease(t))
	assert.False(t, a.sink.LastPrimary())

	primary, err := b.TryBecomePrimary(ctx)
	require.NoError(t, err)
	assert.True(t, primary)

	// Resigning a lease held by someone else leaves it alone.
	require.NoError(t, a.Resign(ctx))
	assert.Equal(t, "tab-b", h.lease(t).OwnerInstanceID)
}

func TestElector_VisibilityChangeIsPersisted(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityBackground)
	require.NoError(t, a.Start(ctx, "alice"))

	require.NoError(t, a.SetVisibility(ctx, models.VisibilityForeground))
	assert.Equal(t, models.VisibilityForeground, a.Visibility())

	observer := registry.New("alice", "observer", h.clock, DefaultConfig().StaleAfter())
	var fg []string
	require.NoError(t, h.store.RunTransaction(ctx, "read", func(ctx context.Context, tx storage.Tx) error {
		var err error
		fg, err = observer.GetAllForegroundInstances(ctx, tx)
		return err
	}))
	assert.Equal(t, []string{"tab-a"}, fg)
}

func TestElector_HeartbeatRenewsInRealTime(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping timing test in short mode")
	}
	store := memory.NewStore()
	q := queue.New(zap.NewNop())
	t.Cleanup(q.Close)

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.LeaseDuration = 60 * time.Millisecond
	cfg.Breaker.Timeout = 0
	e, err := New("tab-a", cfg, q, store, &syncenginetest.Recorder{}, clock.Real{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, e.SetVisibility(context.Background(), models.VisibilityForeground))
	require.NoError(t, e.Start(context.Background(), "alice"))

	readLease := func() *models.OwnerLease {
		var lease *models.OwnerLease
		_ = store.RunTransaction(context.Background(), "read", func(ctx context.Context, tx storage.Tx) error {
			var err error
			lease, err = tx.Owner().Get(ctx)
			return err
		})
		return lease
	}

	time.Sleep(200 * time.Millisecond)
	assert.True(t, readLease().HeldBy("tab-a", time.Now()), "heartbeat keeps renewing")

	e.Stop()
	assert.Eventually(t, func() bool {
		return !readLease().ValidAt(time.Now())
	}, time.Second, 10*time.Millisecond, "lease lapses once heartbeats stop")
}

func TestElector_StartTwiceSwitchesUser(t *testing.T) {
	h := newHarness(memory.NewStore())
	ctx := context.Background()
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)

	require.NoError(t, a.Start(ctx, "alice"))
	require.NoError(t, a.Start(ctx, ""))
	assert.Equal(t, models.AnonymousUser, a.UserID())
	assert.True(t, a.IsPrimary())
}

func TestElector_StartReportsStoreFailure(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	store.fail.Store(true)
	h := newHarness(store)
	a := h.newInstance(t, "tab-a", models.VisibilityForeground)

	err := a.Start(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrTransient))
	assert.False(t, a.IsPrimary())
}
