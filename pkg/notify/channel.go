// Package notify broadcasts locally-originated mutation and watch status
// transitions to sibling instances and forwards theirs to the sync engine.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"leasecast/pkg/clock"
	"leasecast/pkg/medium"
	"leasecast/pkg/metrics"
	"leasecast/pkg/models"
	tracing "leasecast/pkg/observability"
	"leasecast/pkg/queue"
	"leasecast/pkg/syncengine"
)

var (
	// ErrMediumUnavailable is returned by Start when the medium is missing
	// or cannot be reached. The channel stays unusable.
	ErrMediumUnavailable = errors.New("notification medium unavailable")

	ErrNotStarted     = errors.New("notification channel not started")
	ErrAlreadyStarted = errors.New("notification channel already started")
)

// Channel is the cross-instance notification contract. Delivery to other
// live instances is at-least-once; each call returns once the local state
// is updated and published.
type Channel interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error

	AddMutation(ctx context.Context, batchID models.BatchID) error
	AcknowledgeMutation(ctx context.Context, batchID models.BatchID) error
	RejectMutation(ctx context.Context, batchID models.BatchID, cause error) error

	AddQuery(ctx context.Context, targetID models.TargetID) error
	// RemoveQuery is not forwarded to siblings' sync engines.
	RemoveQuery(ctx context.Context, targetID models.TargetID) error
	RejectQuery(ctx context.Context, targetID models.TargetID, cause error) error
	UpdateQuery(ctx context.Context, targetIDs []models.TargetID) error

	SetVisibility(ctx context.Context, state models.VisibilityState) error
	SetPrimaryState(primary bool)
	KnownInstances() []models.InstanceRow
}

// Config identifies the channel's partition and sets its timings.
type Config struct {
	Prefix         string
	Separator      string
	PersistenceKey string
	UserID         string
	InstanceID     string
	// HeartbeatInterval is how often the instance row is republished.
	HeartbeatInterval time.Duration
	// StaleTolerance is added to HeartbeatInterval to form the age after
	// which a sibling's row is ignored.
	StaleTolerance time.Duration
}

// DefaultConfig uses the "lc" prefix, "_" separator and 4s+1s timings.
func DefaultConfig(persistenceKey, userID, instanceID string) Config {
	return Config{
		Prefix:            "lc",
		Separator:         "_",
		PersistenceKey:    persistenceKey,
		UserID:            userID,
		InstanceID:        instanceID,
		HeartbeatInterval: 4000 * time.Millisecond,
		StaleTolerance:    1000 * time.Millisecond,
	}
}

func (c Config) StaleAfter() time.Duration {
	return c.HeartbeatInterval + c.StaleTolerance
}

type batchMark struct {
	status models.MutationStatus
	at     time.Time
}

type watchMark struct {
	status  models.WatchStatus
	updated time.Time
}

// BroadcastChannel implements Channel over a medium.Medium. Every
// operation and every observed change runs on the shared queue.
type BroadcastChannel struct {
	cfg    Config
	keys   keyspace
	medium medium.Medium
	queue  *queue.Queue
	sink   syncengine.Sink
	clock  clock.Clock
	log    *zap.Logger

	mu         sync.Mutex
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	stopWatch  func()
	stopTick   func()
	primary    bool
	visibility models.VisibilityState
	pending    map[models.BatchID]struct{}
	active     map[models.TargetID]struct{}
	known      map[string]models.InstanceRow
	lastBatch  map[models.BatchID]batchMark
	lastWatch  map[models.TargetID]watchMark
}

var _ Channel = (*BroadcastChannel)(nil)

// NewBroadcastChannel validates the key components up front. m may be nil;
// Start then fails with ErrMediumUnavailable.
func NewBroadcastChannel(cfg Config, m medium.Medium, q *queue.Queue, sink syncengine.Sink, clk clock.Clock, log *zap.Logger) (*BroadcastChannel, error) {
	cfg.UserID = models.NormalizeUserID(cfg.UserID)
	keys, err := newKeyspace(cfg.Prefix, cfg.Separator, cfg.PersistenceKey, cfg.UserID)
	if err != nil {
		return nil, err
	}
	if err := keys.checkComponent("instance id", cfg.InstanceID); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("notify: heartbeat interval must be positive")
	}
	return &BroadcastChannel{
		cfg:        cfg,
		keys:       keys,
		medium:     m,
		queue:      q,
		sink:       sink,
		clock:      clk,
		log:        log.With(zap.String("instance_id", cfg.InstanceID)),
		visibility: models.VisibilityUnknown,
		pending:    make(map[models.BatchID]struct{}),
		active:     make(map[models.TargetID]struct{}),
		known:      make(map[string]models.InstanceRow),
		lastBatch:  make(map[models.BatchID]batchMark),
		lastWatch:  make(map[models.TargetID]watchMark),
	}, nil
}

// Start subscribes to the partition, seeds state from the rows already on
// the medium, publishes this instance's row and schedules the refresh.
// Changes observed while seeding are queued behind Start and dispatched
// afterwards.
func (c *BroadcastChannel) Start(ctx context.Context) error {
	if c.medium == nil {
		return fmt.Errorf("%w: no medium configured", ErrMediumUnavailable)
	}
	if err := c.medium.Available(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrMediumUnavailable, err)
	}

	return c.queue.Run(ctx, "notify.start", func(ctx context.Context) error {
		c.mu.Lock()
		if c.started {
			c.mu.Unlock()
			return ErrAlreadyStarted
		}
		runCtx, cancel := context.WithCancel(context.Background())
		c.ctx, c.cancel = runCtx, cancel
		c.mu.Unlock()

		abort := func() {
			cancel()
			c.mu.Lock()
			c.ctx, c.cancel = nil, nil
			c.mu.Unlock()
		}

		stopWatch, err := c.medium.Watch(runCtx, c.keys.root(), c.onEvent)
		if err != nil {
			abort()
			return fmt.Errorf("%w: watch: %v", ErrMediumUnavailable, err)
		}
		existing, err := c.medium.Scan(ctx, c.keys.root())
		if err != nil {
			stopWatch()
			abort()
			return fmt.Errorf("%w: initial scan: %v", ErrMediumUnavailable, err)
		}

		c.mu.Lock()
		c.started = true
		c.stopWatch = stopWatch
		c.mu.Unlock()

		// Sorted keys put mutation and target rows ahead of instance rows,
		// so a terminal status is seen before a replayed pending one.
		keys := make([]string, 0, len(existing))
		for key := range existing {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			c.dispatch(ctx, medium.Event{Key: key, Value: existing[key]}, true)
		}

		if err := c.publishInstance(ctx); err != nil {
			c.log.Warn("failed to publish initial instance row", zap.Error(err))
		}

		stopTick := c.queue.SchedulePeriodically("notify.refresh", c.cfg.HeartbeatInterval, c.refresh)
		c.mu.Lock()
		c.stopTick = stopTick
		c.mu.Unlock()

		c.log.Info("notification channel started",
			zap.String("persistence_key", c.cfg.PersistenceKey),
			zap.Int("known_instances", len(c.KnownInstances())))
		return nil
	})
}

// Shutdown stops watching and refreshing and removes this instance's row
// so siblings forget it without waiting for staleness.
func (c *BroadcastChannel) Shutdown(ctx context.Context) error {
	return c.queue.Run(ctx, "notify.shutdown", func(ctx context.Context) error {
		c.mu.Lock()
		if !c.started {
			c.mu.Unlock()
			return ErrNotStarted
		}
		c.started = false
		stopWatch, stopTick, cancel := c.stopWatch, c.stopTick, c.cancel
		c.stopWatch, c.stopTick, c.cancel = nil, nil, nil
		c.mu.Unlock()

		stopTick()
		stopWatch()
		cancel()

		if err := c.medium.Delete(ctx, c.keys.instanceKey(c.cfg.InstanceID)); err != nil {
			return fmt.Errorf("remove instance row: %w", err)
		}
		c.log.Info("notification channel shut down")
		return nil
	})
}

func (c *BroadcastChannel) AddMutation(ctx context.Context, batchID models.BatchID) error {
	return c.run(ctx, "notify.add_mutation", func(ctx context.Context) error {
		c.mu.Lock()
		c.pending[batchID] = struct{}{}
		c.mu.Unlock()
		return c.publishBatch(ctx, batchID, models.MutationPending, nil)
	})
}

func (c *BroadcastChannel) AcknowledgeMutation(ctx context.Context, batchID models.BatchID) error {
	return c.run(ctx, "notify.acknowledge_mutation", func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.pending, batchID)
		c.mu.Unlock()
		return c.publishBatch(ctx, batchID, models.MutationAcknowledged, nil)
	})
}

func (c *BroadcastChannel) RejectMutation(ctx context.Context, batchID models.BatchID, cause error) error {
	return c.run(ctx, "notify.reject_mutation", func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.pending, batchID)
		c.mu.Unlock()
		return c.publishBatch(ctx, batchID, models.MutationRejected, rejection(cause))
	})
}

func (c *BroadcastChannel) AddQuery(ctx context.Context, targetID models.TargetID) error {
	return c.run(ctx, "notify.add_query", func(ctx context.Context) error {
		c.mu.Lock()
		c.active[targetID] = struct{}{}
		c.mu.Unlock()
		return errors.Join(
			c.publishTarget(ctx, targetID, models.WatchPending, nil),
			c.publishInstance(ctx),
		)
	})
}

// RemoveQuery drops the target's row from the medium. Siblings only clear
// their record of the target; the removal is not forwarded to their sync
// engines.
func (c *BroadcastChannel) RemoveQuery(ctx context.Context, targetID models.TargetID) error {
	return c.run(ctx, "notify.remove_query", func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.active, targetID)
		c.mu.Unlock()

		var errs []error
		if err := c.medium.Delete(ctx, c.keys.targetKey(targetID)); err != nil {
			errs = append(errs, fmt.Errorf("remove target %d: %w", targetID, err))
		}
		return errors.Join(append(errs, c.publishInstance(ctx))...)
	})
}

func (c *BroadcastChannel) RejectQuery(ctx context.Context, targetID models.TargetID, cause error) error {
	return c.run(ctx, "notify.reject_query", func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.active, targetID)
		c.mu.Unlock()
		return errors.Join(
			c.publishTarget(ctx, targetID, models.WatchRejected, rejection(cause)),
			c.publishInstance(ctx),
		)
	})
}

// UpdateQuery announces new consistent results for each target.
func (c *BroadcastChannel) UpdateQuery(ctx context.Context, targetIDs []models.TargetID) error {
	return c.run(ctx, "notify.update_query", func(ctx context.Context) error {
		var errs []error
		for _, id := range targetIDs {
			errs = append(errs, c.publishTarget(ctx, id, models.WatchCurrent, nil))
		}
		return errors.Join(errs...)
	})
}

// SetVisibility republishes the instance row with the new state.
func (c *BroadcastChannel) SetVisibility(ctx context.Context, state models.VisibilityState) error {
	return c.run(ctx, "notify.set_visibility", func(ctx context.Context) error {
		c.mu.Lock()
		c.visibility = state
		c.mu.Unlock()
		return c.publishInstance(ctx)
	})
}

// SetPrimaryState does not touch the queue; the elector calls it from its
// own queued task.
func (c *BroadcastChannel) SetPrimaryState(primary bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = primary
}

// KnownInstances returns the non-stale sibling rows, ordered by instance id.
func (c *BroadcastChannel) KnownInstances() []models.InstanceRow {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	rows := make([]models.InstanceRow, 0, len(c.known))
	for _, row := range c.known {
		if row.IsStale(now, c.cfg.StaleAfter()) {
			continue
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].InstanceID < rows[j].InstanceID })
	return rows
}

// Started reports whether the channel is running.
func (c *BroadcastChannel) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *BroadcastChannel) run(ctx context.Context, name string, fn queue.Task) error {
	return c.queue.Run(ctx, name, func(ctx context.Context) error {
		if !c.Started() {
			return ErrNotStarted
		}
		return fn(ctx)
	})
}

// refresh republishes this instance's row and forgets stale siblings.
func (c *BroadcastChannel) refresh(ctx context.Context) error {
	if !c.Started() {
		return nil
	}
	now := c.clock.Now()
	window := c.cfg.StaleAfter()

	c.mu.Lock()
	for id, row := range c.known {
		if row.IsStale(now, window) {
			delete(c.known, id)
			c.log.Debug("forgetting stale instance", zap.String("sibling", id))
		}
	}
	// Terminal marks only guard against replays from rows that are still
	// fresh; older ones can go.
	for id, mark := range c.lastBatch {
		if mark.status.IsTerminal() && now.Sub(mark.at) > 2*window {
			delete(c.lastBatch, id)
		}
	}
	metrics.KnownInstances.Set(float64(len(c.known)))
	c.mu.Unlock()

	return c.publishInstance(ctx)
}

// publishBatch writes the mutation row, then the instance row whose
// pending set already reflects the transition.
func (c *BroadcastChannel) publishBatch(ctx context.Context, id models.BatchID, status models.MutationStatus, cause *models.StatusError) error {
	value, err := encodeMutation(c.cfg.InstanceID, models.MutationStatusEvent{
		BatchID:    id,
		Status:     status,
		Error:      cause,
		UpdateTime: c.clock.Now(),
	})
	if err != nil {
		return err
	}
	return errors.Join(
		c.publish(ctx, KindMutation, c.keys.mutationKey(id), value),
		c.publishInstance(ctx),
	)
}

func (c *BroadcastChannel) publishTarget(ctx context.Context, id models.TargetID, status models.WatchStatus, cause *models.StatusError) error {
	value, err := encodeTarget(c.cfg.InstanceID, models.WatchStatusEvent{
		TargetID:   id,
		Status:     status,
		Error:      cause,
		UpdateTime: c.clock.Now(),
	})
	if err != nil {
		return err
	}
	return c.publish(ctx, KindTarget, c.keys.targetKey(id), value)
}

func (c *BroadcastChannel) publishInstance(ctx context.Context) error {
	value, err := encodeInstance(c.cfg.InstanceID, c.instanceRow())
	if err != nil {
		return err
	}
	return c.publish(ctx, KindInstance, c.keys.instanceKey(c.cfg.InstanceID), value)
}

func (c *BroadcastChannel) instanceRow() models.InstanceRow {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := models.InstanceRow{
		InstanceID:     c.cfg.InstanceID,
		OwnerUserID:    c.cfg.UserID,
		Visibility:     c.visibility,
		PendingBatches: make([]models.BatchID, 0, len(c.pending)),
		ActiveTargets:  make([]models.TargetID, 0, len(c.active)),
		UpdateTime:     c.clock.Now(),
	}
	for id := range c.pending {
		row.PendingBatches = append(row.PendingBatches, id)
	}
	for id := range c.active {
		row.ActiveTargets = append(row.ActiveTargets, id)
	}
	sort.Slice(row.PendingBatches, func(i, j int) bool { return row.PendingBatches[i] < row.PendingBatches[j] })
	sort.Slice(row.ActiveTargets, func(i, j int) bool { return row.ActiveTargets[i] < row.ActiveTargets[j] })
	return row
}

func (c *BroadcastChannel) publish(ctx context.Context, kind Kind, key, value string) error {
	ctx, span := tracing.StartSpan(ctx, "notify.publish",
		attribute.String("kind", string(kind)),
		attribute.String("key", key))
	err := c.medium.Set(ctx, key, value)
	tracing.End(span, err)

	if err != nil {
		metrics.NotificationsPublished.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("publish %s: %w", key, err)
	}
	metrics.NotificationsPublished.WithLabelValues(string(kind), "ok").Inc()
	return nil
}

// onEvent is the medium handler. It must not block, so dispatch is queued.
func (c *BroadcastChannel) onEvent(ev medium.Event) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	c.queue.Enqueue(ctx, "notify.dispatch", func(ctx context.Context) error {
		c.dispatch(ctx, ev, false)
		return nil
	})
}

// dispatch must run on the queue. While seeding, mutation and target rows
// older than the staleness window are history and are skipped.
func (c *BroadcastChannel) dispatch(ctx context.Context, ev medium.Event, seeding bool) {
	key, ok := c.keys.parse(ev.Key)
	if !ok {
		metrics.NotificationsReceived.WithLabelValues("unknown", "ignored").Inc()
		return
	}
	if ev.Deleted {
		c.forget(key)
		return
	}

	msg, err := decode(ev.Value)
	if err != nil {
		metrics.NotificationsReceived.WithLabelValues(string(key.kind), "malformed").Inc()
		c.log.Debug("ignoring undecodable record", zap.String("key", ev.Key), zap.Error(err))
		return
	}
	if msg.Kind != key.kind {
		metrics.NotificationsReceived.WithLabelValues(string(key.kind), "ignored").Inc()
		c.log.Debug("ignoring record of mismatched kind", zap.String("key", ev.Key), zap.String("kind", string(msg.Kind)))
		return
	}
	if msg.Origin == c.cfg.InstanceID {
		metrics.NotificationsReceived.WithLabelValues(string(msg.Kind), "echo").Inc()
		return
	}
	if seeding && msg.Kind != KindInstance &&
		c.clock.Now().Sub(time.UnixMilli(msg.UpdateTime)) > c.cfg.StaleAfter() {
		metrics.NotificationsReceived.WithLabelValues(string(msg.Kind), "stale").Inc()
		return
	}

	switch msg.Kind {
	case KindInstance:
		c.onInstance(ctx, key, *msg.instance)
	case KindMutation:
		c.onMutation(ctx, key, *msg.mutation)
	case KindTarget:
		c.onTarget(ctx, key, *msg.target)
	}
}

func (c *BroadcastChannel) forget(key parsedKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch key.kind {
	case KindInstance:
		delete(c.known, key.instanceID)
		metrics.KnownInstances.Set(float64(len(c.known)))
	case KindTarget:
		delete(c.lastWatch, key.targetID)
	}
	metrics.NotificationsReceived.WithLabelValues(string(key.kind), "removed").Inc()
}

func (c *BroadcastChannel) onInstance(ctx context.Context, key parsedKey, row models.InstanceRow) {
	if row.InstanceID != key.instanceID {
		metrics.NotificationsReceived.WithLabelValues(string(KindInstance), "ignored").Inc()
		return
	}
	if row.IsStale(c.clock.Now(), c.cfg.StaleAfter()) {
		metrics.NotificationsReceived.WithLabelValues(string(KindInstance), "stale").Inc()
		c.mu.Lock()
		delete(c.known, row.InstanceID)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	prev, hadPrev := c.known[row.InstanceID]
	c.known[row.InstanceID] = row
	metrics.KnownInstances.Set(float64(len(c.known)))
	c.mu.Unlock()
	metrics.NotificationsReceived.WithLabelValues(string(KindInstance), "dispatched").Inc()

	for _, id := range row.PendingBatches {
		c.deliverBatch(ctx, id, models.MutationPending, nil, row.UpdateTime)
	}
	if hadPrev {
		c.reconcileFinished(ctx, prev.PendingBatches, row.PendingBatches)
	}
	for _, id := range row.ActiveTargets {
		c.mu.Lock()
		_, seen := c.lastWatch[id]
		c.mu.Unlock()
		if !seen {
			c.deliverWatch(ctx, id, models.WatchPending, nil, row.UpdateTime)
		}
	}
}

// reconcileFinished rereads the mutation row of every batch that left a
// sibling's pending set while its last delivered status is still pending.
// That happens when the terminal change was not observed.
func (c *BroadcastChannel) reconcileFinished(ctx context.Context, before, after []models.BatchID) {
	still := make(map[models.BatchID]struct{}, len(after))
	for _, id := range after {
		still[id] = struct{}{}
	}
	for _, id := range before {
		if _, ok := still[id]; ok {
			continue
		}
		c.mu.Lock()
		last, seen := c.lastBatch[id]
		c.mu.Unlock()
		if !seen || last.status != models.MutationPending {
			continue
		}

		key := c.keys.mutationKey(id)
		rows, err := c.medium.Scan(ctx, key)
		if err != nil {
			c.log.Warn("failed to reread finished batch", zap.Int64("batch_id", int64(id)), zap.Error(err))
			continue
		}
		if value, ok := rows[key]; ok {
			metrics.NotificationsReceived.WithLabelValues(string(KindMutation), "reconciled").Inc()
			c.dispatch(ctx, medium.Event{Key: key, Value: value}, false)
		}
	}
}

func (c *BroadcastChannel) onMutation(ctx context.Context, key parsedKey, ev models.MutationStatusEvent) {
	if ev.BatchID != key.batchID || c.isPrimary() {
		metrics.NotificationsReceived.WithLabelValues(string(KindMutation), "ignored").Inc()
		return
	}
	c.deliverBatch(ctx, ev.BatchID, ev.Status, ev.Error, ev.UpdateTime)
}

func (c *BroadcastChannel) onTarget(ctx context.Context, key parsedKey, ev models.WatchStatusEvent) {
	if ev.TargetID != key.targetID || c.isPrimary() {
		metrics.NotificationsReceived.WithLabelValues(string(KindTarget), "ignored").Inc()
		return
	}
	c.deliverWatch(ctx, ev.TargetID, ev.Status, ev.Error, ev.UpdateTime)
}

// deliverBatch forwards a status unless it repeats the last one delivered,
// or would move a finished batch back to pending.
func (c *BroadcastChannel) deliverBatch(ctx context.Context, id models.BatchID, status models.MutationStatus, cause *models.StatusError, at time.Time) {
	c.mu.Lock()
	last, seen := c.lastBatch[id]
	if seen && (last.status == status || (status == models.MutationPending && last.status.IsTerminal())) {
		c.mu.Unlock()
		metrics.NotificationsReceived.WithLabelValues(string(KindMutation), "duplicate").Inc()
		return
	}
	c.lastBatch[id] = batchMark{status: status, at: c.clock.Now()}
	c.mu.Unlock()

	metrics.NotificationsReceived.WithLabelValues(string(KindMutation), "dispatched").Inc()
	if err := c.sink.UpdateBatch(ctx, id, status, cause); err != nil {
		c.log.Warn("sync engine rejected batch update", zap.Int64("batch_id", int64(id)), zap.Error(err))
	}
}

// deliverWatch forwards a status unless the same record was already
// delivered. Repeated CURRENT with a newer update time is a new result set.
func (c *BroadcastChannel) deliverWatch(ctx context.Context, id models.TargetID, status models.WatchStatus, cause *models.StatusError, at time.Time) {
	c.mu.Lock()
	last, seen := c.lastWatch[id]
	if seen && last.status == status && !at.After(last.updated) {
		c.mu.Unlock()
		metrics.NotificationsReceived.WithLabelValues(string(KindTarget), "duplicate").Inc()
		return
	}
	c.lastWatch[id] = watchMark{status: status, updated: at}
	c.mu.Unlock()

	metrics.NotificationsReceived.WithLabelValues(string(KindTarget), "dispatched").Inc()
	if err := c.sink.UpdateWatch(ctx, id, status, cause); err != nil {
		c.log.Warn("sync engine rejected watch update", zap.Int64("target_id", int64(id)), zap.Error(err))
	}
}

func (c *BroadcastChannel) isPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

func rejection(cause error) *models.StatusError {
	if cause == nil {
		return &models.StatusError{Code: "unknown", Message: "rejected"}
	}
	return models.AsStatusError(cause)
}
