// Package election implements lease-based primary election among the
// instances of one partition.
//
// Every instance runs the same algorithm against the shared store: a valid
// lease held by someone else wins; an absent or expired lease goes to the
// first foreground claimant, or to a background claimant when no live
// foreground instance exists. Races are settled by store atomicity alone.
package election

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"leasecast/pkg/clock"
	"leasecast/pkg/coordination"
	"leasecast/pkg/metrics"
	"leasecast/pkg/models"
	"leasecast/pkg/queue"
	"leasecast/pkg/registry"
	"leasecast/pkg/resilience"
	"leasecast/pkg/storage"
	"leasecast/pkg/syncengine"
)

// State is the elector's view of the lease.
type State = coordination.LeaseState

const (
	NoLease        = coordination.NoLease
	SelfIsPrimary  = coordination.SelfIsPrimary
	OtherIsPrimary = coordination.OtherIsPrimary
)

var (
	// ErrInvalidConfig is returned by New for unusable timings.
	ErrInvalidConfig = errors.New("invalid election config")

	// ErrNotStarted is returned by operations that need a registered user.
	ErrNotStarted = errors.New("elector not started")
)

// Config holds election timings.
type Config struct {
	// HeartbeatInterval is the period of registry refresh and re-election.
	HeartbeatInterval time.Duration
	// LeaseDuration is how long a claim or renewal stays valid. It must
	// exceed HeartbeatInterval so a live primary renews before expiry.
	LeaseDuration time.Duration
	// StaleTolerance is added to HeartbeatInterval to form the window after
	// which a foreground record no longer blocks background claimants.
	StaleTolerance time.Duration
	// Breaker guards store transactions. Its Timeout must be shorter than
	// HeartbeatInterval so the next heartbeat always reaches the store; zero
	// means half the interval.
	Breaker resilience.CircuitBreakerConfig
}

// DefaultConfig returns 4s heartbeats, 5s leases, 1s staleness tolerance
// and a breaker that probes the store again after 2s.
func DefaultConfig() Config {
	cfg := Config{
		HeartbeatInterval: 4000 * time.Millisecond,
		LeaseDuration:     5000 * time.Millisecond,
		StaleTolerance:    1000 * time.Millisecond,
		Breaker:           resilience.DefaultCircuitBreakerConfig(),
	}
	cfg.Breaker.Timeout = cfg.HeartbeatInterval / 2
	return cfg
}

// Validate checks the timing relationships the algorithm relies on.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.LeaseDuration <= c.HeartbeatInterval {
		return fmt.Errorf("%w: lease duration %s must exceed heartbeat interval %s",
			ErrInvalidConfig, c.LeaseDuration, c.HeartbeatInterval)
	}
	if c.StaleTolerance < 0 {
		return fmt.Errorf("%w: stale tolerance must not be negative", ErrInvalidConfig)
	}
	if c.Breaker.Timeout < 0 || c.Breaker.Timeout >= c.HeartbeatInterval {
		return fmt.Errorf("%w: breaker timeout %s must be shorter than heartbeat interval %s",
			ErrInvalidConfig, c.Breaker.Timeout, c.HeartbeatInterval)
	}
	return nil
}

// StaleAfter is the age after which an instance record is ignored.
func (c Config) StaleAfter() time.Duration {
	return c.HeartbeatInterval + c.StaleTolerance
}

// Elector decides whether this instance is primary. All state changes run
// on the shared queue, so accessors only ever observe completed attempts.
type Elector struct {
	instanceID string
	cfg        Config
	queue      *queue.Queue
	store      storage.Store
	sink       syncengine.Sink
	clock      clock.Clock
	breaker    *resilience.CircuitBreaker
	log        *zap.Logger

	mu          sync.Mutex
	registry    *registry.Registry
	visibility  models.VisibilityState
	state       State
	primary     bool
	leaseExpiry time.Time
	cancelTick  func()
}

var _ coordination.Elector = (*Elector)(nil)

// New creates an elector for instanceID. It does nothing until Start.
func New(instanceID string, cfg Config, q *queue.Queue, store storage.Store, sink syncengine.Sink, clk clock.Clock, log *zap.Logger) (*Elector, error) {
	if cfg.Breaker.Timeout == 0 {
		cfg.Breaker.Timeout = cfg.HeartbeatInterval / 2
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if instanceID == "" {
		return nil, fmt.Errorf("%w: empty instance id", ErrInvalidConfig)
	}
	log = log.With(zap.String("instance_id", instanceID))
	return &Elector{
		instanceID: instanceID,
		cfg:        cfg,
		queue:      q,
		store:      store,
		sink:       sink,
		clock:      clk,
		breaker:    resilience.NewCircuitBreaker("store", cfg.Breaker, clk, log),
		log:        log,
		visibility: models.VisibilityUnknown,
		state:      NoLease,
	}, nil
}

// Start registers the instance under userID, persists its visibility, runs
// one election attempt and schedules the heartbeat. Errors from the first
// persist or attempt are returned, but the heartbeat is scheduled anyway
// and retries them.
func (e *Elector) Start(ctx context.Context, userID string) error {
	return e.queue.Run(ctx, "elector.start", func(ctx context.Context) error {
		reg := registry.New(userID, e.instanceID, e.clock, e.cfg.StaleAfter())

		e.mu.Lock()
		e.registry = reg
		vis := e.visibility
		e.mu.Unlock()

		persistErr := e.transact(ctx, "set visibility", func(ctx context.Context, tx storage.Tx) error {
			return reg.SetVisibility(ctx, tx, vis)
		})
		if persistErr != nil {
			e.log.Warn("failed to register instance", zap.Error(persistErr))
		}
		_, electErr := e.tryBecomePrimary(ctx)

		e.mu.Lock()
		if e.cancelTick == nil {
			e.cancelTick = e.queue.SchedulePeriodically("elector.heartbeat", e.cfg.HeartbeatInterval, e.heartbeat)
		}
		e.mu.Unlock()

		e.log.Info("elector started",
			zap.String("user_id", reg.UserID()),
			zap.Stringer("state", e.State()))
		return errors.Join(persistErr, electErr)
	})
}

// SetVisibility records state and, once started, persists it.
func (e *Elector) SetVisibility(ctx context.Context, state models.VisibilityState) error {
	return e.queue.Run(ctx, "elector.set_visibility", func(ctx context.Context) error {
		e.mu.Lock()
		e.visibility = state
		reg := e.registry
		e.mu.Unlock()

		if reg == nil {
			return nil
		}
		return e.transact(ctx, "set visibility", func(ctx context.Context, tx storage.Tx) error {
			return reg.SetVisibility(ctx, tx, state)
		})
	})
}

// TryBecomePrimary runs one election attempt on the queue.
func (e *Elector) TryBecomePrimary(ctx context.Context) (bool, error) {
	var primary bool
	err := e.queue.Run(ctx, "elector.try_become_primary", func(ctx context.Context) error {
		var err error
		primary, err = e.tryBecomePrimary(ctx)
		return err
	})
	return primary, err
}

// Tick runs one heartbeat: refresh the registry record, then re-elect.
func (e *Elector) Tick(ctx context.Context) error {
	return e.queue.Run(ctx, "elector.tick", e.heartbeat)
}

// Resign deletes the lease if this instance still owns it and reports
// non-primary.
func (e *Elector) Resign(ctx context.Context) error {
	return e.queue.Run(ctx, "elector.resign", func(ctx context.Context) error {
		e.mu.Lock()
		started := e.registry != nil
		e.mu.Unlock()
		if !started {
			return nil
		}

		err := e.transact(ctx, "resign", func(ctx context.Context, tx storage.Tx) error {
			lease, err := tx.Owner().Get(ctx)
			if err != nil {
				return err
			}
			if lease == nil || lease.OwnerInstanceID != e.instanceID {
				return nil
			}
			metrics.LeaseClaims.WithLabelValues("resign").Inc()
			return tx.Owner().Delete(ctx)
		})
		if err != nil {
			return fmt.Errorf("resign: %w", err)
		}
		e.apply(ctx, NoLease, time.Time{})
		e.log.Info("resigned lease")
		return nil
	})
}

// Stop halts future heartbeats. A heartbeat already queued or running
// completes.
func (e *Elector) Stop() {
	e.mu.Lock()
	cancel := e.cancelTick
	e.cancelTick = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (e *Elector) IsPrimary() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.primary
}

func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Elector) Visibility() models.VisibilityState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibility
}

// LeaseExpiry is the expiry of the last lease this instance wrote, or zero.
func (e *Elector) LeaseExpiry() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaseExpiry
}

func (e *Elector) InstanceID() string { return e.instanceID }

// UserID is the user the elector was last started under, or "".
func (e *Elector) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registry == nil {
		return ""
	}
	return e.registry.UserID()
}

// Breaker exposes the store circuit breaker for status reporting.
func (e *Elector) Breaker() resilience.Snapshot {
	return e.breaker.Snapshot()
}

func (e *Elector) heartbeat(ctx context.Context) error {
	e.mu.Lock()
	reg := e.registry
	e.mu.Unlock()
	if reg == nil {
		return ErrNotStarted
	}

	persistErr := e.transact(ctx, "heartbeat", func(ctx context.Context, tx storage.Tx) error {
		return reg.PersistState(ctx, tx)
	})
	_, electErr := e.tryBecomePrimary(ctx)
	return errors.Join(persistErr, electErr)
}

// tryBecomePrimary must run on the queue.
func (e *Elector) tryBecomePrimary(ctx context.Context) (bool, error) {
	e.mu.Lock()
	reg := e.registry
	vis := e.visibility
	e.mu.Unlock()
	if reg == nil {
		return false, ErrNotStarted
	}

	var (
		outcome State
		expiry  time.Time
		kind    string
	)
	err := e.transact(ctx, "try become primary", func(ctx context.Context, tx storage.Tx) error {
		now := e.clock.Now()
		lease, err := tx.Owner().Get(ctx)
		if err != nil {
			return err
		}

		switch {
		case lease.HeldBy(e.instanceID, now):
			kind = "renew"
		case lease.ValidAt(now):
			outcome, expiry = OtherIsPrimary, lease.LeaseExpiry
			return nil
		case vis == models.VisibilityForeground:
			kind = "claim"
		default:
			foreground, err := reg.GetAllForegroundInstances(ctx, tx)
			if err != nil {
				return err
			}
			for _, id := range foreground {
				if id != e.instanceID {
					outcome = NoLease
					return nil
				}
			}
			kind = "claim"
		}

		expiry = now.Add(e.cfg.LeaseDuration)
		if err := tx.Owner().Put(ctx, models.OwnerLease{
			OwnerInstanceID: e.instanceID,
			LeaseExpiry:     expiry,
		}); err != nil {
			return err
		}
		outcome = SelfIsPrimary
		return nil
	})
	if err != nil {
		metrics.ElectionAttempts.WithLabelValues("error").Inc()
		e.log.Warn("election attempt failed", zap.Error(err))
		if e.IsPrimary() && !e.clock.Now().Before(e.LeaseExpiry()) {
			e.log.Warn("lease expired without renewal, stepping down")
			e.apply(ctx, NoLease, time.Time{})
		}
		return e.IsPrimary(), err
	}

	if kind != "" {
		metrics.LeaseClaims.WithLabelValues(kind).Inc()
	}
	switch outcome {
	case SelfIsPrimary:
		metrics.ElectionAttempts.WithLabelValues("primary").Inc()
	case OtherIsPrimary:
		metrics.ElectionAttempts.WithLabelValues("secondary").Inc()
	default:
		metrics.ElectionAttempts.WithLabelValues("deferred").Inc()
	}

	e.apply(ctx, outcome, expiry)
	return outcome == SelfIsPrimary, nil
}

// apply records the outcome and reports primacy to the sink.
func (e *Elector) apply(ctx context.Context, outcome State, expiry time.Time) {
	primary := outcome == SelfIsPrimary

	e.mu.Lock()
	was := e.primary
	e.state = outcome
	e.primary = primary
	if primary {
		e.leaseExpiry = expiry
	} else {
		e.leaseExpiry = time.Time{}
	}
	e.mu.Unlock()

	if was != primary {
		e.log.Info("primary state changed", zap.Bool("primary", primary), zap.Stringer("state", outcome))
	}
	metrics.SetPrimary(primary)
	if err := e.sink.SetPrimaryState(ctx, primary); err != nil {
		e.log.Warn("sync engine rejected primary state", zap.Error(err))
	}
}

func (e *Elector) transact(ctx context.Context, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	return e.breaker.Execute(ctx, func(ctx context.Context) error {
		return e.store.RunTransaction(ctx, label, fn)
	})
}
