// Package registry persists per-instance visibility and heartbeat metadata
// and answers which instances are known, and which are in the foreground.
package registry

import (
	"context"
	"sync"
	"time"

	"leasecast/pkg/clock"
	"leasecast/pkg/metrics"
	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

// Registry owns this instance's InstanceRecord. Every operation runs inside a
// transaction supplied by the caller.
type Registry struct {
	userID     string
	instanceID string
	clock      clock.Clock
	staleAfter time.Duration

	mu         sync.Mutex
	visibility models.VisibilityState
}

// New creates the registry of instanceID under userID. Foreground records
// older than staleAfter are ignored by GetAllForegroundInstances; zero keeps
// them forever.
func New(userID, instanceID string, clk clock.Clock, staleAfter time.Duration) *Registry {
	return &Registry{
		userID:     models.NormalizeUserID(userID),
		instanceID: instanceID,
		clock:      clk,
		staleAfter: staleAfter,
		visibility: models.VisibilityUnknown,
	}
}

func (r *Registry) UserID() string     { return r.userID }
func (r *Registry) InstanceID() string { return r.instanceID }

// Visibility returns the last visibility set on this instance.
func (r *Registry) Visibility() models.VisibilityState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visibility
}

// GetAllInstances returns the id of every persisted instance.
func (r *Registry) GetAllInstances(ctx context.Context, tx storage.Tx) ([]string, error) {
	records, err := storage.MustTx(tx).Instances().All(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.InstanceID)
	}
	return ids, nil
}

// GetAllForegroundInstances returns the ids of non-stale foreground instances.
func (r *Registry) GetAllForegroundInstances(ctx context.Context, tx storage.Tx) ([]string, error) {
	records, err := storage.MustTx(tx).Instances().All(ctx)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var ids []string
	for _, rec := range records {
		if rec.Visibility != models.VisibilityForeground || rec.IsStale(now, r.staleAfter) {
			continue
		}
		ids = append(ids, rec.InstanceID)
	}
	return ids, nil
}

// SetVisibility records state in memory, then persists it.
func (r *Registry) SetVisibility(ctx context.Context, tx storage.Tx, state models.VisibilityState) error {
	r.mu.Lock()
	r.visibility = state
	r.mu.Unlock()
	return r.PersistState(ctx, tx)
}

// PersistState upserts {user, instance, now, visibility}.
func (r *Registry) PersistState(ctx context.Context, tx storage.Tx) error {
	rec := models.InstanceRecord{
		OwnerUserID: r.userID,
		InstanceID:  r.instanceID,
		LastUpdate:  r.clock.Now(),
		Visibility:  r.Visibility(),
	}
	if err := storage.MustTx(tx).Instances().Put(ctx, rec); err != nil {
		return err
	}
	metrics.HeartbeatsSent.Inc()
	return nil
}
