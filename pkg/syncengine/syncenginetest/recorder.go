// Package syncenginetest provides a Sink that records calls for assertions.
package syncenginetest

import (
	"context"
	"sync"

	"leasecast/pkg/models"
)

type BatchCall struct {
	BatchID models.BatchID
	Status  models.MutationStatus
	Err     *models.StatusError
}

type WatchCall struct {
	TargetID models.TargetID
	Status   models.WatchStatus
	Err      *models.StatusError
}

// Recorder is a syncengine.Sink that remembers every call.
type Recorder struct {
	mu      sync.Mutex
	primary []bool
	batches []BatchCall
	watches []WatchCall
}

func (r *Recorder) SetPrimaryState(_ context.Context, primary bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.primary = append(r.primary, primary)
	return nil
}

func (r *Recorder) UpdateBatch(_ context.Context, batchID models.BatchID, status models.MutationStatus, err *models.StatusError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, BatchCall{BatchID: batchID, Status: status, Err: err})
	return nil
}

func (r *Recorder) UpdateWatch(_ context.Context, targetID models.TargetID, status models.WatchStatus, err *models.StatusError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watches = append(r.watches, WatchCall{TargetID: targetID, Status: status, Err: err})
	return nil
}

// PrimaryStates returns every reported primacy value in order.
func (r *Recorder) PrimaryStates() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.primary...)
}

// LastPrimary returns the latest primacy report, false if none.
func (r *Recorder) LastPrimary() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.primary) == 0 {
		return false
	}
	return r.primary[len(r.primary)-1]
}

func (r *Recorder) Batches() []BatchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BatchCall(nil), r.batches...)
}

func (r *Recorder) Watches() []WatchCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]WatchCall(nil), r.watches...)
}
