// Package storagetest holds the behavioral checks every storage.Store
// backend must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Run exercises a fresh store from newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("InstanceUpsert", func(t *testing.T) { testInstanceUpsert(t, newStore(t)) })
	t.Run("LeaseLifecycle", func(t *testing.T) { testLeaseLifecycle(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("ConcurrentClaimsSerialize", func(t *testing.T) { testConcurrentClaims(t, newStore(t)) })
}

func inTx(t *testing.T, s storage.Store, fn func(ctx context.Context, tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, s.RunTransaction(context.Background(), "test", fn))
}

func readLease(t *testing.T, s storage.Store) *models.OwnerLease {
	t.Helper()
	var lease *models.OwnerLease
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		var err error
		lease, err = tx.Owner().Get(ctx)
		return err
	})
	return lease
}

func testInstanceUpsert(t *testing.T, s storage.Store) {
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Instances().Put(ctx, models.InstanceRecord{
			OwnerUserID: "alice", InstanceID: "tab-a", LastUpdate: epoch, Visibility: models.VisibilityBackground,
		}); err != nil {
			return err
		}
		return tx.Instances().Put(ctx, models.InstanceRecord{
			OwnerUserID: "bob", InstanceID: "tab-a", LastUpdate: epoch, Visibility: models.VisibilityUnknown,
		})
	})
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		return tx.Instances().Put(ctx, models.InstanceRecord{
			OwnerUserID: "alice", InstanceID: "tab-a", LastUpdate: epoch.Add(time.Second), Visibility: models.VisibilityForeground,
		})
	})

	var records []models.InstanceRecord
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		var err error
		records, err = tx.Instances().All(ctx)
		return err
	})
	require.Len(t, records, 2, "records are keyed by user and instance")

	byUser := map[string]models.InstanceRecord{}
	for _, rec := range records {
		byUser[rec.OwnerUserID] = rec
	}
	assert.Equal(t, models.VisibilityForeground, byUser["alice"].Visibility)
	assert.True(t, byUser["alice"].LastUpdate.Equal(epoch.Add(time.Second)))
	assert.Equal(t, models.VisibilityUnknown, byUser["bob"].Visibility)
}

func testLeaseLifecycle(t *testing.T, s storage.Store) {
	assert.Nil(t, readLease(t, s), "no lease before the first claim")

	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		return tx.Owner().Put(ctx, models.OwnerLease{OwnerInstanceID: "tab-a", LeaseExpiry: epoch})
	})
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error {
		return tx.Owner().Put(ctx, models.OwnerLease{OwnerInstanceID: "tab-b", LeaseExpiry: epoch.Add(5 * time.Second)})
	})

	lease := readLease(t, s)
	require.NotNil(t, lease)
	assert.Equal(t, "tab-b", lease.OwnerInstanceID)
	assert.True(t, lease.LeaseExpiry.Equal(epoch.Add(5*time.Second)))
	assert.True(t, lease.HeldBy("tab-b", epoch))

	inTx(t, s, func(ctx context.Context, tx storage.Tx) error { return tx.Owner().Delete(ctx) })
	assert.Nil(t, readLease(t, s))
	inTx(t, s, func(ctx context.Context, tx storage.Tx) error { return tx.Owner().Delete(ctx) })
}

func testRollback(t *testing.T, s storage.Store) {
	boom := errors.New("boom")
	err := s.RunTransaction(context.Background(), "test", func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Owner().Put(ctx, models.OwnerLease{OwnerInstanceID: "tab-a", LeaseExpiry: epoch}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Nil(t, readLease(t, s), "aborted writes are not visible")
}

// Each claimant reads the lease and writes it only if absent. Exactly one
// claim may commit.
func testConcurrentClaims(t *testing.T, s storage.Store) {
	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var won bool
			err := s.RunTransaction(context.Background(), "claim", func(ctx context.Context, tx storage.Tx) error {
				won = false
				lease, err := tx.Owner().Get(ctx)
				if err != nil {
					return err
				}
				if lease != nil {
					return nil
				}
				won = true
				return tx.Owner().Put(ctx, models.OwnerLease{OwnerInstanceID: "claimant", LeaseExpiry: epoch})
			})
			if err != nil {
				// A serialization failure is a lost race, not a second winner.
				assert.ErrorIs(t, err, storage.ErrTransient)
				return
			}
			if won {
				mu.Lock()
				winners = append(winners, i)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, winners, 1)
}
