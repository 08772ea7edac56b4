package storage

import (
	"context"
	"errors"

	"leasecast/pkg/models"
)

var (
	// ErrTransient marks a failed transaction (contention, quota, I/O).
	// Callers do not retry inline; the next heartbeat does.
	ErrTransient = errors.New("transient storage failure")

	// ErrInvariantViolation marks a programming defect such as a nil
	// transaction or a record the protocol assumes present. Never recovered.
	ErrInvariantViolation = errors.New("storage invariant violated")
)

// Store is the persistent transactional store shared by every instance of a
// partition. All reads and writes inside one RunTransaction call commit or
// fail as a unit and are serializable against concurrent callers.
type Store interface {
	// RunTransaction executes fn inside a single transaction. label names the
	// transaction in logs and spans. A non-nil return from fn aborts it.
	RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error

	// Close releases the underlying connection.
	Close() error
}

// Tx is the handle passed to a transaction body. It exposes typed tables so
// callers never downcast it.
type Tx interface {
	Instances() InstanceTable
	Owner() OwnerTable
}

// InstanceTable holds one InstanceRecord per (OwnerUserID, InstanceID).
type InstanceTable interface {
	// Put upserts rec keyed by (OwnerUserID, InstanceID).
	Put(ctx context.Context, rec models.InstanceRecord) error

	// All scans every record.
	All(ctx context.Context) ([]models.InstanceRecord, error)
}

// OwnerTable holds the singleton OwnerLease.
type OwnerTable interface {
	// Get returns the lease, or nil if none was ever written.
	Get(ctx context.Context) (*models.OwnerLease, error)

	// Put overwrites the lease wholesale.
	Put(ctx context.Context, lease models.OwnerLease) error

	// Delete removes the lease. Deleting an absent lease is not an error.
	Delete(ctx context.Context) error
}

// MustTx panics with ErrInvariantViolation when tx is nil.
func MustTx(tx Tx) Tx {
	if tx == nil {
		panic(errors.Join(ErrInvariantViolation, errors.New("nil transaction handle")))
	}
	return tx
}
