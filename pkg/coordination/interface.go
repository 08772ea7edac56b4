package coordination

import (
	"context"
	"time"

	"leasecast/pkg/models"
)

// LeaseState is the elector's view of the partition's primacy lease.
type LeaseState int

const (
	// NoLease: the lease is absent or expired and this instance is deferring
	// to a foreground sibling.
	NoLease LeaseState = iota
	SelfIsPrimary
	OtherIsPrimary
)

func (s LeaseState) String() string {
	switch s {
	case NoLease:
		return "no-lease"
	case SelfIsPrimary:
		return "self-is-primary"
	case OtherIsPrimary:
		return "other-is-primary"
	default:
		return "unknown"
	}
}

// Elector runs lease-based primary election among the instances of one
// partition.
type Elector interface {
	// Start registers this instance under userID, attempts election at once
	// and schedules the repeating heartbeat. Calling it again switches user
	// without scheduling a second heartbeat.
	Start(ctx context.Context, userID string) error

	// SetVisibility records and persists the UI visibility hint.
	SetVisibility(ctx context.Context, state models.VisibilityState) error

	// TryBecomePrimary runs one election attempt and reports the result.
	TryBecomePrimary(ctx context.Context) (bool, error)

	// Resign gives up the lease if this instance holds it.
	Resign(ctx context.Context) error

	// Stop halts future heartbeats. A heartbeat already running completes.
	Stop()

	IsPrimary() bool
	State() LeaseState
	Visibility() models.VisibilityState
	LeaseExpiry() time.Time
}
