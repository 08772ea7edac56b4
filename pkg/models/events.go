package models

import (
	"errors"
	"fmt"
	"time"
)

type BatchID int64

type TargetID int64

// MutationStatus is the lifecycle state of a mutation batch.
type MutationStatus string

const (
	MutationPending      MutationStatus = "PENDING"
	MutationAcknowledged MutationStatus = "ACKNOWLEDGED"
	MutationRejected     MutationStatus = "REJECTED"
)

// IsTerminal reports whether no further transition can follow.
func (s MutationStatus) IsTerminal() bool {
	return s == MutationAcknowledged || s == MutationRejected
}

func (s MutationStatus) Valid() bool {
	switch s {
	case MutationPending, MutationAcknowledged, MutationRejected:
		return true
	}
	return false
}

// WatchStatus is the lifecycle state of a watch target.
type WatchStatus string

const (
	WatchPending  WatchStatus = "PENDING"
	WatchCurrent  WatchStatus = "CURRENT"
	WatchRejected WatchStatus = "REJECTED"
)

func (s WatchStatus) Valid() bool {
	switch s {
	case WatchPending, WatchCurrent, WatchRejected:
		return true
	}
	return false
}

// StatusError is the wire form of a rejection attached to a status
// transition. It is forwarded to the sync engine as-is.
type StatusError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// AsStatusError converts err for publication. A *StatusError anywhere in the
// chain is returned unchanged; other errors get code "unknown".
func AsStatusError(err error) *StatusError {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return &StatusError{Code: "unknown", Message: err.Error()}
}

// Update times of published events travel in the broadcast envelope
// header, not in the event body.

// MutationStatusEvent is one published mutation batch transition.
type MutationStatusEvent struct {
	BatchID    BatchID        `json:"batch_id"`
	Status     MutationStatus `json:"status"`
	Error      *StatusError   `json:"error,omitempty"`
	UpdateTime time.Time      `json:"-"`
}

// WatchStatusEvent is one published watch target transition.
type WatchStatusEvent struct {
	TargetID   TargetID     `json:"target_id"`
	Status     WatchStatus  `json:"status"`
	Error      *StatusError `json:"error,omitempty"`
	UpdateTime time.Time    `json:"-"`
}

// InstanceRow is the broadcast state of one running instance: what it has
// in flight, so siblings can catch up after missing individual events.
type InstanceRow struct {
	InstanceID     string          `json:"instance_id"`
	OwnerUserID    string          `json:"owner_user_id"`
	Visibility     VisibilityState `json:"visibility"`
	PendingBatches []BatchID       `json:"pending_batches"`
	ActiveTargets  []TargetID      `json:"active_targets"`
	UpdateTime     time.Time       `json:"-"`
}

// IsStale reports whether the row was last refreshed more than window ago.
func (r InstanceRow) IsStale(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(r.UpdateTime) > window
}
