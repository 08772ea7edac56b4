package models

import "time"

// OwnerLeaseKey is the fixed key of the singleton lease row.
const OwnerLeaseKey = "owner"

// OwnerLease is the time-bounded primacy claim of one instance.
type OwnerLease struct {
	Key             string    `json:"-" gorm:"type:varchar(32);primaryKey"`
	OwnerInstanceID string    `json:"owner_instance_id" gorm:"type:varchar(255);not null"`
	LeaseExpiry     time.Time `json:"lease_expiry" gorm:"not null"`
}

func (OwnerLease) TableName() string { return "owner_lease" }

// ValidAt reports whether the lease has not expired at now.
// A nil lease is never valid.
func (l *OwnerLease) ValidAt(now time.Time) bool {
	return l != nil && l.LeaseExpiry.After(now)
}

// HeldBy reports whether instanceID holds a valid lease at now.
func (l *OwnerLease) HeldBy(instanceID string, now time.Time) bool {
	return l.ValidAt(now) && l.OwnerInstanceID == instanceID
}
