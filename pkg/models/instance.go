package models

import (
	"fmt"
	"strings"
	"time"
)

// VisibilityState is the UI activity hint of an instance.
type VisibilityState string

const (
	VisibilityUnknown    VisibilityState = "UNKNOWN"
	VisibilityForeground VisibilityState = "FOREGROUND"
	VisibilityBackground VisibilityState = "BACKGROUND"
)

// ParseVisibility accepts the canonical names case-insensitively.
func ParseVisibility(s string) (VisibilityState, error) {
	switch VisibilityState(strings.ToUpper(strings.TrimSpace(s))) {
	case VisibilityUnknown:
		return VisibilityUnknown, nil
	case VisibilityForeground:
		return VisibilityForeground, nil
	case VisibilityBackground:
		return VisibilityBackground, nil
	}
	return VisibilityUnknown, fmt.Errorf("unknown visibility state %q", s)
}

// AnonymousUser is persisted in place of an empty owner user id.
const AnonymousUser = "anonymous"

// NormalizeUserID maps the unauthenticated user to AnonymousUser.
func NormalizeUserID(userID string) string {
	if userID == "" {
		return AnonymousUser
	}
	return userID
}

// InstanceRecord is the persisted heartbeat of one running instance.
// Records are never deleted; readers infer staleness from LastUpdate.
type InstanceRecord struct {
	OwnerUserID string          `json:"owner_user_id" gorm:"type:varchar(255);primaryKey"`
	InstanceID  string          `json:"instance_id" gorm:"type:varchar(255);primaryKey"`
	LastUpdate  time.Time       `json:"last_update" gorm:"not null;index"`
	Visibility  VisibilityState `json:"visibility" gorm:"type:varchar(20);not null;default:'UNKNOWN'"`
}

func (InstanceRecord) TableName() string { return "instances" }

// IsStale reports whether the record was last refreshed more than window ago.
// A zero window disables staleness.
func (r InstanceRecord) IsStale(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	return now.Sub(r.LastUpdate) > window
}
