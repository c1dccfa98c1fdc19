package activity

import (
	"fmt"
	"strings"
	"time"
)

// TableName of the activity records, also used as the realtime topic.
const TableName = "user_activity"

// Status is the presence state persisted for a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// ParseStatus accepts only the three literal status values.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.TrimSpace(raw))
	if !status.Valid() {
		return "", fmt.Errorf("status must be one of online, away, offline: %q", raw)
	}
	return status, nil
}

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Record is the single activity row owned by a user.
type Record struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	Status      Status    `gorm:"column:status;size:16;not null;default:offline;index:idx_user_activity_status_seen,priority:1" json:"status"`
	LastSeen    time.Time `gorm:"column:last_seen;not null;index:idx_user_activity_status_seen,priority:2" json:"lastSeen"`
	TotalLogins int64     `gorm:"column:total_logins;not null;default:0" json:"totalLogins"`
	CreatedAt   time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return TableName
}

// NewOfflineRecord is the default row created on first read.
func NewOfflineRecord(userID string, now time.Time) Record {
	return Record{
		UserID:      userID,
		Status:      StatusOffline,
		LastSeen:    now,
		TotalLogins: 0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// SweepResult counts the rows demoted by one sweep pass.
type SweepResult struct {
	DemotedToAway    int64
	DemotedToOffline int64
}

// Changed reports whether the pass demoted anything.
func (r SweepResult) Changed() bool {
	return r.DemotedToAway > 0 || r.DemotedToOffline > 0
}
