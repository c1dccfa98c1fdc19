package stats

import "time"

// TableName of the per-user usage statistics.
const TableName = "user_stats"

// Stats aggregates a user's activity counters.
type Stats struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"userId"`
	LastActivity   time.Time `gorm:"column:last_activity;not null" json:"lastActivity"`
	TotalLogins    int64     `gorm:"column:total_logins;not null;default:0" json:"totalLogins"`
	GamesPlayed    int64     `gorm:"column:games_played;not null;default:0" json:"gamesPlayed"`
	TournamentsWon int64     `gorm:"column:tournaments_won;not null;default:0" json:"tournamentsWon"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Stats) TableName() string {
	return TableName
}

// NewStats is the zeroed row created for a new user.
func NewStats(userID string, now time.Time) Stats {
	return Stats{
		UserID:       userID,
		LastActivity: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
