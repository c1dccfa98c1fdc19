package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseAccountEmails = "2026-09-20_lowercase_account_emails"
	migrationBackfillActivity       = "2026-10-01_backfill_profile_activity"
	migrationBackfillStats          = "2026-10-01_backfill_profile_stats"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationLowercaseAccountEmails, apply: lowercaseAccountEmails},
		{name: migrationBackfillActivity, apply: backfillProfileActivity},
		{name: migrationBackfillStats, apply: backfillProfileStats},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func lowercaseAccountEmails(db *gorm.DB) error {
	return db.Exec("UPDATE accounts SET email = LOWER(email) WHERE email <> LOWER(email)").Error
}

// backfillProfileActivity gives profiles created before activity tracking an offline record.
func backfillProfileActivity(db *gorm.DB) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return db.Exec(`INSERT INTO user_activity (user_id, status, last_seen, total_logins, created_at, updated_at)
SELECT p.id, 'offline', ?, 0, ?, ? FROM profiles p
WHERE NOT EXISTS (SELECT 1 FROM user_activity a WHERE a.user_id = p.id)`, now, now, now).Error
}

func backfillProfileStats(db *gorm.DB) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return db.Exec(`INSERT INTO user_stats (user_id, last_activity, total_logins, games_played, tournaments_won, created_at, updated_at)
SELECT p.id, ?, 0, 0, 0, ?, ? FROM profiles p
WHERE NOT EXISTS (SELECT 1 FROM user_stats s WHERE s.user_id = p.id)`, now, now, now).Error
}
