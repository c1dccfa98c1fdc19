package activity

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrRecordMissing is returned by Store.Find when the user has no row yet.
var ErrRecordMissing = errors.New("activity: record missing")

const (
	columnUserID      = "user_id"
	columnStatus      = "status"
	columnLastSeen    = "last_seen"
	columnUpdatedAt   = "updated_at"
	columnTotalLogins = "total_logins"
	queryUserID       = columnUserID + " = ?"
	queryStaleStatus  = columnStatus + " = ? AND " + columnLastSeen + " < ?"
	queryUserIDIn     = columnUserID + " IN ?"
	queryActive       = columnStatus + " = ? OR (" + columnStatus + " = ? AND " + columnLastSeen + " >= ?)"
	orderLastSeenDesc = columnLastSeen + " DESC"

	dialectPostgres = "postgres"
)

// Store is the persistence contract of the activity core.
type Store interface {
	Find(ctx context.Context, userID string) (Record, error)
	InsertIfAbsent(ctx context.Context, record Record) error
	UpsertStatus(ctx context.Context, userID string, status Status, at time.Time) (Record, error)
	UpsertLogin(ctx context.Context, userID string, at time.Time) (Record, error)
	Demote(ctx context.Context, steps []Demotion, at time.Time) ([][]Record, error)
	ListActive(ctx context.Context, freshSince time.Time) ([]Record, error)
}

// Demotion is one set-based transition applied by a sweep.
type Demotion struct {
	From       Status
	To         Status
	SeenBefore time.Time
}

// GormStore implements Store on any GORM dialect supporting ON CONFLICT.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Find(ctx context.Context, userID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).Where(queryUserID, userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordMissing
	}
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *GormStore) InsertIfAbsent(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnUserID}},
			DoNothing: true,
		}).
		Create(&record).Error
}

func (s *GormStore) UpsertStatus(ctx context.Context, userID string, status Status, at time.Time) (Record, error) {
	record := NewOfflineRecord(userID, at)
	record.Status = status
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				columnStatus:    status,
				columnLastSeen:  at,
				columnUpdatedAt: at,
			}),
		}).
		Create(&record).Error
	if err != nil {
		return Record{}, err
	}
	return s.Find(ctx, userID)
}

func (s *GormStore) UpsertLogin(ctx context.Context, userID string, at time.Time) (Record, error) {
	record := NewOfflineRecord(userID, at)
	record.Status = StatusOnline
	record.TotalLogins = 1
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				columnStatus:      StatusOnline,
				columnLastSeen:    at,
				columnUpdatedAt:   at,
				columnTotalLogins: gorm.Expr(TableName + "." + columnTotalLogins + " + 1"),
			}),
		}).
		Create(&record).Error
	if err != nil {
		return Record{}, err
	}
	return s.Find(ctx, userID)
}

// Demote runs every step in a single transaction, in order, and returns the rows each step
// touched. Each step selects its candidate keys first so only rows it demoted are reported;
// on postgres those rows are locked until commit. LastSeen is never modified.
func (s *GormStore) Demote(ctx context.Context, steps []Demotion, at time.Time) ([][]Record, error) {
	demoted := make([][]Record, len(steps))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, step := range steps {
			candidates := tx.Model(&Record{}).Where(queryStaleStatus, step.From, step.SeenBefore)
			if tx.Dialector.Name() == dialectPostgres {
				candidates = candidates.Clauses(clause.Locking{Strength: "UPDATE"})
			}
			var userIDs []string
			if err := candidates.Pluck(columnUserID, &userIDs).Error; err != nil {
				return err
			}
			if len(userIDs) == 0 {
				continue
			}
			update := tx.Model(&Record{}).
				Where(queryUserIDIn, userIDs).
				Updates(map[string]interface{}{
					columnStatus:    step.To,
					columnUpdatedAt: at,
				})
			if update.Error != nil {
				return update.Error
			}
			var rows []Record
			if err := tx.Where(queryUserIDIn, userIDs).Find(&rows).Error; err != nil {
				return err
			}
			demoted[index] = rows
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return demoted, nil
}

func (s *GormStore) ListActive(ctx context.Context, freshSince time.Time) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where(queryActive, StatusOnline, StatusAway, freshSince).
		Order(orderLastSeenDesc).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
