package stats

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew             = "stats.service.new"
	opGetStats               = "stats.get_stats"
	opUpdateStats            = "stats.update_stats"
	opIncrementGamesPlayed   = "stats.increment_games_played"
	opIncrementTournaments   = "stats.increment_tournaments_won"
	opRecordLogin            = "stats.record_login"
	reasonMissingDatabase    = "missing_database"
	reasonMissingUserID      = "missing_user_id"
	reasonLookupFailed       = "lookup_failed"
	reasonCreateFailed       = "create_failed"
	reasonUpdateFailed       = "update_failed"
	columnGamesPlayed        = "games_played"
	columnTournamentsWon     = "tournaments_won"
	columnTotalLogins        = "total_logins"
	columnLastActivity       = "last_activity"
	columnUpdatedAt          = "updated_at"
	logMessageServiceFailure = "stats service error"
)

// ServiceConfig describes the dependencies of the stats service.
type ServiceConfig struct {
	Database  *gorm.DB
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service maintains the user_stats counters.
type Service struct {
	db        *gorm.DB
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errs.New(opServiceNew, reasonMissingDatabase, errs.ErrInvalidArgument, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// GetStats returns the user's counters, creating a zeroed row on first read.
func (s *Service) GetStats(ctx context.Context, userID string) (Stats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Stats{}, errs.New(opGetStats, reasonMissingUserID, errs.ErrInvalidArgument, nil)
	}

	stats, err := s.find(ctx, userID)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opGetStats, reasonLookupFailed, err, userID)
		return Stats{}, errs.New(opGetStats, reasonLookupFailed, errs.ErrStoreFailure, err)
	}

	created := NewStats(userID, s.now())
	createErr := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&created).Error

	stats, err = s.find(ctx, userID)
	if err != nil {
		if createErr != nil {
			err = createErr
		}
		s.logError(opGetStats, reasonCreateFailed, err, userID)
		return Stats{}, errs.New(opGetStats, reasonCreateFailed, errs.ErrStoreFailure, err)
	}
	if createErr == nil && stats.CreatedAt.Equal(created.CreatedAt) {
		s.publish(ctx, realtime.EventInsert, stats)
	}
	return stats, nil
}

// UpdateStats refreshes LastActivity.
func (s *Service) UpdateStats(ctx context.Context, userID string) (Stats, error) {
	return s.upsert(ctx, opUpdateStats, userID, map[string]interface{}{})
}

// RecordLogin increments TotalLogins and refreshes LastActivity.
func (s *Service) RecordLogin(ctx context.Context, userID string) (Stats, error) {
	return s.upsert(ctx, opRecordLogin, userID, map[string]interface{}{
		columnTotalLogins: gorm.Expr(TableName + "." + columnTotalLogins + " + 1"),
	})
}

func (s *Service) IncrementGamesPlayed(ctx context.Context, userID string) (Stats, error) {
	return s.increment(ctx, opIncrementGamesPlayed, userID, columnGamesPlayed)
}

func (s *Service) IncrementTournamentsWon(ctx context.Context, userID string) (Stats, error) {
	return s.increment(ctx, opIncrementTournaments, userID, columnTournamentsWon)
}

func (s *Service) increment(ctx context.Context, operation, userID, column string) (Stats, error) {
	if _, err := s.GetStats(ctx, userID); err != nil {
		return Stats{}, err
	}
	userID = strings.TrimSpace(userID)
	err := s.db.WithContext(ctx).
		Model(&Stats{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			column:          gorm.Expr(column + " + 1"),
			columnUpdatedAt: s.now(),
		}).Error
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, userID)
		return Stats{}, errs.New(operation, reasonUpdateFailed, errs.ErrStoreFailure, err)
	}
	return s.reload(ctx, operation, userID)
}

// upsert refreshes last_activity plus any extra assignments, creating the row when absent.
func (s *Service) upsert(ctx context.Context, operation, userID string, extra map[string]interface{}) (Stats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Stats{}, errs.New(operation, reasonMissingUserID, errs.ErrInvalidArgument, nil)
	}
	now := s.now()
	record := NewStats(userID, now)
	if _, counted := extra[columnTotalLogins]; counted {
		record.TotalLogins = 1
	}
	assignments := map[string]interface{}{
		columnLastActivity: now,
		columnUpdatedAt:    now,
	}
	for column, value := range extra {
		assignments[column] = value
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&record).Error
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, userID)
		return Stats{}, errs.New(operation, reasonUpdateFailed, errs.ErrStoreFailure, err)
	}
	return s.reload(ctx, operation, userID)
}

func (s *Service) reload(ctx context.Context, operation, userID string) (Stats, error) {
	stats, err := s.find(ctx, userID)
	if err != nil {
		s.logError(operation, reasonLookupFailed, err, userID)
		return Stats{}, errs.New(operation, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	s.publish(ctx, realtime.EventUpdate, stats)
	return stats, nil
}

func (s *Service) find(ctx context.Context, userID string) (Stats, error) {
	var stats Stats
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&stats).Error
	return stats, err
}

func (s *Service) publish(ctx context.Context, eventType string, stats Stats) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewChangeEvent(eventType, TableName, stats.UserID, stats, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("stats change not published", zap.String("user_id", stats.UserID), zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, userID string) {
	s.logger.Error(logMessageServiceFailure,
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("user_id", userID),
		zap.Error(err))
}
