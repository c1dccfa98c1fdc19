package activity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/realtime"
	"go.uber.org/zap"
)

const (
	opServiceNew          = "activity.service.new"
	opGetActivity         = "activity.get_activity"
	opSetStatus           = "activity.set_status"
	opRecordLogin         = "activity.record_login"
	opSweep               = "activity.sweep"
	opListActivePresence  = "activity.list_active_presence"
	reasonMissingStore    = "missing_store"
	reasonMissingUserID   = "missing_user_id"
	reasonInvalidStatus   = "invalid_status"
	reasonLookupFailed    = "lookup_failed"
	reasonCreateFailed    = "create_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonDemoteFailed    = "demote_failed"
	reasonQueryFailed     = "query_failed"
	maxUserIDLength       = 190
	reasonUserIDTooLong   = "user_id_too_long"
	logMessageServiceFail = "activity service error"
)

var noOpLogger = zap.NewNop()

// ServiceConfig describes the dependencies of the activity service.
type ServiceConfig struct {
	Store     Store
	Publisher realtime.Publisher
	Policy    Policy
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service owns status transitions, fetch-or-create reads, sweeping and presence listing.
type Service struct {
	store     Store
	publisher realtime.Publisher
	policy    Policy
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errs.New(opServiceNew, reasonMissingStore, errs.ErrInvalidArgument, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		policy:    cfg.Policy.normalized(),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Policy exposes the thresholds the service applies.
func (s *Service) Policy() Policy {
	return s.policy
}

// Now is the service clock in UTC at the precision every supported store keeps.
func (s *Service) Now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// GetActivity returns the user's record, creating an offline one on first read.
func (s *Service) GetActivity(ctx context.Context, userID string) (Record, error) {
	userID, err := s.validateUserID(opGetActivity, userID)
	if err != nil {
		return Record{}, err
	}

	record, err := s.store.Find(ctx, userID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrRecordMissing) {
		s.logError(opGetActivity, reasonLookupFailed, err, zap.String("user_id", userID))
		return Record{}, errs.New(opGetActivity, reasonLookupFailed, errs.ErrStoreFailure, err)
	}

	created := NewOfflineRecord(userID, s.Now())
	createErr := s.store.InsertIfAbsent(ctx, created)

	// A concurrent first read may have won the insert; the stored row is authoritative.
	record, err = s.store.Find(ctx, userID)
	if err != nil {
		cause := err
		if createErr != nil {
			cause = createErr
		}
		s.logError(opGetActivity, reasonCreateFailed, cause, zap.String("user_id", userID))
		return Record{}, errs.New(opGetActivity, reasonCreateFailed, errs.ErrStoreFailure, cause)
	}
	if createErr == nil && record.CreatedAt.Equal(created.CreatedAt) {
		s.publish(ctx, realtime.EventInsert, record)
	}
	return record, nil
}

// SetStatus writes status and refreshes LastSeen. Invalid input never reaches the store.
func (s *Service) SetStatus(ctx context.Context, userID string, rawStatus string) (Record, error) {
	userID, err := s.validateUserID(opSetStatus, userID)
	if err != nil {
		return Record{}, err
	}
	status, err := ParseStatus(rawStatus)
	if err != nil {
		return Record{}, errs.New(opSetStatus, reasonInvalidStatus, errs.ErrInvalidArgument, err)
	}

	now := s.Now()
	record, err := s.store.UpsertStatus(ctx, userID, status, now)
	if err != nil {
		s.logError(opSetStatus, reasonUpsertFailed, err,
			zap.String("user_id", userID),
			zap.String("status", status.String()))
		return Record{}, errs.New(opSetStatus, reasonUpsertFailed, errs.ErrStoreFailure, err)
	}
	s.publish(ctx, changeType(record, now), record)
	return record, nil
}

// RecordLogin marks the user online and increments TotalLogins. Call only after a
// successful authentication.
func (s *Service) RecordLogin(ctx context.Context, userID string) (Record, error) {
	userID, err := s.validateUserID(opRecordLogin, userID)
	if err != nil {
		return Record{}, err
	}
	now := s.Now()
	record, err := s.store.UpsertLogin(ctx, userID, now)
	if err != nil {
		s.logError(opRecordLogin, reasonUpsertFailed, err, zap.String("user_id", userID))
		return Record{}, errs.New(opRecordLogin, reasonUpsertFailed, errs.ErrStoreFailure, err)
	}
	s.publish(ctx, changeType(record, now), record)
	return record, nil
}

// Sweep demotes stale online records to away, then stale away records to offline.
// Running it again without elapsed time changes nothing.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.Now()
	steps := []Demotion{
		{From: StatusOnline, To: StatusAway, SeenBefore: s.policy.OnlineCutoff(now)},
		{From: StatusAway, To: StatusOffline, SeenBefore: s.policy.AwayCutoff(now)},
	}
	demoted, err := s.store.Demote(ctx, steps, now)
	if err != nil {
		s.logError(opSweep, reasonDemoteFailed, err)
		return SweepResult{}, errs.New(opSweep, reasonDemoteFailed, errs.ErrStoreFailure, err)
	}

	result := SweepResult{}
	if len(demoted) > 0 {
		result.DemotedToAway = int64(len(demoted[0]))
	}
	if len(demoted) > 1 {
		result.DemotedToOffline = int64(len(demoted[1]))
	}
	for _, rows := range demoted {
		for _, record := range rows {
			s.publish(ctx, realtime.EventUpdate, record)
		}
	}
	return result, nil
}

// ListActivePresence returns online users and recently-away users, newest first. Stored
// status is never trusted alone: rows outside the online window are dropped here even if
// no sweep has run yet.
func (s *Service) ListActivePresence(ctx context.Context) ([]Record, error) {
	now := s.Now()
	records, err := s.store.ListActive(ctx, s.policy.OnlineCutoff(now))
	if err != nil {
		s.logError(opListActivePresence, reasonQueryFailed, err)
		return nil, errs.New(opListActivePresence, reasonQueryFailed, errs.ErrStoreFailure, err)
	}
	fresh := make([]Record, 0, len(records))
	for _, record := range records {
		if s.policy.IsFresh(record.LastSeen, now) {
			fresh = append(fresh, record)
		}
	}
	return fresh, nil
}

// changeType reports INSERT for a row the upsert at `at` just created.
func changeType(record Record, at time.Time) string {
	if record.CreatedAt.Equal(at) {
		return realtime.EventInsert
	}
	return realtime.EventUpdate
}

func (s *Service) validateUserID(operation, userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", errs.New(operation, reasonMissingUserID, errs.ErrInvalidArgument, nil)
	}
	if len(trimmed) > maxUserIDLength {
		return "", errs.New(operation, reasonUserIDTooLong, errs.ErrInvalidArgument, nil)
	}
	return trimmed, nil
}

func (s *Service) publish(ctx context.Context, eventType string, record Record) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewChangeEvent(eventType, TableName, record.UserID, record, s.Now())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("activity change not published",
			zap.String("user_id", record.UserID),
			zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error(logMessageServiceFail, attrs...)
}
