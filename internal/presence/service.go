// Package presence answers who is online or away right now.
package presence

import (
	"context"
	"time"

	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/profiles"
	"go.uber.org/zap"
)

const (
	opServiceNew       = "presence.service.new"
	reasonMissingStore = "missing_activity_service"
)

// View is one user's presence as shown to other users.
type View struct {
	UserID        string            `json:"userId"`
	DisplayStatus activity.Status   `json:"displayStatus"`
	StoredStatus  activity.Status   `json:"storedStatus"`
	LastSeen      time.Time         `json:"lastSeen"`
	Profile       *profiles.Summary `json:"profile,omitempty"`
}

// ProfileDirectory resolves profile summaries for a batch of users.
type ProfileDirectory interface {
	Summaries(ctx context.Context, ids []string) (map[string]profiles.Summary, error)
}

type ServiceConfig struct {
	Activity *activity.Service
	Profiles ProfileDirectory
	Logger   *zap.Logger
}

type Service struct {
	activity *activity.Service
	profiles ProfileDirectory
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Activity == nil {
		return nil, errs.New(opServiceNew, reasonMissingStore, errs.ErrInvalidArgument, nil)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{activity: cfg.Activity, profiles: cfg.Profiles, logger: logger}, nil
}

// ListActive returns fresh online and away users, most recently seen first.
func (s *Service) ListActive(ctx context.Context) ([]View, error) {
	records, err := s.activity.ListActivePresence(ctx)
	if err != nil {
		return nil, err
	}
	now := s.activity.Now()
	views := make([]View, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		views = append(views, s.view(record, now))
		ids = append(ids, record.UserID)
	}
	s.attachProfiles(ctx, views, ids)
	return views, nil
}

// Lookup returns a single user's presence, creating the default record on first read.
func (s *Service) Lookup(ctx context.Context, userID string) (View, error) {
	record, err := s.activity.GetActivity(ctx, userID)
	if err != nil {
		return View{}, err
	}
	views := []View{s.view(record, s.activity.Now())}
	s.attachProfiles(ctx, views, []string{record.UserID})
	return views[0], nil
}

func (s *Service) view(record activity.Record, now time.Time) View {
	return View{
		UserID:        record.UserID,
		DisplayStatus: s.activity.Policy().DisplayStatus(record.Status, record.LastSeen, now),
		StoredStatus:  record.Status,
		LastSeen:      record.LastSeen,
	}
}

// attachProfiles decorates views in place. Presence stays available when the profile
// lookup fails.
func (s *Service) attachProfiles(ctx context.Context, views []View, ids []string) {
	if s.profiles == nil || len(ids) == 0 {
		return
	}
	summaries, err := s.profiles.Summaries(ctx, ids)
	if err != nil {
		s.logger.Warn("presence profiles unavailable", zap.Int("users", len(ids)), zap.Error(err))
		return
	}
	for index := range views {
		if summary, ok := summaries[views[index].UserID]; ok {
			summary := summary
			views[index].Profile = &summary
		}
	}
}
