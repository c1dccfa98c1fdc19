package profiles

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	opServiceNew         = "profiles.service.new"
	opGet                = "profiles.get"
	opUpdate             = "profiles.update"
	opUpdateAvatar       = "profiles.update_avatar"
	opUpdateGamingInfo   = "profiles.update_gaming_info"
	opSummaries          = "profiles.summaries"
	reasonMissingDB      = "missing_database"
	reasonMissingID      = "missing_profile_id"
	reasonNotFound       = "profile_not_found"
	reasonInvalidField   = "invalid_field"
	reasonEmptyUpdate    = "empty_update"
	reasonUsernameTaken  = "username_taken"
	reasonLookupFailed   = "lookup_failed"
	reasonUpdateFailed   = "update_failed"
	logMessageFailure    = "profiles service error"
	queryProfileID       = "id = ?"
	queryUsernameForeign = "username = ? AND id <> ?"
)

type ServiceConfig struct {
	Database  *gorm.DB
	Publisher realtime.Publisher
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Service reads and edits profiles.
type Service struct {
	db        *gorm.DB
	publisher realtime.Publisher
	clock     func() time.Time
	logger    *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errs.New(opServiceNew, reasonMissingDB, errs.ErrInvalidArgument, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, publisher: cfg.Publisher, clock: clock, logger: logger}, nil
}

func (s *Service) Get(ctx context.Context, id string) (Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Profile{}, errs.New(opGet, reasonMissingID, errs.ErrInvalidArgument, nil)
	}
	return s.load(ctx, opGet, id)
}

// Update applies the non-nil fields of update.
func (s *Service) Update(ctx context.Context, id string, update Update) (Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Profile{}, errs.New(opUpdate, reasonMissingID, errs.ErrInvalidArgument, nil)
	}

	changes := map[string]interface{}{}
	if update.Username != nil {
		username := strings.TrimSpace(*update.Username)
		if err := ValidateUsername(username); err != nil {
			return Profile{}, errs.New(opUpdate, reasonInvalidField, errs.ErrInvalidArgument, err)
		}
		changes["username"] = username
	}
	if update.AvatarURL != nil {
		avatarURL := strings.TrimSpace(*update.AvatarURL)
		if err := validateAvatarURL(avatarURL); err != nil {
			return Profile{}, errs.New(opUpdate, reasonInvalidField, errs.ErrInvalidArgument, err)
		}
		changes["avatar_url"] = avatarURL
	}
	if update.DiscordID != nil {
		changes["discord_id"] = strings.TrimSpace(*update.DiscordID)
	}
	if update.SteamID != nil {
		changes["steam_id"] = strings.TrimSpace(*update.SteamID)
	}
	if update.FavoriteGames != nil {
		games, err := normalizeGames(*update.FavoriteGames)
		if err != nil {
			return Profile{}, errs.New(opUpdate, reasonInvalidField, errs.ErrInvalidArgument, err)
		}
		changes["favorite_games"] = datatypes.JSONSlice[string](games)
	}
	if len(changes) == 0 {
		return Profile{}, errs.New(opUpdate, reasonEmptyUpdate, errs.ErrInvalidArgument, nil)
	}
	return s.apply(ctx, opUpdate, id, changes)
}

func (s *Service) UpdateAvatar(ctx context.Context, id, avatarURL string) (Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Profile{}, errs.New(opUpdateAvatar, reasonMissingID, errs.ErrInvalidArgument, nil)
	}
	avatarURL = strings.TrimSpace(avatarURL)
	if err := validateAvatarURL(avatarURL); err != nil {
		return Profile{}, errs.New(opUpdateAvatar, reasonInvalidField, errs.ErrInvalidArgument, err)
	}
	return s.apply(ctx, opUpdateAvatar, id, map[string]interface{}{"avatar_url": avatarURL})
}

// UpdateGamingInfo overwrites discord id, steam id and favorite games together.
func (s *Service) UpdateGamingInfo(ctx context.Context, id string, info GamingInfo) (Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Profile{}, errs.New(opUpdateGamingInfo, reasonMissingID, errs.ErrInvalidArgument, nil)
	}
	games, err := normalizeGames(info.FavoriteGames)
	if err != nil {
		return Profile{}, errs.New(opUpdateGamingInfo, reasonInvalidField, errs.ErrInvalidArgument, err)
	}
	return s.apply(ctx, opUpdateGamingInfo, id, map[string]interface{}{
		"discord_id":     strings.TrimSpace(info.DiscordID),
		"steam_id":       strings.TrimSpace(info.SteamID),
		"favorite_games": datatypes.JSONSlice[string](games),
	})
}

// Summaries returns the summaries of the profiles that exist among ids.
func (s *Service) Summaries(ctx context.Context, ids []string) (map[string]Summary, error) {
	summaries := make(map[string]Summary, len(ids))
	if len(ids) == 0 {
		return summaries, nil
	}
	var found []Profile
	err := s.db.WithContext(ctx).
		Select("id", "username", "avatar_url", "role").
		Where("id IN ?", ids).
		Find(&found).Error
	if err != nil {
		s.logError(opSummaries, reasonLookupFailed, err)
		return nil, errs.New(opSummaries, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	for _, profile := range found {
		summaries[profile.ID] = profile.Summary()
	}
	return summaries, nil
}

func (s *Service) apply(ctx context.Context, operation, id string, changes map[string]interface{}) (Profile, error) {
	if username, ok := changes["username"].(string); ok {
		var taken int64
		if err := s.db.WithContext(ctx).Model(&Profile{}).Where(queryUsernameForeign, username, id).Count(&taken).Error; err != nil {
			s.logError(operation, reasonLookupFailed, err, zap.String("profile_id", id))
			return Profile{}, errs.New(operation, reasonLookupFailed, errs.ErrStoreFailure, err)
		}
		if taken > 0 {
			return Profile{}, errs.New(operation, reasonUsernameTaken, errs.ErrConflict, nil)
		}
	}

	changes["updated_at"] = s.clock().UTC().Truncate(time.Microsecond)
	result := s.db.WithContext(ctx).Model(&Profile{}).Where(queryProfileID, id).Updates(changes)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return Profile{}, errs.New(operation, reasonUsernameTaken, errs.ErrConflict, result.Error)
		}
		s.logError(operation, reasonUpdateFailed, result.Error, zap.String("profile_id", id))
		return Profile{}, errs.New(operation, reasonUpdateFailed, errs.ErrStoreFailure, result.Error)
	}
	if result.RowsAffected == 0 {
		return Profile{}, errs.New(operation, reasonNotFound, errs.ErrNotFound, nil)
	}

	profile, err := s.load(ctx, operation, id)
	if err != nil {
		return Profile{}, err
	}
	s.publish(ctx, profile)
	return profile, nil
}

func (s *Service) load(ctx context.Context, operation, id string) (Profile, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where(queryProfileID, id).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, errs.New(operation, reasonNotFound, errs.ErrNotFound, err)
	}
	if err != nil {
		s.logError(operation, reasonLookupFailed, err, zap.String("profile_id", id))
		return Profile{}, errs.New(operation, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	return profile, nil
}

func (s *Service) publish(ctx context.Context, profile Profile) {
	if s.publisher == nil {
		return
	}
	event, err := realtime.NewChangeEvent(realtime.EventUpdate, TableName, profile.ID, profile, profile.UpdatedAt)
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("profile change not published", zap.String("profile_id", profile.ID), zap.Error(err))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error(logMessageFailure, attrs...)
}
