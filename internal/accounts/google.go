package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oxdn/community/internal/auth"
	"github.com/oxdn/community/internal/errs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	providerGoogle         = "google"
	reasonGoogleDisabled   = "google_sign_in_disabled"
	reasonInvalidIDToken   = "invalid_id_token"
	reasonMissingEmail     = "missing_email"
	reasonUnverifiedEmail  = "unverified_email"
	maxUsernameLength      = 30
	minUsernameLength      = 3
	maxUsernameCandidates  = 50
	usernameFallbackPrefix = "player"
)

// SignInWithGoogle verifies a Google ID token, resolves or creates the account behind
// it and records the login.
func (s *Service) SignInWithGoogle(ctx context.Context, idToken string) (Session, error) {
	if s.google == nil {
		return Session{}, errs.New(opSignInWithGoogle, reasonGoogleDisabled, errs.ErrUnauthorized, nil)
	}
	claims, err := s.google.Verify(ctx, idToken)
	if err != nil {
		s.logger.Info("google token rejected", zap.Error(err))
		return Session{}, errs.New(opSignInWithGoogle, reasonInvalidIDToken, errs.ErrUnauthorized, err)
	}

	account, err := s.resolveGoogleAccount(ctx, claims)
	if err != nil {
		return Session{}, err
	}
	return s.openSession(ctx, opSignInWithGoogle, account)
}

// resolveGoogleAccount maps provider+subject to an account, linking by verified email or
// registering a new account the first time the subject is seen.
func (s *Service) resolveGoogleAccount(ctx context.Context, claims auth.GoogleClaims) (Account, error) {
	subject := normalize(claims.Subject)
	cacheKey := providerGoogle + ":" + subject

	accountID := ""
	if cached, ok := s.identities.Load(cacheKey); ok {
		accountID, _ = cached.(string)
	}
	if accountID == "" {
		var identity Identity
		err := s.db.WithContext(ctx).
			Where("provider = ? AND subject = ?", providerGoogle, subject).
			Take(&identity).Error
		switch {
		case err == nil:
			accountID = identity.AccountID
		case errors.Is(err, gorm.ErrRecordNotFound):
			account, err := s.linkOrRegister(ctx, subject, claims)
			if err != nil {
				return Account{}, err
			}
			s.identities.Store(cacheKey, account.ID)
			return account, nil
		default:
			s.logError(opSignInWithGoogle, reasonLookupFailed, err)
			return Account{}, errs.New(opSignInWithGoogle, reasonLookupFailed, errs.ErrStoreFailure, err)
		}
	}

	s.refreshIdentity(ctx, subject, claims)
	account, err := s.CurrentUser(ctx, accountID)
	if err != nil {
		return Account{}, err
	}
	s.identities.Store(cacheKey, account.ID)
	return account, nil
}

func (s *Service) linkOrRegister(ctx context.Context, subject string, claims auth.GoogleClaims) (Account, error) {
	email := normalizeEmail(claims.Email)
	if email == "" {
		return Account{}, errs.New(opSignInWithGoogle, reasonMissingEmail, errs.ErrInvalidArgument, nil)
	}
	identity := Identity{
		Provider:    providerGoogle,
		Subject:     subject,
		Email:       email,
		DisplayName: normalize(claims.Name),
		AvatarURL:   normalize(claims.Picture),
	}

	existing, err := s.findByEmail(ctx, email)
	if err == nil {
		if !claims.EmailVerified {
			return Account{}, errs.New(opSignInWithGoogle, reasonUnverifiedEmail, errs.ErrConflict, nil)
		}
		now := s.now()
		identity.AccountID = existing.ID
		identity.CreatedAt = now
		identity.UpdatedAt = now
		identity.LastSeenAt = now
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			s.logError(opSignInWithGoogle, reasonCreateFailed, err)
			return Account{}, errs.New(opSignInWithGoogle, reasonCreateFailed, errs.ErrStoreFailure, err)
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSignInWithGoogle, reasonLookupFailed, err)
		return Account{}, errs.New(opSignInWithGoogle, reasonLookupFailed, errs.ErrStoreFailure, err)
	}

	username, err := s.deriveUsername(ctx, email, claims.Name)
	if err != nil {
		s.logError(opSignInWithGoogle, reasonLookupFailed, err)
		return Account{}, errs.New(opSignInWithGoogle, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	account, err := s.register(ctx, email, username, "", &identity)
	if err != nil {
		return Account{}, s.registrationError(ctx, opSignInWithGoogle, email, err)
	}
	s.logger.Info("account registered", zap.String("user_id", account.ID), zap.String("provider", providerGoogle))
	return account, nil
}

// refreshIdentity keeps the provider profile fields current. Failures are not fatal to
// sign-in.
func (s *Service) refreshIdentity(ctx context.Context, subject string, claims auth.GoogleClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now(), "updated_at": s.now()}
	if email := normalizeEmail(claims.Email); email != "" {
		updates["email"] = email
	}
	if name := normalize(claims.Name); name != "" {
		updates["display_name"] = name
	}
	if picture := normalize(claims.Picture); picture != "" {
		updates["avatar_url"] = picture
	}
	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", providerGoogle, subject).
		Updates(updates).Error
	if err != nil {
		s.logger.Warn("identity refresh failed", zap.String("subject", subject), zap.Error(err))
	}
}

// deriveUsername turns the email local part (or display name) into a free handle.
func (s *Service) deriveUsername(ctx context.Context, email, displayName string) (string, error) {
	base := sanitizeUsername(strings.SplitN(email, "@", 2)[0])
	if len(base) < minUsernameLength {
		base = sanitizeUsername(displayName)
	}
	if len(base) < minUsernameLength {
		base = usernameFallbackPrefix
	}
	for attempt := 0; attempt < maxUsernameCandidates; attempt++ {
		candidate := base
		if attempt > 0 {
			suffix := fmt.Sprintf("_%d", attempt)
			if len(candidate)+len(suffix) > maxUsernameLength {
				candidate = candidate[:maxUsernameLength-len(suffix)]
			}
			candidate += suffix
		}
		available, err := s.usernameAvailable(ctx, candidate)
		if err != nil {
			return "", err
		}
		if available {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free username derived from %q", base)
}

func sanitizeUsername(raw string) string {
	var builder strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			builder.WriteRune(r)
		case r == '.' || r == '-' || r == ' ' || r == '+':
			builder.WriteRune('_')
		}
		if builder.Len() == maxUsernameLength {
			break
		}
	}
	return builder.String()
}
