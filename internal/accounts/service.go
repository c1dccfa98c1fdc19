package accounts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oxdn/community/internal/activity"
	"github.com/oxdn/community/internal/auth"
	"github.com/oxdn/community/internal/errs"
	"github.com/oxdn/community/internal/profiles"
	"github.com/oxdn/community/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opServiceNew          = "accounts.service.new"
	opSignUp              = "accounts.sign_up"
	opCheckUsername       = "accounts.check_username_availability"
	opSignIn              = "accounts.sign_in"
	opSignInWithGoogle    = "accounts.sign_in_with_google"
	opSignOut             = "accounts.sign_out"
	opCurrentUser         = "accounts.current_user"
	reasonMissingDep      = "missing_dependency"
	reasonInvalidUsername = "invalid_username"
	reasonInvalidEmail    = "invalid_email"
	reasonInvalidPassword = "invalid_password"
	reasonUsernameTaken   = "username_taken"
	reasonEmailTaken      = "email_taken"
	reasonInvalidCreds    = "invalid_credentials"
	reasonMissingUserID   = "missing_user_id"
	reasonAccountNotFound = "account_not_found"
	reasonLookupFailed    = "lookup_failed"
	reasonCreateFailed    = "create_failed"
	reasonHashFailed      = "hash_failed"
	reasonLoginNotRecord  = "login_not_recorded"
	reasonTokenFailed     = "token_issue_failed"
	tokenTypeBearer       = "Bearer"
	logMessageFailure     = "accounts service error"
)

// SessionIssuer signs session tokens for authenticated principals.
type SessionIssuer interface {
	IssueSessionToken(ctx context.Context, principal auth.Principal) (string, int64, error)
}

// IDTokenVerifier verifies federated ID tokens.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.GoogleClaims, error)
}

// ServiceConfig describes the dependencies of the accounts service. Google is optional;
// without it federated sign-in is rejected.
type ServiceConfig struct {
	Database     *gorm.DB
	Activity     *activity.Service
	Stats        *stats.Service
	Tokens       SessionIssuer
	Google       IDTokenVerifier
	IDs          IDProvider
	PasswordCost int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service registers accounts and turns credentials into sessions.
type Service struct {
	db           *gorm.DB
	activity     *activity.Service
	stats        *stats.Service
	tokens       SessionIssuer
	google       IDTokenVerifier
	ids          IDProvider
	passwordCost int
	clock        func() time.Time
	logger       *zap.Logger
	identities   sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil || cfg.Activity == nil || cfg.Stats == nil || cfg.Tokens == nil {
		return nil, errs.New(opServiceNew, reasonMissingDep, errs.ErrInvalidArgument, nil)
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
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
		db:           cfg.Database,
		activity:     cfg.Activity,
		stats:        cfg.Stats,
		tokens:       cfg.Tokens,
		google:       cfg.Google,
		ids:          ids,
		passwordCost: cost,
		clock:        clock,
		logger:       logger,
	}, nil
}

func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// SignUp validates the credentials and creates the account with its profile, activity
// record and stats row in one transaction.
func (s *Service) SignUp(ctx context.Context, email, password, username string) (Account, error) {
	email = normalizeEmail(email)
	username = normalize(username)
	if err := validateUsername(username); err != nil {
		return Account{}, errs.New(opSignUp, reasonInvalidUsername, errs.ErrInvalidArgument, err)
	}
	if err := validateEmail(email); err != nil {
		return Account{}, errs.New(opSignUp, reasonInvalidEmail, errs.ErrInvalidArgument, err)
	}
	if err := validatePassword(password); err != nil {
		return Account{}, errs.New(opSignUp, reasonInvalidPassword, errs.ErrInvalidArgument, err)
	}

	available, err := s.usernameAvailable(ctx, username)
	if err != nil {
		s.logError(opSignUp, reasonLookupFailed, err)
		return Account{}, errs.New(opSignUp, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	if !available {
		return Account{}, errs.New(opSignUp, reasonUsernameTaken, errs.ErrConflict, nil)
	}
	if _, err := s.findByEmail(ctx, email); err == nil {
		return Account{}, errs.New(opSignUp, reasonEmailTaken, errs.ErrConflict, nil)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opSignUp, reasonLookupFailed, err)
		return Account{}, errs.New(opSignUp, reasonLookupFailed, errs.ErrStoreFailure, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.passwordCost)
	if err != nil {
		s.logError(opSignUp, reasonHashFailed, err)
		return Account{}, errs.New(opSignUp, reasonHashFailed, errs.ErrStoreFailure, err)
	}

	account, err := s.register(ctx, email, username, string(hash), nil)
	if err != nil {
		return Account{}, s.registrationError(ctx, opSignUp, email, err)
	}
	s.logger.Info("account registered", zap.String("user_id", account.ID))
	return account, nil
}

// CheckUsernameAvailability reports whether username is well formed and unused.
func (s *Service) CheckUsernameAvailability(ctx context.Context, username string) (bool, error) {
	username = normalize(username)
	if err := validateUsername(username); err != nil {
		return false, errs.New(opCheckUsername, reasonInvalidUsername, errs.ErrInvalidArgument, err)
	}
	available, err := s.usernameAvailable(ctx, username)
	if err != nil {
		s.logError(opCheckUsername, reasonLookupFailed, err)
		return false, errs.New(opCheckUsername, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	return available, nil
}

// SignIn verifies the password and records the login.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	account, err := s.findByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Session{}, errs.New(opSignIn, reasonInvalidCreds, errs.ErrUnauthorized, nil)
	}
	if err != nil {
		s.logError(opSignIn, reasonLookupFailed, err)
		return Session{}, errs.New(opSignIn, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	if account.PasswordHash == "" {
		return Session{}, errs.New(opSignIn, reasonInvalidCreds, errs.ErrUnauthorized, nil)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return Session{}, errs.New(opSignIn, reasonInvalidCreds, errs.ErrUnauthorized, err)
	}
	return s.openSession(ctx, opSignIn, account)
}

// SignOut marks the user offline. Tokens are stateless and simply expire.
func (s *Service) SignOut(ctx context.Context, userID string) error {
	userID = normalize(userID)
	if userID == "" {
		return errs.New(opSignOut, reasonMissingUserID, errs.ErrInvalidArgument, nil)
	}
	_, err := s.activity.SetStatus(ctx, userID, activity.StatusOffline.String())
	return err
}

func (s *Service) CurrentUser(ctx context.Context, userID string) (Account, error) {
	userID = normalize(userID)
	if userID == "" {
		return Account{}, errs.New(opCurrentUser, reasonMissingUserID, errs.ErrInvalidArgument, nil)
	}
	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, errs.New(opCurrentUser, reasonAccountNotFound, errs.ErrNotFound, err)
	}
	if err != nil {
		s.logError(opCurrentUser, reasonLookupFailed, err)
		return Account{}, errs.New(opCurrentUser, reasonLookupFailed, errs.ErrStoreFailure, err)
	}
	return account, nil
}

// openSession records a successful authentication and issues the session token.
func (s *Service) openSession(ctx context.Context, operation string, account Account) (Session, error) {
	if _, err := s.activity.RecordLogin(ctx, account.ID); err != nil {
		return Session{}, errs.New(operation, reasonLoginNotRecord, errs.ErrStoreFailure, err)
	}
	if _, err := s.stats.RecordLogin(ctx, account.ID); err != nil {
		return Session{}, errs.New(operation, reasonLoginNotRecord, errs.ErrStoreFailure, err)
	}
	token, expiresIn, err := s.tokens.IssueSessionToken(ctx, auth.Principal{UserID: account.ID, Username: account.Username})
	if err != nil {
		s.logError(operation, reasonTokenFailed, err, zap.String("user_id", account.ID))
		return Session{}, errs.New(operation, reasonTokenFailed, errs.ErrStoreFailure, err)
	}
	return Session{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   tokenTypeBearer,
		Account:     account,
	}, nil
}

// register creates the account and every row owned by it. identity is optional.
func (s *Service) register(ctx context.Context, email, username, passwordHash string, identity *Identity) (Account, error) {
	accountID, err := s.ids.NewID()
	if err != nil {
		return Account{}, err
	}
	now := s.now()
	account := Account{
		ID:           accountID,
		Email:        email,
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		profile := profiles.NewProfile(accountID, username, email, now)
		if identity != nil {
			profile.AvatarURL = identity.AvatarURL
		}
		if err := tx.Create(&profile).Error; err != nil {
			return err
		}
		record := activity.NewOfflineRecord(accountID, now)
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		counters := stats.NewStats(accountID, now)
		if err := tx.Create(&counters).Error; err != nil {
			return err
		}
		if identity != nil {
			identity.AccountID = accountID
			identity.CreatedAt = now
			identity.UpdatedAt = now
			identity.LastSeenAt = now
			if err := tx.Create(identity).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// registrationError maps a failed register call. A duplicate key means a concurrent
// registration won the race; the email is checked first to tell which column collided.
func (s *Service) registrationError(ctx context.Context, operation, email string, err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		if _, lookupErr := s.findByEmail(ctx, email); lookupErr == nil {
			return errs.New(operation, reasonEmailTaken, errs.ErrConflict, err)
		}
		return errs.New(operation, reasonUsernameTaken, errs.ErrConflict, err)
	}
	s.logError(operation, reasonCreateFailed, err)
	return errs.New(operation, reasonCreateFailed, errs.ErrStoreFailure, err)
}

func (s *Service) usernameAvailable(ctx context.Context, username string) (bool, error) {
	var accounts int64
	if err := s.db.WithContext(ctx).Model(&Account{}).Where("username = ?", username).Count(&accounts).Error; err != nil {
		return false, err
	}
	if accounts > 0 {
		return false, nil
	}
	var claimed int64
	if err := s.db.WithContext(ctx).Model(&profiles.Profile{}).Where("username = ?", username).Count(&claimed).Error; err != nil {
		return false, err
	}
	return claimed == 0, nil
}

func (s *Service) findByEmail(ctx context.Context, email string) (Account, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&account).Error
	return account, err
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	s.logger.Error(logMessageFailure, append(attrs, fields...)...)
}
