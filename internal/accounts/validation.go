package accounts

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/oxdn/community/internal/profiles"
)

const (
	minPasswordLength   = 6
	passwordSpecialSet  = `!@#$%^&*(),.?":{}|<>`
	maxBcryptInputBytes = 72
)

var (
	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	digitPattern = regexp.MustCompile(`\d`)

	errInvalidEmail        = errors.New("please enter a valid email address")
	errPasswordTooShort    = errors.New("password must be at least 6 characters long")
	errPasswordNeedsDigit  = errors.New("password must contain at least one number")
	errPasswordNeedsSymbol = errors.New("password must contain at least one special character")
	errPasswordTooLong     = errors.New("password must not exceed 72 bytes")
)

func validateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return errInvalidEmail
	}
	return nil
}

func validatePassword(password string) error {
	switch {
	case utf8.RuneCountInString(password) < minPasswordLength:
		return errPasswordTooShort
	case len(password) > maxBcryptInputBytes:
		return errPasswordTooLong
	case !digitPattern.MatchString(password):
		return errPasswordNeedsDigit
	case !strings.ContainsAny(password, passwordSpecialSet):
		return errPasswordNeedsSymbol
	}
	return nil
}

func validateUsername(username string) error {
	return profiles.ValidateUsername(username)
}
