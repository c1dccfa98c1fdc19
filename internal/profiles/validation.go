package profiles

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,30}$`)

	ErrInvalidUsername  = errors.New("username must be 3-30 characters of letters, digits or underscores")
	ErrInvalidAvatarURL = errors.New("avatar url must be an absolute http or https url")
)

// ValidateUsername enforces the handle format shared by sign-up and profile edits.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

func validateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return ErrInvalidAvatarURL
	}
	return nil
}

func normalizeGames(games []string) ([]string, error) {
	if len(games) > maxGames {
		return nil, fmt.Errorf("at most %d favorite games are allowed", maxGames)
	}
	normalized := make([]string, 0, len(games))
	seen := make(map[string]struct{}, len(games))
	for _, game := range games {
		name := strings.TrimSpace(game)
		if name == "" {
			continue
		}
		if len(name) > maxGameName {
			return nil, fmt.Errorf("favorite game names are limited to %d characters", maxGameName)
		}
		key := strings.ToLower(name)
		if _, duplicate := seen[key]; duplicate {
			continue
		}
		seen[key] = struct{}{}
		normalized = append(normalized, name)
	}
	return normalized, nil
}
