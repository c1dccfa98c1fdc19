package profiles

import (
	"time"

	"gorm.io/datatypes"
)

const (
	TableName   = "profiles"
	RoleMember  = "member"
	maxGames    = 20
	maxGameName = 64
)

// Profile is the public face of an account.
type Profile struct {
	ID            string                      `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Username      string                      `gorm:"column:username;size:30;not null;uniqueIndex" json:"username"`
	Email         string                      `gorm:"column:email;size:320" json:"email"`
	Role          string                      `gorm:"column:role;size:32;not null;default:member" json:"role"`
	AvatarURL     string                      `gorm:"column:avatar_url;size:512" json:"avatarUrl"`
	DiscordID     string                      `gorm:"column:discord_id;size:64" json:"discordId"`
	SteamID       string                      `gorm:"column:steam_id;size:64" json:"steamId"`
	FavoriteGames datatypes.JSONSlice[string] `gorm:"column:favorite_games" json:"favoriteGames"`
	CreatedAt     time.Time                   `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time                   `gorm:"column:updated_at" json:"updatedAt"`
}

func (Profile) TableName() string {
	return TableName
}

// NewProfile builds the member profile created alongside an account.
func NewProfile(id, username, email string, now time.Time) Profile {
	return Profile{
		ID:            id,
		Username:      username,
		Email:         email,
		Role:          RoleMember,
		FavoriteGames: datatypes.JSONSlice[string]{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Summary is the slice of a profile shown next to presence entries.
type Summary struct {
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
}

func (p Profile) Summary() Summary {
	return Summary{Username: p.Username, AvatarURL: p.AvatarURL, Role: p.Role}
}

// Update lists the mutable profile fields; nil means unchanged.
type Update struct {
	Username      *string   `json:"username"`
	AvatarURL     *string   `json:"avatarUrl"`
	DiscordID     *string   `json:"discordId"`
	SteamID       *string   `json:"steamId"`
	FavoriteGames *[]string `json:"favoriteGames"`
}

// GamingInfo replaces the gaming fields as one unit.
type GamingInfo struct {
	DiscordID     string   `json:"discordId"`
	SteamID       string   `json:"steamId"`
	FavoriteGames []string `json:"favoriteGames"`
}
