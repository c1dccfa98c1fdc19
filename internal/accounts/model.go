package accounts

import (
	"strings"
	"time"
)

// Account is a sign-in principal. Federated accounts carry no password hash.
type Account struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	Username     string    `gorm:"column:username;size:30;not null;uniqueIndex" json:"username"`
	PasswordHash string    `gorm:"column:password_hash;size:100" json:"-"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updatedAt"`
}

func (Account) TableName() string {
	return "accounts"
}

// Identity maps a provider login onto an account.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID   string    `gorm:"column:account_id;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	AvatarURL   string    `gorm:"column:avatar_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Identity) TableName() string {
	return "user_identities"
}

// Session is returned by every successful sign-in.
type Session struct {
	AccessToken string  `json:"access_token"`
	ExpiresIn   int64   `json:"expires_in"`
	TokenType   string  `json:"token_type"`
	Account     Account `json:"account"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
