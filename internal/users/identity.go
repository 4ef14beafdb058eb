package users

import (
	"strings"
	"time"
)

// Identity maps a provider-qualified token subject onto the canonical user
// id that owns server-side subscriptions.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing sync client identities.
func (Identity) TableName() string {
	return "sync_identities"
}

// Claims carries what the token layer knows about a client.
type Claims struct {
	Subject     string
	DisplayName string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
