package models

import "time"

// RefreshToken is the server-side half of a ledger session: only the hash of
// the issued token is kept, so a leaked table cannot mint new sessions.
// Rotation replaces the row, revocation flags it.
type RefreshToken struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	UserID    uint      `gorm:"index;not null"`
	TokenHash string    `gorm:"size:128;not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"index;not null"`
	Revoked   bool      `gorm:"default:false"`
}
