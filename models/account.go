package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account is a named balance holder owned by exactly one user. Balance is
// mutated only through the ledger engine so that it always equals the sum of
// the owning transactions' signed effects.
type Account struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time
	UserID    uint            `gorm:"index;not null;uniqueIndex:idx_user_account_name"`
	Name      string          `gorm:"size:255;not null;uniqueIndex:idx_user_account_name"`
	Kind      string          `gorm:"size:32;not null;default:CURRENT"`
	Currency  string          `gorm:"size:8;not null;default:USD"`
	Balance   decimal.Decimal `gorm:"type:numeric(20,2);not null;default:0"`
}
