package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType discriminates the sign of a transaction's balance effect.
type TransactionType string

const (
	TransactionIncome  TransactionType = "INCOME"
	TransactionExpense TransactionType = "EXPENSE"
)

// Transaction is a ledger entry belonging to one user and one account.
// Amount is a positive magnitude; the type gives it a sign (+ for income,
// - for expense) when applied to the account balance.
type Transaction struct {
	ID                uint `gorm:"primaryKey"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	UserID            uint            `gorm:"index;not null"`
	AccountID         uint            `gorm:"index;not null"`
	Type              TransactionType `gorm:"size:16;not null"`
	Amount            decimal.Decimal `gorm:"type:numeric(20,2);not null"`
	Date              time.Time       `gorm:"index;not null"`
	Category          string          `gorm:"size:64"`
	Description       string          `gorm:"size:512"`
	Merchant          string          `gorm:"size:255"`
	IsRecurring       bool            `gorm:"not null;default:false"`
	RecurringInterval *string         `gorm:"size:16"`
	NextRecurringDate *time.Time
}

// Effect returns the signed contribution of the transaction to its account's
// balance.
func (t *Transaction) Effect() decimal.Decimal {
	if t.Type == TransactionExpense {
		return t.Amount.Neg()
	}
	return t.Amount
}
