// Package ledger is the transactional core: it creates, updates and deletes
// transaction records while keeping the owning account's balance in lockstep,
// behind an admission gate.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"finledger/models"
	"finledger/pkg/admission"
	"finledger/pkg/schedule"
)

// admissionCost is the fixed unit charged per mutating operation. There is no
// batching, so every mutation costs exactly one.
const admissionCost = 1

// Identity is the caller's identity, threaded explicitly into every
// operation. ExternalID is the identity collaborator's stable token (the JWT
// subject); the service maps it to an internal user row.
type Identity struct {
	Authenticated bool
	ExternalID    string
}

// Draft is an in-memory, not-yet-persisted transaction pending commit.
// Amount is a positive magnitude; Type gives it a sign.
type Draft struct {
	AccountID   uint
	Type        models.TransactionType
	Amount      decimal.Decimal
	Date        time.Time
	Category    string
	Description string
	Merchant    string
	IsRecurring bool
	Interval    schedule.Interval
}

func (d *Draft) validate() error {
	if d.AccountID == 0 {
		return fmt.Errorf("%w: account id required", ErrValidation)
	}
	if d.Type != models.TransactionIncome && d.Type != models.TransactionExpense {
		return fmt.Errorf("%w: unknown transaction type %q", ErrValidation, d.Type)
	}
	if d.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	if d.Date.IsZero() {
		return fmt.Errorf("%w: date required", ErrValidation)
	}
	if d.IsRecurring && d.Interval != "" && !schedule.Valid(d.Interval) {
		return fmt.Errorf("%w: unknown recurrence interval %q", ErrValidation, d.Interval)
	}
	return nil
}

// effect is the signed balance contribution of the draft.
func (d *Draft) effect() decimal.Decimal {
	if d.Type == models.TransactionExpense {
		return d.Amount.Neg()
	}
	return d.Amount
}

// nextRecurring computes the derived next-occurrence date: non-nil iff the
// draft is recurring and names an interval.
func (d *Draft) nextRecurring() (*time.Time, error) {
	if !d.IsRecurring || d.Interval == "" {
		return nil, nil
	}
	next, err := schedule.Next(d.Date, d.Interval)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &next, nil
}

// Filter narrows a transaction listing. Nil / zero fields are ignored.
type Filter struct {
	AccountID *uint
	Category  string
	Type      models.TransactionType
	From      *time.Time
	To        *time.Time
}

// Service executes ledger mutations and queries against a shared
// transactional store. Safe for concurrent use.
type Service struct {
	db   *gorm.DB
	gate admission.Gate
}

// New builds a Service on the given store and admission gate.
func New(db *gorm.DB, gate admission.Gate) *Service {
	return &Service{db: db, gate: gate}
}

// admit runs the gate check. It completes before any ledger state is read; a
// gate transport failure is a hard denial, never partial credit.
func (s *Service) admit(ctx context.Context, id Identity) error {
	dec, err := s.gate.Admit(ctx, id.ExternalID, admissionCost)
	if err != nil {
		return fmt.Errorf("%w: admission check failed: %v", ErrBlocked, err)
	}
	if dec.Allowed {
		return nil
	}
	if dec.Reason == admission.ReasonRateLimited {
		return &RateLimitedError{Remaining: dec.Remaining, ResetAfter: dec.ResetAfter}
	}
	return ErrBlocked
}

func (s *Service) resolveUser(ctx context.Context, id Identity) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", id.ExternalID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &user, nil
}

// lockAccount fetches an account row under FOR UPDATE, scoped to its owner.
// A missing or foreign account is ErrNotFound either way.
func lockAccount(tx *gorm.DB, userID, accountID uint) (*models.Account, error) {
	var account models.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", accountID, userID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &account, nil
}

func applyBalanceDelta(tx *gorm.DB, accountID uint, delta decimal.Decimal) error {
	err := tx.Model(&models.Account{}).Where("id = ?", accountID).
		Update("balance", gorm.Expr("balance + ?", delta)).Error
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStore, err)
	}
	return nil
}

// Create inserts a transaction and applies its effect to the owning account
// balance in one atomic unit.
func (s *Service) Create(ctx context.Context, id Identity, draft Draft) (*models.Transaction, error) {
	if !id.Authenticated {
		return nil, ErrUnauthorized
	}
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	if err := draft.validate(); err != nil {
		return nil, err
	}
	next, err := draft.nextRecurring()
	if err != nil {
		return nil, err
	}
	user, err := s.resolveUser(ctx, id)
	if err != nil {
		return nil, err
	}

	rec := models.Transaction{
		UserID:            user.ID,
		AccountID:         draft.AccountID,
		Type:              draft.Type,
		Amount:            draft.Amount,
		Date:              draft.Date,
		Category:          draft.Category,
		Description:       draft.Description,
		Merchant:          draft.Merchant,
		IsRecurring:       draft.IsRecurring,
		NextRecurringDate: next,
	}
	if draft.IsRecurring && draft.Interval != "" {
		iv := string(draft.Interval)
		rec.RecurringInterval = &iv
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockAccount(tx, user.ID, draft.AccountID); err != nil {
			return err
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return applyBalanceDelta(tx, draft.AccountID, draft.effect())
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Update overwrites a transaction with a new draft and adjusts balances by
// the incremental delta, so concurrent updates to one account compose. When
// the draft moves the transaction to another account, the old account gets
// the reversal and the new one the full new effect, with both rows locked in
// ascending-id order.
func (s *Service) Update(ctx context.Context, id Identity, txID uint, draft Draft) (*models.Transaction, error) {
	if !id.Authenticated {
		return nil, ErrUnauthorized
	}
	if err := s.admit(ctx, id); err != nil {
		return nil, err
	}
	if err := draft.validate(); err != nil {
		return nil, err
	}
	next, err := draft.nextRecurring()
	if err != nil {
		return nil, err
	}
	user, err := s.resolveUser(ctx, id)
	if err != nil {
		return nil, err
	}

	var rec models.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock the transaction row itself so a concurrent Delete cannot slip
		// between this read and the Save below.
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", txID, user.ID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		oldEffect := rec.Effect()
		oldAccountID := rec.AccountID

		// Lock every touched account in ascending id order to avoid deadlock
		// between concurrent cross-account moves.
		ids := []uint{oldAccountID}
		if draft.AccountID != oldAccountID {
			ids = append(ids, draft.AccountID)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, accID := range ids {
			if _, err := lockAccount(tx, user.ID, accID); err != nil {
				return err
			}
		}

		rec.AccountID = draft.AccountID
		rec.Type = draft.Type
		rec.Amount = draft.Amount
		rec.Date = draft.Date
		rec.Category = draft.Category
		rec.Description = draft.Description
		rec.Merchant = draft.Merchant
		rec.IsRecurring = draft.IsRecurring
		rec.NextRecurringDate = next
		rec.RecurringInterval = nil
		if draft.IsRecurring && draft.Interval != "" {
			iv := string(draft.Interval)
			rec.RecurringInterval = &iv
		}
		res := tx.Save(&rec)
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrStore, res.Error)
		}
		if res.RowsAffected == 0 {
			// row vanished between the read and the write; never apply the
			// balance effect of a transaction that no longer exists
			return ErrNotFound
		}

		if draft.AccountID == oldAccountID {
			delta := draft.effect().Sub(oldEffect)
			return applyBalanceDelta(tx, oldAccountID, delta)
		}
		if err := applyBalanceDelta(tx, oldAccountID, oldEffect.Neg()); err != nil {
			return err
		}
		return applyBalanceDelta(tx, draft.AccountID, draft.effect())
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a transaction and reverses its balance effect in the same
// atomic unit.
func (s *Service) Delete(ctx context.Context, id Identity, txID uint) error {
	if !id.Authenticated {
		return ErrUnauthorized
	}
	if err := s.admit(ctx, id); err != nil {
		return err
	}
	user, err := s.resolveUser(ctx, id)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Transaction
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", txID, user.ID).First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		if _, err := lockAccount(tx, user.ID, rec.AccountID); err != nil {
			return err
		}
		if err := tx.Delete(&rec).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrStore, err)
		}
		return applyBalanceDelta(tx, rec.AccountID, rec.Effect().Neg())
	})
}

// GetByID fetches one transaction scoped to the caller. Reads are cost-free
// and skip the admission gate.
func (s *Service) GetByID(ctx context.Context, id Identity, txID uint) (*models.Transaction, error) {
	if !id.Authenticated {
		return nil, ErrUnauthorized
	}
	user, err := s.resolveUser(ctx, id)
	if err != nil {
		return nil, err
	}
	var rec models.Transaction
	err = s.db.WithContext(ctx).Where("id = ? AND user_id = ?", txID, user.ID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return &rec, nil
}

// ListForUser returns the caller's transactions matching the filter, ordered
// by occurrence date descending. No implicit limit; callers paginate.
func (s *Service) ListForUser(ctx context.Context, id Identity, f Filter) ([]models.Transaction, error) {
	if !id.Authenticated {
		return nil, ErrUnauthorized
	}
	user, err := s.resolveUser(ctx, id)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("user_id = ?", user.ID)
	if f.AccountID != nil {
		q = q.Where("account_id = ?", *f.AccountID)
	}
	if f.Category != "" {
		q = q.Where("category = ?", f.Category)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.From != nil {
		q = q.Where("date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("date <= ?", *f.To)
	}
	var items []models.Transaction
	if err := q.Order("date desc").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return items, nil
}
