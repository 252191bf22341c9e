package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"finledger/models"
	"finledger/pkg/admission"
	"finledger/pkg/schedule"
)

// stubGate records calls and returns a canned decision. The services under
// test are built with a nil *gorm.DB: any store access after a denial would
// panic, so a clean typed error proves the short-circuit.
type stubGate struct {
	calls int
	dec   admission.Decision
	err   error
}

func (g *stubGate) Admit(ctx context.Context, key string, cost int64) (admission.Decision, error) {
	g.calls++
	return g.dec, g.err
}

func allowGate() *stubGate {
	return &stubGate{dec: admission.Decision{Allowed: true, Remaining: 10}}
}

func validDraft() Draft {
	return Draft{
		AccountID: 1,
		Type:      models.TransactionExpense,
		Amount:    decimal.NewFromInt(30),
		Date:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Category:  "food",
	}
}

func caller() Identity {
	return Identity{Authenticated: true, ExternalID: "user1"}
}

func TestCreateRateLimitedShortCircuit(t *testing.T) {
	gate := &stubGate{dec: admission.Decision{
		Allowed:    false,
		Reason:     admission.ReasonRateLimited,
		Remaining:  0,
		ResetAfter: 42 * time.Second,
	}}
	svc := New(nil, gate)

	_, err := svc.Create(context.Background(), caller(), validDraft())
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err %v carries no RateLimitedError", err)
	}
	if rl.ResetAfter != 42*time.Second {
		t.Errorf("ResetAfter = %v, want 42s", rl.ResetAfter)
	}
	if gate.calls != 1 {
		t.Errorf("gate called %d times, want 1", gate.calls)
	}
}

func TestUpdateBlockedShortCircuit(t *testing.T) {
	gate := &stubGate{dec: admission.Decision{Allowed: false, Reason: admission.ReasonBlocked}}
	svc := New(nil, gate)

	_, err := svc.Update(context.Background(), caller(), 7, validDraft())
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatal("blocked denial must not look rate-limited")
	}
}

func TestDeleteGateFailureIsHardDenial(t *testing.T) {
	gate := &stubGate{err: errors.New("redis timeout")}
	svc := New(nil, gate)

	err := svc.Delete(context.Background(), caller(), 7)
	if !errors.Is(err, ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked on gate failure", err)
	}
}

func TestMutationsUnauthenticated(t *testing.T) {
	gate := allowGate()
	svc := New(nil, gate)
	anon := Identity{}

	if _, err := svc.Create(context.Background(), anon, validDraft()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Create err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Update(context.Background(), anon, 1, validDraft()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Update err = %v, want ErrUnauthorized", err)
	}
	if err := svc.Delete(context.Background(), anon, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Delete err = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.GetByID(context.Background(), anon, 1); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("GetByID err = %v, want ErrUnauthorized", err)
	}
	if gate.calls != 0 {
		t.Errorf("gate consulted for unauthenticated callers: %d calls", gate.calls)
	}
}

func TestDraftValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Draft)
	}{
		{"missing account", func(d *Draft) { d.AccountID = 0 }},
		{"bad type", func(d *Draft) { d.Type = "TRANSFER" }},
		{"negative amount", func(d *Draft) { d.Amount = decimal.NewFromInt(-5) }},
		{"zero date", func(d *Draft) { d.Date = time.Time{} }},
		{"unknown interval", func(d *Draft) {
			d.IsRecurring = true
			d.Interval = "HOURLY"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := New(nil, allowGate())
			draft := validDraft()
			tt.mutate(&draft)
			_, err := svc.Create(context.Background(), caller(), draft)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestDraftEffect(t *testing.T) {
	d := validDraft()
	if !d.effect().Equal(decimal.NewFromInt(-30)) {
		t.Errorf("expense effect = %s, want -30", d.effect())
	}
	d.Type = models.TransactionIncome
	if !d.effect().Equal(decimal.NewFromInt(30)) {
		t.Errorf("income effect = %s, want 30", d.effect())
	}
}

func TestDraftNextRecurring(t *testing.T) {
	d := validDraft()
	next, err := d.nextRecurring()
	if err != nil || next != nil {
		t.Fatalf("non-recurring draft: next=%v err=%v", next, err)
	}

	d.IsRecurring = true
	next, err = d.nextRecurring()
	if err != nil || next != nil {
		t.Fatalf("recurring without interval must have nil next: next=%v err=%v", next, err)
	}

	d.Interval = schedule.Monthly
	next, err = d.nextRecurring()
	if err != nil {
		t.Fatal(err)
	}
	if next == nil || next.Format("2006-01-02") != "2024-04-01" {
		t.Fatalf("next = %v, want 2024-04-01", next)
	}
	if !next.After(d.Date) {
		t.Fatal("next occurrence not strictly later than the transaction date")
	}
}

func TestTransactionEffect(t *testing.T) {
	rec := models.Transaction{Type: models.TransactionExpense, Amount: decimal.NewFromFloat(12.5)}
	if !rec.Effect().Equal(decimal.NewFromFloat(-12.5)) {
		t.Errorf("Effect() = %s, want -12.5", rec.Effect())
	}
}
