package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"finledger/models"
	"finledger/pkg/admission"
	"finledger/pkg/ledger"
	"finledger/pkg/logger"
)

// helper to perform requests with auth token
func performRequest(r http.Handler, method, path string, body io.Reader, token string, contentType string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func setupTestServer(t *testing.T) *gin.Engine {
	// integration tests are opt-in. Set DB_DSN_TEST=1 and DB_DSN to run them.
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	gin.SetMode(gin.TestMode)
	logg = logger.NewWithWriter(io.Discard)
	jwtSecret = []byte("test-secret")
	initDB()
	gate = admission.Open()
	ledgerSvc = ledger.New(db, gate)
	r := gin.Default()
	setupRoutes(r)
	return r
}

func registerAndLogin(t *testing.T, r *gin.Engine, username, password string) string {
	t.Helper()
	regBody, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp := performRequest(r, http.MethodPost, "/register", bytes.NewBuffer(regBody), "", "application/json")
	if resp.Code != 200 && resp.Code != 409 {
		t.Fatalf("register failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	loginBody, _ := json.Marshal(map[string]string{"username": username, "password": password})
	resp = performRequest(r, http.MethodPost, "/login", bytes.NewBuffer(loginBody), "", "application/json")
	if resp.Code != 200 {
		t.Fatalf("login failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var loginResp map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &loginResp)
	token, _ := loginResp["token"].(string)
	if token == "" {
		t.Fatalf("empty token in login response: %+v", loginResp)
	}
	return token
}

func getAccountBalance(t *testing.T, r *gin.Engine, token string, accountID uint) decimal.Decimal {
	t.Helper()
	resp := performRequest(r, http.MethodGet, fmt.Sprintf("/accounts/%d", accountID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("get account failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var acc models.Account
	if err := json.Unmarshal(resp.Body.Bytes(), &acc); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return acc.Balance
}

func TestLedgerFlow(t *testing.T) {
	r := setupTestServer(t)
	suffix := time.Now().Format("150405.000000")
	token := registerAndLogin(t, r, "alice-"+suffix, "pass123")

	// 1. Open an account with balance 100
	accBody, _ := json.Marshal(map[string]any{"name": "main-" + suffix, "balance": 100, "currency": "USD"})
	resp := performRequest(r, http.MethodPost, "/accounts", bytes.NewBuffer(accBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create account failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var acc models.Account
	_ = json.Unmarshal(resp.Body.Bytes(), &acc)
	if !acc.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("opening balance = %s, want 100", acc.Balance)
	}

	// 2. EXPENSE 30 -> balance 70
	txBody, _ := json.Marshal(map[string]any{
		"account_id": acc.ID, "type": "EXPENSE", "amount": 30,
		"date": "2024-03-01", "category": "food", "description": "lunch",
	})
	resp = performRequest(r, http.MethodPost, "/transactions", bytes.NewBuffer(txBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create transaction failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var tx models.Transaction
	_ = json.Unmarshal(resp.Body.Bytes(), &tx)
	if !tx.Amount.Equal(decimal.NewFromInt(30)) || tx.Type != models.TransactionExpense {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("balance after expense 30 = %s, want 70", bal)
	}

	// 3. Update the expense to 50 -> delta -20, balance 50
	updBody, _ := json.Marshal(map[string]any{
		"account_id": acc.ID, "type": "EXPENSE", "amount": 50,
		"date": "2024-03-01", "category": "food", "description": "lunch",
	})
	resp = performRequest(r, http.MethodPut, fmt.Sprintf("/transactions/%d", tx.ID), bytes.NewBuffer(updBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("update transaction failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance after update to 50 = %s, want 50", bal)
	}

	// 4. Recurring monthly income dated Jan 31 -> next occurrence clamps to Feb 29 (2024 is a leap year)
	recBody, _ := json.Marshal(map[string]any{
		"account_id": acc.ID, "type": "INCOME", "amount": 10,
		"date": "2024-01-31", "category": "other-expense",
		"is_recurring": true, "recurring_interval": "MONTHLY",
	})
	resp = performRequest(r, http.MethodPost, "/transactions", bytes.NewBuffer(recBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create recurring transaction failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var recur models.Transaction
	_ = json.Unmarshal(resp.Body.Bytes(), &recur)
	if recur.NextRecurringDate == nil || recur.NextRecurringDate.Format("2006-01-02") != "2024-02-29" {
		t.Fatalf("next recurring date = %v, want 2024-02-29", recur.NextRecurringDate)
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("balance after income 10 = %s, want 60", bal)
	}

	// 5. Listing is date-descending
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/transactions?account_id=%d", acc.ID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("list transactions failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var items []models.Transaction
	_ = json.Unmarshal(resp.Body.Bytes(), &items)
	if len(items) != 2 {
		t.Fatalf("listed %d transactions, want 2", len(items))
	}
	if items[0].Date.Before(items[1].Date) {
		t.Fatalf("listing not date-descending: %v before %v", items[0].Date, items[1].Date)
	}

	// 6. Another user must not see or touch these rows
	token2 := registerAndLogin(t, r, "bob-"+suffix, "pass123")
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/transactions/%d", tx.ID), nil, token2, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cross-user get: status=%d, want 404", resp.Code)
	}
	resp = performRequest(r, http.MethodPut, fmt.Sprintf("/transactions/%d", tx.ID), bytes.NewBuffer(updBody), token2, "application/json")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("cross-user update: status=%d, want 404", resp.Code)
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("balance changed by cross-user update attempt: %s", bal)
	}

	// 7. Delete reverses the effect: 60 + 50 = 110
	resp = performRequest(r, http.MethodDelete, fmt.Sprintf("/transactions/%d", tx.ID), nil, token, "")
	if resp.Code != 200 {
		t.Fatalf("delete transaction failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("balance after delete = %s, want 110", bal)
	}
	resp = performRequest(r, http.MethodGet, fmt.Sprintf("/transactions/%d", tx.ID), nil, token, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("deleted transaction still readable: status=%d", resp.Code)
	}

	// 8. Unauthorized access to protected endpoint should be 401
	unauth := performRequest(r, http.MethodGet, "/transactions", nil, "", "")
	if unauth.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthorized list got %d", unauth.Code)
	}
}

func TestCrossAccountMove(t *testing.T) {
	r := setupTestServer(t)
	suffix := time.Now().Format("150405.000000")
	token := registerAndLogin(t, r, "carol-"+suffix, "pass123")

	mkAccount := func(name string, balance int) models.Account {
		body, _ := json.Marshal(map[string]any{"name": name + "-" + suffix, "balance": balance})
		resp := performRequest(r, http.MethodPost, "/accounts", bytes.NewBuffer(body), token, "application/json")
		if resp.Code != 200 {
			t.Fatalf("create account failed status=%d body=%s", resp.Code, resp.Body.String())
		}
		var acc models.Account
		_ = json.Unmarshal(resp.Body.Bytes(), &acc)
		return acc
	}
	src := mkAccount("src", 100)
	dst := mkAccount("dst", 100)

	txBody, _ := json.Marshal(map[string]any{
		"account_id": src.ID, "type": "EXPENSE", "amount": 40, "date": "2024-05-01",
	})
	resp := performRequest(r, http.MethodPost, "/transactions", bytes.NewBuffer(txBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var tx models.Transaction
	_ = json.Unmarshal(resp.Body.Bytes(), &tx)
	if bal := getAccountBalance(t, r, token, src.ID); !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("src balance = %s, want 60", bal)
	}

	// Move the expense to dst: src gets the reversal, dst the full effect.
	movBody, _ := json.Marshal(map[string]any{
		"account_id": dst.ID, "type": "EXPENSE", "amount": 40, "date": "2024-05-01",
	})
	resp = performRequest(r, http.MethodPut, fmt.Sprintf("/transactions/%d", tx.ID), bytes.NewBuffer(movBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("move failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	if bal := getAccountBalance(t, r, token, src.ID); !bal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("src balance after move = %s, want 100", bal)
	}
	if bal := getAccountBalance(t, r, token, dst.ID); !bal.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("dst balance after move = %s, want 60", bal)
	}
}

// An update and a delete racing on the same row must serialize: whichever
// order they land in, the stored balance has to equal the opening balance
// plus the effects of the rows that survive.
func TestConcurrentUpdateDelete(t *testing.T) {
	r := setupTestServer(t)
	suffix := time.Now().Format("150405.000000")
	username := "dave-" + suffix
	token := registerAndLogin(t, r, username, "pass123")

	accBody, _ := json.Marshal(map[string]any{"name": "race-" + suffix, "balance": 100})
	resp := performRequest(r, http.MethodPost, "/accounts", bytes.NewBuffer(accBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create account failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var acc models.Account
	_ = json.Unmarshal(resp.Body.Bytes(), &acc)

	txBody, _ := json.Marshal(map[string]any{
		"account_id": acc.ID, "type": "EXPENSE", "amount": 30,
		"date": "2024-06-01", "category": "food",
	})
	resp = performRequest(r, http.MethodPost, "/transactions", bytes.NewBuffer(txBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create transaction failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var tx models.Transaction
	_ = json.Unmarshal(resp.Body.Bytes(), &tx)

	ident := ledger.Identity{Authenticated: true, ExternalID: username}
	draft := ledger.Draft{
		AccountID: acc.ID,
		Type:      models.TransactionExpense,
		Amount:    decimal.NewFromInt(50),
		Date:      time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Category:  "food",
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// losing the race to the delete is fine, it just has to see ErrNotFound
		_, _ = ledgerSvc.Update(context.Background(), ident, tx.ID, draft)
	}()
	go func() {
		defer wg.Done()
		_ = ledgerSvc.Delete(context.Background(), ident, tx.ID)
	}()
	wg.Wait()

	var rows []models.Transaction
	if err := db.Where("account_id = ?", acc.ID).Find(&rows).Error; err != nil {
		t.Fatalf("list rows: %v", err)
	}
	want := decimal.NewFromInt(100)
	for _, row := range rows {
		want = want.Add(row.Effect())
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(want) {
		t.Fatalf("balance = %s, want %s for %d surviving rows", bal, want, len(rows))
	}
}

// A failure between the transaction insert and the balance update must roll
// back the whole unit. Overflowing numeric(20,2) on the balance side forces
// exactly that: the insert succeeds, the balance update does not.
func TestCreateRollsBackWhenBalanceUpdateFails(t *testing.T) {
	r := setupTestServer(t)
	suffix := time.Now().Format("150405.000000")
	token := registerAndLogin(t, r, "erin-"+suffix, "pass123")

	const huge = "900000000000000000"
	accBody, _ := json.Marshal(map[string]any{"name": "ovf-" + suffix, "balance": huge})
	resp := performRequest(r, http.MethodPost, "/accounts", bytes.NewBuffer(accBody), token, "application/json")
	if resp.Code != 200 {
		t.Fatalf("create account failed status=%d body=%s", resp.Code, resp.Body.String())
	}
	var acc models.Account
	_ = json.Unmarshal(resp.Body.Bytes(), &acc)
	opening := decimal.RequireFromString(huge)
	if !acc.Balance.Equal(opening) {
		t.Fatalf("opening balance = %s, want %s", acc.Balance, opening)
	}

	txBody, _ := json.Marshal(map[string]any{
		"account_id": acc.ID, "type": "INCOME", "amount": huge, "date": "2024-07-01",
	})
	resp = performRequest(r, http.MethodPost, "/transactions", bytes.NewBuffer(txBody), token, "application/json")
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("overflowing create: status=%d body=%s, want 500", resp.Code, resp.Body.String())
	}

	var count int64
	if err := db.Model(&models.Transaction{}).Where("account_id = ?", acc.ID).Count(&count).Error; err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("transaction row survived a failed unit: count=%d", count)
	}
	if bal := getAccountBalance(t, r, token, acc.ID); !bal.Equal(opening) {
		t.Fatalf("balance after failed unit = %s, want %s", bal, opening)
	}
}

func TestMigrateCommand(t *testing.T) {
	if os.Getenv("DB_DSN_TEST") != "1" {
		t.Skip("integration tests are disabled; set DB_DSN_TEST=1 to enable")
	}
	logg = logger.NewWithWriter(io.Discard)
	initDB()
}
