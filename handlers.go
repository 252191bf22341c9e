package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	money "github.com/Rhymond/go-money"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finledger/models"
	"finledger/pkg/extract"
	"finledger/pkg/ledger"
	"finledger/pkg/normalize"
	"finledger/pkg/schedule"
)

const maxReceiptSize = 5 * 1024 * 1024

func setupRoutes(r *gin.Engine) {
	r.POST("/register", registerHandler)
	r.POST("/login", loginHandler)
	r.POST("/refresh", refreshHandler)
	r.POST("/revoke_refresh", revokeRefreshHandler)
	authGroup := r.Group("")
	authGroup.Use(requestIDMiddleware(), jwtAuthMiddleware())
	authGroup.GET("/me", meHandler)
	authGroup.POST("/accounts", createAccountHandler)
	authGroup.GET("/accounts", listAccountsHandler)
	authGroup.GET("/accounts/:id", getAccountHandler)
	authGroup.POST("/transactions", createTransactionHandler)
	authGroup.PUT("/transactions/:id", updateTransactionHandler)
	authGroup.DELETE("/transactions/:id", deleteTransactionHandler)
	authGroup.GET("/transactions/:id", getTransactionHandler)
	authGroup.GET("/transactions", listTransactionsHandler)
	authGroup.POST("/receipts/scan", scanReceiptHandler)
}

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Header("X-Request-ID", rid)
		c.Set("request_id", rid)
		c.Next()
	}
}

func jwtAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || len(authHeader) < 8 || authHeader[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid Authorization header"})
			c.Abort()
			return
		}
		tokenString := authHeader[7:]
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrInvalidKeyType
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		username, _ := claims["username"].(string)
		c.Set("username", username)
		c.Next()
	}
}

// identityFromContext builds the explicit identity value threaded into every
// ledger operation from the claims the JWT middleware verified.
func identityFromContext(c *gin.Context) ledger.Identity {
	unameVal, _ := c.Get("username")
	uname, _ := unameVal.(string)
	return ledger.Identity{Authenticated: uname != "", ExternalID: uname}
}

// getUserFromContext fetches the currently authenticated user using the username set by jwtAuthMiddleware
func getUserFromContext(c *gin.Context) (*models.User, bool) {
	unameVal, _ := c.Get("username")
	if unameVal == nil {
		return nil, false
	}
	uname := unameVal.(string)
	var user models.User
	if err := db.Where("username = ?", uname).First(&user).Error; err != nil {
		return nil, false
	}
	return &user, true
}

// writeLedgerError maps the ledger error taxonomy onto HTTP statuses. Rate
// limit denials carry a Retry-After header; policy denials stay opaque.
func writeLedgerError(c *gin.Context, err error) {
	var rl *ledger.RateLimitedError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(int(rl.ResetAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limited",
			"remaining":   rl.Remaining,
			"reset_after": rl.ResetAfter.Seconds(),
		})
		return
	}
	var fe *normalize.FieldError
	if errors.As(err, &fe) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "field": fe.Field})
		return
	}
	switch {
	case errors.Is(err, ledger.ErrUnauthorized), errors.Is(err, ledger.ErrUserNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": "blocked"})
	case errors.Is(err, ledger.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, extract.ErrParseFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrStore):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func meHandler(c *gin.Context) {
	usernameVal, _ := c.Get("username")
	if usernameVal == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "context missing username"})
		return
	}
	username := usernameVal.(string)
	c.JSON(http.StatusOK, gin.H{"username": username})
}

func registerHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := RegisterUser(req.Username, req.Password); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "user registered successfully"})
}

func loginHandler(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user, err := Authenticate(req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"exp":      time.Now().Add(time.Hour * 24).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	refreshToken, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "login successful", "token": tokenString, "refresh_token": refreshToken})
}

// createAndStoreRefreshToken generates a random refresh token, stores its hash with expiry and returns the raw token string
func createAndStoreRefreshToken(userID uint) (string, error) {
	// generate random 32-byte token (hex)
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	// hash for storage
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	rt := models.RefreshToken{UserID: userID, TokenHash: th, ExpiresAt: time.Now().Add(30 * 24 * time.Hour)}
	if err := db.Create(&rt).Error; err != nil {
		return "", err
	}
	return token, nil
}

// helper to find refresh token record by raw token string
func findRefreshTokenByRaw(token string) (*models.RefreshToken, error) {
	h := sha256.Sum256([]byte(token))
	th := hex.EncodeToString(h[:])
	var rt models.RefreshToken
	if err := db.Where("token_hash = ?", th).First(&rt).Error; err != nil {
		return nil, err
	}
	return &rt, nil
}

// refreshHandler exchanges a refresh token for a new access token and rotates the refresh token
func refreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil || rt.Revoked || time.Now().After(rt.ExpiresAt) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired refresh token"})
		return
	}
	var user models.User
	if err := db.First(&user, rt.UserID).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"username": user.Username,
		"exp":      time.Now().Add(15 * time.Minute).Unix(),
	})
	tokenString, err := token.SignedString(jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}
	// rotate refresh token: revoke existing and create new one
	db.Model(&models.RefreshToken{}).Where("id = ?", rt.ID).Update("revoked", true)
	newRT, err := createAndStoreRefreshToken(user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rotate refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tokenString, "refresh_token": newRT})
}

// revokeRefreshHandler revokes a given refresh token (useful on logout)
func revokeRefreshHandler(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := findRefreshTokenByRaw(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "refresh token not found"})
		return
	}
	rt.Revoked = true
	if err := db.Save(rt).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "refresh token revoked"})
}

// createAccountHandler opens a named balance holder for the authenticated
// user. The opening balance is the only balance write outside the ledger
// engine; every later change goes through it.
func createAccountHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var req struct {
		Name     string          `json:"name" binding:"required"`
		Kind     string          `json:"kind"`
		Currency string          `json:"currency"`
		Balance  decimal.Decimal `json:"balance"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}
	if money.GetCurrency(currency) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown currency code"})
		return
	}
	kind := strings.ToUpper(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = "CURRENT"
	}
	// prevent duplicate account name for the same user
	var existing models.Account
	if err := db.Where("user_id = ? AND name = ?", user.ID, req.Name).First(&existing).Error; err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "account name already in use"})
		return
	}
	account := models.Account{
		UserID:   user.ID,
		Name:     req.Name,
		Kind:     kind,
		Currency: currency,
		Balance:  req.Balance,
	}
	if err := db.Create(&account).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	c.JSON(http.StatusOK, account)
}

func listAccountsHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var accounts []models.Account
	if err := db.Where("user_id = ?", user.ID).Order("id").Find(&accounts).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

func getAccountHandler(c *gin.Context) {
	user, ok := getUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
		return
	}
	var account models.Account
	if err := db.Where("id = ? AND user_id = ?", c.Param("id"), user.ID).First(&account).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, account)
}

// transactionRequest is the wire shape for Create/Update. Amount accepts a
// JSON number or string; date accepts RFC3339 or plain YYYY-MM-DD.
type transactionRequest struct {
	AccountID         uint            `json:"account_id" binding:"required"`
	Type              string          `json:"type" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Date              string          `json:"date" binding:"required"`
	Category          string          `json:"category"`
	Description       string          `json:"description"`
	Merchant          string          `json:"merchant"`
	IsRecurring       bool            `json:"is_recurring"`
	RecurringInterval string          `json:"recurring_interval"`
}

func (req *transactionRequest) toDraft() (ledger.Draft, error) {
	var date time.Time
	var err error
	if date, err = time.Parse(time.RFC3339, req.Date); err != nil {
		if date, err = time.Parse("2006-01-02", req.Date); err != nil {
			return ledger.Draft{}, err
		}
	}
	return ledger.Draft{
		AccountID:   req.AccountID,
		Type:        models.TransactionType(strings.ToUpper(req.Type)),
		Amount:      req.Amount,
		Date:        date,
		Category:    req.Category,
		Description: req.Description,
		Merchant:    req.Merchant,
		IsRecurring: req.IsRecurring,
		Interval:    schedule.Interval(strings.ToUpper(req.RecurringInterval)),
	}, nil
}

func createTransactionHandler(c *gin.Context) {
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable date"})
		return
	}
	rec, err := ledgerSvc.Create(c.Request.Context(), identityFromContext(c), draft)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func updateTransactionHandler(c *gin.Context) {
	txID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	var req transactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	draft, err := req.toDraft()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable date"})
		return
	}
	rec, err := ledgerSvc.Update(c.Request.Context(), identityFromContext(c), uint(txID), draft)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func deleteTransactionHandler(c *gin.Context) {
	txID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	if err := ledgerSvc.Delete(c.Request.Context(), identityFromContext(c), uint(txID)); err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "transaction deleted"})
}

func getTransactionHandler(c *gin.Context) {
	txID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid transaction id"})
		return
	}
	rec, err := ledgerSvc.GetByID(c.Request.Context(), identityFromContext(c), uint(txID))
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func listTransactionsHandler(c *gin.Context) {
	var f ledger.Filter
	if v := c.Query("account_id"); v != "" {
		id64, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account_id"})
			return
		}
		id := uint(id64)
		f.AccountID = &id
	}
	f.Category = c.Query("category")
	f.Type = models.TransactionType(strings.ToUpper(c.Query("type")))
	if v := c.Query("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from date"})
			return
		}
		f.From = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to date"})
			return
		}
		f.To = &t
	}
	items, err := ledgerSvc.ListForUser(c.Request.Context(), identityFromContext(c), f)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// scanReceiptHandler runs a receipt image through the extraction model and
// the normalizer. Without an account_id it returns the sanitized draft for
// review; with one, the draft is committed through the ledger engine exactly
// like a user-authored transaction.
func scanReceiptHandler(c *gin.Context) {
	if scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "receipt scanning not configured"})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file missing"})
		return
	}
	if file.Size > maxReceiptSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large (max 5MB)"})
		return
	}
	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	mimeType := file.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	data, mimeType, err = extract.PrepareImage(data, mimeType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := scanner.ScanReceipt(c.Request.Context(), data, mimeType)
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	draft, err := normalize.Sanitize(rec)
	if err != nil {
		writeLedgerError(c, err)
		return
	}

	accountField := c.PostForm("account_id")
	if accountField == "" {
		c.JSON(http.StatusOK, gin.H{"draft": draft})
		return
	}
	accountID, err := strconv.ParseUint(accountField, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account_id"})
		return
	}
	tx, err := ledgerSvc.Create(c.Request.Context(), identityFromContext(c), ledger.Draft{
		AccountID:   uint(accountID),
		Type:        models.TransactionExpense,
		Amount:      draft.Amount,
		Date:        draft.Date,
		Category:    draft.Category,
		Description: draft.Description,
		Merchant:    draft.Merchant,
	})
	if err != nil {
		writeLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"draft": draft, "transaction": tx})
}
