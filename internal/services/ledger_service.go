package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/rentpay/backend/internal/models"
	"github.com/spf13/viper"
)

// LedgerService owns the user_balances table. Adjust is the only write path
// into it; every other service goes through here, which is what makes the
// non-negative available invariant enforceable in one place.
type LedgerService struct {
	db       *sql.DB
	currency string
}

func NewLedgerService(db *sql.DB) *LedgerService {
	viper.SetDefault("ledger.currency", "UGX")
	return &LedgerService{
		db:       db,
		currency: viper.GetString("ledger.currency"),
	}
}

// Adjust applies delta to the user's balance row as a single atomic
// read-modify-write and returns the new snapshot.
func (s *LedgerService) Adjust(userID int64, delta models.BalanceDelta) (*models.UserBalance, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	balance, err := s.AdjustTx(tx, userID, delta)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return balance, nil
}

// AdjustTx is Adjust inside an existing database transaction, for callers
// that must move money and record a transaction row atomically. The row is
// locked FOR UPDATE so concurrent adjustments for the same user serialize;
// different users proceed in parallel.
func (s *LedgerService) AdjustTx(tx *sql.Tx, userID int64, delta models.BalanceDelta) (*models.UserBalance, error) {
	balance, err := s.lockBalance(tx, userID)
	if err == sql.ErrNoRows {
		balance, err = s.createBalance(tx, userID)
	}
	if err != nil {
		return nil, err
	}

	newAvailable := balance.Available + delta.Available
	newPending := balance.Pending + delta.Pending
	newOnHold := balance.OnHold + delta.OnHold

	if newAvailable < 0 {
		return nil, ErrInsufficientFunds
	}
	if newPending < 0 || newOnHold < 0 {
		return nil, fmt.Errorf("balance adjustment would drive a bucket negative for user %d", userID)
	}

	now := time.Now()
	_, err = tx.Exec(`
		UPDATE user_balances
		SET available = $1, pending = $2, on_hold = $3, updated_at = $4
		WHERE user_id = $5`,
		newAvailable, newPending, newOnHold, now, userID)
	if err != nil {
		return nil, err
	}

	balance.Available = newAvailable
	balance.Pending = newPending
	balance.OnHold = newOnHold
	balance.UpdatedAt = now
	return balance, nil
}

// Get reads the current snapshot without locking. A user with no financial
// history yet reads as all zeros; the row is only created on first mutation.
func (s *LedgerService) Get(userID int64) (*models.UserBalance, error) {
	balance := &models.UserBalance{UserID: userID, Currency: s.currency}
	err := s.db.QueryRow(`
		SELECT available, pending, on_hold, currency, updated_at
		FROM user_balances
		WHERE user_id = $1`, userID).
		Scan(&balance.Available, &balance.Pending, &balance.OnHold, &balance.Currency, &balance.UpdatedAt)

	if err == sql.ErrNoRows {
		balance.UpdatedAt = time.Now()
		return balance, nil
	}
	if err != nil {
		return nil, err
	}

	return balance, nil
}

// GetBalance returns the caller's balance snapshot
// @Summary Get balance
// @Description Current available, pending and on-hold balance, read straight from the ledger
// @Tags balance
// @Produce json
// @Success 200 {object} models.UserBalance
// @Failure 401 {object} ErrorResponse
// @Router /balance [get]
func (s *LedgerService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := s.Get(userID)
	if err != nil {
		log.Printf("[LEDGER] Balance fetch failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balance)
}

func (s *LedgerService) lockBalance(tx *sql.Tx, userID int64) (*models.UserBalance, error) {
	balance := &models.UserBalance{UserID: userID}
	err := tx.QueryRow(`
		SELECT available, pending, on_hold, currency, updated_at
		FROM user_balances
		WHERE user_id = $1
		FOR UPDATE`, userID).
		Scan(&balance.Available, &balance.Pending, &balance.OnHold, &balance.Currency, &balance.UpdatedAt)

	return balance, err
}

// createBalance inserts the lazy zero row on first financial event. The
// insert takes the row lock, so a racing creator serializes behind it.
func (s *LedgerService) createBalance(tx *sql.Tx, userID int64) (*models.UserBalance, error) {
	now := time.Now()
	_, err := tx.Exec(`
		INSERT INTO user_balances (user_id, available, pending, on_hold, currency, updated_at)
		VALUES ($1, 0, 0, 0, $2, $3)
		ON CONFLICT (user_id) DO NOTHING`,
		userID, s.currency, now)
	if err != nil {
		return nil, err
	}

	return s.lockBalance(tx, userID)
}
