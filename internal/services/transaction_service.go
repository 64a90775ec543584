package services

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rentpay/backend/internal/models"
)

// TransactionService is the append-only log of money movement events. A
// transaction is inserted pending and transitions to exactly one terminal
// status; the transition is a compare-and-swap on status so that racing
// updaters cannot both win.
type TransactionService struct {
	db *sql.DB
}

func NewTransactionService(db *sql.DB) *TransactionService {
	return &TransactionService{db: db}
}

// CreatePending inserts a new pending transaction keyed by its reference id.
func (ts *TransactionService) CreatePending(tx *models.Transaction) error {
	tx.Status = models.TransactionStatusPending
	tx.CreatedAt = time.Now()

	return ts.db.QueryRow(`
		INSERT INTO transactions
		(reference_id, from_user_id, to_user_id, amount, currency, type, status, payment_method, description, booking_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		tx.ReferenceID, tx.FromUserID, tx.ToUserID, tx.Amount, tx.Currency,
		tx.Type, tx.Status, tx.PaymentMethod, tx.Description, tx.BookingID,
		tx.Metadata, tx.CreatedAt).Scan(&tx.ID)
}

// CreatePendingTx is CreatePending inside an existing database transaction.
func (ts *TransactionService) CreatePendingTx(dbTx *sql.Tx, tx *models.Transaction) error {
	tx.Status = models.TransactionStatusPending
	tx.CreatedAt = time.Now()

	return dbTx.QueryRow(`
		INSERT INTO transactions
		(reference_id, from_user_id, to_user_id, amount, currency, type, status, payment_method, description, booking_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		tx.ReferenceID, tx.FromUserID, tx.ToUserID, tx.Amount, tx.Currency,
		tx.Type, tx.Status, tx.PaymentMethod, tx.Description, tx.BookingID,
		tx.Metadata, tx.CreatedAt).Scan(&tx.ID)
}

// MarkTerminalTx moves the transaction to a terminal status, guarded by
// `WHERE status = 'pending'`. It reports whether this caller won: zero rows
// affected means another path already applied a terminal update, which is
// the expected duplicate-reconciliation race and not an error.
func (ts *TransactionService) MarkTerminalTx(dbTx *sql.Tx, referenceID, status string, metadata models.Metadata) (bool, error) {
	result, err := dbTx.Exec(`
		UPDATE transactions
		SET status = $1, metadata = COALESCE($2, metadata), completed_at = $3
		WHERE reference_id = $4 AND status = 'pending'`,
		status, metadata, time.Now(), referenceID)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// GetByReference fetches one transaction by its reference id.
func (ts *TransactionService) GetByReference(referenceID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := ts.db.QueryRow(`
		SELECT id, reference_id, from_user_id, to_user_id, amount, currency, type, status,
		       payment_method, COALESCE(description, ''), booking_id, metadata, created_at, completed_at
		FROM transactions
		WHERE reference_id = $1`, referenceID).
		Scan(&tx.ID, &tx.ReferenceID, &tx.FromUserID, &tx.ToUserID, &tx.Amount, &tx.Currency,
			&tx.Type, &tx.Status, &tx.PaymentMethod, &tx.Description, &tx.BookingID,
			&tx.Metadata, &tx.CreatedAt, &tx.CompletedAt)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// GetStatus reads only the stored status. The polling loop calls it before
// each provider poll to stop the moment a webhook has landed.
func (ts *TransactionService) GetStatus(referenceID string) (string, error) {
	var status string
	err := ts.db.QueryRow(`SELECT status FROM transactions WHERE reference_id = $1`, referenceID).Scan(&status)
	return status, err
}

func (ts *TransactionService) fetchForUser(userID int64, limit int) ([]models.Transaction, error) {
	rows, err := ts.db.Query(`
		SELECT id, reference_id, from_user_id, to_user_id, amount, currency, type, status,
		       payment_method, COALESCE(description, ''), booking_id, metadata, created_at, completed_at
		FROM transactions
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		tx := models.Transaction{}
		err := rows.Scan(&tx.ID, &tx.ReferenceID, &tx.FromUserID, &tx.ToUserID, &tx.Amount, &tx.Currency,
			&tx.Type, &tx.Status, &tx.PaymentMethod, &tx.Description, &tx.BookingID,
			&tx.Metadata, &tx.CreatedAt, &tx.CompletedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, rows.Err()
}

// ListTransactions retrieves the authenticated user's transaction history
// @Summary List transactions
// @Description Get the authenticated user's transactions, newest first
// @Tags transactions
// @Produce json
// @Param limit query int false "Number of transactions to return (default: 50, max: 100)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	transactions, err := ts.fetchForUser(userID, limit)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to fetch transactions for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// GetPayment retrieves a payment's status by reference id
// @Summary Get payment status
// @Description Retrieve a payment transaction by its reference id
// @Tags payments
// @Produce json
// @Param referenceId path string true "Reference ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /payments/{referenceId} [get]
func (ts *TransactionService) GetPayment(w http.ResponseWriter, r *http.Request) {
	referenceID := chi.URLParam(r, "referenceId")

	tx, err := ts.GetByReference(referenceID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[TRANSACTION] Failed to fetch payment %s: %v", referenceID, err)
			SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		}
		return
	}

	userID, ok := UserIDFromContext(r.Context())
	if !ok || !txBelongsTo(tx, userID) {
		SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

func txBelongsTo(tx *models.Transaction, userID int64) bool {
	if tx.FromUserID != nil && *tx.FromUserID == userID {
		return true
	}
	if tx.ToUserID != nil && *tx.ToUserID == userID {
		return true
	}
	return false
}
