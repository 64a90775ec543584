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
	"github.com/rentpay/backend/internal/vault"
	"github.com/spf13/viper"
)

// WithdrawalService runs the withdrawal state machine:
//
//	pending -> processing -> {completed, failed}
//	pending, processing -> cancelled (user)
//	pending -> rejected (admin)
//
// The requested amount moves available -> on_hold when the request is
// accepted. Cancel, fail and reject reverse the hold exactly; complete
// consumes it and books the fee as a commission transaction.
type WithdrawalService struct {
	db           *sql.DB
	ledger       *LedgerService
	transactions *TransactionService
	accounts     *AccountService
	vault        vault.VaultInterface
	settlement   *SettlementService
	audit        *vault.AuditLogger
	validator    *ValidationHelper
	feePercent   int64
	minAmount    int64
	currency     string
}

func NewWithdrawalService(db *sql.DB, ledger *LedgerService, transactions *TransactionService,
	accounts *AccountService, v vault.VaultInterface, settlement *SettlementService,
	audit *vault.AuditLogger) *WithdrawalService {
	viper.SetDefault("withdrawal.fee_percent", 10)
	viper.SetDefault("withdrawal.min_amount", 1000)
	viper.SetDefault("ledger.currency", "UGX")

	return &WithdrawalService{
		db:           db,
		ledger:       ledger,
		transactions: transactions,
		accounts:     accounts,
		vault:        v,
		settlement:   settlement,
		audit:        audit,
		validator:    NewValidationHelper(),
		feePercent:   viper.GetInt64("withdrawal.fee_percent"),
		minAmount:    viper.GetInt64("withdrawal.min_amount"),
		currency:     viper.GetString("ledger.currency"),
	}
}

// Fee returns the platform fee for a withdrawal amount, rounded down.
func (s *WithdrawalService) Fee(amount int64) int64 {
	return amount * s.feePercent / 100
}

type withdrawalRequest struct {
	Amount int64  `json:"amount" validate:"required,gt=0"`
	Pin    string `json:"pin" validate:"required,len=4,numeric"`
	Notes  string `json:"notes" validate:"omitempty,max=280"`
}

// RequestWithdrawal creates a withdrawal request
// @Summary Request a withdrawal
// @Description Hold the requested amount and queue a payout to the user's withdrawal destination
// @Tags withdrawals
// @Accept json
// @Produce json
// @Param request body withdrawalRequest true "Withdrawal request"
// @Success 201 {object} models.Withdrawal
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /withdrawals [post]
func (s *WithdrawalService) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req withdrawalRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Amount < s.minAmount {
		SendCodedErrorResponse(w, "Amount below the minimum withdrawal", "AMOUNT_TOO_LOW",
			http.StatusBadRequest, map[string]string{"min_amount": strconv.FormatInt(s.minAmount, 10)})
		return
	}

	if err := s.accounts.VerifyPin(userID, req.Pin); err != nil {
		sendPinError(w, err, s.accounts.LockoutWindow())
		return
	}

	account, err := s.accounts.CurrentAccount(userID)
	if err == ErrNoWithdrawalAccount {
		SendCodedErrorResponse(w, "Set a withdrawal account first", "NO_WITHDRAWAL_ACCOUNT", http.StatusBadRequest, nil)
		return
	}
	if err != nil {
		log.Printf("[WITHDRAWAL] Destination lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}

	// The destination must decrypt under this PIN. A record saved under an
	// old PIN cannot be paid out; the user has to re-save it.
	key := s.vault.DeriveKey(req.Pin)
	if _, err := s.vault.Decrypt(account.AccountNumber, key); err != nil {
		SendCodedErrorResponse(w, "Withdrawal account is unreadable, please save it again",
			"NO_WITHDRAWAL_ACCOUNT", http.StatusConflict, nil)
		return
	}

	fee := s.Fee(req.Amount)
	referenceID := NewReferenceID()
	now := time.Now()

	withdrawal := &models.Withdrawal{
		UserID:            userID,
		ReferenceID:       referenceID,
		Amount:            req.Amount,
		Fee:               fee,
		NetAmount:         req.Amount - fee,
		Currency:          s.currency,
		DestinationMethod: account.Method,
		BankCode:          account.BankCode,
		AccountName:       account.AccountName,
		AccountNumber:     account.AccountNumber,
		Status:            models.WithdrawalStatusPending,
		Notes:             req.Notes,
		RequestedAt:       now,
	}

	dbTx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	if _, err := s.ledger.AdjustTx(dbTx, userID, models.BalanceDelta{
		Available: -req.Amount,
		OnHold:    req.Amount,
	}); err != nil {
		if err == ErrInsufficientFunds {
			SendCodedErrorResponse(w, "Insufficient available balance", "INSUFFICIENT_BALANCE", http.StatusBadRequest, nil)
			return
		}
		log.Printf("[WITHDRAWAL] Hold failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}

	nameJSON, _ := json.Marshal(withdrawal.AccountName)
	numberJSON, _ := json.Marshal(withdrawal.AccountNumber)

	err = dbTx.QueryRow(`
		INSERT INTO withdrawals
		(user_id, reference_id, amount, fee, net_amount, currency, destination_method, bank_code,
		 account_name, account_number, status, notes, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		withdrawal.UserID, withdrawal.ReferenceID, withdrawal.Amount, withdrawal.Fee,
		withdrawal.NetAmount, withdrawal.Currency, withdrawal.DestinationMethod, withdrawal.BankCode,
		nameJSON, numberJSON, withdrawal.Status, withdrawal.Notes, withdrawal.RequestedAt).
		Scan(&withdrawal.ID)
	if err != nil {
		log.Printf("[WITHDRAWAL] Insert failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := s.transactions.CreatePendingTx(dbTx, &models.Transaction{
		ReferenceID:   referenceID,
		FromUserID:    &userID,
		Amount:        req.Amount,
		Currency:      s.currency,
		Type:          models.TransactionTypeWithdrawal,
		PaymentMethod: account.Method,
		Description:   "Withdrawal to " + account.Method + " account",
	}); err != nil {
		log.Printf("[WITHDRAWAL] Transaction insert failed for %s: %v", referenceID, err)
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := dbTx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to create withdrawal", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogWithdrawal(referenceID, userID, req.Amount, models.WithdrawalStatusPending)
	log.Printf("[WITHDRAWAL] Created %s for user %d (amount: %d, fee: %d)", referenceID, userID, req.Amount, fee)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(withdrawal)
}

// CancelWithdrawal lets the owner cancel a withdrawal
// @Summary Cancel a withdrawal
// @Description Cancel a pending or processing withdrawal and release the held funds
// @Tags withdrawals
// @Produce json
// @Param id path int true "Withdrawal ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /withdrawals/{id}/cancel [post]
func (s *WithdrawalService) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid withdrawal ID", http.StatusBadRequest, nil)
		return
	}

	withdrawal, err := s.getForUser(withdrawalID, userID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Withdrawal not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}

	dbTx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}
	defer dbTx.Rollback()

	// Status-guarded update: if an admin resolved the withdrawal between our
	// read and here, zero rows match and the cancel is refused.
	won, err := s.transition(dbTx, withdrawalID, models.WithdrawalStatusCancelled, nil,
		models.WithdrawalStatusPending, models.WithdrawalStatusProcessing)
	if err != nil {
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}
	if !won {
		SendErrorResponse(w, "Withdrawal can no longer be cancelled", http.StatusConflict, nil)
		return
	}

	if err := s.releaseHold(dbTx, withdrawal); err != nil {
		log.Printf("[WITHDRAWAL] Hold release failed for %s: %v", withdrawal.ReferenceID, err)
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if _, err := s.transactions.MarkTerminalTx(dbTx, withdrawal.ReferenceID,
		models.TransactionStatusFailed, models.Metadata{"reason": "cancelled_by_user"}); err != nil {
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if err := dbTx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to cancel withdrawal", http.StatusInternalServerError, nil)
		return
	}

	s.audit.LogWithdrawal(withdrawal.ReferenceID, userID, withdrawal.Amount, models.WithdrawalStatusCancelled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Withdrawal cancelled"})
}

// ListWithdrawals lists the user's withdrawals
// @Summary List withdrawals
// @Tags withdrawals
// @Produce json
// @Param limit query int false "Max rows (default 20, max 100)"
// @Success 200 {array} models.Withdrawal
// @Router /withdrawals [get]
func (s *WithdrawalService) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := parseLimit(r, 20, 100)

	withdrawals, err := s.fetch(`WHERE user_id = $1`, []any{userID}, limit)
	if err != nil {
		log.Printf("[WITHDRAWAL] List failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(withdrawals)
}

// ListAdminWithdrawals lists withdrawals for the admin queue
// @Summary List withdrawals (admin)
// @Tags admin
// @Produce json
// @Param status query string false "Filter by status"
// @Param limit query int false "Max rows (default 50, max 200)"
// @Success 200 {array} models.Withdrawal
// @Router /admin/withdrawals [get]
func (s *WithdrawalService) ListAdminWithdrawals(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50, 200)

	var (
		withdrawals []models.Withdrawal
		err         error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		withdrawals, err = s.fetch(`WHERE status = $1`, []any{status}, limit)
	} else {
		withdrawals, err = s.fetch(``, nil, limit)
	}
	if err != nil {
		log.Printf("[WITHDRAWAL] Admin list failed: %v", err)
		SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(withdrawals)
}

type resolveRequest struct {
	Action string `json:"action" validate:"required,oneof=process complete fail reject"`
	Notes  string `json:"notes" validate:"omitempty,max=280"`
}

// ResolveWithdrawal applies an admin action to a withdrawal
// @Summary Resolve a withdrawal (admin)
// @Description Move a withdrawal through process, complete, fail or reject; terminal actions settle the hold
// @Tags admin
// @Accept json
// @Produce json
// @Param id path int true "Withdrawal ID"
// @Param request body resolveRequest true "Action"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /admin/withdrawals/{id} [put]
func (s *WithdrawalService) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	withdrawalID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		SendErrorResponse(w, "Invalid withdrawal ID", http.StatusBadRequest, nil)
		return
	}

	var req resolveRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	withdrawal, err := s.get(withdrawalID)
	if err == sql.ErrNoRows {
		SendErrorResponse(w, "Withdrawal not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to resolve withdrawal", http.StatusInternalServerError, nil)
		return
	}

	if req.Notes != "" {
		withdrawal.Notes = req.Notes
	}

	switch req.Action {
	case "process":
		err = s.process(withdrawal, adminID)
	case "complete":
		err = s.complete(withdrawal, adminID)
	case "fail":
		err = s.resolveWithRelease(withdrawal, adminID, models.WithdrawalStatusFailed,
			models.WithdrawalStatusProcessing)
	case "reject":
		err = s.resolveWithRelease(withdrawal, adminID, models.WithdrawalStatusRejected,
			models.WithdrawalStatusPending)
	}

	if err == ErrNotPending {
		SendErrorResponse(w, "Withdrawal is not in a state this action applies to", http.StatusConflict, nil)
		return
	}
	if err != nil {
		log.Printf("[WITHDRAWAL] Admin action %q failed for %s: %v", req.Action, withdrawal.ReferenceID, err)
		SendErrorResponse(w, "Failed to resolve withdrawal", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[WITHDRAWAL] Admin %d applied %q to %s", adminID, req.Action, withdrawal.ReferenceID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Withdrawal updated"})
}

// process moves pending -> processing. No ledger movement; the hold stays.
func (s *WithdrawalService) process(withdrawal *models.Withdrawal, adminID int64) error {
	dbTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	won, err := s.transition(dbTx, withdrawal.ID, models.WithdrawalStatusProcessing, &adminID,
		models.WithdrawalStatusPending)
	if err != nil {
		return err
	}
	if !won {
		return ErrNotPending
	}

	if err := dbTx.Commit(); err != nil {
		return err
	}

	s.audit.LogWithdrawal(withdrawal.ReferenceID, withdrawal.UserID, withdrawal.Amount, models.WithdrawalStatusProcessing)
	return nil
}

// complete consumes the hold, marks the transaction completed and books the
// fee as a platform commission. Bank destinations additionally get a
// settlement message after commit.
func (s *WithdrawalService) complete(withdrawal *models.Withdrawal, adminID int64) error {
	dbTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	won, err := s.transition(dbTx, withdrawal.ID, models.WithdrawalStatusCompleted, &adminID,
		models.WithdrawalStatusProcessing)
	if err != nil {
		return err
	}
	if !won {
		return ErrNotPending
	}

	if _, err := s.ledger.AdjustTx(dbTx, withdrawal.UserID, models.BalanceDelta{
		OnHold: -withdrawal.Amount,
	}); err != nil {
		return err
	}

	if _, err := s.transactions.MarkTerminalTx(dbTx, withdrawal.ReferenceID,
		models.TransactionStatusCompleted, models.Metadata{"resolved_by": adminID}); err != nil {
		return err
	}

	commission := &models.Transaction{
		ReferenceID:   NewReferenceID(),
		FromUserID:    &withdrawal.UserID,
		Amount:        withdrawal.Fee,
		Currency:      withdrawal.Currency,
		Type:          models.TransactionTypeCommission,
		PaymentMethod: withdrawal.DestinationMethod,
		Description:   "Withdrawal fee for " + withdrawal.ReferenceID,
		Metadata:      models.Metadata{"withdrawal_reference": withdrawal.ReferenceID},
	}
	if err := s.transactions.CreatePendingTx(dbTx, commission); err != nil {
		return err
	}
	if _, err := s.transactions.MarkTerminalTx(dbTx, commission.ReferenceID,
		models.TransactionStatusCompleted, nil); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return err
	}

	s.audit.LogWithdrawal(withdrawal.ReferenceID, withdrawal.UserID, withdrawal.Amount, models.WithdrawalStatusCompleted)

	if withdrawal.DestinationMethod == models.DestinationMethodBank && s.settlement != nil {
		if err := s.settlement.ExportWithdrawal(withdrawal); err != nil {
			// Settlement export is downstream bookkeeping; the payout stands.
			log.Printf("[WITHDRAWAL] Settlement export failed for %s: %v", withdrawal.ReferenceID, err)
		}
	}

	return nil
}

// resolveWithRelease handles fail and reject: terminal status plus an exact
// reversal of the hold back to available.
func (s *WithdrawalService) resolveWithRelease(withdrawal *models.Withdrawal, adminID int64,
	status string, fromStatus string) error {
	dbTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer dbTx.Rollback()

	won, err := s.transition(dbTx, withdrawal.ID, status, &adminID, fromStatus)
	if err != nil {
		return err
	}
	if !won {
		return ErrNotPending
	}

	if err := s.releaseHold(dbTx, withdrawal); err != nil {
		return err
	}

	if _, err := s.transactions.MarkTerminalTx(dbTx, withdrawal.ReferenceID,
		models.TransactionStatusFailed, models.Metadata{"resolved_by": adminID, "resolution": status}); err != nil {
		return err
	}

	if err := dbTx.Commit(); err != nil {
		return err
	}

	s.audit.LogWithdrawal(withdrawal.ReferenceID, withdrawal.UserID, withdrawal.Amount, status)
	return nil
}

// transition applies a status-guarded update and reports whether it won.
func (s *WithdrawalService) transition(dbTx *sql.Tx, withdrawalID int64, status string,
	adminID *int64, fromStatuses ...string) (bool, error) {
	args := []any{status, adminID, time.Now(), withdrawalID}
	placeholders := ""
	for i, from := range fromStatuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "$" + strconv.Itoa(len(args)+1)
		args = append(args, from)
	}

	result, err := dbTx.Exec(`
		UPDATE withdrawals
		SET status = $1, admin_id = COALESCE($2, admin_id), processed_at = $3
		WHERE id = $4 AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected == 1, nil
}

// releaseHold moves the held amount back to available.
func (s *WithdrawalService) releaseHold(dbTx *sql.Tx, withdrawal *models.Withdrawal) error {
	_, err := s.ledger.AdjustTx(dbTx, withdrawal.UserID, models.BalanceDelta{
		Available: withdrawal.Amount,
		OnHold:    -withdrawal.Amount,
	})
	return err
}

func (s *WithdrawalService) get(withdrawalID int64) (*models.Withdrawal, error) {
	rows, err := s.fetch(`WHERE id = $1`, []any{withdrawalID}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return &rows[0], nil
}

func (s *WithdrawalService) getForUser(withdrawalID, userID int64) (*models.Withdrawal, error) {
	rows, err := s.fetch(`WHERE id = $1 AND user_id = $2`, []any{withdrawalID, userID}, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, sql.ErrNoRows
	}
	return &rows[0], nil
}

func (s *WithdrawalService) fetch(where string, args []any, limit int) ([]models.Withdrawal, error) {
	query := `
		SELECT id, user_id, reference_id, amount, fee, net_amount, currency, destination_method,
		       COALESCE(bank_code, ''), account_name, account_number, status, COALESCE(notes, ''),
		       admin_id, requested_at, processed_at
		FROM withdrawals ` + where + `
		ORDER BY requested_at DESC
		LIMIT ` + strconv.Itoa(limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	withdrawals := []models.Withdrawal{}
	for rows.Next() {
		var wd models.Withdrawal
		var nameJSON, numberJSON []byte
		if err := rows.Scan(&wd.ID, &wd.UserID, &wd.ReferenceID, &wd.Amount, &wd.Fee, &wd.NetAmount,
			&wd.Currency, &wd.DestinationMethod, &wd.BankCode, &nameJSON, &numberJSON,
			&wd.Status, &wd.Notes, &wd.AdminID, &wd.RequestedAt, &wd.ProcessedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(nameJSON, &wd.AccountName); err != nil {
			wd.AccountName = vault.EncryptedField{}
		}
		if err := json.Unmarshal(numberJSON, &wd.AccountNumber); err != nil {
			wd.AccountNumber = vault.EncryptedField{}
		}
		withdrawals = append(withdrawals, wd)
	}

	return withdrawals, rows.Err()
}

// parseLimit reads the limit query parameter with a default and a cap.
func parseLimit(r *http.Request, def, max int) int {
	limit := def
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
