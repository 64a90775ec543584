package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/rentpay/backend/internal/models"
	"github.com/rentpay/backend/internal/vault"
	"github.com/spf13/viper"
)

const maxPinAttempts = 5

// AccountService manages PIN credentials and encrypted withdrawal
// destinations. Destinations are encrypted under a key derived from the
// user's PIN; the server never stores the key, so only a PIN-authenticated
// request can read a destination back in clear form.
type AccountService struct {
	db            *sql.DB
	vault         vault.VaultInterface
	banks         *BankService
	validator     *ValidationHelper
	lockoutWindow time.Duration
}

func NewAccountService(db *sql.DB, v vault.VaultInterface, banks *BankService) *AccountService {
	viper.SetDefault("pin.lockout_minutes", 30)
	return &AccountService{
		db:            db,
		vault:         v,
		banks:         banks,
		validator:     NewValidationHelper(),
		lockoutWindow: time.Duration(viper.GetInt("pin.lockout_minutes")) * time.Minute,
	}
}

// LockoutWindow exposes the configured PIN cool-down for other services
// that surface PIN errors.
func (s *AccountService) LockoutWindow() time.Duration {
	return s.lockoutWindow
}

// VerifyPin checks the supplied PIN against the stored hash, enforcing the
// failure counter and time lockout. A correct PIN resets the counter; the
// fifth consecutive failure locks verification until the cool-down passes.
func (s *AccountService) VerifyPin(userID int64, pin string) error {
	var pinHash string
	var failedAttempts int
	var lockedUntil *time.Time

	err := s.db.QueryRow(`
		SELECT pin_hash, failed_attempts, locked_until
		FROM account_pins
		WHERE user_id = $1`, userID).
		Scan(&pinHash, &failedAttempts, &lockedUntil)
	if err == sql.ErrNoRows {
		return ErrNoPin
	}
	if err != nil {
		return err
	}

	now := time.Now()
	lockExpired := false
	if lockedUntil != nil {
		if now.Before(*lockedUntil) {
			return ErrPinLocked
		}
		lockExpired = true
	}

	ok, err := s.vault.VerifyPIN(pin, pinHash)
	if err != nil {
		return err
	}

	if ok {
		if failedAttempts > 0 || lockedUntil != nil {
			_, err = s.db.Exec(`
				UPDATE account_pins
				SET failed_attempts = 0, locked_until = NULL, updated_at = $1
				WHERE user_id = $2`, now, userID)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if lockExpired {
		// The expired lock ends the previous streak; this miss starts a new
		// one. Clearing locked_until here is what lets the account lock
		// again once the new streak reaches the threshold.
		_, err = s.db.Exec(`
			UPDATE account_pins
			SET failed_attempts = 1, locked_until = NULL, updated_at = $1
			WHERE user_id = $2`, now, userID)
		if err != nil {
			return err
		}
		return &PinFailure{RemainingAttempts: maxPinAttempts - 1}
	}

	// Incremented in SQL so concurrent misses each count toward the lock.
	err = s.db.QueryRow(`
		UPDATE account_pins
		SET failed_attempts = failed_attempts + 1, updated_at = $1
		WHERE user_id = $2
		RETURNING failed_attempts`, now, userID).Scan(&failedAttempts)
	if err != nil {
		return err
	}

	if failedAttempts >= maxPinAttempts {
		_, err = s.db.Exec(`
			UPDATE account_pins
			SET locked_until = $1, updated_at = $2
			WHERE user_id = $3`, now.Add(s.lockoutWindow), now, userID)
		if err != nil {
			return err
		}
		return ErrPinLocked
	}

	return &PinFailure{RemainingAttempts: maxPinAttempts - failedAttempts}
}

// CurrentAccount returns the user's current withdrawal destination record.
func (s *AccountService) CurrentAccount(userID int64) (*models.WithdrawalAccount, error) {
	account := &models.WithdrawalAccount{}
	var nameJSON, numberJSON []byte

	err := s.db.QueryRow(`
		SELECT id, user_id, method, COALESCE(bank_code, ''), account_name, account_number, is_current, created_at
		FROM withdrawal_accounts
		WHERE user_id = $1 AND is_current = true`, userID).
		Scan(&account.ID, &account.UserID, &account.Method, &account.BankCode,
			&nameJSON, &numberJSON, &account.IsCurrent, &account.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoWithdrawalAccount
	}
	if err != nil {
		return nil, err
	}

	// Legacy (pre-encryption) records fail to parse here; they stay zero and
	// render masked downstream. Deliberately no migration path.
	if err := json.Unmarshal(nameJSON, &account.AccountName); err != nil {
		account.AccountName = vault.EncryptedField{}
	}
	if err := json.Unmarshal(numberJSON, &account.AccountNumber); err != nil {
		account.AccountNumber = vault.EncryptedField{}
	}

	return account, nil
}

type setPinRequest struct {
	Pin        string `json:"pin" validate:"required,len=4,numeric"`
	CurrentPin string `json:"current_pin" validate:"omitempty,len=4,numeric"`
}

// SetPin sets or changes the user's withdrawal PIN
// @Summary Set withdrawal PIN
// @Description Set a new 4-digit PIN, or change the existing one (requires the current PIN)
// @Tags account
// @Accept json
// @Produce json
// @Param request body setPinRequest true "PIN request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /pin [post]
func (s *AccountService) SetPin(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req setPinRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var exists bool
	if err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM account_pins WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		log.Printf("[ACCOUNT] PIN lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	if exists {
		if req.CurrentPin == "" {
			SendCodedErrorResponse(w, "Current PIN required to change PIN", "INVALID_PIN", http.StatusBadRequest, nil)
			return
		}
		if err := s.VerifyPin(userID, req.CurrentPin); err != nil {
			s.sendPinError(w, err)
			return
		}
	}

	pinHash, err := s.vault.HashPIN(req.Pin)
	if err != nil {
		log.Printf("[ACCOUNT] PIN hashing failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO account_pins (user_id, pin_hash, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, 0, NULL, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET pin_hash = $2, failed_attempts = 0, locked_until = NULL, updated_at = $3`,
		userID, pinHash, time.Now())
	if err != nil {
		log.Printf("[ACCOUNT] PIN upsert failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to set PIN", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] PIN set for user %d", userID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "PIN set successfully"})
}

type setWithdrawalAccountRequest struct {
	Method        string `json:"method" validate:"required,oneof=bank mobile_money"`
	BankCode      string `json:"bank_code" validate:"omitempty,max=6"`
	AccountName   string `json:"account_name" validate:"required,max=140"`
	AccountNumber string `json:"account_number" validate:"required,max=32"`
	Pin           string `json:"pin" validate:"required,len=4,numeric"`
}

// SetWithdrawalAccount sets the user's withdrawal destination
// @Summary Set withdrawal destination
// @Description Store a new encrypted withdrawal destination; the previous one is kept as history
// @Tags account
// @Accept json
// @Produce json
// @Param request body setWithdrawalAccountRequest true "Destination details"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /withdrawal-account [post]
func (s *AccountService) SetWithdrawalAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req setWithdrawalAccountRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Method == models.DestinationMethodBank {
		if _, err := s.banks.Lookup(req.BankCode); err != nil {
			SendErrorResponse(w, "Unknown bank code", http.StatusBadRequest, nil)
			return
		}
	}

	if err := s.VerifyPin(userID, req.Pin); err != nil {
		s.sendPinError(w, err)
		return
	}

	key := s.vault.DeriveKey(req.Pin)

	encName, err := s.vault.Encrypt(req.AccountName, key)
	if err != nil {
		log.Printf("[ACCOUNT] Encryption failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}
	encNumber, err := s.vault.Encrypt(req.AccountNumber, key)
	if err != nil {
		log.Printf("[ACCOUNT] Encryption failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	nameJSON, _ := json.Marshal(encName)
	numberJSON, _ := json.Marshal(encNumber)

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	// History is append-only: retire the current record, insert the new one.
	if _, err := tx.Exec(`
		UPDATE withdrawal_accounts
		SET is_current = false
		WHERE user_id = $1 AND is_current = true`, userID); err != nil {
		log.Printf("[ACCOUNT] Failed to retire previous destination for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	if _, err := tx.Exec(`
		INSERT INTO withdrawal_accounts (user_id, method, bank_code, account_name, account_number, is_current, created_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)`,
		userID, req.Method, req.BankCode, nameJSON, numberJSON, time.Now()); err != nil {
		log.Printf("[ACCOUNT] Failed to insert destination for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to store withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[ACCOUNT] Withdrawal destination updated for user %d (method: %s)", userID, req.Method)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "Your withdrawal account has been saved and will be verified within 24-48 hours",
	})
}

type revealRequest struct {
	Pin string `json:"pin" validate:"required,len=4,numeric"`
}

// RevealWithdrawalAccount decrypts the destination for this response only
// @Summary Reveal withdrawal destination
// @Description Decrypt the current withdrawal destination with the supplied PIN; never cached or logged in clear form
// @Tags account
// @Accept json
// @Produce json
// @Param request body revealRequest true "PIN"
// @Success 200 {object} object{method=string,bank_code=string,account_name=string,account_number=string}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 423 {object} ErrorResponse
// @Router /withdrawal-account/reveal [post]
func (s *AccountService) RevealWithdrawalAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req revealRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := s.VerifyPin(userID, req.Pin); err != nil {
		s.sendPinError(w, err)
		return
	}

	account, err := s.CurrentAccount(userID)
	if err == ErrNoWithdrawalAccount {
		SendCodedErrorResponse(w, "No withdrawal account on file", "NO_WITHDRAWAL_ACCOUNT", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[ACCOUNT] Destination lookup failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	key := s.vault.DeriveKey(req.Pin)

	// Decryption failures render masked, never an error: callers must not be
	// able to distinguish a corrupt record from a key mismatch.
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"method":         account.Method,
		"bank_code":      account.BankCode,
		"account_name":   s.vault.DecryptOrMask(account.AccountName, key),
		"account_number": s.vault.DecryptOrMask(account.AccountNumber, key),
	})
}

// GetWithdrawalAccount returns masked destination info
// @Summary Get withdrawal destination (masked)
// @Description Return the current destination with account fields masked; use the reveal endpoint for clear form
// @Tags account
// @Produce json
// @Success 200 {object} object{method=string,bank_code=string,account_name=string,account_number=string}
// @Failure 404 {object} ErrorResponse
// @Router /withdrawal-account [get]
func (s *AccountService) GetWithdrawalAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	account, err := s.CurrentAccount(userID)
	if err == ErrNoWithdrawalAccount {
		SendCodedErrorResponse(w, "No withdrawal account on file", "NO_WITHDRAWAL_ACCOUNT", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		SendErrorResponse(w, "Failed to fetch withdrawal account", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"method":         account.Method,
		"bank_code":      account.BankCode,
		"account_name":   vault.Masked,
		"account_number": vault.Masked,
	})
}

func (s *AccountService) sendPinError(w http.ResponseWriter, err error) {
	sendPinError(w, err, s.lockoutWindow)
}

// sendPinError maps a VerifyPin failure onto the coded error envelope.
func sendPinError(w http.ResponseWriter, err error, lockout time.Duration) {
	var pinFailure *PinFailure
	switch {
	case err == ErrPinLocked:
		SendCodedErrorResponse(w, fmt.Sprintf("PIN locked, try again in %d minutes", int(lockout.Minutes())),
			"PIN_LOCKED", http.StatusLocked, nil)
	case errors.As(err, &pinFailure):
		SendCodedErrorResponse(w, "Incorrect PIN", "INVALID_PIN", http.StatusUnauthorized, map[string]string{
			"remaining_attempts": fmt.Sprintf("%d", pinFailure.RemainingAttempts),
		})
	case err == ErrNoPin:
		SendCodedErrorResponse(w, "Set a withdrawal PIN first", "INVALID_PIN", http.StatusBadRequest, nil)
	default:
		log.Printf("[ACCOUNT] PIN verification error: %v", err)
		SendErrorResponse(w, "Failed to verify PIN", http.StatusInternalServerError, nil)
	}
}

// decodeJSONBody applies the shared request hygiene: size cap, unknown-field
// rejection and single-object enforcement. Returns false if it already wrote
// an error response.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	return true
}
