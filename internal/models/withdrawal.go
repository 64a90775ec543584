package models

import (
	"time"

	"github.com/rentpay/backend/internal/vault"
)

// Withdrawal statuses.
const (
	WithdrawalStatusPending    = "pending"
	WithdrawalStatusProcessing = "processing"
	WithdrawalStatusCompleted  = "completed"
	WithdrawalStatusFailed     = "failed"
	WithdrawalStatusRejected   = "rejected"
	WithdrawalStatusCancelled  = "cancelled"
)

// Withdrawal destination methods.
const (
	DestinationMethodBank        = "bank"
	DestinationMethodMobileMoney = "mobile_money"
)

// Withdrawal is a user's request to move ledger funds to an external
// account. The requested amount is held (available -> on_hold) at request
// time and released or consumed when the withdrawal resolves.
type Withdrawal struct {
	ID                int64                 `json:"id" db:"id"`
	UserID            int64                 `json:"user_id" db:"user_id"`
	ReferenceID       string                `json:"reference_id" db:"reference_id"`
	Amount            int64                 `json:"amount" db:"amount"`
	Fee               int64                 `json:"fee" db:"fee"`
	NetAmount         int64                 `json:"net_amount" db:"net_amount"`
	Currency          string                `json:"currency" db:"currency"`
	DestinationMethod string                `json:"destination_method" db:"destination_method"`
	BankCode          string                `json:"bank_code,omitempty" db:"bank_code"`
	AccountName       vault.EncryptedField  `json:"-" db:"account_name"`
	AccountNumber     vault.EncryptedField  `json:"-" db:"account_number"`
	Status            string                `json:"status" db:"status"`
	Notes             string                `json:"notes,omitempty" db:"notes"`
	AdminID           *int64                `json:"admin_id,omitempty" db:"admin_id"`
	RequestedAt       time.Time             `json:"requested_at" db:"requested_at"`
	ProcessedAt       *time.Time            `json:"processed_at,omitempty" db:"processed_at"`
}

// IsResolved reports whether the withdrawal has left the active states.
func (w *Withdrawal) IsResolved() bool {
	switch w.Status {
	case WithdrawalStatusCompleted, WithdrawalStatusFailed,
		WithdrawalStatusRejected, WithdrawalStatusCancelled:
		return true
	}
	return false
}

// WithdrawalAccount is one encrypted destination record. History is
// append-only: changing the destination marks the previous record
// not-current and inserts a new one, so exactly one record per user has
// is_current set.
type WithdrawalAccount struct {
	ID            int64                `json:"id" db:"id"`
	UserID        int64                `json:"user_id" db:"user_id"`
	Method        string               `json:"method" db:"method"`
	BankCode      string               `json:"bank_code,omitempty" db:"bank_code"`
	AccountName   vault.EncryptedField `json:"-" db:"account_name"`
	AccountNumber vault.EncryptedField `json:"-" db:"account_number"`
	IsCurrent     bool                 `json:"is_current" db:"is_current"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
}

// AccountPin holds the one-way hash of a user's 4-digit PIN plus lockout
// bookkeeping. After five consecutive failures verification locks until
// LockedUntil; a correct PIN resets the counter.
type AccountPin struct {
	UserID         int64      `json:"user_id" db:"user_id"`
	PinHash        string     `json:"-" db:"pin_hash"`
	FailedAttempts int        `json:"failed_attempts" db:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty" db:"locked_until"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}
