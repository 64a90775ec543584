package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Transaction statuses. A transaction transitions from pending to exactly one
// terminal status and is immutable afterwards.
const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
)

// Transaction types.
const (
	TransactionTypeRentPayment = "rent_payment"
	TransactionTypeWithdrawal  = "withdrawal"
	TransactionTypeRefund      = "refund"
	TransactionTypeCommission  = "commission"
	TransactionTypeDeposit     = "deposit"
	TransactionTypeExtension   = "extension"
)

// Payment methods.
const (
	PaymentMethodMobileMoney = "mobile_money"
	PaymentMethodCard        = "card"
)

// Transaction is one money-movement event. ReferenceID is the idempotency
// key generated before the external provider is called; reconciliation
// deduplicates on it.
type Transaction struct {
	ID            int64      `json:"id" db:"id"`
	ReferenceID   string     `json:"reference_id" db:"reference_id"`
	FromUserID    *int64     `json:"from_user_id,omitempty" db:"from_user_id"`
	ToUserID      *int64     `json:"to_user_id,omitempty" db:"to_user_id"`
	Amount        int64      `json:"amount" db:"amount"`
	Currency      string     `json:"currency" db:"currency"`
	Type          string     `json:"type" db:"type"`
	Status        string     `json:"status" db:"status"`
	PaymentMethod string     `json:"payment_method" db:"payment_method"`
	Description   string     `json:"description" db:"description"`
	BookingID     *int64     `json:"booking_id,omitempty" db:"booking_id"`
	Metadata      Metadata   `json:"metadata" db:"metadata"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal reports whether the transaction has reached a final status.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusCompleted || t.Status == TransactionStatusFailed
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}
