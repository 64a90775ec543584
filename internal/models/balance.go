package models

import (
	"time"
)

// UserBalance is the authoritative per-user ledger row. One row per user,
// created lazily on the first financial event. Mutated only through the
// ledger service's Adjust path.
type UserBalance struct {
	UserID    int64     `json:"user_id" db:"user_id"`
	Available int64     `json:"available" db:"available"`
	Pending   int64     `json:"pending" db:"pending"`
	OnHold    int64     `json:"on_hold" db:"on_hold"`
	Currency  string    `json:"currency" db:"currency"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BalanceDelta describes a signed adjustment to a user's balance buckets.
type BalanceDelta struct {
	Available int64 `json:"available"`
	Pending   int64 `json:"pending"`
	OnHold    int64 `json:"on_hold"`
}

// IsZero reports whether the delta would not change anything.
func (d BalanceDelta) IsZero() bool {
	return d.Available == 0 && d.Pending == 0 && d.OnHold == 0
}
