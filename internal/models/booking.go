package models

import "time"

// Booking statuses relevant to the availability check. Only confirmed and
// pending bookings block a property.
const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
	BookingStatusEnded     = "ended"
)

// Unit types. Non-dated units (single rooms, whole houses) are occupied by
// any active booking; dated units conflict only on overlapping ranges.
const (
	UnitTypeWhole = "whole"
	UnitTypeDated = "dated"
)

// Booking is the slice of the booking layer this service reads for the
// availability check and flips on payment completion.
type Booking struct {
	ID         int64      `json:"id" db:"id"`
	PropertyID int64      `json:"property_id" db:"property_id"`
	UserID     int64      `json:"user_id" db:"user_id"`
	Status     string     `json:"status" db:"status"`
	CheckIn    *time.Time `json:"check_in,omitempty" db:"check_in"`
	CheckOut   *time.Time `json:"check_out,omitempty" db:"check_out"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
