package services

import (
	"database/sql"
	"log"
	"time"
)

// AvailabilityService answers "can this user still pay for this property"
// before a payment is initiated. The check is advisory: it reads without
// locks, so two users can both pass it for the last unit. The terminal-status
// compare-and-set in reconciliation is what actually decides who gets the
// booking; this check only keeps obviously doomed payments from starting.
type AvailabilityService struct {
	db *sql.DB
}

func NewAvailabilityService(db *sql.DB) *AvailabilityService {
	return &AvailabilityService{db: db}
}

// Check returns ErrPropertyUnavailable when the property is occupied or the
// requested dates overlap an active booking, and ErrDuplicateBooking when
// this user already holds an active booking for the property.
func (s *AvailabilityService) Check(propertyID, userID int64, checkIn, checkOut *time.Time) error {
	var unitType string
	err := s.db.QueryRow(`SELECT unit_type FROM properties WHERE id = $1`, propertyID).Scan(&unitType)
	if err == sql.ErrNoRows {
		return ErrPropertyUnavailable
	}
	if err != nil {
		return err
	}

	var duplicate bool
	err = s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM bookings
			WHERE property_id = $1 AND user_id = $2 AND status IN ('pending', 'confirmed')
		)`, propertyID, userID).Scan(&duplicate)
	if err != nil {
		return err
	}
	if duplicate {
		return ErrDuplicateBooking
	}

	if unitType == "dated" && checkIn != nil && checkOut != nil {
		return s.checkDateOverlap(propertyID, *checkIn, *checkOut)
	}

	return s.checkOccupancy(propertyID)
}

// checkOccupancy blocks non-dated units with any active booking.
func (s *AvailabilityService) checkOccupancy(propertyID int64) error {
	var occupied bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM bookings
			WHERE property_id = $1 AND status IN ('pending', 'confirmed')
		)`, propertyID).Scan(&occupied)
	if err != nil {
		return err
	}
	if occupied {
		log.Printf("[AVAILABILITY] Property %d occupied", propertyID)
		return ErrPropertyUnavailable
	}
	return nil
}

// checkDateOverlap blocks dated units whose active bookings intersect the
// requested half-open range [checkIn, checkOut).
func (s *AvailabilityService) checkDateOverlap(propertyID int64, checkIn, checkOut time.Time) error {
	var overlaps bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM bookings
			WHERE property_id = $1 AND status IN ('pending', 'confirmed')
			  AND check_in < $3 AND check_out > $2
		)`, propertyID, checkIn, checkOut).Scan(&overlaps)
	if err != nil {
		return err
	}
	if overlaps {
		log.Printf("[AVAILABILITY] Property %d has overlapping booking for %s to %s",
			propertyID, checkIn.Format("2006-01-02"), checkOut.Format("2006-01-02"))
		return ErrPropertyUnavailable
	}
	return nil
}
