package services

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityService_Check(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAvailabilityService(db)

	propertyID := int64(3)
	userID := int64(7)

	date := func(s string) *time.Time {
		parsed, err := time.Parse("2006-01-02", s)
		require.NoError(t, err)
		return &parsed
	}

	expectUnitType := func(unitType string) {
		mock.ExpectQuery("SELECT unit_type FROM properties").
			WithArgs(propertyID).
			WillReturnRows(sqlmock.NewRows([]string{"unit_type"}).AddRow(unitType))
	}
	expectDuplicate := func(duplicate bool) {
		mock.ExpectQuery(`(?s)SELECT EXISTS.*property_id = \$1 AND user_id = \$2`).
			WithArgs(propertyID, userID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(duplicate))
	}

	t.Run("vacant whole unit passes", func(t *testing.T) {
		expectUnitType("whole")
		expectDuplicate(false)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(propertyID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.NoError(t, service.Check(propertyID, userID, nil, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("occupied whole unit is unavailable", func(t *testing.T) {
		expectUnitType("whole")
		expectDuplicate(false)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(propertyID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, service.Check(propertyID, userID, nil, nil), ErrPropertyUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same user cannot book twice", func(t *testing.T) {
		expectUnitType("whole")
		expectDuplicate(true)

		assert.ErrorIs(t, service.Check(propertyID, userID, nil, nil), ErrDuplicateBooking)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dated unit with free dates passes", func(t *testing.T) {
		expectUnitType("dated")
		expectDuplicate(false)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(propertyID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.NoError(t, service.Check(propertyID, userID, date("2026-10-01"), date("2026-10-07")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overlapping dates are unavailable", func(t *testing.T) {
		expectUnitType("dated")
		expectDuplicate(false)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(propertyID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, service.Check(propertyID, userID, date("2026-10-01"), date("2026-10-07")),
			ErrPropertyUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dated unit without dates falls back to occupancy", func(t *testing.T) {
		expectUnitType("dated")
		expectDuplicate(false)
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(propertyID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.NoError(t, service.Check(propertyID, userID, nil, nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown property is unavailable", func(t *testing.T) {
		mock.ExpectQuery("SELECT unit_type FROM properties").
			WithArgs(propertyID).
			WillReturnRows(sqlmock.NewRows([]string{"unit_type"}))

		assert.ErrorIs(t, service.Check(propertyID, userID, nil, nil), ErrPropertyUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
