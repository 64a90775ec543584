package services

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rentpay/backend/internal/models"
	"github.com/stretchr/testify/assert"
)

const lockBalancePattern = `(?s)SELECT available, pending, on_hold, currency, updated_at.*FOR UPDATE`

func TestLedgerService_Adjust(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	userID := int64(7)

	t.Run("credit increases available", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(100000, 0, 0, "UGX", time.Now()))
		mock.ExpectExec("UPDATE user_balances").
			WithArgs(int64(150000), int64(0), int64(0), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		balance, err := service.Adjust(userID, models.BalanceDelta{Available: 50000})
		assert.NoError(t, err)
		assert.Equal(t, int64(150000), balance.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit below zero is refused", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(30000, 0, 0, "UGX", time.Now()))
		mock.ExpectRollback()

		_, err := service.Adjust(userID, models.BalanceDelta{Available: -50000})
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hold moves available to on_hold", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(100000, 0, 0, "UGX", time.Now()))
		mock.ExpectExec("UPDATE user_balances").
			WithArgs(int64(50000), int64(0), int64(50000), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		balance, err := service.Adjust(userID, models.BalanceDelta{Available: -50000, OnHold: 50000})
		assert.NoError(t, err)
		assert.Equal(t, int64(50000), balance.Available)
		assert.Equal(t, int64(50000), balance.OnHold)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative on_hold is refused", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(100000, 0, 0, "UGX", time.Now()))
		mock.ExpectRollback()

		_, err := service.Adjust(userID, models.BalanceDelta{OnHold: -1})
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first event creates the balance row", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("INSERT INTO user_balances").
			WithArgs(userID, "UGX", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectQuery(lockBalancePattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(0, 0, 0, "UGX", time.Now()))
		mock.ExpectExec("UPDATE user_balances").
			WithArgs(int64(25000), int64(0), int64(0), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		balance, err := service.Adjust(userID, models.BalanceDelta{Available: 25000})
		assert.NoError(t, err)
		assert.Equal(t, int64(25000), balance.Available)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerService_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewLedgerService(db)
	userID := int64(7)

	t.Run("existing row", func(t *testing.T) {
		mock.ExpectQuery("SELECT available, pending, on_hold, currency, updated_at").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"available", "pending", "on_hold", "currency", "updated_at"}).
				AddRow(75000, 0, 25000, "UGX", time.Now()))

		balance, err := service.Get(userID)
		assert.NoError(t, err)
		assert.Equal(t, int64(75000), balance.Available)
		assert.Equal(t, int64(25000), balance.OnHold)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no history reads as zeros", func(t *testing.T) {
		mock.ExpectQuery("SELECT available, pending, on_hold, currency, updated_at").
			WithArgs(userID).
			WillReturnError(sql.ErrNoRows)

		balance, err := service.Get(userID)
		assert.NoError(t, err)
		assert.Equal(t, int64(0), balance.Available)
		assert.Equal(t, "UGX", balance.Currency)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
