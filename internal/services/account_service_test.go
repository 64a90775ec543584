package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rentpay/backend/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pinLookupPattern = `SELECT pin_hash, failed_attempts, locked_until`
const currentAccountPattern = `(?s)SELECT id, user_id, method.*withdrawal_accounts`

func newTestAccountService(t *testing.T) (*AccountService, sqlmock.Sqlmock, *sql.DB, *vault.Vault) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	v, err := vault.New("test-server-secret")
	require.NoError(t, err)

	return NewAccountService(db, v, NewBankService()), mock, db, v
}

func TestAccountService_VerifyPin(t *testing.T) {
	service, mock, db, v := newTestAccountService(t)
	defer db.Close()

	userID := int64(7)
	pinHash, err := v.HashPIN("1234")
	require.NoError(t, err)

	t.Run("correct pin", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))

		assert.NoError(t, service.VerifyPin(userID, "1234"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("correct pin resets the failure counter", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 3, nil))
		mock.ExpectExec("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.VerifyPin(userID, "1234"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong pin reports remaining attempts", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 2, nil))
		mock.ExpectQuery("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(3))

		err := service.VerifyPin(userID, "9999")
		assert.ErrorIs(t, err, ErrInvalidPin)

		var failure *PinFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 2, failure.RemainingAttempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fifth consecutive failure locks", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 4, nil))
		mock.ExpectQuery("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(5))
		mock.ExpectExec("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.ErrorIs(t, service.VerifyPin(userID, "9999"), ErrPinLocked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("locked account refuses even the correct pin", func(t *testing.T) {
		lockedUntil := time.Now().Add(10 * time.Minute)
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 5, lockedUntil))

		assert.ErrorIs(t, service.VerifyPin(userID, "1234"), ErrPinLocked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired lock self-clears", func(t *testing.T) {
		lockedUntil := time.Now().Add(-time.Minute)
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 5, lockedUntil))
		mock.ExpectExec("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, service.VerifyPin(userID, "1234"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("misses after an expired lock re-lock the account", func(t *testing.T) {
		expiredLock := time.Now().Add(-time.Minute)

		// First miss after the expired lock: the old streak ends, the lock
		// clears, and the counter restarts at 1.
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 5, expiredLock))
		mock.ExpectExec("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.VerifyPin(userID, "9999")
		var failure *PinFailure
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, 4, failure.RemainingAttempts)

		// Three more misses count down against the cleared lock.
		for attempts := 1; attempts <= 3; attempts++ {
			mock.ExpectQuery(pinLookupPattern).
				WithArgs(userID).
				WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
					AddRow(pinHash, attempts, nil))
			mock.ExpectQuery("UPDATE account_pins").
				WithArgs(sqlmock.AnyArg(), userID).
				WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(attempts + 1))

			err := service.VerifyPin(userID, "9999")
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, maxPinAttempts-(attempts+1), failure.RemainingAttempts)
		}

		// The fifth miss of the new streak locks the account again.
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 4, nil))
		mock.ExpectQuery("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(5))
		mock.ExpectExec("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), userID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.ErrorIs(t, service.VerifyPin(userID, "9999"), ErrPinLocked)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no pin on file", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnError(sql.ErrNoRows)

		assert.ErrorIs(t, service.VerifyPin(userID, "1234"), ErrNoPin)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func authedRequest(method, target, body string, userID int64) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	ctx := context.WithValue(req.Context(), "userID", userID)
	return req.WithContext(ctx)
}

func TestAccountService_SetWithdrawalAccount(t *testing.T) {
	service, mock, db, v := newTestAccountService(t)
	defer db.Close()

	userID := int64(7)
	pinHash, err := v.HashPIN("1234")
	require.NoError(t, err)

	t.Run("stores encrypted destination and retires the previous one", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE withdrawal_accounts").
			WithArgs(userID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO withdrawal_accounts").
			WithArgs(userID, "bank", "SBU", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		rec := httptest.NewRecorder()
		service.SetWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account",
			`{"method":"bank","bank_code":"SBU","account_name":"Jane Doe","account_number":"0102030405","pin":"1234"}`, userID))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown bank code is rejected before the pin check", func(t *testing.T) {
		rec := httptest.NewRecorder()
		service.SetWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account",
			`{"method":"bank","bank_code":"XXX","account_name":"Jane Doe","account_number":"0102030405","pin":"1234"}`, userID))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong pin is rejected", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))
		mock.ExpectQuery("UPDATE account_pins").
			WithArgs(sqlmock.AnyArg(), userID).
			WillReturnRows(sqlmock.NewRows([]string{"failed_attempts"}).AddRow(1))

		rec := httptest.NewRecorder()
		service.SetWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account",
			`{"method":"mobile_money","account_name":"Jane Doe","account_number":"0770123456","pin":"9999"}`, userID))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "INVALID_PIN")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_RevealWithdrawalAccount(t *testing.T) {
	service, mock, db, v := newTestAccountService(t)
	defer db.Close()

	userID := int64(7)
	pinHash, err := v.HashPIN("1234")
	require.NoError(t, err)

	key := v.DeriveKey("1234")
	encName, err := v.Encrypt("Jane Doe", key)
	require.NoError(t, err)
	encNumber, err := v.Encrypt("0770123456", key)
	require.NoError(t, err)
	nameJSON, _ := json.Marshal(encName)
	numberJSON, _ := json.Marshal(encNumber)

	accountRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "user_id", "method", "bank_code", "account_name",
			"account_number", "is_current", "created_at"}).
			AddRow(1, userID, "mobile_money", "", nameJSON, numberJSON, true, time.Now())
	}

	t.Run("decrypts with the right pin", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))
		mock.ExpectQuery(currentAccountPattern).
			WithArgs(userID).
			WillReturnRows(accountRow())

		rec := httptest.NewRecorder()
		service.RevealWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account/reveal",
			`{"pin":"1234"}`, userID))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "Jane Doe")
		assert.Contains(t, rec.Body.String(), "0770123456")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("legacy record renders masked", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))
		mock.ExpectQuery(currentAccountPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "method", "bank_code", "account_name",
				"account_number", "is_current", "created_at"}).
				AddRow(1, userID, "mobile_money", "", []byte("0770123456"), []byte("legacy"), true, time.Now()))

		rec := httptest.NewRecorder()
		service.RevealWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account/reveal",
			`{"pin":"1234"}`, userID))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), vault.Masked)
		assert.NotContains(t, rec.Body.String(), "legacy")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no destination on file", func(t *testing.T) {
		mock.ExpectQuery(pinLookupPattern).
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"pin_hash", "failed_attempts", "locked_until"}).
				AddRow(pinHash, 0, nil))
		mock.ExpectQuery(currentAccountPattern).
			WithArgs(userID).
			WillReturnError(sql.ErrNoRows)

		rec := httptest.NewRecorder()
		service.RevealWithdrawalAccount(rec, authedRequest(http.MethodPost, "/withdrawal-account/reveal",
			`{"pin":"1234"}`, userID))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), "NO_WITHDRAWAL_ACCOUNT")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_SetPin(t *testing.T) {
	service, mock, db, _ := newTestAccountService(t)
	defer db.Close()

	userID := int64(7)

	t.Run("first pin", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
		mock.ExpectExec("INSERT INTO account_pins").
			WithArgs(userID, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		rec := httptest.NewRecorder()
		service.SetPin(rec, authedRequest(http.MethodPost, "/pin", `{"pin":"1234"}`, userID))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("changing requires the current pin", func(t *testing.T) {
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		rec := httptest.NewRecorder()
		service.SetPin(rec, authedRequest(http.MethodPost, "/pin", `{"pin":"4321"}`, userID))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-numeric pin is rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		service.SetPin(rec, authedRequest(http.MethodPost, "/pin", `{"pin":"abcd"}`, userID))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
