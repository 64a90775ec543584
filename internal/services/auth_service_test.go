package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuthTestConfig() {
	viper.Set("argon2.salt_length", 16)
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("jwt.secret_key", "auth-test-secret")
	viper.Set("jwt.expiry_hours", 24)
}

func TestPasswordHashing(t *testing.T) {
	setupAuthTestConfig()

	hashed, err := hashPassword("password123")
	require.NoError(t, err)

	assert.True(t, verifyPassword("password123", hashed))
	assert.False(t, verifyPassword("password124", hashed))

	// Salted: hashing twice never repeats.
	again, err := hashPassword("password123")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, again)

	assert.False(t, verifyPassword("password123", "not-a-valid-hash"))
}

func TestAuthService_Login(t *testing.T) {
	setupAuthTestConfig()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil)

	hashed, err := hashPassword("password123")
	require.NoError(t, err)

	userRow := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{"id", "email", "first_name", "last_name",
			"phone_number", "role", "password"}).
			AddRow(7, "jane@example.com", "Jane", "Doe", "+256770123456", "user", hashed)
	}

	t.Run("valid credentials return a signed token", func(t *testing.T) {
		mock.ExpectQuery("(?s)SELECT id, email.*FROM users").
			WithArgs("+256770123456").
			WillReturnRows(userRow())
		mock.ExpectExec("UPDATE users SET last_login").
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec := httptest.NewRecorder()
		service.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"phone_number":"+256770123456","password":"password123"}`)))

		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, int64(7), resp.User.ID)

		parsed, err := jwt.Parse(resp.Token, func(token *jwt.Token) (interface{}, error) {
			return []byte("auth-test-secret"), nil
		})
		require.NoError(t, err)
		claims := parsed.Claims.(jwt.MapClaims)
		assert.Equal(t, float64(7), claims["user_id"])
		assert.Equal(t, "user", claims["role"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong password", func(t *testing.T) {
		mock.ExpectQuery("(?s)SELECT id, email.*FROM users").
			WithArgs("+256770123456").
			WillReturnRows(userRow())

		rec := httptest.NewRecorder()
		service.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"phone_number":"+256770123456","password":"wrong-pass"}`)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown phone number", func(t *testing.T) {
		mock.ExpectQuery("(?s)SELECT id, email.*FROM users").
			WithArgs("+256700000000").
			WillReturnRows(sqlmock.NewRows([]string{"id", "email", "first_name", "last_name",
				"phone_number", "role", "password"}))

		rec := httptest.NewRecorder()
		service.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"phone_number":"+256700000000","password":"password123"}`)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("short password fails validation", func(t *testing.T) {
		rec := httptest.NewRecorder()
		service.Login(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
			strings.NewReader(`{"phone_number":"+256770123456","password":"abc"}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAuthService_Register(t *testing.T) {
	setupAuthTestConfig()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAuthService(db, nil)

	body := `{"email":"Jane@Example.com","password":"password123","first_name":"Jane","last_name":"Doe","phone_number":"+256770123456"}`

	t.Run("creates the user with a lowercased email", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO users").
			WithArgs("jane@example.com", sqlmock.AnyArg(), "Jane", "Doe", "+256770123456",
				"user", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		rec := httptest.NewRecorder()
		service.Register(rec, httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body)))

		require.Equal(t, http.StatusOK, rec.Code)

		var resp AuthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "jane@example.com", resp.User.Email)
		assert.NotEmpty(t, resp.Token)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(assert.AnError)

		rec := httptest.NewRecorder()
		service.Register(rec, httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body)))

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestAuthService_Logout(t *testing.T) {
	setupAuthTestConfig()

	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	client, redisMock := redismock.NewClientMock()
	service := NewAuthService(db, client)

	redisMock.ExpectSet("blacklist:some-token", "1", 24*time.Hour).SetVal("OK")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec := httptest.NewRecorder()
	service.Logout(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
