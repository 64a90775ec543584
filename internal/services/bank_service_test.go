package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBankService_Lookup(t *testing.T) {
	service := NewBankService()

	bank, err := service.Lookup("SBU")
	require.NoError(t, err)
	assert.Equal(t, "Stanbic Bank Uganda", bank.Name)

	_, err = service.Lookup("XXX")
	assert.ErrorIs(t, err, ErrUnknownBank)

	// Codes are case sensitive.
	_, err = service.Lookup("sbu")
	assert.ErrorIs(t, err, ErrUnknownBank)
}

func TestBankService_GetAllBanks(t *testing.T) {
	service := NewBankService()

	rec := httptest.NewRecorder()
	service.GetAllBanks(rec, httptest.NewRequest(http.MethodGet, "/banks", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=86400", rec.Header().Get("Cache-Control"))

	var banks []Bank
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&banks))
	assert.Len(t, banks, 26)
	for _, bank := range banks {
		assert.True(t, strings.HasPrefix(bank.LogoData, "data:image/svg+xml;base64,"), bank.Code)
	}
}
