package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rentpay/backend/internal/models"
	"github.com/spf13/viper"
)

// GatewayConfig holds the external payment provider settings.
type GatewayConfig struct {
	BaseURL    string
	APIKey     string
	WebhookURL string
}

// GatewayConfigFromViper reads the provider settings bound in main.
func GatewayConfigFromViper() GatewayConfig {
	viper.SetDefault("gateway.base_url", "https://api.payments.example.com")
	return GatewayConfig{
		BaseURL:    viper.GetString("gateway.base_url"),
		APIKey:     viper.GetString("gateway.api_key"),
		WebhookURL: viper.GetString("gateway.webhook_url"),
	}
}

// PaymentRequest is what callers supply to initiate a charge.
type PaymentRequest struct {
	Amount       int64
	Currency     string
	PayerContact string
	Description  string
	ReferenceID  string
}

// InitiatedPayment is the provider's answer to a charge request, already
// normalized. RedirectURL is set for card payments only; mobile money is a
// phone-prompt flow with nothing to redirect to.
type InitiatedPayment struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// PaymentGateway is one payment method's client against the external
// provider. The set of implementations is closed: adding a method means
// adding an implementation, not branching on method strings.
type PaymentGateway interface {
	Method() string
	Initiate(ctx context.Context, req PaymentRequest) (*InitiatedPayment, error)
	QueryStatus(ctx context.Context, referenceID string) (string, error)
}

// providerStatusTable is the single place that understands the provider's
// status vocabulary. New provider states are a table update, not new logic.
var providerStatusTable = map[string]string{
	"successful":      models.TransactionStatusCompleted,
	"success":         models.TransactionStatusCompleted,
	"completed":       models.TransactionStatusCompleted,
	"failed":          models.TransactionStatusFailed,
	"cancelled":       models.TransactionStatusFailed,
	"declined":        models.TransactionStatusFailed,
	"expired":         models.TransactionStatusFailed,
	"pending":         models.TransactionStatusPending,
	"new":             models.TransactionStatusPending,
	"processing":      models.TransactionStatusPending,
	"awaiting_input":  models.TransactionStatusPending,
	"awaiting_charge": models.TransactionStatusPending,
}

// NormalizeProviderStatus maps a provider status string to exactly one of
// pending, completed or failed. Unknown strings stay pending, which errs on
// the side of polling again rather than inventing an outcome.
func NormalizeProviderStatus(providerStatus string) string {
	if status, ok := providerStatusTable[providerStatus]; ok {
		return status
	}
	return models.TransactionStatusPending
}

// NewReferenceID generates the idempotency key for a payment before the
// provider is ever called, so retries of the outbound call stay idempotent
// on our side regardless of what the provider does.
func NewReferenceID() string {
	return fmt.Sprintf("RP-%s", uuid.New().String())
}

// gatewayClient holds what both method implementations share.
type gatewayClient struct {
	config GatewayConfig
	client *http.Client
}

func newGatewayClient(config GatewayConfig) gatewayClient {
	return gatewayClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type providerChargeResponse struct {
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
	ProviderRef string `json:"provider_ref"`
}

func (g *gatewayClient) post(ctx context.Context, path string, payload any) (*providerChargeResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway unavailable: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway rejected request: status %d: %s", resp.StatusCode, data)
	}

	var parsed providerChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return &parsed, nil
}

func (g *gatewayClient) queryStatus(ctx context.Context, referenceID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/charges/%s", g.config.BaseURL, referenceID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.config.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway status query failed: status %d", resp.StatusCode)
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode gateway response: %w", err)
	}

	return NormalizeProviderStatus(parsed.Status), nil
}

// MobileMoneyGateway initiates phone-prompt charges. The provider pushes a
// prompt to the payer's handset and reports the outcome on the webhook URL;
// there is no redirect.
type MobileMoneyGateway struct {
	gatewayClient
}

func NewMobileMoneyGateway(config GatewayConfig) *MobileMoneyGateway {
	return &MobileMoneyGateway{gatewayClient: newGatewayClient(config)}
}

func (g *MobileMoneyGateway) Method() string { return models.PaymentMethodMobileMoney }

func (g *MobileMoneyGateway) Initiate(ctx context.Context, req PaymentRequest) (*InitiatedPayment, error) {
	resp, err := g.post(ctx, "/charges/mobile-money", map[string]any{
		"reference":    req.ReferenceID,
		"amount":       req.Amount,
		"currency":     req.Currency,
		"phone_number": req.PayerContact,
		"narration":    req.Description,
		"callback_url": g.config.WebhookURL,
	})
	if err != nil {
		return nil, err
	}

	return &InitiatedPayment{
		ReferenceID: req.ReferenceID,
		Status:      NormalizeProviderStatus(resp.Status),
	}, nil
}

func (g *MobileMoneyGateway) QueryStatus(ctx context.Context, referenceID string) (string, error) {
	return g.queryStatus(ctx, referenceID)
}

// CardGateway initiates hosted-checkout card charges. The provider returns
// an interstitial checkout page the payer is redirected to.
type CardGateway struct {
	gatewayClient
}

func NewCardGateway(config GatewayConfig) *CardGateway {
	return &CardGateway{gatewayClient: newGatewayClient(config)}
}

func (g *CardGateway) Method() string { return models.PaymentMethodCard }

func (g *CardGateway) Initiate(ctx context.Context, req PaymentRequest) (*InitiatedPayment, error) {
	resp, err := g.post(ctx, "/charges/card", map[string]any{
		"reference":    req.ReferenceID,
		"amount":       req.Amount,
		"currency":     req.Currency,
		"email":        req.PayerContact,
		"narration":    req.Description,
		"callback_url": g.config.WebhookURL,
	})
	if err != nil {
		return nil, err
	}

	if resp.RedirectURL == "" {
		return nil, fmt.Errorf("gateway returned no checkout URL for card charge %s", req.ReferenceID)
	}

	return &InitiatedPayment{
		ReferenceID: req.ReferenceID,
		Status:      NormalizeProviderStatus(resp.Status),
		RedirectURL: resp.RedirectURL,
	}, nil
}

func (g *CardGateway) QueryStatus(ctx context.Context, referenceID string) (string, error) {
	return g.queryStatus(ctx, referenceID)
}

// GatewaySet is the closed set of configured payment methods.
type GatewaySet struct {
	gateways map[string]PaymentGateway
}

func NewGatewaySet(config GatewayConfig) *GatewaySet {
	set := &GatewaySet{gateways: make(map[string]PaymentGateway)}
	set.register(NewMobileMoneyGateway(config))
	set.register(NewCardGateway(config))
	return set
}

func (s *GatewaySet) register(g PaymentGateway) {
	s.gateways[g.Method()] = g
}

// ForMethod returns the gateway for a payment method.
func (s *GatewaySet) ForMethod(method string) (PaymentGateway, error) {
	g, ok := s.gateways[method]
	if !ok {
		return nil, fmt.Errorf("unsupported payment method %q", method)
	}
	return g, nil
}
