package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/rentpay/backend/internal/models"
	"github.com/rentpay/backend/internal/services"
	"github.com/spf13/viper"
)

// PaymentHandler is the inbound payment surface: it validates the request,
// runs the availability check for booking payments, initiates the charge
// with the provider and hands the reference to the reconciliation engine.
// Money only moves when reconciliation later applies a terminal status.
type PaymentHandler struct {
	db           *sql.DB
	gateways     *services.GatewaySet
	transactions *services.TransactionService
	availability *services.AvailabilityService
	engine       *services.ReconciliationEngine
	qr           *services.CheckoutQRService
	validator    *services.ValidationHelper
	currency     string
}

func NewPaymentHandler(db *sql.DB, gateways *services.GatewaySet, transactions *services.TransactionService,
	availability *services.AvailabilityService, engine *services.ReconciliationEngine,
	qr *services.CheckoutQRService) *PaymentHandler {
	viper.SetDefault("ledger.currency", "UGX")
	return &PaymentHandler{
		db:           db,
		gateways:     gateways,
		transactions: transactions,
		availability: availability,
		engine:       engine,
		qr:           qr,
		validator:    services.NewValidationHelper(),
		currency:     viper.GetString("ledger.currency"),
	}
}

type initiatePaymentRequest struct {
	Method       string `json:"method" validate:"required,oneof=mobile_money card"`
	Amount       int64  `json:"amount" validate:"required,gt=0"`
	PayerContact string `json:"payer_contact" validate:"required,max=140"`
	PropertyID   int64  `json:"property_id" validate:"omitempty,gt=0"`
	CheckIn      string `json:"check_in" validate:"omitempty,datetime=2006-01-02"`
	CheckOut     string `json:"check_out" validate:"omitempty,datetime=2006-01-02"`
	Description  string `json:"description" validate:"omitempty,max=280"`
}

type initiatePaymentResponse struct {
	ReferenceID string `json:"reference_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url,omitempty"`
	QRImage     string `json:"qr_image,omitempty"`
}

// InitiatePayment starts a payment
// @Summary Initiate a payment
// @Description Start a mobile money or card charge; the payment completes asynchronously via webhook or polling
// @Tags payments
// @Accept json
// @Produce json
// @Param request body initiatePaymentRequest true "Payment request"
// @Success 202 {object} initiatePaymentResponse
// @Failure 400 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Failure 502 {object} services.ErrorResponse
// @Router /payments [post]
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := services.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req initiatePaymentRequest
	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	checkIn, checkOut := parseDate(req.CheckIn), parseDate(req.CheckOut)
	if checkIn != nil && checkOut != nil && !checkOut.After(*checkIn) {
		services.SendErrorResponse(w, "check_out must be after check_in", http.StatusBadRequest, nil)
		return
	}

	tx := &models.Transaction{
		ReferenceID:   services.NewReferenceID(),
		FromUserID:    &userID,
		Amount:        req.Amount,
		Currency:      h.currency,
		PaymentMethod: req.Method,
		Description:   req.Description,
		Metadata:      models.Metadata{"payer_contact": req.PayerContact},
	}

	if req.PropertyID != 0 {
		if err := h.availability.Check(req.PropertyID, userID, checkIn, checkOut); err != nil {
			switch err {
			case services.ErrPropertyUnavailable:
				services.SendCodedErrorResponse(w, "Property is not available", "PROPERTY_UNAVAILABLE", http.StatusConflict, nil)
			case services.ErrDuplicateBooking:
				services.SendCodedErrorResponse(w, "You already have an active booking for this property", "DUPLICATE_BOOKING", http.StatusConflict, nil)
			default:
				log.Printf("[PAYMENT] Availability check failed for property %d: %v", req.PropertyID, err)
				services.SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
			}
			return
		}

		ownerID, bookingID, err := h.createPendingBooking(req.PropertyID, userID, checkIn, checkOut)
		if err != nil {
			log.Printf("[PAYMENT] Booking creation failed for property %d: %v", req.PropertyID, err)
			services.SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
			return
		}

		tx.Type = models.TransactionTypeRentPayment
		tx.ToUserID = &ownerID
		tx.BookingID = &bookingID
	} else {
		// No property: a balance top-up credited to the payer.
		tx.Type = models.TransactionTypeDeposit
		tx.ToUserID = &userID
	}

	gateway, err := h.gateways.ForMethod(req.Method)
	if err != nil {
		services.SendErrorResponse(w, "Unsupported payment method", http.StatusBadRequest, nil)
		return
	}

	if err := h.transactions.CreatePending(tx); err != nil {
		log.Printf("[PAYMENT] Failed to record pending transaction %s: %v", tx.ReferenceID, err)
		services.SendErrorResponse(w, "Failed to initiate payment", http.StatusInternalServerError, nil)
		return
	}

	initiated, err := gateway.Initiate(r.Context(), services.PaymentRequest{
		Amount:       req.Amount,
		Currency:     h.currency,
		PayerContact: req.PayerContact,
		Description:  req.Description,
		ReferenceID:  tx.ReferenceID,
	})
	if err != nil {
		log.Printf("[PAYMENT] Initiation failed for %s: %v", tx.ReferenceID, err)
		if _, applyErr := h.engine.Apply(tx.ReferenceID, models.TransactionStatusFailed,
			models.Metadata{"reason": "initiation_failed"}); applyErr != nil {
			log.Printf("[PAYMENT] Failed to mark %s failed: %v", tx.ReferenceID, applyErr)
		}
		services.SendErrorResponse(w, "Payment provider is unavailable", http.StatusBadGateway, nil)
		return
	}

	outcomes := h.engine.WatchPayment(tx.ReferenceID, req.Method)
	go func(referenceID string) {
		log.Printf("[PAYMENT] Poll for %s finished: %s", referenceID, <-outcomes)
	}(tx.ReferenceID)

	resp := initiatePaymentResponse{
		ReferenceID: tx.ReferenceID,
		Status:      models.TransactionStatusPending,
		RedirectURL: initiated.RedirectURL,
	}

	if initiated.RedirectURL != "" && h.qr != nil {
		qrImage, err := h.qr.RenderCheckoutQR(r.Context(), tx.ReferenceID, initiated.RedirectURL)
		if err != nil {
			log.Printf("[PAYMENT] QR render failed for %s: %v", tx.ReferenceID, err)
		} else {
			resp.QRImage = qrImage
		}
	}

	log.Printf("[PAYMENT] Initiated %s for user %d (method: %s, amount: %d)", tx.ReferenceID, userID, req.Method, req.Amount)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// createPendingBooking inserts the booking the payment is for. It stays
// pending until reconciliation confirms it with the completed payment.
func (h *PaymentHandler) createPendingBooking(propertyID, userID int64, checkIn, checkOut *time.Time) (int64, int64, error) {
	var ownerID int64
	if err := h.db.QueryRow(`SELECT owner_id FROM properties WHERE id = $1`, propertyID).Scan(&ownerID); err != nil {
		return 0, 0, err
	}

	var bookingID int64
	err := h.db.QueryRow(`
		INSERT INTO bookings (property_id, user_id, status, check_in, check_out, created_at)
		VALUES ($1, $2, 'pending', $3, $4, $5)
		RETURNING id`,
		propertyID, userID, checkIn, checkOut, time.Now()).Scan(&bookingID)
	if err != nil {
		return 0, 0, err
	}

	return ownerID, bookingID, nil
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &parsed
}
