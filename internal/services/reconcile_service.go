package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rentpay/backend/internal/models"
	"github.com/rentpay/backend/internal/vault"
	"github.com/spf13/viper"
)

// PollOutcome is how a payment watch task terminated.
type PollOutcome int

const (
	// PollResolved: the transaction reached a terminal status, via this
	// poller or via a webhook that landed mid-poll.
	PollResolved PollOutcome = iota
	// PollExhausted: the attempt cap ran out with the transaction still
	// pending. It stays pending for manual reconciliation.
	PollExhausted
)

func (o PollOutcome) String() string {
	if o == PollResolved {
		return "resolved"
	}
	return "exhausted"
}

// ReconciliationEngine applies the first terminal provider outcome for a
// reference id to the transaction log and ledger, and never a second one.
// Webhook delivery and per-payment polling race for the same transaction;
// the compare-and-swap on status decides the winner and the loser no-ops.
type ReconciliationEngine struct {
	db           *sql.DB
	ledger       *LedgerService
	transactions *TransactionService
	gateways     *GatewaySet
	redis        *redis.Client
	audit        *vault.AuditLogger
	pollInterval time.Duration
	pollAttempts int

	mu        sync.RWMutex
	callbacks []func(referenceID string)
}

func NewReconciliationEngine(db *sql.DB, ledger *LedgerService, transactions *TransactionService, gateways *GatewaySet, redisClient *redis.Client) *ReconciliationEngine {
	viper.SetDefault("reconcile.poll_interval", 3*time.Second)
	viper.SetDefault("reconcile.poll_attempts", 24)

	return &ReconciliationEngine{
		db:           db,
		ledger:       ledger,
		transactions: transactions,
		gateways:     gateways,
		redis:        redisClient,
		audit:        vault.NewAuditLogger(),
		pollInterval: viper.GetDuration("reconcile.poll_interval"),
		pollAttempts: viper.GetInt("reconcile.poll_attempts"),
	}
}

// OnPaymentCompleted subscribes a callback invoked after a transaction
// reaches completed. Callbacks run at most once per reference id because
// they are gated on the same compare-and-swap as the transition itself.
func (e *ReconciliationEngine) OnPaymentCompleted(fn func(referenceID string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

// Apply moves the transaction to a terminal status and, on completed,
// credits the ledger and confirms the booking, all in one database
// transaction gated on the status CAS. It reports whether this caller won
// the transition; losing is the expected duplicate-reconciliation case.
func (e *ReconciliationEngine) Apply(referenceID, status string, metadata models.Metadata) (bool, error) {
	tx, err := e.transactions.GetByReference(referenceID)
	if err == sql.ErrNoRows {
		return false, ErrUnknownReference
	}
	if err != nil {
		return false, err
	}

	if tx.IsTerminal() {
		return false, nil
	}

	dbTx, err := e.db.Begin()
	if err != nil {
		return false, err
	}
	defer dbTx.Rollback()

	applied, err := e.transactions.MarkTerminalTx(dbTx, referenceID, status, metadata)
	if err != nil {
		return false, err
	}
	if !applied {
		// The other path won between our read and the CAS.
		return false, nil
	}

	if status == models.TransactionStatusCompleted {
		if tx.ToUserID != nil {
			if _, err := e.ledger.AdjustTx(dbTx, *tx.ToUserID, models.BalanceDelta{Available: tx.Amount}); err != nil {
				return false, err
			}
		}

		if tx.BookingID != nil {
			if err := e.confirmBooking(dbTx, *tx.BookingID); err != nil {
				return false, err
			}
		}
	}

	// A failed payment must release its pending booking, or the property
	// stays blocked for everyone including the payer.
	if status == models.TransactionStatusFailed && tx.BookingID != nil {
		if err := e.cancelBooking(dbTx, *tx.BookingID); err != nil {
			return false, err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return false, err
	}

	var userID int64
	if tx.ToUserID != nil {
		userID = *tx.ToUserID
	}
	e.audit.LogReconciliation(referenceID, userID, tx.Amount, status)

	if status == models.TransactionStatusCompleted {
		e.publishCompletion(referenceID)
		e.runCallbacks(referenceID)
	}

	return true, nil
}

// confirmBooking flips a pending booking to confirmed. Guarded on the
// current status so a replayed completion cannot resurrect a cancelled
// booking.
func (e *ReconciliationEngine) confirmBooking(dbTx *sql.Tx, bookingID int64) error {
	_, err := dbTx.Exec(`
		UPDATE bookings
		SET status = 'confirmed'
		WHERE id = $1 AND status = 'pending'`, bookingID)
	return err
}

// cancelBooking releases the pending booking of a failed payment so the
// availability check stops counting it. Confirmed bookings are left alone;
// only a completed payment confirms, and completed and failed are mutually
// exclusive under the status CAS.
func (e *ReconciliationEngine) cancelBooking(dbTx *sql.Tx, bookingID int64) error {
	_, err := dbTx.Exec(`
		UPDATE bookings
		SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'`, bookingID)
	return err
}

func (e *ReconciliationEngine) publishCompletion(referenceID string) {
	if e.redis == nil {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"reference_id": referenceID,
		"status":       models.TransactionStatusCompleted,
	})
	if err := e.redis.RPush(context.Background(), "payment_events", payload).Err(); err != nil {
		log.Printf("[RECONCILE] Failed to publish completion event for %s: %v", referenceID, err)
	}
}

func (e *ReconciliationEngine) runCallbacks(referenceID string) {
	e.mu.RLock()
	callbacks := make([]func(string), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.RUnlock()

	for _, fn := range callbacks {
		fn(referenceID)
	}
}

// WatchPayment spawns the bounded polling task for a pending payment and
// returns a channel that reports how the task terminated. The task checks
// the stored status before every poll so a webhook landing mid-poll halts
// further polling without any cancellation signal.
func (e *ReconciliationEngine) WatchPayment(referenceID, method string) <-chan PollOutcome {
	done := make(chan PollOutcome, 1)

	gateway, err := e.gateways.ForMethod(method)
	if err != nil {
		log.Printf("[RECONCILE] Not polling %s: %v", referenceID, err)
		done <- PollExhausted
		return done
	}

	go func() {
		defer close(done)
		done <- e.poll(referenceID, gateway)
	}()

	return done
}

func (e *ReconciliationEngine) poll(referenceID string, gateway PaymentGateway) PollOutcome {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= e.pollAttempts; attempt++ {
		<-ticker.C

		stored, err := e.transactions.GetStatus(referenceID)
		if err != nil {
			log.Printf("[RECONCILE] Poll %d/%d for %s: status read failed: %v", attempt, e.pollAttempts, referenceID, err)
			continue
		}
		if stored != models.TransactionStatusPending {
			return PollResolved
		}

		ctx, cancel := context.WithTimeout(context.Background(), e.pollInterval*2)
		providerStatus, err := gateway.QueryStatus(ctx, referenceID)
		cancel()
		if err != nil {
			// Transient provider trouble: retried on the next tick, never
			// surfaced to the user.
			log.Printf("[RECONCILE] Poll %d/%d for %s failed: %v", attempt, e.pollAttempts, referenceID, err)
			continue
		}

		if providerStatus == models.TransactionStatusPending {
			continue
		}

		if _, err := e.Apply(referenceID, providerStatus, models.Metadata{"source": "poll"}); err != nil {
			log.Printf("[RECONCILE] Failed to apply poll result for %s: %v", referenceID, err)
			continue
		}
		return PollResolved
	}

	log.Printf("[RECONCILE] Polling exhausted for %s, left pending for manual reconciliation", referenceID)
	return PollExhausted
}

// webhookPayload is the provider's callback body.
type webhookPayload struct {
	ReferenceID           string `json:"reference_id" validate:"required"`
	Status                string `json:"status" validate:"required"`
	ProviderTransactionID string `json:"provider_transaction_id"`
}

// HandleWebhook processes a provider status callback
// @Summary Payment provider webhook
// @Description Receive a payment status callback from the external provider
// @Tags payments
// @Accept json
// @Produce json
// @Param payload body webhookPayload true "Webhook payload"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payment/webhook [post]
func (e *ReconciliationEngine) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var payload webhookPayload
	if err := dec.Decode(&payload); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if payload.ReferenceID == "" || payload.Status == "" {
		SendErrorResponse(w, "reference_id and status are required", http.StatusBadRequest, nil)
		return
	}

	status := NormalizeProviderStatus(payload.Status)
	log.Printf("[WEBHOOK] Callback for %s: provider status %q -> %s", payload.ReferenceID, payload.Status, status)

	if status == models.TransactionStatusPending {
		// Non-terminal callback; nothing to apply, but acknowledge so the
		// provider stops retrying.
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "acknowledged"})
		return
	}

	metadata := models.Metadata{"source": "webhook"}
	if payload.ProviderTransactionID != "" {
		metadata["provider_transaction_id"] = payload.ProviderTransactionID
	}

	applied, err := e.Apply(payload.ReferenceID, status, metadata)
	if err == ErrUnknownReference {
		log.Printf("[WEBHOOK] Unknown reference id %s", payload.ReferenceID)
		SendErrorResponse(w, "Unknown reference id", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		log.Printf("[WEBHOOK] Failed to apply %s for %s: %v", status, payload.ReferenceID, err)
		SendErrorResponse(w, "Failed to process callback", http.StatusInternalServerError, nil)
		return
	}

	message := "processed"
	if !applied {
		// Redelivered or raced callback; already reconciled. Responding 200
		// stops provider retries.
		message = "already processed"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
