package vault

import (
	"encoding/json"
	"log"
	"time"
)

type AuditEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	EventType   string    `json:"event_type"`
	ReferenceID string    `json:"reference_id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	Status      string    `json:"status"`
	Details     any       `json:"details"`
}

type AuditLogger struct{}

func NewAuditLogger() *AuditLogger {
	return &AuditLogger{}
}

func (a *AuditLogger) LogReconciliation(referenceID string, userID, amount int64, status string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "RECONCILIATION",
		ReferenceID: referenceID,
		UserID:      userID,
		Amount:      amount,
		Status:      status,
	}
	a.log(event)
}

func (a *AuditLogger) LogWithdrawal(referenceID string, userID, amount int64, transition string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "WITHDRAWAL",
		ReferenceID: referenceID,
		UserID:      userID,
		Amount:      amount,
		Status:      transition,
	}
	a.log(event)
}

func (a *AuditLogger) LogError(referenceID string, userID int64, err error) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   "ERROR",
		ReferenceID: referenceID,
		UserID:      userID,
		Status:      "FAILED",
		Details:     map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *AuditLogger) LogOperation(referenceID string, userID int64, operation, details string) {
	event := AuditEvent{
		Timestamp:   time.Now(),
		EventType:   operation,
		ReferenceID: referenceID,
		UserID:      userID,
		Status:      "SUCCESS",
		Details:     map[string]string{"details": details},
	}
	a.log(event)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
