package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MaxMemoBytes is the longest memo the ledger accepts.
	MaxMemoBytes = 28

	// MaxAmountScale is the number of fractional digits the ledger keeps.
	MaxAmountScale = 7
)

// Transaction is the local record of one donation sent to the ledger.
type Transaction struct {
	ID              string          `json:"id"`
	Amount          decimal.Decimal `json:"amount"`
	DonorID         string          `json:"donor_id"`
	RecipientID     string          `json:"recipient_id"`
	Memo            string          `json:"memo,omitempty"`
	Status          Status          `json:"status"`
	StatusUpdatedAt time.Time       `json:"status_updated_at"`
	ExternalRef     string          `json:"external_ref,omitempty"`
	LedgerSequence  *int64          `json:"ledger_sequence,omitempty"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ScheduleID      string          `json:"schedule_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Validate checks the caller-supplied fields of a new transaction.
func (t *Transaction) Validate() error {
	return ValidateTransfer(t.Amount, t.DonorID, t.RecipientID, t.Memo)
}

// ValidateTransfer checks the fields shared by one-off and scheduled donations.
func ValidateTransfer(amount decimal.Decimal, donorID, recipientID, memo string) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "amount must be positive")
	}
	if !amount.Equal(amount.Truncate(MaxAmountScale)) {
		return NewValidationError("amount", "amount supports at most %d decimal places", MaxAmountScale)
	}
	if donorID == "" {
		return NewValidationError("donor_id", "donor_id is required")
	}
	if recipientID == "" {
		return NewValidationError("recipient_id", "recipient_id is required")
	}
	if donorID == recipientID {
		return NewValidationError("recipient_id", "cannot donate to self")
	}
	if len(memo) > MaxMemoBytes {
		return NewValidationError("memo", "memo exceeds %d bytes", MaxMemoBytes)
	}
	return nil
}

// LedgerMeta carries the ledger-side facts attached on a status change.
// Zero values leave the stored fields unchanged.
type LedgerMeta struct {
	ExternalRef    string
	LedgerSequence *int64
	ConfirmedAt    *time.Time
}

// IdempotencyRecord caches the outcome of the first request seen for a key.
type IdempotencyRecord struct {
	Key         string          `json:"key"`
	RequestHash string          `json:"request_hash"`
	Response    json.RawMessage `json:"response"`
	StatusCode  int             `json:"status_code"`
	OwnerID     string          `json:"owner_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Expired reports whether the record is logically absent at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Frequency is how often a recurring donation fires.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Next returns the occurrence following from.
func (f Frequency) Next(from time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return from.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return from.AddDate(0, 0, 7)
	default:
		return from.AddDate(0, 1, 0)
	}
}

// Schedule is a recurring donation executed by the scheduler.
type Schedule struct {
	ID                string          `json:"id"`
	DonorID           string          `json:"donor_id"`
	RecipientID       string          `json:"recipient_id"`
	Amount            decimal.Decimal `json:"amount"`
	Memo              string          `json:"memo,omitempty"`
	Frequency         Frequency       `json:"frequency"`
	NextExecutionDate time.Time       `json:"next_execution_date"`
	LastExecutionDate *time.Time      `json:"last_execution_date,omitempty"`
	Active            bool            `json:"active"`
	ExecutionCount    int             `json:"execution_count"`
	FailureCount      int             `json:"failure_count"`
}

// ExecutionOutcome is the final result of one attempt sequence.
type ExecutionOutcome string

const (
	OutcomeSuccess ExecutionOutcome = "SUCCESS"
	OutcomeFailed  ExecutionOutcome = "FAILED"
)

// ScheduleExecutionLog is one append-only audit row per attempt sequence.
type ScheduleExecutionLog struct {
	ScheduleID   string           `json:"schedule_id"`
	Outcome      ExecutionOutcome `json:"outcome"`
	ExternalRef  string           `json:"external_ref,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Attempts     int              `json:"attempts"`
	Timestamp    time.Time        `json:"timestamp"`
}
