// Package ledger defines the contracts of the external ledger the service
// sends donations to, and classifies the errors it returns.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/shopspring/decimal"
)

// ErrNotFound means the ledger has no record of a reference yet. It is
// expected for very recent submissions and is not a failure.
var ErrNotFound = errors.New("ledger: transaction not found")

// ErrOutcomeUnknown means the ledger accepted a payment but its answer could
// not be read, so whether and under which reference it landed is unknown.
// The payment must not be resent nor recorded as failed.
var ErrOutcomeUnknown = errors.New("ledger: payment outcome unknown")

// Verification is the ledger's view of a submitted transaction.
type Verification struct {
	Verified       bool   `json:"verified"`
	LedgerSequence int64  `json:"ledger_sequence"`
	Hash           string `json:"hash"`
}

// Ledger answers whether a submitted transaction actually landed.
type Ledger interface {
	VerifyTransaction(ctx context.Context, externalRef string) (*Verification, error)
}

// PaymentRequest moves Amount from SourceID to DestinationID.
type PaymentRequest struct {
	SourceID      string          `json:"source_id"`
	DestinationID string          `json:"destination_id"`
	Amount        decimal.Decimal `json:"amount"`
	Memo          string          `json:"memo,omitempty"`
}

// PaymentResult carries the correlation id the ledger assigned.
type PaymentResult struct {
	ExternalRef string `json:"external_ref"`
}

// Payment submits transfers to the ledger.
type Payment interface {
	SendPayment(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
}

// RetryableError marks a transient failure: timeouts, network errors,
// rate limiting or an overloaded ledger.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: transient ledger error: %v", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PaymentError is a business rejection such as insufficient funds or an
// unknown destination. It is never retried.
type PaymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result codes the gateway reports.
const (
	CodeUnderfunded     = "op_underfunded"
	CodeNoDestination   = "op_no_destination"
	CodeMalformed       = "op_malformed"
	CodeBadSequence     = "tx_bad_seq"
	CodeInsufficientFee = "tx_insufficient_fee"
	CodeTooLate         = "tx_too_late"
)

var retryableCodes = map[string]bool{
	CodeBadSequence:     true,
	CodeInsufficientFee: true,
	CodeTooLate:         true,
}

// ClassifyCode turns a gateway result code into the matching error kind.
func ClassifyCode(op, code, message string) error {
	perr := &PaymentError{Code: code, Message: message}
	if retryableCodes[code] {
		return &RetryableError{Op: op, Err: perr}
	}
	return perr
}

// IsRetryable reports whether err belongs to the transient category.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rerr *RetryableError
	if errors.As(err, &rerr) {
		return true
	}
	var perr *PaymentError
	if errors.As(err, &perr) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return false
}
