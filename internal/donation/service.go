// Package donation is the request-path entry point: it creates one-off
// donations under an idempotency key and exposes the transaction record.
package donation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/punchamoorthee/donationledger/internal/idempotency"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type TransactionStore interface {
	Create(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, meta domain.LedgerMeta) (*domain.Transaction, error)
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)
	GetByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Transaction, error)
}

type Request struct {
	DonorID     string          `json:"donor_id"`
	RecipientID string          `json:"recipient_id"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        string          `json:"memo,omitempty"`
}

// Result is what a create call returns to the client. Replayed is true only
// when Body is a cached response from an earlier request with the same key.
type Result struct {
	Created    bool
	Replayed   bool
	StatusCode int
	Body       json.RawMessage
}

type Service struct {
	txs     TransactionStore
	payment ledger.Payment
	idem    *idempotency.Service
	log     zerolog.Logger
}

func NewService(txs TransactionStore, payment ledger.Payment, idem *idempotency.Service, log zerolog.Logger) *Service {
	return &Service{
		txs:     txs,
		payment: payment,
		idem:    idem,
		log:     log.With().Str("component", "donation").Logger(),
	}
}

// CreateDonation records a PENDING transaction, submits the payment and
// advances the record to SUBMITTED. Only a ledger rejection marks the record
// FAILED and returns the *ledger.PaymentError. A transient failure or a
// payment whose outcome is unknown leaves it PENDING.
//
// A key with a cached response replays it before the body is validated.
func (s *Service) CreateDonation(ctx context.Context, key string, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode donation request: %w", err)
	}

	out, err := s.idem.Execute(ctx, key, body, req.DonorID, func(ctx context.Context) (*idempotency.Response, error) {
		if err := domain.ValidateTransfer(req.Amount, req.DonorID, req.RecipientID, req.Memo); err != nil {
			return nil, err
		}
		return s.submit(ctx, key, req)
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Created:    !out.Replayed && out.StatusCode == http.StatusCreated,
		Replayed:   out.Replayed,
		StatusCode: out.StatusCode,
		Body:       out.Body,
	}, nil
}

func (s *Service) submit(ctx context.Context, key string, req Request) (*idempotency.Response, error) {
	log := s.log.With().Str("idempotency_key", key).Logger()

	tx, err := s.txs.Create(ctx, domain.Transaction{
		Amount:         req.Amount,
		DonorID:        req.DonorID,
		RecipientID:    req.RecipientID,
		Memo:           req.Memo,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if tx.Status != domain.StatusPending {
		// The transaction outlived its cached response.
		log.Info().Str("transaction_id", tx.ID).Str("status", string(tx.Status)).Msg("returning existing transaction for key")
		return &idempotency.Response{StatusCode: http.StatusOK, Body: tx}, nil
	}

	res, err := s.payment.SendPayment(ctx, ledger.PaymentRequest{
		SourceID:      req.DonorID,
		DestinationID: req.RecipientID,
		Amount:        req.Amount,
		Memo:          req.Memo,
	})
	if err != nil {
		var perr *ledger.PaymentError
		if ledger.IsRetryable(err) || !errors.As(err, &perr) {
			log.Warn().Err(err).Str("transaction_id", tx.ID).Bool("retryable", ledger.IsRetryable(err)).
				Msg("payment not confirmed as submitted, transaction left pending")
			return nil, err
		}
		if _, uerr := s.txs.UpdateStatus(ctx, tx.ID, domain.StatusFailed, domain.LedgerMeta{}); uerr != nil {
			log.Error().Err(uerr).Str("transaction_id", tx.ID).Msg("failed to mark transaction failed")
		}
		log.Warn().Err(err).Str("transaction_id", tx.ID).Msg("payment rejected by ledger")
		return nil, perr
	}

	tx, err = s.txs.UpdateStatus(ctx, tx.ID, domain.StatusSubmitted, domain.LedgerMeta{ExternalRef: res.ExternalRef})
	if err != nil {
		return nil, fmt.Errorf("mark transaction submitted: %w", err)
	}
	log.Info().Str("transaction_id", tx.ID).Str("external_ref", tx.ExternalRef).Msg("donation submitted")
	return &idempotency.Response{StatusCode: http.StatusCreated, Body: tx}, nil
}

// UpdateStatus applies a manual status change. rawStatus may be a legacy
// alias.
func (s *Service) UpdateStatus(ctx context.Context, id, rawStatus string) (*domain.Transaction, error) {
	status, err := domain.NormalizeStatus(rawStatus)
	if err != nil {
		return nil, err
	}
	tx, err := s.txs.UpdateStatus(ctx, id, status, domain.LedgerMeta{})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("transaction_id", id).Str("status", string(tx.Status)).Msg("transaction status updated")
	return tx, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.txs.GetByID(ctx, id)
}

// List returns transactions in rawStatus, or in any status when it is empty.
func (s *Service) List(ctx context.Context, rawStatus string) ([]domain.Transaction, error) {
	statuses := []domain.Status{domain.StatusPending, domain.StatusSubmitted, domain.StatusConfirmed, domain.StatusFailed}
	if rawStatus != "" {
		st, err := domain.NormalizeStatus(rawStatus)
		if err != nil {
			return nil, err
		}
		statuses = []domain.Status{st}
	}
	txs, err := s.txs.GetByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	return txs, nil
}
