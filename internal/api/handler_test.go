package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/punchamoorthee/donationledger/internal/donation"
	"github.com/punchamoorthee/donationledger/internal/idempotency"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/punchamoorthee/donationledger/internal/reconcile"
	"github.com/punchamoorthee/donationledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const idemKey = "api-test-key-000000001"

type stubLedger struct {
	payErr error
}

func (s *stubLedger) SendPayment(context.Context, ledger.PaymentRequest) (*ledger.PaymentResult, error) {
	if s.payErr != nil {
		return nil, s.payErr
	}
	return &ledger.PaymentResult{ExternalRef: "ref-1"}, nil
}

func (s *stubLedger) VerifyTransaction(context.Context, string) (*ledger.Verification, error) {
	return &ledger.Verification{Verified: true, LedgerSequence: 42}, nil
}

func newServer(t *testing.T, l *stubLedger) http.Handler {
	t.Helper()
	txs, err := store.OpenTransactionStore("")
	require.NoError(t, err)
	idem := idempotency.NewService(store.NewMemoryIdempotencyStore(), time.Hour, zerolog.Nop())
	svc := donation.NewService(txs, l, idem, zerolog.Nop())
	loop := reconcile.New(txs, l, reconcile.Config{}, zerolog.Nop())
	return NewHandler(svc, loop, zerolog.Nop()).Router()
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

const donationBody = `{"donor_id":"d1","recipient_id":"c1","amount":"10.25","memo":"hi"}`

func createDonation(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["id"].(string)
}

func TestCreateDonation_CreatedThenReplayed(t *testing.T) {
	h := newServer(t, &stubLedger{})

	first := do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	require.Equal(t, http.StatusCreated, first.Code)
	assert.NotEmpty(t, first.Header().Get("X-Request-ID"))
	body := decode(t, first)
	assert.Equal(t, "SUBMITTED", body["status"])
	assert.Equal(t, "ref-1", body["external_ref"])

	second := do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	replayed := decode(t, second)
	assert.Equal(t, body["id"], replayed["id"])
	assert.Equal(t, true, replayed["_idempotent"])
	assert.NotEmpty(t, replayed["_originalTimestamp"])
}

func TestCreateDonation_RequestErrors(t *testing.T) {
	h := newServer(t, &stubLedger{})

	rec := do(t, h, http.MethodPost, "/api/v1/donations", donationBody, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/donations", `{not json`, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/donations", `{"donor_id":"d1","recipient_id":"c1","amount":"-1"}`, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "amount", decode(t, rec)["field"])

	rec = do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": "bad key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDonation_LedgerErrors(t *testing.T) {
	rejected := newServer(t, &stubLedger{payErr: &ledger.PaymentError{Code: ledger.CodeUnderfunded, Message: "insufficient funds"}})
	rec := do(t, rejected, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, ledger.CodeUnderfunded, decode(t, rec)["code"])

	busy := newServer(t, &stubLedger{payErr: ledger.ClassifyCode("send_payment", ledger.CodeBadSequence, "stale sequence")})
	rec = do(t, busy, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	unknown := newServer(t, &stubLedger{payErr: fmt.Errorf("%w: status 200 without external_ref", ledger.ErrOutcomeUnknown)})
	rec = do(t, unknown, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	rec = do(t, unknown, http.MethodGet, "/api/v1/donations?status=pending", "", nil)
	var pending []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Len(t, pending, 1)
}

// fixedDonations answers every create with the same result.
type fixedDonations struct {
	DonationService
	res *donation.Result
}

func (f fixedDonations) CreateDonation(context.Context, string, donation.Request) (*donation.Result, error) {
	return f.res, nil
}

func TestCreateDonation_ReplayHeaderOnlyOnCachedResponses(t *testing.T) {
	existing := fixedDonations{res: &donation.Result{StatusCode: http.StatusOK, Body: []byte(`{"id":"tx-1","status":"FAILED"}`)}}
	h := NewHandler(existing, nil, zerolog.Nop()).Router()
	rec := do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))

	cached := fixedDonations{res: &donation.Result{Replayed: true, StatusCode: http.StatusOK, Body: []byte(`{"id":"tx-1","_idempotent":true}`)}}
	h = NewHandler(cached, nil, zerolog.Nop()).Router()
	rec = do(t, h, http.MethodPost, "/api/v1/donations", donationBody, map[string]string{"Idempotency-Key": idemKey})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
}

func TestGetAndListDonations(t *testing.T) {
	h := newServer(t, &stubLedger{})
	id := createDonation(t, h)

	rec := do(t, h, http.MethodGet, "/api/v1/donations/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, decode(t, rec)["id"])

	rec = do(t, h, http.MethodGet, "/api/v1/donations/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/donations?status=submitted", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodGet, "/api/v1/donations?status=failed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestUpdateStatus_IllegalTransitionDescribesAllowed(t *testing.T) {
	h := newServer(t, &stubLedger{})
	id := createDonation(t, h)
	path := "/api/v1/donations/" + id + "/status"

	rec := do(t, h, http.MethodPatch, path, `{"status":"PENDING"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "SUBMITTED", body["from"])
	assert.Equal(t, "PENDING", body["attempted"])
	assert.ElementsMatch(t, []any{"CONFIRMED", "FAILED"}, body["allowed"])

	rec = do(t, h, http.MethodPatch, path, `{"status":"cancelled"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FAILED", decode(t, rec)["status"])

	rec = do(t, h, http.MethodPatch, path, `{"status":"CONFIRMED"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["allowed"])

	rec = do(t, h, http.MethodPatch, path, `{"status":"SHIPPED"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	h := newServer(t, &stubLedger{})
	id := createDonation(t, h)

	rec := do(t, h, http.MethodPost, "/api/v1/reconcile", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["skipped"])
	assert.EqualValues(t, 1, body["checked"])

	rec = do(t, h, http.MethodGet, "/api/v1/donations/"+id, "", nil)
	tx := decode(t, rec)
	assert.Equal(t, "CONFIRMED", tx["status"])
	assert.EqualValues(t, 42, tx["ledger_sequence"])
}

type failingReconciler struct{}

func (failingReconciler) Reconcile(context.Context) (reconcile.Summary, error) {
	return reconcile.Summary{}, errors.New("store offline")
}

func TestReconcileEndpoint_InternalError(t *testing.T) {
	h := NewHandler(nil, failingReconciler{}, zerolog.Nop()).Router()
	rec := do(t, h, http.MethodPost, "/api/v1/reconcile", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "store offline")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newServer(t, &stubLedger{})

	rec := do(t, h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "donation_http_requests_total")
}
