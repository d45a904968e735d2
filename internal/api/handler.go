package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/donationledger/internal/domain"
	"github.com/punchamoorthee/donationledger/internal/donation"
	"github.com/punchamoorthee/donationledger/internal/ledger"
	"github.com/punchamoorthee/donationledger/internal/logger"
	"github.com/punchamoorthee/donationledger/internal/reconcile"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// Metrics
var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "donation_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "donation_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type DonationService interface {
	CreateDonation(ctx context.Context, key string, req donation.Request) (*donation.Result, error)
	UpdateStatus(ctx context.Context, id, status string) (*domain.Transaction, error)
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	List(ctx context.Context, status string) ([]domain.Transaction, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Summary, error)
}

type Handler struct {
	donations  DonationService
	reconciler Reconciler
	log        zerolog.Logger
}

func NewHandler(donations DonationService, reconciler Reconciler, log zerolog.Logger) *Handler {
	return &Handler{donations: donations, reconciler: reconciler, log: log}
}

// Router wires every route behind the request logging and metrics middleware.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/donations", h.CreateDonationHandler).Methods(http.MethodPost)
	v1.HandleFunc("/donations", h.ListDonationsHandler).Methods(http.MethodGet)
	v1.HandleFunc("/donations/{id}", h.GetDonationHandler).Methods(http.MethodGet)
	v1.HandleFunc("/donations/{id}/status", h.UpdateStatusHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/reconcile", h.ReconcileHandler).Methods(http.MethodPost)
	return r
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateDonationHandler(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}
	var req donation.Request
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	res, err := h.donations.CreateDonation(r.Context(), key, req)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	respondWithRaw(w, res.StatusCode, res.Body)
}

func (h *Handler) ListDonationsHandler(w http.ResponseWriter, r *http.Request) {
	txs, err := h.donations.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func (h *Handler) GetDonationHandler(w http.ResponseWriter, r *http.Request) {
	tx, err := h.donations.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

type statusUpdate struct {
	Status string `json:"status"`
}

func (h *Handler) UpdateStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req statusUpdate
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	tx, err := h.donations.UpdateStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

type reconcileResponse struct {
	Skipped    bool           `json:"skipped"`
	Checked    int            `json:"checked"`
	Outcomes   map[string]int `json:"outcomes"`
	Errors     int            `json:"errors"`
	DurationMS int64          `json:"duration_ms"`
}

func (h *Handler) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	// Detached from the request so a client disconnect does not cut a run short.
	summary, err := h.reconciler.Reconcile(context.WithoutCancel(r.Context()))
	if err != nil {
		h.respondWithDomainError(w, r, err)
		return
	}

	resp := reconcileResponse{
		Skipped:    summary.Skipped,
		Checked:    summary.Checked,
		Outcomes:   make(map[string]int, len(summary.Outcomes)),
		Errors:     len(summary.Errors),
		DurationMS: summary.Duration.Milliseconds(),
	}
	for outcome, n := range summary.Outcomes {
		resp.Outcomes[string(outcome)] = n
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// respondWithDomainError maps the error taxonomy onto HTTP statuses.
func (h *Handler) respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *domain.ValidationError
		perr *ledger.PaymentError
	)
	switch {
	case errors.As(err, &verr):
		body := map[string]any{"error": verr.Message}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		if verr.IsTransition() {
			allowed := verr.Allowed
			if allowed == nil {
				allowed = []domain.Status{}
			}
			body["from"] = verr.From
			body["attempted"] = verr.To
			body["allowed"] = allowed
		}
		respondWithJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		respondWithError(w, http.StatusConflict, "Request with this Idempotency-Key is in progress")
	case ledger.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		respondWithError(w, http.StatusServiceUnavailable, "Ledger temporarily unavailable, retry with the same Idempotency-Key")
	case errors.As(err, &perr):
		respondWithJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": perr.Message, "code": perr.Code})
	case errors.Is(err, ledger.ErrOutcomeUnknown):
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Msg("ledger accepted payment without a readable result")
		respondWithError(w, http.StatusBadGateway, "Ledger response unreadable, donation left pending for review")
	default:
		reqLog := logger.FromContext(r.Context())
		reqLog.Error().Err(err).Msg("request failed")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics and attaches a request-scoped logger.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		log := h.log.With().Str("request_id", requestID).Str("method", r.Method).Str("endpoint", endpoint).Logger()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logger.WithContext(r.Context(), log)))

		elapsed := time.Since(start)
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(elapsed.Seconds())
		log.Debug().Int("status", rec.status).Dur("duration", elapsed).Msg("request handled")
	})
}

// Helpers
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	respondWithRaw(w, code, response)
}

func respondWithRaw(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
