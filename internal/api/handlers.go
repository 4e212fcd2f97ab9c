package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/salesync/internal/alegra"
	"github.com/punchamoorthee/salesync/internal/domain"
	"github.com/punchamoorthee/salesync/internal/service"
	"github.com/punchamoorthee/salesync/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "salesync_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "salesync_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30, 120},
	}, []string{"method", "endpoint"})
)

type Syncer interface {
	Run(ctx context.Context) (domain.RunReport, error)
	LastReport() (domain.RunReport, bool)
}

type DocumentReader interface {
	GetDocument(ctx context.Context, remoteID int64) (*domain.Record, error)
}

type Handler struct {
	runCtx context.Context
	syncer Syncer
	docs   DocumentReader
	log    *slog.Logger
}

// NewHandler builds the API handlers. Triggered syncs run under runCtx rather
// than the request context, so a client hanging up does not abort a run;
// cancel runCtx on shutdown.
func NewHandler(runCtx context.Context, syncer Syncer, docs DocumentReader, log *slog.Logger) *Handler {
	if runCtx == nil {
		runCtx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{runCtx: runCtx, syncer: syncer, docs: docs, log: log}
}

// NewRouter mounts the health, metrics and /api/v1 routes.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/sync", h.TriggerSyncHandler).Methods("POST")
	apiV1.HandleFunc("/sync/last", h.LastSyncHandler).Methods("GET")
	apiV1.HandleFunc("/documents/{id}", h.GetDocumentHandler).Methods("GET")

	// any other method on the same paths
	apiV1.Handle("/sync", methodNotAllowed("POST"))
	apiV1.Handle("/sync/last", methodNotAllowed("GET"))
	apiV1.Handle("/documents/{id}", methodNotAllowed("GET"))
	return r
}

func methodNotAllowed(allowed string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Allow", allowed)
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// TriggerSyncHandler runs a sync synchronously and returns its report.
func (h *Handler) TriggerSyncHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/sync"))
	defer timer.ObserveDuration()

	report, err := h.syncer.Run(h.runCtx)
	if err != nil {
		var (
			upstream *alegra.UpstreamRequestError
			persist  *store.PersistenceError
			status   int
			message  string
		)
		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			status, message = http.StatusConflict, "Sync already in progress"
		case errors.As(err, &upstream):
			status, message = http.StatusBadGateway, "Upstream request failed"
		case errors.As(err, &persist):
			status, message = http.StatusInternalServerError, "Persistence failed"
		default:
			status, message = http.StatusInternalServerError, "Internal Server Error"
		}
		httpRequestsTotal.WithLabelValues("POST", "/sync", strconv.Itoa(status)).Inc()
		if status == http.StatusConflict {
			respondWithError(w, status, message)
			return
		}
		h.log.Error("triggered sync failed", "error", err)
		respondWithJSON(w, status, map[string]any{"error": message, "report": report})
		return
	}

	httpRequestsTotal.WithLabelValues("POST", "/sync", "200").Inc()
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) LastSyncHandler(w http.ResponseWriter, r *http.Request) {
	report, ok := h.syncer.LastReport()
	if !ok {
		httpRequestsTotal.WithLabelValues("GET", "/sync/last", "404").Inc()
		respondWithError(w, http.StatusNotFound, "No sync has run yet")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", "/sync/last", "200").Inc()
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) GetDocumentHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "400").Inc()
		respondWithError(w, http.StatusBadRequest, "Invalid document id")
		return
	}

	doc, err := h.docs.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDocumentNotFound) {
			httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "404").Inc()
			respondWithError(w, http.StatusNotFound, "Document not found")
			return
		}
		h.log.Error("document lookup failed", "remote_id", id, "error", err)
		httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "500").Inc()
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	httpRequestsTotal.WithLabelValues("GET", "/documents/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, doc)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
