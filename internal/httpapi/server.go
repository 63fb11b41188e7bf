package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vramancer/internal/memory"
	"vramancer/internal/transport"
	"vramancer/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status() types.MemoryStatusResponse
	Promote(ctx context.Context, id string) error
	Demote(ctx context.Context, id string) error
	Ready() bool
}

// zlog is an optional structured logger. If unset, handlers stay quiet.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/memory", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(svc.Status()); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			return
		}
	})

	r.Post("/memory/promote", overrideHandler("promote", svc.Promote))
	r.Post("/memory/demote", overrideHandler("demote", svc.Demote))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("no capacity configured"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// overrideHandler serves the manual promote/demote endpoints. These go
// through the same block state machine as the automatic paths; the response
// carries the error kind and a human-readable reason.
func overrideHandler(op string, do func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSONError(w, http.StatusBadRequest, "id query parameter is required")
			return
		}
		start := time.Now()
		err := do(r.Context(), id)
		if zlog != nil {
			z := zlog.Info().Str("op", op).Str("block", id).Dur("dur", time.Since(start))
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				z = z.Str("request_id", rid)
			}
			z.Err(err).Msg("manual override")
		}
		if err != nil {
			writeKindError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"op": op, "id": id, "ok": true})
	}
}

// writeKindError maps well-known engine errors to HTTP status codes and
// reports the error kind alongside the reason.
func writeKindError(w http.ResponseWriter, err error) {
	kind, status := classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": err.Error(),
		"kind":  kind,
		"code":  status,
	})
}

func classify(err error) (string, int) {
	switch {
	case memory.IsBlockNotFound(err):
		return "BlockNotFound", http.StatusNotFound
	case memory.IsOutOfCapacity(err):
		return "OutOfCapacity", http.StatusInsufficientStorage
	case memory.IsCorruptBlock(err):
		return "CorruptBlock", http.StatusBadGateway
	case memory.IsMigrationInProgress(err):
		return "MigrationInProgress", http.StatusConflict
	case transport.IsTransferTimeout(err):
		return "TransferTimeout", http.StatusGatewayTimeout
	case transport.IsTransportUnavailable(err):
		return "TransportUnavailable", http.StatusServiceUnavailable
	default:
		return "Internal", http.StatusInternalServerError
	}
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
		"code":  status,
	})
}
