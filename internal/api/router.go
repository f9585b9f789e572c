package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
		})
	}
}

// NewRouter creates and configures the HTTP router. Machine routes are only
// registered when the handler has a catalog.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(h.logger))

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/retrieve", h.HandleRetrieve).Methods(http.MethodPost)
	r.HandleFunc("/documents", h.HandleDocuments).Methods(http.MethodPost)
	r.HandleFunc("/ingest", h.HandleIngest).Methods(http.MethodPost)
	if h.analyzer != nil {
		r.HandleFunc("/analyze", h.HandleAnalyze).Methods(http.MethodPost)
	}
	if h.catalog != nil {
		r.HandleFunc("/machines", h.HandleMachines).Methods(http.MethodGet)
		r.HandleFunc("/machines/{id:[0-9]+}/events", h.HandleEvents).Methods(http.MethodGet)
	}
	return r
}
