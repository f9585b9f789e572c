// Package api exposes retrieval and anomaly analysis over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"machina/internal/anomaly"
	"machina/internal/domain"
	"machina/internal/service"
	"machina/internal/telemetry"
)

// Retriever is the retrieval engine surface used by the handlers.
type Retriever interface {
	AddDocuments(ctx context.Context, docs []string, meta []string) int
	IngestDirectory(ctx context.Context, dir string, exts []string) int
	Retrieve(ctx context.Context, query string, k int, minScore float64) []domain.Passage
	Digest(passages []domain.Passage, query string) string
	Stats() service.Stats
}

// Analyzer runs anomaly analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req anomaly.Request) anomaly.Result
}

// Catalog lists machines and their recorded events.
type Catalog interface {
	Machines(ctx context.Context) ([]domain.Machine, error)
	Machine(ctx context.Context, id int64) (domain.Machine, error)
	Events(ctx context.Context, machineID int64, limit int) ([]telemetry.Event, error)
	Stats(ctx context.Context) (telemetry.Stats, error)
}

// Handler holds the dependencies for HTTP handlers.
type Handler struct {
	retriever     Retriever
	analyzer      Analyzer
	catalog       Catalog
	windowMinutes int
	logger        *slog.Logger
}

// NewHandler creates a Handler. windowMinutes is the lookback used when an
// analyze request does not name one.
func NewHandler(retriever Retriever, analyzer Analyzer, catalog Catalog, windowMinutes int, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{retriever: retriever, analyzer: analyzer, catalog: catalog, windowMinutes: windowMinutes, logger: logger}
}

type retrieveRequest struct {
	Query    string  `json:"query"`
	K        int     `json:"k"`
	MinScore float64 `json:"min_score"`
}

type retrieveResponse struct {
	Passages []domain.Passage `json:"passages"`
	Digest   string           `json:"digest"`
}

type documentsRequest struct {
	Documents []string `json:"documents"`
	Metadata  []string `json:"metadata"`
}

type ingestRequest struct {
	Directory  string   `json:"directory"`
	Extensions []string `json:"extensions"`
}

type chunksResponse struct {
	ChunksAdded int `json:"chunks_added"`
}

type analyzeRequest struct {
	MachineID     int64  `json:"machine_id"`
	SensorType    string `json:"sensor_type"`
	WindowMinutes *int   `json:"window_minutes"`
}

type statsResponse struct {
	Index     service.Stats    `json:"index"`
	Telemetry *telemetry.Stats `json:"telemetry,omitempty"`
}

// HandleHealth handles GET /health requests.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"vectors": h.retriever.Stats().TotalVectors,
	})
}

// HandleStats handles GET /stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Index: h.retriever.Stats()}
	if h.catalog != nil {
		st, err := h.catalog.Stats(r.Context())
		if err != nil {
			h.logger.Warn("telemetry stats unavailable", "err", err)
		} else {
			resp.Telemetry = &st
		}
	}
	sendJSON(w, http.StatusOK, resp)
}

// HandleRetrieve handles POST /retrieve requests.
func (h *Handler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Query == "" {
		sendError(w, http.StatusBadRequest, "query is required")
		return
	}
	passages := h.retriever.Retrieve(r.Context(), req.Query, req.K, req.MinScore)
	sendJSON(w, http.StatusOK, retrieveResponse{
		Passages: passages,
		Digest:   h.retriever.Digest(passages, req.Query),
	})
}

// HandleDocuments handles POST /documents requests.
func (h *Handler) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	var req documentsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Documents) == 0 {
		sendError(w, http.StatusBadRequest, "documents are required")
		return
	}
	sendJSON(w, http.StatusOK, chunksResponse{ChunksAdded: h.retriever.AddDocuments(r.Context(), req.Documents, req.Metadata)})
}

// HandleIngest handles POST /ingest requests.
func (h *Handler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Directory == "" {
		sendError(w, http.StatusBadRequest, "directory is required")
		return
	}
	sendJSON(w, http.StatusOK, chunksResponse{ChunksAdded: h.retriever.IngestDirectory(r.Context(), req.Directory, req.Extensions)})
}

// HandleAnalyze handles POST /analyze requests.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MachineID <= 0 {
		sendError(w, http.StatusBadRequest, "machine_id must be positive")
		return
	}
	window := h.windowMinutes
	if req.WindowMinutes != nil {
		window = *req.WindowMinutes
	}
	sendJSON(w, http.StatusOK, h.analyzer.Analyze(r.Context(), anomaly.Request{
		MachineID:     req.MachineID,
		SensorType:    req.SensorType,
		WindowMinutes: window,
	}))
}

// HandleMachines handles GET /machines requests.
func (h *Handler) HandleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := h.catalog.Machines(r.Context())
	if err != nil {
		h.logger.Error("listing machines failed", "err", err)
		sendError(w, http.StatusInternalServerError, "machines unavailable")
		return
	}
	sendJSON(w, http.StatusOK, machines)
}

// HandleEvents handles GET /machines/{id}/events requests.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		sendError(w, http.StatusBadRequest, "invalid machine id")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if _, err := h.catalog.Machine(r.Context(), id); err != nil {
		if errors.Is(err, telemetry.ErrNotFound) {
			sendError(w, http.StatusNotFound, "machine not found")
			return
		}
		h.logger.Error("loading machine failed", "machine_id", id, "err", err)
		sendError(w, http.StatusInternalServerError, "machine unavailable")
		return
	}
	events, err := h.catalog.Events(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("listing events failed", "machine_id", id, "err", err)
		sendError(w, http.StatusInternalServerError, "events unavailable")
		return
	}
	sendJSON(w, http.StatusOK, events)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func sendError(w http.ResponseWriter, status int, msg string) {
	sendJSON(w, status, map[string]string{"error": msg})
}

// sendJSON sends a JSON response with the given status code.
func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
