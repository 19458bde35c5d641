package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savegress/xdsmediator/internal/audit"
	"github.com/savegress/xdsmediator/internal/config"
	"github.com/savegress/xdsmediator/internal/dsub"
	"github.com/savegress/xdsmediator/internal/orchestrator"
	"github.com/savegress/xdsmediator/internal/pnr"
	"github.com/savegress/xdsmediator/internal/soap"
)

// Handlers holds HTTP handlers for the mediator endpoints
type Handlers struct {
	cfg        *config.Config
	orch       *orchestrator.Orchestrator
	dsub       *dsub.Service
	auditor    *audit.Logger
	log        *zap.Logger
	httpClient *http.Client
}

// NewHandlers creates handlers
func NewHandlers(cfg *config.Config, orch *orchestrator.Orchestrator, dsubService *dsub.Service, auditor *audit.Logger, log *zap.Logger) *Handlers {
	return &Handlers{
		cfg:        cfg,
		orch:       orch,
		dsub:       dsubService,
		auditor:    auditor,
		log:        log,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// HealthCheck reports liveness
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ProvideAndRegister accepts a PnR transaction, orchestrates it, and
// answers HTTP 200 with either the enriched envelope or a failure
// RegistryResponse (XDS convention).
func (h *Handlers) ProvideAndRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "Failed to read request body"),
		}))
		return
	}

	root, attachments, err := soap.ExtractRoot(body, r.Header.Get("Content-Type"))
	if err != nil {
		h.log.Warn("failed to unwrap MTOM package", zap.Error(err))
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "Failed to parse ProvideAndRegisterDocumentSet request"),
		}))
		return
	}

	var resp *orchestrator.Response
	if h.cfg.PnR.SendParseOrchestration {
		// Pre-parse stage: the envelope is decoded here and the parsed form
		// handed to the orchestrator.
		req, err := pnr.Parse(root)
		if err != nil {
			h.log.Warn("malformed provide and register request", zap.Error(err))
			h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
				orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "Failed to parse ProvideAndRegisterDocumentSet request"),
			}))
			return
		}
		req.Attachments = attachments
		resp = h.orch.OrchestrateParsed(r.Context(), uuid.New().String(), req)
	} else {
		resp = h.orch.Orchestrate(r.Context(), root, attachments)
	}

	h.writeSOAP(w, resp.Body)
}

// StoredQuery forwards a Registry Stored Query upstream untouched and
// audits the exchange.
func (h *Handlers) StoredQuery(w http.ResponseWriter, r *http.Request) {
	correlationID := uuid.New().String()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "Failed to read request body"),
		}))
		return
	}

	if h.cfg.Upstream.RegistryURL == "" {
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "No upstream registry configured"),
		}))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, h.cfg.Upstream.RegistryURL, bytes.NewReader(body))
	if err != nil {
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRegistryError, "Failed to reach upstream registry"),
		}))
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))

	upstream, err := h.httpClient.Do(req)
	h.recordQueryAudit(correlationID, err == nil)
	if err != nil {
		h.log.Error("stored query forwarding failed", zap.Error(err),
			zap.String("correlationId", correlationID))
		h.writeSOAP(w, orchestrator.BuildRegistryResponse([]orchestrator.RegistryError{
			orchestrator.NewRegistryError(orchestrator.ErrorCodeRepositoryError, "Failed to reach upstream registry"),
		}))
		return
	}
	defer upstream.Body.Close()

	w.Header().Set("Content-Type", upstream.Header.Get("Content-Type"))
	w.WriteHeader(upstream.StatusCode)
	io.Copy(w, upstream.Body)
}

func (h *Handlers) recordQueryAudit(correlationID string, outcome bool) {
	if h.auditor == nil {
		return
	}
	h.auditor.Record(&audit.Record{
		Type:     audit.TypeXDSRegister,
		UniqueID: correlationID,
		Outcome:  outcome,
		Message:  "RegistryStoredQuery forwarded",
	})
}

type createSubscriptionRequest struct {
	URL           string    `json:"url"`
	FacilityQuery string    `json:"facilityQuery"`
	TerminateAt   time.Time `json:"terminateAt"`
}

// CreateSubscription registers a DSUB consumer.
func (h *Handlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	if h.dsub == nil {
		http.Error(w, "subscriptions not enabled", http.StatusServiceUnavailable)
		return
	}

	var req createSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "invalid subscription request", http.StatusBadRequest)
		return
	}
	if req.TerminateAt.IsZero() {
		req.TerminateAt = time.Now().Add(365 * 24 * time.Hour)
	}

	sub, err := h.dsub.CreateSubscription(r.Context(), req.URL, req.FacilityQuery, req.TerminateAt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sub)
}

// DeleteSubscription removes a DSUB consumer by URL.
func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	if h.dsub == nil {
		http.Error(w, "subscriptions not enabled", http.StatusServiceUnavailable)
		return
	}

	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url parameter required", http.StatusBadRequest)
		return
	}

	if err := h.dsub.DeleteSubscription(r.Context(), url); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeSOAP(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", soap.ContentTypeSOAP+"; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
