package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"barnsync/internal/allocation"
	"barnsync/internal/metrics"
	"barnsync/internal/models"
	"barnsync/internal/remote"
	"barnsync/internal/repository"
	"barnsync/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const lotDateLayout = "2006-01-02"

// API exposes the capture queue and the allocation layer to the device UI.
type API struct {
	capture *service.CaptureService
	recon   *service.ReconcileService
	monitor *remote.Monitor
	metrics *metrics.Metrics
	hub     *Hub
}

func NewAPI(capture *service.CaptureService, recon *service.ReconcileService, monitor *remote.Monitor, m *metrics.Metrics, hub *Hub) *API {
	return &API{
		capture: capture,
		recon:   recon,
		monitor: monitor,
		metrics: m,
		hub:     hub,
	}
}

// Router wires every route. Middleware is the caller's business.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/records", func(r chi.Router) {
			r.Post("/", a.CreateRecord)
			r.Get("/", a.ListRecords)
			r.Post("/purge-completed", a.PurgeCompleted)
			r.Get("/{id}", a.GetRecord)
			r.Post("/{id}/confirm", a.ConfirmRecord)
			r.Post("/{id}/retry", a.RetryRecord)
			r.Delete("/{id}", a.DeleteRecord)
		})

		r.Get("/queue/summary", a.QueueSummary)

		r.Route("/lots", func(r chi.Router) {
			r.Get("/", a.ListLots)
			r.Post("/", a.CreateLot)
			r.Get("/summary", a.LotSummary)
			r.Post("/refresh", a.RefreshLots)
		})

		r.Post("/allocations/preview", a.PreviewAllocation)
		r.Post("/allocations/commit", a.CommitAllocation)

		r.Get("/metrics", a.GetMetrics)
	})

	r.Get("/healthz", a.HealthCheck)
	r.Get("/ws/events", a.hub.ServeWS)

	return r
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeServiceError maps the service error taxonomy onto status codes:
// caller mistakes are 422, missing resources 404, state conflicts 409 and
// an unreachable remote 502.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *remote.ValidationError
	switch {
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, allocation.ErrNonPositiveRequest),
		errors.As(err, &validationErr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", err.Error())
	case errors.Is(err, repository.ErrItemNotFound),
		errors.Is(err, repository.ErrLotNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrIllegalTransition):
		writeError(w, http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, remote.ErrConflict),
		errors.Is(err, repository.ErrInsufficientQuantity):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case remote.IsRetryable(err):
		writeError(w, http.StatusBadGateway, "remote_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (a *API) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	item, err := a.capture.EnqueueRecord(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: item})
}

func (a *API) ListRecords(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status == "" {
		writeError(w, http.StatusBadRequest, "missing_fields", "status query parameter is required")
		return
	}
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_status", "unknown status "+string(status))
		return
	}

	items, err := a.capture.ListByStatus(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []*models.QueueItem{}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: items})
}

func (a *API) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	item, err := a.capture.GetItem(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: item})
}

func (a *API) ConfirmRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req models.ConfirmTranscriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := a.capture.ConfirmTranscript(r.Context(), id, req.Transcript, req.Data); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (a *API) RetryRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := a.capture.RetryItem(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (a *API) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deferred, err := a.capture.DeleteItem(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if deferred {
		// In flight right now; the processor removes it once the attempt ends.
		status = http.StatusAccepted
	}
	writeJSON(w, status, SuccessResponse{
		Success: true,
		Data:    map[string]interface{}{"deferred": deferred},
	})
}

func (a *API) PurgeCompleted(w http.ResponseWriter, r *http.Request) {
	purged, err := a.capture.PurgeCompleted(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    map[string]interface{}{"purged": purged},
	})
}

func (a *API) QueueSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := a.capture.Counts(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: counts})
}

func (a *API) ListLots(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	includeSpent := r.URL.Query().Get("include_spent") == "true"

	lots, err := a.recon.Lots(r.Context(), category, includeSpent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if lots == nil {
		lots = []*models.MilkLot{}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: lots})
}

func (a *API) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req models.CreateLotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	lotDate, err := time.Parse(lotDateLayout, req.LotDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "lot_date must be YYYY-MM-DD")
		return
	}

	lot, err := a.recon.RecordProduction(r.Context(), lotDate, req.Category, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: lot})
}

type LotSummaryResponse struct {
	TotalAvailable decimal.Decimal          `json:"total_available"`
	Categories     []models.CategorySummary `json:"categories"`
}

func (a *API) LotSummary(w http.ResponseWriter, r *http.Request) {
	total, err := a.recon.TotalAvailable(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	categories, err := a.recon.SummaryByCategory(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if categories == nil {
		categories = []models.CategorySummary{}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    LotSummaryResponse{TotalAvailable: total, Categories: categories},
	})
}

type AllocationPreviewResponse struct {
	Plan  *models.AllocationPlan `json:"plan"`
	Short bool                   `json:"short"`
}

func (a *API) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req models.AllocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	plan, err := a.recon.PreviewAllocation(r.Context(), req.Category, req.Quantity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// A shortfall is a 200: the caller decides whether a short plan is
	// worth committing.
	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    AllocationPreviewResponse{Plan: plan, Short: plan.Short()},
	})
}

func (a *API) CommitAllocation(w http.ResponseWriter, r *http.Request) {
	var plan models.AllocationPlan
	if err := json.NewDecoder(r.Body).Decode(&plan); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if err := a.recon.CommitAllocation(r.Context(), &plan); err != nil {
		if errors.Is(err, repository.ErrLotNotFound) {
			// The plan outlived the lot it references.
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data: map[string]interface{}{
			"plan_id":   plan.ID,
			"allocated": plan.Allocated,
		},
	})
}

func (a *API) RefreshLots(w http.ResponseWriter, r *http.Request) {
	if err := a.recon.RefreshLots(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}

	total, err := a.recon.TotalAvailable(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    map[string]interface{}{"total_available": total},
	})
}

func (a *API) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: a.metrics.GetSnapshot()})
}

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	counts, _ := a.capture.Counts(r.Context())

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data: map[string]interface{}{
			"status":    "healthy",
			"online":    a.monitor.Online(),
			"queue":     counts,
			"timestamp": time.Now().Unix(),
		},
	})
}
