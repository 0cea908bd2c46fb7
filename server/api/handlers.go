package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/planwright/engine"
	"github.com/GoCodeAlone/planwright/events"
	"github.com/GoCodeAlone/planwright/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Plans   PlanManager
	Events  EventAdmin
	Logger  *slog.Logger
	Version string
	StartAt time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/plans", h.listPlans)
	mux.HandleFunc("POST /api/plans", h.submitPlan)
	mux.HandleFunc("GET /api/plans/{id}", h.getPlan)
	mux.HandleFunc("POST /api/plans/{id}/cancel", h.cancelPlan)
	mux.HandleFunc("POST /api/plans/{id}/approve", h.approvePlan)
	mux.HandleFunc("POST /api/plans/{id}/reject", h.rejectPlan)

	mux.HandleFunc("GET /api/plans/{id}/events/failed", h.failedEvents)
	mux.HandleFunc("GET /api/events/failed", h.failedEvents)
	mux.HandleFunc("POST /api/events/{id}/redeliver", h.redeliver)

	mux.HandleFunc("GET /api/version", h.version)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP status codes.
func (h *Handlers) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyPrompt):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotActive), errors.Is(err, engine.ErrNotBlocked), errors.Is(err, events.ErrNotRedeliverable):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("api request failed", slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}

// --- Plan handlers ---

type submitRequest struct {
	Prompt         string         `json:"prompt"`
	RequestContext map[string]any `json:"request_context,omitempty"`
}

func (h *Handlers) submitPlan(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := h.Plans.SubmitPlan(r.Context(), req.Prompt, req.RequestContext)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"plan_id": id})
}

func (h *Handlers) listPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.PlanFilter{}
	if s := q.Get("state"); s != "" {
		st := task.PlanState(s)
		filter.State = &st
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}
	if o := q.Get("offset"); o != "" {
		if n, err := strconv.Atoi(o); err == nil {
			filter.Offset = n
		}
	}

	plans, err := h.Plans.ListPlans(r.Context(), filter)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if plans == nil {
		plans = []*task.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (h *Handlers) getPlan(w http.ResponseWriter, r *http.Request) {
	st, err := h.Plans.GetPlanStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) cancelPlan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Plans.CancelPlan)
}

func (h *Handlers) approvePlan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Plans.ApprovePlan)
}

func (h *Handlers) rejectPlan(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.Plans.RejectPlan)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) error) {
	if err := fn(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Event handlers ---

func (h *Handlers) failedEvents(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Events.Failed(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []events.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handlers) redeliver(w http.ResponseWriter, r *http.Request) {
	if err := h.Events.Redeliver(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.Version,
		"uptime":  time.Since(h.StartAt).Round(time.Second).String(),
	})
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
