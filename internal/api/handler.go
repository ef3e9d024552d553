// Package api exposes the orchestrator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/agent"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"github.com/nidhogg/overseer/internal/registry"
	"github.com/nidhogg/overseer/internal/task"
)

// InvokerFactory builds the invoker for an agent created through the API
// or pool scaling. The daemon decides what a given agent type executes.
type InvokerFactory func(agentType string) agent.Invoker

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	orc     *orchestrator.Orchestrator
	trail   audit.Store
	factory InvokerFactory
	logger  *zap.Logger
}

// NewHandler creates a new API handler. trail may be nil.
func NewHandler(orc *orchestrator.Orchestrator, trail audit.Store, factory InvokerFactory, logger *zap.Logger) *Handler {
	return &Handler{orc: orc, trail: trail, factory: factory, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/status", h.systemStatus)

		r.Post("/tasks", h.submitTask)
		r.Get("/tasks/{id}", h.getTask)
		r.Delete("/tasks/{id}", h.cancelTask)

		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.createAgent)
		r.Get("/agents/{id}", h.getAgent)
		r.Delete("/agents/{id}", h.removeAgent)
		r.Post("/pools/{type}/scale", h.scalePool)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "overseer"})
}

func (h *Handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orc.GetSystemStatus())
}

type submitRequest struct {
	Type      string `json:"type"`
	Priority  string `json:"priority"`
	Payload   string `json:"payload"`
	Consensus bool   `json:"consensus"`
	// DeadlineMS is relative to submission; zero uses the server default.
	DeadlineMS int64 `json:"deadline_ms"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	priority, err := task.ParsePriority(req.Priority)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	handle, err := h.orc.SubmitTask(orchestrator.TaskSpec{
		Type:      req.Type,
		Priority:  priority,
		Payload:   req.Payload,
		Consensus: req.Consensus,
		Deadline:  time.Duration(req.DeadlineMS) * time.Millisecond,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, task.ErrCapacityExceeded) {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     handle.ID,
		"status": string(task.StatusPending),
	})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.orc.TaskStatus(id)
	if err == nil {
		writeJSON(w, http.StatusOK, t)
		return
	}

	// Purged from the live store; the audit trail may still have it.
	if h.trail != nil {
		if rec, auditErr := h.trail.Get(r.Context(), id); auditErr == nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orc.CancelTask(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, task.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.orc.GetSystemStatus().Agents)
}

type createAgentRequest struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type is required"})
		return
	}
	if h.factory == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent factory not configured"})
		return
	}

	if req.ID == "" {
		req.ID = req.Type + "-" + uuid.New().String()[:8]
	}
	caps := make([]agent.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, agent.Capability(c))
	}
	if len(caps) == 0 {
		caps = []agent.Capability{agent.Capability(req.Type)}
	}

	desc := &agent.Descriptor{ID: req.ID, Type: req.Type, Capabilities: caps}
	if err := h.orc.RegisterAgent(r.Context(), desc, h.factory(req.Type)); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrDuplicate) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, desc)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, a := range h.orc.GetSystemStatus().Agents {
		if a.ID == id {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
}

func (h *Handler) removeAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orc.DeregisterAgent(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

type scaleRequest struct {
	Target int `json:"target"`
}

func (h *Handler) scalePool(w http.ResponseWriter, r *http.Request) {
	agentType := chi.URLParam(r, "type")
	var req scaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if h.factory == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "agent factory not configured"})
		return
	}

	factory := func(i int) (*agent.Descriptor, agent.Invoker) {
		desc := &agent.Descriptor{
			ID:           agentType + "-" + uuid.New().String()[:8],
			Type:         agentType,
			Capabilities: []agent.Capability{agent.Capability(agentType)},
		}
		return desc, h.factory(agentType)
	}
	if err := h.orc.ScalePool(r.Context(), agentType, req.Target, registry.Factory(factory)); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":   agentType,
		"target": req.Target,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
