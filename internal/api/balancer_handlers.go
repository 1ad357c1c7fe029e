package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/balancer"
)

// BalancerHandler exposes backend pool management over HTTP.
type BalancerHandler struct {
	lb     *balancer.LoadBalancer
	logger *zap.Logger
}

func NewBalancerHandler(lb *balancer.LoadBalancer, logger *zap.Logger) *BalancerHandler {
	return &BalancerHandler{lb: lb, logger: logger}
}

// RegisterRoutes registers all balancer API routes
func (h *BalancerHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/balancer", func(r chi.Router) {
		r.Get("/backends", h.ListBackends)
		r.Post("/backends", h.AddBackend)
		r.Delete("/backends/{id}", h.RemoveBackend)
		r.Put("/backends/{id}/status", h.SetStatus)
		r.Put("/backends/{id}/weight", h.SetWeight)
		r.Get("/stats", h.GetStatistics)
		r.Post("/dispatch", h.Dispatch)
	})
}

func (h *BalancerHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lb.Backends())
}

func (h *BalancerHandler) AddBackend(w http.ResponseWriter, r *http.Request) {
	var b balancer.Backend
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid backend payload")
		return
	}
	if b.ID == "" || b.Host == "" || b.Port == 0 {
		writeError(w, http.StatusBadRequest, "backend requires id, host, and port")
		return
	}
	if err := h.lb.AddBackend(b); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": b.ID})
}

func (h *BalancerHandler) RemoveBackend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.lb.RemoveBackend(id) {
		writeError(w, http.StatusNotFound, "unknown backend")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BalancerHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status payload")
		return
	}
	if !h.lb.SetStatus(id, balancer.BackendStatus(body.Status)) {
		writeError(w, http.StatusBadRequest, "unknown backend or status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": body.Status})
}

func (h *BalancerHandler) SetWeight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Weight int `json:"weight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid weight payload")
		return
	}
	if !h.lb.UpdateWeight(id, body.Weight) {
		writeError(w, http.StatusBadRequest, "unknown backend or weight below 1")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "weight": body.Weight})
}

func (h *BalancerHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lb.Statistics())
}

// Dispatch routes one request through the pool and reports which backend
// served it.
func (h *BalancerHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Method    string `json:"method"`
		Path      string `json:"path"`
		ClientIP  string `json:"client_ip"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid dispatch payload")
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}

	resp, err := h.lb.Execute(r.Context(), body.Method, body.Path, balancer.RequestContext{
		ClientIP:  body.ClientIP,
		SessionID: body.SessionID,
		Path:      body.Path,
	})
	if err != nil {
		if errors.Is(err, balancer.ErrNoBackendAvailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
