package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/failover"
)

// FailoverHandler exposes role management and manual failover over HTTP.
type FailoverHandler struct {
	manager *failover.Manager
	logger  *zap.Logger
}

func NewFailoverHandler(manager *failover.Manager, logger *zap.Logger) *FailoverHandler {
	return &FailoverHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers all failover API routes
func (h *FailoverHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/failover", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/nodes", h.ListNodes)
		r.Get("/events", h.ListEvents)
		r.Post("/nodes", h.RegisterNode)
		r.Delete("/nodes/{id}", h.RemoveNode)
		r.Post("/trigger", h.TriggerFailover)
	})
}

func (h *FailoverHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetFailoverStatus())
}

func (h *FailoverHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Nodes())
}

func (h *FailoverHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.Events())
}

func (h *FailoverHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var n failover.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid node payload")
		return
	}
	if err := h.manager.RegisterNode(n); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": n.ID})
}

func (h *FailoverHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.manager.RemoveNode(id) {
		writeError(w, http.StatusNotFound, "unknown node")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerFailover starts a manual failover away from the named source node.
// The failover itself runs asynchronously; callers poll /status.
func (h *FailoverHandler) TriggerFailover(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid trigger payload")
		return
	}
	if body.Source == "" {
		writeError(w, http.StatusBadRequest, "trigger requires a source node")
		return
	}

	h.logger.Info("manual failover requested",
		zap.String("source", body.Source),
		zap.String("target", body.Target))
	h.manager.ManualFailover(body.Source, body.Target)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"source": body.Source,
		"target": body.Target,
		"state":  "accepted",
	})
}
