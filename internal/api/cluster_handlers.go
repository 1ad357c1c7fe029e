package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/cluster"
)

// ClusterHandler exposes coordinator membership and leadership over HTTP.
type ClusterHandler struct {
	manager *cluster.Manager
	logger  *zap.Logger
}

func NewClusterHandler(manager *cluster.Manager, logger *zap.Logger) *ClusterHandler {
	return &ClusterHandler{manager: manager, logger: logger}
}

// RegisterRoutes registers all cluster API routes
func (h *ClusterHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/cluster", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/leader", h.GetLeader)
		r.Post("/heartbeat", h.Heartbeat)
		r.Post("/transfer", h.TransferLeadership)
	})
}

func (h *ClusterHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.GetStatus())
}

func (h *ClusterHandler) GetLeader(w http.ResponseWriter, r *http.Request) {
	leader, ok := h.manager.LeaderInfo()
	if !ok {
		writeError(w, http.StatusNotFound, "no known leader")
		return
	}
	writeJSON(w, http.StatusOK, leader)
}

// Heartbeat accepts liveness reports from peer coordinators.
func (h *ClusterHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string `json:"node_id"`
		Term   uint64 `json:"term"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" {
		writeError(w, http.StatusBadRequest, "heartbeat requires a node_id")
		return
	}
	h.manager.Heartbeat(body.NodeID, body.Term)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"term":   h.manager.CurrentTerm(),
		"leader": h.manager.IsLeader(),
	})
}

func (h *ClusterHandler) TransferLeadership(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Target == "" {
		writeError(w, http.StatusBadRequest, "transfer requires a target node")
		return
	}

	if err := h.manager.TransferLeadership(body.Target); err != nil {
		if errors.Is(err, cluster.ErrNotLeader) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("leadership transfer initiated", zap.String("target", body.Target))
	writeJSON(w, http.StatusOK, map[string]string{"target": body.Target})
}
