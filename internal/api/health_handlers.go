package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/health"
)

// HealthHandler exposes check results over HTTP.
type HealthHandler struct {
	checker *health.Checker
	logger  *zap.Logger
}

func NewHealthHandler(checker *health.Checker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{checker: checker, logger: logger}
}

// RegisterRoutes registers all health API routes
func (h *HealthHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/checks", h.ListChecks)
		r.Post("/checks", h.AddCheck)
		r.Get("/checks/{id}", h.GetCheck)
		r.Delete("/checks/{id}", h.RemoveCheck)
		r.Get("/summary", h.GetSummary)
	})
}

// checkRequest is the wire form of a check definition. Custom checks need an
// in-process probe function, so they cannot be created over the API.
type checkRequest struct {
	Name              string        `json:"name"`
	Type              string        `json:"type"`
	Target            string        `json:"target"`
	Interval          time.Duration `json:"interval"`
	Timeout           time.Duration `json:"timeout"`
	Retries           int           `json:"retries"`
	FailureThreshold  int           `json:"failure_threshold"`
	SuccessThreshold  int           `json:"success_threshold"`
	ExpectStatus      int           `json:"expect_status"`
	ExpectBody        string        `json:"expect_body"`
	WarningThreshold  float64       `json:"warning_threshold"`
	CriticalThreshold float64       `json:"critical_threshold"`
}

func (h *HealthHandler) ListChecks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Results())
}

func (h *HealthHandler) AddCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid check payload")
		return
	}
	if health.CheckType(req.Type) == health.CheckCustom {
		writeError(w, http.StatusBadRequest, "custom checks require an in-process probe")
		return
	}

	id, err := h.checker.AddCheck(health.CheckConfig{
		Name:              req.Name,
		Type:              health.CheckType(req.Type),
		Target:            req.Target,
		Interval:          req.Interval,
		Timeout:           req.Timeout,
		Retries:           req.Retries,
		FailureThreshold:  req.FailureThreshold,
		SuccessThreshold:  req.SuccessThreshold,
		ExpectStatus:      req.ExpectStatus,
		ExpectBody:        req.ExpectBody,
		WarningThreshold:  req.WarningThreshold,
		CriticalThreshold: req.CriticalThreshold,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("health check added via api",
		zap.String("check", req.Name), zap.String("id", id))
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *HealthHandler) RemoveCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.checker.RemoveCheck(id) {
		writeError(w, http.StatusNotFound, "unknown health check")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HealthHandler) GetCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, ok := h.checker.Result(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown health check")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *HealthHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.checker.Summary())
}
