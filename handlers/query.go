package handlers

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"videoAnalysis/middleware"
	"videoAnalysis/models"
	"videoAnalysis/registry"
	"videoAnalysis/service"
)

// StatusReader is the polling facade the query endpoints read from.
type StatusReader interface {
	Status(id string) (models.Task, error)
	Result(id string) (*models.Report, error)
}

type QueryHandler struct {
	service StatusReader
	logger  *zap.Logger
}

func NewQueryHandler(svc StatusReader, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{service: svc, logger: logger}
}

func (h *QueryHandler) Status(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/status/")
	if taskID == "" {
		respondError(w, h.logger, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	task, err := h.service.Status(taskID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			respondError(w, h.logger, "Task not found", err, traceID, http.StatusNotFound)
			return
		}
		respondError(w, h.logger, "Failed to get task status", err, traceID, http.StatusInternalServerError)
		return
	}

	respondJSON(w, http.StatusOK, statusResponse{
		TaskID: task.ID,
		Stage:  string(task.Status),
		Logs:   task.Logs,
	})
}

func (h *QueryHandler) Result(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	taskID := strings.TrimPrefix(r.URL.Path, "/result/")
	if taskID == "" {
		respondError(w, h.logger, "Task ID is required", nil, traceID, http.StatusBadRequest)
		return
	}

	report, err := h.service.Result(taskID)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			respondError(w, h.logger, "Task not found", err, traceID, http.StatusNotFound)
		case errors.Is(err, service.ErrNotReady):
			respondError(w, h.logger, "Result not ready", err, traceID, http.StatusConflict)
		default:
			respondError(w, h.logger, "Failed to get analysis result", err, traceID, http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, resultResponse{TaskID: taskID, Report: report})
}
