package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"videoAnalysis/models"
)

type uploadResponse struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
}

type statusResponse struct {
	TaskID string            `json:"task_id"`
	Stage  string            `json:"stage"`
	Logs   []models.LogEntry `json:"logs"`
}

type resultResponse struct {
	TaskID string `json:"task_id"`
	*models.Report
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, logger *zap.Logger, message string, err error, traceID string, status int) {
	logger.Error(message,
		zap.String("trace_id", traceID),
		zap.Error(err),
	)
	respondJSON(w, status, errorResponse{Error: message, TraceID: traceID})
}
