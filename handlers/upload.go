package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"videoAnalysis/events"
	"videoAnalysis/middleware"
	"videoAnalysis/models"
	"videoAnalysis/registry"
	"videoAnalysis/spool"
)

// Dispatcher is the slice of the analysis pool the upload path needs:
// admission control plus the async handoff.
type Dispatcher interface {
	Reserve() bool
	Release()
	Enqueue(taskID, ownerID, artifactPath string)
}

type uploadMetadata struct {
	Filename     string `json:"filename"`
	OwnerID      string `json:"owner_id"`
	DeclaredSize int64  `json:"declared_size"`
}

// UploadHandler terminates the client-streaming upload protocol: one
// metadata frame, then zero or more chunk frames, carried as multipart
// parts read off the wire without buffering the body.
type UploadHandler struct {
	registry   *registry.Registry
	spooler    *spool.Spooler
	dispatcher Dispatcher
	events     events.Publisher
	logger     *zap.Logger
}

func NewUploadHandler(reg *registry.Registry, spooler *spool.Spooler, dispatcher Dispatcher, pub events.Publisher, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{
		registry:   reg,
		spooler:    spooler,
		dispatcher: dispatcher,
		events:     pub,
		logger:     logger,
	}
}

func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	traceID := middleware.GetTraceID(r.Context())

	// Claim the analysis slot before reading a single byte, so a full
	// queue rejects the upload instead of spooling work we cannot run.
	if !h.dispatcher.Reserve() {
		respondError(w, h.logger, "Analysis queue full", nil, traceID, http.StatusTooManyRequests)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		h.dispatcher.Release()
		respondError(w, h.logger, "Invalid upload stream", err, traceID, http.StatusBadRequest)
		return
	}

	part, err := mr.NextPart()
	if err != nil || part.FormName() != "metadata" {
		h.dispatcher.Release()
		respondError(w, h.logger, "Missing metadata", err, traceID, http.StatusBadRequest)
		return
	}

	var meta uploadMetadata
	if err := json.NewDecoder(part).Decode(&meta); err != nil {
		h.dispatcher.Release()
		respondError(w, h.logger, "Malformed metadata", err, traceID, http.StatusBadRequest)
		return
	}
	filename := filepath.Base(meta.Filename)

	handle, err := h.spooler.Open()
	if err != nil {
		h.dispatcher.Release()
		respondError(w, h.logger, "Failed to open artifact", err, traceID, http.StatusInternalServerError)
		return
	}

	received, err := h.spoolChunks(mr, handle)
	if err != nil {
		handle.Discard()
		h.dispatcher.Release()
		var perr *protocolError
		if errors.As(err, &perr) {
			respondError(w, h.logger, perr.message, nil, traceID, http.StatusBadRequest)
		} else {
			// Client went away or the stream broke; the response write is
			// best-effort at this point, the unwind is what matters.
			respondError(w, h.logger, "Upload interrupted", err, traceID, http.StatusBadRequest)
		}
		return
	}

	if meta.DeclaredSize > 0 && received != meta.DeclaredSize {
		h.logger.Warn("Declared size mismatch",
			zap.String("trace_id", traceID),
			zap.Int64("declared", meta.DeclaredSize),
			zap.Int64("received", received),
		)
	}

	artifactPath, err := handle.Finalize()
	if err != nil {
		h.dispatcher.Release()
		respondError(w, h.logger, "Failed to finalize artifact", err, traceID, http.StatusInternalServerError)
		return
	}

	taskID := h.registry.Create(meta.OwnerID, filename, artifactPath,
		models.LogEntry{Message: "upload received", Type: models.LogInfo})

	if err := h.events.Emit(r.Context(), events.TypeVideoUploaded, events.Payload{
		TaskID:    taskID,
		OwnerID:   meta.OwnerID,
		VideoPath: artifactPath,
	}); err != nil {
		h.logger.Warn("Failed to emit upload event",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}

	h.dispatcher.Enqueue(taskID, meta.OwnerID, artifactPath)

	h.logger.Info("Video uploaded",
		zap.String("trace_id", traceID),
		zap.String("task_id", taskID),
		zap.String("filename", filename),
		zap.Int64("bytes", received),
	)

	respondJSON(w, http.StatusAccepted, uploadResponse{TaskID: taskID, Message: "uploaded"})
}

type protocolError struct {
	message string
}

func (e *protocolError) Error() string { return e.message }

// spoolChunks drains the remaining parts into the artifact. Zero chunk
// frames is a valid, empty upload.
func (h *UploadHandler) spoolChunks(mr *multipart.Reader, handle *spool.Handle) (int64, error) {
	var received int64
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return received, nil
		}
		if err != nil {
			return received, err
		}

		switch part.FormName() {
		case "metadata":
			return received, &protocolError{message: "Duplicate metadata"}
		case "chunk":
		default:
			return received, &protocolError{message: "Unexpected frame"}
		}

		n, err := io.Copy(handle, part)
		received += n
		if err != nil {
			return received, err
		}
	}
}
