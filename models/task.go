package models

import (
	"time"
)

type TaskStatus string

const (
	StatusUploading  TaskStatus = "UPLOADING"
	StatusProcessing TaskStatus = "PROCESSING"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusError      TaskStatus = "ERROR"
)

// Terminal reports whether no further status transitions are permitted.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

type LogType string

const (
	LogInfo    LogType = "info"
	LogSuccess LogType = "success"
	LogError   LogType = "error"
)

type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      LogType   `json:"type"`
}

type Verdict string

const (
	VerdictReal    Verdict = "real"
	VerdictFake    Verdict = "fake"
	VerdictUnknown Verdict = "unknown"
)

type Region struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type Report struct {
	Verdict            Verdict  `json:"verdict"`
	ConfidenceScore    float64  `json:"confidence_score"`
	ManipulatedRegions []Region `json:"manipulated_regions"`
	FramesSampled      int      `json:"frames_sampled"`
	ModelVersion       string   `json:"model_version"`
	ProcessingTimeMS   int64    `json:"processing_time_ms"`
}

type Task struct {
	ID           string
	OwnerID      string
	Filename     string
	ArtifactPath string
	Status       TaskStatus
	Logs         []LogEntry
	Result       *Report
	Failure      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
