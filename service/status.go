package service

import (
	"errors"

	"videoAnalysis/models"
	"videoAnalysis/registry"
)

// ErrNotReady means the task exists but analysis has not completed.
// Deliberately distinct from registry.ErrNotFound so a polling client can
// tell "keep waiting" from "wrong id".
var ErrNotReady = errors.New("analysis result not ready")

// StatusService is the read-only polling facade over the registry.
// It never mutates task state.
type StatusService struct {
	registry *registry.Registry
}

func NewStatusService(reg *registry.Registry) *StatusService {
	return &StatusService{registry: reg}
}

func (s *StatusService) Status(id string) (models.Task, error) {
	return s.registry.Get(id)
}

func (s *StatusService) Result(id string) (*models.Report, error) {
	task, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if task.Status != models.StatusCompleted {
		return nil, ErrNotReady
	}
	return task.Result, nil
}
