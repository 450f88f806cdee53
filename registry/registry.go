package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"videoAnalysis/models"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

const shardCount = 32

// Update carries the state applied together with a status transition.
// Result and Failure are mutually exclusive; Log is appended last.
type Update struct {
	Result  *models.Report
	Failure string
	Log     *models.LogEntry
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// Registry is the in-process task store. Operations on the same id are
// serialized by the owning shard lock; different shards never contend.
type Registry struct {
	shards    [shardCount]*shard
	retention time.Duration
	logger    *zap.Logger
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(logger *zap.Logger, retention time.Duration) *Registry {
	r := &Registry{
		retention: retention,
		logger:    logger,
		done:      make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &shard{tasks: make(map[string]*models.Task)}
	}
	if retention > 0 {
		interval := retention / 10
		if interval < 30*time.Second {
			interval = 30 * time.Second
		}
		r.wg.Add(1)
		go r.janitor(interval)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create registers a new task in UPLOADING state and returns its id.
func (r *Registry) Create(ownerID, filename, artifactPath string, initial models.LogEntry) string {
	id := uuid.New().String()
	now := time.Now()
	if initial.Timestamp.IsZero() {
		initial.Timestamp = now
	}

	task := &models.Task{
		ID:           id,
		OwnerID:      ownerID,
		Filename:     filename,
		ArtifactPath: artifactPath,
		Status:       models.StatusUploading,
		Logs:         []models.LogEntry{initial},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s := r.shardFor(id)
	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()

	return id
}

// Transition atomically moves the task to the next status if its current
// status is in the from set, applying the update in the same critical
// section. Terminal tasks reject every transition.
func (r *Registry) Transition(id string, from []models.TaskStatus, to models.TaskStatus, upd Update) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	allowed := false
	for _, st := range from {
		if task.Status == st {
			allowed = true
			break
		}
	}
	if !allowed || task.Status.Terminal() {
		return ErrInvalidTransition
	}

	task.Status = to
	if upd.Result != nil {
		task.Result = upd.Result
	}
	if upd.Failure != "" {
		task.Failure = upd.Failure
	}
	if upd.Log != nil {
		entry := *upd.Log
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now()
		}
		task.Logs = append(task.Logs, entry)
	}
	task.UpdatedAt = time.Now()

	return nil
}

// AppendLog atomically appends a log entry to the task.
func (r *Registry) AppendLog(id string, entry models.LogEntry) error {
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	task.Logs = append(task.Logs, entry)
	task.UpdatedAt = time.Now()

	return nil
}

// Get returns a snapshot of the task. The copy is detached: mutating it
// never affects registry state, and it never reflects a half-applied
// transition.
func (r *Registry) Get(id string) (models.Task, error) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return snapshot(task), nil
}

// Len reports the number of tasks currently held.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.tasks)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the eviction janitor.
func (r *Registry) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *Registry) janitor(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.evictExpired(time.Now()); n > 0 {
				r.logger.Info("Evicted terminal tasks", zap.Int("count", n))
			}
		}
	}
}

// evictExpired removes terminal tasks idle past the retention TTL.
// Tasks still uploading or processing are never evicted.
func (r *Registry) evictExpired(now time.Time) int {
	cutoff := now.Add(-r.retention)
	evicted := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, task := range s.tasks {
			if task.Status.Terminal() && task.UpdatedAt.Before(cutoff) {
				delete(s.tasks, id)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

func snapshot(task *models.Task) models.Task {
	copied := *task
	copied.Logs = make([]models.LogEntry, len(task.Logs))
	copy(copied.Logs, task.Logs)
	if task.Result != nil {
		result := *task.Result
		result.ManipulatedRegions = make([]models.Region, len(task.Result.ManipulatedRegions))
		copy(result.ManipulatedRegions, task.Result.ManipulatedRegions)
		copied.Result = &result
	}
	return copied
}
