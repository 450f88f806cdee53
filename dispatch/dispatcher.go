package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"videoAnalysis/analyzer"
	"videoAnalysis/events"
	"videoAnalysis/models"
	"videoAnalysis/registry"
)

var ErrQueueFull = errors.New("analysis queue full")

type job struct {
	taskID       string
	ownerID      string
	artifactPath string
}

// Dispatcher runs analyses on a fixed pool of workers fed by an in-process
// queue. Each task gets exactly one attempt; failures and timeouts land in
// a terminal ERROR state, never in a retry.
type Dispatcher struct {
	registry *registry.Registry
	analyzer analyzer.Analyzer
	events   events.Publisher
	logger   *zap.Logger

	workers  int
	capacity int // 0 means unbounded
	timeout  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []job
	pending int // queued plus reserved-but-not-yet-enqueued
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(reg *registry.Registry, an analyzer.Analyzer, pub events.Publisher, logger *zap.Logger, workers, queueCapacity int, timeout time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry: reg,
		analyzer: an,
		events:   pub,
		logger:   logger,
		workers:  workers,
		capacity: queueCapacity,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Reserve claims a queue slot before the upload is accepted, so a bounded
// queue pushes back at the protocol boundary instead of growing silently.
// Returns false when the queue is full or the dispatcher is shutting down.
func (d *Dispatcher) Reserve() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if d.capacity > 0 && d.pending >= d.capacity {
		return false
	}
	d.pending++
	return true
}

// Release returns an unused reservation, called when the upload fails
// before a task exists.
func (d *Dispatcher) Release() {
	d.mu.Lock()
	d.pending--
	d.mu.Unlock()
}

// Enqueue hands a created task to the pool, consuming a prior reservation.
// Never blocks the caller.
func (d *Dispatcher) Enqueue(taskID, ownerID, artifactPath string) {
	j := job{taskID: taskID, ownerID: ownerID, artifactPath: artifactPath}

	d.mu.Lock()
	if d.closed {
		d.pending--
		d.mu.Unlock()
		d.fail(j, "server shutting down")
		return
	}
	d.queue = append(d.queue, j)
	d.cond.Signal()
	d.mu.Unlock()
}

// Stop refuses new work, fails everything still queued, then waits for
// in-flight analyses until ctx expires before cancelling them. No task is
// left in a non-terminal state.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	rest := d.queue
	d.queue = nil
	d.pending -= len(rest)
	d.cond.Broadcast()
	d.mu.Unlock()

	for _, j := range rest {
		d.fail(j, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.closed {
			d.cond.Wait()
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		j := d.queue[0]
		d.queue = d.queue[1:]
		d.pending--
		d.mu.Unlock()

		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	err := d.registry.Transition(j.taskID,
		[]models.TaskStatus{models.StatusUploading},
		models.StatusProcessing,
		registry.Update{Log: &models.LogEntry{Message: "starting analysis", Type: models.LogInfo}},
	)
	if err != nil {
		d.logger.Warn("Skipping task, not in uploadable state",
			zap.String("task_id", j.taskID),
			zap.Error(err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	report, err := d.analyzer.Analyze(ctx, j.artifactPath)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "analysis timed out"
		}
		d.fail(j, msg)
		return
	}

	err = d.registry.Transition(j.taskID,
		[]models.TaskStatus{models.StatusProcessing},
		models.StatusCompleted,
		registry.Update{
			Result: report,
			Log:    &models.LogEntry{Message: "analysis completed", Type: models.LogSuccess},
		},
	)
	if err != nil {
		d.logger.Error("Failed to record analysis result",
			zap.String("task_id", j.taskID),
			zap.Error(err),
		)
		return
	}

	d.logger.Info("Analysis completed",
		zap.String("task_id", j.taskID),
		zap.String("verdict", string(report.Verdict)),
	)

	if err := d.events.Emit(context.Background(), events.TypeAnalysisCompleted, events.Payload{
		TaskID:  j.taskID,
		OwnerID: j.ownerID,
		Verdict: string(report.Verdict),
	}); err != nil {
		d.logger.Warn("Failed to emit completion event",
			zap.String("task_id", j.taskID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) fail(j job, msg string) {
	err := d.registry.Transition(j.taskID,
		[]models.TaskStatus{models.StatusUploading, models.StatusProcessing},
		models.StatusError,
		registry.Update{
			Failure: msg,
			Log:     &models.LogEntry{Message: "error: " + msg, Type: models.LogError},
		},
	)
	if err != nil {
		d.logger.Error("Failed to record analysis failure",
			zap.String("task_id", j.taskID),
			zap.Error(err),
		)
		return
	}

	d.logger.Error("Analysis failed",
		zap.String("task_id", j.taskID),
		zap.String("reason", msg),
	)

	if err := d.events.Emit(context.Background(), events.TypeAnalysisFailed, events.Payload{
		TaskID:  j.taskID,
		OwnerID: j.ownerID,
		Error:   msg,
	}); err != nil {
		d.logger.Warn("Failed to emit failure event",
			zap.String("task_id", j.taskID),
			zap.Error(err),
		)
	}
}
