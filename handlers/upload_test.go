package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"videoAnalysis/dispatch"
	"videoAnalysis/events"
	"videoAnalysis/models"
	"videoAnalysis/registry"
	"videoAnalysis/service"
	"videoAnalysis/spool"
)

type mockDispatcher struct {
	mu       sync.Mutex
	full     bool
	reserved int
	released int
	enqueued []string
}

func (m *mockDispatcher) Reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.reserved++
	return true
}

func (m *mockDispatcher) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *mockDispatcher) Enqueue(taskID, ownerID, artifactPath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueued = append(m.enqueued, taskID)
}

type mockPublisher struct {
	mu    sync.Mutex
	types []string
}

func (m *mockPublisher) Emit(ctx context.Context, eventType string, payload events.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, eventType)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type uploadFixture struct {
	handler    *UploadHandler
	registry   *registry.Registry
	spoolDir   string
	dispatcher *mockDispatcher
	publisher  *mockPublisher
}

func newUploadFixture(t *testing.T) *uploadFixture {
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger, 0)
	t.Cleanup(reg.Close)

	spoolDir := t.TempDir()
	spooler, err := spool.New(spoolDir)
	if err != nil {
		t.Fatalf("Failed to create spooler: %v", err)
	}

	d := &mockDispatcher{}
	pub := &mockPublisher{}
	return &uploadFixture{
		handler:    NewUploadHandler(reg, spooler, d, pub, logger),
		registry:   reg,
		spoolDir:   spoolDir,
		dispatcher: d,
		publisher:  pub,
	}
}

type frame struct {
	name string
	data []byte
}

func metadataFrame(t *testing.T, filename, ownerID string, declaredSize int64) frame {
	data, err := json.Marshal(uploadMetadata{Filename: filename, OwnerID: ownerID, DeclaredSize: declaredSize})
	if err != nil {
		t.Fatalf("Failed to marshal metadata: %v", err)
	}
	return frame{name: "metadata", data: data}
}

func buildStream(t *testing.T, frames ...frame) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for _, f := range frames {
		var err error
		var fw io.Writer
		if f.name == "chunk" {
			fw, err = w.CreateFormFile("chunk", "blob")
		} else {
			fw, err = w.CreateFormField(f.name)
		}
		if err != nil {
			t.Fatalf("Failed to create part: %v", err)
		}
		if _, err := fw.Write(f.data); err != nil {
			t.Fatalf("Failed to write part: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	return body, w.FormDataContentType()
}

func postUpload(fx *uploadFixture, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	fx.handler.Upload(rec, req)
	return rec
}

func TestUploadHandler_Success(t *testing.T) {
	fx := newUploadFixture(t)

	body, contentType := buildStream(t,
		metadataFrame(t, "a.mp4", "u1", 9),
		frame{name: "chunk", data: []byte("abc")},
		frame{name: "chunk", data: []byte("def")},
		frame{name: "chunk", data: []byte("ghi")},
	)
	rec := postUpload(fx, body, contentType)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.TaskID == "" || resp.Message != "uploaded" {
		t.Errorf("Unexpected response: %+v", resp)
	}

	task, err := fx.registry.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("Task not registered: %v", err)
	}
	if task.Status != models.StatusUploading {
		t.Errorf("Expected status UPLOADING, got %s", task.Status)
	}
	if task.OwnerID != "u1" || task.Filename != "a.mp4" {
		t.Errorf("Unexpected task fields: %+v", task)
	}

	artifact, err := os.ReadFile(task.ArtifactPath)
	if err != nil {
		t.Fatalf("Failed to read artifact: %v", err)
	}
	if string(artifact) != "abcdefghi" {
		t.Errorf("Expected artifact %q, got %q", "abcdefghi", artifact)
	}

	if len(fx.dispatcher.enqueued) != 1 || fx.dispatcher.enqueued[0] != resp.TaskID {
		t.Errorf("Expected task handed to dispatcher, got %v", fx.dispatcher.enqueued)
	}
	if len(fx.publisher.types) != 1 || fx.publisher.types[0] != events.TypeVideoUploaded {
		t.Errorf("Expected video.uploaded event, got %v", fx.publisher.types)
	}
}

func TestUploadHandler_ChunkFirstRejected(t *testing.T) {
	fx := newUploadFixture(t)

	body, contentType := buildStream(t, frame{name: "chunk", data: []byte("abc")})
	rec := postUpload(fx, body, contentType)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if fx.registry.Len() != 0 {
		t.Error("No task may be created for a rejected stream")
	}
	if len(fx.dispatcher.enqueued) != 0 {
		t.Error("Nothing may be dispatched for a rejected stream")
	}
	if fx.dispatcher.released != fx.dispatcher.reserved {
		t.Error("Reservation must be released on rejection")
	}
	if len(fx.publisher.types) != 0 {
		t.Error("No event may be emitted for a rejected stream")
	}
}

func TestUploadHandler_DuplicateMetadataRejected(t *testing.T) {
	fx := newUploadFixture(t)

	body, contentType := buildStream(t,
		metadataFrame(t, "a.mp4", "u1", 0),
		frame{name: "chunk", data: []byte("abc")},
		metadataFrame(t, "b.mp4", "u1", 0),
	)
	rec := postUpload(fx, body, contentType)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if fx.registry.Len() != 0 {
		t.Error("No task may be created after a duplicate metadata frame")
	}

	entries, err := os.ReadDir(fx.spoolDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Spooled bytes must be discarded, found %d entries", len(entries))
	}
}

func TestUploadHandler_EmptyUploadAccepted(t *testing.T) {
	fx := newUploadFixture(t)

	body, contentType := buildStream(t, metadataFrame(t, "empty.mp4", "u1", 0))
	rec := postUpload(fx, body, contentType)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202 for zero-chunk upload, got %d", rec.Code)
	}

	var resp uploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	task, err := fx.registry.Get(resp.TaskID)
	if err != nil {
		t.Fatalf("Task not registered: %v", err)
	}
	info, err := os.Stat(task.ArtifactPath)
	if err != nil {
		t.Fatalf("Artifact missing: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("Expected empty artifact, got %d bytes", info.Size())
	}
}

func TestUploadHandler_QueueFullRejectsBeforeReading(t *testing.T) {
	fx := newUploadFixture(t)
	fx.dispatcher.full = true

	body, contentType := buildStream(t,
		metadataFrame(t, "a.mp4", "u1", 0),
		frame{name: "chunk", data: []byte("abc")},
	)
	rec := postUpload(fx, body, contentType)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if fx.registry.Len() != 0 {
		t.Error("No task may be created when the queue is full")
	}
}

func TestUploadHandler_ConcurrentUploadsAreIsolated(t *testing.T) {
	fx := newUploadFixture(t)

	const n = 8
	type stream struct {
		body        *bytes.Buffer
		contentType string
	}
	streams := make([]stream, n)
	for i := range streams {
		body, contentType := buildStream(t,
			metadataFrame(t, "a.mp4", "u1", 0),
			frame{name: "chunk", data: bytes.Repeat([]byte{byte(i)}, 1024)},
		)
		streams[i] = stream{body: body, contentType: contentType}
	}

	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := postUpload(fx, streams[i].body, streams[i].contentType)
			if rec.Code != http.StatusAccepted {
				t.Errorf("Upload %d failed with status %d", i, rec.Code)
				return
			}
			var resp uploadResponse
			json.NewDecoder(rec.Body).Decode(&resp)
			ids <- resp.TaskID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate task id across concurrent uploads: %s", id)
		}
		seen[id] = true

		task, err := fx.registry.Get(id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if len(task.Logs) != 1 || task.Logs[0].Message != "upload received" {
			t.Errorf("Task %s has foreign or missing log entries: %+v", id, task.Logs)
		}
	}
	if len(seen) != n {
		t.Errorf("Expected %d distinct tasks, got %d", n, len(seen))
	}
}

func TestUploadHandler_NonMultipartRejected(t *testing.T) {
	fx := newUploadFixture(t)

	req := httptest.NewRequest("POST", "/upload", bytes.NewReader([]byte("raw bytes")))
	rec := httptest.NewRecorder()
	fx.handler.Upload(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rec.Code)
	}
	if fx.dispatcher.released != fx.dispatcher.reserved {
		t.Error("Reservation must be released on rejection")
	}
}

// Full lifecycle: upload, observe UPLOADING, run the real dispatcher with a
// stub analyzer, observe COMPLETED and a stable result.
func TestUploadHandler_FullScenario(t *testing.T) {
	logger := zaptest.NewLogger(t)
	reg := registry.New(logger, 0)
	t.Cleanup(reg.Close)

	spooler, err := spool.New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create spooler: %v", err)
	}

	pub := &mockPublisher{}
	an := analyzerFunc(func(ctx context.Context, path string) (*models.Report, error) {
		return &models.Report{
			Verdict:         models.VerdictReal,
			ConfidenceScore: 0.75,
			FramesSampled:   3,
			ModelVersion:    "v1.0.0",
		}, nil
	})
	d := dispatch.New(reg, an, pub, logger, 1, 0, time.Second)
	t.Cleanup(func() { d.Stop(context.Background()) })

	upload := NewUploadHandler(reg, spooler, d, pub, logger)
	query := NewQueryHandler(service.NewStatusService(reg), logger)

	body, contentType := buildStream(t,
		metadataFrame(t, "a.mp4", "u1", 3),
		frame{name: "chunk", data: []byte("a")},
		frame{name: "chunk", data: []byte("b")},
		frame{name: "chunk", data: []byte("c")},
	)
	req := httptest.NewRequest("POST", "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	upload.Upload(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Upload failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	json.NewDecoder(rec.Body).Decode(&resp)

	// Workers have not started: the task must still be UPLOADING.
	statusRec := httptest.NewRecorder()
	query.Status(statusRec, httptest.NewRequest("GET", "/status/"+resp.TaskID, nil))
	var status statusResponse
	json.NewDecoder(statusRec.Body).Decode(&status)
	if status.Stage != string(models.StatusUploading) {
		t.Errorf("Expected stage UPLOADING before dispatch, got %s", status.Stage)
	}

	d.Start()

	deadline := time.Now().Add(5 * time.Second)
	for {
		task, err := reg.Get(resp.TaskID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if task.Status.Terminal() {
			if task.Status != models.StatusCompleted {
				t.Fatalf("Expected COMPLETED, got %s (%s)", task.Status, task.Failure)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Task never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	readResult := func() resultResponse {
		rec := httptest.NewRecorder()
		query.Result(rec, httptest.NewRequest("GET", "/result/"+resp.TaskID, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200 from result, got %d", rec.Code)
		}
		var result resultResponse
		result.Report = &models.Report{}
		if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
			t.Fatalf("Failed to decode result: %v", err)
		}
		return result
	}

	first := readResult()
	if first.Verdict != models.VerdictReal || first.ConfidenceScore != 0.75 || first.FramesSampled != 3 {
		t.Errorf("Unexpected result: %+v", first.Report)
	}
	second := readResult()
	if !reflect.DeepEqual(first.Report, second.Report) {
		t.Errorf("Result changed between reads: %+v vs %+v", first.Report, second.Report)
	}
}

type analyzerFunc func(ctx context.Context, path string) (*models.Report, error)

func (f analyzerFunc) Analyze(ctx context.Context, path string) (*models.Report, error) {
	return f(ctx, path)
}
