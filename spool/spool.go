package spool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Spooler streams upload bytes to files under a single directory. Bytes are
// written as they arrive, so peak memory stays proportional to one chunk
// regardless of artifact size.
type Spooler struct {
	dir string
}

func New(dir string) (*Spooler, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	return &Spooler{dir: dir}, nil
}

// Handle is an in-progress artifact. Exactly one of Finalize or Discard
// must be called; Discard after Finalize is a no-op, which makes it safe
// to defer.
type Handle struct {
	file      *os.File
	partPath  string
	finalPath string
	closed    bool
}

func (s *Spooler) Open() (*Handle, error) {
	name := uuid.New().String()
	partPath := filepath.Join(s.dir, name+".part")
	file, err := os.Create(partPath)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return &Handle{
		file:      file,
		partPath:  partPath,
		finalPath: filepath.Join(s.dir, name+".mp4"),
	}, nil
}

func (h *Handle) Write(p []byte) (int, error) {
	return h.file.Write(p)
}

// Finalize closes the artifact and moves it to its durable location,
// returning the path the analyzer will read from.
func (h *Handle) Finalize() (string, error) {
	if h.closed {
		return "", fmt.Errorf("artifact already closed")
	}
	h.closed = true
	if err := h.file.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(h.partPath, h.finalPath); err != nil {
		return "", fmt.Errorf("finalize artifact: %w", err)
	}
	return h.finalPath, nil
}

// Discard releases a partial upload. Called on every failure path.
func (h *Handle) Discard() {
	if h.closed {
		return
	}
	h.closed = true
	h.file.Close()
	os.Remove(h.partPath)
}
