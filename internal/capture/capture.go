// Package capture stores the screen recording that accompanies an operation log.
// The browser encodes the video and uploads it in chunks; this package only
// appends them to a file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotCapturing = errors.New("no screen capture in progress")
	ErrNoVideo      = errors.New("no video data received")
)

// FileSink writes one video file per recording under dir.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	file    *os.File
	path    string
	written int64
}

func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{dir: dir, logger: logger}
}

func (s *FileSink) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return fmt.Errorf("capture already running: %s", s.path)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create video directory: %w", err)
	}
	path := filepath.Join(s.dir, "recording-"+uuid.NewString()+".webm")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create video file: %w", err)
	}
	s.file = f
	s.path = path
	s.written = 0
	s.logger.Info("[capture] started", "path", path)
	return nil
}

// Write appends one encoded chunk.
func (s *FileSink) Write(chunk []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrNotCapturing
	}
	n, err := s.file.Write(chunk)
	s.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write video chunk: %w", err)
	}
	return n, nil
}

// Stop closes the file and returns its path. A capture that never received
// data is discarded and reported as ErrNoVideo.
func (s *FileSink) Stop() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return "", ErrNotCapturing
	}
	f, path, written := s.file, s.path, s.written
	s.file, s.path, s.written = nil, "", 0

	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close video file: %w", err)
	}
	if written == 0 {
		os.Remove(path)
		return "", ErrNoVideo
	}
	s.logger.Info("[capture] stopped", "path", path, "bytes", written)
	return path, nil
}

func (s *FileSink) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file != nil
}
