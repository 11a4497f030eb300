package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meterwatch/internal/meter"
)

// FileStore keeps a JSONL log per meter plus timestamped snapshot images,
// the audit trail a human consults when a reading looks off.
type FileStore struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(dir string, logger zerolog.Logger) (*FileStore, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "file_store").Logger(),
	}, nil
}

// PersistReading appends the reading as one JSON line to the meter's log.
func (f *FileStore) PersistReading(_ context.Context, r meter.Reading) error {
	line, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, fmt.Sprintf("%s_readings.jsonl", sanitize(r.Meter)))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open reading log: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

// PersistImage saves the frame under <dir>/<meter>_snapshots with a
// timestamped, labelled filename.
func (f *FileStore) PersistImage(_ context.Context, meterName string, img []byte, takenAt time.Time, label string) error {
	if len(img) == 0 {
		return nil
	}
	snapDir := filepath.Join(f.dir, fmt.Sprintf("%s_snapshots", sanitize(meterName)))
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	name := fmt.Sprintf("%s_%s.jpg", takenAt.Format("2006-01-02T15-04-05"), sanitize(label))
	if err := os.WriteFile(filepath.Join(snapDir, name), img, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Close is a no-op; files are opened per write.
func (f *FileStore) Close() error { return nil }

// Dir exposes the base directory, mainly for diagnostics output.
func (f *FileStore) Dir() string { return f.dir }

func sanitize(s string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "_")
	return replacer.Replace(s)
}
