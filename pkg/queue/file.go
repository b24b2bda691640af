package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	queueFileName    = "queue.json"
	queueFileVersion = 1
)

// errCorruptFile marks a queue file that exists but cannot be parsed. Open
// treats it as empty instead of refusing to start.
var errCorruptFile = errors.New("queue: corrupt file")

// queueFile is the on-disk representation.
type queueFile struct {
	Version int               `json:"version"`
	SavedAt time.Time         `json:"savedAt"`
	Items   []QueuedOperation `json:"items"`
}

func (q *Queue) queuePath() string {
	return filepath.Join(q.config.Dir, queueFileName)
}

// loadFile reads the persisted queue. A missing file is an empty queue.
func loadFile(path string) ([]QueuedOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file queueFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptFile, err)
	}
	if file.Version != queueFileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", errCorruptFile, file.Version)
	}
	return file.Items, nil
}

// persistLocked rewrites the queue file atomically: write a sibling temp
// file, fsync it, then rename over the target. Callers hold q.mu.
func (q *Queue) persistLocked() error {
	if err := os.MkdirAll(q.config.Dir, 0o755); err != nil {
		return fmt.Errorf("queue: create dir: %w", err)
	}

	data, err := json.MarshalIndent(queueFile{
		Version: queueFileVersion,
		SavedAt: time.Now().UTC(),
		Items:   q.items,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}

	path := q.queuePath()
	tmp, err := os.CreateTemp(q.config.Dir, queueFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("queue: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("queue: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("queue: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("queue: rename: %w", err)
	}

	// Sync the directory so the rename itself survives a crash.
	if dir, err := os.Open(q.config.Dir); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
