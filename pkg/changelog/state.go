package changelog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const stateFileName = "reader-state.json"

// readerState is the reader's persisted position. LastOpID lives next to
// LastSeenLSN so a crash rolls both back together and a replay regenerates
// identical opIds for the same records.
type readerState struct {
	Version           int    `json:"version"`
	LastSeenLSN       uint64 `json:"lastSeenLsn"`
	LastOpID          int64  `json:"lastOpId"`
	LastEntityVersion int64  `json:"lastEntityVersion"`
}

func loadReaderState(dir string) (*readerState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &readerState{Version: 1}, nil
		}
		return nil, err
	}

	var s readerState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", stateFileName, err)
	}
	if s.Version != 1 {
		return nil, fmt.Errorf("unsupported state version %d", s.Version)
	}
	return &s, nil
}

// save rewrites the state file atomically, same temp-fsync-rename dance as
// the queue file.
func (s *readerState) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	path := filepath.Join(dir, stateFileName)
	tmp, err := os.CreateTemp(dir, stateFileName+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// nextOpID returns the next monotonic operation id.
func (s *readerState) nextOpID() int64 {
	s.LastOpID++
	return s.LastOpID
}

// nextEntityVersion returns a timestamp-based monotonic version: the wall
// clock when it advances, a plain increment when it does not.
func (s *readerState) nextEntityVersion(nowMs int64) int64 {
	if nowMs > s.LastEntityVersion {
		s.LastEntityVersion = nowMs
	} else {
		s.LastEntityVersion++
	}
	return s.LastEntityVersion
}
