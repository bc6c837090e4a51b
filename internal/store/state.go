// Package store owns the artifact store side of the pipeline: scanning the
// results root for finished artifacts and persisting upload progress across
// restarts.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// compactThreshold triggers a state-file rewrite once this many records
// have been pruned or superseded since the last compaction.
const compactThreshold = 256

// Entry records upload progress for one event. An event is marked uploaded
// only after the remote store confirmed both objects.
type Entry struct {
	EventID    string    `json:"eventId"`
	Uploaded   bool      `json:"uploaded"`
	UploadedAt time.Time `json:"uploadedAt,omitempty"`
	RemoteKey  string    `json:"remoteKey,omitempty"`
}

// State is the persisted upload-state file: JSON Lines, append-on-write,
// last record per event wins. It is the sole source of truth for "already
// uploaded" and is owned exclusively by the uploader.
type State struct {
	path string

	mu      sync.Mutex
	file    *os.File
	entries map[string]Entry
	// stale counts appended duplicates plus pruned records; drives compaction
	stale int
}

// OpenState loads (or creates) the state file. A corrupt file is the
// lesser failure mode: recovery treats every artifact as not yet uploaded
// rather than crashing, accepting possible duplicate remote uploads.
func OpenState(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	s := &State{
		path:    path,
		entries: make(map[string]Entry),
	}
	s.load()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file for append: %w", err)
	}
	s.file = f

	return s, nil
}

// load reads the existing file, skipping unparseable lines (a torn write
// from a crash mid-append leaves at most one bad trailing line).
func (s *State) load() {
	f, err := os.Open(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("upload state unreadable, treating all artifacts as not uploaded",
				"path", s.path,
				"error", err,
			)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var bad int
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil || e.EventID == "" {
			bad++
			continue
		}
		if _, dup := s.entries[e.EventID]; dup {
			s.stale++
		}
		s.entries[e.EventID] = e
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("upload state partially read, remainder treated as not uploaded",
			"path", s.path,
			"error", err,
		)
	}
	if bad > 0 {
		slog.Warn("skipped corrupt upload state records",
			"path", s.path,
			"count", bad,
		)
	}
}

// IsUploaded reports whether the event's upload was confirmed.
func (s *State) IsUploaded(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	return ok && e.Uploaded
}

// Entry returns the recorded entry for an event.
func (s *State) Entry(eventID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	return e, ok
}

// Len returns the number of tracked events.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// MarkUploaded durably records a confirmed upload. The record is appended
// and fsynced before returning; only then may the caller treat the
// artifact as delivered.
func (s *State) MarkUploaded(eventID, remoteKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := Entry{
		EventID:    eventID,
		Uploaded:   true,
		UploadedAt: at.UTC(),
		RemoteKey:  remoteKey,
	}
	if err := s.appendLocked(e); err != nil {
		return err
	}
	if _, dup := s.entries[eventID]; dup {
		s.stale++
	}
	s.entries[eventID] = e
	return nil
}

func (s *State) appendLocked(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal state entry: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append state entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	return nil
}

// Remove drops the entry for an evicted artifact. The on-disk record is
// reclaimed by the next compaction.
func (s *State) Remove(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[eventID]; ok {
		delete(s.entries, eventID)
		s.stale++
	}
}

// CompactIfNeeded rewrites the file from the in-memory map once enough
// records have gone stale. Rewrite goes through a temp file + rename so a
// crash mid-compaction leaves the previous file intact.
func (s *State) CompactIfNeeded() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale < compactThreshold {
		return nil
	}
	return s.compactLocked()
}

// Compact forces a rewrite regardless of the stale count.
func (s *State) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked()
}

func (s *State) compactLocked() error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".upload-state.")
	if err != nil {
		return fmt.Errorf("failed to create compaction temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, e := range s.entries {
		data, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to marshal state entry: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write compacted state: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to flush compacted state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync compacted state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close compacted state: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	// reopen the append handle on the new inode
	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen state file: %w", err)
	}
	s.file = f
	s.stale = 0

	slog.Debug("upload state compacted",
		"path", s.path,
		"entries", len(s.entries),
	)
	return nil
}

// Close releases the append handle.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
