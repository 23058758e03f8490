package bcc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const stateFileVersion = 1

// ToolState records the last compile attempt of a tool. It only feeds timeout sizing.
type ToolState struct {
	LastCompileTime   time.Time `json:"last_compile_time"`
	CompileSucceeded  bool      `json:"compile_succeeded"`
	CompileDurationMs int64     `json:"compile_duration_ms"`
	LastError         string    `json:"last_error,omitempty"`
}

type stateFile struct {
	Version int                  `json:"version"`
	Tools   map[string]ToolState `json:"tools"`
}

// StateStore is the in-memory compile state with explicit Load and Flush to one JSON file.
// Several processes may flush the same file; the last writer wins.
type StateStore struct {
	path     string
	maxAge   time.Duration
	maxBytes int64

	mu     sync.RWMutex
	states map[string]ToolState
}

// NewStateStore creates an empty store backed by path. An empty path keeps state in
// memory only.
func NewStateStore(path string, maxAge time.Duration, maxBytes int64) *StateStore {
	return &StateStore{
		path:     path,
		maxAge:   maxAge,
		maxBytes: maxBytes,
		states:   map[string]ToolState{},
	}
}

// Load merges the file into memory. A missing, oversized or unreadable file is not an
// error worth failing a diagnosis for, so it only yields an error for the caller to log.
// Entries older than the max age are dropped.
func (s *StateStore) Load() error {
	if s.path == "" {
		return nil
	}
	st, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bcc: stat state file: %w", err)
	}
	if s.maxBytes > 0 && st.Size() > s.maxBytes {
		return fmt.Errorf("bcc: state file %s is %d bytes, over the %d byte limit", s.path, st.Size(), s.maxBytes)
	}

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("bcc: read state file: %w", err)
	}
	var f stateFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("bcc: decode state file: %w", err)
	}
	if f.Version != stateFileVersion {
		return fmt.Errorf("bcc: state file version %d is not supported", f.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for tool, ts := range f.Tools {
		if s.expired(ts) {
			continue
		}
		if cur, ok := s.states[tool]; ok && cur.LastCompileTime.After(ts.LastCompileTime) {
			continue
		}
		s.states[tool] = ts
	}
	return nil
}

// Get returns the state of a tool.
func (s *StateStore) Get(tool string) (ToolState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ts, ok := s.states[tool]
	if ok && s.expired(ts) {
		return ToolState{}, false
	}
	return ts, ok
}

// Update replaces the state of a tool in memory.
func (s *StateStore) Update(tool string, ts ToolState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[tool] = ts
}

// Flush writes the store atomically. Oldest entries are dropped until the encoding fits
// the size limit.
func (s *StateStore) Flush() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	f := stateFile{Version: stateFileVersion, Tools: map[string]ToolState{}}
	for tool, ts := range s.states {
		if !s.expired(ts) {
			f.Tools[tool] = ts
		}
	}
	s.mu.RUnlock()

	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("bcc: encode state: %w", err)
	}
	for s.maxBytes > 0 && int64(len(raw)) > s.maxBytes && len(f.Tools) > 0 {
		delete(f.Tools, oldest(f.Tools))
		if raw, err = json.MarshalIndent(f, "", "  "); err != nil {
			return fmt.Errorf("bcc: encode state: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("bcc: create artifact dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".bcc-state-*")
	if err != nil {
		return fmt.Errorf("bcc: create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("bcc: write state: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("bcc: chmod state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bcc: close state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("bcc: replace state file: %w", err)
	}
	return nil
}

// Tools lists the tools with state, sorted.
func (s *StateStore) Tools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.states))
	for t := range s.states {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *StateStore) expired(ts ToolState) bool {
	return s.maxAge > 0 && !ts.LastCompileTime.IsZero() && time.Since(ts.LastCompileTime) > s.maxAge
}

func oldest(tools map[string]ToolState) string {
	var (
		name string
		at   time.Time
	)
	for t, ts := range tools {
		if name == "" || ts.LastCompileTime.Before(at) || (ts.LastCompileTime.Equal(at) && t < name) {
			name, at = t, ts.LastCompileTime
		}
	}
	return name
}
