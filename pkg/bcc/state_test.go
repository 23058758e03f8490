package bcc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifacts", "bcc-compile-state.json")
	now := time.Now().UTC().Truncate(time.Second)

	s := NewStateStore(path, time.Hour, 1<<16)
	s.Update("biolatency", ToolState{LastCompileTime: now, CompileSucceeded: true, CompileDurationMs: 4200})
	s.Update("execsnoop", ToolState{LastCompileTime: now, LastError: "TIMEOUT: killed"})
	require.NoError(t, s.Flush())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), st.Mode().Perm())

	loaded := NewStateStore(path, time.Hour, 1<<16)
	require.NoError(t, loaded.Load())
	got, ok := loaded.Get("biolatency")
	require.True(t, ok)
	assert.True(t, got.CompileSucceeded)
	assert.Equal(t, int64(4200), got.CompileDurationMs)
	assert.True(t, now.Equal(got.LastCompileTime))
	assert.Equal(t, []string{"biolatency", "execsnoop"}, loaded.Tools())
}

func TestStateStoreMissingFile(t *testing.T) {
	s := NewStateStore(filepath.Join(t.TempDir(), "none.json"), time.Hour, 1024)
	assert.NoError(t, s.Load())
	_, ok := s.Get("runqlat")
	assert.False(t, ok)
}

func TestStateStoreDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	raw, err := json.Marshal(stateFile{Version: stateFileVersion, Tools: map[string]ToolState{
		"old":   {LastCompileTime: time.Now().Add(-48 * time.Hour), CompileSucceeded: true},
		"fresh": {LastCompileTime: time.Now().Add(-time.Minute), CompileSucceeded: true},
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	s := NewStateStore(path, 24*time.Hour, 1<<16)
	require.NoError(t, s.Load())
	assert.Equal(t, []string{"fresh"}, s.Tools())
}

func TestStateStoreRejectsOversizedAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	big := filepath.Join(dir, "big.json")
	require.NoError(t, os.WriteFile(big, make([]byte, 2048), 0o644))
	assert.Error(t, NewStateStore(big, 0, 1024).Load())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))
	s := NewStateStore(bad, 0, 1024)
	assert.Error(t, s.Load())
	assert.Empty(t, s.Tools())
}

func TestStateStoreFlushHonorsSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateStore(path, 0, 400)
	base := time.Now().UTC()
	for i, tool := range []string{"biolatency", "runqlat", "execsnoop", "tcplife", "syscount"} {
		s.Update(tool, ToolState{LastCompileTime: base.Add(time.Duration(i) * time.Minute), CompileSucceeded: true})
	}
	require.NoError(t, s.Flush())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Size(), int64(400))

	loaded := NewStateStore(path, 0, 400)
	require.NoError(t, loaded.Load())
	_, ok := loaded.Get("syscount")
	assert.True(t, ok, "newest entry survives")
	_, ok = loaded.Get("biolatency")
	assert.False(t, ok, "oldest entry is dropped first")
}

func TestStateStoreMemoryOnly(t *testing.T) {
	s := NewStateStore("", 0, 0)
	s.Update("runqlat", ToolState{CompileSucceeded: true})
	assert.NoError(t, s.Flush())
	assert.NoError(t, s.Load())
	_, ok := s.Get("runqlat")
	assert.True(t, ok)
}
