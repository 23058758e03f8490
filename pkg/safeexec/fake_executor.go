package safeexec

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kube-tarian/perftriage/pkg/perferr"
	"github.com/scylladb/go-set/strset"
)

// FakeResponse is the canned outcome of one fake command.
type FakeResponse struct {
	Stdout string
	Stderr string
	Err    error
	// Delay simulates run time. A delay longer than the call's timeout yields TIMEOUT.
	Delay time.Duration
}

// FakeCall records a call made to a FakeExecutor.
type FakeCall struct {
	Name string
	Args []string
	Opts Options
}

// FakeExecutor returns canned responses. Arguments are still validated against its
// registry, so handlers under test cannot build calls the real boundary would reject.
type FakeExecutor struct {
	Registry *Registry

	mu        sync.Mutex
	responses map[string]FakeResponse
	missing   *strset.Set
	calls     []FakeCall
}

// NewFakeExecutor creates a fake validating against DefaultRegistry.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		Registry:  DefaultRegistry(),
		responses: map[string]FakeResponse{},
		missing:   strset.New(),
	}
}

// On registers a response. key is a command name, or a command name followed by its
// exact arguments separated by spaces; the exact form wins.
func (f *FakeExecutor) On(key string, resp FakeResponse) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[key] = resp
	return f
}

// Missing marks commands as not installed.
func (f *FakeExecutor) Missing(names ...string) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.missing.Add(names...)
	return f
}

// Calls returns the recorded calls.
func (f *FakeExecutor) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// CalledNames returns the set of command names that were executed.
func (f *FakeExecutor) CalledNames() *strset.Set {
	s := strset.New()
	for _, c := range f.Calls() {
		s.Add(c.Name)
	}
	return s
}

// Available implements Executor.
func (f *FakeExecutor) Available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Registry.Lookup(name); !ok {
		return false
	}
	return !f.missing.Has(name)
}

// Exec implements Executor.
func (f *FakeExecutor) Exec(ctx context.Context, name string, args []string, opts Options) (*Result, error) {
	if err := f.Registry.Validate(name, args); err != nil {
		return nil, err
	}
	if !f.Available(name) {
		return nil, perferr.New(perferr.CodeToolNotFound, "%s is not installed", name)
	}

	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Name: name, Args: args, Opts: opts})
	resp, ok := f.responses[strings.Join(append([]string{name}, args...), " ")]
	if !ok {
		resp, ok = f.responses[name]
	}
	f.mu.Unlock()

	if !ok {
		return nil, perferr.New(perferr.CodeExecutionFailed, "no fake response for %s", name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res := &Result{Command: name, Args: args, Stdout: resp.Stdout, Stderr: resp.Stderr}

	if resp.Delay > 0 {
		wait := resp.Delay
		if wait > timeout {
			wait = timeout
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			res.ExitCode = -1
			return res, perferr.New(perferr.CodeTimeout, "%s was killed because the caller gave up", name)
		}
		res.Duration = wait
		if resp.Delay > timeout {
			res.ExitCode = -1
			return res, perferr.New(perferr.CodeTimeout, "%s exceeded its %s timeout and was killed", name, timeout)
		}
	}

	if resp.Err != nil {
		res.ExitCode = 1
		return res, resp.Err
	}
	return res, nil
}

// FakeFileReader serves files from memory, applying the same path allowlist as the host reader.
type FakeFileReader struct {
	mu      sync.Mutex
	files   map[string]string
	present *strset.Set
	mounts  map[string]int64
}

// NewFakeFileReader creates a reader over files.
func NewFakeFileReader(files map[string]string) *FakeFileReader {
	if files == nil {
		files = map[string]string{}
	}
	return &FakeFileReader{files: files, present: strset.New(), mounts: map[string]int64{}}
}

// Set adds or replaces a file.
func (f *FakeFileReader) Set(path, content string) *FakeFileReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = content
	return f
}

// Present marks probe-only paths as existing.
func (f *FakeFileReader) Present(paths ...string) *FakeFileReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present.Add(paths...)
	return f
}

// Read implements FileReader.
func (f *FakeFileReader) Read(path string) (string, error) {
	if err := ValidateReadPath(path); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", notFound(path, nil)
	}
	return content, nil
}

// Exists implements FileReader.
func (f *FakeFileReader) Exists(path string) bool {
	if checkShape(path) != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; ok {
		return true
	}
	return f.present.Has(path)
}

// Mount records a filesystem with the given magic at path.
func (f *FakeFileReader) Mount(path string, magic int64) *FakeFileReader {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mounts[path] = magic
	f.present.Add(path)
	return f
}

// Mounted implements FileReader.
func (f *FakeFileReader) Mounted(path string, magic int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mounts[path]
	return ok && m == magic
}
