package safeexec

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kube-tarian/perftriage/pkg/perferr"
	"golang.org/x/sys/unix"
)

// DefaultFileMaxBytes bounds a single file read.
const DefaultFileMaxBytes = 1 << 20

// FileReader reads allowlisted procfs, sysfs and cgroup files.
type FileReader interface {
	// Read returns at most the configured number of bytes of an allowlisted file.
	Read(path string) (string, error)
	// Exists reports whether an allowlisted probe path exists. Paths outside the
	// allowlist are reported as absent.
	Exists(path string) bool
	// Mounted reports whether an allowlisted probe path is the root of a filesystem
	// with the given statfs magic.
	Mounted(path string, magic int64) bool
}

// Filesystem magics from statfs(2).
const (
	DebugFSMagic = 0x64626720
	TraceFSMagic = 0x74726163
)

var cgroupFiles = `(cpu\.stat|cpu\.max|memory\.current|memory\.max|memory\.stat|memory\.events|io\.stat|pids\.current|pids\.max|cgroup\.controllers)`

var readablePaths = []*regexp.Regexp{
	regexp.MustCompile(`^/proc/(stat|meminfo|loadavg|diskstats|cpuinfo|vmstat|version)$`),
	regexp.MustCompile(`^/proc/net/(dev|snmp|netstat)$`),
	regexp.MustCompile(`^/proc/pressure/(cpu|memory|io)$`),
	regexp.MustCompile(`^/proc/[0-9]+/(cgroup|status|stat|comm)$`),
	regexp.MustCompile(`^/proc/sys/kernel/(osrelease|perf_event_paranoid)$`),
	regexp.MustCompile(`^/sys/kernel/mm/transparent_hugepage/enabled$`),
	regexp.MustCompile(`^/sys/devices/system/node/online$`),
	regexp.MustCompile(`^/sys/class/dmi/id/sys_vendor$`),
	regexp.MustCompile(`^/sys/fs/cgroup(/[A-Za-z0-9_.@:-]+)*/` + cgroupFiles + `$`),
}

// probePaths may only be tested for existence.
var probePaths = []*regexp.Regexp{
	regexp.MustCompile(`^/sys/kernel/btf/vmlinux$`),
	regexp.MustCompile(`^/sys/kernel/(debug/)?tracing/events/[a-z0-9_]+/[a-z0-9_]+$`),
	regexp.MustCompile(`^/sys/kernel/(debug/)?tracing$`),
	regexp.MustCompile(`^/sys/kernel/debug$`),
	regexp.MustCompile(`^/lib/modules/[A-Za-z0-9._+-]+/build$`),
	regexp.MustCompile(`^/(\.dockerenv|run/\.containerenv)$`),
	regexp.MustCompile(`^/sys/fs/cgroup/(memory|cpu)$`),
	regexp.MustCompile(`^/sys/fs/bpf$`),
}

var (
	pidPathRe    = regexp.MustCompile(`^/proc/[0-9]+/`)
	cgroupPathRe = regexp.MustCompile(`^/sys/fs/cgroup/`)
)

// HostFileReader reads files of the local host, optionally under a different root
// (for example /host when running in a container with the host filesystem mounted).
type HostFileReader struct {
	root     string
	maxBytes int64
}

// NewHostFileReader creates a reader. root may be "" for the real root.
func NewHostFileReader(root string, maxBytes int64) *HostFileReader {
	if maxBytes <= 0 {
		maxBytes = DefaultFileMaxBytes
	}
	return &HostFileReader{root: root, maxBytes: maxBytes}
}

// ValidateReadPath checks that path may be read.
func ValidateReadPath(path string) error {
	if err := checkShape(path); err != nil {
		return err
	}
	if !matchAny(readablePaths, path) {
		return perferr.New(perferr.CodeInvalidPath, "path %q is not in the read allowlist", path)
	}
	return nil
}

func checkShape(path string) error {
	if !filepath.IsAbs(path) {
		return perferr.New(perferr.CodeInvalidPath, "path %q is not absolute", path)
	}
	if hasDotDot(path) || filepath.Clean(path) != path {
		return perferr.New(perferr.CodeInvalidPath, "path %q is not canonical", path)
	}
	return nil
}

func matchAny(patterns []*regexp.Regexp, path string) bool {
	for _, re := range patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Read implements FileReader.
func (r *HostFileReader) Read(path string) (string, error) {
	if err := ValidateReadPath(path); err != nil {
		return "", err
	}

	f, err := os.Open(filepath.Join(r.root, path))
	if err != nil {
		return "", openError(path, err)
	}
	defer f.Close()

	// procfs reports size 0, so read through a limit instead of trusting Stat
	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes))
	if err != nil {
		return "", perferr.Wrap(perferr.CodeExecutionFailed, err, "reading %s", path)
	}

	return string(data), nil
}

// Exists implements FileReader.
func (r *HostFileReader) Exists(path string) bool {
	if checkShape(path) != nil {
		return false
	}
	if !matchAny(readablePaths, path) && !matchAny(probePaths, path) {
		return false
	}
	_, err := os.Stat(filepath.Join(r.root, path))
	return err == nil
}

// Mounted implements FileReader.
func (r *HostFileReader) Mounted(path string, magic int64) bool {
	if checkShape(path) != nil || !matchAny(probePaths, path) {
		return false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Join(r.root, path), &st); err != nil {
		return false
	}
	return int64(st.Type) == magic
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return notFound(path, err)
	case errors.Is(err, os.ErrPermission):
		return perferr.Wrap(perferr.CodePermissionDenied, err, "reading %s", path)
	default:
		return perferr.Wrap(perferr.CodeExecutionFailed, err, "opening %s", path)
	}
}

func notFound(path string, cause error) error {
	switch {
	case pidPathRe.MatchString(path):
		pid := strings.Split(path, "/")[2]
		return perferr.Wrap(perferr.CodePIDNotFound, cause, "process %s does not exist", pid)
	case cgroupPathRe.MatchString(path):
		return perferr.Wrap(perferr.CodeCgroupNotFound, cause, "cgroup file %s does not exist", path)
	default:
		return perferr.Wrap(perferr.CodeFileNotFound, cause, "%s does not exist", path)
	}
}
