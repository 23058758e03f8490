// Package capabilities probes what the host can do: kernel version, privileges, kernel
// features and installed diagnostic binaries. Probing goes through the safeexec boundary
// and happens once per Detector.
package capabilities

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kube-tarian/perftriage/pkg/parsers"
	"github.com/kube-tarian/perftriage/pkg/safeexec"
	"github.com/sirupsen/logrus"
)

// ErrNotDetected is returned by Cached before Detect ran.
var ErrNotDetected = errors.New("capabilities: detection has not run yet")

// Binaries probed besides the BCC suite.
var Binaries = []string{"perf", "bpftool", "bpftrace", "iostat", "sar", "vmstat", "ss", "nstat"}

// KernelVersion is the parsed kernel release.
type KernelVersion struct {
	Major   int    `json:"major" yaml:"major"`
	Minor   int    `json:"minor" yaml:"minor"`
	Patch   int    `json:"patch" yaml:"patch"`
	Release string `json:"release" yaml:"release"`
}

// AtLeast compares major.minor.
func (k KernelVersion) AtLeast(major, minor int) bool {
	if k.Major != major {
		return k.Major > major
	}
	return k.Minor >= minor
}

func (k KernelVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", k.Major, k.Minor, k.Patch)
}

var kernelReleaseRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseKernelRelease parses strings such as "5.15.0-91-generic".
func ParseKernelRelease(release string) (KernelVersion, bool) {
	release = strings.TrimSpace(release)
	m := kernelReleaseRe.FindStringSubmatch(release)
	if m == nil {
		return KernelVersion{Release: release}, false
	}
	k := KernelVersion{Release: release}
	k.Major, _ = strconv.Atoi(m[1])
	k.Minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		k.Patch, _ = strconv.Atoi(m[3])
	}
	return k, true
}

// Snapshot is the immutable result of one detection.
type Snapshot struct {
	Kernel   KernelVersion   `json:"kernel" yaml:"kernel"`
	Binaries map[string]bool `json:"binaries" yaml:"binaries"`
	BCCTools map[string]bool `json:"bcc_tools" yaml:"bcc_tools"`
	// PerfEventParanoid is nil when the sysctl could not be read.
	PerfEventParanoid *int   `json:"perf_event_paranoid" yaml:"perf_event_paranoid"`
	EUID              int    `json:"euid" yaml:"euid"`
	IsRoot            bool   `json:"is_root" yaml:"is_root"`
	BTF               bool   `json:"btf" yaml:"btf"`
	PSI               bool   `json:"psi" yaml:"psi"`
	CgroupVersion     int    `json:"cgroup_version" yaml:"cgroup_version"`
	THP               string `json:"thp" yaml:"thp"`
	Container         bool   `json:"container" yaml:"container"`
	ContainerRuntime  string `json:"container_runtime,omitempty" yaml:"container_runtime,omitempty"`
	ContainerID       string `json:"container_id,omitempty" yaml:"container_id,omitempty"`
	Virtualized       bool   `json:"virtualized" yaml:"virtualized"`
	Hypervisor        string `json:"hypervisor,omitempty" yaml:"hypervisor,omitempty"`
	CPUs              int    `json:"cpus" yaml:"cpus"`
	NUMANodes         int    `json:"numa_nodes" yaml:"numa_nodes"`
	BpftraceVersion   string `json:"bpftrace_version,omitempty" yaml:"bpftrace_version,omitempty"`
	// Warnings lists probes that failed and were degraded.
	Warnings   []string  `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	DetectedAt time.Time `json:"detected_at" yaml:"detected_at"`
}

// HasBinary reports whether a non-BCC binary is installed.
func (s *Snapshot) HasBinary(name string) bool {
	return s.Binaries[name]
}

// HasBCCTool reports whether a BCC tool is installed.
func (s *Snapshot) HasBCCTool(name string) bool {
	return s.BCCTools[name]
}

// CanUseBCC reports whether BCC tools can run, with the reason when they cannot.
func (s *Snapshot) CanUseBCC() (bool, string) {
	switch {
	case !s.IsRoot:
		return false, "BCC tools require root (CAP_BPF/CAP_SYS_ADMIN)"
	case s.Kernel.Major > 0 && !s.Kernel.AtLeast(4, 9):
		return false, fmt.Sprintf("kernel %s is older than 4.9", s.Kernel)
	}
	for _, ok := range s.BCCTools {
		if ok {
			return true, ""
		}
	}
	return false, "no BCC tools are installed"
}

// CanUseBpftrace reports whether the bpftrace fallback can run.
func (s *Snapshot) CanUseBpftrace() (bool, string) {
	switch {
	case !s.HasBinary("bpftrace"):
		return false, "bpftrace is not installed"
	case !s.IsRoot:
		return false, "bpftrace requires root"
	}
	return true, ""
}

// CanUsePerf reports whether perf can sample system wide, or only the given process when
// pid is positive.
func (s *Snapshot) CanUsePerf(pid int) (bool, string) {
	limit, scope := 0, "system-wide profiling"
	if pid > 0 {
		limit, scope = 1, "per-process profiling"
	}

	switch {
	case !s.HasBinary("perf"):
		return false, "perf is not installed"
	case s.IsRoot:
		return true, ""
	case s.PerfEventParanoid == nil:
		return false, "perf_event_paranoid is unreadable"
	case *s.PerfEventParanoid > limit:
		return false, fmt.Sprintf("perf_event_paranoid is %d, %s needs root or <= %d", *s.PerfEventParanoid, scope, limit)
	}
	return true, ""
}

// Detector computes and memoizes a Snapshot.
type Detector struct {
	exec   safeexec.Executor
	files  safeexec.FileReader
	logger *logrus.Logger
	pid    int

	mu   sync.Mutex
	snap *Snapshot
}

// NewDetector creates a detector.
func NewDetector(exec safeexec.Executor, files safeexec.FileReader, logger *logrus.Logger) *Detector {
	return &Detector{
		exec:   exec,
		files:  files,
		logger: logger,
		pid:    os.Getpid(),
	}
}

// Detect runs every probe on first use and returns the memoized snapshot afterwards. It
// never fails: each failed probe degrades its own capability and adds a warning.
func (d *Detector) Detect(ctx context.Context) *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap != nil {
		return d.snap
	}

	start := time.Now()
	p := &prober{d: d, snap: &Snapshot{
		Binaries: map[string]bool{},
		BCCTools: map[string]bool{},
	}}

	p.kernel()
	p.privileges()
	p.features()
	p.container()
	p.hardware()
	p.binaries(ctx)
	p.snap.DetectedAt = time.Now().UTC()

	d.logger.WithFields(logrus.Fields{
		"kernel":   p.snap.Kernel.Release,
		"root":     p.snap.IsRoot,
		"btf":      p.snap.BTF,
		"cgroup":   p.snap.CgroupVersion,
		"warnings": len(p.snap.Warnings),
		"took":     time.Since(start),
	}).Debug("capabilities detected")

	d.snap = p.snap
	return d.snap
}

// Cached returns the snapshot of a previous Detect.
func (d *Detector) Cached() (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.snap == nil {
		return nil, ErrNotDetected
	}
	return d.snap, nil
}

// Reset forgets the snapshot so the next Detect probes again.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap = nil
}

type prober struct {
	d    *Detector
	snap *Snapshot
}

func (p *prober) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	p.snap.Warnings = append(p.snap.Warnings, msg)
	p.d.logger.WithField("probe", "capabilities").Debug(msg)
}

func (p *prober) read(path string) (string, bool) {
	content, err := p.d.files.Read(path)
	if err != nil {
		p.warn("%s: %v", path, err)
		return "", false
	}
	return content, true
}

func (p *prober) kernel() {
	release, ok := p.read("/proc/sys/kernel/osrelease")
	if !ok {
		return
	}
	k, ok := ParseKernelRelease(release)
	if !ok {
		p.warn("unrecognized kernel release %q", strings.TrimSpace(release))
	}
	p.snap.Kernel = k
}

func (p *prober) privileges() {
	if content, ok := p.read("/proc/sys/kernel/perf_event_paranoid"); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(content)); err == nil {
			p.snap.PerfEventParanoid = &v
		}
	}

	p.snap.EUID = -1
	status, ok := p.read(fmt.Sprintf("/proc/%d/status", p.d.pid))
	if !ok {
		return
	}
	st := parsers.ParseProcStatus(status)
	if st.HasEUID {
		p.snap.EUID = int(st.EUID)
		p.snap.IsRoot = st.EUID == 0
	}
}

func (p *prober) features() {
	p.snap.BTF = p.d.files.Exists("/sys/kernel/btf/vmlinux")

	// PSI files exist but fail to read when booted with psi=0
	if _, err := p.d.files.Read("/proc/pressure/cpu"); err == nil {
		p.snap.PSI = true
	}

	switch {
	case p.d.files.Exists("/sys/fs/cgroup/cgroup.controllers"):
		p.snap.CgroupVersion = 2
	case p.d.files.Exists("/sys/fs/cgroup/memory"), p.d.files.Exists("/sys/fs/cgroup/cpu"):
		p.snap.CgroupVersion = 1
	}

	if thp, err := p.d.files.Read("/sys/kernel/mm/transparent_hugepage/enabled"); err == nil {
		p.snap.THP = bracketed(thp)
	}
}

func (p *prober) container() {
	switch {
	case p.d.files.Exists("/.dockerenv"):
		p.snap.Container, p.snap.ContainerRuntime = true, "docker"
	case p.d.files.Exists("/run/.containerenv"):
		p.snap.Container, p.snap.ContainerRuntime = true, "podman"
	}

	cgroups, err := p.d.files.Read("/proc/1/cgroup")
	if err != nil {
		return
	}
	if rt, id := ContainerFromCgroup(cgroups); rt != "" {
		p.snap.Container = true
		if p.snap.ContainerRuntime == "" {
			p.snap.ContainerRuntime = rt
		}
		p.snap.ContainerID = id
	}
}

var knownHypervisors = []string{"QEMU", "KVM", "VMware", "Xen", "Microsoft Corporation", "Amazon EC2", "Google", "innotek", "Parallels", "OpenStack", "DigitalOcean"}

func (p *prober) hardware() {
	p.snap.CPUs = runtime.NumCPU()
	if content, ok := p.read("/proc/cpuinfo"); ok {
		info := parsers.ParseCPUInfo(content)
		if info.Processors > 0 {
			p.snap.CPUs = info.Processors
		}
		p.snap.Virtualized = info.Hypervisor
	}

	if vendor, err := p.d.files.Read("/sys/class/dmi/id/sys_vendor"); err == nil {
		vendor = strings.TrimSpace(vendor)
		for _, h := range knownHypervisors {
			if strings.Contains(vendor, h) {
				p.snap.Virtualized = true
				p.snap.Hypervisor = vendor
				break
			}
		}
	}

	p.snap.NUMANodes = 1
	if online, err := p.d.files.Read("/sys/devices/system/node/online"); err == nil {
		if n := countRangeList(online); n > 0 {
			p.snap.NUMANodes = n
		}
	}
}

func (p *prober) binaries(ctx context.Context) {
	for _, b := range Binaries {
		p.snap.Binaries[b] = p.d.exec.Available(b)
	}
	for _, t := range safeexec.BCCTools {
		p.snap.BCCTools[t] = p.d.exec.Available(t)
	}

	if !p.snap.Binaries["bpftrace"] {
		return
	}
	res, err := p.d.exec.Exec(ctx, "bpftrace", []string{"--version"}, safeexec.Options{Timeout: 5 * time.Second})
	if err != nil {
		p.warn("bpftrace --version: %v", err)
		return
	}
	p.snap.BpftraceVersion = strings.TrimSpace(res.Stdout)
}

// bracketed extracts the active choice of "always [madvise] never".
func bracketed(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.IndexByte(s, ']')
	if start < 0 || end <= start {
		return strings.TrimSpace(s)
	}
	return s[start+1 : end]
}

// countRangeList counts the members of a kernel range list such as "0-1,4".
func countRangeList(s string) int {
	n := 0
	for _, part := range strings.Split(strings.TrimSpace(s), ",") {
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			continue
		}
		if !isRange {
			n++
			continue
		}
		b, err := strconv.Atoi(hi)
		if err != nil || b < a {
			continue
		}
		n += b - a + 1
	}
	return n
}
