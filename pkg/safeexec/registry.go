// Package safeexec is the only path through which diagnostic code spawns processes or reads
// host files. Every command and argument is checked against an immutable allowlist before
// anything is created, and no shell is ever involved.
package safeexec

import (
	"os"
	"sort"

	"github.com/scylladb/go-set/strset"
)

// AllowedCommand is the allowlist entry of one host binary.
type AllowedCommand struct {
	// Name is the logical command name callers use.
	Name string
	// Path is the canonical location of the binary.
	Path string
	// AltPaths are distro-specific locations tried after Path.
	AltPaths []string
	// AllowedArgs holds the flags and literals the command accepts. A flag also
	// accepts the "flag=value" form.
	AllowedArgs *strset.Set
	// AllowsNumericArgs permits bare numeric arguments (intervals, counts, pids).
	AllowsNumericArgs bool
}

// Registry is an immutable set of AllowedCommand entries keyed by name.
type Registry struct {
	commands map[string]AllowedCommand
}

// NewRegistry builds a registry. Later entries with the same name replace earlier ones.
func NewRegistry(commands ...AllowedCommand) *Registry {
	r := &Registry{commands: make(map[string]AllowedCommand, len(commands))}
	for _, c := range commands {
		if c.AllowedArgs == nil {
			c.AllowedArgs = strset.New()
		}
		r.commands[c.Name] = c
	}
	return r
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (AllowedCommand, bool) {
	c, ok := r.commands[name]
	return c, ok
}

// Names returns the registered command names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for n := range r.commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the first existing path of the command, or "" when none exists.
func (r *Registry) Resolve(name string) string {
	c, ok := r.commands[name]
	if !ok {
		return ""
	}
	for _, p := range append([]string{c.Path}, c.AltPaths...) {
		if st, err := os.Stat(p); err == nil && !st.IsDir() && st.Mode()&0o111 != 0 {
			return p
		}
	}
	return ""
}

// BCCTools lists the BCC tools the runtime knows about.
var BCCTools = []string{
	"execsnoop", "opensnoop", "biolatency", "biosnoop", "runqlat", "cpudist",
	"tcplife", "tcpconnect", "tcpretrans", "syscount", "offcputime",
	"gethostlatency", "filelife", "fileslower", "vfsstat", "ext4slower", "cachestat",
}

func bccCommand(name string, numeric bool, args ...string) AllowedCommand {
	return AllowedCommand{
		Name: name,
		Path: "/usr/share/bcc/tools/" + name,
		AltPaths: []string{
			"/usr/sbin/" + name + "-bpfcc",
			"/usr/sbin/" + name,
			"/usr/local/share/bcc/tools/" + name,
		},
		AllowedArgs:       strset.New(append(args, "-h")...),
		AllowsNumericArgs: numeric,
	}
}

// DefaultRegistry returns the allowlist of every host binary the diagnostic tools use.
func DefaultRegistry() *Registry {
	return NewRegistry(
		AllowedCommand{
			Name:     "perf",
			Path:     "/usr/bin/perf",
			AltPaths: []string{"/usr/local/bin/perf", "/usr/sbin/perf"},
			AllowedArgs: strset.New(
				"record", "report", "stat", "-F", "-a", "-g", "-p", "-o", "-i", "-q",
				"--stdio", "--sort", "--no-children", "--percent-limit", "--header",
				"--quiet", "--", "sleep", "--version",
			),
			AllowsNumericArgs: true,
		},
		AllowedCommand{
			Name:              "iostat",
			Path:              "/usr/bin/iostat",
			AltPaths:          []string{"/bin/iostat"},
			AllowedArgs:       strset.New("-x", "-z", "-d", "-k", "-m", "-y", "-p", "-t", "ALL", "-V"),
			AllowsNumericArgs: true,
		},
		AllowedCommand{
			Name:     "sar",
			Path:     "/usr/bin/sar",
			AltPaths: []string{"/bin/sar"},
			AllowedArgs: strset.New(
				"-u", "-r", "-b", "-n", "-q", "-d", "-P", "-W", "-B",
				"DEV", "EDEV", "TCP", "ETCP", "ALL", "-V",
			),
			AllowsNumericArgs: true,
		},
		AllowedCommand{
			Name:              "vmstat",
			Path:              "/usr/bin/vmstat",
			AltPaths:          []string{"/bin/vmstat"},
			AllowedArgs:       strset.New("-w", "-S", "-t", "-a", "-V"),
			AllowsNumericArgs: true,
		},
		AllowedCommand{
			Name:        "ss",
			Path:        "/usr/bin/ss",
			AltPaths:    []string{"/usr/sbin/ss", "/bin/ss", "/sbin/ss"},
			AllowedArgs: strset.New("-s", "-t", "-u", "-n", "-a", "-i", "-m", "-l", "-e", "-H", "-4", "-6", "-V"),
		},
		AllowedCommand{
			Name:        "nstat",
			Path:        "/usr/bin/nstat",
			AltPaths:    []string{"/usr/sbin/nstat", "/sbin/nstat"},
			AllowedArgs: strset.New("-a", "-z", "-s", "-V"),
		},
		AllowedCommand{
			Name:        "bpftool",
			Path:        "/usr/sbin/bpftool",
			AltPaths:    []string{"/usr/bin/bpftool", "/usr/local/sbin/bpftool"},
			AllowedArgs: strset.New("feature", "probe", "prog", "list", "btf", "-j", "--json", "version"),
		},
		AllowedCommand{
			Name:        "bpftrace",
			Path:        "/usr/bin/bpftrace",
			AltPaths:    []string{"/usr/local/bin/bpftrace", "/usr/sbin/bpftrace"},
			AllowedArgs: strset.New("-q", "--version", "--no-warnings"),
		},

		bccCommand("execsnoop", true, "-T", "-t", "-x", "-q", "-U", "--max-args"),
		bccCommand("opensnoop", true, "-T", "-U", "-x", "-p", "-t", "-d", "-e", "-F"),
		bccCommand("biolatency", true, "-T", "-Q", "-m", "-D", "-F", "-e"),
		bccCommand("biosnoop", true, "-Q", "-d"),
		bccCommand("runqlat", true, "-T", "-m", "-P", "-L", "-p"),
		bccCommand("cpudist", true, "-O", "-T", "-m", "-P", "-L", "-p"),
		bccCommand("tcplife", true, "-T", "-t", "-w", "-s", "-p", "-L", "-D"),
		bccCommand("tcpconnect", true, "-t", "-p", "-P", "-U", "-c"),
		bccCommand("tcpretrans", false, "-l", "-c"),
		bccCommand("syscount", true, "-p", "-i", "-d", "-T", "-x", "-e", "-L", "-m", "-P", "-l"),
		bccCommand("offcputime", true, "-p", "-t", "-u", "-k", "-U", "-K", "-d", "-f", "-m", "-M", "--stack-storage-size"),
		bccCommand("gethostlatency", true, "-p"),
		bccCommand("filelife", true, "-p"),
		bccCommand("fileslower", true, "-p", "-a"),
		bccCommand("vfsstat", true),
		bccCommand("ext4slower", true, "-j", "-p"),
		bccCommand("cachestat", true, "-T"),
	)
}
