package bcc

import (
	"bytes"
	"embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/kube-tarian/perftriage/pkg/perferr"
)

//go:embed scripts/*.bt
var scriptFS embed.FS

var scripts = template.Must(
	template.New("scripts").Option("missingkey=error").ParseFS(scriptFS, "scripts/*.bt"),
)

// ScriptParams are the only values a fallback script can interpolate. They are integers,
// so no caller-controlled text ever reaches a program.
type ScriptParams struct {
	DurationSec  int
	PID          int
	MinLatencyMs int
}

// Validate checks the parameter bounds.
func (p ScriptParams) Validate() error {
	switch {
	case p.DurationSec < 1 || p.DurationSec > 60:
		return perferr.New(perferr.CodeInvalidDuration, "fallback duration %d is outside [1,60]s", p.DurationSec)
	case p.PID < 0:
		return perferr.New(perferr.CodeInvalidPID, "fallback pid %d is negative", p.PID)
	case p.MinLatencyMs < 0 || p.MinLatencyMs > 60000:
		return perferr.New(perferr.CodeInvalidParams, "fallback min latency %dms is outside [0,60000]", p.MinLatencyMs)
	}
	return nil
}

// Scripts lists the embedded fallback scripts by name.
func Scripts() []string {
	var names []string
	for _, t := range scripts.Templates() {
		if strings.HasSuffix(t.Name(), ".bt") {
			names = append(names, strings.TrimSuffix(t.Name(), ".bt"))
		}
	}
	sort.Strings(names)
	return names
}

// RenderScript fills in an embedded script.
func RenderScript(name string, params ScriptParams) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	t := scripts.Lookup(name + ".bt")
	if t == nil {
		return "", perferr.New(perferr.CodeInvalidParams, "unknown fallback script %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, params); err != nil {
		return "", perferr.Wrap(perferr.CodeExecutionFailed, err, "render fallback script %s", name)
	}
	return buf.String(), nil
}

func scriptKey(name string) string {
	return fmt.Sprintf("bpftrace:%s", name)
}
