// Package output defines the envelope every tool handler returns.
package output

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kube-tarian/perftriage/pkg/perferr"
)

// Version is stamped into every envelope.
var Version = "dev"

var (
	hostOnce sync.Once
	hostName string
)

func host() string {
	hostOnce.Do(func() {
		h, err := os.Hostname()
		if err != nil {
			h = "unknown"
		}
		hostName = h
	})
	return hostName
}

// StandardOutput is the result of one tool invocation.
type StandardOutput[T any] struct {
	Tool       string         `json:"tool" yaml:"tool"`
	Version    string         `json:"version" yaml:"version"`
	Timestamp  time.Time      `json:"timestamp" yaml:"timestamp"`
	Host       string         `json:"host" yaml:"host"`
	DurationMs int64          `json:"duration_ms" yaml:"duration_ms"`
	Success    bool           `json:"success" yaml:"success"`
	Params     map[string]any `json:"params" yaml:"params"`
	Findings   []Finding      `json:"findings" yaml:"findings"`
	Evidence   []Evidence     `json:"evidence" yaml:"evidence"`
	Data       T              `json:"data" yaml:"data"`
	Summary    string         `json:"summary" yaml:"summary"`
	Warnings   []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Error      *perferr.Error `json:"error,omitempty" yaml:"error,omitempty"`
}

// Options are the optional parts of a StandardOutput.
type Options struct {
	Success    bool
	DurationMs int64
	Findings   []Finding
	Evidence   []Evidence
	// Summary defaults to GenerateSummary(Findings).
	Summary  string
	Warnings []string
	Error    error
}

// New builds an envelope.
func New[T any](tool string, params map[string]any, data T, opts Options) *StandardOutput[T] {
	o := &StandardOutput[T]{
		Tool:       tool,
		Version:    Version,
		Timestamp:  time.Now().UTC(),
		Host:       host(),
		DurationMs: opts.DurationMs,
		Success:    opts.Success,
		Params:     params,
		Findings:   opts.Findings,
		Evidence:   opts.Evidence,
		Data:       data,
		Summary:    opts.Summary,
		Warnings:   opts.Warnings,
		Error:      perferr.From(opts.Error),
	}
	if o.Params == nil {
		o.Params = map[string]any{}
	}
	if o.Findings == nil {
		o.Findings = []Finding{}
	}
	if o.Evidence == nil {
		o.Evidence = []Evidence{}
	}
	if o.Summary == "" {
		if o.Error != nil && !o.Success {
			o.Summary = o.Error.Message
		} else {
			o.Summary = GenerateSummary(o.Findings)
		}
	}
	return o
}

// Failed builds an unsuccessful envelope around err.
func Failed[T any](tool string, params map[string]any, start time.Time, err error, warnings ...string) *StandardOutput[T] {
	var zero T
	return New(tool, params, zero, Options{
		DurationMs: time.Since(start).Milliseconds(),
		Error:      err,
		Warnings:   warnings,
	})
}

// Result is the type-erased view of a StandardOutput used by callers that handle many tools.
type Result interface {
	ToolName() string
	Succeeded() bool
	FindingList() []Finding
	EvidenceList() []Evidence
	Err() *perferr.Error
	Legacy() LegacyEnvelope
}

func (o *StandardOutput[T]) ToolName() string         { return o.Tool }
func (o *StandardOutput[T]) Succeeded() bool          { return o.Success }
func (o *StandardOutput[T]) FindingList() []Finding   { return o.Findings }
func (o *StandardOutput[T]) EvidenceList() []Evidence { return o.Evidence }
func (o *StandardOutput[T]) Err() *perferr.Error      { return o.Error }

// LegacyEnvelope is the flat result shape older callers consume.
type LegacyEnvelope struct {
	Success     bool           `json:"success" yaml:"success"`
	Tool        string         `json:"tool" yaml:"tool"`
	ToolVersion string         `json:"tool_version" yaml:"tool_version"`
	Timestamp   time.Time      `json:"timestamp" yaml:"timestamp"`
	Host        string         `json:"host" yaml:"host"`
	DurationMs  int64          `json:"duration_ms" yaml:"duration_ms"`
	Data        any            `json:"data,omitempty" yaml:"data,omitempty"`
	Error       *perferr.Error `json:"error,omitempty" yaml:"error,omitempty"`
	Truncated   bool           `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	Warnings    []string       `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Legacy converts the envelope. Truncation is reported through the OUTPUT_TRUNCATED warning.
func (o *StandardOutput[T]) Legacy() LegacyEnvelope {
	env := LegacyEnvelope{
		Success:     o.Success,
		Tool:        o.Tool,
		ToolVersion: o.Version,
		Timestamp:   o.Timestamp,
		Host:        o.Host,
		DurationMs:  o.DurationMs,
		Error:       o.Error,
		Warnings:    o.Warnings,
	}
	if o.Success {
		env.Data = o.Data
	}
	for _, w := range o.Warnings {
		if strings.HasPrefix(w, string(perferr.CodeOutputTruncated)) {
			env.Truncated = true
		}
	}
	return env
}

// TruncatedWarning is the soft-degradation warning attached when tool output was capped.
func TruncatedWarning(tool string) string {
	return string(perferr.CodeOutputTruncated) + ": " + tool + " output exceeded the capture limit and was truncated"
}
