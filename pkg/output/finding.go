package output

import (
	"time"
)

// Severity of a Finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
	SeverityOK       Severity = "ok"
)

// Weight orders severities for ranking. ok weighs nothing.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// Finding categories.
const (
	CategoryCPU     = "cpu"
	CategoryMemory  = "memory"
	CategoryIO      = "io"
	CategoryNetwork = "network"
	CategoryProcess = "process"
	CategorySystem  = "system"
)

// DefaultConfidence is used when a finding does not state its own.
const DefaultConfidence = 80

// Finding is one diagnostic observation.
type Finding struct {
	ID          string             `json:"id" yaml:"id"`
	Severity    Severity           `json:"severity" yaml:"severity"`
	Title       string             `json:"title" yaml:"title"`
	Description string             `json:"description" yaml:"description"`
	Category    string             `json:"category" yaml:"category"`
	Confidence  int                `json:"confidence" yaml:"confidence"`
	Metrics     map[string]float64 `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Suggestion  string             `json:"suggestion,omitempty" yaml:"suggestion,omitempty"`
}

// FindingOption customizes a Finding.
type FindingOption func(*Finding)

// WithConfidence sets the confidence, clamped to [0,100].
func WithConfidence(c int) FindingOption {
	return func(f *Finding) {
		switch {
		case c < 0:
			c = 0
		case c > 100:
			c = 100
		}
		f.Confidence = c
	}
}

// WithMetrics attaches the numbers the finding was derived from.
func WithMetrics(m map[string]float64) FindingOption {
	return func(f *Finding) { f.Metrics = m }
}

// WithSuggestion attaches a remediation hint.
func WithSuggestion(s string) FindingOption {
	return func(f *Finding) { f.Suggestion = s }
}

// NewFinding creates a finding with the default confidence.
func NewFinding(id string, severity Severity, category, title, description string, opts ...FindingOption) Finding {
	f := Finding{
		ID:          id,
		Severity:    severity,
		Title:       title,
		Description: description,
		Category:    category,
		Confidence:  DefaultConfidence,
	}
	for _, o := range opts {
		o(&f)
	}
	return f
}

// EvidenceType classifies Evidence.
type EvidenceType string

const (
	EvidenceMetric  EvidenceType = "metric"
	EvidenceTrace   EvidenceType = "trace"
	EvidenceProfile EvidenceType = "profile"
	EvidenceLog     EvidenceType = "log"
	EvidenceSample  EvidenceType = "sample"
)

// Evidence is raw or derived data backing findings.
type Evidence struct {
	Source    string       `json:"source" yaml:"source"`
	Type      EvidenceType `json:"type" yaml:"type"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
	Data      any          `json:"data" yaml:"data"`
	RawRef    string       `json:"raw_ref,omitempty" yaml:"raw_ref,omitempty"`
}

// NewEvidence stamps evidence with the current time.
func NewEvidence(source string, typ EvidenceType, data any) Evidence {
	return Evidence{
		Source:    source,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}
