// Package perferr defines the machine-readable error taxonomy shared by every
// component that talks to the host.
package perferr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	// Input rejection. Never recoverable, always rejected before execution.
	CodeInvalidParams   Code = "INVALID_PARAMS"
	CodeInvalidDuration Code = "INVALID_DURATION"
	CodeInvalidPID      Code = "INVALID_PID"
	CodeInvalidPath     Code = "INVALID_PATH"

	// Privilege and feature gaps.
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeCapabilityMissing  Code = "CAPABILITY_MISSING"
	CodeFeatureUnavailable Code = "FEATURE_UNAVAILABLE"

	// Target absent.
	CodeToolNotFound   Code = "TOOL_NOT_FOUND"
	CodeDeviceNotFound Code = "DEVICE_NOT_FOUND"
	CodePIDNotFound    Code = "PID_NOT_FOUND"
	CodeCgroupNotFound Code = "CGROUP_NOT_FOUND"
	CodeFileNotFound   Code = "FILE_NOT_FOUND"

	// Transient.
	CodeTimeout Code = "TIMEOUT"

	// Execution and parsing.
	CodeExecutionFailed Code = "EXECUTION_FAILED"
	CodeParseError      Code = "PARSE_ERROR"

	// Soft degradation, reported as warnings on successful results.
	CodeOutputTruncated Code = "OUTPUT_TRUNCATED"
	CodeProfilerBusy    Code = "PROFILER_BUSY"
)

var recoverableCodes = map[Code]bool{
	CodeTimeout:         true,
	CodeExecutionFailed: true,
	CodeParseError:      true,
	CodeOutputTruncated: true,
	CodeProfilerBusy:    true,
}

var defaultSuggestions = map[Code]string{
	CodeInvalidParams:      "Check the arguments against the allowed flags of the tool.",
	CodeInvalidDuration:    "Use a duration between 1 and 60 seconds.",
	CodeInvalidPID:         "Use a positive integer process ID.",
	CodeInvalidPath:        "Only absolute procfs, sysfs and cgroup paths from the allowlist can be read.",
	CodePermissionDenied:   "Run as root or grant CAP_BPF/CAP_PERFMON/CAP_SYS_ADMIN.",
	CodeCapabilityMissing:  "Install the missing kernel feature or tool, or use a non-eBPF tool.",
	CodeFeatureUnavailable: "The host does not support this feature; use an alternative tool.",
	CodeToolNotFound:       "Install the package providing the tool (e.g. bcc-tools, bpftrace, sysstat, linux-tools).",
	CodeDeviceNotFound:     "Check the device name against /proc/diskstats.",
	CodePIDNotFound:        "The process may have exited; verify the PID.",
	CodeCgroupNotFound:     "The process is not in a cgroup v2 hierarchy or the cgroup was removed.",
	CodeFileNotFound:       "The file does not exist on this kernel.",
	CodeTimeout:            "Retry, or increase the duration to allow for eBPF compilation.",
	CodeExecutionFailed:    "Retry; inspect stderr for the cause.",
	CodeParseError:         "Retry; the tool output format may differ on this version.",
	CodeOutputTruncated:    "Reduce the duration or narrow the filter to get complete output.",
	CodeProfilerBusy:       "Another profiler is running; retry later.",
}

// Error is the error type returned across component boundaries.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"message"`
	Suggestion  string `json:"suggestion,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Stderr      string `json:"stderr,omitempty"`
	cause       error
}

// New creates an error with the default suggestion for the code.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:        code,
		Message:     fmt.Sprintf(format, args...),
		Suggestion:  defaultSuggestions[code],
		Recoverable: recoverableCodes[code],
	}
}

// Wrap creates an error that keeps cause in its chain.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.cause = cause
	return e
}

// WithSuggestion replaces the remediation suggestion.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// WithStderr attaches a stderr excerpt for diagnostics.
func (e *Error) WithStderr(stderr string) *Error {
	e.Stderr = stderr
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same code, so errors.Is(err, perferr.New(CodeTimeout, ""))
// works as a code comparison.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRecoverable reports whether a retry can succeed.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// From converts any error into an *Error, defaulting to EXECUTION_FAILED.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeExecutionFailed, err, "unexpected error")
}
