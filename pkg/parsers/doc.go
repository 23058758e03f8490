// Package parsers turns the text dialects of procfs, sysfs, cgroup v2 files and the
// host diagnostic tools into typed values.
//
// Every parser is total: malformed or truncated input yields a partial or zero value,
// never an error or a panic. Callers decide whether an empty result deserves a warning.
package parsers
