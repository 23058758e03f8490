// Package testing holds helpers shared by package tests.
package testing

import (
	"regexp"
	"strings"
)

// LogOutputWriter is a writer for log output.
type LogOutputWriter struct {
	// Output is the log output.
	Output *[]byte
}

// Write writes the log output.
func (w *LogOutputWriter) Write(p []byte) (n int, err error) {
	*w.Output = append(*w.Output, p...)
	return len(p), nil
}

var (
	levelPrefixRe = regexp.MustCompile(`level=\S+\s+msg=`)
	spaceRe       = regexp.MustCompile(`\s+`)
)

// CleanLog strips level/msg prefixes of the mini log format and collapses whitespace.
func CleanLog(input string) string {
	input = levelPrefixRe.ReplaceAllString(input, "")
	input = spaceRe.ReplaceAllString(input, " ")
	return strings.TrimSpace(input)
}
