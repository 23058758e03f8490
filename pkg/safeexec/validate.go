package safeexec

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kube-tarian/perftriage/pkg/perferr"
)

// shellMetachars are rejected anywhere in an argument even though no shell is used,
// so the same argument can never become dangerous if it is logged and replayed.
const shellMetachars = ";|&$`()<>\\'\"{}*?!\n\r"

var (
	numericArgRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
	bareTokenRe  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)
	absPathRe    = regexp.MustCompile(`^/[A-Za-z0-9_./@:+-]*$`)
)

// Validate checks a call against the registry without side effects. The first argument that
// fails every accepted category aborts the whole call.
func (r *Registry) Validate(name string, args []string) error {
	cmd, ok := r.Lookup(name)
	if !ok {
		return perferr.New(perferr.CodeInvalidParams, "command %q is not allowed", name)
	}

	for i, arg := range args {
		if err := validateArg(cmd, arg); err != nil {
			return perferr.New(perferr.CodeInvalidParams, "%s: argument %d %q rejected: %s", name, i, arg, err.reason)
		}
	}

	return nil
}

type argError struct{ reason string }

func validateArg(cmd AllowedCommand, arg string) *argError {
	if arg == "" {
		return &argError{"empty argument"}
	}
	if strings.ContainsAny(arg, shellMetachars) {
		return &argError{"shell metacharacter"}
	}
	for _, r := range arg {
		if unicode.IsControl(r) {
			return &argError{"control character"}
		}
	}

	if cmd.AllowedArgs.Has(arg) {
		return nil
	}
	if idx := strings.Index(arg, "="); idx > 0 && cmd.AllowedArgs.Has(arg[:idx]) {
		return validateValue(cmd, arg[idx+1:])
	}
	if strings.HasPrefix(arg, "-") {
		return &argError{"flag not in allowlist"}
	}

	return validateValue(cmd, arg)
}

func validateValue(cmd AllowedCommand, v string) *argError {
	switch {
	case numericArgRe.MatchString(v):
		if !cmd.AllowsNumericArgs {
			return &argError{"numeric arguments not allowed"}
		}
		return nil
	case bareTokenRe.MatchString(v):
		return nil
	case absPathRe.MatchString(v) && !hasDotDot(v):
		return nil
	case strings.Contains(v, ",") && allBareTokens(strings.Split(v, ",")):
		// comma lists such as perf's --sort=comm,dso,sym
		return nil
	}
	return &argError{"unrecognized argument form"}
}

func allBareTokens(parts []string) bool {
	for _, p := range parts {
		if !bareTokenRe.MatchString(p) {
			return false
		}
	}
	return true
}

func hasDotDot(p string) bool {
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
