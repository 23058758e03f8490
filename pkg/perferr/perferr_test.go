package perferr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesDefaults(t *testing.T) {
	err := New(CodeTimeout, "biolatency did not finish in %s", "10s")

	assert.Equal(t, CodeTimeout, err.Code)
	assert.True(t, err.Recoverable)
	assert.NotEmpty(t, err.Suggestion)
	assert.Equal(t, "TIMEOUT: biolatency did not finish in 10s", err.Error())
}

func TestInputErrorsAreNotRecoverable(t *testing.T) {
	for _, code := range []Code{CodeInvalidParams, CodeInvalidDuration, CodeInvalidPID, CodeInvalidPath, CodeToolNotFound} {
		assert.False(t, New(code, "x").Recoverable, code)
	}
}

func TestWrapKeepsChain(t *testing.T) {
	cause := errors.New("exec: not found")
	err := fmt.Errorf("tools: syscount: %w", Wrap(CodeToolNotFound, cause, "syscount missing"))

	assert.Equal(t, CodeToolNotFound, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, New(CodeToolNotFound, ""))
	assert.False(t, IsRecoverable(err))
}

func TestFrom(t *testing.T) {
	require.Nil(t, From(nil))

	e := From(errors.New("boom"))
	assert.Equal(t, CodeExecutionFailed, e.Code)

	orig := New(CodeParseError, "bad")
	assert.Same(t, orig, From(fmt.Errorf("wrapped: %w", orig)))
}

func TestWithSuggestion(t *testing.T) {
	err := New(CodeFeatureUnavailable, "no BTF").WithSuggestion("install kernel headers")
	assert.Equal(t, "install kernel headers", err.Suggestion)
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
