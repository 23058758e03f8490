package stringutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "日本", Truncate("日本語", 2))
}

func TestEllipsis(t *testing.T) {
	assert.Equal(t, "short", Ellipsis("short", 10))
	assert.Equal(t, "abcd...", Ellipsis("abcdefghij", 7))
	assert.Equal(t, "ab", Ellipsis("abcdef", 2))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "def", Tail("abcdef", 3))
	assert.Equal(t, "abc", Tail("abc", 10))
	assert.Equal(t, "", Tail("abc", 0))
}
