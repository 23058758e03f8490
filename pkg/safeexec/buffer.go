package safeexec

import (
	"bytes"
	"io"
	"strings"
	"time"
)

// limitedBuffer keeps at most max bytes and keeps accepting writes after that so the child
// never blocks on a full pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int64
	truncated bool
	discarded int64

	first   chan struct{}
	firstAt time.Time
}

func newLimitedBuffer(max int64) *limitedBuffer {
	return &limitedBuffer{max: max, first: make(chan struct{})}
}

func (lb *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n > 0 && lb.firstAt.IsZero() {
		lb.firstAt = time.Now()
		close(lb.first)
	}

	remaining := lb.max - int64(lb.buf.Len())
	if remaining <= 0 {
		lb.truncated = true
		lb.discarded += int64(n)
		return n, nil
	}
	if int64(n) > remaining {
		lb.truncated = true
		lb.discarded += int64(n) - remaining
		lb.buf.Write(p[:remaining])
		return n, nil
	}

	lb.buf.Write(p)
	return n, nil
}

func (lb *limitedBuffer) String() string {
	return lb.buf.String()
}

func stringsReader(s string) io.Reader {
	return strings.NewReader(s)
}
