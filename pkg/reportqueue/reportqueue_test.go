package reportqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kube-tarian/perftriage/pkg/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNATSQueueRequiresConnection(t *testing.T) {
	q := NewNATSQueue(log.Discard(), "nats://127.0.0.1:4222", "perftriage.reports")
	var _ Publisher = q
	var _ Subscriber = q

	assert.ErrorContains(t, q.Publish(struct{}{}), "not connected")
	assert.ErrorContains(t, q.Subscribe(), "not connected")
	_, err := q.NextMessage()
	assert.ErrorContains(t, err, "not subscribed")
	assert.NotPanics(t, q.Close)
}

func TestNATSQueueConnectFailure(t *testing.T) {
	q := NewNATSQueue(log.Discard(), "nats://127.0.0.1:1", "perftriage.reports", nats.Timeout(200*time.Millisecond))

	err := q.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS server")
	assert.Nil(t, q.Conn)
}

func TestTLSOptions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		opts, err := TLSOptions(log.Discard(), false, false, "/does/not/exist")
		require.NoError(t, err)
		assert.Empty(t, opts)
	})

	t.Run("enabled", func(t *testing.T) {
		opts, err := TLSOptions(log.Discard(), true, true, "")
		require.NoError(t, err)
		require.Len(t, opts, 1)

		var o nats.Options
		require.NoError(t, opts[0](&o))
		assert.True(t, o.Secure)
		require.NotNil(t, o.TLSConfig)
		assert.True(t, o.TLSConfig.InsecureSkipVerify)
	})

	t.Run("missing ca file", func(t *testing.T) {
		_, err := TLSOptions(log.Discard(), true, false, filepath.Join(t.TempDir(), "ca.pem"))
		assert.ErrorContains(t, err, "failed to read NATS TLS CA file")
	})

	t.Run("invalid ca file is logged", func(t *testing.T) {
		caFile := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(caFile, []byte("not a certificate"), 0o600))

		opts, err := TLSOptions(log.Discard(), true, false, caFile)
		require.NoError(t, err)
		assert.Len(t, opts, 1)
	})
}
