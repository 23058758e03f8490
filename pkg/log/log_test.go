package log

import (
	"testing"

	utesting "github.com/kube-tarian/perftriage/pkg/testing"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestConfigureLogger(t *testing.T) {
	ConfigureLogger("debug", "json")
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)

	ConfigureLogger("not-a-level", "text")
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())
}

func TestMiniLogFormat(t *testing.T) {
	ConfigureLogger("info", "text")
	logOutput := []byte{}
	GetLogger().SetOutput(&utesting.LogOutputWriter{Output: &logOutput})
	MiniLogFormat()

	GetLogger().WithField("tool", "biolatency").Info("falling back")

	assert.Equal(t, "falling back tool=biolatency", utesting.CleanLog(string(logOutput)))
}
