package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofkm/agenthost/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("level and json format", func(t *testing.T) {
		log, err := New(config.LogConfig{Level: "warn", Format: "json", Output: "stderr"})
		require.NoError(t, err)
		assert.Equal(t, logrus.WarnLevel, log.GetLevel())
		assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		log, err := New(config.LogConfig{Level: "loud", Format: "text", Output: "stdout"})
		require.NoError(t, err)
		assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := New(config.LogConfig{Level: "info", Format: "xml"})
		assert.Error(t, err)
	})

	t.Run("file output requires path", func(t *testing.T) {
		_, err := New(config.LogConfig{Level: "info", Output: "file"})
		assert.Error(t, err)
	})

	t.Run("file output writes to rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "agenthost.log")
		log, err := New(config.LogConfig{Level: "info", Format: "text", Output: "file", FilePath: path, MaxSize: 1})
		require.NoError(t, err)

		log.Info("hello from test")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "hello from test")
	})
}

func TestDiscard(t *testing.T) {
	log := Discard()
	log.Error("nothing to see")
}
