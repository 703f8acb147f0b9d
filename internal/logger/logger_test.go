package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unibox/backend/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("写入轮转文件", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "logs", "unibox.log")
		log, err := NewLogger(config.LogConfig{Level: "info", File: file, MaxSizeMB: 1})
		require.NoError(t, err)

		log.Info("hello")
		_ = log.Sync()

		data, err := os.ReadFile(file)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"hello"`)
	})

	t.Run("无效级别回退到 info", func(t *testing.T) {
		log, err := NewLogger(config.LogConfig{Level: "loud"})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(-1))
		assert.True(t, log.Core().Enabled(0))
	})
}
