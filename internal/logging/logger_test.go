package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	require.Equal(t, zapcore.WarnLevel, ParseLevel(" warning "))
	require.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	require.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	require.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestNewLoggerWritesToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "freeclaim.log")

	logger, err := NewLogger("info", logPath)
	require.NoError(t, err)

	logger.Debug("hidden entry")
	logger.Info("claim finished")
	_ = logger.Sync()

	contents, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(contents), "claim finished")
	require.NotContains(t, string(contents), "hidden entry")
}
