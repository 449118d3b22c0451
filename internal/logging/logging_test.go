package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		enabled       zapcore.Level
		disabled      zapcore.Level
	}{
		{"info", "console", zapcore.InfoLevel, zapcore.DebugLevel},
		{"DEBUG", "json", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn", "", zapcore.WarnLevel, zapcore.InfoLevel},
	}
	for _, tt := range tests {
		logger, err := New(tt.level, tt.format)
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(tt.enabled), tt.level)
		assert.False(t, logger.Core().Enabled(tt.disabled), tt.level)
	}
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New("loud", "console")
	assert.ErrorContains(t, err, "invalid log level")
}
