package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"", FormatConsole, FormatJSON} {
		logger, err := New("debug", format)
		require.NoError(t, err)
		require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	}

	logger, err := New("", "")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	logger, err = New("WARN", "console")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "console")
	require.Error(t, err)

	_, err = New("info", "xml")
	require.Error(t, err)
}
