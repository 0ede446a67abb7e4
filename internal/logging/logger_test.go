package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLoggerValidatesConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format must be")
}

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		t.Run(format, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Format = format
			logger, err := NewLogger(cfg)
			require.NoError(t, err)
			assert.NotNil(t, logger.Underlying())
		})
	}
}

func TestEnabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.WarnLevel

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	assert.True(t, logger.Enabled(zapcore.ErrorLevel))
	assert.True(t, logger.Enabled(zapcore.WarnLevel))
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithFields(ctx, zap.String("run_id", "abc"))
	ctx = WithFields(ctx, zap.Int("page", 3))

	fields := ContextFields(ctx)
	require.Len(t, fields, 2)
	assert.Equal(t, "run_id", fields[0].Key)
	assert.Equal(t, "page", fields[1].Key)
}

func TestNopLoggerIsSafe(t *testing.T) {
	logger := NewNop()
	logger.Debug(context.Background(), "quiet")
	logger.Info(context.Background(), "quiet")
	logger.Warn(context.Background(), "quiet")
	logger.Error(context.Background(), "quiet")
	assert.NoError(t, logger.Sync())
}
