//go:build unit

package zap

import (
	"context"
	"testing"

	logpkg "github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, observed := observer.New(level)
	atomic := zap.NewAtomicLevelAt(level)

	return &Logger{logger: zap.New(core), atomicLevel: atomic}, observed
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, _, err := New(Config{Environment: "qa"})
	require.Error(t, err)

	_, _, err = New(Config{Environment: EnvironmentProduction, Level: "chatty"})
	require.Error(t, err)

	logger, level, err := New(Config{Environment: EnvironmentProduction, Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.Equal(t, zapcore.WarnLevel, level.Level())
	require.False(t, logger.Enabled(logpkg.LevelInfo))
	require.True(t, logger.Enabled(logpkg.LevelError))
}

func TestNew_DefaultLevels(t *testing.T) {
	t.Parallel()

	logger, level, err := New(Config{Environment: EnvironmentDevelopment})
	require.NoError(t, err)
	require.Equal(t, zapcore.DebugLevel, level.Level())
	require.True(t, logger.Enabled(logpkg.LevelDebug))

	logger, level, err = New(Config{Environment: EnvironmentProduction})
	require.NoError(t, err)
	require.Equal(t, zapcore.InfoLevel, level.Level())
	require.False(t, logger.Enabled(logpkg.LevelDebug))
}

func TestLogger_Log(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.LevelWarn, "slow delivery",
		logpkg.String("subscriber", "crm"),
		logpkg.Int("attempt", 3),
	)

	entries := observed.All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
	require.Equal(t, "slow delivery", entries[0].Message)

	fields := entries[0].ContextMap()
	require.Equal(t, "crm", fields["subscriber"])
	require.EqualValues(t, 3, fields["attempt"])
}

func TestLogger_LogUnknownLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)

	logger.Log(context.Background(), logpkg.Level(99), "odd level")

	entries := observed.All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestLogger_With(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)

	child := logger.With(logpkg.String("tenant", "a"))
	child.Log(context.Background(), logpkg.LevelInfo, "scanning")

	entries := observed.All()
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].ContextMap()["tenant"])
}

func TestLogger_WithGroup(t *testing.T) {
	t.Parallel()

	logger, observed := newObservedLogger(zapcore.DebugLevel)

	child := logger.WithGroup("delivery")
	child.Log(context.Background(), logpkg.LevelInfo, "done", logpkg.Int("count", 2))

	entries := observed.All()
	require.Len(t, entries, 1)

	nested, ok := entries[0].ContextMap()["delivery"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 2, nested["count"])
}

func TestLogger_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	logger.Log(context.Background(), logpkg.LevelError, "ignored")
	require.False(t, logger.Enabled(logpkg.LevelError))
	require.NotNil(t, logger.Raw())
}

func TestLogger_Sync(t *testing.T) {
	t.Parallel()

	logger, _ := newObservedLogger(zapcore.InfoLevel)
	require.NoError(t, logger.Sync(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, logger.Sync(cancelled), context.Canceled)
}

func TestLogger_Level(t *testing.T) {
	t.Parallel()

	logger, _, err := New(Config{Environment: EnvironmentProduction, Level: "info"})
	require.NoError(t, err)

	logger.Level().SetLevel(zapcore.ErrorLevel)
	require.False(t, logger.Enabled(logpkg.LevelWarn))
	require.True(t, logger.Enabled(logpkg.LevelError))
}
