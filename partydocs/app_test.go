//go:build unit

package partydocs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/stretchr/testify/require"
)

type recordingLogger struct {
	mu      sync.Mutex
	entries []recordedEntry
}

type recordedEntry struct {
	level log.Level
	msg   string
}

func (logger *recordingLogger) Log(_ context.Context, level log.Level, msg string, _ ...log.Field) {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	logger.entries = append(logger.entries, recordedEntry{level: level, msg: msg})
}

func (logger *recordingLogger) With(_ ...log.Field) log.Logger { return logger }
func (logger *recordingLogger) WithGroup(_ string) log.Logger  { return logger }
func (logger *recordingLogger) Enabled(log.Level) bool         { return true }
func (logger *recordingLogger) Sync(context.Context) error     { return nil }

func (logger *recordingLogger) messages() []string {
	logger.mu.Lock()
	defer logger.mu.Unlock()

	messages := make([]string, len(logger.entries))
	for i, entry := range logger.entries {
		messages[i] = entry.msg
	}

	return messages
}

type appFunc func(launcher *Launcher) error

func (fn appFunc) Run(launcher *Launcher) error { return fn(launcher) }

func TestLauncher_Add(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()

	require.ErrorIs(t, launcher.Add("  ", appFunc(func(*Launcher) error { return nil })), ErrEmptyAppName)
	require.ErrorIs(t, launcher.Add("pump", nil), ErrNilApp)
	require.NoError(t, launcher.Add("pump", appFunc(func(*Launcher) error { return nil })))

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.Add("pump", appFunc(func(*Launcher) error { return nil })), ErrNilLauncher)
}

func TestLauncher_RunWithError_RunsAllApps(t *testing.T) {
	t.Parallel()

	var started int32

	launcher := NewLauncher(
		WithLogger(&recordingLogger{}),
		RunApp("pump", appFunc(func(*Launcher) error {
			atomic.AddInt32(&started, 1)

			return nil
		})),
		RunApp("listener", appFunc(func(*Launcher) error {
			atomic.AddInt32(&started, 1)

			return nil
		})),
	)

	require.NoError(t, launcher.RunWithError())
	require.EqualValues(t, 2, atomic.LoadInt32(&started))
}

func TestLauncher_RunWithError_Validation(t *testing.T) {
	t.Parallel()

	var nilLauncher *Launcher
	require.ErrorIs(t, nilLauncher.RunWithError(), ErrNilLauncher)

	require.ErrorIs(t, NewLauncher().RunWithError(), ErrNilLogger)
}

func TestLauncher_RunWithError_CollectsConfigErrors(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher(
		WithLogger(&recordingLogger{}),
		RunApp("", appFunc(func(*Launcher) error { return nil })),
	)

	err := launcher.RunWithError()
	require.ErrorIs(t, err, ErrLauncherConfig)
	require.ErrorIs(t, err, ErrEmptyAppName)
}

func TestLauncher_RunWithError_AppErrorIsLoggedNotReturned(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	launcher := NewLauncher(
		WithLogger(logger),
		RunApp("flaky", appFunc(func(*Launcher) error {
			return errors.New("broker unreachable")
		})),
	)

	require.NoError(t, launcher.RunWithError())
	require.Contains(t, logger.messages(), "app error")
}

func TestLauncher_RunWithError_RecoversAppPanic(t *testing.T) {
	t.Parallel()

	logger := &recordingLogger{}

	launcher := NewLauncher(
		WithLogger(logger),
		RunApp("steady", appFunc(func(*Launcher) error { return nil })),
		RunApp("panicky", appFunc(func(*Launcher) error {
			panic("boom")
		})),
	)

	require.NoError(t, launcher.RunWithError())
	require.Contains(t, logger.messages(), "panic recovered")
	require.Contains(t, logger.messages(), "launcher terminated")
}

func TestLauncher_ZeroValueIsUsable(t *testing.T) {
	t.Parallel()

	launcher := &Launcher{Logger: &recordingLogger{}}

	require.NoError(t, launcher.Add("pump", appFunc(func(*Launcher) error { return nil })))
	require.NoError(t, launcher.RunWithError())
}
