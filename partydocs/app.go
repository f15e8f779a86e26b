// Package partydocs provides the shared application plumbing for the
// party document delivery pipeline: the component launcher, the
// request-scoped tracking context, and small shared helpers.
package partydocs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/meridianpm/lib-partydocs/partydocs/log"
	"github.com/meridianpm/lib-partydocs/partydocs/runtime"
)

var (
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrNilLogger is returned when the launcher has no logger configured.
	ErrNilLogger = errors.New("logger is nil")
	// ErrEmptyAppName is returned when an app name is empty or whitespace.
	ErrEmptyAppName = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is registered.
	ErrNilApp = errors.New("app is nil")
	// ErrLauncherConfig is returned when option application collected errors.
	ErrLauncherConfig = errors.New("launcher configuration failed")
)

// App is a long-lived pipeline component managed by the Launcher: the
// notification pump, the change listeners, the unprocessed monitor and
// the retention sweeper all implement it.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(launcher *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(launcher *Launcher) {
		launcher.Logger = logger
	}
}

// RunApp registers an application under the given name. Registration
// errors are collected and surfaced when RunWithError is called.
func RunApp(name string, app App) LauncherOption {
	return func(launcher *Launcher) {
		if err := launcher.Add(name, app); err != nil {
			launcher.configErrors = append(launcher.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and blocks until all of
// them return.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	wg           *sync.WaitGroup
	configErrors []error
}

// NewLauncher creates a Launcher and applies the given options.
func NewLauncher(opts ...LauncherOption) *Launcher {
	launcher := &Launcher{
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		opt(launcher)
	}

	return launcher
}

// Add registers an application to be run.
func (launcher *Launcher) Add(appName string, app App) error {
	if launcher == nil {
		return ErrNilLauncher
	}

	if launcher.apps == nil {
		launcher.apps = make(map[string]App)
	}

	if launcher.wg == nil {
		launcher.wg = new(sync.WaitGroup)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyAppName
	}

	if app == nil {
		return ErrNilApp
	}

	launcher.apps[appName] = app

	return nil
}

// Run starts every registered application and blocks until all finish.
// Errors are logged rather than returned; use RunWithError for explicit
// handling.
func (launcher *Launcher) Run() {
	if err := launcher.RunWithError(); err != nil {
		if launcher != nil && launcher.Logger != nil {
			launcher.Logger.Log(context.Background(), log.LevelError, "launcher error", log.Err(err))
		}
	}
}

// RunWithError starts every registered application, blocks until all
// finish, and returns configuration errors collected during setup.
// Safe to call on a zero-value Launcher.
func (launcher *Launcher) RunWithError() error {
	if launcher == nil {
		return ErrNilLauncher
	}

	if launcher.Logger == nil {
		return ErrNilLogger
	}

	if launcher.wg == nil {
		launcher.wg = new(sync.WaitGroup)
	}

	if launcher.apps == nil {
		launcher.apps = make(map[string]App)
	}

	if len(launcher.configErrors) > 0 {
		return errors.Join(append([]error{ErrLauncherConfig}, launcher.configErrors...)...)
	}

	count := len(launcher.apps)
	launcher.wg.Add(count)

	launcher.Logger.Log(context.Background(), log.LevelInfo, "starting apps", log.Int("count", count))

	for name, app := range launcher.apps {
		nameCopy := name
		appCopy := app

		runtime.SafeGo(launcher.Logger, "launcher.run_app_"+nameCopy, runtime.KeepRunning, func() {
			defer launcher.wg.Done()

			launcher.Logger.Log(context.Background(), log.LevelInfo, "app starting", log.String("app", nameCopy))

			if err := appCopy.Run(launcher); err != nil {
				launcher.Logger.Log(context.Background(), log.LevelError, "app error", log.String("app", nameCopy), log.Err(err))
			}

			launcher.Logger.Log(context.Background(), log.LevelInfo, "app finished", log.String("app", nameCopy))
		})
	}

	launcher.wg.Wait()

	launcher.Logger.Log(context.Background(), log.LevelInfo, "launcher terminated")

	return nil
}
