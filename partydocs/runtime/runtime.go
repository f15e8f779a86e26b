// Package runtime provides panic-safety helpers for long-lived pipeline
// goroutines. Workers recover and keep running by default; callers can
// opt into crashing the process for unrecoverable paths.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/meridianpm/lib-partydocs/partydocs/log"
)

// PanicPolicy controls what happens after a panic is recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging so the supervisor restarts the process.
	CrashProcess
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use in defer statements for workers where a panic
// must not take down sibling tenants.
func RecoverAndLog(logger log.Logger, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(context.Background(), logger, name, recovered, debug.Stack())
	}
}

// RecoverAndLogWithContext is RecoverAndLog with a caller context so the
// panic log correlates with the surrounding trace.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		logPanic(ctx, logger, component+"."+name, recovered, debug.Stack())
	}
}

// RecoverWithPolicy recovers from a panic and handles it according to the
// given policy.
func RecoverWithPolicy(logger log.Logger, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		logPanic(context.Background(), logger, name, recovered, debug.Stack())

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// SafeGo runs fn in a new goroutine guarded by the given panic policy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	if fn == nil {
		return
	}

	go func() {
		defer RecoverWithPolicy(logger, name, policy)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("value", fmt.Sprintf("%v", panicValue)),
		log.String("stack_trace", string(stack)),
	)
}
