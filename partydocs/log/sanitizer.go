package log

import (
	"context"
	"fmt"
	"strings"
)

// logControlCharReplacer escapes control characters that can be used for
// log injection (CWE-117). Newlines and carriage returns in attacker-
// influenced strings can forge fake log entries.
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

// SanitizeString escapes control characters in a single string value.
func SanitizeString(s string) string {
	return logControlCharReplacer.Replace(s)
}

// SafeError logs an error at error level. In production mode only the
// error type is emitted; otherwise the full error is attached.
func SafeError(logger Logger, ctx context.Context, msg string, err error, production bool) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	if production {
		logger.Log(ctx, LevelError, msg, String("error_type", fmt.Sprintf("%T", err)))

		return
	}

	logger.Log(ctx, LevelError, msg, Err(err))
}
