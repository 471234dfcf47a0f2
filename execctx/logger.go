package execctx

import (
	"fmt"

	"github.com/loomrun/loom/log"
)

// Logger returns a log.Logger whose calls are suppressed while the cursor
// is still replaying: a step logs exactly once per unit of
// live work, no matter how many times history is replayed to reach it.
func (c *executionContext) Logger() log.Logger {
	return &replaySuppressedLogger{ctx: c}
}

type replaySuppressedLogger struct {
	ctx *executionContext
}

func (l *replaySuppressedLogger) Debug(msg string, args ...any) { l.emit("debug", msg, args) }
func (l *replaySuppressedLogger) Info(msg string, args ...any)  { l.emit("info", msg, args) }
func (l *replaySuppressedLogger) Warn(msg string, args ...any)  { l.emit("warn", msg, args) }
func (l *replaySuppressedLogger) Error(msg string, args ...any) { l.emit("error", msg, args) }

func (l *replaySuppressedLogger) emit(level, msg string, args []any) {
	if l.ctx.IsReplaying() {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg+" %v", args)
	}
	l.ctx.pendingLogs = append(l.ctx.pendingLogs, LogLine{Level: level, Message: msg})
}

var _ log.Logger = (*replaySuppressedLogger)(nil)
