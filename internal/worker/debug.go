package worker

import (
	"log/slog"
	"os"
	"strings"

	"github.com/mama165/sdk-go/logs"
)

// traceLog is nil unless CONSULTCHAT_WORKER_DEBUG=1.
var traceLog = newTraceLogger()

func newTraceLogger() *slog.Logger {
	if !strings.EqualFold(os.Getenv("CONSULTCHAT_WORKER_DEBUG"), "1") {
		return nil
	}
	return logs.GetLoggerFromLevel(slog.LevelDebug).With("component", "worker")
}

func trace(msg string, job Job) {
	if traceLog != nil {
		traceLog.Debug(msg, "job", job.Name, "user", job.UserID)
	}
}
