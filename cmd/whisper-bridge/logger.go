package main

import (
	"log/slog"
	"os"

	"github.com/duetocode/go-whisper-bridge/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.Configure(format, level, os.Stderr).With("app", "whisper-bridge")
	logging.Set(l)
	return l
}
