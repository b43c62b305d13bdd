// Package cli holds the command line plumbing shared by the service commands.
package cli

import (
	"log/slog"
	"os"

	"github.com/runtimes-inventory/runtimes-inventory/internal/common/constants"
)

// SetSlog sets the logging level and format for the default logger.
//
// A level of 0 keeps constants.DefaultLogLevel, 1 selects info and anything higher selects debug.
func SetSlog(level int, jsonLogs bool) {
	slogLevel := getLevel(level)
	if jsonLogs {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})))
		return
	}

	slog.SetLogLoggerLevel(slogLevel)
}

func getLevel(level int) slog.Level {
	switch level {
	case 0:
		return constants.DefaultLogLevel
	case 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
