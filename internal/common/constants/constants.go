// Package constants is responsible for defining the constants used in the application.
package constants

import (
	"log/slog"
	"path/filepath"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// IngestServiceCmdName is the name of the ingest service command.
	IngestServiceCmdName = "runtimes-inventory-ingest-service"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Service constants.
const (
	// DefaultServiceFolder is the name of the default root folder for services.
	DefaultServiceFolder = "runtimes-inventory"

	// DefaultSpoolFolder is the name of the default folder holding spooled announcements.
	DefaultSpoolFolder = "spool"

	// DefaultConcurrency is the default number of messages processed at the same time per channel.
	DefaultConcurrency = 4

	// DefaultFetchTimeout is the default timeout in seconds for downloading one payload.
	DefaultFetchTimeout = 30
)

// Service variables.
var (
	// DefaultServiceDataDir is the default data directory for services.
	DefaultServiceDataDir = filepath.Join("/var/lib", DefaultServiceFolder)

	// DefaultSpoolDir is the default directory announcements are spooled to, one subdirectory per channel.
	DefaultSpoolDir = filepath.Join(DefaultServiceDataDir, DefaultSpoolFolder)
)
