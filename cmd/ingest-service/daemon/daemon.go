// Package daemon provides the runtimes inventory ingest service daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/cli"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/config"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/constants"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/metrics"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/database"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/fetch"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/processor"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/reconcile"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/workers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *ingest.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	MetricsConfig metrics.Config
	DBconfig      database.Config
	SpoolDir      string // Base directory of the channel spools
	MigrationsDir string

	ConfigPath   string
	Concurrency  int
	FetchTimeout time.Duration
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:   constants.IngestServiceCmdName + " [flags]",
		Short: "Runtimes inventory ingest service",
		Long: `Runtimes inventory ingest service reads the announcements spooled for each configured channel,
downloads the runtime reports they point to and stores the extracted records in a PostgreSQL database.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IngestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Debug("Got app config", "spool-dir", a.config.SpoolDir, "daemon-config", a.config.ConfigPath,
				"concurrency", a.config.Concurrency, "db-host", a.config.DBconfig.Host)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVar(&app.config.SpoolDir, "spool-dir", constants.DefaultSpoolDir, "base directory to read spooled announcements from")
	cmd.Flags().StringVarP(&app.config.ConfigPath, "daemon-config", "c", "", "path to the channels configuration file")
	cmd.Flags().IntVar(&app.config.Concurrency, "concurrency", constants.DefaultConcurrency, "number of messages processed at the same time per channel")
	cmd.Flags().DurationVar(&app.config.FetchTimeout, "fetch-timeout", constants.DefaultFetchTimeout*time.Second, "timeout for downloading one report")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkFlagDirname("spool-dir"); err != nil {
		panic(fmt.Errorf("failed to mark spool-dir flag as directory: %w", err))
	}

	if err := cmd.MarkFlagFilename("daemon-config", "json"); err != nil {
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.Flags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.Flags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	fmt.Printf("%s", buf[:n])
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
// It returns immediately if the daemon failed to start.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	started := false
	defer func() {
		if !started {
			close(a.ready)
		}
	}()

	if a.config.ConfigPath == "" {
		a.cmd.SilenceUsage = false
		return fmt.Errorf("the channels configuration file must be set with --daemon-config")
	}
	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.ConfigPath)

	db, err := database.New(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fetcher := fetch.New(fetch.WithTimeout(a.config.FetchTimeout))
	proc, err := processor.New(a.config.SpoolDir, fetcher, reconcile.New(db), db, registry,
		processor.WithConcurrency(a.config.Concurrency))
	if err != nil {
		return closeOnError(db, fmt.Errorf("failed to create message processor: %v", err))
	}

	workerPool, err := workers.New(cm, proc, registry)
	if err != nil {
		return closeOnError(db, fmt.Errorf("failed to create worker pool: %v", err))
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry, metrics.WithHealthCheck(db.Ping))

	a.daemon = ingest.New(context.Background(), workerPool, metricsServer, db)
	started = true
	close(a.ready)

	return a.daemon.Run()
}

func closeOnError(db *database.Manager, err error) error {
	if cErr := db.Close(); cErr != nil {
		slog.Warn("Failed to close database", "err", cErr)
	}
	return err
}
