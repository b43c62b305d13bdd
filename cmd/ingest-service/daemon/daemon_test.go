package daemon_test

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/runtimes-inventory/runtimes-inventory/cmd/ingest-service/daemon"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/config"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/constants"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/metrics"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/testutils"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/announcement"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoading(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		conf daemon.AppConfig
	}{
		"Spool and channels configuration": {
			conf: daemon.AppConfig{
				SpoolDir:     "/srv/spool",
				ConfigPath:   "/etc/runtimes/channels.json",
				Concurrency:  12,
				FetchTimeout: 7 * time.Second,
			},
		},
		"Database configuration": {
			conf: daemon.AppConfig{
				DBconfig: database.Config{
					Host:    "db.example.com",
					Port:    6543,
					User:    "ingest",
					DBName:  "runtimes",
					SSLMode: "require",
				},
			},
		},
		"Metrics configuration": {
			conf: daemon.AppConfig{
				MetricsConfig: metrics.Config{
					Host:         "127.0.0.1",
					Port:         9100,
					ReadTimeout:  time.Second,
					WriteTimeout: 3 * time.Second,
				},
			},
		},
		"Logging configuration": {
			conf: daemon.AppConfig{
				Verbosity: 1,
				JSONLogs:  true,
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := daemon.NewForTests(t, &tc.conf, "version")
			var out bytes.Buffer
			a.SetOutput(&out)
			require.NoError(t, a.Run(), "Run should not return an error")

			got := a.Config()
			if tc.conf.Verbosity == 0 {
				tc.conf.Verbosity = 2
			}
			assert.Equal(t, tc.conf.Verbosity, got.Verbosity, "Unexpected verbosity")
			assert.Equal(t, tc.conf.JSONLogs, got.JSONLogs, "Unexpected JSON logs setting")
			assert.Equal(t, tc.conf.MetricsConfig, got.MetricsConfig, "Unexpected metrics configuration")
			assert.Equal(t, tc.conf.DBconfig, got.DBconfig, "Unexpected database configuration")
			assert.Equal(t, tc.conf.ConfigPath, got.ConfigPath, "Unexpected channels configuration path")
			if tc.conf.SpoolDir != "" {
				assert.Equal(t, tc.conf.SpoolDir, got.SpoolDir, "Unexpected spool directory")
			}
			if tc.conf.Concurrency != 0 {
				assert.Equal(t, tc.conf.Concurrency, got.Concurrency, "Unexpected concurrency")
			}
			if tc.conf.FetchTimeout != 0 {
				assert.Equal(t, tc.conf.FetchTimeout, got.FetchTimeout, "Unexpected fetch timeout")
			}
		})
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	var out bytes.Buffer
	a.SetOutput(&out)
	a.SetArgs("version")

	require.NoError(t, a.Run(), "Run should not return an error")
	require.Equal(t, fmt.Sprintf("%s\t%s\n", constants.IngestServiceCmdName, constants.Version), out.String(), "Unexpected version output")
}

func TestRunErrors(t *testing.T) {
	t.Parallel()

	channels := daemon.GenerateTestChannels(t, &config.Conf{Channels: []string{"runtimes"}})

	tests := map[string]struct {
		conf daemon.AppConfig
		args []string

		wantUsageErr bool
		wantReady    bool
	}{
		"Unknown flag": {
			args:         []string{"--unknown-flag"},
			wantUsageErr: true,
		},
		"Positional argument": {
			args:         []string{"extra"},
			wantUsageErr: true,
		},
		"Missing channels configuration": {
			wantUsageErr: true,
			wantReady:    true,
		},
		"Unreachable database": {
			conf: daemon.AppConfig{
				ConfigPath: channels,
				DBconfig:   database.Config{Host: "127.0.0.1", Port: 1, User: "nobody", DBName: "none", SSLMode: "disable"},
			},
			wantReady: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a := daemon.NewForTests(t, &tc.conf, tc.args...)
			var out bytes.Buffer
			a.SetOutput(&out)

			err := a.Run()
			require.Error(t, err, "Run should return an error")
			require.Equal(t, tc.wantUsageErr, a.UsageError(), "Unexpected usage error state")

			if !tc.wantReady {
				return
			}

			// Quit must not block when the daemon failed to start.
			quitDone := make(chan struct{})
			go func() {
				defer close(quitDone)
				a.Quit()
			}()
			select {
			case <-quitDone:
			case <-time.After(time.Second):
				require.Fail(t, "Quit should not block when the daemon failed to start")
			}
		})
	}
}

func TestRunIngestsSpooledMessages(t *testing.T) {
	t.Parallel()

	db := testutils.StartPostgresContainer(t)
	testutils.ApplyMigrations(t, db.DSN, testutils.MigrationsDir())
	port, err := strconv.Atoi(db.Port)
	require.NoError(t, err, "Setup: invalid container port")

	payload := gzipped(t, freshReport(t))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)

	spoolDir := filepath.Join(t.TempDir(), "spool")
	channelDir := filepath.Join(spoolDir, "runtimes")
	require.NoError(t, os.MkdirAll(channelDir, 0o700), "Setup: failed to create channel directory")
	require.NoError(t, os.WriteFile(filepath.Join(channelDir, "report.json"), []byte(announce(server.URL+"/report")), 0o600),
		"Setup: failed to spool announcement")
	require.NoError(t, os.WriteFile(filepath.Join(channelDir, "garbage.json"), []byte("not an announcement"), 0o600),
		"Setup: failed to spool invalid message")

	a := daemon.NewForTests(t, &daemon.AppConfig{
		SpoolDir:      spoolDir,
		ConfigPath:    daemon.GenerateTestChannels(t, &config.Conf{Channels: []string{"runtimes"}}),
		Concurrency:   2,
		FetchTimeout:  5 * time.Second,
		MetricsConfig: metrics.Config{Host: "127.0.0.1"},
		DBconfig: database.Config{
			Host:     db.Host,
			Port:     port,
			User:     db.User,
			Password: db.Password,
			DBName:   db.Name,
			SSLMode:  "disable",
		},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()
	a.WaitReady()

	require.Eventually(t, func() bool {
		return testutils.DBCount(t, db.DSN, "SELECT COUNT(*) FROM jvm_instance") == 1 &&
			testutils.DBCount(t, db.DSN, "SELECT COUNT(*) FROM invalid_messages") == 1
	}, 30*time.Second, 200*time.Millisecond, "Spooled messages should be stored")

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(channelDir)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 100*time.Millisecond, "Handled messages should be removed from the spool")

	a.Quit()
	select {
	case err := <-runErr:
		require.NoError(t, err, "Run should exit cleanly after Quit")
	case <-time.After(30 * time.Second):
		require.Fail(t, "Daemon did not stop after Quit")
	}
}

var reportTime = regexp.MustCompile(`"jvm\.report_time":\s*\d+`)

// freshReport returns the JVM fixture with a report time of now, so that it is admitted.
func freshReport(t *testing.T) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(testutils.ModuleRoot(), "internal", "ingest", "extract", "testdata", "jvm_fedora.json"))
	require.NoError(t, err, "Setup: failed to read fixture")
	return reportTime.ReplaceAll(data, fmt.Appendf(nil, `"jvm.report_time": %d`, time.Now().UnixMilli()))
}

func gzipped(t *testing.T, data []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err, "Setup: failed to compress payload")
	require.NoError(t, zw.Close(), "Setup: failed to compress payload")
	return buf.Bytes()
}

func announce(url string) string {
	return fmt.Sprintf(`{
		"account": "0000001",
		"org_id": "12345",
		"content_type": %q,
		"timestamp": %q,
		"request_id": "6c4b7d8e-62b9-4a33-a7a5-0a1c5e4b6f9a",
		"url": %q
	}`, announcement.ContentType, time.Now().UTC().Format(time.RFC3339), url)
}
