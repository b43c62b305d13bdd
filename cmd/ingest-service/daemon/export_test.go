package daemon

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runtimes-inventory/runtimes-inventory/internal/common/config"
	"github.com/runtimes-inventory/runtimes-inventory/internal/common/constants"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig = appConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// NewForTests creates a new App instance reading conf from a generated configuration file.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	if conf == nil {
		conf = &AppConfig{}
	}
	if conf.SpoolDir == "" {
		conf.SpoolDir = filepath.Join(t.TempDir(), "spool")
	}
	if conf.Concurrency == 0 {
		conf.Concurrency = constants.DefaultConcurrency
	}
	if conf.FetchTimeout == 0 {
		conf.FetchTimeout = constants.DefaultFetchTimeout * time.Second
	}

	p := GenerateTestConfig(t, conf)
	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(append([]string{"--config", p}, args...))
	return a
}

// GenerateTestChannels writes a temporary channels configuration file.
func GenerateTestChannels(t *testing.T, channels *config.Conf) string {
	t.Helper()

	d, err := json.Marshal(channels)
	require.NoError(t, err, "Setup: failed to marshal channels config for tests")
	p := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(p, d, 0600), "Setup: failed to write channels config for tests")

	return p
}

// GenerateTestConfig writes a temporary YAML configuration file for the app.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	var conf appConfig
	if origConf != nil {
		conf = *origConf
	}
	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}

	d, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: failed to marshal config for tests")

	confPath := filepath.Join(t.TempDir(), "testconfig.yaml")
	require.NoError(t, os.WriteFile(confPath, d, 0600), "Setup: failed to write config for tests")

	return confPath
}

// SetArgs set some arguments on root command for tests.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetOutput redirects the standard and error outputs of the root command.
func (a *App) SetOutput(w io.Writer) {
	a.cmd.SetOut(w)
	a.cmd.SetErr(w)
}
