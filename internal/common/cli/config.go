package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// InstallConfigFlag adds the persistent --config flag to cmd.
func InstallConfigFlag(cmd *cobra.Command) *string {
	return cmd.PersistentFlags().String("config", "", "use a specific configuration file")
}

// InitViperConfig loads the configuration of cmd into vip.
//
// The file given with --config is used when set. Otherwise a file named after cmdName is looked
// up in the working directory, /etc/<cmdName>, /usr/local/etc/<cmdName> and next to the executable.
// A missing file is not an error.
// Environment variables prefixed with the upper cased cmdName override file values,
// with '_' in the remainder of the name selecting nested keys.
func InitViperConfig(cmdName string, cmd *cobra.Command, vip *viper.Viper) error {
	if v, err := cmd.Flags().GetString("config"); err == nil && v != "" {
		vip.SetConfigFile(v)
	} else {
		vip.SetConfigName(cmdName)
		for _, p := range configPaths(cmdName) {
			vip.AddConfigPath(p)
		}
	}

	if err := vip.ReadInConfig(); err != nil {
		var e viper.ConfigFileNotFoundError
		if !errors.As(err, &e) {
			return fmt.Errorf("invalid configuration file: %w", err)
		}
		slog.Info("No configuration file, using defaults, environment and flags only", "err", e)
	} else {
		slog.Info("Using configuration file", "file", vip.ConfigFileUsed())
	}

	return bindEnv(cmdName, vip)
}

func configPaths(cmdName string) []string {
	paths := []string{".", filepath.Join("/etc", cmdName), filepath.Join("/usr/local/etc", cmdName)}

	binPath, err := os.Executable()
	if err != nil {
		slog.Warn("Failed to get current executable path, not adding it as a config dir", "err", err)
		return paths
	}
	return append(paths, filepath.Dir(binPath))
}

// bindEnv binds every environment variable carrying the command prefix, so that they are
// honored when unmarshalling into a struct and not only by direct lookups.
func bindEnv(cmdName string, vip *viper.Viper) error {
	vip.SetEnvPrefix(cmdName)
	vip.AutomaticEnv()

	prefix := strings.ToUpper(strings.ReplaceAll(cmdName, "-", "_")) + "_"
	for _, e := range os.Environ() {
		name, _, _ := strings.Cut(e, "=")
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(name, prefix)), "_", ".")
		if err := vip.BindEnv(key, name); err != nil {
			return fmt.Errorf("could not bind environment variable %s: %w", name, err)
		}
	}
	return nil
}
