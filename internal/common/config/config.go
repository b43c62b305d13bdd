// Package config provides a configuration manager that loads and watches the JSON file listing
// the channels to ingest.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/ubuntu/decorate"
)

// Conf represents the configuration structure.
type Conf struct {
	// Channels are drained through the primary path.
	Channels []string `json:"channels"`
	// BundleChannels carry bundle uploads. A channel listed in both is a bundle channel.
	BundleChannels []string `json:"bundleChannels"`
}

// Manager is a struct that manages the configuration.
type Manager struct {
	configPath string

	lock    sync.RWMutex
	config  Conf
	allowed mapset.Set[string]
	bundles mapset.Set[string]

	log *slog.Logger
}

type options struct {
	Logger *slog.Logger
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a new configuration manager with the specified path.
func New(path string, args ...Options) *Manager {
	opts := options{
		Logger: slog.Default(),
	}

	for _, opt := range args {
		opt(&opts)
	}

	return &Manager{
		configPath: path,
		allowed:    mapset.NewThreadUnsafeSet[string](),
		bundles:    mapset.NewThreadUnsafeSet[string](),
		log:        opts.Logger,
	}
}

// Load reads the configuration from the specified file and updates the internal state.
// The previous state is kept on error.
func (cm *Manager) Load() (err error) {
	defer decorate.OnError(&err, "could not load channels configuration %q", cm.configPath)

	file, err := os.Open(cm.configPath)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer file.Close()

	var newConfig Conf
	if err := json.NewDecoder(file).Decode(&newConfig); err != nil {
		return fmt.Errorf("decoding config JSON: %w", err)
	}

	newConfig.Channels = cm.validChannels(newConfig.Channels)
	newConfig.BundleChannels = cm.validChannels(newConfig.BundleChannels)

	bundles := mapset.NewThreadUnsafeSet(newConfig.BundleChannels...)
	allowed := mapset.NewThreadUnsafeSet(newConfig.Channels...).Union(bundles)

	cm.lock.Lock()
	cm.config = newConfig
	cm.allowed = allowed
	cm.bundles = bundles
	cm.lock.Unlock()

	cm.log.Info("Configuration loaded", "channels", newConfig.Channels, "bundle_channels", newConfig.BundleChannels)
	return nil
}

// validChannels drops names that cannot be used as a spool directory.
func (cm *Manager) validChannels(names []string) []string {
	var valid []string
	for _, name := range names {
		if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
			cm.log.Warn("Ignoring invalid channel name", "channel", name)
			continue
		}
		valid = append(valid, name)
	}
	return valid
}

// Watch starts watching the configuration file for changes. The configuration is loaded once
// before watching starts.
//
// It returns two channels: one for configuration changes which result in a successful load and
// another for unrecoverable watcher errors. Both are closed once ctx is done.
func (cm *Manager) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create watcher: %v", err)
	}

	configDir, _ := filepath.Split(cm.configPath)
	if configDir == "" {
		configDir = "."
	}
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", configDir, err)
	}

	cm.log.Info("Watching configuration directory", "dir", configDir)
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	if err := cm.Load(); err != nil {
		cm.log.Warn("Error loading initial config", "err", err)
	}

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				cm.log.Info("Configuration watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || event.Name != cm.configPath {
					continue
				}

				cm.log.Debug("Configuration file changed, reloading")
				if err := cm.Load(); err != nil {
					cm.log.Warn("Error reloading config", "err", err)
					continue
				}

				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				cm.log.Warn("Watcher error", "err", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}

// AllowList returns every enabled channel, sorted.
func (cm *Manager) AllowList() []string {
	cm.lock.RLock()
	defer cm.lock.RUnlock()

	list := cm.allowed.ToSlice()
	slices.Sort(list)
	return list
}

// IsAllowed reports whether channel is enabled.
func (cm *Manager) IsAllowed(channel string) bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.allowed.Contains(channel)
}

// IsBundle reports whether channel carries bundle uploads.
func (cm *Manager) IsBundle(channel string) bool {
	cm.lock.RLock()
	defer cm.lock.RUnlock()
	return cm.bundles.Contains(channel)
}
