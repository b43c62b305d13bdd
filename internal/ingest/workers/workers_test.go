package workers_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(prometheus.NewGauge(prometheus.GaugeOpts{Name: "ingest_active_workers"})), "Setup: failed to preregister gauge")

	_, err := workers.New(newConfigManager(nil), newProcessor(nil), registry)
	require.Error(t, err, "New should fail when the gauge is already registered")
}

func TestRun(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cm   *mockConfigManager
		proc *mockProcessor

		wantBundles []string
		wantErr     bool
	}{
		"Empty allow list": {},
		"Single channel no errors": {
			cm: newConfigManager([]string{"runtimes"}),
		},
		"Multi channels no errors": {
			cm: newConfigManager([]string{"runtimes", "legacy", "staging"}),
		},
		"Bundle channels use the bundle path": {
			cm:          newConfigManager([]string{"runtimes"}, "advisor"),
			wantBundles: []string{"advisor"},
		},

		// Processor errors
		"Single channel with context canceled": {
			cm: newConfigManager([]string{"runtimes"}),
			proc: newProcessor(map[string]error{
				"runtimes": context.Canceled,
			}),
		},
		"Single channel with error": {
			cm: newConfigManager([]string{"runtimes"}),
			proc: newProcessor(map[string]error{
				"runtimes": errors.New("requested error"),
			}),
		},
		"Multi channels with errors": {
			cm: newConfigManager([]string{"runtimes", "legacy", "staging"}),
			proc: newProcessor(map[string]error{
				"runtimes": errors.New("error for runtimes"),
				"legacy":   errors.New("error for legacy"),
			}),
		},

		// Config manager errors
		"Exits on config manager reloadCh early close": {
			cm: &mockConfigManager{
				allowList:     []string{"runtimes"},
				closeReloadCh: true,
			},
			wantErr: true,
		},
		"Exits on config manager watchErrCh early close": {
			cm: &mockConfigManager{
				allowList:     []string{"runtimes"},
				closeWatchErr: true,
			},
			wantErr: true,
		},
		"Exits on config manager watch error": {
			cm: &mockConfigManager{
				allowList: []string{"runtimes"},
				watchErr:  errors.New("watch error"),
			},
			wantErr: true,
		},
		"Does not exit on config manager delayed watch error": {
			cm: &mockConfigManager{
				allowList:       []string{"runtimes"},
				delayedWatchErr: errors.New("delayed watch error"),
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			if tc.cm == nil {
				tc.cm = newConfigManager(nil)
			}
			if tc.proc == nil {
				tc.proc = newProcessor(nil)
			}

			registry := prometheus.NewRegistry()
			p, err := workers.New(tc.cm, tc.proc, registry, fastOptions()...)
			require.NoError(t, err, "Setup: Failed to create worker pool")
			runErr := run(t.Context(), t, p)

			if tc.wantErr {
				checkPool(t, runErr, true, 3*time.Second)
				return
			}

			waitWorkersEqual(t, p, registry, tc.cm.AllowList()...)
			assert.Equal(t, tc.wantBundles, p.BundleWorkers(), "Unexpected bundle workers")

			// Workers keep draining their channel with the right path.
			for _, channel := range tc.cm.AllowList() {
				require.Eventually(t, func() bool {
					return tc.proc.calls(channel, slices.Contains(tc.wantBundles, channel)) > 1
				}, 3*time.Second, 10*time.Millisecond, "Channel %q should be processed repeatedly", channel)
			}

			checkPool(t, runErr, false, 0)
		})
	}
}

// Tests the addition and removal of channels from the configuration
// and verifies that the pool updates its workers accordingly.
func TestRunModifyAllowList(t *testing.T) {
	t.Parallel()

	cm := newConfigManager([]string{"runtimes"})
	proc := newProcessor(nil)
	registry := prometheus.NewRegistry()
	p, err := workers.New(cm, proc, registry, fastOptions()...)
	require.NoError(t, err, "Setup: Failed to create worker pool")
	run(t.Context(), t, p)

	waitWorkersEqual(t, p, registry, "runtimes")

	cm.setChannels(t, []string{"runtimes", "legacy"}, nil, 3)
	waitWorkersEqual(t, p, registry, "legacy", "runtimes")

	// Switching a channel to the bundle path restarts its worker.
	cm.setChannels(t, []string{"legacy"}, []string{"runtimes"}, 3)
	require.Eventually(t, func() bool {
		return slices.Equal([]string{"runtimes"}, p.BundleWorkers())
	}, 3*time.Second, 10*time.Millisecond, "Worker should switch to the bundle path")
	require.Eventually(t, func() bool {
		return proc.calls("runtimes", true) > 0
	}, 3*time.Second, 10*time.Millisecond, "Bundle path should be used after the switch")

	cm.setChannels(t, []string{}, nil, 3)
	waitWorkersEqual(t, p, registry)
}

func TestRunEarlyContextCancel(t *testing.T) {
	t.Parallel()

	cm := newConfigManager([]string{"runtimes", "legacy", "staging"})
	proc := newProcessor(map[string]error{
		"runtimes": context.Canceled,
	})

	ctx, cancel := context.WithCancel(t.Context())
	p, err := workers.New(cm, proc, prometheus.NewRegistry())
	require.NoError(t, err, "Setup: Failed to create worker pool")
	runErr := run(ctx, t, p)

	checkPool(t, runErr, false, 50*time.Millisecond)

	cancel()

	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled, "Expected context error after context cancellation")
	case <-time.After(3 * time.Second):
		require.Fail(t, "Pool did not exit after context cancellation")
	}
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	p, err := workers.New(newConfigManager([]string{"runtimes"}), newProcessor(nil), prometheus.NewRegistry())
	require.NoError(t, err, "Setup: Failed to create worker pool")

	require.ErrorIs(t, p.Run(ctx), context.Canceled, "Run should return immediately")
	require.Empty(t, p.WorkerNames(), "No worker should be started")
}

func fastOptions() []workers.Options {
	return []workers.Options{
		workers.WithPollInterval(10 * time.Millisecond),
		workers.WithBackoff(10*time.Millisecond, 50*time.Millisecond),
		workers.WithDebounce(50 * time.Millisecond),
	}
}

// checkPool waits the given duration, unless an error signal is received first.
func checkPool(t *testing.T, runErr chan error, expectErr bool, duration time.Duration) {
	t.Helper()

	select {
	case err := <-runErr:
		if expectErr {
			require.Error(t, err, "Expected error but got nil")
			return
		}
		require.Fail(t, "Pool stopped unexpectedly", err)
	case <-time.After(duration):
		require.False(t, expectErr, "Pool did not exit with an error within the expected duration")
	}
}

// waitWorkersEqual waits until the active workers of the pool match the expected channels,
// and the registry gauge matches their number.
func waitWorkersEqual(t *testing.T, p *workers.Pool, registry prometheus.Collector, channels ...string) {
	t.Helper()

	want := slices.Clone(channels)
	slices.Sort(want)

	require.Eventually(t, func() bool {
		if !slices.Equal(want, p.WorkerNames()) {
			return false
		}
		return testutil.ToFloat64(registry) == float64(len(want))
	}, 8*time.Second, 20*time.Millisecond, "Workers did not match %v within the timeout, got %v", want, p.WorkerNames())
}

type mockConfigManager struct {
	allowList []string
	bundles   []string

	closeReloadCh   bool
	closeWatchErr   bool
	watchErr        error
	delayedWatchErr error

	reloadCh chan struct{}
	errCh    chan error

	mu sync.RWMutex
}

func newConfigManager(channels []string, bundles ...string) *mockConfigManager {
	return &mockConfigManager{
		allowList: append(slices.Clone(channels), bundles...),
		bundles:   bundles,
		reloadCh:  make(chan struct{}),
		errCh:     make(chan error),
	}
}

func (m *mockConfigManager) Watch(ctx context.Context) (<-chan struct{}, <-chan error, error) {
	if m.watchErr != nil {
		return nil, nil, m.watchErr
	}

	if m.reloadCh == nil {
		m.reloadCh = make(chan struct{})
	}
	if m.errCh == nil {
		m.errCh = make(chan error)
	}

	if m.closeReloadCh {
		close(m.reloadCh)
	}
	if m.closeWatchErr {
		close(m.errCh)
	} else if m.delayedWatchErr != nil {
		go func() {
			time.Sleep(500 * time.Millisecond)
			select {
			case m.errCh <- m.delayedWatchErr:
			case <-ctx.Done():
			}
		}()
	}
	return m.reloadCh, m.errCh, nil
}

func (m *mockConfigManager) AllowList() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.allowList)
}

func (m *mockConfigManager) IsAllowed(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.allowList, name)
}

func (m *mockConfigManager) IsBundle(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.bundles, name)
}

func (m *mockConfigManager) setChannels(t *testing.T, channels, bundles []string, sendReloadSignal uint) {
	t.Helper()

	m.mu.Lock()
	m.allowList = append(slices.Clone(channels), bundles...)
	m.bundles = bundles
	m.mu.Unlock()

	for range sendReloadSignal {
		require.NotNil(t, m.reloadCh, "Setup: Reload channel should not be nil")
		m.reloadCh <- struct{}{}
	}
}

// run runs the pool in a separate goroutine and returns a channel receiving its error.
//
// The channel is closed when the run is complete.
func run(ctx context.Context, t *testing.T, p *workers.Pool) chan error {
	t.Helper()

	runErr := make(chan error, 1)
	go func() {
		defer close(runErr)
		if err := p.Run(ctx); err != nil {
			runErr <- err
		}
	}()

	time.Sleep(50 * time.Millisecond) // Allow some time for the pool to start
	return runErr
}

type call struct {
	channel string
	bundle  bool
}

type mockProcessor struct {
	processErrs map[string]error

	mu     sync.Mutex
	counts map[call]int
}

func newProcessor(processErrs map[string]error) *mockProcessor {
	return &mockProcessor{processErrs: processErrs, counts: make(map[call]int)}
}

func (p *mockProcessor) Process(ctx context.Context, channel string, bundle bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.counts[call{channel, bundle}]++
	p.mu.Unlock()

	return p.processErrs[channel]
}

func (p *mockProcessor) calls(channel string, bundle bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[call{channel, bundle}]
}
