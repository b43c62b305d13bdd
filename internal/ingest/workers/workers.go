// Package workers runs one worker per enabled channel, following the channel configuration.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Pool starts and stops channel workers as the configuration changes.
type Pool struct {
	cm   configManager
	proc processor

	pollInterval time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	debounce     time.Duration

	mu       sync.Mutex
	workers  map[string]worker
	workerWG sync.WaitGroup

	activeWorkers prometheus.Gauge
}

type worker struct {
	bundle bool
	cancel context.CancelFunc
}

type configManager interface {
	Watch(context.Context) (<-chan struct{}, <-chan error, error)
	AllowList() []string
	IsAllowed(string) bool
	IsBundle(string) bool
}

type processor interface {
	Process(ctx context.Context, channel string, bundle bool) error
}

type options struct {
	pollInterval time.Duration
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	debounce     time.Duration
}

// Options represents an optional function to override Pool default values.
type Options func(*options)

// WithPollInterval sets how long a worker waits between two runs over an idle channel.
func WithPollInterval(d time.Duration) Options {
	return func(o *options) {
		o.pollInterval = d
	}
}

// New creates a new worker pool draining the channels listed by cm through proc.
func New(cm configManager, proc processor, reg prometheus.Registerer, args ...Options) (*Pool, error) {
	opts := options{
		pollInterval: time.Second,
		baseBackoff:  5 * time.Second,
		maxBackoff:   30 * time.Second,
		debounce:     5 * time.Second,
	}
	for _, opt := range args {
		opt(&opts)
	}

	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_active_workers",
		Help: "Number of channels currently drained by a worker.",
	})
	if err := reg.Register(activeWorkers); err != nil {
		return nil, fmt.Errorf("failed to register active workers gauge: %v", err)
	}

	return &Pool{
		cm:            cm,
		proc:          proc,
		pollInterval:  opts.pollInterval,
		baseBackoff:   opts.baseBackoff,
		maxBackoff:    opts.maxBackoff,
		debounce:      opts.debounce,
		workers:       make(map[string]worker),
		activeWorkers: activeWorkers,
	}, nil
}

// Run starts a worker for every enabled channel and keeps the set of workers in sync with the
// configuration until ctx is canceled.
//
// It blocks until an error occurs or the context is canceled and all workers are done.
// It always returns a non-nil error, which is either a context error or a watcher error.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("Worker pool started")

	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reloadCh, watchErrCh, err := p.cm.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to start watch configuration: %v", err)
	}

	p.syncWorkers(ctx)

	// Configuration changes come in bursts.
	debounceTimer := time.NewTimer(p.debounce)
	defer debounceTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Context canceled, stopping worker pool")
			p.workerWG.Wait()
			return ctx.Err()

		case _, ok := <-reloadCh:
			if !ok {
				cancel()
				p.workerWG.Wait()
				return fmt.Errorf("configuration reload channel closed unexpectedly")
			}
			debounceTimer.Reset(p.debounce)

		case <-debounceTimer.C:
			slog.Info("Resyncing workers after configuration change")
			p.syncWorkers(ctx)

		case err, ok := <-watchErrCh:
			if !ok {
				cancel()
				p.workerWG.Wait()
				return fmt.Errorf("configuration watcher error channel closed unexpectedly")
			}
			if err != nil {
				slog.Error("Configuration watcher error", "err", err)
			}
		}
	}
}

// syncWorkers stops the workers of channels that were disabled or changed path, then starts
// workers for newly enabled channels.
func (p *Pool) syncWorkers(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for channel, w := range p.workers {
		if p.cm.IsAllowed(channel) && p.cm.IsBundle(channel) == w.bundle {
			continue
		}
		slog.Info("Stopping channel worker", "channel", channel)
		w.cancel()
		delete(p.workers, channel)
	}

	for _, channel := range p.cm.AllowList() {
		if _, ok := p.workers[channel]; ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		bundle := p.cm.IsBundle(channel)
		channelCtx, cancel := context.WithCancel(ctx)
		p.workers[channel] = worker{bundle: bundle, cancel: cancel}

		slog.Info("Starting channel worker", "channel", channel, "bundle", bundle)
		p.workerWG.Add(1)
		go p.channelWorker(channelCtx, channel, bundle)
	}
}

// channelWorker drains channel until ctx is canceled. Failed runs are retried with a jittered
// exponential backoff.
func (p *Pool) channelWorker(ctx context.Context, channel string, bundle bool) {
	defer p.workerWG.Done()

	p.activeWorkers.Inc()
	defer p.activeWorkers.Dec()

	backoff := p.baseBackoff
	for {
		wait := p.pollInterval
		if err := p.proc.Process(ctx, channel, bundle); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Channel run failed, backing off", "channel", channel, "err", err)
			// #nosec:G404 We don't need cryptographic randomness.
			wait = time.Duration(rand.Int64N(int64(backoff)))
			backoff = min(backoff*2, p.maxBackoff)
		} else {
			backoff = p.baseBackoff
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			slog.Debug("Channel worker stopped", "channel", channel)
			return
		}
	}
}
