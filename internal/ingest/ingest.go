// Package ingest runs the ingestion of spooled runtimes announcements: the channel workers, the
// metrics server and the storage they share.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

var (
	// errServiceClosed is returned when Run is called on a stopped service.
	errServiceClosed = errors.New("service closed")

	// ErrTeardownTimeout is returned when one component kept running too long after another one
	// stopped. A forced Quit may be required to clean up the service.
	ErrTeardownTimeout = errors.New("service teardown timed out")
)

// WorkerPool drains the channels until its context is canceled.
type WorkerPool interface {
	Run(ctx context.Context) error
}

// MetricsServer serves the service metrics.
type MetricsServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
}

// Store is the storage shared by the workers. It is closed once the workers are stopped.
type Store interface {
	Close() error
}

// Service runs the worker pool and the metrics server together. When one of them stops, the other
// one is stopped too.
type Service struct {
	workerPool    WorkerPool
	metricsServer MetricsServer
	store         Store

	// ctx interrupts every component. It is the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// gracefulCtx lets workers finish the messages they are processing.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	maxDegradedDuration time.Duration

	mu      sync.Mutex
	running chan struct{}
}

type options struct {
	maxDegradedDuration time.Duration
}

// Option is a function which tweaks the creation of the Service.
type Option func(*options)

// New creates a new ingest service. store may be nil.
func New(ctx context.Context, workerPool WorkerPool, metricsServer MetricsServer, store Store, args ...Option) *Service {
	opts := options{
		maxDegradedDuration: 2 * time.Minute,
	}
	for _, arg := range args {
		arg(&opts)
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	running := make(chan struct{})
	close(running)

	return &Service{
		workerPool:    workerPool,
		metricsServer: metricsServer,
		store:         store,

		ctx:            ctx,
		cancel:         cancel,
		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		maxDegradedDuration: opts.maxDegradedDuration,

		running: running,
	}
}

// Run starts the service. It returns once both the worker pool and the metrics server stopped,
// or after maxDegradedDuration when only one of them did.
func (s *Service) Run() error {
	select {
	case <-s.gracefulCtx.Done():
		return fmt.Errorf("%w: %w", errServiceClosed, s.gracefulCtx.Err())
	default:
	}

	slog.Info("Ingest service started")

	running := make(chan struct{})
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
	defer close(running)
	defer s.cancel()

	done := make(chan error, 2)
	go func() { done <- s.runWorkers() }()
	go func() { done <- s.runMetrics() }()

	err := <-done
	slog.Info("Waiting for ingest components to finish")

	select {
	case second := <-done:
		err = errors.Join(err, second)
	case <-time.After(s.maxDegradedDuration):
		slog.Warn("Ingest service teardown timed out")
		return errors.Join(err, ErrTeardownTimeout)
	}

	return errors.Join(err, s.closeStore())
}

func (s *Service) runWorkers() error {
	slog.Info("Starting worker pool")
	defer s.gracefulCancel()

	if err := s.workerPool.Run(s.gracefulCtx); err != nil && !errors.Is(err, s.gracefulCtx.Err()) {
		slog.Error("Worker pool encountered an error", "err", err)
		return fmt.Errorf("ingest workers error: %v", err)
	}
	slog.Info("Workers stopped")
	return nil
}

func (s *Service) runMetrics() error {
	slog.Info("Starting metrics server")
	defer s.gracefulCancel()

	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-s.gracefulCtx.Done():
		// gracefulCtx is also done when ctx is.
		if s.ctx.Err() != nil {
			slog.Info("Closing metrics server", "reason", s.ctx.Err())
			if err := s.metricsServer.Close(); err != nil {
				slog.Warn("Failed to close metrics server", "err", err)
			}
			return nil
		}

		slog.Info("Shutting down metrics server")
		if err := s.metricsServer.Shutdown(s.ctx); err != nil {
			slog.Error("Metrics server graceful shutdown encountered error", "err", err)
			return fmt.Errorf("metrics server shutdown error: %v", err)
		}

	case err, ok := <-serveErr:
		if ok && err != nil {
			slog.Error("Metrics server encountered error", "err", err)
			return fmt.Errorf("metrics server error: %v", err)
		}
	}
	slog.Info("Metrics server stopped")
	return nil
}

func (s *Service) closeStore() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		slog.Error("Failed to close storage", "err", err)
		return fmt.Errorf("storage close error: %v", err)
	}
	return nil
}

// Quit stops the service and blocks until Run returned.
//
// Without force, workers finish the message they are processing first.
func (s *Service) Quit(force bool) {
	slog.Info("Stopping ingest service", "force", force)

	if force {
		s.cancel()
		if err := s.metricsServer.Close(); err != nil {
			slog.Warn("Failed to close metrics server", "err", err)
		}
	} else {
		s.gracefulCancel()
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	<-running
}
