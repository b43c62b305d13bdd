// Package processor drains spooled announcement messages through the ingestion pipeline.
// Every message is fetched, classified, admitted, extracted, sanitized, reconciled and stored,
// each message independently of the others.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/announcement"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/database"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/extract"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/fetch"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/models"
	"github.com/runtimes-inventory/runtimes-inventory/internal/ingest/reconcile"
	"golang.org/x/sync/errgroup"
)

// ErrStorageErrors is returned when storage failures during a run surpass the tolerated threshold.
var ErrStorageErrors = errors.New("storage errors during processing surpassed threshold")

type reconciler interface {
	Apply(ctx context.Context, m models.Message) (reconcile.Outcome, error)
}

type quarantine interface {
	UploadInvalid(ctx context.Context, channel, rawMessage, reason string) error
}

// Processor processes the messages spooled for a channel.
type Processor struct {
	spoolDir    string
	fetcher     fetch.Fetcher
	reconciler  reconciler
	quarantine  quarantine
	clock       extract.Clock
	loc         *time.Location
	concurrency int

	metrics *processorMetrics
}

type options struct {
	clock       extract.Clock
	loc         *time.Location
	concurrency int
}

// Options represents an optional function to override Processor default values.
type Options func(*options)

// WithConcurrency sets how many messages are processed at the same time.
func WithConcurrency(n int) Options {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithLocation sets the location report dates are compared in.
func WithLocation(loc *time.Location) Options {
	return func(o *options) {
		o.loc = loc
	}
}

// New creates a new Processor reading messages from spoolDir.
func New(spoolDir string, fetcher fetch.Fetcher, r reconciler, q quarantine, registry prometheus.Registerer, args ...Options) (*Processor, error) {
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir must be set")
	}

	if err := os.MkdirAll(spoolDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spoolDir: %v", err)
	}

	opts := options{
		clock:       extract.SystemClock{},
		loc:         time.Local,
		concurrency: 1,
	}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", opts.concurrency)
	}

	m, err := newProcessorMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %v", err)
	}

	return &Processor{
		spoolDir:    spoolDir,
		fetcher:     fetcher,
		reconciler:  r,
		quarantine:  q,
		clock:       opts.clock,
		loc:         opts.loc,
		concurrency: opts.concurrency,
		metrics:     m,
	}, nil
}

// Process handles every JSON message spooled in the `spoolDir/channel` directory.
// A message file is removed once handled, unless fetching or storing its payload failed, in which
// case it is kept to be retried on the next run.
//
// Canceling ctx stops new messages from being started. Messages already started are not interrupted:
// they stay bounded by the fetch and storage timeouts.
//
// It returns an error if a catastrophic failure occurs, or if the share of storage failures exceeds a threshold.
func (p Processor) Process(ctx context.Context, channel string, bundle bool) (err error) {
	const minimumSuccessRate = 0.85

	dir := filepath.Join(p.spoolDir, channel)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %q: %v", dir, err)
	}

	files, err := getJSONFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to get JSON files: %v", err)
	}

	var attemptCount, failureCount atomic.Int64
	defer func() {
		attempts, failures := attemptCount.Load(), failureCount.Load()
		if attempts > 0 && float64(failures)/float64(attempts) > (1-minimumSuccessRate) {
			err = errors.Join(ErrStorageErrors, err)
		}
	}()

	// A started message runs to its end. Cancellation only prevents starting new ones.
	msgCtx := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			attempted, failed := p.processFile(msgCtx, channel, file, bundle)
			if attempted {
				attemptCount.Add(1)
			}
			if failed {
				failureCount.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return ctx.Err()
}

// processFile runs one spooled message through the pipeline. It reports whether storage was
// reached and whether the message was kept for redelivery.
func (p Processor) processFile(ctx context.Context, channel, file string, bundle bool) (attempted, kept bool) {
	start := time.Now()
	defer func() {
		p.metrics.consumed.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	}()

	data, err := os.ReadFile(file)
	if err != nil {
		slog.Warn("Failed to read message file", "file", file, "err", err)
		return false, false
	}

	err = p.HandleMessage(ctx, channel, data, bundle)
	attempted = err == nil || errors.Is(err, database.ErrStorage) || errors.Is(err, reconcile.ErrReconciliation)

	if err != nil {
		kind := errorKind(err)
		p.metrics.processingErrors.WithLabelValues(channel, kind).Inc()
		switch kind {
		case kindFetch, kindStorage:
			slog.Warn("Failed to process message, keeping it for redelivery", "file", file, "kind", kind, "err", err)
			return attempted, true
		case kindReconciliation:
			slog.Error("Failed to reconcile message with stored instances", "file", file, "err", err)
		default:
			slog.Warn("Failed to process message", "file", file, "kind", kind, "err", err)
		}
	}

	if err := os.Remove(file); err != nil {
		slog.Warn("Failed to remove file after processing", "file", file, "err", err)
	}

	slog.Info("Finished processing message", "file", file)
	return attempted, false
}

// HandleMessage runs a single announcement message through the pipeline.
// Messages that are not for this service, or too old, are dropped without error.
// Payloads that cannot be decoded are quarantined.
func (p Processor) HandleMessage(ctx context.Context, channel string, raw []byte, bundle bool) error {
	ann, err := announcement.Decode(raw)
	if err != nil {
		p.quarantineRaw(ctx, channel, string(raw), err)
		return err
	}

	if !accepts(ann, bundle) {
		slog.Debug("Skipping announcement for another content type", "channel", channel, "content_type", ann.ContentType, "request_id", ann.RequestID)
		p.metrics.rejected.WithLabelValues(channel).Inc()
		return nil
	}

	url := ann.URL()
	if url == "" {
		slog.Debug("Skipping announcement without payload location", "channel", channel, "request_id", ann.RequestID)
		p.metrics.rejected.WithLabelValues(channel).Inc()
		return nil
	}

	slog.Info("Processing announced payload", "channel", channel, "request_id", ann.RequestID, "org_id", ann.OrgID())
	if !bundle {
		doc, err := p.fetcher.JSON(ctx, url)
		if err != nil {
			if errors.Is(err, fetch.ErrCorrupt) {
				p.quarantineRaw(ctx, channel, string(raw), err)
			}
			return err
		}
		return p.handleDocument(ctx, channel, ann, doc, false)
	}

	docs, err := p.fetcher.Bundle(ctx, url)
	if err != nil {
		if errors.Is(err, fetch.ErrCorrupt) {
			p.quarantineRaw(ctx, channel, string(raw), err)
		}
		return err
	}
	slog.Debug("Found runtimes documents in bundle", "channel", channel, "count", len(docs))

	var errs error
	for _, doc := range docs {
		errs = errors.Join(errs, p.handleDocument(ctx, channel, ann, doc, true))
	}
	return errs
}

// handleDocument classifies, admits, extracts, sanitizes and stores one payload document.
func (p Processor) handleDocument(ctx context.Context, channel string, ann announcement.Announcement, raw string, bundle bool) error {
	doc, err := extract.Parse(raw)
	if err != nil {
		p.quarantineRaw(ctx, channel, raw, err)
		return err
	}

	admitted, err := extract.Admit(doc, p.clock, p.loc, bundle)
	if err != nil {
		p.quarantineRaw(ctx, channel, raw, err)
		return err
	}
	if !admitted {
		p.metrics.rejected.WithLabelValues(channel).Inc()
		return nil
	}

	created := ann.Timestamp
	if created.IsZero() {
		created = p.clock.Now()
	}
	msg, err := extract.Extract(doc, extract.Origin{
		AccountID: ann.AccountID(),
		OrgID:     ann.OrgID(),
		Created:   created,
	})
	if err != nil {
		p.quarantineRaw(ctx, channel, raw, err)
		return err
	}

	outcome, err := p.reconciler.Apply(ctx, msg)
	if err != nil {
		if errors.Is(err, models.ErrInvalidRecord) {
			p.quarantineRaw(ctx, channel, raw, err)
		}
		return err
	}

	switch outcome {
	case reconcile.Duplicate:
		slog.Info("Instance already stored", "channel", channel, "kind", doc.Kind)
		p.metrics.duplicate.WithLabelValues(channel).Inc()
	default:
		slog.Info("Stored record", "channel", channel, "kind", doc.Kind, "outcome", outcome)
		p.metrics.persisted.WithLabelValues(channel, doc.Kind.String()).Inc()
	}
	return nil
}

// quarantineRaw stores a payload that could not be decoded. Failures are logged only.
func (p Processor) quarantineRaw(ctx context.Context, channel, raw string, reason error) {
	if p.quarantine == nil {
		return
	}
	if err := p.quarantine.UploadInvalid(ctx, channel, raw, reason.Error()); err != nil {
		slog.Warn("Failed to quarantine invalid payload", "channel", channel, "err", err)
	}
}

// accepts reports whether ann announces a runtimes payload for the given path.
func accepts(ann announcement.Announcement, bundle bool) bool {
	if ann.ContentType == announcement.ContentType {
		return true
	}
	return bundle && ann.IsRuntimes()
}

const (
	kindDecode         = "decode"
	kindInvalid        = "invalid"
	kindFetch          = "fetch"
	kindStorage        = "storage"
	kindReconciliation = "reconciliation"
	kindOther          = "other"
)

// errorKind classifies err. Transient failures take precedence so joined errors are redelivered.
func errorKind(err error) string {
	switch {
	case errors.Is(err, fetch.ErrFetch):
		return kindFetch
	case errors.Is(err, database.ErrStorage):
		return kindStorage
	case errors.Is(err, reconcile.ErrReconciliation):
		return kindReconciliation
	case errors.Is(err, models.ErrInvalidRecord):
		return kindInvalid
	case errors.Is(err, extract.ErrDecode), errors.Is(err, fetch.ErrCorrupt):
		return kindDecode
	default:
		return kindOther
	}
}

func getJSONFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.Type().IsRegular() && filepath.Ext(path) == ".json" {
			files = append(files, path)
		}
		return nil
	})

	return files, err
}
