package processor

import "github.com/runtimes-inventory/runtimes-inventory/internal/ingest/extract"

// WithClock overrides the clock used to admit reports.
func WithClock(c extract.Clock) Options {
	return func(o *options) {
		o.clock = c
	}
}

// ErrorKind exposes the failure classification used for metrics and redelivery.
var ErrorKind = errorKind
