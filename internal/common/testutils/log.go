package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"
)

// LogHandler is a slog.Handler recording every handled record.
type LogHandler struct {
	// Records at this level or below are not handled.
	IgnoreBelow slog.Level

	mu      sync.Mutex
	records []slog.Record
}

// NewLogHandler returns a LogHandler ignoring records at ignoreBelow or below.
func NewLogHandler(ignoreBelow slog.Level) *LogHandler {
	return &LogHandler{IgnoreBelow: ignoreBelow}
}

// Levels returns how many records were handled per level.
func (h *LogHandler) Levels() map[slog.Level]uint {
	h.mu.Lock()
	defer h.mu.Unlock()

	levels := make(map[slog.Level]uint)
	for _, r := range h.records {
		levels[r.Level]++
	}
	return levels
}

// OutputLogs writes the handled records to the test log.
func (h *LogHandler) OutputLogs(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		t.Logf("Logged %v %s:", r.Level, r.Message)
		r.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level > h.IgnoreBelow
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

// WithAttrs implements slog.Handler. Attributes are dropped.
func (h *LogHandler) WithAttrs([]slog.Attr) slog.Handler {
	return h
}

// WithGroup implements slog.Handler. Groups are dropped.
func (h *LogHandler) WithGroup(string) slog.Handler {
	return h
}
