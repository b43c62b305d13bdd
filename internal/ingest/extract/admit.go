package extract

import (
	"log/slog"
	"time"
)

// Clock gives the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current local time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Admit reports whether doc should be extracted and stored.
//
// Updates are accepted from the primary path and rejected from the bundle path, whose updates
// carry no reliable timing. Full snapshots are accepted when their report date, seen in loc, is
// not before yesterday according to clock.
// A missing or malformed report time is a decode error.
func Admit(doc Document, clock Clock, loc *time.Location, bundle bool) (bool, error) {
	if doc.Kind == KindUpdate {
		return !bundle, nil
	}
	if loc == nil {
		loc = time.Local
	}

	reportTime, err := parseInt64(Stringify(doc.Basic["jvm.report_time"]))
	if err != nil {
		return false, err
	}

	yesterday := dateOf(clock.Now().In(loc)).AddDate(0, 0, -1)
	reported := dateOf(time.UnixMilli(reportTime).In(loc))
	if reported.Before(yesterday) {
		slog.Info("Ignoring message older than the cutoff", "date", reported.Format(time.DateOnly), "cutoff", yesterday.Format(time.DateOnly))
		return false, nil
	}
	return true, nil
}

// dateOf returns the calendar date of t as midnight UTC, so dates compare without zone transitions.
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
