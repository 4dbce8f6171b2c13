// Package audit implements the append-only, date-partitioned security
// event log. Events are immutable once written; there is no update or
// delete path. Retention purge is external housekeeping, not part of
// the request path.
package audit

import (
	"context"
	"sync"
	"time"

	"aegisid.org/internal/ids"
	"aegisid.org/internal/obs"
)

// Archive receives a copy of every recorded event for durable storage.
// Failures are logged, never propagated into the request path.
type Archive interface {
	Append(ctx context.Context, e Event) error
}

// Log is the in-process security event store, partitioned by UTC day.
type Log struct {
	mu         sync.Mutex
	enabled    bool
	now        func() time.Time
	partitions map[string][]Event
	days       []string
	archive    Archive
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithArchive mirrors recorded events into a durable archive store.
func WithArchive(a Archive) Option {
	return func(l *Log) {
		l.archive = a
	}
}

// NewLog constructs the event log. A disabled log turns Record into a no-op.
func NewLog(enabled bool, opts ...Option) *Log {
	l := &Log{
		enabled:    enabled,
		now:        time.Now,
		partitions: map[string][]Event{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record fills in the event identifier and timestamp, then appends the
// event to its day partition. The returned event is the stored value.
func (l *Log) Record(ctx context.Context, e Event) Event {
	if l == nil || !l.enabled {
		return e
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	day := e.Day()

	l.mu.Lock()
	if _, ok := l.partitions[day]; !ok {
		l.days = append(l.days, day)
	}
	l.partitions[day] = append(l.partitions[day], e)
	l.mu.Unlock()

	obs.ObserveAuditEvent(string(e.Type))
	if l.archive != nil {
		if err := l.archive.Append(ctx, e); err != nil {
			obs.LogEntry(map[string]any{
				"ts":    l.now().UTC().Format(time.RFC3339Nano),
				"level": "error",
				"msg":   "audit archive append failed",
				"event": e.ID,
				"error": err.Error(),
			})
		}
	}
	return e
}

// Events returns one day partition in insertion order. An empty date
// returns the full store flattened, oldest partition first.
func (l *Log) Events(date string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if date != "" {
		partition := l.partitions[date]
		out := make([]Event, len(partition))
		copy(out, partition)
		return out
	}
	var out []Event
	for _, day := range l.days {
		out = append(out, l.partitions[day]...)
	}
	return out
}

// EventsSince returns all events with a timestamp at or after cutoff.
func (l *Log) EventsSince(cutoff time.Time) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, day := range l.days {
		for _, e := range l.partitions[day] {
			if !e.Timestamp.Before(cutoff) {
				out = append(out, e)
			}
		}
	}
	return out
}

// Len reports the total number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range l.partitions {
		n += len(p)
	}
	return n
}

// Enabled reports whether events are being recorded.
func (l *Log) Enabled() bool {
	return l != nil && l.enabled
}
