package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type EventType string

const (
	EventWrite     EventType = "write"
	EventSnapshot  EventType = "snapshot"
	EventRecovery  EventType = "recovery"
	EventIntegrity EventType = "integrity"
)

type Event struct {
	ID        string
	Type      EventType
	Op        string
	Key       string
	Root      string
	Sequence  uint64
	Success   bool
	Detail    string
	Timestamp time.Time
}

// Sink is a write-only destination for audit events. Callers treat failures
// as non-fatal.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

type NopSink struct{}

func (NopSink) Record(context.Context, Event) error { return nil }
func (NopSink) Close() error                        { return nil }

// Open picks a sink by driver name: "", "none", "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Sink, error) {
	switch strings.ToLower(driver) {
	case "", "none":
		return NopSink{}, nil
	case "sqlite":
		return NewSQLiteSink(dsn)
	case "postgres", "postgresql":
		return NewPostgresSink(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown audit driver: %s", driver)
	}
}

func prepare(ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.Timestamp = ev.Timestamp.UTC()
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(ev.Timestamp), ulid.DefaultEntropy()).String()
	}
	return ev
}
