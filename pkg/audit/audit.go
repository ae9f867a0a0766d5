// Package audit records access-control events and renders them for operators.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// EventType classifies an audit event.
type EventType string

// Event types emitted by the access controller.
const (
	TypeInit           EventType = "INIT"
	TypeAuthFail       EventType = "AUTH_FAIL"
	TypeBlocked        EventType = "BLOCKED"
	TypeAccessGranted  EventType = "ACCESS_GRANTED"
	TypeSessionTimeout EventType = "SESSION_TIMEOUT"
	TypeSessionClosed  EventType = "SESSION_CLOSED"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case TypeInit, TypeAuthFail, TypeBlocked, TypeAccessGranted, TypeSessionTimeout, TypeSessionClosed:
		return true
	}
	return false
}

// TimeLayout is the timestamp format used in log lines and tables.
const TimeLayout = "2006-01-02 15:04:05"

// ErrInvalidEvent indicates an event without a known type or timestamp.
var ErrInvalidEvent = errors.New("audit: invalid event")

// Event is one audit record. Events are values; sinks never mutate them.
type Event struct {
	Timestamp time.Time
	UserID    string
	Type      EventType
	Details   string
}

// Validate reports whether e can be recorded.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}
	return nil
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// Reader returns recorded events oldest first. A limit of zero or less
// returns everything; otherwise only the most recent limit events.
type Reader interface {
	Events(ctx context.Context, limit int) ([]Event, error)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }

// MultiSink fans an event out to every sink. All sinks are attempted; their
// errors are joined.
type MultiSink []Sink

// Emit implements Sink.
func (m MultiSink) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func tail(events []Event, limit int) []Event {
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}
