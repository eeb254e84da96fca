package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrStoreClosed is returned by Flush after Close.
var ErrStoreClosed = errors.New("event store closed")

// Event is one accepted webhook. Only Path and Data go on the wire; Seq is the
// position in the log, starting at 1.
type Event struct {
	Seq  uint64          `json:"-"`
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// marshalEvent encodes e as {"path":...,"data":...} without HTML escaping,
// so the payload bytes are exactly those accepted at intake.
func marshalEvent(e Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EventStore is the in-memory event log plus a single background writer that
// keeps the persisted snapshot up to date.
//
// The in-memory log is authoritative. Append never waits on the persister:
// it wakes the writer, which copies the log under the read lock and saves it
// outside the lock. Wakeups coalesce, so a burst of appends produces one or
// two snapshot writes rather than one per event.
type EventStore struct {
	mu     sync.RWMutex
	events []Event

	persister Persister
	logger    *slog.Logger

	// Owned by the writer goroutine once it is running.
	written    uint64
	quarantine bool

	wake     chan struct{}
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// OpenEventStore loads the snapshot from persister and starts the writer.
//
// A missing snapshot is created empty. A corrupt snapshot is logged and the
// store starts empty without touching it; it is moved aside right before the
// first new snapshot is written. Any other load error is returned.
func OpenEventStore(ctx context.Context, persister Persister, logger *slog.Logger) (*EventStore, error) {
	s := &EventStore{
		persister: persister,
		logger:    logger,
		wake:      make(chan struct{}, 1),
		flushReq:  make(chan chan error),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	events, err := persister.Load(ctx)
	var corrupt *CorruptSnapshotError
	switch {
	case err == nil:
	case errors.Is(err, ErrSnapshotNotFound):
		if err := persister.Save(ctx, nil); err != nil {
			logger.Error("failed to create empty snapshot", "error", err)
			snapshotWritesTotal.WithLabelValues("error").Inc()
		}
		events = nil
	case errors.As(err, &corrupt):
		logger.Error("snapshot is corrupt, starting with an empty event log", "error", err)
		s.quarantine = true
		events = nil
	default:
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	s.events = make([]Event, 0, len(events))
	for i, e := range events {
		e.Seq = uint64(i + 1)
		s.events = append(s.events, e)
	}
	s.written = uint64(len(s.events))
	eventsStored.Set(float64(len(s.events)))

	logger.Info("event store loaded", "events", len(s.events))

	go s.run()
	return s, nil
}

// Append adds an event to the end of the log and schedules a snapshot write.
func (s *EventStore) Append(path string, data json.RawMessage) Event {
	return s.AppendFunc(path, data, nil)
}

// AppendFunc is Append with a callback run while the log is still locked, so
// callbacks observe events in log order. fn must not block.
func (s *EventStore) AppendFunc(path string, data json.RawMessage, fn func(Event)) Event {
	s.mu.Lock()
	e := Event{
		Seq:  uint64(len(s.events) + 1),
		Path: path,
		Data: data,
	}
	s.events = append(s.events, e)
	n := len(s.events)
	if fn != nil {
		fn(e)
	}
	s.mu.Unlock()

	eventsStored.Set(float64(n))

	select {
	case s.wake <- struct{}{}:
	default:
		// A wakeup is already pending; the writer will pick this event up.
	}
	return e
}

// All returns a copy of the log in append order. It is never nil.
func (s *EventStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of events in the log.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Flush blocks until every event appended before the call has been handed to
// the persister, and returns the result of that write. If an earlier write
// failed, Flush retries it and reports the outcome.
func (s *EventStore) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.flushReq <- reply:
	case <-s.done:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes any pending snapshot and stops the writer. It does not close
// the persister.
func (s *EventStore) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EventStore) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.writeSnapshot()
		case reply := <-s.flushReq:
			reply <- s.writeSnapshot()
		case <-s.stop:
			s.writeSnapshot()
			return
		}
	}
}

// writeSnapshot saves the current log if it changed since the last successful
// write. Failures are logged and counted and leave the log marked dirty, so
// the next append or Flush retries the full dump.
func (s *EventStore) writeSnapshot() error {
	s.mu.RLock()
	n := uint64(len(s.events))
	if n == s.written {
		s.mu.RUnlock()
		return nil
	}
	snapshot := make([]Event, n)
	copy(snapshot, s.events)
	s.mu.RUnlock()

	ctx := context.Background()

	if s.quarantine {
		if q, ok := s.persister.(Quarantiner); ok {
			moved, err := q.Quarantine(ctx)
			if err != nil {
				// Do not overwrite the corrupt snapshot we failed to move.
				s.logger.Error("failed to move corrupt snapshot aside", "error", err)
				snapshotWritesTotal.WithLabelValues("error").Inc()
				return fmt.Errorf("quarantine snapshot: %w", err)
			}
			if moved != "" {
				s.logger.Warn("corrupt snapshot moved aside", "path", moved)
			}
		}
		s.quarantine = false
	}

	if err := s.persister.Save(ctx, snapshot); err != nil {
		s.logger.Error("failed to write snapshot", "events", len(snapshot), "error", err)
		snapshotWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("save snapshot: %w", err)
	}

	s.written = n
	snapshotWritesTotal.WithLabelValues("ok").Inc()
	return nil
}
