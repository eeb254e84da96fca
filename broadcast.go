package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Notification types pushed to observers.
const (
	NotifyStatus = "status"
	NotifyEvent  = "event"
)

// observerBufferSize is how many notifications an observer may fall behind
// before it is disconnected.
const observerBufferSize = 64

// mirrorQueueSize is how many notifications may wait for the mirror
// publisher before new ones are dropped.
const mirrorQueueSize = 1024

const observerIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Notification is one message for observers. Data is the status label for
// "status" and the {path, data} object for "event".
type Notification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func statusNotification(state ListeningState) Notification {
	return Notification{Type: NotifyStatus, Data: json.RawMessage(`"` + state.String() + `"`)}
}

// Observer is a connected consumer of notifications.
type Observer struct {
	ID        string
	Transport string

	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

// Notifications delivers live notifications in emission order.
func (o *Observer) Notifications() <-chan Notification { return o.ch }

// Done is closed when the hub drops the observer, either because it fell
// too far behind or because it was unsubscribed.
func (o *Observer) Done() <-chan struct{} { return o.done }

func (o *Observer) kick() {
	o.closeOnce.Do(func() { close(o.done) })
}

// Hub fans notifications out to every registered observer and to an optional
// mirror publisher. Emission never blocks: an observer with a full buffer is
// kicked and must reconnect and catch up through the query endpoints, and
// mirror publishes are queued for a single background goroutine.
type Hub struct {
	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool

	mirror     Publisher
	mirrorQ    chan Notification
	mirrorDone chan struct{}
	closeOnce  sync.Once

	logger *slog.Logger
	seq    atomic.Uint64
}

// NewHub creates a hub and starts its mirror goroutine. mirror may be nil.
// Call Close to drain the mirror queue.
func NewHub(mirror Publisher, logger *slog.Logger) *Hub {
	if mirror == nil {
		mirror = &NoopPublisher{}
	}
	h := &Hub{
		observers:  make(map[*Observer]struct{}),
		mirror:     mirror,
		mirrorQ:    make(chan Notification, mirrorQueueSize),
		mirrorDone: make(chan struct{}),
		logger:     logger,
	}
	go h.runMirror()
	return h
}

// Close stops mirroring new notifications and waits until queued mirror
// publishes have been handed to the publisher. It does not close the
// publisher.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.mirrorQ)
		h.mu.Unlock()
	})
	select {
	case <-h.mirrorDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) runMirror() {
	defer close(h.mirrorDone)
	for n := range h.mirrorQ {
		if err := h.mirror.Publish(context.Background(), n.Type, n.Data); err != nil {
			h.logger.Error("failed to mirror notification", "type", n.Type, "error", err)
		}
	}
}

// Subscribe registers a new observer. Call Unsubscribe when the connection
// ends.
func (h *Hub) Subscribe(transport string) *Observer {
	o := &Observer{
		ID:        h.newObserverID(),
		Transport: transport,
		ch:        make(chan Notification, observerBufferSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	h.observers[o] = struct{}{}
	h.mu.Unlock()

	observersGauge.WithLabelValues(transport).Inc()
	h.logger.Debug("observer connected", "observer", o.ID, "transport", transport)
	return o
}

// Unsubscribe removes o from the hub. Safe to call more than once.
func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o]
	delete(h.observers, o)
	h.mu.Unlock()

	o.kick()
	if ok {
		observersGauge.WithLabelValues(o.Transport).Dec()
		h.logger.Debug("observer disconnected", "observer", o.ID, "transport", o.Transport)
	}
}

// Count returns the number of registered observers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// DisconnectAll kicks every observer so their transports return. Used on
// shutdown, where hijacked WebSocket connections outlive http.Server.Shutdown.
func (h *Hub) DisconnectAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.observers {
		o.kick()
	}
}

// PublishStatus implements StatusPublisher.
func (h *Hub) PublishStatus(state ListeningState) {
	h.publish(statusNotification(state))
}

// PublishEvent sends an accepted event to observers.
func (h *Hub) PublishEvent(e Event) {
	data, err := marshalEvent(e)
	if err != nil {
		h.logger.Warn("failed to marshal event for broadcast", "path", e.Path, "error", err)
		return
	}
	h.publish(Notification{Type: NotifyEvent, Data: data})
}

func (h *Hub) publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for o := range h.observers {
		select {
		case <-o.done:
			continue
		default:
		}
		select {
		case o.ch <- n:
		default:
			notificationsDroppedTotal.Inc()
			h.logger.Warn("observer too slow, disconnecting", "observer", o.ID, "transport", o.Transport)
			o.kick()
		}
	}

	if h.closed {
		return
	}
	select {
	case h.mirrorQ <- n:
	default:
		notificationsDroppedTotal.Inc()
		h.logger.Warn("mirror queue full, dropping notification", "type", n.Type)
	}
}

func (h *Hub) newObserverID() string {
	id, err := nanoid.Generate(observerIDAlphabet, 10)
	if err != nil {
		return fmt.Sprintf("obs-%d", h.seq.Add(1))
	}
	return "obs-" + id
}
