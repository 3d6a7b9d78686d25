package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/pitabwire/frame/queue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/xid"
)

const defaultSubscriberBuffer = 64

var droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "intentflow",
	Subsystem: "events",
	Name:      "dropped_total",
	Help:      "Events not delivered to a local subscriber because its buffer was full.",
}, []string{"event_type"})

type subscription struct {
	ch    chan Envelope
	types map[EventType]bool
}

func (s *subscription) wants(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// Publisher emits dialog events to a frame queue and to in-process
// subscribers. A nil queue manager limits delivery to local subscribers.
type Publisher struct {
	queueMgr queue.Manager
	source   string
	queueRef string

	subMu       sync.RWMutex
	subscribers map[string]*subscription
}

// NewPublisher creates a publisher that emits events to the given queue reference.
func NewPublisher(queueMgr queue.Manager, source string, queueRef string) *Publisher {
	return &Publisher{
		queueMgr:    queueMgr,
		source:      source,
		queueRef:    queueRef,
		subscribers: make(map[string]*subscription),
	}
}

// NewLocalPublisher creates a publisher that only fans out in-process.
func NewLocalPublisher(source string) *Publisher {
	return NewPublisher(nil, source, "")
}

// Emit wraps data in an Envelope and delivers it. Local delivery never
// blocks; a full subscriber misses the event.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, sessionID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	envelope := Envelope{
		ID:        xid.New().String(),
		Type:      eventType,
		Source:    p.source,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	p.subMu.RLock()
	for id, sub := range p.subscribers {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- envelope:
		default:
			droppedEvents.WithLabelValues(string(eventType)).Inc()
			slog.WarnContext(ctx, "event dropped: subscriber buffer full",
				slog.String("subscriber", id),
				slog.String("event_type", string(eventType)),
				slog.String("session_id", sessionID))
		}
	}
	p.subMu.RUnlock()

	if p.queueMgr == nil || p.queueRef == "" {
		return nil
	}
	return p.queueMgr.Publish(ctx, p.queueRef, envelope)
}

// Subscribe registers a local subscriber. With no types it receives every
// event. Subscribing again with the same id replaces and closes the previous
// channel. Call Unsubscribe to release it.
func (p *Publisher) Subscribe(id string, bufSize int, types ...EventType) <-chan Envelope {
	if bufSize <= 0 {
		bufSize = defaultSubscriberBuffer
	}
	sub := &subscription{ch: make(chan Envelope, bufSize)}
	if len(types) > 0 {
		sub.types = make(map[EventType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	p.subMu.Lock()
	if old, ok := p.subscribers[id]; ok {
		close(old.ch)
	}
	p.subscribers[id] = sub
	p.subMu.Unlock()
	return sub.ch
}

// Unsubscribe removes a local subscription and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.subMu.Lock()
	if sub, ok := p.subscribers[id]; ok {
		close(sub.ch)
		delete(p.subscribers, id)
	}
	p.subMu.Unlock()
}
