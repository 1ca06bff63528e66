package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InMemoryEventPublisher fans merge events out to in-process subscribers.
// Delivery is best-effort: a subscriber that stops draining its channel
// loses events instead of stalling the engine.
type InMemoryEventPublisher struct {
	logger zerolog.Logger
	buffer int

	mu     sync.RWMutex
	closed bool
	subs   map[string]*subscription
}

type subscription struct {
	ch     chan Event
	filter EventFilter
}

// NewInMemoryEventPublisher creates a publisher whose subscriber channels
// buffer up to buffer events. A non-positive buffer gets a small default.
func NewInMemoryEventPublisher(buffer int, logger zerolog.Logger) *InMemoryEventPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &InMemoryEventPublisher{
		logger: logger.With().Str("component", "event-publisher").Logger(),
		buffer: buffer,
		subs:   make(map[string]*subscription),
	}
}

// Publish implements EventPublisher.
func (p *InMemoryEventPublisher) Publish(_ context.Context, event *Event) error {
	if event == nil {
		return NewPermanentError("event must not be nil", nil).WithCode(ErrCodeValidation)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return NewPermanentError("event publisher is closed", nil).WithCode(ErrCodeValidation)
	}

	for id, sub := range p.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- *event:
		default:
			p.logger.Warn().
				Str("subscriber", id).
				Str("event", string(event.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe implements EventPublisher.
func (p *InMemoryEventPublisher) Subscribe(_ context.Context, filter EventFilter) (<-chan Event, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, "", NewPermanentError("event publisher is closed", nil).WithCode(ErrCodeValidation)
	}

	id := uuid.New().String()
	sub := &subscription{
		ch:     make(chan Event, p.buffer),
		filter: filter,
	}
	p.subs[id] = sub
	return sub.ch, id, nil
}

// Unsubscribe implements EventPublisher. The subscriber's channel is
// closed.
func (p *InMemoryEventPublisher) Unsubscribe(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.subs[id]
	if !ok {
		return NewPermanentError("unknown subscriber", nil).
			WithCode(ErrCodeNotFound).WithDetail("subscriber", id)
	}
	delete(p.subs, id)
	close(sub.ch)
	return nil
}

// Close shuts the publisher down and closes every subscriber channel.
func (p *InMemoryEventPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.ch)
	}
	return nil
}

// publishEvent fills in an event's identity fields and publishes it,
// ignoring delivery errors. Publishing must never influence a merge's
// outcome.
func publishEvent(pub EventPublisher, event *Event) {
	if pub == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}
	_ = pub.Publish(context.Background(), event)
}
