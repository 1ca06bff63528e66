package telemetry

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/engine"
)

// EventPublisher is a buffered engine.EventPublisher for binaries. It
// mirrors every merge event into the structured log and the metrics
// registry, then fans it out to subscribers. The engine's in-memory
// publisher delivers inline; this one moves delivery off the merge path
// when async mode is on.
//
// Event ids are monotonic ULIDs, so a captured event stream sorts into
// timeline order by id alone.
type EventPublisher struct {
	config  EventsConfig
	logger  zerolog.Logger
	metrics *Metrics

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy

	buffer chan engine.Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	closed     bool
	subsClosed bool
	subs       map[string]*eventSubscription
}

type eventSubscription struct {
	ch     chan engine.Event
	filter engine.EventFilter
}

// NewEventPublisher creates a new event publisher with the given
// configuration. A disabled configuration yields a no-op instance.
func NewEventPublisher(cfg EventsConfig, logger zerolog.Logger) (*EventPublisher, error) {
	ep := &EventPublisher{
		config:  cfg,
		logger:  logger.With().Str("component", "event-publisher").Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
		subs:    make(map[string]*eventSubscription),
	}
	if !cfg.Enabled {
		return ep, nil
	}

	ep.ctx, ep.cancel = context.WithCancel(context.Background())

	if cfg.EnableAsync {
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.run()
	}

	return ep, nil
}

// AttachMetrics routes per-event counters into the given metrics
// registry. Call before publishing begins.
func (ep *EventPublisher) AttachMetrics(m *Metrics) {
	ep.metrics = m
}

// Publish implements engine.EventPublisher. In async mode the event is
// buffered and delivered by the background worker; a full buffer drops
// the event rather than stalling the caller.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return fmt.Errorf("event must not be nil")
	}
	if !ep.config.Enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = ep.nextID(event.Timestamp)
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	ep.mu.RLock()
	closed := ep.closed
	ep.mu.RUnlock()
	if closed {
		return fmt.Errorf("event publisher is closed")
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- *event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher is closed")
		default:
			ep.logger.Warn().
				Str("event", string(event.Type)).
				Msg("event buffer full, dropping event")
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliver(*event)
	return nil
}

// Subscribe implements engine.EventPublisher.
func (ep *EventPublisher) Subscribe(_ context.Context, filter engine.EventFilter) (<-chan engine.Event, string, error) {
	if !ep.config.Enabled {
		return nil, "", fmt.Errorf("event publishing is disabled")
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil, "", fmt.Errorf("event publisher is closed")
	}

	id := uuid.New().String()
	sub := &eventSubscription{
		ch:     make(chan engine.Event, ep.config.BufferSize),
		filter: filter,
	}
	ep.subs[id] = sub
	return sub.ch, id, nil
}

// Unsubscribe implements engine.EventPublisher. The subscriber's channel
// is closed.
func (ep *EventPublisher) Unsubscribe(_ context.Context, id string) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	sub, ok := ep.subs[id]
	if !ok {
		return fmt.Errorf("unknown subscriber: %s", id)
	}
	delete(ep.subs, id)
	close(sub.ch)
	return nil
}

// nextID returns a ULID for the given timestamp. The monotonic entropy
// source is not safe for concurrent use, hence the lock.
func (ep *EventPublisher) nextID(ts time.Time) string {
	ep.idMu.Lock()
	defer ep.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), ep.entropy).String()
}

// run drains the buffer, delivering in batches. A batch goes out when it
// is full, on every flush tick, and on shutdown.
func (ep *EventPublisher) run() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)

	flush := func() {
		for _, event := range batch {
			ep.deliver(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliver mirrors one event into the log and metrics, then fans it out.
func (ep *EventPublisher) deliver(event engine.Event) {
	ep.logEvent(&event)
	if ep.metrics != nil {
		ep.metrics.RecordEvent(string(event.Type))
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.subsClosed {
		return
	}

	for id, sub := range ep.subs {
		if !sub.filter.Matches(&event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			ep.logger.Warn().
				Str("subscriber", id).
				Str("event", string(event.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
}

// logEvent writes the event to the structured log at its severity.
func (ep *EventPublisher) logEvent(event *engine.Event) {
	var evt *zerolog.Event
	switch event.Level {
	case "error":
		evt = ep.logger.Error()
	case "warning":
		evt = ep.logger.Warn()
	default:
		evt = ep.logger.Info()
	}

	evt = evt.Str("event", string(event.Type)).Str("event_id", event.ID)
	if event.Left != "" {
		evt = evt.Str("left", string(event.Left))
	}
	if event.Right != "" {
		evt = evt.Str("right", string(event.Right))
	}
	if event.Result != "" {
		evt = evt.Str("result", string(event.Result))
	}
	if len(event.Details) > 0 {
		evt = evt.Fields(event.Details)
	}
	evt.Msg(event.Message)
}

// Shutdown stops the publisher, flushes buffered events, and closes every
// subscriber channel.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	ep.mu.Unlock()

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subsClosed = true
	for _, sub := range ep.subs {
		close(sub.ch)
	}
	ep.subs = nil
	return nil
}
