package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/driftdb/driftdb/pkg/engine"
)

func testEventsConfig(async bool) EventsConfig {
	return EventsConfig{
		Enabled:       true,
		BufferSize:    64,
		FlushInterval: 20 * time.Millisecond,
		MaxBatchSize:  8,
		EnableAsync:   async,
	}
}

func newTestPublisher(t *testing.T, cfg EventsConfig) *EventPublisher {
	t.Helper()
	ep, err := NewEventPublisher(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEventPublisher: %v", err)
	}
	return ep
}

func recvEvent(t *testing.T, ch <-chan engine.Event) engine.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatalf("event channel closed early")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return engine.Event{}
}

func TestPublishDeliversToSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep := newTestPublisher(t, testEventsConfig(false))
	defer ep.Shutdown(context.Background())

	ctx := context.Background()
	ch, _, err := ep.Subscribe(ctx, engine.EventFilter{
		Types: []engine.EventType{engine.EventTypeMergeCompleted},
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := ep.Publish(ctx, &engine.Event{
		Type: engine.EventTypeMergeStarted,
		Left: "commit-a", Right: "commit-b",
		Message: "merge started",
	}); err != nil {
		t.Fatalf("Publish started: %v", err)
	}
	if err := ep.Publish(ctx, &engine.Event{
		Type: engine.EventTypeMergeCompleted,
		Left: "commit-a", Right: "commit-b", Result: "commit-m",
		Message: "merge completed",
	}); err != nil {
		t.Fatalf("Publish completed: %v", err)
	}

	ev := recvEvent(t, ch)
	if ev.Type != engine.EventTypeMergeCompleted {
		t.Errorf("delivered type = %s, want filtered merge_completed", ev.Type)
	}
	if ev.ID == "" {
		t.Error("delivered event has no id")
	}
	if ev.Timestamp.IsZero() {
		t.Error("delivered event has no timestamp")
	}
	if ev.Level != "info" {
		t.Errorf("level = %q, want info", ev.Level)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected second delivery: %v", extra.Type)
	default:
	}
}

func TestAsyncFlushOnBatchSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testEventsConfig(true)
	cfg.FlushInterval = time.Minute
	cfg.MaxBatchSize = 2
	ep := newTestPublisher(t, cfg)
	defer ep.Shutdown(context.Background())

	ctx := context.Background()
	ch, _, err := ep.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := ep.Publish(ctx, &engine.Event{
			Type:    engine.EventTypeInfo,
			Message: "ping",
		}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	recvEvent(t, ch)
	recvEvent(t, ch)
}

func TestAsyncFlushOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testEventsConfig(true)
	cfg.FlushInterval = 20 * time.Millisecond
	cfg.MaxBatchSize = 100
	ep := newTestPublisher(t, cfg)
	defer ep.Shutdown(context.Background())

	ctx := context.Background()
	ch, _, err := ep.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeInfo,
		Message: "ping",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	recvEvent(t, ch)
}

func TestShutdownFlushesBufferedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testEventsConfig(true)
	cfg.FlushInterval = time.Minute
	cfg.MaxBatchSize = 100
	ep := newTestPublisher(t, cfg)

	ctx := context.Background()
	ch, _, err := ep.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ep.Publish(ctx, &engine.Event{
			Type:    engine.EventTypeInfo,
			Message: "buffered",
		}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got := 0
	for range ch {
		got++
	}
	if got != 3 {
		t.Errorf("flushed %d events before close, want 3", got)
	}
}

func TestPublishAfterShutdownFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep := newTestPublisher(t, testEventsConfig(true))
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := ep.Publish(context.Background(), &engine.Event{
		Type:    engine.EventTypeInfo,
		Message: "late",
	}); err == nil {
		t.Error("Publish after shutdown did not fail")
	}
	if _, _, err := ep.Subscribe(context.Background(), engine.EventFilter{}); err == nil {
		t.Error("Subscribe after shutdown did not fail")
	}
	// Second shutdown is a no-op.
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown: %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep := newTestPublisher(t, testEventsConfig(false))
	defer ep.Shutdown(context.Background())

	ctx := context.Background()
	ch, id, err := ep.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := ep.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
	if err := ep.Unsubscribe(ctx, id); err == nil {
		t.Error("second Unsubscribe did not fail")
	}

	// Publishing after the only subscriber left must not fail.
	if err := ep.Publish(ctx, &engine.Event{
		Type:    engine.EventTypeInfo,
		Message: "nobody listening",
	}); err != nil {
		t.Errorf("Publish without subscribers: %v", err)
	}
}

func TestEventIDsSortIntoTimelineOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep := newTestPublisher(t, testEventsConfig(false))
	defer ep.Shutdown(context.Background())

	ctx := context.Background()
	ch, _, err := ep.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := ep.Publish(ctx, &engine.Event{
			Type:    engine.EventTypeInfo,
			Message: "tick",
		}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, recvEvent(t, ch).ID)
	}
	if !(ids[0] < ids[1] && ids[1] < ids[2]) {
		t.Errorf("ids not strictly increasing: %v", ids)
	}
}

func TestDisabledPublisherIsInert(t *testing.T) {
	defer goleak.VerifyNone(t)

	ep := newTestPublisher(t, EventsConfig{Enabled: false})

	if err := ep.Publish(context.Background(), &engine.Event{
		Type:    engine.EventTypeInfo,
		Message: "dropped",
	}); err != nil {
		t.Errorf("disabled Publish: %v", err)
	}
	if _, _, err := ep.Subscribe(context.Background(), engine.EventFilter{}); err == nil {
		t.Error("disabled Subscribe did not fail")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled Shutdown: %v", err)
	}
}

func TestPublishRejectsNilEvent(t *testing.T) {
	ep := newTestPublisher(t, testEventsConfig(false))
	defer ep.Shutdown(context.Background())

	if err := ep.Publish(context.Background(), nil); err == nil {
		t.Error("nil event accepted")
	}
}
