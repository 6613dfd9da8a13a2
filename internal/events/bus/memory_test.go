package bus

import (
	"context"
	"testing"

	"github.com/devboard/devboard/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func publish(t *testing.T, b *MemoryEventBus, subject string) {
	t.Helper()
	if err := b.Publish(context.Background(), subject, NewEvent("test", "test", nil)); err != nil {
		t.Fatalf("publish %s failed: %v", subject, err)
	}
}

func TestExactSubjectMatch(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got int
	_, err := b.Subscribe("execution.log.issue-1", func(ctx context.Context, e *Event) error {
		got++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publish(t, b, "execution.log.issue-1")
	publish(t, b, "execution.log.issue-2")

	if got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestSingleTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("execution.log.*", func(ctx context.Context, e *Event) error {
		subjects = append(subjects, e.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publish(t, b, "execution.log.issue-1")
	publish(t, b, "execution.log.issue-2")
	// Two tokens after the prefix; * must not span them.
	publish(t, b, "execution.log.issue-1.extra")
	// Different prefix entirely.
	publish(t, b, "execution.state.issue-1")

	if len(subjects) != 2 {
		t.Errorf("expected 2 deliveries, got %d", len(subjects))
	}
}

func TestMultiTokenWildcard(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got int
	_, err := b.Subscribe("execution.>", func(ctx context.Context, e *Event) error {
		got++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publish(t, b, "execution.log.issue-1")
	publish(t, b, "execution.state.issue-1.deep.nesting")
	publish(t, b, "issue.updated.issue-1")

	if got != 2 {
		t.Errorf("expected 2 deliveries, got %d", got)
	}
}

func TestSynchronousInOrderDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var order []string
	_, err := b.Subscribe("orders", func(ctx context.Context, e *Event) error {
		order = append(order, e.Source)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	for _, src := range []string{"a", "b", "c"} {
		if err := b.Publish(context.Background(), "orders", NewEvent("test", src, nil)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}

	// Delivery happens on the publisher goroutine, so by the time Publish
	// returns the handler has run. No synchronization needed.
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("expected in-order delivery [a b c], got %v", order)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got int
	sub, err := b.Subscribe("topic", func(ctx context.Context, e *Event) error {
		got++
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publish(t, b, "topic")
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after unsubscribe")
	}
	publish(t, b, "topic")

	if got != 1 {
		t.Errorf("expected delivery to stop after unsubscribe, got %d", got)
	}
}

func TestHandlerPanicDoesNotAffectOthers(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var got int
	if _, err := b.Subscribe("topic", func(ctx context.Context, e *Event) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if _, err := b.Subscribe("topic", func(ctx context.Context, e *Event) error {
		got++
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	publish(t, b, "topic")

	if got != 1 {
		t.Errorf("healthy subscriber starved by panicking one, got %d", got)
	}
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var total int
	for i := 0; i < 3; i++ {
		if _, err := b.QueueSubscribe("work", "workers", func(ctx context.Context, e *Event) error {
			total++
			return nil
		}); err != nil {
			t.Fatalf("queue subscribe failed: %v", err)
		}
	}

	for i := 0; i < 6; i++ {
		publish(t, b, "work")
	}

	if total != 6 {
		t.Errorf("expected each event delivered exactly once across the group, got %d", total)
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	if err := b.Publish(context.Background(), "topic", NewEvent("test", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if b.IsConnected() {
		t.Error("closed bus reports connected")
	}
}
