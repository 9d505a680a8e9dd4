package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindPhaseChanged, Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindPhaseChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPhaseChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Publish did not stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConfigReloaded})
	b.Publish(Event{Kind: KindBatchCommitted})

	select {
	case evt := <-ch:
		if evt.Kind != KindBatchCommitted {
			t.Errorf("got kind %q, want %s", evt.Kind, KindBatchCommitted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The config event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	unsub()
	unsub()

	b.Publish(Event{Kind: KindRateLimited})

	select {
	case evt, ok := <-ch:
		if ok {
			t.Errorf("received event after unsubscribe: %v", evt)
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("channel not closed by unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Buffer is full; this one is dropped.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
