package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(KindMessageStatus, MessageStatusChange{MessageID: "m1", Status: "sent"})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageStatus {
			t.Errorf("got kind %q, want %s", evt.Kind, KindMessageStatus)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
		change, ok := evt.Payload.(MessageStatusChange)
		if !ok || change.MessageID != "m1" {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnectivityChanged})
	b.Publish(Event{Kind: KindChatsSynced})

	select {
	case evt := <-ch:
		if evt.Kind != KindChatsSynced {
			t.Errorf("got kind %q, want %s", evt.Kind, KindChatsSynced)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the connectivity event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	unsub()

	b.Publish(Event{Kind: KindConnectivityChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(KindSyncError, SyncError{})
}
