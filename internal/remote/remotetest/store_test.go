package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/relay/internal/remote"
)

func TestSubscribeMessagesPushesSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutMessage(remote.MessageDoc{ID: "old", ChatID: "c1", SenderID: "bob", Status: "sent", CreatedAt: 500})

	stream, err := s.SubscribeMessages(ctx, "c1", time.UnixMilli(1000))
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Cancel()

	if snap := next(t, stream.C); len(snap) != 0 {
		t.Fatalf("initial snapshot = %v, want empty (old is before watermark)", snap)
	}

	if err := s.WriteMessage(ctx, remote.MessageDoc{ID: "m1", ChatID: "c1", SenderID: "alice", Status: "sending", CreatedAt: 2000}); err != nil {
		t.Fatal(err)
	}
	snap := next(t, stream.C)
	if len(snap) != 1 || snap[0].ID != "m1" || snap[0].Status != "sent" {
		t.Fatalf("snapshot = %+v, want m1 sent", snap)
	}

	if err := s.UpdateMessageStatus(ctx, "c1", "m1", "delivered", "bob"); err != nil {
		t.Fatal(err)
	}
	snap = next(t, stream.C)
	if snap[0].Status != "delivered" || len(snap[0].DeliveredTo) != 1 {
		t.Errorf("snapshot = %+v, want delivered to bob", snap[0])
	}

	// Lower rank writes are ignored.
	if err := s.UpdateMessageStatus(ctx, "c1", "m1", "sent", "bob"); err != nil {
		t.Fatal(err)
	}
	if m, _ := s.Message("c1", "m1"); m.Status != "delivered" {
		t.Errorf("status = %q, want delivered", m.Status)
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	s := New()
	stream, err := s.SubscribeChats(context.Background(), "alice")
	if err != nil {
		t.Fatal(err)
	}
	next(t, stream.C)
	stream.Cancel()

	deadline := time.Now().Add(time.Second)
	for s.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOffline(t *testing.T) {
	s := New()
	s.SetOffline(true)
	ctx := context.Background()

	if _, err := s.SubscribeChats(ctx, "alice"); !errors.Is(err, remote.ErrOffline) {
		t.Errorf("subscribe err = %v, want ErrOffline", err)
	}
	if err := s.WriteMessage(ctx, remote.MessageDoc{ID: "m"}); !errors.Is(err, remote.ErrOffline) {
		t.Errorf("write err = %v, want ErrOffline", err)
	}
	if s.Writes.Load() != 0 {
		t.Errorf("writes = %d, want 0", s.Writes.Load())
	}
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for snapshot")
	}
	var zero T
	return zero
}
