package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRelay(t *testing.T) (*Relay, *Hub, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hub := NewHub()
	r := New(rdb, hub)
	if err := r.ensureGroup(context.Background()); err != nil {
		t.Fatalf("ensureGroup failed: %v", err)
	}
	return r, hub, rdb
}

func TestPublishAndConsume(t *testing.T) {
	r, hub, _ := newTestRelay(t)
	ctx := context.Background()

	ch, leave := hub.Subscribe("user-1")
	defer leave()

	u := Update{
		MonitorID:      "mon-1",
		Status:         "down",
		OldStatus:      "up",
		ResponseTimeMs: 0,
		Timestamp:      "2026-08-24T10:00:00Z",
		IncidentID:     "inc-1",
		Reasons:        []string{"CONNECTION_REFUSED: connection refused"},
	}
	if err := r.Publish(ctx, "user-1", u); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := r.consumeBatch(ctx); err != nil {
		t.Fatalf("consumeBatch failed: %v", err)
	}

	select {
	case data := <-ch:
		var got Update
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if got.Event != "monitor_update" {
			t.Errorf("event = %q, want monitor_update", got.Event)
		}
		if got.MonitorID != "mon-1" || got.Status != "down" || got.OldStatus != "up" {
			t.Errorf("got %+v", got)
		}
		if got.Timestamp != u.Timestamp || got.IncidentID != "inc-1" || len(got.Reasons) != 1 {
			t.Errorf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered to observer")
	}
}

func TestEventsScopedToOwner(t *testing.T) {
	r, hub, _ := newTestRelay(t)
	ctx := context.Background()

	mine, leaveMine := hub.Subscribe("user-1")
	defer leaveMine()
	theirs, leaveTheirs := hub.Subscribe("user-2")
	defer leaveTheirs()

	if err := r.Publish(ctx, "user-1", Update{MonitorID: "mon-1", Status: "up"}); err != nil {
		t.Fatal(err)
	}
	if err := r.consumeBatch(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-mine:
	case <-time.After(time.Second):
		t.Fatal("owner did not receive the event")
	}
	select {
	case <-theirs:
		t.Fatal("event leaked to another user's room")
	default:
	}
}

func TestUnparseableEntryIsAcked(t *testing.T) {
	r, _, rdb := newTestRelay(t)
	ctx := context.Background()

	if err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]any{"garbage": "1"},
	}).Err(); err != nil {
		t.Fatal(err)
	}
	if err := r.consumeBatch(ctx); err != nil {
		t.Fatalf("consumeBatch failed: %v", err)
	}

	pending, err := rdb.XPending(ctx, streamKey, consumerGroup).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Errorf("unparseable entry left pending: %+v", pending)
	}
}

func TestSlowObserverDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub()
	ch, leave := hub.Subscribe("user-1")
	defer leave()

	done := make(chan struct{})
	go func() {
		for i := 0; i < observerBuffer*2; i++ {
			hub.Broadcast("user-1", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow observer")
	}
	if n := len(ch); n != observerBuffer {
		t.Errorf("buffered %d events, want %d", n, observerBuffer)
	}
}

func TestLeaveRemovesObserver(t *testing.T) {
	hub := NewHub()
	_, leave := hub.Subscribe("user-1")
	if hub.Observers("user-1") != 1 {
		t.Fatal("subscribe did not register")
	}
	leave()
	if hub.Observers("user-1") != 0 {
		t.Fatal("leave did not remove the observer")
	}
}
