package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.NewStore(store.DBConfig{Type: store.DialectSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(rdb)
	return New(st, q, rdb), st, q, mr
}

func addMonitor(t *testing.T, st *store.Store, id string, active bool) {
	t.Helper()
	err := st.CreateMonitor(store.Monitor{
		ID:              id,
		OwnerID:         "user-1",
		Name:            id,
		Protocol:        "https",
		Target:          "https://example.com/" + id,
		IntervalMinutes: 5,
		TimeoutMs:       10000,
		AlertThreshold:  2,
		IsActive:        active,
	})
	if err != nil {
		t.Fatalf("CreateMonitor failed: %v", err)
	}
}

func TestReconcileSchedulesActiveMonitors(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	addMonitor(t, st, "mon-1", true)
	addMonitor(t, st, "mon-2", true)
	addMonitor(t, st, "mon-paused", false)

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	for _, id := range []string{"mon-1", "mon-2"} {
		ok, err := q.IsScheduled(ctx, id)
		if err != nil || !ok {
			t.Errorf("monitor %s not scheduled: %v %v", id, ok, err)
		}
	}
	ok, _ := q.IsScheduled(ctx, "mon-paused")
	if ok {
		t.Error("paused monitor was scheduled")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	addMonitor(t, st, "mon-1", true)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Delayed != 1 {
		t.Errorf("delayed = %d after double reconcile, want 1", stats.Delayed)
	}
}

func TestReconcilePurgesDeletedMonitors(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	addMonitor(t, st, "mon-1", true)
	if err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteMonitor("mon-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	ok, _ := q.IsScheduled(ctx, "mon-1")
	if ok {
		t.Error("deleted monitor still scheduled")
	}
}

func TestMasterLockSingleHolder(t *testing.T) {
	s1, _, _, mr := newTestScheduler(t)
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	st, err := store.NewStore(store.DBConfig{Type: store.DialectSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	s2 := New(st, queue.New(rdb), rdb)

	ok1, err := s1.tryAcquire(ctx)
	if err != nil || !ok1 {
		t.Fatalf("first instance should acquire: %v %v", ok1, err)
	}
	ok2, err := s2.tryAcquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("second instance acquired a held lock")
	}

	// Holder renews its own lock.
	ok1, err = s1.tryAcquire(ctx)
	if err != nil || !ok1 {
		t.Fatalf("holder failed to renew: %v %v", ok1, err)
	}

	// After expiry the other instance takes over.
	mr.FastForward(DefaultLockTTL + time.Second)
	ok2, err = s2.tryAcquire(ctx)
	if err != nil || !ok2 {
		t.Fatalf("failover did not happen: %v %v", ok2, err)
	}
	ok1, _ = s1.tryAcquire(ctx)
	if ok1 {
		t.Error("old master re-acquired after losing the lock")
	}
}

func TestReleaseOnlyOwnLock(t *testing.T) {
	s1, _, _, mr := newTestScheduler(t)
	ctx := context.Background()

	if ok, _ := s1.tryAcquire(ctx); !ok {
		t.Fatal("acquire failed")
	}
	// A stranger's release must not drop the lock.
	stranger := *s1
	stranger.instanceID = "someone-else"
	stranger.release()

	if !mr.Exists(masterLockKey) {
		t.Fatal("lock released by non-owner")
	}
	s1.release()
	if mr.Exists(masterLockKey) {
		t.Fatal("owner release did not drop the lock")
	}
}

func TestReconcileSkipsLeasedMonitors(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	addMonitor(t, st, "mon-1", true)
	if err := q.Schedule(ctx, "mon-1", time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	// A worker holds the job.
	if id, err := q.Dequeue(ctx); err != nil || id != "mon-1" {
		t.Fatalf("dequeue: %q %v", id, err)
	}

	if err := s.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if ok, _ := q.IsScheduled(ctx, "mon-1"); ok {
		t.Fatal("reconcile enqueued a second job for a leased monitor")
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Active != 1 || stats.Delayed != 0 || stats.Waiting != 0 {
		t.Errorf("queue state after reconcile: %+v", stats)
	}
}

func TestReconcileSkipsReadyMonitors(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	addMonitor(t, st, "mon-1", true)
	if err := q.RunNow(ctx, "mon-1"); err != nil {
		t.Fatal(err)
	}

	if err := s.Reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Waiting != 1 || stats.Delayed != 0 {
		t.Errorf("ready job duplicated by reconcile: %+v", stats)
	}
}
