package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

const (
	masterLockKey = "scheduler:master-lock"

	// DefaultLockTTL bounds how long a dead master blocks failover.
	DefaultLockTTL = 30 * time.Second
)

// renewScript extends the lock only while we still hold it, so a
// slow renewal can never steal the lock back from a new master.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lock only if we own it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Scheduler keeps the queue in step with the monitor table. Every
// instance runs one; only the current master performs reconciliation,
// lease reclaim and retention sweeps.
type Scheduler struct {
	store      *store.Store
	queue      *queue.Queue
	rdb        *redis.Client
	logger     *log.Logger
	instanceID string
	lockTTL    time.Duration
	isMaster   bool

	retentionDays int
	lastSweep     time.Time
}

func New(st *store.Store, q *queue.Queue, rdb *redis.Client) *Scheduler {
	return &Scheduler{
		store:         st,
		queue:         q,
		rdb:           rdb,
		logger:        logging.New("SCHEDULER"),
		instanceID:    uuid.NewString(),
		lockTTL:       DefaultLockTTL,
		retentionDays: store.CheckRetentionDays,
	}
}

// Run drives the master election and duty loop until ctx is done.
// The tick is a third of the lock TTL so renewal always lands well
// before expiry.
func (s *Scheduler) Run(ctx context.Context) {
	tick := s.lockTTL / 3
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger.Printf("Scheduler %s starting (lock ttl %s)", s.instanceID, s.lockTTL)
	for {
		s.step(ctx)
		select {
		case <-ctx.Done():
			s.release()
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) step(ctx context.Context) {
	master, err := s.tryAcquire(ctx)
	if err != nil {
		s.logger.Printf("Master lock error: %v", err)
		return
	}
	if master != s.isMaster {
		if master {
			s.logger.Printf("Instance %s became scheduler master", s.instanceID)
		} else {
			s.logger.Printf("Instance %s lost scheduler mastership", s.instanceID)
		}
		s.isMaster = master
	}
	if !master {
		return
	}

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Printf("Reconcile failed: %v", err)
	}
	if n, err := s.queue.ReclaimExpired(ctx); err != nil {
		s.logger.Printf("Lease reclaim failed: %v", err)
	} else if n > 0 {
		s.logger.Printf("Reclaimed %d expired leases", n)
	}
	if _, err := s.queue.Stats(ctx); err != nil {
		s.logger.Printf("Queue stats failed: %v", err)
	}
	s.sweep()
}

// tryAcquire takes or renews the master lock.
func (s *Scheduler) tryAcquire(ctx context.Context) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, masterLockKey, s.instanceID, s.lockTTL).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	renewed, err := renewScript.Run(ctx, s.rdb,
		[]string{masterLockKey}, s.instanceID, s.lockTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return renewed == 1, nil
}

func (s *Scheduler) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := releaseScript.Run(ctx, s.rdb, []string{masterLockKey}, s.instanceID).Result(); err != nil {
		s.logger.Printf("Lock release failed: %v", err)
	}
}

// Reconcile brings the queue in line with the monitor table: every
// active monitor gets a pending entry, and entries for paused or
// deleted monitors are purged.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	monitors, err := s.store.GetMonitors()
	if err != nil {
		return err
	}
	active := make(map[string]store.Monitor, len(monitors))
	for _, m := range monitors {
		if m.IsActive {
			active[m.ID] = m
		}
	}

	// Pending covers delayed, ready and leased jobs: a monitor whose
	// job was promoted or is mid-probe is still accounted for, so it
	// never gets a second concurrent job.
	pending, err := s.queue.PendingIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(pending))
	for _, id := range pending {
		known[id] = true
		if _, ok := active[id]; !ok {
			if err := s.queue.Remove(ctx, id); err != nil {
				s.logger.Printf("Failed to purge stale job %s: %v", id, err)
			}
		}
	}

	for id, m := range active {
		if known[id] {
			continue
		}
		// Stagger first runs across the interval so a cold start does
		// not probe everything at once.
		due := time.Now().Add(jitter(id, m.IntervalMinutes))
		if err := s.queue.Schedule(ctx, id, due); err != nil {
			s.logger.Printf("Failed to schedule monitor %s: %v", id, err)
		}
	}
	return nil
}

// sweep runs the check retention pass at most once an hour.
func (s *Scheduler) sweep() {
	if time.Since(s.lastSweep) < time.Hour {
		return
	}
	s.lastSweep = time.Now()
	n, err := s.store.PruneChecks(s.retentionDays)
	if err != nil {
		s.logger.Printf("Retention sweep failed: %v", err)
		return
	}
	if n > 0 {
		s.logger.Printf("Retention sweep removed %d checks", n)
	}
}

// jitter spreads a monitor's first run deterministically over its
// interval.
func jitter(id string, intervalMinutes int) time.Duration {
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	var h uint32
	for _, c := range id {
		h = h*31 + uint32(c)
	}
	window := time.Duration(intervalMinutes) * time.Minute
	return time.Duration(h) % window
}
