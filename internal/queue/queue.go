package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
)

const (
	keyDelayed  = "sched:delayed"
	keyReady    = "sched:ready"
	keyLeases   = "sched:leases"
	keyAttempts = "sched:attempts"
	keyDead     = "sched:dead"

	cooldownPrefix = "cooldown:manual-check:"

	// DefaultLeaseTTL is how long a dequeued job may run before a
	// reclaimer hands it to another worker.
	DefaultLeaseTTL = 2 * time.Minute

	// DefaultMaxAttempts is how many failed deliveries a job gets
	// before it parks in the dead set.
	DefaultMaxAttempts = 5

	// ManualCheckCooldown throttles on-demand checks per monitor.
	ManualCheckCooldown = 30 * time.Second
)

// ErrCoolingDown is returned when a manual check arrives inside the
// per-monitor cooldown window.
var ErrCoolingDown = errors.New("manual check is cooling down")

// promoteScript moves all due delayed jobs to the ready list in one
// atomic step so two schedulers never double-promote.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 128)
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

// scheduleScript replaces any pending occurrence of the job before
// adding the new due time, keeping at most one scheduled entry per
// monitor.
var scheduleScript = redis.NewScript(`
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// Stats is a point-in-time snapshot of queue depths.
type Stats struct {
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Delayed int64 `json:"delayed"`
	Failed  int64 `json:"failed"`
}

// Queue is the Redis-backed delayed job queue shared by all scheduler
// and worker instances.
type Queue struct {
	rdb         *redis.Client
	logger      *log.Logger
	leaseTTL    time.Duration
	maxAttempts int
}

type Option func(*Queue)

func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *Queue) { q.leaseTTL = ttl }
}

func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

func New(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		rdb:         rdb,
		logger:      logging.New("QUEUE"),
		leaseTTL:    DefaultLeaseTTL,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Schedule enqueues the monitor to run at the given time, replacing
// any earlier pending entry for it.
func (q *Queue) Schedule(ctx context.Context, monitorID string, at time.Time) error {
	return scheduleScript.Run(ctx, q.rdb,
		[]string{keyDelayed, keyReady},
		monitorID, at.UnixMilli()).Err()
}

// RunNow pushes the monitor to the front of the ready list, subject to
// the per-monitor cooldown.
func (q *Queue) RunNow(ctx context.Context, monitorID string) error {
	ok, err := q.rdb.SetNX(ctx, cooldownPrefix+monitorID, "1", ManualCheckCooldown).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrCoolingDown
	}
	return q.rdb.LPush(ctx, keyReady, monitorID).Err()
}

// Dequeue promotes due jobs and blocks up to five seconds for the next
// ready one. It returns "" with a nil error when nothing arrived in
// time so callers can re-check for shutdown.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	now := time.Now().UnixMilli()
	if err := promoteScript.Run(ctx, q.rdb,
		[]string{keyDelayed, keyReady}, now).Err(); err != nil && err != redis.Nil {
		return "", fmt.Errorf("promote due jobs: %w", err)
	}

	res, err := q.rdb.BRPop(ctx, 5*time.Second, keyReady).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	monitorID := res[1]

	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, keyLeases, redis.Z{
		Score:  float64(time.Now().Add(q.leaseTTL).UnixMilli()),
		Member: monitorID,
	})
	pipe.HIncrBy(ctx, keyAttempts, monitorID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("lease %s: %w", monitorID, err)
	}
	return monitorID, nil
}

// Ack releases the lease and clears the attempt counter after a
// successful run.
func (q *Queue) Ack(ctx context.Context, monitorID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyLeases, monitorID)
	pipe.HDel(ctx, keyAttempts, monitorID)
	_, err := pipe.Exec(ctx)
	return err
}

// Nack releases the lease and either redelivers with backoff or, past
// the attempt budget, parks the job in the dead set.
func (q *Queue) Nack(ctx context.Context, monitorID string) error {
	attempts, err := q.rdb.HGet(ctx, keyAttempts, monitorID).Int()
	if err != nil && err != redis.Nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyLeases, monitorID)
	if attempts >= q.maxAttempts {
		q.logger.Printf("Job for monitor %s failed %d times, moving to dead set", monitorID, attempts)
		metrics.JobsProcessed.WithLabelValues("dead").Inc()
		pipe.SAdd(ctx, keyDead, monitorID)
		pipe.HDel(ctx, keyAttempts, monitorID)
	} else {
		backoff := time.Duration(attempts) * 15 * time.Second
		pipe.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(backoff).UnixMilli()),
			Member: monitorID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Remove drops every trace of the monitor from the queue. Called when
// a monitor is deleted or paused.
func (q *Queue) Remove(ctx context.Context, monitorID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyDelayed, monitorID)
	pipe.LRem(ctx, keyReady, 0, monitorID)
	pipe.ZRem(ctx, keyLeases, monitorID)
	pipe.HDel(ctx, keyAttempts, monitorID)
	pipe.SRem(ctx, keyDead, monitorID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReclaimExpired moves jobs whose lease lapsed back to the ready list
// and returns how many were reclaimed.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	expired, err := q.rdb.ZRangeByScore(ctx, keyLeases, &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}
	for _, monitorID := range expired {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyLeases, monitorID)
		pipe.LPush(ctx, keyReady, monitorID)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, err
		}
		q.logger.Printf("Reclaimed expired lease for monitor %s", monitorID)
	}
	return len(expired), nil
}

// IsScheduled reports whether the monitor has a pending delayed entry.
func (q *Queue) IsScheduled(ctx context.Context, monitorID string) (bool, error) {
	_, err := q.rdb.ZScore(ctx, keyDelayed, monitorID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ScheduledIDs returns every monitor with a delayed entry.
func (q *Queue) ScheduledIDs(ctx context.Context) ([]string, error) {
	return q.rdb.ZRange(ctx, keyDelayed, 0, -1).Result()
}

// PendingIDs returns every monitor with a job anywhere in the queue:
// delayed, ready or currently leased. A monitor in this set must not
// be scheduled again or two workers could hold it at once.
func (q *Queue) PendingIDs(ctx context.Context) ([]string, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZRange(ctx, keyDelayed, 0, -1)
	ready := pipe.LRange(ctx, keyReady, 0, -1)
	leased := pipe.ZRange(ctx, keyLeases, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, group := range [][]string{delayed.Val(), ready.Val(), leased.Val()} {
		for _, id := range group {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// Stats reports current queue depths and updates the depth gauges.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, keyReady)
	active := pipe.ZCard(ctx, keyLeases)
	delayed := pipe.ZCard(ctx, keyDelayed)
	failed := pipe.SCard(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	st := Stats{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}
	metrics.QueueDepth.WithLabelValues("waiting").Set(float64(st.Waiting))
	metrics.QueueDepth.WithLabelValues("active").Set(float64(st.Active))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(st.Delayed))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(st.Failed))
	return st, nil
}

// Ping verifies the Redis connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
