package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pulsewatch/pulsewatch/internal/alert"
	"github.com/pulsewatch/pulsewatch/internal/health"
	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/probe"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/relay"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

// DefaultConcurrency is how many probe workers each process runs.
const DefaultConcurrency = 8

// hydrateWindow is how many persisted checks seed the confirmation
// window on startup.
const hydrateWindow = health.WindowSize

// Pool pulls jobs off the shared queue and runs the per-check
// pipeline. The queue's lease contract guarantees a monitor is never
// processed by two workers at once, so per-monitor updates are
// totally ordered.
type Pool struct {
	store       *store.Store
	queue       *queue.Queue
	engine      *probe.Engine
	registry    *health.Registry
	alerts      *alert.Engine
	relay       *relay.Relay
	logger      *log.Logger
	concurrency int
}

func NewPool(st *store.Store, q *queue.Queue, eng *probe.Engine, reg *health.Registry,
	alerts *alert.Engine, rel *relay.Relay, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Pool{
		store:       st,
		queue:       q,
		engine:      eng,
		registry:    reg,
		alerts:      alerts,
		relay:       rel,
		logger:      logging.New("WORKER"),
		concurrency: concurrency,
	}
}

// Run hydrates confirmation state and processes jobs until ctx is
// done, then waits for in-flight checks to finish.
func (p *Pool) Run(ctx context.Context) {
	p.hydrate()

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	p.logger.Printf("Worker pool drained")
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		monitorID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("Worker %d dequeue failed: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if monitorID == "" {
			continue
		}
		if err := p.process(ctx, monitorID); err != nil {
			p.logger.Printf("Worker %d failed to process monitor %s: %v", id, monitorID, err)
			metrics.JobsProcessed.WithLabelValues("retried").Inc()
			if err := p.queue.Nack(ctx, monitorID); err != nil {
				p.logger.Printf("Nack failed for monitor %s: %v", monitorID, err)
			}
			continue
		}
		metrics.JobsProcessed.WithLabelValues("acked").Inc()
	}
}

// process runs the full pipeline for one job and acks it. A nil
// return means the job is settled; errors trigger redelivery.
func (p *Pool) process(ctx context.Context, monitorID string) error {
	m, err := p.store.GetMonitor(monitorID)
	if err == store.ErrMonitorNotFound {
		// Deleted under us; settle the job and block re-enqueues.
		_ = p.queue.Remove(ctx, monitorID)
		return p.queue.Ack(ctx, monitorID)
	}
	if err != nil {
		return err
	}
	if !m.IsActive {
		return p.queue.Ack(ctx, monitorID)
	}

	result, verifications := p.probeWithVerification(ctx, *m)

	ev := health.Evaluate(result, counters(*m), p.registry.Window(m.ID))

	now := time.Now().UTC()
	apply := store.CheckApplication{
		Status:         string(ev.Status),
		Failed:         !result.Up,
		Degraded:       ev.Candidate == health.StatusDegraded,
		Slow:           hasSlowReason(ev.Reasons),
		ResponseTimeMs: result.ResponseTimeMs,
		CheckedAt:      now,
	}
	if err := p.store.ApplyCheck(m.ID, apply); err != nil {
		if err == store.ErrMonitorNotFound {
			return p.queue.Ack(ctx, monitorID)
		}
		return err
	}
	p.registry.Record(m.ID, ev.Status, now)

	if err := p.store.InsertCheck(buildCheck(m.ID, now, result, ev, verifications)); err != nil {
		p.logger.Printf("Failed to persist check for monitor %s: %v", m.ID, err)
	}

	updated := foldCounters(*m, apply)
	incidentID, err := p.alerts.Process(ctx, alert.Transition{
		Monitor:    updated,
		OldStatus:  health.Status(m.Status),
		NewStatus:  ev.Status,
		Result:     result,
		Evaluation: ev,
		Window:     p.registry.Window(m.ID),
	})
	if err != nil {
		p.logger.Printf("Alert processing failed for monitor %s: %v", m.ID, err)
	}

	if err := p.relay.Publish(ctx, m.OwnerID, relay.Update{
		MonitorID:      m.ID,
		Status:         string(ev.Status),
		OldStatus:      m.Status,
		ResponseTimeMs: result.ResponseTimeMs,
		Timestamp:      now.Format(time.RFC3339),
		IncidentID:     incidentID,
		Reasons:        ev.Reasons,
	}); err != nil {
		p.logger.Printf("Relay publish failed for monitor %s: %v", m.ID, err)
	}

	if err := p.queue.Ack(ctx, monitorID); err != nil {
		return err
	}
	next := now.Add(time.Duration(m.IntervalMinutes) * time.Minute)
	return p.queue.Schedule(ctx, m.ID, next)
}

// probeWithVerification runs the probe and, when a previously healthy
// monitor comes back DOWN or DEGRADED, re-probes once immediately.
// Matching verdicts raise confidence; a healthy re-probe wins.
func (p *Pool) probeWithVerification(ctx context.Context, m store.Monitor) (probe.CheckResult, []string) {
	target := targetFor(m)
	result := p.engine.Check(ctx, target)

	wasHealthy := m.Status == string(health.StatusUp) || m.Status == "unknown" || m.Status == ""
	if result.Up && !probe.IsDegradedType(result.ErrorType) {
		return result, nil
	}
	if !wasHealthy {
		return result, nil
	}

	second := p.engine.Check(ctx, target)
	note := fmt.Sprintf("re-probe confirmed %s", second.ErrorType)
	if second.Up && !probe.IsDegradedType(second.ErrorType) {
		note = "re-probe succeeded, treating first failure as transient"
		p.logger.Printf("Monitor %s: %s", m.ID, note)
		return second, []string{note}
	}
	return second, []string{note}
}

// hydrate seeds confirmation windows from persisted checks so
// restarts do not reset hysteresis.
func (p *Pool) hydrate() {
	monitors, err := p.store.GetMonitors()
	if err != nil {
		p.logger.Printf("Hydration skipped, monitor load failed: %v", err)
		return
	}
	for _, m := range monitors {
		checks, err := p.store.GetRecentChecks(m.ID, hydrateWindow)
		if err != nil {
			p.logger.Printf("Hydration failed for monitor %s: %v", m.ID, err)
			continue
		}
		outcomes := make([]health.Outcome, 0, len(checks))
		// GetRecentChecks is newest first; the window wants oldest first.
		for i := len(checks) - 1; i >= 0; i-- {
			c := checks[i]
			outcomes = append(outcomes, health.Outcome{
				Up:        c.Status != string(health.StatusDown),
				Degraded:  c.Status == string(health.StatusDegraded),
				Timestamp: c.Timestamp,
			})
		}
		p.registry.Hydrate(m.ID, outcomes)
	}
	p.logger.Printf("Hydrated confirmation state for %d monitors", len(monitors))
}

func targetFor(m store.Monitor) probe.Target {
	return probe.Target{
		Protocol:               probe.Protocol(m.Protocol),
		Target:                 m.Target,
		Port:                   m.Port,
		Timeout:                time.Duration(m.TimeoutMs) * time.Millisecond,
		SSLExpiryThresholdDays: m.SSLExpiryThresholdDays,
	}
}

func counters(m store.Monitor) health.Counters {
	return health.Counters{
		Protocol:               probe.Protocol(m.Protocol),
		TotalChecks:            m.TotalChecks,
		SuccessfulChecks:       m.SuccessfulChecks,
		ConsecutiveFailures:    m.ConsecutiveFailures,
		ConsecutiveDegraded:    m.ConsecutiveDegraded,
		ConsecutiveSlowCount:   m.ConsecutiveSlowCount,
		AlertThreshold:         m.AlertThreshold,
		DegradedThresholdMs:    m.DegradedThresholdMs,
		SSLExpiryThresholdDays: m.SSLExpiryThresholdDays,
		CurrentStatus:          health.Status(m.Status),
	}
}

// foldCounters mirrors the ApplyCheck arithmetic so the alert engine
// sees post-check counters without a re-read.
func foldCounters(m store.Monitor, a store.CheckApplication) store.Monitor {
	m.TotalChecks++
	if a.Status == "up" || a.Status == "degraded" {
		m.SuccessfulChecks++
	}
	if a.Failed {
		m.ConsecutiveFailures++
	} else {
		m.ConsecutiveFailures = 0
	}
	if a.Degraded {
		m.ConsecutiveDegraded++
	} else {
		m.ConsecutiveDegraded = 0
	}
	if a.Slow {
		m.ConsecutiveSlowCount++
	} else {
		m.ConsecutiveSlowCount = 0
	}
	m.Status = a.Status
	m.LastResponseTimeMs = a.ResponseTimeMs
	checked := a.CheckedAt
	m.LastChecked = &checked
	return m
}

func buildCheck(monitorID string, ts time.Time, result probe.CheckResult,
	ev health.Evaluation, verifications []string) store.Check {
	c := store.Check{
		MonitorID:      monitorID,
		Timestamp:      ts,
		Status:         string(ev.Status),
		ResponseTimeMs: result.ResponseTimeMs,
		StatusCode:     result.StatusCode,
		ErrorType:      string(result.ErrorType),
		ErrorMessage:   result.ErrorMessage,
		Verifications:  verifications,
	}
	if ev.Status != health.StatusUp {
		c.DegradationReasons = ev.Reasons
	}
	if ssl := sslInfo(result); ssl != nil {
		from := ssl.ValidFrom
		to := ssl.ValidTo
		c.SSLValidFrom = &from
		c.SSLValidTo = &to
	}
	return c
}

func sslInfo(result probe.CheckResult) *probe.SSLMeta {
	switch m := result.Meta.(type) {
	case probe.SSLMeta:
		return &m
	case probe.HTTPMeta:
		return m.TLS
	}
	return nil
}

func hasSlowReason(reasons []string) bool {
	for _, r := range reasons {
		if len(r) >= 13 && r[:13] == "SLOW_RESPONSE" {
			return true
		}
	}
	return false
}
