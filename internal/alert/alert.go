package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/health"
	"github.com/pulsewatch/pulsewatch/internal/logging"
	"github.com/pulsewatch/pulsewatch/internal/metrics"
	"github.com/pulsewatch/pulsewatch/internal/probe"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

// Degradation categories.
const (
	CategoryPerformance = "performance"
	CategorySecurity    = "security"
	CategoryContent     = "content"
	CategoryGeneral     = "general"
)

// Suppression TTLs by severity. High stays short so escalating
// outages are not silenced, recovery gets its own debounce.
const (
	suppressHigh     = 15 * time.Second
	suppressMedium   = 60 * time.Second
	suppressLow      = 30 * time.Second
	suppressRecovery = 60 * time.Second
)

// slowConfidenceFloor gates slow-response incidents on evaluator
// confidence so a single latency blip cannot open one.
const slowConfidenceFloor = 0.8

// contentFailureRateFloor is the short-window failure rate a content
// mismatch needs before it becomes an incident.
const contentFailureRateFloor = 0.4

// Notifier fans an incident or recovery out to the configured
// channels and reports which succeeded.
type Notifier interface {
	NotifyIncident(ctx context.Context, m store.Monitor, inc store.Incident) map[string]bool
	NotifyRecovery(ctx context.Context, m store.Monitor, inc store.Incident) map[string]bool
}

// Transition is everything the engine needs about one processed check.
// Monitor carries counters as of after the check was applied.
type Transition struct {
	Monitor    store.Monitor
	OldStatus  health.Status
	NewStatus  health.Status
	Result     probe.CheckResult
	Evaluation health.Evaluation
	Window     []health.Outcome
}

// Engine reconciles monitor state transitions into at most one
// ongoing incident per monitor and fires notifications once per
// meaningful transition.
type Engine struct {
	store    *store.Store
	rdb      *redis.Client
	notifier Notifier
	logger   *log.Logger
}

func NewEngine(st *store.Store, rdb *redis.Client, n Notifier) *Engine {
	return &Engine{
		store:    st,
		rdb:      rdb,
		notifier: n,
		logger:   logging.New("ALERT"),
	}
}

// Process handles one transition and returns the id of the ongoing
// incident, if any, so callers can reference it in published events.
// Store errors abort the call; Redis suppression errors only log,
// since losing suppression means at worst a duplicate notification.
func (e *Engine) Process(ctx context.Context, tr Transition) (string, error) {
	switch tr.NewStatus {
	case health.StatusDown, health.StatusDegraded:
		return e.handleUnhealthy(ctx, tr)
	case health.StatusUp:
		if tr.OldStatus == health.StatusDown || tr.OldStatus == health.StatusDegraded {
			return "", e.handleRecovery(ctx, tr)
		}
	}
	return "", nil
}

func (e *Engine) handleUnhealthy(ctx context.Context, tr Transition) (string, error) {
	if !e.qualifies(tr) {
		return "", nil
	}

	category := Categorize(tr.Result.ErrorType, tr.Evaluation.Reasons)
	severity := DeriveSeverity(category, tr)
	m := tr.Monitor
	m.Status = string(tr.NewStatus)

	existing, err := e.store.GetOngoing(m.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		existing.ErrorMessage = tr.Result.ErrorMessage
		existing.ErrorType = string(tr.Result.ErrorType)
		existing.StatusCode = tr.Result.StatusCode
		existing.Severity = severity
		existing.Confidence = tr.Evaluation.Confidence
		existing.DegradationCategory = category
		if err := e.store.UpdateOngoing(*existing); err != nil {
			return "", err
		}
		metrics.IncidentsTotal.WithLabelValues("updated").Inc()
		e.notify(ctx, m, *existing, severity)
		return existing.ID, nil
	}

	inc, err := e.store.CreateOngoing(store.Incident{
		MonitorID:           m.ID,
		ErrorMessage:        tr.Result.ErrorMessage,
		ErrorType:           string(tr.Result.ErrorType),
		StatusCode:          tr.Result.StatusCode,
		Severity:            severity,
		Confidence:          tr.Evaluation.Confidence,
		DegradationCategory: category,
	})
	if err == store.ErrOngoingExists {
		// Another worker won the race; its incident carries the state.
		if cur, err := e.store.GetOngoing(m.ID); err == nil && cur != nil {
			return cur.ID, nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	metrics.IncidentsTotal.WithLabelValues("created").Inc()
	e.logger.Printf("Incident %s opened for monitor %s (%s, %s)", inc.ID, m.ID, category, severity)
	e.notify(ctx, m, *inc, severity)
	return inc.ID, nil
}

func (e *Engine) handleRecovery(ctx context.Context, tr Transition) error {
	now := time.Now().UTC()
	n, err := e.store.ResolveAllOngoing(tr.Monitor.ID, now, tr.Evaluation.Confidence, "auto")
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if n > 1 {
		e.logger.Printf("Closed %d ongoing incidents for monitor %s; duplicates should not occur", n, tr.Monitor.ID)
	}
	metrics.IncidentsTotal.WithLabelValues("resolved").Add(float64(n))
	e.clearSuppression(ctx, tr.Monitor.ID)

	inc := store.Incident{
		MonitorID:          tr.Monitor.ID,
		Status:             "resolved",
		RecoveryConfidence: tr.Evaluation.Confidence,
	}
	key := suppressionKey(tr.Monitor.ID, "recovery", "info")
	if e.claim(ctx, key, suppressRecovery) {
		sent := e.notifier.NotifyRecovery(ctx, tr.Monitor, inc)
		if failedEntirely(sent) {
			e.releaseClaim(ctx, key)
		}
		e.logger.Printf("Monitor %s recovered, notified %d channels", tr.Monitor.ID, countSent(sent))
	}
	return nil
}

// qualifies applies the per-signal creation thresholds. Counters in
// tr.Monitor already include the current check.
func (e *Engine) qualifies(tr Transition) bool {
	threshold := tr.Monitor.AlertThreshold
	if threshold < 1 {
		threshold = 2
	}

	if tr.Evaluation.Candidate == health.StatusDown {
		return tr.Monitor.ConsecutiveFailures >= threshold
	}

	if isSlow(tr.Evaluation.Reasons) {
		return tr.Monitor.ConsecutiveSlowCount >= threshold &&
			tr.Evaluation.Confidence >= slowConfidenceFloor
	}
	if isContentMismatch(tr.Result.ErrorType) {
		return tr.Evaluation.Confidence >= slowConfidenceFloor &&
			windowFailureRate(tr.Window) >= contentFailureRateFloor
	}
	// Rate-limit, SSL and client-error degradation.
	return tr.Monitor.ConsecutiveDegraded >= threshold
}

func (e *Engine) notify(ctx context.Context, m store.Monitor, inc store.Incident, severity string) {
	ttl := suppressMedium
	switch severity {
	case "high":
		ttl = suppressHigh
	case "low":
		ttl = suppressLow
	}
	key := suppressionKey(m.ID, inc.DegradationCategory, severity)
	if !e.claim(ctx, key, ttl) {
		return
	}
	sent := e.notifier.NotifyIncident(ctx, m, inc)
	if inc.ID != "" {
		if err := e.store.SetNotifications(inc.ID, sent); err != nil {
			e.logger.Printf("Failed to persist notification results for incident %s: %v", inc.ID, err)
		}
	}
	if failedEntirely(sent) {
		// Nothing went out: free the slot so the next check retries
		// instead of debouncing a send that never happened.
		e.releaseClaim(ctx, key)
	}
	e.logger.Printf("Incident %s notified %d channels", inc.ID, countSent(sent))
}

func suppressionKey(monitorID, alertType, escalation string) string {
	return fmt.Sprintf("suppression:%s:%s:%s", monitorID, alertType, escalation)
}

// claim atomically takes the suppression slot before sending, so two
// workers racing on the same alert cannot both notify. A false return
// means an identical alert fired inside the TTL.
func (e *Engine) claim(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := e.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		e.logger.Printf("Suppression check failed for %s: %v", key, err)
		return true
	}
	if !ok {
		metrics.NotificationsTotal.WithLabelValues("all", "suppressed").Inc()
	}
	return ok
}

func (e *Engine) releaseClaim(ctx context.Context, key string) {
	if err := e.rdb.Del(ctx, key).Err(); err != nil {
		e.logger.Printf("Failed to release suppression key %s: %v", key, err)
	}
}

// failedEntirely reports whether a fan-out had channels to send on and
// every one of them failed.
func failedEntirely(sent map[string]bool) bool {
	return len(sent) > 0 && countSent(sent) == 0
}

func (e *Engine) clearSuppression(ctx context.Context, monitorID string) {
	pattern := fmt.Sprintf("suppression:%s:*", monitorID)
	iter := e.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := e.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			e.logger.Printf("Failed to clear suppression key %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		e.logger.Printf("Suppression scan failed for monitor %s: %v", monitorID, err)
	}
}

// Categorize maps a check's signals onto a degradation category.
func Categorize(errType probe.ErrorType, reasons []string) string {
	switch errType {
	case probe.ErrCertExpired, probe.ErrCertNotYetValid, probe.ErrCertHostnameMismatch,
		probe.ErrCertUntrusted, probe.ErrSelfSignedCert, probe.ErrSSLInvalid:
		return CategorySecurity
	case probe.ErrHTTPRateLimit:
		return CategoryPerformance
	case probe.ErrUDPResponseMismatch:
		return CategoryContent
	}
	for _, r := range reasons {
		if strings.HasPrefix(r, "SSL_WARNING") {
			return CategorySecurity
		}
		if strings.HasPrefix(r, "SLOW_RESPONSE") {
			return CategoryPerformance
		}
	}
	return CategoryGeneral
}

// DeriveSeverity combines category and signal magnitude. Security
// findings and performance overshoot at twice the threshold or more
// are always high.
func DeriveSeverity(category string, tr Transition) string {
	if category == CategorySecurity {
		return "high"
	}
	if category == CategoryPerformance && overshootRatio(tr) >= 2 {
		return "high"
	}
	if tr.Evaluation.Candidate == health.StatusDown {
		if tr.Evaluation.Severity >= 0.9 {
			return "high"
		}
		return "medium"
	}
	switch {
	case tr.Evaluation.Severity >= 0.8:
		return "high"
	case tr.Evaluation.Severity >= 0.5:
		return "medium"
	default:
		return "low"
	}
}

func overshootRatio(tr Transition) float64 {
	threshold := tr.Monitor.DegradedThresholdMs
	if threshold <= 0 {
		return 0
	}
	return float64(tr.Result.ResponseTimeMs) / float64(threshold)
}

func isSlow(reasons []string) bool {
	for _, r := range reasons {
		if strings.HasPrefix(r, "SLOW_RESPONSE") {
			return true
		}
	}
	return false
}

func isContentMismatch(errType probe.ErrorType) bool {
	return errType == probe.ErrUDPResponseMismatch
}

func windowFailureRate(window []health.Outcome) float64 {
	if len(window) == 0 {
		return 1
	}
	failed := 0
	for _, o := range window {
		if !o.Up || o.Degraded {
			failed++
		}
	}
	return float64(failed) / float64(len(window))
}

func countSent(sent map[string]bool) int {
	n := 0
	for _, ok := range sent {
		if ok {
			n++
		}
	}
	return n
}
