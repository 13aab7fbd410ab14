package alert

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pulsewatch/pulsewatch/internal/health"
	"github.com/pulsewatch/pulsewatch/internal/probe"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

type fakeNotifier struct {
	mu         sync.Mutex
	incidents  int
	recoveries int

	// result overrides the per-channel outcome when set.
	result map[string]bool
}

func (f *fakeNotifier) NotifyIncident(_ context.Context, _ store.Monitor, _ store.Incident) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incidents++
	if f.result != nil {
		return f.result
	}
	return map[string]bool{"email": true}
}

func (f *fakeNotifier) NotifyRecovery(_ context.Context, _ store.Monitor, _ store.Incident) map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries++
	if f.result != nil {
		return f.result
	}
	return map[string]bool{"email": true}
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.incidents, f.recoveries
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeNotifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.NewStore(store.DBConfig{Type: store.DialectSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	n := &fakeNotifier{}
	return NewEngine(st, rdb, n), st, n, mr
}

func seedMonitor(t *testing.T, st *store.Store, consecutiveFailures int) store.Monitor {
	t.Helper()
	m := store.Monitor{
		ID:                  "mon-1",
		OwnerID:             "user-1",
		Name:                "api",
		Protocol:            "https",
		Target:              "https://example.com",
		IntervalMinutes:     5,
		TimeoutMs:           10000,
		AlertThreshold:      2,
		IsActive:            true,
		ConsecutiveFailures: consecutiveFailures,
	}
	if err := st.CreateMonitor(m); err != nil {
		t.Fatal(err)
	}
	return m
}

func downTransition(m store.Monitor) Transition {
	return Transition{
		Monitor:   m,
		OldStatus: health.StatusUp,
		NewStatus: health.StatusDown,
		Result: probe.CheckResult{
			Up:           false,
			ErrorType:    probe.ErrConnectionRefused,
			ErrorMessage: "connection refused",
		},
		Evaluation: health.Evaluation{
			Status:     health.StatusDown,
			Candidate:  health.StatusDown,
			Severity:   1.0,
			Confidence: 0.9,
		},
	}
}

func TestDownTransitionOpensIncident(t *testing.T) {
	e, st, n, _ := newTestEngine(t)
	m := seedMonitor(t, st, 2)

	if _, err := e.Process(context.Background(), downTransition(m)); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	inc, err := st.GetOngoing(m.ID)
	if err != nil || inc == nil {
		t.Fatalf("no ongoing incident: %v %v", inc, err)
	}
	if inc.ErrorType != "CONNECTION_REFUSED" || inc.Severity != "high" {
		t.Errorf("incident fields: %+v", inc)
	}
	if sent, _ := n.counts(); sent != 1 {
		t.Errorf("notified %d times, want 1", sent)
	}
	if len(inc.NotificationsSent) == 0 {
		// Results are persisted after the fan-out.
		got, _ := st.GetOngoing(m.ID)
		if len(got.NotificationsSent) == 0 {
			t.Error("notification results not persisted")
		}
	}
}

func TestBelowThresholdDoesNotOpenIncident(t *testing.T) {
	e, st, n, _ := newTestEngine(t)
	m := seedMonitor(t, st, 1) // threshold is 2

	if _, err := e.Process(context.Background(), downTransition(m)); err != nil {
		t.Fatal(err)
	}
	inc, _ := st.GetOngoing(m.ID)
	if inc != nil {
		t.Fatalf("incident opened below threshold: %+v", inc)
	}
	if sent, _ := n.counts(); sent != 0 {
		t.Errorf("notified below threshold")
	}
}

func TestRepeatAlertIsSuppressed(t *testing.T) {
	e, st, n, mr := newTestEngine(t)
	m := seedMonitor(t, st, 2)
	ctx := context.Background()

	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	// Same category and severity inside the TTL: incident metadata
	// updates, but no second notification.
	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	if sent, _ := n.counts(); sent != 1 {
		t.Fatalf("notified %d times inside suppression window, want 1", sent)
	}

	mr.FastForward(suppressHigh + time.Second)
	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	if sent, _ := n.counts(); sent != 2 {
		t.Errorf("suppression did not expire: %d notifications", sent)
	}
}

func TestRecoveryResolvesAllAndClearsSuppression(t *testing.T) {
	e, st, n, mr := newTestEngine(t)
	m := seedMonitor(t, st, 2)
	ctx := context.Background()

	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("suppression:mon-1:general:high") {
		t.Fatal("suppression key missing after alert")
	}

	up := Transition{
		Monitor:   m,
		OldStatus: health.StatusDown,
		NewStatus: health.StatusUp,
		Result:    probe.CheckResult{Up: true, ResponseTimeMs: 80},
		Evaluation: health.Evaluation{
			Status: health.StatusUp, Candidate: health.StatusUp, Confidence: 0.9,
		},
	}
	if _, err := e.Process(ctx, up); err != nil {
		t.Fatal(err)
	}

	inc, _ := st.GetOngoing(m.ID)
	if inc != nil {
		t.Fatalf("incident still ongoing after recovery: %+v", inc)
	}
	if mr.Exists("suppression:mon-1:general:high") {
		t.Error("suppression keys not cleared on recovery")
	}
	if _, rec := n.counts(); rec != 1 {
		t.Errorf("recovery notified %d times, want 1", rec)
	}

	incidents, _ := st.GetIncidents(m.ID, 10)
	if len(incidents) != 1 || incidents[0].Status != "resolved" {
		t.Fatalf("incident not resolved: %+v", incidents)
	}
	if incidents[0].RecoveryConfidence != 0.9 {
		t.Errorf("recovery confidence = %v", incidents[0].RecoveryConfidence)
	}
}

func TestRecoveryWithoutIncidentIsQuiet(t *testing.T) {
	e, st, n, _ := newTestEngine(t)
	m := seedMonitor(t, st, 0)

	up := Transition{
		Monitor:    m,
		OldStatus:  health.StatusDegraded,
		NewStatus:  health.StatusUp,
		Result:     probe.CheckResult{Up: true},
		Evaluation: health.Evaluation{Status: health.StatusUp, Candidate: health.StatusUp, Confidence: 0.9},
	}
	if _, err := e.Process(context.Background(), up); err != nil {
		t.Fatal(err)
	}
	if _, rec := n.counts(); rec != 0 {
		t.Error("recovery notification without an incident")
	}
}

func TestSlowDegradationNeedsConfidence(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	m := seedMonitor(t, st, 0)
	m.ConsecutiveSlowCount = 3
	m.DegradedThresholdMs = 2000

	tr := Transition{
		Monitor:   m,
		OldStatus: health.StatusUp,
		NewStatus: health.StatusDegraded,
		Result:    probe.CheckResult{Up: true, ResponseTimeMs: 7200},
		Evaluation: health.Evaluation{
			Status:     health.StatusDegraded,
			Candidate:  health.StatusDegraded,
			Reasons:    []string{"SLOW_RESPONSE: 7200ms exceeds 2000ms threshold"},
			Severity:   0.8,
			Confidence: 0.5, // below the floor
		},
	}
	if _, err := e.Process(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	if inc, _ := st.GetOngoing(m.ID); inc != nil {
		t.Fatalf("low-confidence slow response opened an incident: %+v", inc)
	}

	tr.Evaluation.Confidence = 0.85
	if _, err := e.Process(context.Background(), tr); err != nil {
		t.Fatal(err)
	}
	inc, _ := st.GetOngoing(m.ID)
	if inc == nil {
		t.Fatal("confident slow response did not open an incident")
	}
	if inc.DegradationCategory != CategoryPerformance || inc.Severity != "high" {
		// 7200ms is over twice the 2000ms threshold
		t.Errorf("category=%s severity=%s", inc.DegradationCategory, inc.Severity)
	}
}

func TestCategorize(t *testing.T) {
	cases := []struct {
		errType probe.ErrorType
		reasons []string
		want    string
	}{
		{probe.ErrCertExpired, nil, CategorySecurity},
		{probe.ErrSelfSignedCert, nil, CategorySecurity},
		{probe.ErrHTTPRateLimit, nil, CategoryPerformance},
		{probe.ErrUDPResponseMismatch, nil, CategoryContent},
		{probe.ErrNone, []string{"SSL_WARNING: expires in 10 days"}, CategorySecurity},
		{probe.ErrNone, []string{"SLOW_RESPONSE: 7200ms exceeds 5000ms threshold"}, CategoryPerformance},
		{probe.ErrConnectionRefused, nil, CategoryGeneral},
	}
	for _, tc := range cases {
		if got := Categorize(tc.errType, tc.reasons); got != tc.want {
			t.Errorf("Categorize(%s, %v) = %s, want %s", tc.errType, tc.reasons, got, tc.want)
		}
	}
}

func TestProcessReturnsOngoingIncidentID(t *testing.T) {
	e, st, _, _ := newTestEngine(t)
	m := seedMonitor(t, st, 2)
	ctx := context.Background()

	id, err := e.Process(ctx, downTransition(m))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	inc, _ := st.GetOngoing(m.ID)
	if inc == nil || id != inc.ID {
		t.Fatalf("returned id %q, ongoing incident %+v", id, inc)
	}

	// While the incident stays ongoing, the same id keeps coming back.
	again, err := e.Process(ctx, downTransition(m))
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("repeat processing returned %q, want %q", again, id)
	}

	up := Transition{
		Monitor:    m,
		OldStatus:  health.StatusDown,
		NewStatus:  health.StatusUp,
		Result:     probe.CheckResult{Up: true},
		Evaluation: health.Evaluation{Status: health.StatusUp, Candidate: health.StatusUp, Confidence: 0.9},
	}
	resolved, err := e.Process(ctx, up)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "" {
		t.Errorf("recovery returned incident id %q", resolved)
	}
}

func TestFailedFanoutReleasesSuppression(t *testing.T) {
	e, st, n, mr := newTestEngine(t)
	m := seedMonitor(t, st, 2)
	ctx := context.Background()
	n.result = map[string]bool{"email": false}

	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	if sent, _ := n.counts(); sent != 1 {
		t.Fatalf("notified %d times, want 1", sent)
	}
	if mr.Exists("suppression:mon-1:general:high") {
		t.Fatal("suppression slot held after every channel failed")
	}

	// The very next check may retry instead of waiting out the TTL.
	if _, err := e.Process(ctx, downTransition(m)); err != nil {
		t.Fatal(err)
	}
	if sent, _ := n.counts(); sent != 2 {
		t.Errorf("retry after failed fan-out was suppressed: %d notifications", sent)
	}
}
