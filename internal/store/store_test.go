package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(DBConfig{Type: DialectSQLite, Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testMonitor(id string) Monitor {
	return Monitor{
		ID:              id,
		OwnerID:         "user-1",
		Name:            "example",
		Protocol:        "https",
		Target:          "https://example.com/" + id,
		IntervalMinutes: 5,
		TimeoutMs:       10000,
		AlertThreshold:  2,
		ContactEmails:   []string{"ops@example.com"},
		IsActive:        true,
	}
}

func TestMonitorCRUD(t *testing.T) {
	s := newTestStore(t)

	m := testMonitor("mon-1")
	if err := s.CreateMonitor(m); err != nil {
		t.Fatalf("CreateMonitor failed: %v", err)
	}

	got, err := s.GetMonitor("mon-1")
	if err != nil {
		t.Fatalf("GetMonitor failed: %v", err)
	}
	if got.Name != "example" || got.Status != "unknown" {
		t.Errorf("unexpected monitor: name=%q status=%q", got.Name, got.Status)
	}
	if len(got.ContactEmails) != 1 || got.ContactEmails[0] != "ops@example.com" {
		t.Errorf("contact emails not round-tripped: %v", got.ContactEmails)
	}

	got.Name = "renamed"
	got.DegradedThresholdMs = 2000
	if err := s.UpdateMonitor(*got); err != nil {
		t.Fatalf("UpdateMonitor failed: %v", err)
	}
	got, _ = s.GetMonitor("mon-1")
	if got.Name != "renamed" || got.DegradedThresholdMs != 2000 {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := s.DeleteMonitor("mon-1"); err != nil {
		t.Fatalf("DeleteMonitor failed: %v", err)
	}
	if _, err := s.GetMonitor("mon-1"); err != ErrMonitorNotFound {
		t.Errorf("expected ErrMonitorNotFound, got %v", err)
	}
}

func TestCreateMonitorDuplicateTarget(t *testing.T) {
	s := newTestStore(t)

	m := testMonitor("mon-1")
	if err := s.CreateMonitor(m); err != nil {
		t.Fatalf("CreateMonitor failed: %v", err)
	}
	dup := m
	dup.ID = "mon-2"
	if err := s.CreateMonitor(dup); err != ErrDuplicateTarget {
		t.Errorf("expected ErrDuplicateTarget, got %v", err)
	}
}

func TestUpdateMonitorNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpdateMonitor(testMonitor("ghost")); err != ErrMonitorNotFound {
		t.Errorf("expected ErrMonitorNotFound, got %v", err)
	}
}

func TestApplyCheckCounters(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMonitor(testMonitor("mon-1")); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	// Two failures bump the consecutive counter.
	for i := 0; i < 2; i++ {
		if err := s.ApplyCheck("mon-1", CheckApplication{
			Status: "degraded", Failed: true, ResponseTimeMs: 0, CheckedAt: now,
		}); err != nil {
			t.Fatalf("ApplyCheck failed: %v", err)
		}
	}
	m, _ := s.GetMonitor("mon-1")
	if m.ConsecutiveFailures != 2 {
		t.Errorf("consecutive_failures = %d, want 2", m.ConsecutiveFailures)
	}
	if m.TotalChecks != 2 || m.SuccessfulChecks != 2 {
		// degraded still counts toward availability
		t.Errorf("totals = %d/%d, want 2/2", m.SuccessfulChecks, m.TotalChecks)
	}

	// A success resets the failure streak.
	if err := s.ApplyCheck("mon-1", CheckApplication{
		Status: "up", ResponseTimeMs: 120, CheckedAt: now,
	}); err != nil {
		t.Fatal(err)
	}
	m, _ = s.GetMonitor("mon-1")
	if m.ConsecutiveFailures != 0 {
		t.Errorf("consecutive_failures = %d after success, want 0", m.ConsecutiveFailures)
	}
	if m.Status != "up" || m.LastResponseTimeMs != 120 {
		t.Errorf("status=%q last_ms=%d", m.Status, m.LastResponseTimeMs)
	}
	if m.LastChecked == nil {
		t.Error("last_checked not set")
	}
}

func TestChecksInsertAndPrune(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMonitor(testMonitor("mon-1")); err != nil {
		t.Fatal(err)
	}

	old := Check{
		MonitorID: "mon-1",
		Timestamp: time.Now().UTC().AddDate(0, 0, -120),
		Status:    "up",
	}
	recent := Check{
		MonitorID:          "mon-1",
		Timestamp:          time.Now().UTC(),
		Status:             "degraded",
		ResponseTimeMs:     7200,
		DegradationReasons: []string{"SLOW_RESPONSE: 7200ms exceeds 5000ms threshold"},
	}
	for _, c := range []Check{old, recent} {
		if err := s.InsertCheck(c); err != nil {
			t.Fatalf("InsertCheck failed: %v", err)
		}
	}

	checks, err := s.GetRecentChecks("mon-1", 10)
	if err != nil {
		t.Fatalf("GetRecentChecks failed: %v", err)
	}
	if len(checks) != 2 {
		t.Fatalf("got %d checks, want 2", len(checks))
	}
	if checks[0].Status != "degraded" {
		t.Errorf("newest-first ordering broken: %q", checks[0].Status)
	}
	if len(checks[0].DegradationReasons) != 1 {
		t.Errorf("degradation reasons not round-tripped: %v", checks[0].DegradationReasons)
	}

	pruned, err := s.PruneChecks(90)
	if err != nil {
		t.Fatalf("PruneChecks failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned %d rows, want 1", pruned)
	}
}

func TestDeleteMonitorCascades(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMonitor(testMonitor("mon-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCheck(Check{MonitorID: "mon-1", Timestamp: time.Now().UTC(), Status: "up"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateOngoing(Incident{MonitorID: "mon-1", ErrorType: "TIMEOUT"}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteMonitor("mon-1"); err != nil {
		t.Fatal(err)
	}
	checks, _ := s.GetRecentChecks("mon-1", 10)
	if len(checks) != 0 {
		t.Errorf("checks survived monitor deletion: %d", len(checks))
	}
	incidents, _ := s.GetIncidents("mon-1", 10)
	if len(incidents) != 0 {
		t.Errorf("incidents survived monitor deletion: %d", len(incidents))
	}
}

func TestOngoingIncidentUniqueness(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMonitor(testMonitor("mon-1")); err != nil {
		t.Fatal(err)
	}

	first, err := s.CreateOngoing(Incident{MonitorID: "mon-1", ErrorType: "TIMEOUT", Severity: "high"})
	if err != nil {
		t.Fatalf("CreateOngoing failed: %v", err)
	}
	if _, err := s.CreateOngoing(Incident{MonitorID: "mon-1", ErrorType: "CONNECTION_REFUSED"}); err != ErrOngoingExists {
		t.Fatalf("expected ErrOngoingExists, got %v", err)
	}

	got, err := s.GetOngoing("mon-1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("GetOngoing returned %+v, want id %s", got, first.ID)
	}

	// Resolving frees the slot for a new incident.
	n, err := s.ResolveAllOngoing("mon-1", time.Now().UTC(), 0.9, "auto")
	if err != nil {
		t.Fatalf("ResolveAllOngoing failed: %v", err)
	}
	if n != 1 {
		t.Errorf("resolved %d incidents, want 1", n)
	}
	if _, err := s.CreateOngoing(Incident{MonitorID: "mon-1", ErrorType: "TIMEOUT"}); err != nil {
		t.Errorf("new incident after resolve failed: %v", err)
	}
}

func TestResolveAllOngoingComputesDuration(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateMonitor(testMonitor("mon-1")); err != nil {
		t.Fatal(err)
	}
	start := time.Now().UTC().Add(-90 * time.Second)
	if _, err := s.CreateOngoing(Incident{MonitorID: "mon-1", StartTime: start}); err != nil {
		t.Fatal(err)
	}
	at := start.Add(90 * time.Second)
	if _, err := s.ResolveAllOngoing("mon-1", at, 0.85, "auto"); err != nil {
		t.Fatal(err)
	}

	incidents, err := s.GetIncidents("mon-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(incidents) != 1 {
		t.Fatalf("got %d incidents", len(incidents))
	}
	inc := incidents[0]
	if inc.Status != "resolved" || inc.EndTime == nil {
		t.Errorf("incident not resolved: %+v", inc)
	}
	if inc.DurationSeconds != 90 {
		t.Errorf("duration = %d, want 90", inc.DurationSeconds)
	}
	if inc.RecoveryConfidence != 0.85 || inc.ResolvedBy != "auto" {
		t.Errorf("resolution metadata: %+v", inc)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)

	raw, err := s.CreateAPIKey("ci")
	if err != nil {
		t.Fatalf("CreateAPIKey failed: %v", err)
	}
	if len(raw) < 12 {
		t.Fatalf("raw key too short: %q", raw)
	}

	ok, err := s.ValidateAPIKey(raw)
	if err != nil || !ok {
		t.Fatalf("ValidateAPIKey(%q) = %v, %v", raw, ok, err)
	}
	ok, _ = s.ValidateAPIKey(raw[:len(raw)-1] + "x")
	if ok {
		t.Error("tampered key validated")
	}
	ok, _ = s.ValidateAPIKey("short")
	if ok {
		t.Error("short key validated")
	}

	keys, err := s.ListAPIKeys()
	if err != nil || len(keys) != 1 {
		t.Fatalf("ListAPIKeys = %v, %v", keys, err)
	}
	if err := s.DeleteAPIKey(keys[0].ID); err != nil {
		t.Fatal(err)
	}
	ok, _ = s.ValidateAPIKey(raw)
	if ok {
		t.Error("deleted key still validates")
	}
}
