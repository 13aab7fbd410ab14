package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Monitor is a configured probe target.
type Monitor struct {
	ID                     string    `json:"id"`
	OwnerID                string    `json:"ownerId"`
	Name                   string    `json:"name"`
	Protocol               string    `json:"protocol"`
	Target                 string    `json:"target"`
	Port                   int       `json:"port,omitempty"`
	IntervalMinutes        int       `json:"intervalMinutes"`
	TimeoutMs              int       `json:"timeoutMs"`
	DegradedThresholdMs    int64     `json:"degradedThresholdMs"`
	SSLExpiryThresholdDays int       `json:"sslExpiryThresholdDays"`
	AlertThreshold         int       `json:"alertThreshold"`
	ContactEmails          []string  `json:"contactEmails"`
	IsActive               bool      `json:"isActive"`
	Status                 string    `json:"status"`
	TotalChecks            int       `json:"totalChecks"`
	SuccessfulChecks       int       `json:"successfulChecks"`
	ConsecutiveFailures    int       `json:"consecutiveFailures"`
	ConsecutiveDegraded    int       `json:"consecutiveDegraded"`
	ConsecutiveSlowCount   int       `json:"consecutiveSlowCount"`
	LastChecked            *time.Time `json:"lastChecked,omitempty"`
	LastResponseTimeMs     int64     `json:"lastResponseTimeMs"`
	CreatedAt              time.Time `json:"createdAt"`
}

const monitorColumns = `id, owner_id, name, protocol, target, port, interval_minutes,
	timeout_ms, degraded_threshold_ms, ssl_expiry_threshold_days, alert_threshold,
	contact_emails, is_active, status, total_checks, successful_checks,
	consecutive_failures, consecutive_degraded, consecutive_slow,
	last_checked, last_response_time_ms, created_at`

func (s *Store) CreateMonitor(m Monitor) error {
	if m.IntervalMinutes < 5 {
		m.IntervalMinutes = 5
	}
	if m.AlertThreshold < 1 {
		m.AlertThreshold = 2
	}
	if m.Status == "" {
		m.Status = "unknown"
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	emails, _ := json.Marshal(m.ContactEmails)

	_, err := s.db.Exec(s.rebind(`INSERT INTO monitors
		(id, owner_id, name, protocol, target, port, interval_minutes, timeout_ms,
		 degraded_threshold_ms, ssl_expiry_threshold_days, alert_threshold,
		 contact_emails, is_active, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.OwnerID, m.Name, m.Protocol, m.Target, m.Port, m.IntervalMinutes,
		m.TimeoutMs, m.DegradedThresholdMs, m.SSLExpiryThresholdDays, m.AlertThreshold,
		string(emails), m.IsActive, m.Status, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateTarget
	}
	return err
}

func (s *Store) UpdateMonitor(m Monitor) error {
	if m.IntervalMinutes < 5 {
		m.IntervalMinutes = 5
	}
	emails, _ := json.Marshal(m.ContactEmails)
	res, err := s.db.Exec(s.rebind(`UPDATE monitors SET
		name = ?, target = ?, port = ?, interval_minutes = ?, timeout_ms = ?,
		degraded_threshold_ms = ?, ssl_expiry_threshold_days = ?, alert_threshold = ?,
		contact_emails = ?, is_active = ?
		WHERE id = ?`),
		m.Name, m.Target, m.Port, m.IntervalMinutes, m.TimeoutMs,
		m.DegradedThresholdMs, m.SSLExpiryThresholdDays, m.AlertThreshold,
		string(emails), m.IsActive, m.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

// DeleteMonitor removes the monitor; checks and incidents cascade.
func (s *Store) DeleteMonitor(id string) error {
	_, err := s.db.Exec(s.rebind("DELETE FROM monitors WHERE id = ?"), id)
	return err
}

func (s *Store) SetMonitorActive(id string, active bool) error {
	status := "paused"
	if active {
		status = "unknown"
	}
	res, err := s.db.Exec(s.rebind("UPDATE monitors SET is_active = ?, status = ? WHERE id = ?"),
		active, status, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

func (s *Store) GetMonitor(id string) (*Monitor, error) {
	row := s.db.QueryRow(s.rebind("SELECT "+monitorColumns+" FROM monitors WHERE id = ?"), id)
	m, err := scanMonitor(row)
	if err == sql.ErrNoRows {
		return nil, ErrMonitorNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) GetMonitors() ([]Monitor, error) {
	rows, err := s.db.Query("SELECT " + monitorColumns + " FROM monitors ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var monitors []Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, *m)
	}
	return monitors, rows.Err()
}

// CheckApplication is the per-check counter mutation applied to a
// monitor in one atomic UPDATE.
type CheckApplication struct {
	Status         string // exposed status after evaluation
	Failed         bool   // the probe itself failed
	Degraded       bool   // a degradation signal fired
	Slow           bool   // the degradation was a slow response
	ResponseTimeMs int64
	CheckedAt      time.Time
}

// ApplyCheck folds one check into the monitor's counters. successful
// checks count when the exposed status is up or degraded; consecutive
// counters bump or reset off the raw signals so hysteresis state
// survives restarts.
func (s *Store) ApplyCheck(id string, a CheckApplication) error {
	res, err := s.db.Exec(s.rebind(`UPDATE monitors SET
		total_checks = total_checks + 1,
		successful_checks = successful_checks + CASE WHEN ? IN ('up','degraded') THEN 1 ELSE 0 END,
		consecutive_failures = CASE WHEN ? = 1 THEN consecutive_failures + 1 ELSE 0 END,
		consecutive_degraded = CASE WHEN ? = 1 THEN consecutive_degraded + 1 ELSE 0 END,
		consecutive_slow = CASE WHEN ? = 1 THEN consecutive_slow + 1 ELSE 0 END,
		status = ?,
		last_checked = ?,
		last_response_time_ms = ?
		WHERE id = ?`),
		a.Status, boolInt(a.Failed), boolInt(a.Degraded), boolInt(a.Slow),
		a.Status, a.CheckedAt, a.ResponseTimeMs, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(row rowScanner) (*Monitor, error) {
	var m Monitor
	var emails string
	var lastChecked sql.NullTime
	err := row.Scan(&m.ID, &m.OwnerID, &m.Name, &m.Protocol, &m.Target, &m.Port,
		&m.IntervalMinutes, &m.TimeoutMs, &m.DegradedThresholdMs,
		&m.SSLExpiryThresholdDays, &m.AlertThreshold, &emails, &m.IsActive,
		&m.Status, &m.TotalChecks, &m.SuccessfulChecks, &m.ConsecutiveFailures,
		&m.ConsecutiveDegraded, &m.ConsecutiveSlowCount, &lastChecked,
		&m.LastResponseTimeMs, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastChecked.Valid {
		m.LastChecked = &lastChecked.Time
	}
	_ = json.Unmarshal([]byte(emails), &m.ContactEmails)
	return &m, nil
}
