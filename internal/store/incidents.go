package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Incident is one confirmed outage or degradation episode.
type Incident struct {
	ID                  string     `json:"id"`
	MonitorID           string     `json:"monitorId"`
	StartTime           time.Time  `json:"startTime"`
	EndTime             *time.Time `json:"endTime,omitempty"`
	DurationSeconds     int64      `json:"durationSeconds,omitempty"`
	Status              string     `json:"status"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	ErrorType           string     `json:"errorType,omitempty"`
	StatusCode          int        `json:"statusCode,omitempty"`
	Severity            string     `json:"severity"`
	Confidence          float64    `json:"confidence"`
	DegradationCategory string     `json:"degradationCategory"`
	NotificationsSent   map[string]bool `json:"notificationsSent"`
	RecoveryConfidence  float64    `json:"recoveryConfidence,omitempty"`
	ResolvedBy          string     `json:"resolvedBy,omitempty"`
}

const incidentColumns = `id, monitor_id, start_time, end_time, duration_seconds,
	status, error_message, error_type, status_code, severity, confidence,
	degradation_category, notifications, recovery_confidence, resolved_by`

// CreateOngoing opens an incident. The partial unique index guarantees
// at most one ongoing incident per monitor even under concurrent
// workers; losers get ErrOngoingExists.
func (s *Store) CreateOngoing(inc Incident) (*Incident, error) {
	if inc.ID == "" {
		inc.ID = uuid.NewString()
	}
	if inc.StartTime.IsZero() {
		inc.StartTime = time.Now().UTC()
	}
	inc.Status = "ongoing"
	if inc.Severity == "" {
		inc.Severity = "medium"
	}
	if inc.DegradationCategory == "" {
		inc.DegradationCategory = "general"
	}
	if inc.NotificationsSent == nil {
		inc.NotificationsSent = map[string]bool{}
	}
	notif, _ := json.Marshal(inc.NotificationsSent)

	_, err := s.db.Exec(s.rebind(`INSERT INTO incidents
		(id, monitor_id, start_time, status, error_message, error_type,
		 status_code, severity, confidence, degradation_category, notifications)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inc.ID, inc.MonitorID, inc.StartTime, inc.Status, inc.ErrorMessage,
		inc.ErrorType, inc.StatusCode, inc.Severity, inc.Confidence,
		inc.DegradationCategory, string(notif))
	if isUniqueViolation(err) {
		return nil, ErrOngoingExists
	}
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

// GetOngoing returns the monitor's ongoing incident, or
// ErrMonitorNotFound semantics via sql.ErrNoRows mapped to nil,nil.
func (s *Store) GetOngoing(monitorID string) (*Incident, error) {
	row := s.db.QueryRow(s.rebind("SELECT "+incidentColumns+
		" FROM incidents WHERE monitor_id = ? AND status = 'ongoing'"), monitorID)
	inc, err := scanIncident(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// UpdateOngoing refreshes the metadata of an ongoing incident as new
// evidence arrives. It never transitions the status.
func (s *Store) UpdateOngoing(inc Incident) error {
	_, err := s.db.Exec(s.rebind(`UPDATE incidents SET
		error_message = ?, error_type = ?, status_code = ?, severity = ?,
		confidence = ?, degradation_category = ?
		WHERE id = ? AND status = 'ongoing'`),
		inc.ErrorMessage, inc.ErrorType, inc.StatusCode, inc.Severity,
		inc.Confidence, inc.DegradationCategory, inc.ID)
	return err
}

// SetNotifications records which channels fired for the incident.
func (s *Store) SetNotifications(incidentID string, sent map[string]bool) error {
	notif, _ := json.Marshal(sent)
	_, err := s.db.Exec(s.rebind("UPDATE incidents SET notifications = ? WHERE id = ?"),
		string(notif), incidentID)
	return err
}

// ResolveAllOngoing closes every ongoing incident for the monitor and
// returns how many were closed. Durations are computed here rather
// than in SQL so both dialects agree. More than one closed incident
// means a duplicate slipped in somewhere; callers log that.
func (s *Store) ResolveAllOngoing(monitorID string, at time.Time, recoveryConfidence float64, resolvedBy string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(s.rebind(
		"SELECT id, start_time FROM incidents WHERE monitor_id = ? AND status = 'ongoing'"), monitorID)
	if err != nil {
		return 0, err
	}
	type open struct {
		id    string
		start time.Time
	}
	var ongoing []open
	for rows.Next() {
		var o open
		if err := rows.Scan(&o.id, &o.start); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ongoing = append(ongoing, o)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for _, o := range ongoing {
		duration := int64(at.Sub(o.start).Seconds())
		if duration < 0 {
			duration = 0
		}
		if _, err := tx.Exec(s.rebind(`UPDATE incidents SET
			status = 'resolved', end_time = ?, duration_seconds = ?,
			recovery_confidence = ?, resolved_by = ?
			WHERE id = ?`),
			at, duration, recoveryConfidence, resolvedBy, o.id); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(ongoing), nil
}

// GetIncidents returns the monitor's incidents, newest first.
func (s *Store) GetIncidents(monitorID string, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(s.rebind("SELECT "+incidentColumns+
		" FROM incidents WHERE monitor_id = ? ORDER BY start_time DESC LIMIT ?"),
		monitorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row rowScanner) (*Incident, error) {
	var inc Incident
	var end sql.NullTime
	var duration sql.NullInt64
	var notif string
	err := row.Scan(&inc.ID, &inc.MonitorID, &inc.StartTime, &end, &duration,
		&inc.Status, &inc.ErrorMessage, &inc.ErrorType, &inc.StatusCode,
		&inc.Severity, &inc.Confidence, &inc.DegradationCategory, &notif,
		&inc.RecoveryConfidence, &inc.ResolvedBy)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		inc.EndTime = &end.Time
	}
	if duration.Valid {
		inc.DurationSeconds = duration.Int64
	}
	_ = json.Unmarshal([]byte(notif), &inc.NotificationsSent)
	return &inc, nil
}
