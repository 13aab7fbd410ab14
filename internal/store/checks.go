package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// CheckRetentionDays is how long check rows are kept before the
// retention sweep expires them.
const CheckRetentionDays = 90

// Check is the append-only record of one probe.
type Check struct {
	ID                 int64      `json:"id"`
	MonitorID          string     `json:"monitorId"`
	Timestamp          time.Time  `json:"timestamp"`
	Status             string     `json:"status"`
	ResponseTimeMs     int64      `json:"responseTimeMs"`
	StatusCode         int        `json:"statusCode,omitempty"`
	ErrorType          string     `json:"errorType,omitempty"`
	ErrorMessage       string     `json:"errorMessage,omitempty"`
	SSLValidFrom       *time.Time `json:"sslValidFrom,omitempty"`
	SSLValidTo         *time.Time `json:"sslValidTo,omitempty"`
	DegradationReasons []string   `json:"degradationReasons,omitempty"`
	Verifications      []string   `json:"verifications,omitempty"`
}

func (s *Store) InsertCheck(c Check) error {
	reasons, _ := json.Marshal(c.DegradationReasons)
	verifications, _ := json.Marshal(c.Verifications)
	_, err := s.db.Exec(s.rebind(`INSERT INTO checks
		(monitor_id, timestamp, status, response_time_ms, status_code,
		 error_type, error_message, ssl_valid_from, ssl_valid_to,
		 degradation_reasons, verifications)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		c.MonitorID, c.Timestamp, c.Status, c.ResponseTimeMs, c.StatusCode,
		c.ErrorType, c.ErrorMessage, nullTime(c.SSLValidFrom), nullTime(c.SSLValidTo),
		string(reasons), string(verifications))
	return err
}

// GetRecentChecks returns the last limit checks, newest first.
func (s *Store) GetRecentChecks(monitorID string, limit int) ([]Check, error) {
	rows, err := s.db.Query(s.rebind(`SELECT id, monitor_id, timestamp, status,
		response_time_ms, status_code, error_type, error_message,
		ssl_valid_from, ssl_valid_to, degradation_reasons, verifications
		FROM checks WHERE monitor_id = ? ORDER BY timestamp DESC LIMIT ?`),
		monitorID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var checks []Check
	for rows.Next() {
		var c Check
		var from, to sql.NullTime
		var reasons, verifications string
		if err := rows.Scan(&c.ID, &c.MonitorID, &c.Timestamp, &c.Status,
			&c.ResponseTimeMs, &c.StatusCode, &c.ErrorType, &c.ErrorMessage,
			&from, &to, &reasons, &verifications); err != nil {
			return nil, err
		}
		if from.Valid {
			c.SSLValidFrom = &from.Time
		}
		if to.Valid {
			c.SSLValidTo = &to.Time
		}
		_ = json.Unmarshal([]byte(reasons), &c.DegradationReasons)
		_ = json.Unmarshal([]byte(verifications), &c.Verifications)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// PruneChecks deletes checks older than the retention window.
func (s *Store) PruneChecks(days int) (int64, error) {
	if days <= 0 {
		days = CheckRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(s.rebind("DELETE FROM checks WHERE timestamp < ?"), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
