package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

var validProtocols = map[string]bool{
	"http": true, "https": true, "tcp": true, "udp": true,
	"dns": true, "smtp": true, "ssl": true, "ping": true,
}

type MonitorHandler struct {
	store *store.Store
	queue *queue.Queue
}

func NewMonitorHandler(st *store.Store, q *queue.Queue) *MonitorHandler {
	return &MonitorHandler{store: st, queue: q}
}

type monitorRequest struct {
	Name                   string   `json:"name"`
	Protocol               string   `json:"protocol"`
	Target                 string   `json:"target"`
	Port                   int      `json:"port"`
	IntervalMinutes        int      `json:"intervalMinutes"`
	TimeoutMs              int      `json:"timeoutMs"`
	DegradedThresholdMs    int64    `json:"degradedThresholdMs"`
	SSLExpiryThresholdDays int      `json:"sslExpiryThresholdDays"`
	AlertThreshold         int      `json:"alertThreshold"`
	ContactEmails          []string `json:"contactEmails"`
	IsActive               *bool    `json:"isActive"`
}

func (req *monitorRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(req.Target) == "" {
		return fmt.Errorf("target is required")
	}
	req.Protocol = strings.ToLower(req.Protocol)
	if !validProtocols[req.Protocol] {
		return fmt.Errorf("unsupported protocol %q", req.Protocol)
	}
	if req.IntervalMinutes < 5 {
		return fmt.Errorf("intervalMinutes must be at least 5")
	}
	if req.TimeoutMs < 1000 || req.TimeoutMs > 30000 {
		return fmt.Errorf("timeoutMs must be between 1000 and 30000")
	}
	if req.AlertThreshold < 1 {
		req.AlertThreshold = 2
	}
	return nil
}

func (h *MonitorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	m := store.Monitor{
		ID:                     uuid.NewString(),
		OwnerID:                userID(r),
		Name:                   req.Name,
		Protocol:               req.Protocol,
		Target:                 req.Target,
		Port:                   req.Port,
		IntervalMinutes:        req.IntervalMinutes,
		TimeoutMs:              req.TimeoutMs,
		DegradedThresholdMs:    req.DegradedThresholdMs,
		SSLExpiryThresholdDays: req.SSLExpiryThresholdDays,
		AlertThreshold:         req.AlertThreshold,
		ContactEmails:          req.ContactEmails,
		IsActive:               active,
	}
	if err := h.store.CreateMonitor(m); err != nil {
		if err == store.ErrDuplicateTarget {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create monitor")
		return
	}
	if active {
		if err := h.queue.Schedule(r.Context(), m.ID, time.Now()); err != nil {
			writeError(w, http.StatusInternalServerError, "monitor created but scheduling failed")
			return
		}
	}

	created, err := h.store.GetMonitor(m.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load monitor")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *MonitorHandler) Update(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req monitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Protocol = m.Protocol // protocol is immutable
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m.Name = req.Name
	m.Target = req.Target
	m.Port = req.Port
	m.IntervalMinutes = req.IntervalMinutes
	m.TimeoutMs = req.TimeoutMs
	m.DegradedThresholdMs = req.DegradedThresholdMs
	m.SSLExpiryThresholdDays = req.SSLExpiryThresholdDays
	m.AlertThreshold = req.AlertThreshold
	m.ContactEmails = req.ContactEmails
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	if err := h.store.UpdateMonitor(*m); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update monitor")
		return
	}

	// Interval or activation changes take effect on the next run.
	if m.IsActive {
		if err := h.queue.Schedule(r.Context(), m.ID, time.Now().Add(time.Duration(m.IntervalMinutes)*time.Minute)); err != nil {
			writeError(w, http.StatusInternalServerError, "monitor updated but rescheduling failed")
			return
		}
	} else {
		h.deactivate(r.Context(), m.ID)
	}

	updated, _ := h.store.GetMonitor(m.ID)
	writeJSON(w, http.StatusOK, updated)
}

func (h *MonitorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.queue.Remove(r.Context(), m.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel scheduled checks")
		return
	}
	if err := h.store.DeleteMonitor(m.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete monitor")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *MonitorHandler) Pause(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.store.SetMonitorActive(m.ID, false); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause monitor")
		return
	}
	h.deactivate(r.Context(), m.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (h *MonitorHandler) Resume(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	if err := h.store.SetMonitorActive(m.ID, true); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume monitor")
		return
	}
	if err := h.queue.Schedule(r.Context(), m.ID, time.Now()); err != nil {
		writeError(w, http.StatusInternalServerError, "monitor resumed but scheduling failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

// RunNow enqueues an immediate check, subject to the per-monitor
// cooldown.
func (h *MonitorHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	if !m.IsActive {
		writeError(w, http.StatusConflict, "monitor is paused")
		return
	}
	if err := h.queue.RunNow(r.Context(), m.ID); err != nil {
		if err == queue.ErrCoolingDown {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, "manual check is cooling down")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue check")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *MonitorHandler) List(w http.ResponseWriter, r *http.Request) {
	monitors, err := h.store.GetMonitors()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list monitors")
		return
	}
	owner := userID(r)
	mine := make([]store.Monitor, 0, len(monitors))
	for _, m := range monitors {
		if m.OwnerID == owner {
			mine = append(mine, m)
		}
	}
	writeJSON(w, http.StatusOK, mine)
}

func (h *MonitorHandler) Get(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *MonitorHandler) Checks(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	checks, err := h.store.GetRecentChecks(m.ID, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load checks")
		return
	}
	writeJSON(w, http.StatusOK, checks)
}

func (h *MonitorHandler) Incidents(w http.ResponseWriter, r *http.Request) {
	m, ok := h.owned(w, r)
	if !ok {
		return
	}
	incidents, err := h.store.GetIncidents(m.ID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load incidents")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

// owned loads the monitor from the URL and enforces owner scoping.
// Monitors of other users look like 404s, not 403s.
func (h *MonitorHandler) owned(w http.ResponseWriter, r *http.Request) (*store.Monitor, bool) {
	m, err := h.store.GetMonitor(chi.URLParam(r, "id"))
	if err == store.ErrMonitorNotFound {
		writeError(w, http.StatusNotFound, "monitor not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load monitor")
		return nil, false
	}
	if m.OwnerID != userID(r) {
		writeError(w, http.StatusNotFound, "monitor not found")
		return nil, false
	}
	return m, true
}

func (h *MonitorHandler) deactivate(ctx context.Context, id string) {
	_ = h.queue.Remove(ctx, id)
}
