package health

import (
	"sync"
	"time"
)

// WindowSize is how many outcomes the per-monitor ring buffer keeps.
const WindowSize = 20

// Outcome is one check result as the history remembers it.
type Outcome struct {
	Up        bool
	Degraded  bool
	Timestamp time.Time
}

// History is the per-monitor ring buffer plus transition bookkeeping.
type History struct {
	outcomes []Outcome

	LastStateChange time.Time
	LastStableState Status
	StateEntryTime  time.Time
}

func (h *History) record(o Outcome) {
	if len(h.outcomes) >= WindowSize {
		h.outcomes = h.outcomes[1:]
	}
	h.outcomes = append(h.outcomes, o)
}

// Registry holds histories keyed by monitor id. It has the same
// lifetime as the monitor's active scheduling; deleting a monitor
// drops its history.
type Registry struct {
	mu sync.RWMutex
	m  map[string]*History
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*History)}
}

// Window returns a copy of the monitor's recent outcomes.
func (r *Registry) Window(monitorID string) []Outcome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[monitorID]
	if !ok {
		return nil
	}
	dst := make([]Outcome, len(h.outcomes))
	copy(dst, h.outcomes)
	return dst
}

// Record appends one outcome and updates transition bookkeeping when
// the stable state changed.
func (r *Registry) Record(monitorID string, status Status, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[monitorID]
	if !ok {
		h = &History{}
		r.m[monitorID] = h
	}
	h.record(Outcome{
		Up:        status != StatusDown,
		Degraded:  status == StatusDegraded,
		Timestamp: ts,
	})
	if h.LastStableState != status {
		h.LastStableState = status
		h.LastStateChange = ts
		h.StateEntryTime = ts
	}
}

// Hydrate seeds a monitor's window from persisted checks, oldest
// first, so confirmation state survives restarts.
func (r *Registry) Hydrate(monitorID string, outcomes []Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &History{}
	for _, o := range outcomes {
		h.record(o)
	}
	if len(outcomes) > 0 {
		last := outcomes[len(outcomes)-1]
		switch {
		case !last.Up:
			h.LastStableState = StatusDown
		case last.Degraded:
			h.LastStableState = StatusDegraded
		default:
			h.LastStableState = StatusUp
		}
		h.StateEntryTime = last.Timestamp
	}
	r.m[monitorID] = h
}

// Remove drops a monitor's history.
func (r *Registry) Remove(monitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, monitorID)
}
