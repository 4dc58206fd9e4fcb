package api

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/guni1192/droprelay/relay/coordinator"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string             `json:"status"` // "healthy" | "ready" | "not_ready"
	Timestamp time.Time          `json:"timestamp"`
	Version   string             `json:"version"`
	Uptime    string             `json:"uptime,omitempty"`
	Stats     *coordinator.Stats `json:"stats,omitempty"`
}

// StatsProvider reports live session and transfer counters.
type StatsProvider interface {
	Stats() coordinator.Stats
}

// HealthChecker manages service health and readiness state
type HealthChecker struct {
	startTime time.Time
	ready     atomic.Bool
	version   string
	stats     atomic.Pointer[statsHolder]
	now       func() time.Time
}

type statsHolder struct{ p StatsProvider }

// NewHealthChecker creates a new HealthChecker instance
func NewHealthChecker(version string) *HealthChecker {
	hc := &HealthChecker{
		startTime: time.Now(),
		version:   version,
		now:       time.Now,
	}
	hc.ready.Store(false) // Not ready until the coordinator is running
	return hc
}

// SetReady marks the service as ready (or not ready) to accept traffic
func (hc *HealthChecker) SetReady(ready bool) {
	hc.ready.Store(ready)
}

// SetStats attaches the counters reported by both probes.
func (hc *HealthChecker) SetStats(p StatsProvider) {
	hc.stats.Store(&statsHolder{p: p})
}

func (hc *HealthChecker) status(s string) HealthStatus {
	st := HealthStatus{
		Status:    s,
		Timestamp: hc.now(),
		Version:   hc.version,
		Uptime:    hc.now().Sub(hc.startTime).String(),
	}
	if h := hc.stats.Load(); h != nil && h.p != nil {
		stats := h.p.Stats()
		st.Stats = &stats
	}
	return st
}

// LivenessHandler handles liveness probe requests
// Returns 200 OK if the process is alive (always succeeds)
func (hc *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hc.status("healthy"))
}

// ReadinessHandler handles readiness probe requests
// Returns 200 OK only after SetReady(true)
func (hc *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !hc.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, HealthStatus{
			Status:    "not_ready",
			Timestamp: hc.now(),
			Version:   hc.version,
		})
		return
	}
	writeJSON(w, http.StatusOK, hc.status("ready"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
