package httpapi

import (
	"math"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Health is the response body for GET /health.
type Health struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// DetailedHealth is the response body for GET /health/details.
type DetailedHealth struct {
	Status        string         `json:"status"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Details       map[string]any `json:"details"`
}

// HealthTracker reports process-level health for a service. The zero value is
// not usable; construct with NewHealthTracker at startup so uptime is
// measured from process start.
type HealthTracker struct {
	start time.Time
	proc  *process.Process
}

func NewHealthTracker() *HealthTracker {
	// Process lookup can fail in exotic environments; details degrade to
	// goroutine count only in that case.
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &HealthTracker{start: time.Now(), proc: proc}
}

// Details assembles the standard process stats (CPU%, resident memory,
// goroutines) and merges in service-specific entries from extra.
func (h *HealthTracker) Details(status string, extra map[string]any) DetailedHealth {
	details := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if h.proc != nil {
		if cpu, err := h.proc.CPUPercent(); err == nil {
			details["cpu_percent"] = round1(cpu)
		}
		if mem, err := h.proc.MemoryInfo(); err == nil && mem != nil {
			details["memory_mb"] = round1(float64(mem.RSS) / (1024 * 1024))
		}
	}
	for k, v := range extra {
		details[k] = v
	}
	return DetailedHealth{
		Status:        status,
		UptimeSeconds: time.Since(h.start).Seconds(),
		Details:       details,
	}
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
