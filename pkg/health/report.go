package health

import (
	"errors"
	"fmt"
)

// Status is the coarse health state reported by the monitored service.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusDegraded, StatusCritical:
		return true
	default:
		return false
	}
}

// Report is a snapshot of the monitored service at one instant. It is passed
// by value and never mutated after construction.
type Report struct {
	Status         Status
	CPUUsagePct    int
	MemoryUsagePct int
	ErrorCount     int
	UptimeSeconds  int
}

// payload mirrors the JSON body of GET /health.
type payload struct {
	Status      string `json:"status"`
	CPUUsage    *int   `json:"cpu_usage"`
	MemoryUsage *int   `json:"memory_usage"`
	ErrorCount  *int   `json:"error_count"`
	Uptime      *int   `json:"uptime"`
}

func (p payload) report() (Report, error) {
	if p.CPUUsage == nil || p.MemoryUsage == nil || p.ErrorCount == nil || p.Uptime == nil {
		return Report{}, errors.New("health payload is missing required fields")
	}
	r := Report{
		Status:         Status(p.Status),
		CPUUsagePct:    *p.CPUUsage,
		MemoryUsagePct: *p.MemoryUsage,
		ErrorCount:     *p.ErrorCount,
		UptimeSeconds:  *p.Uptime,
	}
	if err := r.Validate(); err != nil {
		return Report{}, err
	}
	return r, nil
}

// Validate checks the report's field ranges.
func (r Report) Validate() error {
	if !r.Status.Valid() {
		return fmt.Errorf("unknown health status %q", r.Status)
	}
	if r.CPUUsagePct < 0 || r.CPUUsagePct > 100 {
		return fmt.Errorf("cpu_usage %d outside 0-100", r.CPUUsagePct)
	}
	if r.MemoryUsagePct < 0 || r.MemoryUsagePct > 100 {
		return fmt.Errorf("memory_usage %d outside 0-100", r.MemoryUsagePct)
	}
	if r.ErrorCount < 0 {
		return fmt.Errorf("error_count %d must be non-negative", r.ErrorCount)
	}
	if r.UptimeSeconds < 0 {
		return fmt.Errorf("uptime %d must be non-negative", r.UptimeSeconds)
	}
	return nil
}

// Fields renders the report for structured events.
func (r Report) Fields() map[string]interface{} {
	return map[string]interface{}{
		"status":         string(r.Status),
		"cpu_usage":      r.CPUUsagePct,
		"memory_usage":   r.MemoryUsagePct,
		"error_count":    r.ErrorCount,
		"uptime_seconds": r.UptimeSeconds,
	}
}

// Sample is the result of a single health fetch: either a Report or the
// absence of data. The zero Sample carries no data.
type Sample struct {
	report Report
	ok     bool
	err    error
}

// Observed wraps a successfully fetched report.
func Observed(r Report) Sample {
	return Sample{report: r, ok: true}
}

// NoData records a failed fetch and its cause.
func NoData(cause error) Sample {
	if cause == nil {
		cause = errors.New("no health data")
	}
	return Sample{err: cause}
}

// Report returns the fetched report and whether one is present.
func (s Sample) Report() (Report, bool) {
	if !s.ok {
		return Report{}, false
	}
	return s.report, true
}

// HasData reports whether the sample carries a report.
func (s Sample) HasData() bool { return s.ok }

// Err returns the cause of a NoData sample, or nil.
func (s Sample) Err() error {
	if s.ok {
		return nil
	}
	if s.err == nil {
		return errors.New("no health data")
	}
	return s.err
}
