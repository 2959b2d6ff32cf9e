// Package health turns breaker metrics into an operator-facing status
// report and monitoring-friendly exports.
package health

import (
	"fmt"

	"github.com/shortontech/gopersona/internal/breaker"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the JSON shape served on the health endpoint. External
// dashboards key off the literal issue strings, so they stay stable.
type Report struct {
	Status          Status          `json:"status"`
	Issues          []string        `json:"issues"`
	Recommendations []string        `json:"recommendations"`
	Metrics         breaker.Metrics `json:"metrics"`
}

const (
	errorRateDegraded = 10  // percent
	latencyDegradedMs = 200 // ms
)

// GenerateReport evaluates the metrics: an open breaker is unhealthy; a
// high error rate or slow average latency is degraded (either alone);
// otherwise healthy.
func GenerateReport(m breaker.Metrics) Report {
	report := Report{
		Status:          StatusHealthy,
		Issues:          []string{},
		Recommendations: []string{},
		Metrics:         m,
	}

	if m.State == breaker.StateOpen {
		report.Status = StatusUnhealthy
		report.Issues = append(report.Issues, "Circuit breaker is open")
		report.Recommendations = append(report.Recommendations,
			"Investigate upstream failures, then reset the breaker once the cause is resolved")
	}

	if m.ErrorRate > errorRateDegraded {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Issues = append(report.Issues,
			fmt.Sprintf("High error rate: %.0f%%", m.ErrorRate))
		report.Recommendations = append(report.Recommendations,
			"Check persona store connectivity and recent deploys for error sources")
	}

	if m.AvgLatencyMs > latencyDegradedMs {
		if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
		report.Issues = append(report.Issues,
			fmt.Sprintf("High average latency: %.0fms", m.AvgLatencyMs))
		report.Recommendations = append(report.Recommendations,
			"Lower the cache operation timeout or scale the persona store")
	}

	return report
}

// FormatForLogging renders a single-line summary in the service's
// log.Printf style.
func FormatForLogging(m breaker.Metrics) string {
	return fmt.Sprintf("breaker=%s error_rate=%.0f%% avg_latency=%.0fms uptime=%.0f%% requests=%d errors=%d",
		m.State, m.ErrorRate, m.AvgLatencyMs, m.Uptime, m.TotalRequests, m.TotalErrors)
}

// ExportForMonitoring maps the metrics to flat numeric gauges. The breaker
// state maps to its ordinal (0 closed, 1 half-open, 2 open).
func ExportForMonitoring(m breaker.Metrics) map[string]float64 {
	return map[string]float64{
		"breaker_state":  float64(m.State.Ordinal()),
		"error_rate":     m.ErrorRate,
		"avg_latency_ms": m.AvgLatencyMs,
		"uptime":         m.Uptime,
		"total_requests": float64(m.TotalRequests),
		"total_errors":   float64(m.TotalErrors),
	}
}
