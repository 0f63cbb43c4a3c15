package outbound

import "fmt"

// Health thresholds for outbound latency and breaker pressure.
const (
	latencyWarningS             = 5.0
	latencyErrorS               = 15.0
	consecutiveFailuresWarning  = 3
	consecutiveFailuresError    = 5
	circuitOpenCooldownWarningS = 5.0
	circuitOpenCooldownErrorS   = 15.0
	circuitBlockedWarningCount  = 1
	circuitBlockedErrorCount    = 5
)

var severityRank = map[string]int{"ok": 0, "warning": 1, "error": 2}

// HealthCheck is one threshold evaluation inside a HealthReport.
type HealthCheck struct {
	ID        string  `json:"id"`
	Label     string  `json:"label"`
	Value     float64 `json:"value"`
	WarningGT float64 `json:"warning_gt"`
	ErrorGT   float64 `json:"error_gt"`
	Level     string  `json:"level"`
	Decision  string  `json:"decision"`
}

// HealthReport summarizes whether a channel's outbound path is healthy.
type HealthReport struct {
	Level  string        `json:"level"`
	Pass   bool          `json:"pass"`
	Checks []HealthCheck `json:"checks"`
}

func thresholdCheck(id, label string, value, warningGT, errorGT float64) HealthCheck {
	check := HealthCheck{ID: id, Label: label, Value: value, WarningGT: warningGT, ErrorGT: errorGT, Level: "ok", Decision: "pass"}
	switch {
	case value > errorGT:
		check.Level = "error"
		check.Decision = fmt.Sprintf("fail: %s (%.3f) > %.3f", label, value, errorGT)
	case value > warningGT:
		check.Level = "warning"
		check.Decision = fmt.Sprintf("warn: %s (%.3f) > %.3f", label, value, warningGT)
	}
	return check
}

func maxLevel(current, incoming string) string {
	if severityRank[incoming] > severityRank[current] {
		return incoming
	}
	return current
}

// EvaluateHealth applies the outbound policy thresholds to a snapshot.
func EvaluateHealth(snap Snapshot) HealthReport {
	report := HealthReport{Level: "ok"}

	latency := thresholdCheck("latency", "send latency (s)", snap.LastAttemptLatencyS, latencyWarningS, latencyErrorS)
	report.Checks = append(report.Checks, latency)
	report.Level = maxLevel(report.Level, latency.Level)

	failures := thresholdCheck("consecutive_failures", "consecutive failures",
		float64(snap.CircuitConsecutiveFailures), consecutiveFailuresWarning, consecutiveFailuresError)
	report.Checks = append(report.Checks, failures)
	report.Level = maxLevel(report.Level, failures.Level)

	blocked := thresholdCheck("circuit_blocked", "circuit blocked sends",
		float64(snap.CircuitBlockedCount), circuitBlockedWarningCount, circuitBlockedErrorCount)
	report.Checks = append(report.Checks, blocked)
	report.Level = maxLevel(report.Level, blocked.Level)

	switch snap.CircuitState {
	case CircuitOpen:
		open := thresholdCheck("circuit_open_cooldown", "circuit open cooldown (s)",
			snap.CircuitCooldownRemaining, circuitOpenCooldownWarningS, circuitOpenCooldownErrorS)
		if open.Level == "ok" {
			open.Level = "warning"
			open.Decision = fmt.Sprintf("warn: circuit open (cooldown remaining %.3fs)", snap.CircuitCooldownRemaining)
		}
		report.Checks = append(report.Checks, open)
		report.Level = maxLevel(report.Level, open.Level)
	case CircuitHalfOpen:
		report.Checks = append(report.Checks, HealthCheck{
			ID: "circuit_half_open", Label: "circuit half-open", Value: 1,
			ErrorGT: 1e9, Level: "warning", Decision: "warn: circuit recovering (half-open)",
		})
		report.Level = maxLevel(report.Level, "warning")
	}

	report.Pass = report.Level != "error"
	return report
}
