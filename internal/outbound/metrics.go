package outbound

import "time"

// Metrics is the rolling counter set for one adapter instance. Counters are
// monotonic for the lifetime of the instance.
type Metrics struct {
	SentOK               int64         `json:"sent_ok"`
	RetryCount           int64         `json:"retry_count"`
	TimeoutCount         int64         `json:"timeout_count"`
	FallbackCount        int64         `json:"fallback_count"`
	SendFailCount        int64         `json:"send_fail_count"`
	DedupeHits           int64         `json:"dedupe_hits"`
	CircuitOpenCount     int64         `json:"circuit_open_count"`
	CircuitHalfOpenCount int64         `json:"circuit_half_open_count"`
	CircuitBlockedCount  int64         `json:"circuit_blocked_count"`
	LastError            *SendError    `json:"last_error,omitempty"`
	LastSuccessAt        time.Time     `json:"last_success_at,omitzero"`
	LastAttemptLatency   time.Duration `json:"-"`
}

// Snapshot is the observability contract exposed per instance and aggregated
// per channel by the lifecycle manager.
type Snapshot struct {
	Channel                   string     `json:"channel"`
	CircuitState              string     `json:"circuit_state"`
	CircuitConsecutiveFailures int       `json:"circuit_consecutive_failures"`
	CircuitCooldownRemaining  float64    `json:"circuit_cooldown_remaining_s"`
	LastAttemptLatencyS       float64    `json:"last_attempt_latency_s"`
	Metrics
}

// Snapshot returns a point-in-time copy of the instance state.
func (r *Resilience) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		Channel:                    r.channel,
		CircuitState:               r.circuitState,
		CircuitConsecutiveFailures: r.consecutiveFailures,
		LastAttemptLatencyS:        r.metrics.LastAttemptLatency.Seconds(),
		Metrics:                    r.metrics,
	}
	if r.circuitState == CircuitOpen {
		if remaining := r.cooldownUntil.Sub(r.now()); remaining > 0 {
			snap.CircuitCooldownRemaining = remaining.Seconds()
		}
	}
	return snap
}

// circuitRank orders states for worst-case aggregation: open > half_open > closed.
func circuitRank(state string) int {
	switch state {
	case CircuitOpen:
		return 2
	case CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// Aggregate folds per-instance snapshots into one channel-level snapshot.
// Counters add up; circuit_state takes the worst among instances.
func Aggregate(channel string, snaps []Snapshot) Snapshot {
	agg := Snapshot{Channel: channel, CircuitState: CircuitClosed}
	for _, s := range snaps {
		agg.SentOK += s.SentOK
		agg.RetryCount += s.RetryCount
		agg.TimeoutCount += s.TimeoutCount
		agg.FallbackCount += s.FallbackCount
		agg.SendFailCount += s.SendFailCount
		agg.DedupeHits += s.DedupeHits
		agg.CircuitOpenCount += s.CircuitOpenCount
		agg.CircuitHalfOpenCount += s.CircuitHalfOpenCount
		agg.CircuitBlockedCount += s.CircuitBlockedCount
		if circuitRank(s.CircuitState) > circuitRank(agg.CircuitState) {
			agg.CircuitState = s.CircuitState
		}
		if s.CircuitConsecutiveFailures > agg.CircuitConsecutiveFailures {
			agg.CircuitConsecutiveFailures = s.CircuitConsecutiveFailures
		}
		if s.CircuitCooldownRemaining > agg.CircuitCooldownRemaining {
			agg.CircuitCooldownRemaining = s.CircuitCooldownRemaining
		}
		if s.LastAttemptLatencyS > agg.LastAttemptLatencyS {
			agg.LastAttemptLatencyS = s.LastAttemptLatencyS
		}
		if s.LastSuccessAt.After(agg.LastSuccessAt) {
			agg.LastSuccessAt = s.LastSuccessAt
		}
		if s.LastError != nil {
			agg.LastError = s.LastError
		}
	}
	return agg
}
