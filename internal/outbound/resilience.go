// Package outbound implements the delivery wrapper shared by every channel
// adapter: idempotency dedupe, bounded retry with exponential backoff, a
// per-channel circuit breaker and a rolling metrics snapshot.
package outbound

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Failure taxonomy codes surfaced in SendResult.Error.Code.
const (
	CodeChannelUnavailable = "channel_unavailable"
	CodeProviderTimeout    = "provider_timeout"
	CodeProviderSendFailed = "provider_send_failed"
	CodeCircuitOpen        = "circuit_open"
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half_open"
)

// SendError describes a failed delivery in structured form.
type SendError struct {
	Channel        string `json:"channel"`
	Provider       string `json:"provider"`
	Code           string `json:"code"`
	Attempts       int    `json:"attempts"`
	Reason         string `json:"reason"`
	Fallback       string `json:"fallback"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (e *SendError) Error() string {
	return fmt.Sprintf("outbound %s: %s (channel=%s attempts=%d reason=%s)",
		e.Code, e.Provider, e.Channel, e.Attempts, e.Reason)
}

// SendResult is the outcome of a deliver call.
type SendResult struct {
	OK             bool
	Attempts       int
	IdempotencyKey string
	Error          *SendError
}

// Operation performs one delivery attempt. It must honor ctx cancellation.
type Operation func(ctx context.Context) error

// Options tune a Resilience instance. Zero values fall back to defaults and
// out-of-range values are clamped.
type Options struct {
	Timeout          time.Duration // per-attempt timeout, min 100ms
	MaxAttempts      int           // clamped to [1, 3]
	BaseBackoff      time.Duration // first retry delay, doubled per attempt
	DedupeTTL        time.Duration // identical payload suppression window
	DedupeMaxEntries int           // cache capacity, oldest evicted first
	BreakerThreshold int           // consecutive failures before the circuit opens
	BreakerCooldown  time.Duration // open state duration before a half-open trial
	RatePerSecond    float64       // outbound flood limit, 0 = unlimited
	RateBurst        int
}

func (o Options) withDefaults() Options {
	if o.Timeout < 100*time.Millisecond {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.MaxAttempts > 3 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff < 0 {
		o.BaseBackoff = 0
	} else if o.BaseBackoff == 0 {
		o.BaseBackoff = 250 * time.Millisecond
	}
	if o.DedupeTTL < time.Second {
		o.DedupeTTL = 8 * time.Second
	}
	if o.DedupeMaxEntries < 32 {
		o.DedupeMaxEntries = 512
	}
	if o.BreakerThreshold < 1 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.RateBurst < 1 {
		o.RateBurst = 5
	}
	return o
}

// Resilience wraps a channel's send operation. One instance per adapter
// instance; all methods are safe for concurrent use.
type Resilience struct {
	channel string
	opts    Options

	mu         sync.Mutex
	recentSent map[string]time.Time
	metrics    Metrics

	// circuit breaker state
	circuitState        string
	consecutiveFailures int
	cooldownUntil       time.Time
	halfOpenTrial       bool

	limiter *rate.Limiter

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a Resilience engine for one channel instance.
func New(channel string, opts Options) *Resilience {
	if channel == "" {
		channel = "unknown"
	}
	o := opts.withDefaults()
	r := &Resilience{
		channel:      channel,
		opts:         o,
		recentSent:   make(map[string]time.Time),
		circuitState: CircuitClosed,
		now:          time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
	if o.RatePerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(o.RatePerSecond), o.RateBurst)
	}
	return r
}

// IdempotencyKey derives the dedupe key for a payload: first 32 hex chars of
// sha256(channel || target || text).
func (r *Resilience) IdempotencyKey(target, text string) string {
	sum := sha256.Sum256([]byte(r.channel + "\n" + target + "\n" + text))
	return fmt.Sprintf("%x", sum)[:32]
}

// Unavailable reports a send that could not even be attempted (adapter not
// configured, dependency missing). Synchronous, never retries.
func (r *Resilience) Unavailable(provider, target, text, reason, fallback string) SendResult {
	key := r.IdempotencyKey(target, text)
	sendErr := r.buildError(provider, CodeChannelUnavailable, 0, reason, fallback, key)
	r.mu.Lock()
	r.metrics.SendFailCount++
	r.metrics.LastError = sendErr
	r.mu.Unlock()
	r.logFailure(sendErr)
	return SendResult{OK: false, Attempts: 0, IdempotencyKey: key, Error: sendErr}
}

// Deliver runs op under the retry/dedupe/breaker policy and returns a
// structured result. Errors never propagate past this method.
func (r *Resilience) Deliver(ctx context.Context, provider, target, text, fallback string, op Operation) SendResult {
	key := r.IdempotencyKey(target, text)
	now := r.now()

	r.mu.Lock()
	r.pruneRecentLocked(now)
	if _, dup := r.recentSent[key]; dup {
		r.metrics.DedupeHits++
		r.mu.Unlock()
		slog.Info("outbound deduplicated", "channel", r.channel, "provider", provider, "key", key)
		return SendResult{OK: true, Attempts: 0, IdempotencyKey: key}
	}
	if blocked, reason := r.checkCircuitLocked(now); blocked {
		sendErr := r.buildError(provider, CodeChannelUnavailable, 0, reason, fallback, key)
		r.metrics.CircuitBlockedCount++
		r.metrics.LastError = sendErr
		r.mu.Unlock()
		r.logFailure(sendErr)
		return SendResult{OK: false, Attempts: 0, IdempotencyKey: key, Error: sendErr}
	}
	r.mu.Unlock()

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			sendErr := r.buildError(provider, CodeProviderSendFailed, 0, "rate limiter: "+err.Error(), fallback, key)
			r.recordFailure(sendErr)
			return SendResult{OK: false, Attempts: 0, IdempotencyKey: key, Error: sendErr}
		}
	}

	var lastErr *SendError
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		start := r.now()
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		err := op(attemptCtx)
		cancel()
		latency := r.now().Sub(start)

		if err == nil {
			r.recordSuccess(key, latency)
			return SendResult{OK: true, Attempts: attempt, IdempotencyKey: key}
		}

		if attemptCtx.Err() == context.DeadlineExceeded {
			r.mu.Lock()
			r.metrics.TimeoutCount++
			r.mu.Unlock()
			lastErr = r.buildError(provider, CodeProviderTimeout, attempt,
				fmt.Sprintf("timeout>%.2fs", r.opts.Timeout.Seconds()), fallback, key)
		} else {
			lastErr = r.buildError(provider, CodeProviderSendFailed, attempt, err.Error(), fallback, key)
		}

		if attempt < r.opts.MaxAttempts {
			r.mu.Lock()
			r.metrics.RetryCount++
			r.mu.Unlock()
			delay := r.opts.BaseBackoff * (1 << (attempt - 1))
			if delay > 0 {
				r.sleep(ctx, delay)
			}
		}
	}

	r.recordFailure(lastErr)
	return SendResult{OK: false, Attempts: lastErr.Attempts, IdempotencyKey: key, Error: lastErr}
}

// checkCircuitLocked returns (true, reason) when sends must be rejected.
// An open circuit whose cooldown expired transitions to half-open and lets
// exactly one trial through.
func (r *Resilience) checkCircuitLocked(now time.Time) (bool, string) {
	switch r.circuitState {
	case CircuitOpen:
		if now.Before(r.cooldownUntil) {
			return true, "circuit_open"
		}
		r.circuitState = CircuitHalfOpen
		r.halfOpenTrial = true
		r.metrics.CircuitHalfOpenCount++
		return false, ""
	case CircuitHalfOpen:
		if r.halfOpenTrial {
			r.halfOpenTrial = false
			return false, ""
		}
		return true, "circuit_open"
	}
	return false, ""
}

func (r *Resilience) recordSuccess(key string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recentSent[key] = r.now()
	r.metrics.SentOK++
	r.metrics.LastSuccessAt = r.now()
	r.metrics.LastAttemptLatency = latency
	r.consecutiveFailures = 0
	r.circuitState = CircuitClosed
	r.halfOpenTrial = false
}

func (r *Resilience) recordFailure(sendErr *SendError) {
	r.mu.Lock()
	r.metrics.SendFailCount++
	if sendErr.Fallback != "" && sendErr.Fallback != "none" {
		r.metrics.FallbackCount++
	}
	r.metrics.LastError = sendErr
	r.consecutiveFailures++
	if r.circuitState == CircuitHalfOpen || r.consecutiveFailures >= r.opts.BreakerThreshold {
		r.circuitState = CircuitOpen
		r.cooldownUntil = r.now().Add(r.opts.BreakerCooldown)
		r.metrics.CircuitOpenCount++
	}
	r.mu.Unlock()
	r.logFailure(sendErr)
}

func (r *Resilience) pruneRecentLocked(now time.Time) {
	for key, ts := range r.recentSent {
		if now.Sub(ts) > r.opts.DedupeTTL {
			delete(r.recentSent, key)
		}
	}
	for len(r.recentSent) > r.opts.DedupeMaxEntries {
		var oldestKey string
		var oldest time.Time
		for key, ts := range r.recentSent {
			if oldestKey == "" || ts.Before(oldest) {
				oldestKey, oldest = key, ts
			}
		}
		delete(r.recentSent, oldestKey)
	}
}

func (r *Resilience) buildError(provider, code string, attempts int, reason, fallback, key string) *SendError {
	return &SendError{
		Channel:        r.channel,
		Provider:       provider,
		Code:           code,
		Attempts:       attempts,
		Reason:         reason,
		Fallback:       fallback,
		IdempotencyKey: key,
	}
}

func (r *Resilience) logFailure(sendErr *SendError) {
	slog.Error("outbound send failed",
		"channel", sendErr.Channel,
		"provider", sendErr.Provider,
		"code", sendErr.Code,
		"attempts", sendErr.Attempts,
		"reason", sendErr.Reason,
		"fallback", sendErr.Fallback,
		"idempotency_key", sendErr.IdempotencyKey,
	)
}
