package router

import "time"

// State is the router's shared mutable state. Zero times mean "never".
type State struct {
	Current               string    `json:"current"`
	FallbackStartedAt     time.Time `json:"fallback_started_at,omitempty"`
	LastPrimaryProbeAt    time.Time `json:"last_primary_probe_at,omitempty"`
	PrimaryFailureCount   int       `json:"primary_failure_count"`
	RequestsSinceFallback int       `json:"requests_since_fallback"`
}

// maxBackoffExponent caps the cooldown doubling.
const maxBackoffExponent = 5

// Cooldown is the wait after a failed primary probe before the next one:
// min * 2^min(failures, 5), never more than max.
func Cooldown(min, max time.Duration, failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > maxBackoffExponent {
		failures = maxBackoffExponent
	}
	d := min * time.Duration(1<<failures)
	if d > max {
		return max
	}
	return d
}
