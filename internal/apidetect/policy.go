package apidetect

import "time"

// Policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultCooldown    = 5 * time.Minute
	DefaultCacheTTL    = 7 * 24 * time.Hour
)

// Decision is the outcome of Policy.Decide.
type Decision string

const (
	DecisionProbe       Decision = ""
	DecisionCached      Decision = "cached"
	DecisionThrottled   Decision = "throttled"
	DecisionCredentials Decision = "credentials"
)

// Policy throttles repeated failures and caches successes.
type Policy struct {
	MaxAttempts int
	Cooldown    time.Duration
	CacheTTL    time.Duration
}

// DefaultPolicy returns 5 attempts, a 5 minute cooldown and a 7 day cache.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Cooldown: DefaultCooldown, CacheTTL: DefaultCacheTTL}
}

// State is the detection bookkeeping stored on a service.
type State struct {
	Detected       bool
	Attempts       int
	LastDetection  *time.Time
	HasCredentials bool
}

// Decide reports whether detection should run now. Stored credentials mean
// the API is known and are honored even when forced. Force otherwise
// bypasses both the cache and the throttle.
func (p Policy) Decide(s State, now time.Time, force bool) Decision {
	if s.HasCredentials {
		return DecisionCredentials
	}
	if force || s.LastDetection == nil {
		return DecisionProbe
	}
	since := now.Sub(*s.LastDetection)
	if s.Detected && since < p.CacheTTL {
		return DecisionCached
	}
	if s.Attempts >= p.MaxAttempts && since < p.Cooldown {
		return DecisionThrottled
	}
	return DecisionProbe
}

// Record folds a detection outcome into the state.
func (p Policy) Record(s State, found bool, now time.Time) State {
	t := now
	s.LastDetection = &t
	if found {
		s.Detected = true
		s.Attempts = 0
		return s
	}
	s.Detected = false
	s.Attempts++
	return s
}

// NextCheck returns when a throttled state may probe again, or nil when
// detection is not throttled.
func (p Policy) NextCheck(s State) *time.Time {
	if s.Detected || s.Attempts < p.MaxAttempts || s.LastDetection == nil {
		return nil
	}
	t := s.LastDetection.Add(p.Cooldown)
	return &t
}
