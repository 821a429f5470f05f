package session

import "time"

// Default automatic retry parameters.
const (
	defaultMaxAttempts = 3
	defaultBackoff     = 1 * time.Second
	defaultMaxBackoff  = 30 * time.Second
)

// RetryPolicy controls automatic reconnection after a failure. The zero value
// disables it, which leaves retrying to the user.
//
// Only transport and unknown failures are ever retried automatically: a
// rejected credential or a missing microphone will not fix itself.
type RetryPolicy struct {
	// Auto enables automatic retries.
	Auto bool `yaml:"auto"`

	// MaxAttempts is the maximum number of automatic retries between two
	// successful connections. Defaults to 3 if zero.
	MaxAttempts int `yaml:"max_attempts"`

	// Backoff is the delay before the first retry. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration `yaml:"backoff"`

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	return p
}

// Allows reports whether a failure of kind k may be retried automatically
// after attempts earlier automatic retries.
func (p RetryPolicy) Allows(k Kind, attempts int) bool {
	if !p.Auto {
		return false
	}
	switch k {
	case KindTransport, KindUnknown:
	default:
		return false
	}
	return attempts < p.withDefaults().MaxAttempts
}

// Delay returns the wait before automatic retry number attempt (1-based):
// Backoff doubled per earlier attempt, capped at MaxBackoff.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return min(d, p.MaxBackoff)
}
