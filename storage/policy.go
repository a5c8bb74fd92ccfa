package storage

import "time"

// RetentionPolicy decides how long task results are kept.
type RetentionPolicy struct {
	// DefaultTTL applies when no override is given.
	// If zero, results never expire.
	DefaultTTL time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`

	// MaxTTL caps every TTL, overrides included.
	// If zero, no maximum is enforced.
	MaxTTL time.Duration `yaml:"max_ttl" mapstructure:"max_ttl"`
}

// DefaultRetentionPolicy returns the default retention policy.
// DefaultTTL: 24 hours, MaxTTL: 7 days
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		DefaultTTL: 24 * time.Hour,
		MaxTTL:     7 * 24 * time.Hour,
	}
}

// KeepForeverPolicy returns a policy under which results never expire.
func KeepForeverPolicy() RetentionPolicy {
	return RetentionPolicy{}
}

// Expires reports whether results stored under p expire by default.
func (p RetentionPolicy) Expires() bool {
	return p.DefaultTTL > 0
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
// Zero means no expiry.
func (p RetentionPolicy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}
	if p.MaxTTL > 0 && (ttl <= 0 || ttl > p.MaxTTL) {
		ttl = p.MaxTTL
	}
	return ttl
}
