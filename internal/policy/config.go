package policy

import "time"

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but doesn't enforce them (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	// Enabled controls whether the policy engine is active
	Enabled bool `mapstructure:"enabled"`

	// Mode controls policy enforcement behavior
	Mode Mode `mapstructure:"mode"`

	// Path to the directory containing .rego policy files
	Path string `mapstructure:"path"`

	// FailClosed determines behavior when policies can't be loaded or
	// evaluation errors:
	// true: deny agent calls
	// false: allow agent calls (fail-open)
	FailClosed bool `mapstructure:"fail_closed"`

	// Environment context for policy evaluation (dev, staging, prod)
	Environment string `mapstructure:"environment"`

	// EmergencyKillSwitch forces dry-run regardless of Mode, so enforcement
	// can be neutralized without editing policies
	EmergencyKillSwitch bool `mapstructure:"emergency_kill_switch"`

	// CacheSize bounds the decision cache (default 1000 entries)
	CacheSize int `mapstructure:"cache_size"`

	// CacheTTL expires cached decisions (default 5m)
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// DefaultConfig returns the safe-by-default configuration: engine off,
// fail-open, dev environment.
func DefaultConfig() *Config {
	return &Config{
		Enabled:     false,
		Mode:        ModeOff,
		Path:        "config/policies",
		FailClosed:  false,
		Environment: "dev",
		CacheSize:   1000,
		CacheTTL:    5 * time.Minute,
	}
}

// Normalize validates the mode and disables the engine when the mode is
// off or unrecognized.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 1000
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
}
