package policy

import "strings"

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

// DecisionQuery is the rego rule every request policy must define.
const DecisionQuery = "data.research.request.decision"

// Config holds policy engine configuration
type Config struct {
	Enabled bool
	Mode    Mode
	// Path to the directory containing .rego policy files
	Path string
	// FailClosed denies requests when policies cannot be loaded or evaluated.
	FailClosed bool
	// Environment is passed to policies as input.environment.
	Environment string
}

// ParseMode maps a configuration string to a Mode, defaulting to off.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeDryRun:
		return ModeDryRun
	case ModeEnforce:
		return ModeEnforce
	default:
		return ModeOff
	}
}
