package types

import "time"

// LoopMode controls how aggressively the autorepair loop acts on faults.
type LoopMode string

const (
	// ModeAggressive repairs everything detected
	ModeAggressive LoopMode = "aggressive"
	// ModeBalanced repairs faults at or above the priority threshold (default)
	ModeBalanced LoopMode = "balanced"
	// ModeConservative repairs only IMMEDIATE and URGENT faults
	ModeConservative LoopMode = "conservative"
	// ModeDisabled keeps detection running but never invokes repair
	ModeDisabled LoopMode = "disabled"
)

// ValidLoopMode reports whether m is a recognized mode.
func ValidLoopMode(m LoopMode) bool {
	switch m {
	case ModeAggressive, ModeBalanced, ModeConservative, ModeDisabled:
		return true
	}
	return false
}

// ThrottleMode is the current rate-limiting state of the autorepair loop.
type ThrottleMode string

const (
	// ThrottleNormal allows repairs subject to mode gating and cooldown
	ThrottleNormal ThrottleMode = "NORMAL"
	// ThrottleThrottled allows only IMMEDIATE priority repairs
	ThrottleThrottled ThrottleMode = "THROTTLED"
	// ThrottleBlocked allows no repairs at all; detection continues
	ThrottleBlocked ThrottleMode = "BLOCKED"
)

// ThrottleState is a read-only view of the loop's rate-limiting state.
type ThrottleState struct {
	Mode ThrottleMode `json:"mode"`
	// RepairsLastMinute is the rolling one-minute executed-repair count
	RepairsLastMinute int `json:"repairs_last_minute"`
	// RepairsLastHour is the rolling one-hour executed-repair count
	RepairsLastHour int `json:"repairs_last_hour"`
	// CooldownUntil is when the inter-repair cooldown next permits a repair
	CooldownUntil time.Time `json:"cooldown_until"`
}
