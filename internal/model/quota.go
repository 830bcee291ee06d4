package model

import "time"

// Default quota parameters applied when a quota document is created lazily.
const (
	DefaultBasePostsPerHour = 200
	DefaultBoostMultiplier  = 1.0
)

// Quota tracks rolling-window spend caps for one owner. usedThisHour and
// usedToday only grow within a window; plannedThisHour holds outstanding
// reservations not yet consumed or released.
type Quota struct {
	OwnerID             string    `json:"owner_id"`
	AccountsLinked      int       `json:"accounts_linked"`
	BasePostsPerHour    int       `json:"base_posts_per_hour"`
	BoostMultiplier     float64   `json:"boost_multiplier"`
	HardCapPerHour      int       `json:"hard_cap_per_hour"`
	HardCapPerDay       int       `json:"hard_cap_per_day"`
	UsedThisHour        int       `json:"used_this_hour"`
	UsedToday           int       `json:"used_today"`
	PlannedThisHour     int       `json:"planned_this_hour"`
	HourWindowStartedAt time.Time `json:"hour_window_started_at"`
	DayWindowStartedAt  time.Time `json:"day_window_started_at"`
}

// QuotaStatus is the read model returned to callers after window resets
// and cap recalculation have been applied.
type QuotaStatus struct {
	OwnerID         string `json:"owner_id"`
	AccountsLinked  int    `json:"accounts_linked"`
	HardCapPerHour  int    `json:"hard_cap_per_hour"`
	HardCapPerDay   int    `json:"hard_cap_per_day"`
	UsedThisHour    int    `json:"used_this_hour"`
	UsedToday       int    `json:"used_today"`
	PlannedThisHour int    `json:"planned_this_hour"`
	RemainingHour   int    `json:"remaining_hour"`
	RemainingDay    int    `json:"remaining_day"`
	// Minutes until the rolling hourly window resets.
	WindowResetsIn int `json:"window_resets_in"`
}

// ConsumeDecision is a structured refusal, not an error: callers check
// Allowed and show Reason.
type ConsumeDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// ThresholdStatus reports alerting thresholds against the hourly cap.
type ThresholdStatus struct {
	IsAt80Percent bool `json:"is_at_80_percent"`
	IsExceeded    bool `json:"is_exceeded"`
}
