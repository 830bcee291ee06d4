package model

import "time"

// TargetType distinguishes account-watch targets from keyword searches.
type TargetType string

const (
	TargetTypeAccount TargetType = "ACCOUNT"
	TargetTypeKeyword TargetType = "KEYWORD"
)

// QualityStatus is the externally-supplied health of a target's recent
// collection runs. The planner throttles unstable targets probabilistically.
type QualityStatus string

const (
	QualityNominal  QualityStatus = "NOMINAL"
	QualityDegraded QualityStatus = "DEGRADED"
	QualityUnstable QualityStatus = "UNSTABLE"
)

// Target is one monitored account or keyword. CooldownUntil/CooldownReason
// are written by an external quality mechanism and consumed read-only here;
// LastPlannedAt is stamped by the scheduler on commit.
type Target struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Type           TargetType `json:"type"`
	Query          string     `json:"query"`
	Enabled        bool       `json:"enabled"`
	Priority       int        `json:"priority"`
	CooldownUntil  time.Time  `json:"cooldown_until,omitempty"`
	CooldownReason string     `json:"cooldown_reason,omitempty"`
	LastPlannedAt  time.Time  `json:"last_planned_at,omitempty"`
	// Minimum minutes between successive planning passes for this target.
	CooldownMin    int       `json:"cooldown_min"`
	MaxPostsPerRun int       `json:"max_posts_per_run"`
	CreatedAt      time.Time `json:"created_at"`
}
