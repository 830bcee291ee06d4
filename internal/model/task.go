package model

import "time"

// TaskStatus is the lifecycle of a persisted queue task. This core only
// creates PENDING tasks; the external worker owns the rest.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// TaskPriority is the coarse bucket a numeric priority maps to on commit.
type TaskPriority string

const (
	TaskPriorityHigh   TaskPriority = "HIGH"
	TaskPriorityNormal TaskPriority = "NORMAL"
	TaskPriorityLow    TaskPriority = "LOW"
)

// Queue task types created by the scheduler.
const (
	TaskTypeCollectAccount = "COLLECT_ACCOUNT"
	TaskTypeCollectKeyword = "COLLECT_KEYWORD"
)

// PlannedTask is an ephemeral planning result; it becomes a QueueTask only
// on commit.
type PlannedTask struct {
	TargetID       string     `json:"target_id"`
	Kind           TargetType `json:"kind"`
	Query          string     `json:"query"`
	EstimatedPosts int        `json:"estimated_posts"`
	Priority       int        `json:"priority"`
}

// SkipCounts records why targets were excluded from a planning pass.
type SkipCounts struct {
	Cooldown        int `json:"cooldown"`
	AlreadyPending  int `json:"already_pending"`
	Disabled        int `json:"disabled"`
	DegradedQuality int `json:"degraded_quality"`
}

// PlannedBatch is the side-effect-free output of a planning pass.
type PlannedBatch struct {
	Tasks             []PlannedTask `json:"tasks"`
	TotalPlannedPosts int           `json:"total_planned_posts"`
	Skipped           SkipCounts    `json:"skipped"`
}

// TaskPayload is the JSON body stored on a queue task.
type TaskPayload struct {
	TargetID       string `json:"target_id"`
	Query          string `json:"query"`
	EstimatedPosts int    `json:"estimated_posts"`
}

// QueueTask is a persisted unit of work handed to the external worker.
type QueueTask struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	TargetID  string       `json:"target_id"`
	Type      string       `json:"type"`
	Payload   TaskPayload  `json:"payload"`
	Status    TaskStatus   `json:"status"`
	Priority  TaskPriority `json:"priority"`
	CreatedAt time.Time    `json:"created_at"`
}

// CommitResult reports a committed batch.
type CommitResult struct {
	Committed int      `json:"committed"`
	TaskIDs   []string `json:"task_ids"`
}
