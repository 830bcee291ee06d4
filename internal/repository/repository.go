package repository

import (
	"context"
	"errors"
	"time"

	"github.com/example/connections-core/internal/model"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// The store contract mirrors a document database without multi-document
// transactions: every mutating method below must execute as one atomic
// statement against its table, and no method may span two tables.

// QuotaRepository persists per-owner quota documents.
type QuotaRepository interface {
	Get(ctx context.Context, ownerID string) (*model.Quota, error)
	Create(ctx context.Context, q *model.Quota) error
	// SetCaps replaces the derived capacity fields.
	SetCaps(ctx context.Context, ownerID string, accountsLinked, capHour, capDay int) error
	// ResetHourWindow zeroes used/planned hour counters and restarts the window.
	ResetHourWindow(ctx context.Context, ownerID string, startedAt time.Time) error
	// ResetDayWindow zeroes the daily counter and pins the window start.
	ResetDayWindow(ctx context.Context, ownerID string, startedAt time.Time) error
	// AddPlanned atomically increments plannedThisHour by delta (may be negative).
	AddPlanned(ctx context.Context, ownerID string, delta int) error
	// ApplyConsume atomically moves amount from planned to used counters.
	ApplyConsume(ctx context.Context, ownerID string, amount int) error
}

// SessionRepository persists versioned session rows.
type SessionRepository interface {
	Insert(ctx context.Context, s *model.Session) error
	GetByID(ctx context.Context, sessionID string) (*model.Session, error)
	// ActiveByAccount returns the single active session scoped by owner.
	ActiveByAccount(ctx context.Context, ownerID, accountID string) (*model.Session, error)
	History(ctx context.Context, ownerID, accountID string, limit int) ([]*model.Session, error)
	// DeactivateActive marks every active row for the account inactive in one
	// statement and returns how many rows it touched.
	DeactivateActive(ctx context.Context, accountID string, supersededAt time.Time) (int, error)
	// MaxVersion returns the highest version ever issued for the account, 0 if none.
	MaxVersion(ctx context.Context, accountID string) (int, error)
	// SetStatus updates status/staleReason on one row. When guardInvalid is
	// set the update is a no-op if the row is already INVALID.
	SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, reason string, at time.Time, guardInvalid bool) error
	// TouchAbort stamps lastAbortAt without changing status.
	TouchAbort(ctx context.Context, sessionID string, at time.Time) error
	// CountLinked counts active sessions with status OK or STALE for the owner.
	CountLinked(ctx context.Context, ownerID string) (int, error)
	// CountsByOwner summarizes active sessions per status for the owner.
	CountsByOwner(ctx context.Context, ownerID string) (model.SessionCounts, error)
}

// AccountRepository persists linked accounts.
type AccountRepository interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
	Save(ctx context.Context, a *model.Account) error
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	// Owners lists every owner with at least one linked account.
	Owners(ctx context.Context) ([]string, error)
}

// ConsentRepository persists collection consents.
type ConsentRepository interface {
	Get(ctx context.Context, ownerID string) (*model.Consent, error)
	Save(ctx context.Context, c *model.Consent) error
}

// TargetRepository persists monitoring targets.
type TargetRepository interface {
	Get(ctx context.Context, targetID string) (*model.Target, error)
	Save(ctx context.Context, t *model.Target) error
	ListByOwner(ctx context.Context, ownerID string) ([]*model.Target, error)
	SetLastPlanned(ctx context.Context, targetID string, at time.Time) error
}

// TaskRepository persists queue tasks. The external worker mutates statuses;
// this core only inserts and reads pending refs.
type TaskRepository interface {
	Insert(ctx context.Context, t *model.QueueTask) error
	// PendingTargetIDs returns target ids referenced by PENDING or RUNNING tasks.
	PendingTargetIDs(ctx context.Context, ownerID string) (map[string]bool, error)
}

// IntegrationRepository persists per-owner state snapshots.
type IntegrationRepository interface {
	Get(ctx context.Context, ownerID string) (*model.IntegrationSnapshot, error)
	Upsert(ctx context.Context, s *model.IntegrationSnapshot) error
}

// Store bundles every repository backed by one database.
type Store interface {
	Quotas() QuotaRepository
	Sessions() SessionRepository
	Accounts() AccountRepository
	Consents() ConsentRepository
	Targets() TargetRepository
	Tasks() TaskRepository
	Integrations() IntegrationRepository
	Close() error
}
