package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/connections-core/internal/model"
)

// Memory is an in-process Store used by tests and single-process runs. One
// mutex per store keeps every method atomic, which matches the
// single-statement guarantee the SQL stores provide.
type Memory struct {
	mu           sync.Mutex
	quotas       map[string]*model.Quota
	sessions     map[string]*model.Session
	accounts     map[string]*model.Account
	consents     map[string]*model.Consent
	targets      map[string]*model.Target
	tasks        map[string]*model.QueueTask
	integrations map[string]*model.IntegrationSnapshot
}

func NewMemory() *Memory {
	return &Memory{
		quotas:       map[string]*model.Quota{},
		sessions:     map[string]*model.Session{},
		accounts:     map[string]*model.Account{},
		consents:     map[string]*model.Consent{},
		targets:      map[string]*model.Target{},
		tasks:        map[string]*model.QueueTask{},
		integrations: map[string]*model.IntegrationSnapshot{},
	}
}

func (m *Memory) Quotas() QuotaRepository             { return (*memQuotas)(m) }
func (m *Memory) Sessions() SessionRepository         { return (*memSessions)(m) }
func (m *Memory) Accounts() AccountRepository         { return (*memAccounts)(m) }
func (m *Memory) Consents() ConsentRepository         { return (*memConsents)(m) }
func (m *Memory) Targets() TargetRepository           { return (*memTargets)(m) }
func (m *Memory) Tasks() TaskRepository               { return (*memTasks)(m) }
func (m *Memory) Integrations() IntegrationRepository { return (*memIntegrations)(m) }
func (m *Memory) Close() error                        { return nil }

type memQuotas Memory

func (r *memQuotas) Get(ctx context.Context, ownerID string) (*model.Quota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *q
	return &copy, nil
}

func (r *memQuotas) Create(ctx context.Context, q *model.Quota) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.quotas[q.OwnerID]; ok {
		return nil
	}
	copy := *q
	r.quotas[q.OwnerID] = &copy
	return nil
}

func (r *memQuotas) SetCaps(ctx context.Context, ownerID string, accountsLinked, capHour, capDay int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return ErrNotFound
	}
	q.AccountsLinked = accountsLinked
	q.HardCapPerHour = capHour
	q.HardCapPerDay = capDay
	return nil
}

func (r *memQuotas) ResetHourWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return ErrNotFound
	}
	q.UsedThisHour = 0
	q.PlannedThisHour = 0
	q.HourWindowStartedAt = startedAt
	return nil
}

func (r *memQuotas) ResetDayWindow(ctx context.Context, ownerID string, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return ErrNotFound
	}
	q.UsedToday = 0
	q.DayWindowStartedAt = startedAt
	return nil
}

func (r *memQuotas) AddPlanned(ctx context.Context, ownerID string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return ErrNotFound
	}
	q.PlannedThisHour += delta
	return nil
}

func (r *memQuotas) ApplyConsume(ctx context.Context, ownerID string, amount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.quotas[ownerID]
	if !ok {
		return ErrNotFound
	}
	q.UsedThisHour += amount
	q.UsedToday += amount
	q.PlannedThisHour -= amount
	return nil
}

type memSessions Memory

func (r *memSessions) Insert(ctx context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *s
	r.sessions[s.ID] = &copy
	return nil
}

func (r *memSessions) GetByID(ctx context.Context, sessionID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s
	return &copy, nil
}

func (r *memSessions) ActiveByAccount(ctx context.Context, ownerID, accountID string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.OwnerID == ownerID && s.AccountID == accountID && s.IsActive {
			copy := *s
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memSessions) History(ctx context.Context, ownerID, accountID string, limit int) ([]*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Session{}
	for _, s := range r.sessions {
		if s.OwnerID == ownerID && s.AccountID == accountID {
			copy := *s
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSessions) DeactivateActive(ctx context.Context, accountID string, supersededAt time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.AccountID == accountID && s.IsActive {
			s.IsActive = false
			s.SupersededAt = supersededAt
			n++
		}
	}
	return n, nil
}

func (r *memSessions) MaxVersion(ctx context.Context, accountID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := 0
	for _, s := range r.sessions {
		if s.AccountID == accountID && s.Version > max {
			max = s.Version
		}
	}
	return max, nil
}

func (r *memSessions) SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, reason string, at time.Time, guardInvalid bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if guardInvalid && s.Status == model.SessionStatusInvalid {
		return nil
	}
	s.Status = status
	s.StaleReason = reason
	s.StaleAt = at
	return nil
}

func (r *memSessions) TouchAbort(ctx context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastAbortAt = at
	return nil
}

func (r *memSessions) CountLinked(ctx context.Context, ownerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.OwnerID == ownerID && s.IsActive &&
			(s.Status == model.SessionStatusOK || s.Status == model.SessionStatusStale) {
			n++
		}
	}
	return n, nil
}

func (r *memSessions) CountsByOwner(ctx context.Context, ownerID string) (model.SessionCounts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var c model.SessionCounts
	for _, s := range r.sessions {
		if s.OwnerID != ownerID || !s.IsActive {
			continue
		}
		c.Total++
		switch s.Status {
		case model.SessionStatusOK:
			c.OK++
		case model.SessionStatusStale:
			c.Stale++
		case model.SessionStatusInvalid:
			c.Invalid++
		}
	}
	return c, nil
}

type memAccounts Memory

func (r *memAccounts) Get(ctx context.Context, accountID string) (*model.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *a
	return &copy, nil
}

func (r *memAccounts) Save(ctx context.Context, a *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *a
	r.accounts[a.ID] = &copy
	return nil
}

func (r *memAccounts) CountByOwner(ctx context.Context, ownerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, a := range r.accounts {
		if a.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

func (r *memAccounts) Owners(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, a := range r.accounts {
		if !seen[a.OwnerID] {
			seen[a.OwnerID] = true
			out = append(out, a.OwnerID)
		}
	}
	sort.Strings(out)
	return out, nil
}

type memConsents Memory

func (r *memConsents) Get(ctx context.Context, ownerID string) (*model.Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consents[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *c
	return &copy, nil
}

func (r *memConsents) Save(ctx context.Context, c *model.Consent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *c
	r.consents[c.OwnerID] = &copy
	return nil
}

type memTargets Memory

func (r *memTargets) Get(ctx context.Context, targetID string) (*model.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *t
	return &copy, nil
}

func (r *memTargets) Save(ctx context.Context, t *model.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *t
	r.targets[t.ID] = &copy
	return nil
}

func (r *memTargets) ListByOwner(ctx context.Context, ownerID string) ([]*model.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []*model.Target{}
	for _, t := range r.targets {
		if t.OwnerID == ownerID {
			copy := *t
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memTargets) SetLastPlanned(ctx context.Context, targetID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[targetID]
	if !ok {
		return ErrNotFound
	}
	t.LastPlannedAt = at
	return nil
}

type memTasks Memory

func (r *memTasks) Insert(ctx context.Context, t *model.QueueTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *t
	r.tasks[t.ID] = &copy
	return nil
}

func (r *memTasks) PendingTargetIDs(ctx context.Context, ownerID string) (map[string]bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]bool{}
	for _, t := range r.tasks {
		if t.OwnerID == ownerID &&
			(t.Status == model.TaskStatusPending || t.Status == model.TaskStatusRunning) {
			out[t.TargetID] = true
		}
	}
	return out, nil
}

type memIntegrations Memory

func (r *memIntegrations) Get(ctx context.Context, ownerID string) (*model.IntegrationSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.integrations[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *s
	return &copy, nil
}

func (r *memIntegrations) Upsert(ctx context.Context, s *model.IntegrationSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy := *s
	r.integrations[s.OwnerID] = &copy
	return nil
}
