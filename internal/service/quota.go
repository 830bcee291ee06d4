package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

// Refusal reasons returned by CanConsume.
const (
	ReasonNoAccounts  = "No linked accounts"
	ReasonHourlyLimit = "Hourly limit exceeded"
	ReasonDailyLimit  = "Daily limit exceeded"
)

// QuotaService tracks rolling hourly/daily spend caps per owner. Every
// mutation goes through a single-statement repository update; the
// check-then-increment in Reserve is a known soft-limit race (two
// concurrent planners can both pass the check), accepted by design of
// the storage contract.
type QuotaService struct {
	quotas   repository.QuotaRepository
	sessions repository.SessionRepository

	basePostsPerHour int
	now              func() time.Time
}

func NewQuotaService(quotas repository.QuotaRepository, sessions repository.SessionRepository, basePostsPerHour int) *QuotaService {
	if basePostsPerHour <= 0 {
		basePostsPerHour = model.DefaultBasePostsPerHour
	}
	return &QuotaService{
		quotas:           quotas,
		sessions:         sessions,
		basePostsPerHour: basePostsPerHour,
		now:              time.Now,
	}
}

// GetOrCreate returns the owner's quota, creating a zeroed document on
// first access.
func (s *QuotaService) GetOrCreate(ctx context.Context, ownerID string) (*model.Quota, error) {
	q, err := s.quotas.Get(ctx, ownerID)
	if err == nil {
		return q, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	now := s.now().UTC()
	q = &model.Quota{
		OwnerID:             ownerID,
		BasePostsPerHour:    s.basePostsPerHour,
		BoostMultiplier:     model.DefaultBoostMultiplier,
		HourWindowStartedAt: now,
		DayWindowStartedAt:  utcDayStart(now),
	}
	if err := s.quotas.Create(ctx, q); err != nil {
		return nil, err
	}
	// Reread in case a concurrent caller created it first.
	return s.quotas.Get(ctx, ownerID)
}

// Recalculate rederives accountsLinked from usable sessions and the hard
// caps from it. Idempotent.
func (s *QuotaService) Recalculate(ctx context.Context, ownerID string) (*model.Quota, error) {
	q, err := s.GetOrCreate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	linked, err := s.sessions.CountLinked(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	capHour := int(math.Round(float64(linked) * float64(q.BasePostsPerHour) * q.BoostMultiplier))
	capDay := capHour * 24
	if err := s.quotas.SetCaps(ctx, ownerID, linked, capHour, capDay); err != nil {
		return nil, err
	}
	q.AccountsLinked = linked
	q.HardCapPerHour = capHour
	q.HardCapPerDay = capDay
	return q, nil
}

// ResetWindowsIfNeeded rolls the hourly window once it is a full hour old
// and the daily window at the UTC date boundary. The hourly window is
// rolling; the daily window is calendar-aligned. The asymmetry is
// intentional.
func (s *QuotaService) ResetWindowsIfNeeded(ctx context.Context, ownerID string) (*model.Quota, error) {
	q, err := s.GetOrCreate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.Sub(q.HourWindowStartedAt) >= time.Hour {
		if err := s.quotas.ResetHourWindow(ctx, ownerID, now); err != nil {
			return nil, err
		}
		q.UsedThisHour = 0
		q.PlannedThisHour = 0
		q.HourWindowStartedAt = now
	}
	if dayStart := utcDayStart(now); q.DayWindowStartedAt.Before(dayStart) {
		if err := s.quotas.ResetDayWindow(ctx, ownerID, dayStart); err != nil {
			return nil, err
		}
		q.UsedToday = 0
		q.DayWindowStartedAt = dayStart
	}
	return q, nil
}

// GetStatus resets windows, recalculates caps and returns the remaining
// figures.
func (s *QuotaService) GetStatus(ctx context.Context, ownerID string) (*model.QuotaStatus, error) {
	if _, err := s.ResetWindowsIfNeeded(ctx, ownerID); err != nil {
		return nil, err
	}
	q, err := s.Recalculate(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	resetsIn := time.Hour - s.now().UTC().Sub(q.HourWindowStartedAt)
	if resetsIn < 0 {
		resetsIn = 0
	}
	return &model.QuotaStatus{
		OwnerID:         q.OwnerID,
		AccountsLinked:  q.AccountsLinked,
		HardCapPerHour:  q.HardCapPerHour,
		HardCapPerDay:   q.HardCapPerDay,
		UsedThisHour:    q.UsedThisHour,
		UsedToday:       q.UsedToday,
		PlannedThisHour: q.PlannedThisHour,
		RemainingHour:   maxInt(0, q.HardCapPerHour-q.UsedThisHour-q.PlannedThisHour),
		RemainingDay:    maxInt(0, q.HardCapPerDay-q.UsedToday),
		WindowResetsIn:  int(resetsIn.Minutes()),
	}, nil
}

// CanConsume checks amount against the current windows without mutating
// anything.
func (s *QuotaService) CanConsume(ctx context.Context, ownerID string, amount int) (model.ConsumeDecision, error) {
	q, err := s.ResetWindowsIfNeeded(ctx, ownerID)
	if err != nil {
		return model.ConsumeDecision{}, err
	}
	if q.AccountsLinked == 0 {
		return model.ConsumeDecision{Reason: ReasonNoAccounts}, nil
	}
	if amount > q.HardCapPerHour-q.UsedThisHour-q.PlannedThisHour {
		remaining := maxInt(0, q.HardCapPerHour-q.UsedThisHour-q.PlannedThisHour)
		return model.ConsumeDecision{
			Reason: fmt.Sprintf("%s: %d remaining this hour", ReasonHourlyLimit, remaining),
		}, nil
	}
	if amount > q.HardCapPerDay-q.UsedToday {
		remaining := maxInt(0, q.HardCapPerDay-q.UsedToday)
		return model.ConsumeDecision{
			Reason: fmt.Sprintf("%s: %d remaining today", ReasonDailyLimit, remaining),
		}, nil
	}
	return model.ConsumeDecision{Allowed: true}, nil
}

// Reserve provisionally debits amount from the hourly window. Returns the
// refusal reason when the check fails; no mutation happens in that case.
func (s *QuotaService) Reserve(ctx context.Context, ownerID string, amount int) (model.ConsumeDecision, error) {
	dec, err := s.CanConsume(ctx, ownerID, amount)
	if err != nil || !dec.Allowed {
		return dec, err
	}
	if err := s.quotas.AddPlanned(ctx, ownerID, amount); err != nil {
		return model.ConsumeDecision{}, err
	}
	return model.ConsumeDecision{Allowed: true}, nil
}

// Consume converts a reservation into real spend once work is confirmed.
func (s *QuotaService) Consume(ctx context.Context, ownerID string, amount int) error {
	return s.quotas.ApplyConsume(ctx, ownerID, amount)
}

// Release returns a reservation that did not turn into work.
func (s *QuotaService) Release(ctx context.Context, ownerID string, amount int) error {
	return s.quotas.AddPlanned(ctx, ownerID, -amount)
}

// CheckThresholds reports 80%/100% pressure on the hourly cap for external
// alerting.
func (s *QuotaService) CheckThresholds(ctx context.Context, ownerID string) (model.ThresholdStatus, error) {
	q, err := s.GetOrCreate(ctx, ownerID)
	if err != nil {
		return model.ThresholdStatus{}, err
	}
	if q.HardCapPerHour == 0 {
		return model.ThresholdStatus{}, nil
	}
	pressure := q.UsedThisHour + q.PlannedThisHour
	return model.ThresholdStatus{
		IsAt80Percent: pressure*100 >= q.HardCapPerHour*80,
		IsExceeded:    pressure >= q.HardCapPerHour,
	}, nil
}

func utcDayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
