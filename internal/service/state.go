package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

// ResolveState reduces raw counts to the coarse integration state. Pure:
// same input, same output.
func ResolveState(c model.IntegrationCounts) model.IntegrationState {
	switch {
	case !c.HasConsent:
		return model.StateNoConsent
	case c.AccountsCount == 0:
		return model.StateNoAccounts
	case c.OKCount > 0:
		return model.StateSessionOK
	case c.StaleCount > 0:
		return model.StateSessionStale
	default:
		return model.StateSessionInvalid
	}
}

// ResolveStateWithDetails returns the state together with its inputs.
func ResolveStateWithDetails(c model.IntegrationCounts) model.StateDetails {
	return model.StateDetails{State: ResolveState(c), Counts: c}
}

// ComputeTransition diffs two resolutions.
func ComputeTransition(prev, next model.IntegrationState) model.StateTransition {
	return model.StateTransition{Prev: prev, Next: next, Changed: prev != next}
}

// notifiableStates are health states worth a notification. Setup states
// (NO_CONSENT, NO_ACCOUNTS) are not.
var notifiableStates = map[model.IntegrationState]bool{
	model.StateSessionOK:      true,
	model.StateSessionStale:   true,
	model.StateSessionInvalid: true,
}

// ShouldNotify reports whether a transition warrants a notification.
func ShouldNotify(t model.StateTransition) bool {
	return t.Changed && notifiableStates[t.Next]
}

// Notifier is the external notification channel. Dispatch failures are
// logged and discarded by the caller.
type Notifier interface {
	Notify(ctx context.Context, ownerID string, chatID int64, t model.StateTransition) error
}

// IntegrationService derives the owner's integration state, persists a
// snapshot to detect transitions and dispatches change notifications.
type IntegrationService struct {
	sessions     repository.SessionRepository
	accounts     repository.AccountRepository
	consents     repository.ConsentRepository
	integrations repository.IntegrationRepository
	notifier     Notifier

	now func() time.Time
}

func NewIntegrationService(sessions repository.SessionRepository, accounts repository.AccountRepository, consents repository.ConsentRepository, integrations repository.IntegrationRepository, notifier Notifier) *IntegrationService {
	return &IntegrationService{
		sessions:     sessions,
		accounts:     accounts,
		consents:     consents,
		integrations: integrations,
		notifier:     notifier,
		now:          time.Now,
	}
}

// Counts gathers the raw inputs of the resolver for one owner.
func (s *IntegrationService) Counts(ctx context.Context, ownerID string) (model.IntegrationCounts, error) {
	var c model.IntegrationCounts
	consent, err := s.consents.Get(ctx, ownerID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return c, err
	}
	c.HasConsent = err == nil && consent.Accepted
	if c.AccountsCount, err = s.accounts.CountByOwner(ctx, ownerID); err != nil {
		return c, err
	}
	counts, err := s.sessions.CountsByOwner(ctx, ownerID)
	if err != nil {
		return c, err
	}
	c.SessionsCount = counts.Total
	c.OKCount = counts.OK
	c.StaleCount = counts.Stale
	c.InvalidCount = counts.Invalid
	return c, nil
}

// Resolve returns the current state with details.
func (s *IntegrationService) Resolve(ctx context.Context, ownerID string) (model.StateDetails, error) {
	c, err := s.Counts(ctx, ownerID)
	if err != nil {
		return model.StateDetails{}, err
	}
	return ResolveStateWithDetails(c), nil
}

// Refresh resolves the state, persists the snapshot when it changed and
// dispatches a notification for notify-worthy transitions.
func (s *IntegrationService) Refresh(ctx context.Context, ownerID string) (model.StateTransition, error) {
	details, err := s.Resolve(ctx, ownerID)
	if err != nil {
		return model.StateTransition{}, err
	}

	snapshot, err := s.integrations.Get(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return model.StateTransition{}, err
		}
		snapshot = &model.IntegrationSnapshot{OwnerID: ownerID}
	}

	transition := ComputeTransition(snapshot.LastState, details.State)
	if !transition.Changed {
		return transition, nil
	}

	snapshot.LastState = details.State
	snapshot.StateChangedAt = s.now().UTC()
	if err := s.integrations.Upsert(ctx, snapshot); err != nil {
		return transition, err
	}

	if ShouldNotify(transition) && s.notifier != nil {
		if err := s.notifier.Notify(ctx, ownerID, snapshot.TelegramChatID, transition); err != nil {
			// Best-effort channel; never blocks the primary operation.
			log.Println("notify state change:", err)
		}
	}
	return transition, nil
}
