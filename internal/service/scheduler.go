package service

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

// Planning constants.
const (
	typeWeightAccount = 100
	typeWeightKeyword = 50
	priorityFactor    = 20
	minViableTask     = 10

	skipProbUnstable = 2.0 / 3.0
	skipProbDegraded = 0.3
)

// QualitySource supplies the externally-owned per-target quality signal.
type QualitySource interface {
	Status(targetID string) model.QualityStatus
}

// NominalQuality treats every target as healthy.
type NominalQuality struct{}

func (NominalQuality) Status(string) model.QualityStatus { return model.QualityNominal }

// SchedulerService turns enabled targets plus available quota into a
// prioritized, budget-bounded batch and commits it against the quota.
type SchedulerService struct {
	targets repository.TargetRepository
	tasks   repository.TaskRepository
	quota   *QuotaService
	state   *IntegrationService
	quality QualitySource

	rng *rand.Rand
	now func() time.Time
}

func NewSchedulerService(targets repository.TargetRepository, tasks repository.TaskRepository, quota *QuotaService, state *IntegrationService, quality QualitySource) *SchedulerService {
	if quality == nil {
		quality = NominalQuality{}
	}
	return &SchedulerService{
		targets: targets,
		tasks:   tasks,
		quota:   quota,
		state:   state,
		quality: quality,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func typeWeight(t model.TargetType) int {
	if t == model.TargetTypeAccount {
		return typeWeightAccount
	}
	return typeWeightKeyword
}

func effectivePriority(t *model.Target) int {
	return t.Priority*priorityFactor + typeWeight(t.Type)
}

// Plan builds a batch without touching storage. Targets are ordered by
// effective priority, ties broken oldest-first, and consumed until the
// hourly budget runs out. Skip rules apply in a fixed order; the first
// matching rule wins and counts.
func (s *SchedulerService) Plan(ctx context.Context, ownerID string) (*model.PlannedBatch, error) {
	batch := &model.PlannedBatch{Tasks: []model.PlannedTask{}}

	details, err := s.state.Resolve(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if details.State != model.StateSessionOK && details.State != model.StateSessionStale {
		return batch, nil
	}

	status, err := s.quota.GetStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	remainingBudget := status.RemainingHour
	if remainingBudget <= 0 {
		return batch, nil
	}

	targets, err := s.targets.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	pending, err := s.tasks.PendingTargetIDs(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(targets, func(i, j int) bool {
		pi, pj := effectivePriority(targets[i]), effectivePriority(targets[j])
		if pi != pj {
			return pi > pj
		}
		return targets[i].CreatedAt.Before(targets[j].CreatedAt)
	})

	now := s.now().UTC()
	for _, t := range targets {
		if remainingBudget <= 0 {
			break
		}
		switch {
		case !t.Enabled:
			batch.Skipped.Disabled++
			continue
		case pending[t.ID]:
			batch.Skipped.AlreadyPending++
			continue
		case t.CooldownUntil.After(now):
			batch.Skipped.Cooldown++
			continue
		}
		if skip := s.qualitySkip(t.ID); skip {
			batch.Skipped.DegradedQuality++
			continue
		}
		if t.CooldownMin > 0 && !t.LastPlannedAt.IsZero() &&
			now.Sub(t.LastPlannedAt) < time.Duration(t.CooldownMin)*time.Minute {
			batch.Skipped.Cooldown++
			continue
		}

		postsForTask := t.MaxPostsPerRun
		if postsForTask > remainingBudget {
			postsForTask = remainingBudget
		}
		if postsForTask < minViableTask {
			// Not worth a run; does not count against any skip bucket.
			continue
		}
		batch.Tasks = append(batch.Tasks, model.PlannedTask{
			TargetID:       t.ID,
			Kind:           t.Type,
			Query:          t.Query,
			EstimatedPosts: postsForTask,
			Priority:       effectivePriority(t),
		})
		batch.TotalPlannedPosts += postsForTask
		remainingBudget -= postsForTask
	}
	return batch, nil
}

// qualitySkip applies the stochastic admission control for unhealthy
// targets.
func (s *SchedulerService) qualitySkip(targetID string) bool {
	switch s.quality.Status(targetID) {
	case model.QualityUnstable:
		return s.rng.Float64() < skipProbUnstable
	case model.QualityDegraded:
		return s.rng.Float64() < skipProbDegraded
	default:
		return false
	}
}

func priorityBucket(p int) model.TaskPriority {
	switch {
	case p >= 80:
		return model.TaskPriorityHigh
	case p >= 50:
		return model.TaskPriorityNormal
	default:
		return model.TaskPriorityLow
	}
}

func taskType(kind model.TargetType) string {
	if kind == model.TargetTypeAccount {
		return model.TaskTypeCollectAccount
	}
	return model.TaskTypeCollectKeyword
}

// Commit reserves the batch total and persists the queue tasks. On any
// failure partway through, the entire originally-reserved amount is
// released before the error propagates; already-created tasks stay in
// place. That compensation, not a rollback, is the contract.
func (s *SchedulerService) Commit(ctx context.Context, ownerID string, batch *model.PlannedBatch) (*model.CommitResult, error) {
	dec, err := s.quota.Reserve(ctx, ownerID, batch.TotalPlannedPosts)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, fmt.Errorf("quota reservation refused: %s", dec.Reason)
	}

	result := &model.CommitResult{TaskIDs: []string{}}
	now := s.now().UTC()
	for _, planned := range batch.Tasks {
		task := &model.QueueTask{
			ID:       uuid.NewString(),
			OwnerID:  ownerID,
			TargetID: planned.TargetID,
			Type:     taskType(planned.Kind),
			Payload: model.TaskPayload{
				TargetID:       planned.TargetID,
				Query:          planned.Query,
				EstimatedPosts: planned.EstimatedPosts,
			},
			Status:    model.TaskStatusPending,
			Priority:  priorityBucket(planned.Priority),
			CreatedAt: now,
		}
		if err := s.tasks.Insert(ctx, task); err != nil {
			return nil, s.compensate(ctx, ownerID, batch.TotalPlannedPosts, err)
		}
		if err := s.targets.SetLastPlanned(ctx, planned.TargetID, now); err != nil {
			return nil, s.compensate(ctx, ownerID, batch.TotalPlannedPosts, err)
		}
		result.Committed++
		result.TaskIDs = append(result.TaskIDs, task.ID)
	}
	return result, nil
}

// compensate releases the full reservation after a partial commit failure.
// If the release itself fails the quota is left over-reserved until the
// next hourly window reset; there is no further fallback.
func (s *SchedulerService) compensate(ctx context.Context, ownerID string, amount int, cause error) error {
	if relErr := s.quota.Release(ctx, ownerID, amount); relErr != nil {
		log.Printf("CRITICAL: release of %d reserved posts for %s failed after commit error: %v", amount, ownerID, relErr)
		return fmt.Errorf("commit failed: %w (release also failed: %v)", cause, relErr)
	}
	return fmt.Errorf("commit failed, reservation released: %w", cause)
}

// PlanAndCommit composes Plan and Commit, skipping quota entirely when the
// plan is empty.
func (s *SchedulerService) PlanAndCommit(ctx context.Context, ownerID string) (*model.PlannedBatch, *model.CommitResult, error) {
	batch, err := s.Plan(ctx, ownerID)
	if err != nil {
		return nil, nil, err
	}
	if len(batch.Tasks) == 0 {
		return batch, &model.CommitResult{TaskIDs: []string{}}, nil
	}
	result, err := s.Commit(ctx, ownerID, batch)
	if err != nil {
		return batch, nil, err
	}
	return batch, result, nil
}
