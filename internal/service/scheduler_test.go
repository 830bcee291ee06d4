package service

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
)

type fixedQuality map[string]model.QualityStatus

func (q fixedQuality) Status(targetID string) model.QualityStatus {
	if s, ok := q[targetID]; ok {
		return s
	}
	return model.QualityNominal
}

// capturingTasks wraps a TaskRepository, records inserts and can be told
// to fail on the n-th one.
type capturingTasks struct {
	repository.TaskRepository

	inserted []*model.QueueTask
	failOn   int
}

func (c *capturingTasks) Insert(ctx context.Context, task *model.QueueTask) error {
	if c.failOn > 0 && len(c.inserted)+1 == c.failOn {
		return errors.New("insert rejected")
	}
	c.inserted = append(c.inserted, task)
	return c.TaskRepository.Insert(ctx, task)
}

func newSchedulerFixture(t *testing.T, basePostsPerHour int) (*SchedulerService, *QuotaService, *repository.Memory, fixedQuality, *capturingTasks) {
	t.Helper()
	store := repository.NewMemory()
	ctx := context.Background()
	if err := store.Consents().Save(ctx, &model.Consent{OwnerID: "o1", Accepted: true}); err != nil {
		t.Fatalf("seed consent: %v", err)
	}
	if err := store.Accounts().Save(ctx, &model.Account{ID: "a1", OwnerID: "o1"}); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := store.Sessions().Insert(ctx, &model.Session{
		ID: "s1", AccountID: "a1", OwnerID: "o1", Version: 1,
		IsActive: true, Status: model.SessionStatusOK,
	}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	quota := NewQuotaService(store.Quotas(), store.Sessions(), basePostsPerHour)
	integ := NewIntegrationService(store.Sessions(), store.Accounts(), store.Consents(), store.Integrations(), nil)
	quality := fixedQuality{}
	tasks := &capturingTasks{TaskRepository: store.Tasks()}
	svc := NewSchedulerService(store.Targets(), tasks, quota, integ, quality)

	base := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	quota.now = func() time.Time { return base }
	integ.now = func() time.Time { return base }
	svc.now = func() time.Time { return base }
	svc.rng = rand.New(rand.NewSource(1))
	return svc, quota, store, quality, tasks
}

func seedTarget(t *testing.T, store *repository.Memory, target *model.Target) {
	t.Helper()
	if target.MaxPostsPerRun == 0 {
		target.MaxPostsPerRun = 50
	}
	target.OwnerID = "o1"
	target.Enabled = true
	if err := store.Targets().Save(context.Background(), target); err != nil {
		t.Fatalf("seed target %s: %v", target.ID, err)
	}
}

func TestEffectivePriorityAndBuckets(t *testing.T) {
	acc := &model.Target{Type: model.TargetTypeAccount, Priority: 3}
	kw := &model.Target{Type: model.TargetTypeKeyword, Priority: 0}
	if got := effectivePriority(acc); got != 160 {
		t.Fatalf("account priority: got %d", got)
	}
	if got := effectivePriority(kw); got != 50 {
		t.Fatalf("keyword priority: got %d", got)
	}
	if priorityBucket(160) != model.TaskPriorityHigh ||
		priorityBucket(80) != model.TaskPriorityHigh ||
		priorityBucket(50) != model.TaskPriorityNormal ||
		priorityBucket(40) != model.TaskPriorityLow {
		t.Fatalf("bucket boundaries wrong")
	}
}

func TestPlanOrdering(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 1000)
	ctx := context.Background()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	// Effective priorities: acc-high 160, kw-high 150, acc-low 120, twins 100.
	seedTarget(t, store, &model.Target{ID: "kw-high", Type: model.TargetTypeKeyword, Priority: 5, CreatedAt: day})
	seedTarget(t, store, &model.Target{ID: "acc-low", Type: model.TargetTypeAccount, Priority: 1, CreatedAt: day})
	seedTarget(t, store, &model.Target{ID: "acc-high", Type: model.TargetTypeAccount, Priority: 3, CreatedAt: day})
	seedTarget(t, store, &model.Target{ID: "twin-new", Type: model.TargetTypeAccount, Priority: 0, CreatedAt: day.Add(time.Hour)})
	seedTarget(t, store, &model.Target{ID: "twin-old", Type: model.TargetTypeAccount, Priority: 0, CreatedAt: day})

	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{"acc-high", "kw-high", "acc-low", "twin-old", "twin-new"}
	if len(batch.Tasks) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(batch.Tasks))
	}
	for i, id := range want {
		if batch.Tasks[i].TargetID != id {
			t.Fatalf("position %d: got %s, want %s", i, batch.Tasks[i].TargetID, id)
		}
	}
	if batch.TotalPlannedPosts != 250 {
		t.Fatalf("total planned: got %d", batch.TotalPlannedPosts)
	}
}

func TestPlanBudgetTruncation(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 200)
	ctx := context.Background()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	// One linked account, cap 200. Third task gets the 20-post remainder.
	seedTarget(t, store, &model.Target{ID: "t1", Type: model.TargetTypeAccount, Priority: 3, CreatedAt: day, MaxPostsPerRun: 90})
	seedTarget(t, store, &model.Target{ID: "t2", Type: model.TargetTypeAccount, Priority: 2, CreatedAt: day, MaxPostsPerRun: 90})
	seedTarget(t, store, &model.Target{ID: "t3", Type: model.TargetTypeAccount, Priority: 1, CreatedAt: day, MaxPostsPerRun: 90})

	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batch.Tasks) != 3 || batch.Tasks[2].EstimatedPosts != 20 {
		t.Fatalf("unexpected batch: %+v", batch.Tasks)
	}
	if batch.TotalPlannedPosts != 200 {
		t.Fatalf("total planned: got %d", batch.TotalPlannedPosts)
	}
}

func TestPlanSkipsRemainderBelowMinimum(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 200)
	ctx := context.Background()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	seedTarget(t, store, &model.Target{ID: "t1", Type: model.TargetTypeAccount, Priority: 3, CreatedAt: day, MaxPostsPerRun: 96})
	seedTarget(t, store, &model.Target{ID: "t2", Type: model.TargetTypeAccount, Priority: 2, CreatedAt: day, MaxPostsPerRun: 96})
	seedTarget(t, store, &model.Target{ID: "t3", Type: model.TargetTypeAccount, Priority: 1, CreatedAt: day, MaxPostsPerRun: 96})

	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	// 8 posts left for t3: below the minimum viable run, dropped without
	// counting against any skip bucket.
	if len(batch.Tasks) != 2 || batch.TotalPlannedPosts != 192 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if batch.Skipped != (model.SkipCounts{}) {
		t.Fatalf("remainder drop must not count as a skip: %+v", batch.Skipped)
	}
}

func TestPlanGatedByIntegrationState(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 1000)
	ctx := context.Background()
	seedTarget(t, store, &model.Target{ID: "t1", Type: model.TargetTypeAccount, Priority: 1})

	// A healthy owner plans.
	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batch.Tasks) != 1 {
		t.Fatalf("expected a planned task, got %+v", batch)
	}

	// A stale session still plans.
	store.Sessions().SetStatus(ctx, "s1", model.SessionStatusStale, "challenge", time.Now(), true)
	batch, err = svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batch.Tasks) != 1 {
		t.Fatalf("stale session should still plan, got %+v", batch)
	}

	// Withdrawn consent stops planning entirely.
	store.Consents().Save(ctx, &model.Consent{OwnerID: "o1", Accepted: false})
	batch, err = svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batch.Tasks) != 0 {
		t.Fatalf("no-consent owner must not plan, got %+v", batch)
	}
}

func TestPlanSkipBuckets(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 1000)
	ctx := context.Background()
	now := time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

	seedTarget(t, store, &model.Target{ID: "viable", Type: model.TargetTypeAccount, Priority: 1})
	disabled := &model.Target{ID: "disabled", Type: model.TargetTypeAccount, Priority: 5}
	seedTarget(t, store, disabled)
	disabled.Enabled = false
	store.Targets().Save(ctx, disabled)
	seedTarget(t, store, &model.Target{ID: "queued", Type: model.TargetTypeAccount, Priority: 5})
	seedTarget(t, store, &model.Target{ID: "external-cd", Type: model.TargetTypeAccount, Priority: 5, CooldownUntil: now.Add(time.Hour)})
	seedTarget(t, store, &model.Target{ID: "recent", Type: model.TargetTypeAccount, Priority: 5, CooldownMin: 60, LastPlannedAt: now.Add(-10 * time.Minute)})

	store.Tasks().Insert(ctx, &model.QueueTask{
		ID: "q1", OwnerID: "o1", TargetID: "queued", Status: model.TaskStatusPending,
	})

	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(batch.Tasks) != 1 || batch.Tasks[0].TargetID != "viable" {
		t.Fatalf("unexpected batch: %+v", batch.Tasks)
	}
	want := model.SkipCounts{Cooldown: 2, AlreadyPending: 1, Disabled: 1}
	if batch.Skipped != want {
		t.Fatalf("skip counts: got %+v, want %+v", batch.Skipped, want)
	}
}

func TestPlanQualitySkipRates(t *testing.T) {
	svc, _, store, quality, _ := newSchedulerFixture(t, 100000)
	ctx := context.Background()

	for i := 0; i < 300; i++ {
		id := "u" + string(rune('0'+i/100)) + string(rune('0'+i/10%10)) + string(rune('0'+i%10))
		seedTarget(t, store, &model.Target{ID: id, Type: model.TargetTypeAccount, Priority: 1, MaxPostsPerRun: 10})
		quality[id] = model.QualityUnstable
	}

	batch, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	skipped := batch.Skipped.DegradedQuality
	if skipped < 150 || skipped > 250 {
		t.Fatalf("unstable skip rate should be near 2/3: skipped %d of 300", skipped)
	}
	if len(batch.Tasks) != 300-skipped {
		t.Fatalf("planned %d, skipped %d, want 300 total", len(batch.Tasks), skipped)
	}

	// Degraded targets skip at a visibly lower rate.
	for id := range quality {
		quality[id] = model.QualityDegraded
	}
	batch, err = svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if got := batch.Skipped.DegradedQuality; got < 40 || got > 140 {
		t.Fatalf("degraded skip rate should be near 0.3: skipped %d of 300", got)
	}
}

func TestCommitCreatesPendingTasks(t *testing.T) {
	svc, _, store, _, tasks := newSchedulerFixture(t, 1000)
	ctx := context.Background()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	seedTarget(t, store, &model.Target{ID: "acc", Type: model.TargetTypeAccount, Priority: 3, Query: "user1", CreatedAt: day})
	seedTarget(t, store, &model.Target{ID: "kw", Type: model.TargetTypeKeyword, Priority: 0, Query: "golang", CreatedAt: day})

	batch, result, err := svc.PlanAndCommit(ctx, "o1")
	if err != nil {
		t.Fatalf("plan and commit: %v", err)
	}
	if result.Committed != 2 || len(result.TaskIDs) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(tasks.inserted) != 2 {
		t.Fatalf("expected 2 inserted tasks, got %d", len(tasks.inserted))
	}
	first, second := tasks.inserted[0], tasks.inserted[1]
	if first.Type != model.TaskTypeCollectAccount || first.Priority != model.TaskPriorityHigh || first.Status != model.TaskStatusPending {
		t.Fatalf("unexpected first task: %+v", first)
	}
	if second.Type != model.TaskTypeCollectKeyword || second.Priority != model.TaskPriorityNormal {
		t.Fatalf("unexpected second task: %+v", second)
	}
	if first.Payload.Query != "user1" || second.Payload.Query != "golang" {
		t.Fatalf("payload queries wrong: %q %q", first.Payload.Query, second.Payload.Query)
	}

	q, err := store.Quotas().Get(ctx, "o1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.PlannedThisHour != batch.TotalPlannedPosts {
		t.Fatalf("planned not reserved: %d vs %d", q.PlannedThisHour, batch.TotalPlannedPosts)
	}
	target, _ := store.Targets().Get(ctx, "acc")
	if target.LastPlannedAt.IsZero() {
		t.Fatalf("lastPlannedAt not stamped")
	}

	// Both targets are now pending and fall out of the next plan.
	next, err := svc.Plan(ctx, "o1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(next.Tasks) != 0 || next.Skipped.AlreadyPending != 2 {
		t.Fatalf("expected both targets pending: %+v", next)
	}
}

func TestCommitRefusedByQuota(t *testing.T) {
	svc, quota, _, _, tasks := newSchedulerFixture(t, 200)
	ctx := context.Background()

	if _, err := quota.Recalculate(ctx, "o1"); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	batch := &model.PlannedBatch{
		Tasks:             []model.PlannedTask{{TargetID: "t1", Kind: model.TargetTypeAccount, EstimatedPosts: 500, Priority: 120}},
		TotalPlannedPosts: 500,
	}
	_, err := svc.Commit(ctx, "o1", batch)
	if err == nil || !strings.Contains(err.Error(), ReasonHourlyLimit) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if len(tasks.inserted) != 0 {
		t.Fatalf("refused commit must not insert tasks")
	}
}

func TestCommitFailureReleasesFullReservation(t *testing.T) {
	svc, _, store, _, tasks := newSchedulerFixture(t, 1000)
	ctx := context.Background()
	day := time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)

	seedTarget(t, store, &model.Target{ID: "t1", Type: model.TargetTypeAccount, Priority: 3, CreatedAt: day})
	seedTarget(t, store, &model.Target{ID: "t2", Type: model.TargetTypeAccount, Priority: 2, CreatedAt: day})
	tasks.failOn = 2

	_, _, err := svc.PlanAndCommit(ctx, "o1")
	if err == nil || !strings.Contains(err.Error(), "reservation released") {
		t.Fatalf("expected compensated commit failure, got %v", err)
	}

	// The whole reservation is returned, not just the failed task's share.
	q, err := store.Quotas().Get(ctx, "o1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.PlannedThisHour != 0 {
		t.Fatalf("reservation not fully released: %d", q.PlannedThisHour)
	}

	// The task created before the failure stays queued.
	if len(tasks.inserted) != 1 || tasks.inserted[0].TargetID != "t1" {
		t.Fatalf("expected first task to survive: %+v", tasks.inserted)
	}
	pending, _ := store.Tasks().PendingTargetIDs(ctx, "o1")
	if !pending["t1"] {
		t.Fatalf("surviving task should remain pending")
	}
}

func TestPlanAndCommitEmptyPlan(t *testing.T) {
	svc, _, store, _, _ := newSchedulerFixture(t, 1000)
	ctx := context.Background()

	batch, result, err := svc.PlanAndCommit(ctx, "o1")
	if err != nil {
		t.Fatalf("plan and commit: %v", err)
	}
	if len(batch.Tasks) != 0 || result.Committed != 0 {
		t.Fatalf("expected empty outcome: %+v %+v", batch, result)
	}
	q, err := store.Quotas().Get(ctx, "o1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if q.PlannedThisHour != 0 || q.UsedThisHour != 0 {
		t.Fatalf("empty plan must not touch the quota: %+v", q)
	}
}
