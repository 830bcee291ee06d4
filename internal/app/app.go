package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/example/connections-core/internal/config"
	"github.com/example/connections-core/internal/model"
	"github.com/example/connections-core/internal/repository"
	"github.com/example/connections-core/internal/service"
	"github.com/example/connections-core/pkg/cryptobox"
	"github.com/example/connections-core/pkg/telegram"
)

// App wires the store and services and runs the periodic planning sweep.
type App struct {
	cfg   *config.Config
	store repository.Store

	Quota       *service.QuotaService
	Sessions    *service.SessionService
	Integration *service.IntegrationService
	Scheduler   *service.SchedulerService
}

// stateNotifier adapts the Telegram client to the notification channel.
type stateNotifier struct {
	client *telegram.Client
}

func (n *stateNotifier) Notify(ctx context.Context, ownerID string, chatID int64, t model.StateTransition) error {
	if chatID == 0 {
		return nil
	}
	text := fmt.Sprintf("Integration state changed: %s -> %s", t.Prev, t.Next)
	if t.Prev == "" {
		text = fmt.Sprintf("Integration state: %s", t.Next)
	}
	return n.client.SendMessage(ctx, chatID, text)
}

func New(cfg *config.Config, store repository.Store) (*App, error) {
	cipher, err := cryptobox.New(cfg.SessionKey)
	if err != nil {
		return nil, err
	}

	var notifier service.Notifier
	if cfg.TelegramToken != "" {
		notifier = &stateNotifier{client: telegram.NewClient(cfg.TelegramToken)}
	}

	a := &App{cfg: cfg, store: store}
	a.Quota = service.NewQuotaService(store.Quotas(), store.Sessions(), cfg.BasePostsPerHour)
	a.Sessions = service.NewSessionService(store.Sessions(), store.Accounts(), store.Consents(), cipher)
	a.Integration = service.NewIntegrationService(store.Sessions(), store.Accounts(), store.Consents(), store.Integrations(), notifier)
	a.Scheduler = service.NewSchedulerService(store.Targets(), store.Tasks(), a.Quota, a.Integration, nil)
	return a, nil
}

func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.sweep(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return nil
}

// sweep refreshes integration state and plans a batch for every known
// owner on a fixed interval.
func (a *App) sweep(ctx context.Context) {
	interval := time.Duration(a.cfg.PlanIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owners, err := a.store.Accounts().Owners(ctx)
			if err != nil {
				log.Println("list owners:", err)
				continue
			}
			for _, owner := range owners {
				a.sweepOwner(ctx, owner)
			}
		}
	}
}

func (a *App) sweepOwner(ctx context.Context, ownerID string) {
	if _, err := a.Integration.Refresh(ctx, ownerID); err != nil {
		log.Println("refresh state:", err)
	}

	batch, result, err := a.Scheduler.PlanAndCommit(ctx, ownerID)
	if err != nil {
		log.Println("plan and commit:", err)
		return
	}
	if result.Committed > 0 {
		log.Printf("owner %s: committed %d tasks (%d posts), skipped %+v",
			ownerID, result.Committed, batch.TotalPlannedPosts, batch.Skipped)
	}

	thresholds, err := a.Quota.CheckThresholds(ctx, ownerID)
	if err != nil {
		log.Println("check thresholds:", err)
		return
	}
	if thresholds.IsExceeded {
		log.Printf("owner %s: hourly quota exceeded", ownerID)
	} else if thresholds.IsAt80Percent {
		log.Printf("owner %s: hourly quota above 80%%", ownerID)
	}
}
