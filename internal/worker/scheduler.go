package worker

import (
	"context"
	"log"
	"time"

	"github.com/pressroom/campaign-engine/internal/launch"
	"github.com/pressroom/campaign-engine/internal/repository"
)

// Scheduler polls for queued campaigns whose scheduled_at has passed and
// launches them. The launch path is idempotent, so two scheduler instances
// racing on the same campaign is safe; the status guard lets only one win.
type Scheduler struct {
	Campaigns    repository.CampaignsRepository
	Launcher     *launch.Launcher
	PollInterval time.Duration
}

func NewScheduler(campaigns repository.CampaignsRepository, launcher *launch.Launcher, pollInterval time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Scheduler{
		Campaigns:    campaigns,
		Launcher:     launcher,
		PollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := time.NewTicker(s.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			s.launchDue(ctx)
		}
	}
}

func (s *Scheduler) launchDue(ctx context.Context) {
	due, err := s.Campaigns.ListDueScheduled(ctx, time.Now())
	if err != nil {
		log.Printf("[scheduler] list due err: %v", err)
		return
	}

	for _, c := range due {
		res, err := s.Launcher.Start(ctx, c.ID, "scheduler")
		if err != nil {
			log.Printf("[scheduler] launch campaign=%d err: %v", c.ID, err)
			continue
		}
		if !res.Success {
			log.Printf("[scheduler] launch campaign=%d skipped: %s", c.ID, res.Message)
			continue
		}
		log.Printf("[scheduler] launched campaign=%d queued=%d", c.ID, res.QueuedCount)
	}
}
