// Package housekeeper implements the daily maintenance sweep, wired to a
// robfig/cron schedule the way Tsuchiya2-catchup-feed-backend schedules
// its periodic jobs, generalizing the ticker-based periodic goroutines in
// main.go (the DB-metrics and article-count updaters) into a single cron
// job with a dry-run mode.
package housekeeper

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"newscrawl/internal/metrics"
)

// Store is the narrow slice of the store contract the housekeeper needs.
type Store interface {
	ExpireStuckCandidates(ctx context.Context, olderThan time.Duration, dryRun bool) (int, error)
	PauseNullTextArticles(ctx context.Context, dryRun bool) (int, error)
	WarnStuckRows(ctx context.Context, threshold time.Duration) (articlesStuck, candidatesStuck int, err error)
}

// Config tunes the sweep thresholds.
type Config struct {
	CandidateExpiration time.Duration
	StageStuckThreshold time.Duration
	CronSchedule        string
	DryRun              bool
}

// Result summarizes one sweep's effect, for logging and tests.
type Result struct {
	CandidatesExpired   int
	ArticlesNullTextPaused int
	ArticlesStuckWarned int
	CandidatesStuckWarned int
	DryRun              bool
}

// Housekeeper runs the daily sweep.
type Housekeeper struct {
	store   Store
	metrics *metrics.Metrics
	cfg     Config
}

// New constructs a Housekeeper.
func New(store Store, m *metrics.Metrics, cfg Config) *Housekeeper {
	if cfg.CandidateExpiration <= 0 {
		cfg.CandidateExpiration = 7 * 24 * time.Hour
	}
	if cfg.StageStuckThreshold <= 0 {
		cfg.StageStuckThreshold = 24 * time.Hour
	}
	if cfg.CronSchedule == "" {
		cfg.CronSchedule = "0 3 * * *"
	}
	return &Housekeeper{store: store, metrics: m, cfg: cfg}
}

// Sweep runs all three housekeeping rules once. The third rule
// (stuck-row detection) is warning-only by construction: it never writes,
// dry-run or not.
func (h *Housekeeper) Sweep(ctx context.Context) (Result, error) {
	res := Result{DryRun: h.cfg.DryRun}

	expired, err := h.store.ExpireStuckCandidates(ctx, h.cfg.CandidateExpiration, h.cfg.DryRun)
	if err != nil {
		return res, err
	}
	res.CandidatesExpired = expired

	paused, err := h.store.PauseNullTextArticles(ctx, h.cfg.DryRun)
	if err != nil {
		return res, err
	}
	res.ArticlesNullTextPaused = paused

	articlesStuck, candidatesStuck, err := h.store.WarnStuckRows(ctx, h.cfg.StageStuckThreshold)
	if err != nil {
		return res, err
	}
	res.ArticlesStuckWarned = articlesStuck
	res.CandidatesStuckWarned = candidatesStuck

	if h.metrics != nil {
		h.metrics.HousekeeperSweepTotal.WithLabelValues("expire_candidates").Add(float64(expired))
		h.metrics.HousekeeperSweepTotal.WithLabelValues("pause_null_text").Add(float64(paused))
	}

	if articlesStuck > 0 || candidatesStuck > 0 {
		log.Printf("housekeeper: %d articles and %d candidates stuck past stage threshold (warning only)", articlesStuck, candidatesStuck)
	}
	log.Printf("housekeeper: sweep complete (dry_run=%t) expired=%d null_text_paused=%d", h.cfg.DryRun, expired, paused)

	return res, nil
}

// Start schedules Sweep on the configured cron expression until ctx is
// canceled.
func (h *Housekeeper) Start(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(h.cfg.CronSchedule, func() {
		if _, err := h.Sweep(ctx); err != nil {
			log.Printf("housekeeper: sweep failed, will retry next cycle: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return c, nil
}
