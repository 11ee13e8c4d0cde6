// Package maintenance runs the background housekeeping jobs: notification
// throttle GC, delta state retention, and webhook rate-window cleanup.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/delta"
	"github.com/reef-io/reef/internal/repositories"
	"github.com/reef-io/reef/internal/throttle"
	"github.com/reef-io/reef/internal/webhook"
)

// throttleGCInterval is how often throttle entries are swept.
const throttleGCInterval = 10 * time.Minute

// retentionCron fires the daily delta retention pass during the quiet hours.
const retentionCron = "0 3 * * *"

// Runner owns the gocron scheduler for housekeeping tasks.
type Runner struct {
	scheduler gocron.Scheduler
	throttler *throttle.Throttler
	webhooks  *webhook.Service
	profiles  repositories.ProfileRepository
	engine    *delta.Engine
	logger    *zap.Logger
}

// Config wires the Runner's collaborators. Webhooks and Engine may be nil
// when the corresponding subsystem is disabled.
type Config struct {
	Throttler *throttle.Throttler
	Webhooks  *webhook.Service
	Profiles  repositories.ProfileRepository
	Engine    *delta.Engine
	Logger    *zap.Logger
}

// New creates the maintenance Runner and registers its jobs.
func New(cfg Config) (*Runner, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("maintenance: scheduler: %w", err)
	}

	r := &Runner{
		scheduler: s,
		throttler: cfg.Throttler,
		webhooks:  cfg.Webhooks,
		profiles:  cfg.Profiles,
		engine:    cfg.Engine,
		logger:    cfg.Logger.Named("maintenance"),
	}

	if _, err := s.NewJob(
		gocron.DurationJob(throttleGCInterval),
		gocron.NewTask(r.sweepThrottle),
	); err != nil {
		return nil, fmt.Errorf("maintenance: register throttle gc: %w", err)
	}

	if r.engine != nil && r.profiles != nil {
		if _, err := s.NewJob(
			gocron.CronJob(retentionCron, false),
			gocron.NewTask(r.runRetention),
		); err != nil {
			return nil, fmt.Errorf("maintenance: register delta retention: %w", err)
		}
	}
	return r, nil
}

// Start begins running the registered jobs.
func (r *Runner) Start() {
	r.scheduler.Start()
	r.logger.Info("maintenance jobs started")
}

// Stop shuts the scheduler down, waiting for running jobs.
func (r *Runner) Stop() {
	if err := r.scheduler.Shutdown(); err != nil {
		r.logger.Error("maintenance shutdown failed", zap.Error(err))
	}
}

// sweepThrottle evicts stale notification throttle entries and expired
// webhook rate windows.
func (r *Runner) sweepThrottle() {
	if r.throttler != nil {
		if evicted := r.throttler.GC(throttle.GCMaxAge); evicted > 0 {
			r.logger.Debug("throttle entries evicted", zap.Int("count", evicted))
		}
	}
	if r.webhooks != nil {
		if evicted := r.webhooks.GCWindows(); evicted > 0 {
			r.logger.Debug("webhook rate windows evicted", zap.Int("count", evicted))
		}
	}
}

// runRetention prunes deleted delta state rows past each profile's retention
// horizon. Profiles without retention configured are skipped.
func (r *Runner) runRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	profiles, err := r.profiles.ListEnabled(ctx)
	if err != nil {
		r.logger.Error("retention: list profiles failed", zap.Error(err))
		return
	}

	for _, profile := range profiles {
		if !profile.DeltaEnabled || profile.DeltaRetentionDays <= 0 {
			continue
		}
		pruned, err := r.engine.Retention(ctx, profile.ID, profile.DeltaRetentionDays)
		if err != nil {
			r.logger.Error("retention failed",
				zap.String("profile", profile.Code), zap.Error(err))
			continue
		}
		if pruned > 0 {
			r.logger.Info("delta state pruned",
				zap.String("profile", profile.Code), zap.Int64("rows", pruned))
		}
	}
}
