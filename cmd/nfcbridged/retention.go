package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/g960059/nfcbridge/internal/config"
)

type cardPurger interface {
	PurgeCardReads(ctx context.Context, cutoff time.Time) (int64, error)
}

func purgeOnce(ctx context.Context, store cardPurger, retention time.Duration, now time.Time, log *slog.Logger) {
	n, err := store.PurgeCardReads(ctx, now.Add(-retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("retention purge failed", "error", err)
		}
		return
	}
	if n > 0 {
		log.Info("purged card reads", "count", n)
	}
}

// retentionScheduler runs the history purge on a gocron scheduler. A nil
// scheduler means retention is disabled.
type retentionScheduler struct {
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// startRetention purges once, then every cfg.PurgeInterval.
func startRetention(ctx context.Context, store cardPurger, cfg config.HistoryConfig, log *slog.Logger) (*retentionScheduler, error) {
	r := &retentionScheduler{log: log}
	if cfg.Retention <= 0 {
		log.Info("card read retention disabled")
		return r, nil
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create retention scheduler: %w", err)
	}
	purge := func() { purgeOnce(ctx, store, cfg.Retention, time.Now().UTC(), log) }
	if _, err := s.NewJob(
		gocron.DurationJob(cfg.PurgeInterval),
		gocron.NewTask(purge),
		gocron.WithName("purge-card-reads"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("schedule retention purge: %w", err)
	}
	s.Start()
	r.scheduler = s
	log.Info("card read retention scheduled", "retention", cfg.Retention, "interval", cfg.PurgeInterval)
	return r, nil
}

// Stop shuts the scheduler down and waits for a running purge.
func (r *retentionScheduler) Stop() {
	if r == nil || r.scheduler == nil {
		return
	}
	if err := r.scheduler.Shutdown(); err != nil {
		r.log.Warn("stop retention scheduler", "error", err)
	}
	r.scheduler = nil
}
