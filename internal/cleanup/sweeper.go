// Package cleanup deactivates mappings whose external conversation has
// gone quiet, on a cron schedule.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dynamisinc/cobra-poc-sub003/internal/config"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
)

type staleMappingStore interface {
	ListStale(ctx context.Context, inactiveDays int) ([]mapping.Mapping, error)
	Deactivate(ctx context.Context, id string) (mapping.Mapping, error)
}

// Sweeper periodically deactivates stale mappings.
type Sweeper struct {
	logger   *slog.Logger
	mappings staleMappingStore
	cfg      config.CleanupConfig
	cron     *cron.Cron
}

func NewSweeper(log *slog.Logger, mappings staleMappingStore, cfg config.CleanupConfig) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		logger:   log.With(slog.String("service", "cleanup")),
		mappings: mappings,
		cfg:      cfg,
	}
}

// Start schedules the sweep. A blank schedule disables the sweeper.
func (s *Sweeper) Start() error {
	if s.cfg.Schedule == "" || s.cfg.InactiveDays <= 0 {
		s.logger.Info("stale mapping sweeper disabled")
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("stale mapping sweeper started",
		"schedule", s.cfg.Schedule, "inactive_days", s.cfg.InactiveDays)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass over stale mappings.
func (s *Sweeper) Sweep(ctx context.Context) {
	stale, err := s.mappings.ListStale(ctx, s.cfg.InactiveDays)
	if err != nil {
		s.logger.Error("list stale mappings", "error", err)
		return
	}
	for _, m := range stale {
		if _, err := s.mappings.Deactivate(ctx, m.ID); err != nil {
			s.logger.Error("deactivate stale mapping", "mapping_id", m.ID, "error", err)
			continue
		}
		s.logger.Info("deactivated stale mapping",
			"mapping_id", m.ID, "platform", m.Platform, "last_activity_at", m.LastActivityAt)
	}
}
