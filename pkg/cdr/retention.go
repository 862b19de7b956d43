package cdr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/saturn/pkg/config"
)

// Scheduler prunes old call records on a cron schedule.
type Scheduler struct {
	recorder *Recorder
	cfg      *config.CDRConfig
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler for the recorder.
func NewScheduler(recorder *Recorder, cfg *config.CDRConfig) *Scheduler {
	return &Scheduler{
		recorder: recorder,
		cfg:      cfg,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "cdr.scheduler"),
	}
}

// Start begins scheduled pruning. A missing schedule disables it.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.PruneSchedule == "" {
		s.logger.Info("prune schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.cfg.PruneSchedule, s.runPruning); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.PruneSchedule, err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started",
		"schedule", s.cfg.PruneSchedule,
		"retention_days", s.cfg.RetentionDays,
	)
	return nil
}

func (s *Scheduler) runPruning() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	removed, err := s.recorder.Prune(cutoff)
	if err != nil {
		s.logger.Error("retention pruning failed", "error", err)
		return
	}
	s.logger.Info("retention pruning completed", "removed", removed, "cutoff", cutoff)
}

// Stop halts scheduled pruning, waiting for an in-flight run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false
}
