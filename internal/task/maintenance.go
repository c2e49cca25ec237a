package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceConfig controls the periodic queue sweeps.
type MaintenanceConfig struct {
	// Schedule is a cron expression for how often sweeps run.
	// Defaults to every five minutes.
	Schedule string

	// TaskMaxAge expires pending tasks older than this. Zero disables the
	// expiry sweep.
	TaskMaxAge time.Duration

	// StuckTaskAge resets processing tasks idle longer than this. Zero
	// disables the stuck sweep.
	StuckTaskAge time.Duration
}

// DefaultMaintenanceConfig returns a MaintenanceConfig with reasonable
// defaults.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Schedule:     "*/5 * * * *",
		TaskMaxAge:   24 * time.Hour,
		StuckTaskAge: 30 * time.Minute,
	}
}

// Maintenance runs the scheduled queue sweeps: expiring stale pending tasks
// and resetting tasks stuck in processing.
type Maintenance struct {
	cron    *cron.Cron
	manager *Manager
	cfg     MaintenanceConfig
	logger  *slog.Logger
}

// NewMaintenance creates the maintenance scheduler. Call Start to begin.
func NewMaintenance(manager *Manager, cfg MaintenanceConfig, logger *slog.Logger) *Maintenance {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultMaintenanceConfig().Schedule
	}
	return &Maintenance{
		cron:    cron.New(),
		manager: manager,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers and launches the sweep job.
func (mt *Maintenance) Start() error {
	if _, err := mt.cron.AddFunc(mt.cfg.Schedule, mt.sweep); err != nil {
		return err
	}
	mt.cron.Start()
	mt.logger.Info("queue maintenance started",
		"schedule", mt.cfg.Schedule,
		"task_max_age", mt.cfg.TaskMaxAge,
		"stuck_task_age", mt.cfg.StuckTaskAge)
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (mt *Maintenance) Stop() {
	<-mt.cron.Stop().Done()
}

func (mt *Maintenance) sweep() {
	ctx := context.Background()
	if mt.cfg.StuckTaskAge > 0 {
		if n := mt.manager.ResetStuck(ctx, mt.cfg.StuckTaskAge); n > 0 {
			mt.logger.Info("maintenance reset stuck tasks", "count", n)
		}
	}
	if mt.cfg.TaskMaxAge > 0 {
		if n := mt.manager.SweepExpired(ctx, mt.cfg.TaskMaxAge); n > 0 {
			mt.logger.Info("maintenance expired stale tasks", "count", n)
		}
	}
}
