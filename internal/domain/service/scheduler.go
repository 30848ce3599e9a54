package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/pkg/safego"
)

// ExitCodeTamper is the process exit status after tamper detection.
const ExitCodeTamper = 78

// Task cadences in ticks.
const (
	cadenceConfigSync   = 10
	cadenceMembership   = 15
	cadenceNonceCleanup = 60
	cadenceRotation     = 1440
)

// SchedulerTasks are the periodic jobs the scheduler drives. Any nil
// function is skipped.
type SchedulerTasks struct {
	Ingest            func()
	TamperCheck       func() []string
	ConfigSync        func()
	RefreshMembership func()
	NonceCleanup      func()
	RotationCheck     func()
	Compaction        func()
}

// Scheduler runs periodic maintenance on a fixed ticker. Each sub-task is
// panic-isolated so one failure never stops the loop. A positive tamper
// check terminates the process through exitFunc.
type Scheduler struct {
	interval     time.Duration
	startupDelay time.Duration
	tasks        SchedulerTasks
	exitFunc     func(code int)
	logger       *zap.Logger
}

// NewScheduler creates a scheduler; exitFunc defaults to os.Exit and is
// injectable for tests.
func NewScheduler(interval, startupDelay time.Duration, tasks SchedulerTasks, exitFunc func(int), logger *zap.Logger) *Scheduler {
	return &Scheduler{
		interval:     interval,
		startupDelay: startupDelay,
		tasks:        tasks,
		exitFunc:     exitFunc,
		logger:       logger,
	}
}

// Start launches the ticker loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	safego.Go(s.logger, "scheduler", func() {
		s.run(ctx)
	})
}

func (s *Scheduler) run(ctx context.Context) {
	select {
	case <-time.After(s.startupDelay):
	case <-ctx.Done():
		return
	}

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			tick++
			s.runTick(tick)
		}
	}
}

// runTick executes the tasks due at this tick.
func (s *Scheduler) runTick(tick int) {
	s.safely("ingest", s.tasks.Ingest)
	s.safely("compaction", s.tasks.Compaction)

	if s.tasks.TamperCheck != nil {
		var violations []string
		s.safely("tamper-check", func() {
			violations = s.tasks.TamperCheck()
		})
		if len(violations) > 0 {
			s.logger.Error("tamper detected, terminating",
				zap.Strings("violations", violations))
			s.exitFunc(ExitCodeTamper)
			return
		}
	}

	if tick%cadenceConfigSync == 0 {
		s.safely("config-sync", s.tasks.ConfigSync)
	}
	if tick%cadenceMembership == 0 {
		s.safely("membership-refresh", s.tasks.RefreshMembership)
	}
	if tick%cadenceNonceCleanup == 0 {
		s.safely("nonce-cleanup", s.tasks.NonceCleanup)
	}
	if tick%cadenceRotation == 0 {
		s.safely("rotation-check", s.tasks.RotationCheck)
	}
}

// safely runs one sub-task with panic recovery.
func (s *Scheduler) safely(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler task panicked",
				zap.String("task", name),
				zap.Any("panic", r))
		}
	}()
	fn()
}
