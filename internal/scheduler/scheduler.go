// Package scheduler fires cron-defined schedules by submitting tasks.
// Each firing gets a fresh conversation so a long-running previous run
// never blocks the next one on the single-active-task rule.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/macaulishchina/AI-Studio/internal/config"
	"github.com/macaulishchina/AI-Studio/internal/store"
)

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type Config struct {
	Store        *store.Store
	Interval     time.Duration // tick interval; defaults to 1 minute
	DefaultModel string
	MaxRounds    int
}

type Scheduler struct {
	store        *store.Store
	interval     time.Duration
	defaultModel string
	maxRounds    int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:        cfg.Store,
		interval:     interval,
		defaultModel: cfg.DefaultModel,
		maxRounds:    cfg.MaxRounds,
	}
}

// Sync upserts configured schedules into the store so file-defined
// schedules and previously stored ones converge on startup.
func (s *Scheduler) Sync(ctx context.Context, schedules []config.ScheduleConfig) error {
	for _, sc := range schedules {
		if _, err := cronParser.Parse(sc.CronExpr); err != nil {
			slog.Error("invalid cron expression, schedule skipped", "name", sc.Name, "cron", sc.CronExpr, "error", err)
			continue
		}
		if _, err := s.store.UpsertSchedule(ctx, store.Schedule{
			Name:      sc.Name,
			CronExpr:  sc.CronExpr,
			ProjectID: sc.ProjectID,
			Prompt:    sc.Prompt,
			Model:     sc.Model,
			Enabled:   sc.Enabled,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	slog.Info("scheduler started", "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

// tick fires every enabled schedule whose next run time after its last
// firing has passed. Due-ness is computed from the expression, so a
// missed tick fires once on the next tick rather than piling up.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		slog.Error("list schedules", "error", err)
		return
	}
	for _, sched := range schedules {
		next, err := nextRun(sched)
		if err != nil {
			slog.Error("bad cron expression", "schedule", sched.Name, "cron", sched.CronExpr, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}
		s.fire(ctx, sched)
	}
}

func nextRun(sched store.Schedule) (time.Time, error) {
	expr, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	after := sched.CreatedAt
	if sched.LastRunAt != nil {
		after = *sched.LastRunAt
	}
	return expr.Next(after), nil
}

func (s *Scheduler) fire(ctx context.Context, sched store.Schedule) {
	conversationID := uuid.NewString()
	if err := s.store.EnsureConversation(ctx, conversationID, sched.ProjectID); err != nil {
		slog.Error("schedule conversation", "schedule", sched.Name, "error", err)
		return
	}

	model := sched.Model
	if model == "" {
		model = s.defaultModel
	}
	taskID, err := s.store.CreateTask(ctx, sched.ProjectID, conversationID, sched.Prompt, model, s.maxRounds)
	if err != nil {
		slog.Error("schedule task creation", "schedule", sched.Name, "error", err)
		return
	}
	// Mark before the task runs: a failing task must not make the
	// schedule re-fire every tick.
	if err := s.store.MarkScheduleRun(ctx, sched.ID); err != nil {
		slog.Error("mark schedule run", "schedule", sched.Name, "error", err)
	}
	slog.Info("schedule fired", "schedule", sched.Name, "task_id", taskID, "project_id", sched.ProjectID)
}

// NextRunTime reports when the expression fires next after the given
// time. Used by status surfaces.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	expr, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return expr.Next(after), nil
}
