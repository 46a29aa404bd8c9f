// Package runner drives tasks from claim to a terminal state: the
// worker pool, the per-task round loop, tool execution, approval and
// ask-user suspension, and crash recovery.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/macaulishchina/AI-Studio/internal/config"
	"github.com/macaulishchina/AI-Studio/internal/llm"
	otelpkg "github.com/macaulishchina/AI-Studio/internal/otel"
	"github.com/macaulishchina/AI-Studio/internal/permission"
	"github.com/macaulishchina/AI-Studio/internal/prompt"
	"github.com/macaulishchina/AI-Studio/internal/sandbox"
	"github.com/macaulishchina/AI-Studio/internal/shared"
	"github.com/macaulishchina/AI-Studio/internal/store"
)

type Config struct {
	WorkerCount  int
	PollInterval time.Duration
	TaskTimeout  time.Duration
	Agent        config.AgentConfig

	// Tracer and Metrics are optional; nil falls back to no-ops.
	Tracer  trace.Tracer
	Metrics *otelpkg.Metrics
}

// Runner owns the worker pool. Each worker claims pending tasks and
// runs their agent loop; no two rounds of one task ever run
// concurrently because the task is leased to exactly one worker.
type Runner struct {
	store     *store.Store
	client    llm.Client
	executor  *sandbox.Executor
	assembler *prompt.Assembler
	perms     permission.Checker
	config    Config

	once sync.Once
	wg   sync.WaitGroup

	cancelMu sync.RWMutex
	cancels  map[string]context.CancelFunc
}

func New(st *store.Store, client llm.Client, executor *sandbox.Executor, assembler *prompt.Assembler, perms permission.Checker, cfg Config) *Runner {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}
	if cfg.Agent.MaxRounds <= 0 {
		cfg.Agent.MaxRounds = 20
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelpkg.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics, _ = otelpkg.NewMetrics(noopmetric.NewMeterProvider().Meter(otelpkg.MeterName))
	}
	return &Runner{
		store:     st,
		client:    client,
		executor:  executor,
		assembler: assembler,
		perms:     perms,
		config:    cfg,
		cancels:   map[string]context.CancelFunc{},
	}
}

// Start recovers tasks interrupted by the previous process and spawns
// the workers. Safe to call once.
func (r *Runner) Start(ctx context.Context) {
	r.once.Do(func() {
		n, err := r.store.RecoverInterrupted(ctx)
		if err != nil {
			slog.Error("startup recovery failed", "error", err)
		} else if n > 0 {
			slog.Info("failed interrupted tasks on startup", "count", n)
		}
		for i := 0; i < r.config.WorkerCount; i++ {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.worker(ctx)
			}()
		}
	})
}

// Drain waits for active tasks up to timeout. Tasks still in flight
// keep their leases and are failed by RecoverInterrupted on the next
// startup with their partial event logs intact.
func (r *Runner) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("runner drained cleanly")
	case <-time.After(timeout):
		slog.Warn("runner drain timeout, in-flight tasks recover on next startup", "timeout", timeout)
	}
}

// Interrupt cancels an in-process task immediately instead of waiting
// for the heartbeat to notice the cancel flag. Returns false when the
// task is not running on this instance.
func (r *Runner) Interrupt(taskID string) bool {
	r.cancelMu.RLock()
	cancel, ok := r.cancels[taskID]
	r.cancelMu.RUnlock()
	if ok {
		cancel()
	}
	return ok
}

func (r *Runner) worker(ctx context.Context) {
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if _, err := r.store.RequeueExpiredLeases(ctx); err != nil {
			slog.Error("requeue expired leases", "error", err)
		}
		r.sweepExpiredApprovals(ctx)

		task, err := r.store.ClaimNextPendingTask(ctx, r.perms.Version())
		if err != nil {
			slog.Error("claim pending task", "error", err)
		}
		if err != nil || task == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
		r.handleTask(ctx, task)
	}
}

// sweepExpiredApprovals marks approvals whose deadline passed. The
// suspended task sees the expiry on its next poll and settles there.
func (r *Runner) sweepExpiredApprovals(ctx context.Context) {
	expired, err := r.store.ExpirePendingApprovals(ctx)
	if err != nil {
		slog.Error("expire pending approvals", "error", err)
		return
	}
	for _, a := range expired {
		slog.Info("approval expired", "approval_id", a.ID, "task_id", a.TaskID, "kind", a.Kind)
	}
}

func (r *Runner) handleTask(ctx context.Context, task *store.Task) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	logger := slog.With("task_id", task.ID, "conversation_id", task.ConversationID, "trace_id", traceID)
	logger.Info("task claimed", "model", task.Model, "policy_version", task.PolicyVersion)

	started := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, r.config.Tracer, "task.execute",
		otelpkg.AttrTaskID.String(task.ID),
		otelpkg.AttrProjectID.String(task.ProjectID),
		otelpkg.AttrConversation.String(task.ConversationID),
		otelpkg.AttrModel.String(task.Model),
	)
	r.config.Metrics.ActiveTasks.Add(ctx, 1)
	defer func() {
		r.config.Metrics.ActiveTasks.Add(context.Background(), -1)
		r.config.Metrics.TaskDuration.Record(context.Background(), time.Since(started).Seconds())
		span.End()
	}()

	// Cancel-only context: the execution budget is enforced per round by
	// the loop so time spent suspended on approvals does not count.
	taskCtx, cancel := context.WithCancel(ctx)
	r.cancelMu.Lock()
	r.cancels[task.ID] = cancel
	r.cancelMu.Unlock()
	defer func() {
		cancel()
		r.cancelMu.Lock()
		delete(r.cancels, task.ID)
		r.cancelMu.Unlock()
	}()

	// Heartbeat keeps the lease alive and watches the cooperative
	// cancel flag so an in-flight stream aborts at the next checkpoint.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-taskCtx.Done():
				return
			case <-ticker.C:
				if cancelled, _ := r.store.CancelRequested(context.Background(), task.ID); cancelled {
					cancel()
					return
				}
				ok, err := r.store.HeartbeatLease(context.Background(), task.ID, task.LeaseOwner)
				if err != nil {
					logger.Error("lease heartbeat", "error", err)
				} else if !ok {
					logger.Warn("lease heartbeat rejected, another owner took the task")
					cancel()
					return
				}
			}
		}
	}()

	err := r.runLoop(taskCtx, logger, task)
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	// Sandbox-internal panics and durable-write failures land here; the
	// partial event log stays intact for postmortem.
	bg := context.Background()
	switch {
	case errors.Is(err, context.Canceled) || taskCtx.Err() == context.Canceled:
		_, _ = r.store.AppendEvent(bg, task.ID, store.EventError, errPayload("cancelled", "task cancelled"))
		if cErr := r.store.CancelTask(bg, task.ID, "cancel requested"); cErr != nil {
			logger.Error("cancel settle", "error", cErr)
		}
	case errors.Is(err, errTaskTimeout):
		msg := fmt.Sprintf("task timeout after %s of execution", r.config.TaskTimeout)
		_, _ = r.store.AppendEvent(bg, task.ID, store.EventError, errPayload("timeout", msg))
		if fErr := r.store.FailTask(bg, task.ID, msg); fErr != nil {
			logger.Error("timeout settle", "error", fErr)
		}
	default:
		_, _ = r.store.AppendEvent(bg, task.ID, store.EventError, errPayload(errorKind(err), err.Error()))
		if fErr := r.store.FailTask(bg, task.ID, err.Error()); fErr != nil {
			logger.Error("failure settle", "error", fErr)
		}
	}
	logger.Error("task failed", "error", err)
}

// runLoop converts loop panics into task failures.
func (r *Runner) runLoop(ctx context.Context, logger *slog.Logger, task *store.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("agent loop panicked", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("agent loop panic: %v", rec)
		}
	}()
	return r.run(ctx, logger, task)
}
