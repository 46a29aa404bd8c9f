package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/macaulishchina/AI-Studio/internal/llm"
	otelpkg "github.com/macaulishchina/AI-Studio/internal/otel"
	"github.com/macaulishchina/AI-Studio/internal/safety"
	"github.com/macaulishchina/AI-Studio/internal/sandbox"
	"github.com/macaulishchina/AI-Studio/internal/store"
	"github.com/macaulishchina/AI-Studio/internal/tokenutil"
)

// errTaskSettled aborts the round loop after a suspension wait ended
// in a terminal state the wait already wrote.
var errTaskSettled = errors.New("task settled during suspension")

const approvalPollInterval = 500 * time.Millisecond

// leakDetector is stateless; one instance serves every worker.
var leakDetector = safety.NewLeakDetector()

// executeCalls runs one turn's tool calls. Execution is concurrent but
// results are delivered to the model in request order; suspensions
// (approvals, ask_user) are handled sequentially afterwards because
// only one human interaction is outstanding at a time.
func (r *Runner) executeCalls(taskCtx, ctx context.Context, logger *slog.Logger, task *store.Task, env sandbox.Env, state *taskState, calls []llm.ToolCall) error {
	for _, call := range calls {
		payload, _ := json.Marshal(map[string]string{
			"id": call.ID, "name": call.Name, "arguments": call.Arguments,
		})
		if _, err := r.store.AppendEvent(taskCtx, task.ID, store.EventToolCall, string(payload)); err != nil {
			return fmt.Errorf("tool call event: %w", err)
		}
	}

	results := make([]sandbox.Result, len(calls))
	duplicate := make([]bool, len(calls))

	var wg conc.WaitGroup
	for i, call := range calls {
		key := call.Name + "\x00" + call.Arguments
		if state.seenCalls[key] {
			duplicate[i] = true
			continue
		}
		state.seenCalls[key] = true

		i, call := i, call
		wg.Go(func() {
			callCtx, span := otelpkg.StartSpan(ctx, r.config.Tracer, "tool.execute",
				otelpkg.AttrTaskID.String(task.ID),
				otelpkg.AttrToolName.String(call.Name),
			)
			results[i] = r.executor.Execute(callCtx, env, sandbox.Call{
				ID:        call.ID,
				Name:      call.Name,
				Arguments: call.Arguments,
			})
			r.config.Metrics.ToolCallDuration.Record(callCtx, results[i].Duration.Seconds())
			if results[i].Err != nil {
				r.config.Metrics.ToolCallErrors.Add(callCtx, 1)
				span.RecordError(results[i].Err)
			}
			span.End()
		})
	}
	wg.Wait()

	for i, call := range calls {
		if cancelled, _ := r.store.CancelRequested(taskCtx, task.ID); cancelled {
			return context.Canceled
		}

		var output string
		var failed bool
		res := results[i]

		switch {
		case duplicate[i]:
			output = duplicateCallResult
		case res.ApprovalCommand != "":
			var err error
			output, failed, err = r.awaitCommandApproval(taskCtx, logger, task, env, state, res.ApprovalCommand)
			if err != nil {
				return err
			}
		case len(res.Questions) > 0:
			var err error
			output, err = r.awaitUserReply(taskCtx, logger, task, state, res.Questions)
			if err != nil {
				return err
			}
		case res.Err != nil:
			output = "tool error: " + res.Err.Error()
			failed = true
		default:
			output = res.Output
			if call.Name == "run_command" {
				state.commandsRun++
			}
		}

		// Secrets in tool output still reach the model (redaction would
		// corrupt legitimate file reads) but are flagged for operators.
		for _, warn := range leakDetector.Scan(output) {
			logger.Warn("possible secret in tool output", "tool", call.Name, "pattern", warn.Pattern, "sample", warn.Sample)
		}

		output = r.truncateResult(output)
		if err := r.recordToolResult(taskCtx, task, state, call, output, failed, res.Duration); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) truncateResult(output string) string {
	maxTokens := r.config.Agent.ToolResultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	return tokenutil.Truncate(output, maxTokens)
}

func (r *Runner) recordToolResult(ctx context.Context, task *store.Task, state *taskState, call llm.ToolCall, output string, failed bool, took time.Duration) error {
	payload, _ := json.Marshal(map[string]any{
		"id":          call.ID,
		"name":        call.Name,
		"result":      output,
		"error":       failed,
		"duration_ms": took.Milliseconds(),
	})
	if _, err := r.store.AppendEvent(ctx, task.ID, store.EventToolResult, string(payload)); err != nil {
		return fmt.Errorf("tool result event: %w", err)
	}

	state.current = append(state.current, llm.Message{
		Role:       "tool",
		Content:    output,
		ToolCallID: call.ID,
	})
	if err := r.store.AddMessage(ctx, task.ConversationID, "tool", output, call.Name, call.ID, tokenutil.CountTokens(output)); err != nil {
		return fmt.Errorf("persist tool result: %w", err)
	}
	return nil
}

// awaitCommandApproval suspends the task until the user rules on a
// non-readonly command. Denial and expiry are not terminal: the model
// sees the refusal as the tool result and the loop continues.
func (r *Runner) awaitCommandApproval(ctx context.Context, logger *slog.Logger, task *store.Task, env sandbox.Env, state *taskState, command string) (output string, failed bool, err error) {
	ttl := secondsOrDefault(r.config.Agent.ApprovalTimeoutSeconds, time.Hour)
	approvalID, err := r.store.CreateApproval(ctx, task.ID, store.ApprovalKindCommand, command, ttl)
	if err != nil {
		return "", false, fmt.Errorf("create approval: %w", err)
	}
	if err := r.store.SuspendForApproval(ctx, task.ID); err != nil {
		return "", false, fmt.Errorf("suspend for approval: %w", err)
	}
	logger.Info("awaiting command approval", "approval_id", approvalID, "command", command)

	r.config.Metrics.ApprovalsPending.Add(ctx, 1)
	approval, err := r.waitResolution(ctx, state, task.ID, approvalID)
	r.config.Metrics.ApprovalsPending.Add(context.Background(), -1)
	if err != nil {
		return "", false, err
	}

	switch approval.Status {
	case store.ApprovalStatusApproved:
		if err := r.store.ResumeTask(ctx, task.ID, "approval granted"); err != nil {
			return "", false, fmt.Errorf("resume after approval: %w", err)
		}
		scope := approval.Response
		if scope == "" {
			scope = "once"
		}
		res := r.executor.ExecuteApproved(ctx, env, command, scope)
		if res.Err != nil {
			return "approved command failed: " + res.Err.Error(), true, nil
		}
		state.commandsRun++
		return res.Output, false, nil
	case store.ApprovalStatusDenied:
		if err := r.store.ResumeTask(ctx, task.ID, "approval denied"); err != nil {
			return "", false, fmt.Errorf("resume after denial: %w", err)
		}
		msg := "command denied by the user, do not retry it"
		if approval.Response != "" {
			msg += ": " + approval.Response
		}
		return msg, true, nil
	default: // expired
		if err := r.store.ResumeTask(ctx, task.ID, "approval expired"); err != nil {
			return "", false, fmt.Errorf("resume after expiry: %w", err)
		}
		return "approval request expired before the user responded, command not run", true, nil
	}
}

// awaitUserReply suspends the task until the user answers ask_user.
// Expiry here is terminal: a task that asked a question and got no
// answer cannot finish honestly, so it is cancelled.
func (r *Runner) awaitUserReply(ctx context.Context, logger *slog.Logger, task *store.Task, state *taskState, questions []string) (string, error) {
	ttl := secondsOrDefault(r.config.Agent.AskUserTimeoutSeconds, time.Hour)
	subject := strings.Join(questions, "\n")
	approvalID, err := r.store.CreateApproval(ctx, task.ID, store.ApprovalKindAskUser, subject, ttl)
	if err != nil {
		return "", fmt.Errorf("create ask_user request: %w", err)
	}
	if err := r.store.SuspendForUserInput(ctx, task.ID); err != nil {
		return "", fmt.Errorf("suspend for user input: %w", err)
	}
	logger.Info("awaiting user reply", "approval_id", approvalID, "questions", len(questions))

	r.config.Metrics.ApprovalsPending.Add(ctx, 1)
	approval, err := r.waitResolution(ctx, state, task.ID, approvalID)
	r.config.Metrics.ApprovalsPending.Add(context.Background(), -1)
	if err != nil {
		return "", err
	}

	if approval.Status == store.ApprovalStatusAnswered {
		if err := r.store.ResumeTask(ctx, task.ID, "user replied"); err != nil {
			return "", fmt.Errorf("resume after reply: %w", err)
		}
		return "user reply:\n" + approval.Response, nil
	}

	_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
		errPayload("ask_user_timeout", "no user reply before the deadline"))
	if err := r.store.CancelTask(ctx, task.ID, "no user reply before the deadline"); err != nil {
		return "", fmt.Errorf("settle unanswered question: %w", err)
	}
	return "", errTaskSettled
}

// waitResolution polls until the approval leaves pending. The wait
// runs on the cancel-only task context; its duration is excluded from
// the execution budget.
func (r *Runner) waitResolution(ctx context.Context, state *taskState, taskID, approvalID string) (*store.Approval, error) {
	waitStart := time.Now()
	defer func() { state.waited += time.Since(waitStart) }()

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if cancelled, _ := r.store.CancelRequested(ctx, taskID); cancelled {
			return nil, context.Canceled
		}

		approval, err := r.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, fmt.Errorf("poll approval: %w", err)
		}
		if approval.Status != store.ApprovalStatusPending {
			return approval, nil
		}
		// Expire locally too: the worker sweep may be idle while every
		// worker is suspended here.
		if approval.ExpiresAt != nil && time.Now().After(approval.ExpiresAt.Add(time.Second)) {
			if _, err := r.store.ExpirePendingApprovals(ctx); err != nil {
				slog.Error("expire overdue approval", "approval_id", approvalID, "error", err)
			}
		}
	}
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
