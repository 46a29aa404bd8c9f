package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/llm"
	otelpkg "github.com/macaulishchina/AI-Studio/internal/otel"
	"github.com/macaulishchina/AI-Studio/internal/pricing"
	"github.com/macaulishchina/AI-Studio/internal/prompt"
	"github.com/macaulishchina/AI-Studio/internal/sandbox"
	"github.com/macaulishchina/AI-Studio/internal/shared"
	"github.com/macaulishchina/AI-Studio/internal/store"
	"github.com/macaulishchina/AI-Studio/internal/tokenutil"
)

// errTaskTimeout ends a task that spent its execution budget. Time
// spent suspended waiting for a human does not count.
var errTaskTimeout = errors.New("task execution budget exhausted")

// defaultPersona is used when the conversation carries no system
// message of its own.
const defaultPersona = "You are a project design assistant working inside a sandboxed workspace. " +
	"Use the available tools to inspect the project before answering. " +
	"Only describe command output you actually obtained through a tool call. " +
	"When information is missing and no tool can provide it, ask the user instead of guessing."

const duplicateCallResult = "duplicate call: an identical invocation already executed in this task, reusing is not allowed. Refer to the earlier result."

// taskState is the in-memory slice of one task attempt: the messages
// produced since claim, the duplicate-call cache, and the guard
// counters. It is rebuilt from the store if the task is re-claimed.
type taskState struct {
	current      []llm.Message
	seenCalls    map[string]bool
	commandsRun  int
	guardRetries int
	toolChoice   string
	overflowTry  bool
	spent        time.Duration
	waited       time.Duration
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, task *store.Task) error {
	project, err := r.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	env := sandbox.Env{
		ProjectID:     task.ProjectID,
		WorkspaceRoot: project.WorkspacePath,
		Perms:         r.perms,
	}

	state := &taskState{seenCalls: map[string]bool{}}

	// The submitted prompt becomes the first current-round message and
	// is persisted so later tasks on the conversation see it.
	state.current = append(state.current, llm.Message{Role: "user", Content: task.Prompt})
	baselineID, persona, err := r.snapshotConversation(ctx, task)
	if err != nil {
		return err
	}
	if err := r.store.AddMessage(ctx, task.ConversationID, "user", task.Prompt, "", "", tokenutil.CountTokens(task.Prompt)); err != nil {
		return fmt.Errorf("persist prompt: %w", err)
	}

	maxRounds := task.MaxRounds
	if maxRounds <= 0 {
		maxRounds = r.config.Agent.MaxRounds
	}

	var lastContent string
	for round := 1; round <= maxRounds; round++ {
		if cancelled, _ := r.store.CancelRequested(ctx, task.ID); cancelled || ctx.Err() != nil {
			return context.Canceled
		}
		if state.spent >= r.config.TaskTimeout {
			return errTaskTimeout
		}

		roundCtx, cancelRound := context.WithTimeout(shared.WithRound(ctx, round), r.config.TaskTimeout-state.spent)
		turn, err := r.runRound(ctx, roundCtx, logger, task, env, state, baselineID, persona, round)
		cancelRound()
		if err != nil {
			if ctx.Err() == context.Canceled {
				return context.Canceled
			}
			if roundCtx.Err() == context.DeadlineExceeded {
				return errTaskTimeout
			}
			return err
		}
		if turn == nil {
			// Terminal state was written inside the round.
			r.config.Metrics.RoundsPerTask.Record(context.Background(), int64(round))
			return nil
		}
		if turn.Content != "" {
			lastContent = turn.Content
		}
	}

	_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
		errPayload("round_limit", fmt.Sprintf("round limit of %d reached", maxRounds)))
	if err := r.store.ReachRoundLimit(ctx, task.ID, lastContent); err != nil {
		return fmt.Errorf("settle round limit: %w", err)
	}
	logger.Info("task hit round limit", "max_rounds", maxRounds)
	return nil
}

// snapshotConversation fixes the boundary between reusable history and
// this task's own messages, and extracts the active persona.
func (r *Runner) snapshotConversation(ctx context.Context, task *store.Task) (int64, string, error) {
	msgs, err := r.store.ListMessages(ctx, task.ConversationID, 0)
	if err != nil {
		return 0, "", fmt.Errorf("load history: %w", err)
	}
	var baselineID int64
	persona := defaultPersona
	for _, m := range msgs {
		baselineID = m.ID
		if m.Role == "system" && m.Content != "" {
			persona = m.Content
		}
	}
	return baselineID, persona, nil
}

// runRound performs one model turn plus its tool executions. A nil
// turn with nil error means the round settled the task. taskCtx is
// cancel-only and outlives roundCtx's deadline; suspension waits and
// post-wait persistence use it so human thinking time costs nothing.
func (r *Runner) runRound(taskCtx, ctx context.Context, logger *slog.Logger, task *store.Task, env sandbox.Env, state *taskState, baselineID int64, persona string, round int) (*llm.Turn, error) {
	started := time.Now()
	state.waited = 0
	defer func() { state.spent += time.Since(started) - state.waited }()

	if err := r.store.SetRound(ctx, task.ID, round); err != nil {
		return nil, fmt.Errorf("advance round: %w", err)
	}
	if _, err := r.store.AppendEvent(ctx, task.ID, store.EventRoundBoundary,
		fmt.Sprintf(`{"round":%d}`, round)); err != nil {
		return nil, fmt.Errorf("round boundary event: %w", err)
	}

	assembled, err := r.assemble(ctx, task, state, baselineID, persona)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		Model:      task.Model,
		Messages:   assembled.Messages,
		Tools:      r.executor.Registry().Schemas(r.perms, task.ProjectID),
		ToolChoice: state.toolChoice,
		MaxTokens:  r.config.Agent.MaxOutputTokens,
		RequestID:  task.ID,
	}
	state.toolChoice = ""

	turn, err := r.streamTurn(ctx, task, req)
	if err != nil {
		if llm.Classify(err) == llm.ErrorClassContextOverflow {
			// The local estimate undercounted. Force one archive pass
			// and let the next round rebuild a smaller window.
			if recovered, rErr := r.recoverOverflow(ctx, logger, task, state, baselineID); rErr != nil {
				return nil, rErr
			} else if recovered {
				return &llm.Turn{}, nil
			}
		}
		return nil, fmt.Errorf("model turn: %w", err)
	}

	if turn.Usage.PromptTokens > 0 || turn.Usage.CompletionTokens > 0 {
		if err := r.store.AddUsage(ctx, task.ID, turn.Usage.PromptTokens, turn.Usage.CompletionTokens); err != nil {
			logger.Error("record usage", "error", err)
		}
		r.config.Metrics.TokensUsed.Add(ctx, int64(turn.Usage.TotalTokens))
		payload, _ := json.Marshal(map[string]any{
			"prompt_tokens":      turn.Usage.PromptTokens,
			"completion_tokens":  turn.Usage.CompletionTokens,
			"total_tokens":       turn.Usage.TotalTokens,
			"estimated_cost_usd": pricing.EstimateCost(task.Model, turn.Usage.PromptTokens, turn.Usage.CompletionTokens),
		})
		_, _ = r.store.AppendEvent(ctx, task.ID, store.EventUsage, string(payload))
	}

	if len(turn.ToolCalls) == 0 {
		settled, err := r.finishTurn(ctx, logger, task, state, turn)
		if settled || err != nil {
			return nil, err
		}
		return turn, nil
	}

	state.current = append(state.current, llm.Message{
		Role:      "assistant",
		Content:   turn.Content,
		ToolCalls: turn.ToolCalls,
	})
	if turn.Content != "" {
		if err := r.store.AddMessage(ctx, task.ConversationID, "assistant", turn.Content, "", "", tokenutil.CountTokens(turn.Content)); err != nil {
			return nil, fmt.Errorf("persist assistant message: %w", err)
		}
	}

	if err := r.executeCalls(taskCtx, ctx, logger, task, env, state, turn.ToolCalls); err != nil {
		if errors.Is(err, errTaskSettled) {
			return nil, nil
		}
		return nil, err
	}
	return turn, nil
}

func (r *Runner) assemble(ctx context.Context, task *store.Task, state *taskState, baselineID int64, persona string) (*prompt.Result, error) {
	history, err := r.loadHistory(ctx, task, baselineID)
	if err != nil {
		return nil, err
	}
	in := prompt.Input{
		Persona:         persona,
		Model:           task.Model,
		History:         history,
		Current:         state.current,
		MaxOutputTokens: r.config.Agent.MaxOutputTokens,
	}
	res, err := r.assembler.Assemble(in)
	if err == nil {
		if res.DroppedMessages > 0 && res.OldestKeptID > 0 {
			// Assembly itself never mutates; the archive happens here,
			// strictly before the dropped boundary.
			if aErr := r.store.ArchiveMessages(ctx, task.ConversationID, res.OldestKeptID-1); aErr != nil {
				return nil, fmt.Errorf("archive dropped history: %w", aErr)
			}
		}
		return res, nil
	}
	if errors.Is(err, prompt.ErrContextOverflow) {
		recovered, rErr := r.recoverOverflow(ctx, slog.Default(), task, state, baselineID)
		if rErr != nil {
			return nil, rErr
		}
		if recovered {
			history, hErr := r.loadHistory(ctx, task, baselineID)
			if hErr != nil {
				return nil, hErr
			}
			in.History = history
			if res, err = r.assembler.Assemble(in); err == nil {
				return res, nil
			}
		}
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	return nil, fmt.Errorf("assemble context: %w", err)
}

func (r *Runner) loadHistory(ctx context.Context, task *store.Task, baselineID int64) ([]prompt.HistoryMessage, error) {
	msgs, err := r.store.ListMessages(ctx, task.ConversationID, 0)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]prompt.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID > baselineID || m.Role == "system" {
			continue
		}
		out = append(out, prompt.HistoryMessage{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Tokens:     m.Tokens,
		})
	}
	return out, nil
}

// recoverOverflow archives the older half of the reusable history. One
// attempt per task; a second overflow is terminal.
func (r *Runner) recoverOverflow(ctx context.Context, logger *slog.Logger, task *store.Task, state *taskState, baselineID int64) (bool, error) {
	if state.overflowTry {
		return false, nil
	}
	state.overflowTry = true

	history, err := r.loadHistory(ctx, task, baselineID)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}
	mid := history[len(history)/2].ID
	if err := r.store.ArchiveMessages(ctx, task.ConversationID, mid); err != nil {
		return false, fmt.Errorf("archive for overflow recovery: %w", err)
	}
	_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
		errPayload("context_overflow", fmt.Sprintf("context window overflow, archived history up to message %d and retrying", mid)))
	logger.Warn("context overflow, archived older history", "through_message", mid)
	return true, nil
}

// streamTurn relays model deltas into the durable event log as they
// arrive. An append failure aborts the stream: an event that cannot be
// persisted must not be observed.
func (r *Runner) streamTurn(ctx context.Context, task *store.Task, req llm.Request) (*llm.Turn, error) {
	started := time.Now()
	ctx, span := otelpkg.StartClientSpan(ctx, r.config.Tracer, "llm.stream",
		otelpkg.AttrModel.String(req.Model),
	)
	defer func() {
		r.config.Metrics.LLMCallDuration.Record(context.Background(), time.Since(started).Seconds())
		span.End()
	}()
	return r.client.StreamTurn(ctx, req, func(ev llm.Event) error {
		switch ev.Kind {
		case llm.EventContent:
			payload, _ := json.Marshal(map[string]string{"text": ev.Text})
			_, err := r.store.AppendEvent(ctx, task.ID, store.EventContentDelta, string(payload))
			return err
		case llm.EventThinking:
			payload, _ := json.Marshal(map[string]string{"text": ev.Text})
			_, err := r.store.AppendEvent(ctx, task.ID, store.EventThinkingDelta, string(payload))
			return err
		}
		return nil
	})
}

// finishTurn handles a turn with no tool calls. Returns settled=true
// when the task reached a terminal state.
func (r *Runner) finishTurn(ctx context.Context, logger *slog.Logger, task *store.Task, state *taskState, turn *llm.Turn) (bool, error) {
	content := strings.TrimSpace(turn.Content)

	if content == "" {
		if state.guardRetries >= 2 {
			return true, errors.New("model produced no content in its final turn")
		}
		state.guardRetries++
		state.toolChoice = ""
		_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
			errPayload("empty_response", "model returned an empty turn, asking it to answer"))
		r.injectCorrection(ctx, task, state,
			"Your last reply was empty. Provide your final answer, or call a tool if you still need information.")
		return false, nil
	}

	if r.config.Agent.FabricationGuard && state.commandsRun == 0 && claimsExecution(content) {
		if state.guardRetries < 2 {
			state.guardRetries++
			state.toolChoice = "required"
			_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
				errPayload("fabrication_suspected", "response describes command output but no command was executed this task"))
			logger.Warn("fabrication guard triggered", "round", task.Round)
			r.injectCorrection(ctx, task, state,
				"You described the result of running a command, but no command was executed in this task. Run the command with the run_command tool, or rewrite your answer without claiming you executed anything.")
			return false, nil
		}
		// Advisory only past the retry budget: deliver the answer but
		// leave the warning in the event log.
		_, _ = r.store.AppendEvent(ctx, task.ID, store.EventError,
			errPayload("fabrication_suspected", "response still describes unexecuted command output, delivering as-is"))
	}

	if err := r.store.AddMessage(ctx, task.ConversationID, "assistant", content, "", "", tokenutil.CountTokens(content)); err != nil {
		return true, fmt.Errorf("persist final answer: %w", err)
	}
	if err := r.store.CompleteTask(ctx, task.ID, content); err != nil {
		return true, fmt.Errorf("settle completion: %w", err)
	}
	logger.Info("task completed", "rounds", task.Round, "answer_bytes", len(content))
	return true, nil
}

func (r *Runner) injectCorrection(ctx context.Context, task *store.Task, state *taskState, text string) {
	state.current = append(state.current, llm.Message{Role: "user", Content: text})
	if err := r.store.AddMessage(ctx, task.ConversationID, "user", text, "", "", tokenutil.CountTokens(text)); err != nil {
		slog.Error("persist correction", "task_id", task.ID, "error", err)
	}
}

func errPayload(kind, message string) string {
	payload, _ := json.Marshal(map[string]string{"kind": kind, "message": message})
	return string(payload)
}

func errorKind(err error) string {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return strings.ToLower(string(llm.Classify(err)))
	}
	return "internal"
}
