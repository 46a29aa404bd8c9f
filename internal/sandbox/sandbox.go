// Package sandbox executes single tool calls inside a workspace jail.
// Every call is permission-checked, argument-validated, bounded by a
// timeout, and audited; tool failures become structured results, never
// panics up the stack.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/audit"
	"github.com/macaulishchina/AI-Studio/internal/config"
	"github.com/macaulishchina/AI-Studio/internal/permission"
)

var (
	// ErrPathEscape means a path argument resolves outside the workspace.
	ErrPathEscape = errors.New("path escapes workspace")
	// ErrForbidden means the target is on the sensitive-file denylist.
	ErrForbidden = errors.New("access to sensitive file denied")
	// ErrPermissionDenied means the task's capability set lacks the
	// capability the tool requires.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound means the tool or the target file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTimeout means the tool exceeded its execution deadline.
	ErrTimeout = errors.New("tool timed out")
)

// Env scopes one execution to a task's project and workspace.
type Env struct {
	ProjectID     string
	WorkspaceRoot string
	Perms         permission.Checker
}

// Call is one tool invocation request.
type Call struct {
	ID        string
	Name      string
	Arguments string // raw JSON object
}

// Result is the structured outcome of one call. Err carries the
// sandbox taxonomy; the agent loop renders it as a tool error message.
type Result struct {
	Output   string
	Err      error
	Duration time.Duration

	// ApprovalCommand is set when the call is a non-readonly command
	// that needs out-of-band approval before it may run.
	ApprovalCommand string

	// Questions is set for ask_user; the loop suspends until answered.
	Questions []string
}

// Executor runs registered tools under the configured limits.
type Executor struct {
	registry *Registry
	limits   config.SandboxConfig
}

func NewExecutor(registry *Registry, limits config.SandboxConfig) *Executor {
	return &Executor{registry: registry, limits: limits}
}

// Registry exposes the tool registry for schema listing.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call. Permission is checked before anything
// touches arguments; all failures come back inside the Result.
func (e *Executor) Execute(ctx context.Context, env Env, call Call) Result {
	start := time.Now()
	res := e.execute(ctx, env, call)
	res.Duration = time.Since(start)

	outcome := "ok"
	if res.Err != nil {
		outcome = res.Err.Error()
	} else if res.ApprovalCommand != "" {
		outcome = "approval_required"
	}
	audit.Record(ctx, decisionFor(res.Err), string(e.registry.capabilityFor(call.Name)),
		outcome, env.Perms.Version(), call.Name+" "+argsDigest(call.Arguments))
	return res
}

func decisionFor(err error) string {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrPathEscape) {
		return "deny"
	}
	return "allow"
}

func (e *Executor) execute(ctx context.Context, env Env, call Call) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			res = Result{Err: fmt.Errorf("tool %s crashed: %v", call.Name, r)}
		}
	}()

	def, ok := e.registry.lookup(call.Name)
	if !ok {
		return Result{Err: fmt.Errorf("%w: unknown tool %q", ErrNotFound, call.Name)}
	}
	if !env.Perms.Allow(env.ProjectID, def.Capability) {
		return Result{Err: fmt.Errorf("%w: tool %s requires capability %s", ErrPermissionDenied, call.Name, def.Capability)}
	}

	args, err := def.validateArgs(call.Arguments)
	if err != nil {
		return Result{Err: fmt.Errorf("invalid arguments for %s: %w", call.Name, err)}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res = def.run(ctx, e, env, args)
	if res.Err == nil && ctx.Err() == context.DeadlineExceeded {
		res = Result{Err: fmt.Errorf("%w: %s after %s", ErrTimeout, call.Name, timeout)}
	}
	return res
}

// ExecuteApproved runs a previously approved non-readonly command.
// scope is echoed into the result so the transcript records how broad
// the grant was (once, session, project).
func (e *Executor) ExecuteApproved(ctx context.Context, env Env, command, scope string) Result {
	start := time.Now()

	timeout := e.commandTimeout() * 2
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := e.runShell(ctx, env, command, timeout)
	res.Duration = time.Since(start)
	if res.Err == nil && scope != "" {
		res.Output = fmt.Sprintf("approved (%s)\n\n%s", scope, res.Output)
	}

	outcome := "ok"
	if res.Err != nil {
		outcome = res.Err.Error()
	}
	audit.Record(ctx, "allow", string(permission.CapExecute),
		"approved "+scope+": "+outcome, env.Perms.Version(), "run_command "+argsDigest(command))
	return res
}

func (e *Executor) commandTimeout() time.Duration {
	if e.limits.CommandTimeoutSeconds > 0 {
		return time.Duration(e.limits.CommandTimeoutSeconds) * time.Second
	}
	return 60 * time.Second
}
