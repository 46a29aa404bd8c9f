package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/permission"
)

// readonlyCommands maps a command to its permitted subcommands. A nil
// set permits every invocation of that command.
var readonlyCommands = map[string]map[string]struct{}{
	"git": {
		"log": {}, "diff": {}, "show": {}, "status": {}, "branch": {},
		"tag": {}, "describe": {}, "rev-parse": {}, "ls-files": {},
		"blame": {}, "shortlog": {}, "remote": {}, "stash": {},
	},
	"ls": nil, "cat": nil, "head": nil, "tail": nil,
	"find": nil, "grep": nil, "wc": nil, "file": nil,
	"diff": nil, "pwd": nil, "echo": nil, "which": nil,
	"du": nil, "stat": nil, "realpath": nil, "dirname": nil,
	"basename": nil, "env": nil, "uname": nil, "whoami": nil,
	"date": nil, "tree": nil, "sort": nil, "uniq": nil,
	"awk": nil, "sed": nil, "cut": nil, "tr": nil, "xargs": nil,
	"go":     {"version": {}, "env": {}, "list": {}, "vet": {}},
	"python3": {"-c": {}, "--version": {}, "-V": {}},
	"node":    {"-e": {}, "--version": {}, "-v": {}},
	"docker": {
		"ps": {}, "images": {}, "logs": {}, "inspect": {},
		"stats": {}, "top": {}, "version": {}, "info": {},
	},
}

// lethalPatterns block a command outright, approval or not.
var lethalPatterns = []string{
	"rm -rf /", "mkfs", "> /dev/", ":(){ :|:& };:", "shutdown", "reboot",
}

var writeRedirect = regexp.MustCompile(`>{1,2}`)
var pipeToTee = regexp.MustCompile(`\|\s*tee\b`)

// IsReadonlyCommand classifies a shell command as safe to run without
// approval. Write operators fail the whole command and every pipe
// segment must independently pass the allowlist.
func IsReadonlyCommand(command string) bool {
	stripped := strings.TrimSpace(command)
	if stripped == "" {
		return false
	}
	if writeRedirect.MatchString(stripped) {
		return false
	}
	if strings.Contains(stripped, "&&") || strings.Contains(stripped, ";") {
		return false
	}
	if strings.Contains(stripped, "`") || strings.Contains(stripped, "$(") {
		return false
	}
	if pipeToTee.MatchString(stripped) {
		return false
	}

	for _, segment := range strings.Split(stripped, "|") {
		parts := strings.Fields(segment)
		if len(parts) == 0 {
			return false
		}
		cmd := filepath.Base(parts[0])
		subs, known := readonlyCommands[cmd]
		if !known {
			return false
		}
		if subs == nil {
			continue
		}
		if len(parts) < 2 {
			continue
		}
		if _, ok := subs[parts[1]]; !ok {
			return false
		}
	}
	return true
}

func isLethal(command string) (string, bool) {
	for _, pattern := range lethalPatterns {
		if strings.Contains(command, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// runCommand is the run_command tool entry. Read-only commands execute
// immediately; anything else either requests approval (when the project
// is allowed the execute capability at all) or fails closed.
func (e *Executor) runCommand(ctx context.Context, env Env, command string) Result {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{Err: fmt.Errorf("run_command needs a command")}
	}
	if pattern, bad := isLethal(command); bad {
		return Result{Err: fmt.Errorf("%w: command matches blocked pattern %q", ErrForbidden, pattern)}
	}

	if IsReadonlyCommand(command) {
		return e.runShell(ctx, env, command, e.commandTimeout())
	}

	if !env.Perms.Allow(env.ProjectID, permission.CapExecute) {
		return Result{Err: fmt.Errorf("%w: %q is not a read-only command and the project lacks execute_command", ErrPermissionDenied, command)}
	}
	// Approval happens out of band; the loop suspends the task and
	// calls ExecuteApproved once the user decides.
	return Result{ApprovalCommand: command}
}

func (e *Executor) outputLimit() int {
	if e.limits.CommandOutputLimit > 0 {
		return e.limits.CommandOutputLimit
	}
	return 8000
}

func (e *Executor) runShell(ctx context.Context, env Env, command string, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = env.WorkspaceRoot
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Err: fmt.Errorf("%w: command after %s", ErrTimeout, timeout)}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{Err: fmt.Errorf("run command: %w", err)}
		}
	}

	limit := e.outputLimit()
	out := strings.TrimSpace(stdout.String())
	if len(out) > limit {
		out = out[:limit] + fmt.Sprintf("\n... (output truncated at %d bytes)", limit)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "$ %s\n", command)
	if out != "" {
		b.WriteString(out + "\n")
	}
	if errOut := strings.TrimSpace(stderr.String()); errOut != "" {
		if len(errOut) > limit {
			errOut = errOut[:limit]
		}
		fmt.Fprintf(&b, "(stderr) %s\n", errOut)
	}
	if exitCode != 0 {
		fmt.Fprintf(&b, "(exit code %d)\n", exitCode)
	}
	return Result{Output: b.String()}
}
