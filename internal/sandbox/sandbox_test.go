package sandbox_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/macaulishchina/AI-Studio/internal/config"
	"github.com/macaulishchina/AI-Studio/internal/permission"
	"github.com/macaulishchina/AI-Studio/internal/sandbox"
)

func newExecutor(t *testing.T) (*sandbox.Executor, sandbox.Env) {
	t.Helper()
	registry, err := sandbox.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	exec := sandbox.NewExecutor(registry, config.SandboxConfig{
		CommandTimeoutSeconds: 10,
		CommandOutputLimit:    8000,
		MaxFileReadLines:      200,
		MaxSearchResults:      30,
		MaxTreeDepth:          4,
	})
	env := sandbox.Env{
		ProjectID:     "proj-1",
		WorkspaceRoot: t.TempDir(),
		Perms:         permission.NewLivePolicy(permission.Default(), ""),
	}
	return exec, env
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func call(name, args string) sandbox.Call {
	return sandbox.Call{ID: "call-1", Name: name, Arguments: args}
}

func TestExecute_PathEscapeRejected(t *testing.T) {
	exec, env := newExecutor(t)

	for _, path := range []string{"../outside.txt", "a/../../etc/passwd"} {
		res := exec.Execute(context.Background(), env, call("read_file", fmt.Sprintf(`{"path":%q}`, path)))
		if !errors.Is(res.Err, sandbox.ErrPathEscape) {
			t.Errorf("path %q: err = %v, want ErrPathEscape", path, res.Err)
		}
	}
}

func TestExecute_SymlinkTargetValidated(t *testing.T) {
	exec, env := newExecutor(t)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "secret.txt"), filepath.Join(env.WorkspaceRoot, "link.txt")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	res := exec.Execute(context.Background(), env, call("read_file", `{"path":"link.txt"}`))
	if !errors.Is(res.Err, sandbox.ErrPathEscape) {
		t.Fatalf("err = %v, want ErrPathEscape for symlink out of the workspace", res.Err)
	}
}

func TestExecute_SensitiveFilesForbidden(t *testing.T) {
	exec, env := newExecutor(t)
	writeFile(t, env.WorkspaceRoot, ".env", "API_KEY=x")
	writeFile(t, env.WorkspaceRoot, "certs/server.pem", "---")
	writeFile(t, env.WorkspaceRoot, "package.json", "{}")

	for _, path := range []string{".env", "certs/server.pem"} {
		res := exec.Execute(context.Background(), env, call("read_file", fmt.Sprintf(`{"path":%q}`, path)))
		if !errors.Is(res.Err, sandbox.ErrForbidden) {
			t.Errorf("path %q: err = %v, want ErrForbidden", path, res.Err)
		}
	}

	res := exec.Execute(context.Background(), env, call("read_file", `{"path":"package.json"}`))
	if res.Err != nil {
		t.Errorf("package.json is allowlisted, got %v", res.Err)
	}
}

func TestExecute_ReadFileLineRange(t *testing.T) {
	exec, env := newExecutor(t)
	var lines []string
	for i := 1; i <= 300; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	writeFile(t, env.WorkspaceRoot, "big.txt", strings.Join(lines, "\n"))

	res := exec.Execute(context.Background(), env, call("read_file", `{"path":"big.txt"}`))
	if res.Err != nil {
		t.Fatalf("read_file: %v", res.Err)
	}
	if !strings.Contains(res.Output, "lines 1-200 of 300") {
		t.Errorf("default read must cap at 200 lines, got header %q", firstLine(res.Output))
	}
	if !strings.Contains(res.Output, "truncated") {
		t.Error("truncation hint missing")
	}

	res = exec.Execute(context.Background(), env, call("read_file", `{"path":"big.txt","start_line":250,"end_line":252}`))
	if res.Err != nil {
		t.Fatalf("ranged read: %v", res.Err)
	}
	if !strings.Contains(res.Output, "line 250") || strings.Contains(res.Output, "line 253") {
		t.Errorf("range not honored:\n%s", res.Output)
	}
}

func TestExecute_ReadFileNotFound(t *testing.T) {
	exec, env := newExecutor(t)
	res := exec.Execute(context.Background(), env, call("read_file", `{"path":"missing.go"}`))
	if !errors.Is(res.Err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", res.Err)
	}
}

func TestExecute_PermissionDeniedBeforeExecution(t *testing.T) {
	exec, env := newExecutor(t)
	writeFile(t, env.WorkspaceRoot, "main.go", "package main")

	policy := permission.NewLivePolicy(permission.Policy{Allowed: []string{"search"}}, "")
	env.Perms = policy

	res := exec.Execute(context.Background(), env, call("read_file", `{"path":"main.go"}`))
	if !errors.Is(res.Err, sandbox.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", res.Err)
	}
}

func TestExecute_InvalidArgumentsRejected(t *testing.T) {
	exec, env := newExecutor(t)

	tests := []struct {
		name string
		args string
	}{
		{"read_file", `{}`},
		{"read_file", `{"path":42}`},
		{"search_text", `{"is_regex":true}`},
		{"ask_user", `{"questions":[]}`},
	}
	for _, tt := range tests {
		res := exec.Execute(context.Background(), env, call(tt.name, tt.args))
		if res.Err == nil {
			t.Errorf("%s with args %s should fail validation", tt.name, tt.args)
		}
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	exec, env := newExecutor(t)
	res := exec.Execute(context.Background(), env, call("write_file", `{"path":"a"}`))
	if !errors.Is(res.Err, sandbox.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", res.Err)
	}
}

func TestExecute_SearchText(t *testing.T) {
	exec, env := newExecutor(t)
	writeFile(t, env.WorkspaceRoot, "a.go", "package main\nfunc handleTask() {}\n")
	writeFile(t, env.WorkspaceRoot, "b.py", "def handle_task():\n    pass\n")
	writeFile(t, env.WorkspaceRoot, "node_modules/c.go", "func handleTask() {}\n")

	res := exec.Execute(context.Background(), env, call("search_text", `{"query":"handleTask","include_pattern":"*.go"}`))
	if res.Err != nil {
		t.Fatalf("search_text: %v", res.Err)
	}
	if !strings.Contains(res.Output, "a.go:2") {
		t.Errorf("missing match with file:line, got:\n%s", res.Output)
	}
	if strings.Contains(res.Output, "node_modules") {
		t.Error("skip dirs must be pruned from search")
	}
	if strings.Contains(res.Output, "b.py") {
		t.Error("include_pattern not applied")
	}
}

func TestExecute_FileTreeSkipsNoise(t *testing.T) {
	exec, env := newExecutor(t)
	writeFile(t, env.WorkspaceRoot, "cmd/server/main.go", "package main")
	writeFile(t, env.WorkspaceRoot, "node_modules/x/y.js", "x")

	res := exec.Execute(context.Background(), env, call("file_tree", `{}`))
	if res.Err != nil {
		t.Fatalf("file_tree: %v", res.Err)
	}
	if !strings.Contains(res.Output, "cmd/") || !strings.Contains(res.Output, "main.go") {
		t.Errorf("tree missing entries:\n%s", res.Output)
	}
	if strings.Contains(res.Output, "node_modules") {
		t.Error("node_modules must be pruned")
	}
}

func TestExecute_AskUserSuspends(t *testing.T) {
	exec, env := newExecutor(t)
	res := exec.Execute(context.Background(), env, call("ask_user", `{"questions":["Which database?","Which region?"]}`))
	if res.Err != nil {
		t.Fatalf("ask_user: %v", res.Err)
	}
	if len(res.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(res.Questions))
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
