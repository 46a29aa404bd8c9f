package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/macaulishchina/AI-Studio/internal/permission"
)

func builtinTools() []*ToolDef {
	return []*ToolDef{
		{
			Name: "read_file",
			Description: "Read a file from the project. Supports start_line/end_line to jump " +
				"to a region located with search_text; at most 200 lines per call.",
			Capability: permission.CapReadSource,
			Timeout:    10 * time.Second,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "path relative to the project root"},
					"start_line": {"type": "integer", "minimum": 1, "description": "first line to return (1-based)"},
					"end_line": {"type": "integer", "minimum": 1, "description": "last line to return (inclusive)"}
				},
				"required": ["path"]
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				return e.readFile(env, stringArg(args, "path"), intArg(args, "start_line"), intArg(args, "end_line"))
			},
		},
		{
			Name: "search_text",
			Description: "Search project files for text or a regular expression. Returns " +
				"file:line matches with context. Use include_pattern (e.g. '*.go') to narrow the scope.",
			Capability: permission.CapSearch,
			Timeout:    10 * time.Second,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "text or regular expression to find"},
					"is_regex": {"type": "boolean", "description": "treat query as a regular expression"},
					"include_pattern": {"type": "string", "description": "filename glob filter such as '*.go'"}
				},
				"required": ["query"]
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				return e.searchText(ctx, env, stringArg(args, "query"), boolArg(args, "is_regex"), stringArg(args, "include_pattern"))
			},
		},
		{
			Name:        "list_directory",
			Description: "List the files and subdirectories of one directory.",
			Capability:  permission.CapTree,
			Timeout:     10 * time.Second,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "directory relative to the project root; empty for the root"}
				}
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				return e.listDirectory(env, stringArg(args, "path"))
			},
		},
		{
			Name:        "file_tree",
			Description: "Show a bounded-depth tree of the project structure.",
			Capability:  permission.CapTree,
			Timeout:     10 * time.Second,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "subtree root relative to the project; empty for the root"},
					"max_depth": {"type": "integer", "minimum": 1, "description": "levels to descend, capped by the server"}
				}
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				return e.fileTree(env, stringArg(args, "path"), intArg(args, "max_depth"))
			},
		},
		{
			Name: "run_command",
			Description: "Run a shell command in the project workspace. Read-only commands " +
				"(git log, ls, grep, ...) run directly; anything else needs user approval first.",
			Capability: permission.CapExecuteReadonly,
			Timeout:    2 * time.Minute,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "the shell command to execute"}
				},
				"required": ["command"]
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				return e.runCommand(ctx, env, stringArg(args, "command"))
			},
		},
		{
			Name: "ask_user",
			Description: "Ask the user one or more clarifying questions and wait for the " +
				"answer. Do not assume answers; use this whenever requirements are ambiguous.",
			Capability: permission.CapAskUser,
			Timeout:    10 * time.Second,
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"questions": {
						"type": "array",
						"items": {"type": "string"},
						"minItems": 1,
						"description": "the questions to show the user"
					}
				},
				"required": ["questions"]
			}`),
			run: func(ctx context.Context, e *Executor, env Env, args map[string]any) Result {
				questions := stringSliceArg(args, "questions")
				if len(questions) == 0 {
					return Result{Err: fmt.Errorf("ask_user needs at least one question")}
				}
				return Result{
					Output:    fmt.Sprintf("presented %d question(s) to the user, waiting for the answer", len(questions)),
					Questions: questions,
				}
			},
		},
	}
}

// Argument accessors. Validation already ran; these only convert types,
// tolerating the json.Number values the schema validator works with.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
