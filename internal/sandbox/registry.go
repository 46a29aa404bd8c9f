package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/macaulishchina/AI-Studio/internal/llm"
	"github.com/macaulishchina/AI-Studio/internal/permission"
)

// ToolDef is one registered tool: its schema, the capability it
// requires, and its handler.
type ToolDef struct {
	Name        string
	Description string
	Capability  permission.Capability
	Parameters  json.RawMessage
	Timeout     time.Duration

	schema *jsonschema.Schema
	run    func(ctx context.Context, e *Executor, env Env, args map[string]any) Result
}

// validateArgs parses and schema-checks a raw argument payload.
func (d *ToolDef) validateArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	if d.schema != nil {
		if err := d.schema.Validate(parsed); err != nil {
			return nil, err
		}
	}
	args, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return args, nil
}

// Registry holds the built-in tools.
type Registry struct {
	defs  []*ToolDef
	index map[string]*ToolDef
}

// NewRegistry builds the registry, compiling every tool's parameter
// schema. A schema that fails to compile is a programming error.
func NewRegistry() (*Registry, error) {
	r := &Registry{index: make(map[string]*ToolDef)}
	for _, def := range builtinTools() {
		if len(def.Parameters) > 0 {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(def.Parameters)))
			if err != nil {
				return nil, fmt.Errorf("tool %s: unmarshal schema: %w", def.Name, err)
			}
			c := jsonschema.NewCompiler()
			if err := c.AddResource("schema.json", doc); err != nil {
				return nil, fmt.Errorf("tool %s: add schema resource: %w", def.Name, err)
			}
			schema, err := c.Compile("schema.json")
			if err != nil {
				return nil, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
			}
			def.schema = schema
		}
		r.defs = append(r.defs, def)
		r.index[def.Name] = def
	}
	return r, nil
}

func (r *Registry) lookup(name string) (*ToolDef, bool) {
	d, ok := r.index[name]
	return d, ok
}

func (r *Registry) capabilityFor(name string) permission.Capability {
	if d, ok := r.index[name]; ok {
		return d.Capability
	}
	return ""
}

// Schemas returns the tool schemas the model may be offered: tools
// whose capability the project lacks are filtered out entirely, so the
// model never sees what it cannot call.
func (r *Registry) Schemas(perms permission.Checker, projectID string) []llm.ToolSchema {
	out := make([]llm.ToolSchema, 0, len(r.defs))
	for _, d := range r.defs {
		if !perms.Allow(projectID, d.Capability) {
			continue
		}
		out = append(out, llm.ToolSchema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}

// argsDigest is a short stable fingerprint of the raw arguments for
// audit records; the full text may hold secrets.
func argsDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("args-%x", sum[:8])
}
