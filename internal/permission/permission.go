// Package permission decides which tool capabilities a task may exercise.
// Policies load from yaml, hot-reload at runtime, and carry a stable
// version hash so audit records can name the policy they were checked
// against.
package permission

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Capability names one permission a tool can require.
type Capability string

const (
	CapAskUser         Capability = "ask_user"
	CapReadSource      Capability = "read_source"
	CapReadConfig      Capability = "read_config"
	CapSearch          Capability = "search"
	CapTree            Capability = "tree"
	CapExecuteReadonly Capability = "execute_readonly_command"
	CapExecute         Capability = "execute_command"
)

var knownCapabilities = map[Capability]struct{}{
	CapAskUser:         {},
	CapReadSource:      {},
	CapReadConfig:      {},
	CapSearch:          {},
	CapTree:            {},
	CapExecuteReadonly: {},
	CapExecute:         {},
}

// Checker is the interface the tool executor consults before running
// anything on a task's behalf.
type Checker interface {
	Allow(projectID string, capability Capability) bool
	Version() string
}

// ProjectRule overrides the default capability set for one project.
type ProjectRule struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Policy is the serializable policy data.
type Policy struct {
	// Allowed is the default capability set. Empty means Default().
	Allowed []string `yaml:"allowed"`

	// Projects overrides Allowed per project id.
	Projects map[string]ProjectRule `yaml:"projects"`
}

// Default grants every capability except execute_command, which always
// requires explicit opt-in.
func Default() Policy {
	var caps []string
	for c := range knownCapabilities {
		if c == CapExecute {
			continue
		}
		caps = append(caps, string(c))
	}
	sort.Strings(caps)
	return Policy{Allowed: caps}
}

// Load reads a policy file. A missing or empty file yields Default().
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if len(p.Allowed) == 0 {
		p.Allowed = Default().Allowed
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	check := func(names []string) error {
		for _, name := range names {
			capability := Capability(strings.ToLower(strings.TrimSpace(name)))
			if capability == "" {
				continue
			}
			if _, ok := knownCapabilities[capability]; !ok {
				return fmt.Errorf("unknown capability %q", name)
			}
		}
		return nil
	}
	if err := check(p.Allowed); err != nil {
		return err
	}
	for project, rule := range p.Projects {
		if err := check(rule.Allow); err != nil {
			return fmt.Errorf("project %q: %w", project, err)
		}
		if err := check(rule.Deny); err != nil {
			return fmt.Errorf("project %q: %w", project, err)
		}
	}
	return nil
}

// Allow reports whether capability is granted for the project. Project
// deny rules beat project allow rules, which beat the default set.
func (p Policy) Allow(projectID string, capability Capability) bool {
	capability = Capability(strings.ToLower(strings.TrimSpace(string(capability))))
	if capability == "" {
		return false
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return false
	}
	if rule, ok := p.Projects[projectID]; ok {
		if containsNormalized(rule.Deny, string(capability)) {
			return false
		}
		if containsNormalized(rule.Allow, string(capability)) {
			return true
		}
	}
	return containsNormalized(p.Allowed, string(capability))
}

// Version returns a stable hash of the policy contents.
func (p Policy) Version() string {
	h := fnv.New64a()
	for _, v := range p.Allowed {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	projects := make([]string, 0, len(p.Projects))
	for id := range p.Projects {
		projects = append(projects, id)
	}
	sort.Strings(projects)
	for _, id := range projects {
		rule := p.Projects[id]
		_, _ = h.Write([]byte("project=" + id + "|"))
		for _, v := range rule.Allow {
			_, _ = h.Write([]byte("+" + strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
		for _, v := range rule.Deny {
			_, _ = h.Write([]byte("-" + strings.ToLower(strings.TrimSpace(v)) + "|"))
		}
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func containsNormalized(slice []string, val string) bool {
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == val {
			return true
		}
	}
	return false
}

// LivePolicy wraps a Policy with thread-safe mutation and persistence.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
// If path is non-empty, mutations are persisted to that file.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

// Allow is the thread-safe capability check used at runtime.
func (lp *LivePolicy) Allow(projectID string, capability Capability) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Allow(projectID, capability)
}

func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Version()
}

// Grant adds a capability to the default set at runtime and persists.
func (lp *LivePolicy) Grant(capability Capability) error {
	capability = Capability(strings.ToLower(strings.TrimSpace(string(capability))))
	if capability == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("unknown capability %q", capability)
	}

	lp.mu.Lock()
	defer lp.mu.Unlock()

	if containsNormalized(lp.data.Allowed, string(capability)) {
		return nil
	}
	lp.data.Allowed = append(lp.data.Allowed, string(capability))
	return lp.persist()
}

// Revoke removes a capability from the default set at runtime and persists.
func (lp *LivePolicy) Revoke(capability Capability) error {
	capability = Capability(strings.ToLower(strings.TrimSpace(string(capability))))

	lp.mu.Lock()
	defer lp.mu.Unlock()

	kept := lp.data.Allowed[:0]
	removed := false
	for _, v := range lp.data.Allowed {
		if strings.ToLower(strings.TrimSpace(v)) == string(capability) {
			removed = true
			continue
		}
		kept = append(kept, v)
	}
	lp.data.Allowed = kept
	if !removed {
		return nil
	}
	return lp.persist()
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.Allowed = append([]string(nil), lp.data.Allowed...)
	if lp.data.Projects != nil {
		cp.Projects = make(map[string]ProjectRule, len(lp.data.Projects))
		for id, rule := range lp.data.Projects {
			cp.Projects[id] = ProjectRule{
				Allow: append([]string(nil), rule.Allow...),
				Deny:  append([]string(nil), rule.Deny...),
			}
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file
// parses and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}
