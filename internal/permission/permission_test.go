package permission_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/macaulishchina/AI-Studio/internal/permission"
)

func TestLoad_DefaultWhenMissing(t *testing.T) {
	p, err := permission.Load(filepath.Join(t.TempDir(), "missing-permissions.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if p.Allow("proj", permission.CapExecute) {
		t.Fatalf("default policy must deny execute_command")
	}
	for _, c := range []permission.Capability{
		permission.CapAskUser,
		permission.CapReadSource,
		permission.CapReadConfig,
		permission.CapSearch,
		permission.CapTree,
		permission.CapExecuteReadonly,
	} {
		if !p.Allow("proj", c) {
			t.Fatalf("default policy must allow %s", c)
		}
	}
}

func TestLoad_UnknownCapabilityRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.yaml")
	if err := os.WriteFile(path, []byte("allowed:\n  - search\n  - launch_missiles\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := permission.Load(path); err == nil {
		t.Fatalf("expected unknown capability to be rejected")
	}
}

func TestAllow_ProjectDenyBeatsDefault(t *testing.T) {
	p := permission.Policy{
		Allowed: []string{"search", "tree", "read_source"},
		Projects: map[string]permission.ProjectRule{
			"locked": {Deny: []string{"search"}},
			"open":   {Allow: []string{"execute_command"}},
		},
	}
	if p.Allow("locked", permission.CapSearch) {
		t.Fatalf("project deny must override default allow")
	}
	if !p.Allow("locked", permission.CapTree) {
		t.Fatalf("non-denied default capability must remain allowed")
	}
	if !p.Allow("open", permission.CapExecute) {
		t.Fatalf("project allow must grant beyond default set")
	}
	if p.Allow("other", permission.CapExecute) {
		t.Fatalf("project grant must not leak to other projects")
	}
}

func TestAllow_UnknownCapabilityDenied(t *testing.T) {
	p := permission.Default()
	if p.Allow("proj", "nonsense") {
		t.Fatalf("unknown capability must be denied")
	}
	if p.Allow("proj", "") {
		t.Fatalf("empty capability must be denied")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.yaml")

	if err := os.WriteFile(path, []byte("allowed:\n  - search\n  - execute_command\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}
	initial, err := permission.Load(path)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}
	live := permission.NewLivePolicy(initial, path)

	if !live.Allow("proj", permission.CapExecute) {
		t.Fatalf("expected initial capability")
	}

	if err := os.WriteFile(path, []byte("allowed:\n  - search\n  - bogus\n"), 0o644); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}
	if err := permission.ReloadFromFile(live, path); err == nil {
		t.Fatalf("expected reload error for invalid capability")
	}

	// Previous valid snapshot must remain active (fail-closed on invalid reload).
	if !live.Allow("proj", permission.CapExecute) {
		t.Fatalf("expected prior policy to remain active after invalid reload")
	}
}

func TestVersion_ChangesWithPolicy(t *testing.T) {
	a := permission.Policy{Allowed: []string{"search"}}
	b := permission.Policy{Allowed: []string{"search", "tree"}}
	if a.Version() == b.Version() {
		t.Fatalf("expected distinct versions for distinct policies")
	}
	if a.Version() != a.Version() {
		t.Fatalf("expected stable version hash")
	}
}

func TestGrantRevoke_Persist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.yaml")
	live := permission.NewLivePolicy(permission.Default(), path)

	if err := live.Grant(permission.CapExecute); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !live.Allow("proj", permission.CapExecute) {
		t.Fatalf("expected granted capability to be allowed")
	}

	reloaded, err := permission.Load(path)
	if err != nil {
		t.Fatalf("load persisted policy: %v", err)
	}
	if !reloaded.Allow("proj", permission.CapExecute) {
		t.Fatalf("expected persisted grant to survive reload")
	}

	if err := live.Revoke(permission.CapExecute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if live.Allow("proj", permission.CapExecute) {
		t.Fatalf("expected revoked capability to be denied")
	}
}

func TestGrant_UnknownRejected(t *testing.T) {
	live := permission.NewLivePolicy(permission.Default(), "")
	if err := live.Grant("made_up"); err == nil {
		t.Fatalf("expected grant of unknown capability to fail")
	}
}
