package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "# comment\nFOO_FROM_DOTENV=file-value\nPRESET_VAR=file-value\n\nMALFORMED LINE\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("PRESET_VAR", "env-value")
	t.Setenv("FOO_FROM_DOTENV", "")
	os.Unsetenv("FOO_FROM_DOTENV")
	t.Cleanup(func() { os.Unsetenv("FOO_FROM_DOTENV") })

	loadDotEnv(envPath)

	if got := os.Getenv("FOO_FROM_DOTENV"); got != "file-value" {
		t.Fatalf("expected FOO_FROM_DOTENV=file-value, got %q", got)
	}
	if got := os.Getenv("PRESET_VAR"); got != "env-value" {
		t.Fatalf("expected environment to win over .env, got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsSilent(t *testing.T) {
	loadDotEnv(filepath.Join(t.TempDir(), "nope.env"))
}

func TestLoadAuthToken_GeneratesOnce(t *testing.T) {
	dir := t.TempDir()

	first, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if strings.TrimSpace(first) == "" {
		t.Fatal("expected a generated token")
	}

	second, err := loadAuthToken(dir)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Fatalf("expected the persisted token to be reused, got %q then %q", first, second)
	}

	info, err := os.Stat(filepath.Join(dir, "auth.token"))
	if err != nil {
		t.Fatalf("stat token file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 token file, got %v", info.Mode().Perm())
	}
}

func TestIsAddrInUse(t *testing.T) {
	if !isAddrInUse(errors.New("listen tcp 127.0.0.1:18890: bind: address already in use")) {
		t.Fatal("expected address-in-use detection from message")
	}
	if isAddrInUse(errors.New("connection refused")) {
		t.Fatal("unexpected address-in-use match")
	}
}

func TestPortOccupantHint(t *testing.T) {
	hint := portOccupantHint("127.0.0.1:18890")
	if !strings.Contains(hint, "18890") {
		t.Fatalf("expected hint to name the port, got %q", hint)
	}
	if hint := portOccupantHint("not-an-addr"); !strings.Contains(hint, "not-an-addr") {
		t.Fatalf("expected fallback hint to echo the address, got %q", hint)
	}
}
