package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func writeTamperFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestTamperCleanBaseline(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "hmac.key")
	writeTamperFile(t, key, "secret-key-material")

	d := NewTamperDetector([]string{key}, nil, zap.NewNop())
	if violations := d.Check(); len(violations) != 0 {
		t.Fatalf("clean state flagged: %v", violations)
	}
}

func TestTamperDetectsChange(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "hmac.key")
	writeTamperFile(t, key, "secret-key-material")

	d := NewTamperDetector([]string{key}, nil, zap.NewNop())
	writeTamperFile(t, key, "attacker-replaced-key")

	violations := d.Check()
	if len(violations) != 1 || !strings.HasPrefix(violations[0], "changed: ") {
		t.Fatalf("expected change violation, got %v", violations)
	}
}

func TestTamperDetectsVanished(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.json")
	writeTamperFile(t, policy, "{}")

	d := NewTamperDetector([]string{policy}, nil, zap.NewNop())
	os.Remove(policy)

	violations := d.Check()
	if len(violations) != 1 || !strings.HasPrefix(violations[0], "vanished: ") {
		t.Fatalf("expected vanished violation, got %v", violations)
	}
}

func TestTamperDetectsNewPromptFile(t *testing.T) {
	prompts := t.TempDir()
	writeTamperFile(t, filepath.Join(prompts, "default.txt"), "persona")

	d := NewTamperDetector(nil, []string{prompts}, zap.NewNop())
	writeTamperFile(t, filepath.Join(prompts, "users", "+1555.txt"), "injected persona")

	violations := d.Check()
	if len(violations) != 1 || !strings.HasPrefix(violations[0], "new: ") {
		t.Fatalf("expected new-file violation, got %v", violations)
	}
}

func TestTamperMissingFileStaysMissing(t *testing.T) {
	dir := t.TempDir()
	never := filepath.Join(dir, "never-created.key")

	d := NewTamperDetector([]string{never}, nil, zap.NewNop())
	if violations := d.Check(); len(violations) != 0 {
		t.Fatalf("a file missing at baseline and still missing is not tamper: %v", violations)
	}

	// But appearing later is.
	writeTamperFile(t, never, "surprise")
	violations := d.Check()
	if len(violations) != 1 || !strings.HasPrefix(violations[0], "appeared: ") {
		t.Fatalf("expected appeared violation, got %v", violations)
	}
}
