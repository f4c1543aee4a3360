package providerconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return path
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	reg, tasks, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := reg.Get("anything"); ok {
		t.Error("expected an empty registry for a missing file")
	}
	if len(tasks) != 0 {
		t.Errorf("expected no task providers, got %v", tasks)
	}
}

func TestLoad_RegistersScriptProvider(t *testing.T) {
	path := writeTOML(t, `
[[providers]]
name = "git-worktree"
path = "/usr/local/bin/worktree-provider"
`)

	reg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := reg.Get("git-worktree"); !ok {
		t.Error("expected git-worktree to be registered")
	}
}

func TestLoad_UnknownRunBackendErrors(t *testing.T) {
	path := writeTOML(t, `
[[providers]]
name = "bad"
path = "/bin/true"
run_backend = "vm"
`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for an unknown run_backend")
	}
}

func TestLoad_EntryMissingPathErrors(t *testing.T) {
	path := writeTOML(t, `
[[providers]]
name = "incomplete"
`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for an entry missing path")
	}
}

func TestLoad_TaskProviders(t *testing.T) {
	path := writeTOML(t, `
[[task_providers]]
name = "claude-code"
command = "claude"
args = ["-p", "{task_description}"]
`)

	_, tasks, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cmd, ok := tasks["claude-code"]
	if !ok {
		t.Fatal("expected claude-code task provider to be loaded")
	}
	if cmd.Command != "claude" {
		t.Errorf("expected command %q, got %q", "claude", cmd.Command)
	}
	got := cmd.ResolveArgs("fix the flaky test")
	want := []string{"-p", "fix the flaky test"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected resolved args %v, got %v", want, got)
	}
}

func TestLoad_TaskProviderMissingCommandErrors(t *testing.T) {
	path := writeTOML(t, `
[[task_providers]]
name = "incomplete"
`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for a task provider entry missing command")
	}
}

func TestTaskCommand_ResolveArgsLeavesOtherArgsUntouched(t *testing.T) {
	cmd := TaskCommand{Command: "claude", Args: []string{"--yolo", "{task_description}", "--format=json"}}
	got := cmd.ResolveArgs("write tests")
	want := []string{"--yolo", "write tests", "--format=json"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}
