package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	configPath := writeMinimalDoctorConfig(t)

	code := runDoctorCommand(context.Background(), configPath, nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	configPath := writeMinimalDoctorConfig(t)

	code := runDoctorCommand(context.Background(), configPath, []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
}

func TestRunDoctorCommand_DoubleJSON(t *testing.T) {
	configPath := writeMinimalDoctorConfig(t)

	code := runDoctorCommand(context.Background(), configPath, []string{"--json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for --json", code)
	}
}

func TestRunDoctorCommand_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	code := runDoctorCommand(context.Background(), filepath.Join(dir, "absent.yaml"), nil)
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}

func writeMinimalDoctorConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "proxy:\n  specs:\n    - id: demo\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
