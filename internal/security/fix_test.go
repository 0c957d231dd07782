package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFixFilePermissionsTightensMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsassistant.yaml")
	if err := os.WriteFile(path, []byte("x: 1\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	action := fixFilePermissions(path, 0600, false)
	if !action.Success {
		t.Fatalf("action = %+v, want success", action)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %o, want 0600", info.Mode().Perm())
	}
}

func TestFixFilePermissionsDryRunLeavesFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	action := fixFilePermissions(path, 0600, true)
	if !action.Success {
		t.Fatalf("action = %+v, want success (dry run still reports success)", action)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0644 {
		t.Errorf("dry run changed mode to %o, want unchanged 0644", info.Mode().Perm())
	}
}

func TestFixSkipsMissingFile(t *testing.T) {
	action := fixFilePermissions(filepath.Join(t.TempDir(), "missing.yaml"), 0600, false)
	if action.Skipped == "" {
		t.Errorf("action = %+v, want Skipped set for missing file", action)
	}
}

func TestFixStateDirAndSensitiveFiles(t *testing.T) {
	dir := t.TempDir()
	credDir := filepath.Join(dir, "credentials")
	if err := os.MkdirAll(credDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	tokenPath := filepath.Join(credDir, "token.json")
	if err := os.WriteFile(tokenPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	result := Fix(FixOptions{StateDir: dir, DryRun: false})
	if result.ErrorCount != 0 {
		t.Fatalf("result = %+v, want no errors", result)
	}

	info, err := os.Stat(credDir)
	if err != nil {
		t.Fatalf("Stat dir: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("credentials dir mode = %o, want 0700", info.Mode().Perm())
	}

	tokenInfo, err := os.Stat(tokenPath)
	if err != nil {
		t.Fatalf("Stat token: %v", err)
	}
	if tokenInfo.Mode().Perm() != 0600 {
		t.Errorf("token mode = %o, want 0600", tokenInfo.Mode().Perm())
	}
}
