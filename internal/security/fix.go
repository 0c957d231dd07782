package security

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultStateDir returns the default opsassistant state directory.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsassistant"
	}
	return filepath.Join(home, ".opsassistant")
}

// DefaultConfigPath returns the default opsassistant configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "opsassistant.yaml")
}

// FixAction represents an action taken to fix a security issue.
type FixAction struct {
	// Type is the kind of fix (chmod, etc.)
	Type string `json:"type"`

	// Path is the file or directory affected.
	Path string `json:"path"`

	// Description describes what was done.
	Description string `json:"description"`

	// Success indicates if the fix was applied.
	Success bool `json:"success"`

	// Skipped indicates why the fix was skipped (if applicable).
	Skipped string `json:"skipped,omitempty"`

	// Error contains any error message.
	Error string `json:"error,omitempty"`
}

// FixResult contains the results of a security fix operation.
type FixResult struct {
	Actions      []FixAction `json:"actions"`
	FixedCount   int         `json:"fixed_count"`
	SkippedCount int         `json:"skipped_count"`
	ErrorCount   int         `json:"error_count"`
}

// FixOptions configures the security fix operation.
type FixOptions struct {
	// StateDir is the directory containing knowledge graph, cron, and cache files.
	StateDir string

	// ConfigPath is the path to the configuration file.
	ConfigPath string

	// DryRun if true, only reports what would be done without making changes.
	DryRun bool
}

// Fix tightens filesystem permissions on the state directory, the config
// file, and a handful of sensitive files/subdirectories known to hold
// credentials (tool-server auth tokens, OAuth state, session transcripts).
// It is invoked at startup and by the `security fix` CLI verb.
func Fix(opts FixOptions) *FixResult {
	result := &FixResult{Actions: make([]FixAction, 0)}

	if opts.StateDir != "" {
		result.Actions = append(result.Actions, fixDirectoryPermissions(opts.StateDir, 0700, opts.DryRun))
	}
	if opts.ConfigPath != "" {
		result.Actions = append(result.Actions, fixFilePermissions(opts.ConfigPath, 0600, opts.DryRun))
	}

	if opts.StateDir != "" {
		sensitiveFiles := []string{
			"opsassistant.yaml",
			"opsassistant.yml",
			"secrets.yaml",
			"credentials.json",
			"kg.db",
			"cron.db",
		}
		for _, name := range sensitiveFiles {
			path := filepath.Join(opts.StateDir, name)
			if _, err := os.Stat(path); err == nil {
				result.Actions = append(result.Actions, fixFilePermissions(path, 0600, opts.DryRun))
			}
		}

		sensitiveDirs := []string{
			"credentials",
			"tokens",
			"sessions",
			"tool-servers",
		}
		for _, name := range sensitiveDirs {
			path := filepath.Join(opts.StateDir, name)
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				result.Actions = append(result.Actions, fixDirectoryPermissions(path, 0700, opts.DryRun))
				entries, _ := os.ReadDir(path)
				for _, entry := range entries {
					if !entry.IsDir() {
						filePath := filepath.Join(path, entry.Name())
						result.Actions = append(result.Actions, fixFilePermissions(filePath, 0600, opts.DryRun))
					}
				}
			}
		}
	}

	for _, action := range result.Actions {
		switch {
		case action.Success:
			result.FixedCount++
		case action.Skipped != "":
			result.SkippedCount++
		case action.Error != "":
			result.ErrorCount++
		}
	}

	return result
}

func fixFilePermissions(path string, mode os.FileMode, dryRun bool) FixAction {
	action := FixAction{
		Type:        "chmod",
		Path:        path,
		Description: fmt.Sprintf("set file permissions to %o", mode),
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			action.Skipped = "file does not exist"
			return action
		}
		action.Error = fmt.Sprintf("failed to stat: %v", err)
		return action
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		action.Skipped = "symlink (not modified for safety)"
		return action
	}
	if !info.Mode().IsRegular() {
		action.Skipped = "not a regular file"
		return action
	}

	current := info.Mode().Perm()
	if current == mode {
		action.Skipped = "already has correct permissions"
		return action
	}
	if dryRun {
		action.Description = fmt.Sprintf("would change from %o to %o", current, mode)
		action.Success = true
		return action
	}
	if err := os.Chmod(path, mode); err != nil {
		action.Error = fmt.Sprintf("chmod failed: %v", err)
		return action
	}
	action.Description = fmt.Sprintf("changed from %o to %o", current, mode)
	action.Success = true
	return action
}

func fixDirectoryPermissions(path string, mode os.FileMode, dryRun bool) FixAction {
	action := FixAction{
		Type:        "chmod",
		Path:        path,
		Description: fmt.Sprintf("set directory permissions to %o", mode),
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			action.Skipped = "directory does not exist"
			return action
		}
		action.Error = fmt.Sprintf("failed to stat: %v", err)
		return action
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		action.Skipped = "symlink (not modified for safety)"
		return action
	}
	if !info.IsDir() {
		action.Skipped = "not a directory"
		return action
	}

	current := info.Mode().Perm()
	if current == mode {
		action.Skipped = "already has correct permissions"
		return action
	}
	if dryRun {
		action.Description = fmt.Sprintf("would change from %o to %o", current, mode)
		action.Success = true
		return action
	}
	if err := os.Chmod(path, mode); err != nil {
		action.Error = fmt.Sprintf("chmod failed: %v", err)
		return action
	}
	action.Description = fmt.Sprintf("changed from %o to %o", current, mode)
	action.Success = true
	return action
}

// RunDefaultFix runs security fixes with default options.
func RunDefaultFix() *FixResult {
	return Fix(FixOptions{StateDir: DefaultStateDir(), ConfigPath: DefaultConfigPath(), DryRun: false})
}

// RunDefaultFixDryRun runs security fixes in dry-run mode with default options.
func RunDefaultFixDryRun() *FixResult {
	return Fix(FixOptions{StateDir: DefaultStateDir(), ConfigPath: DefaultConfigPath(), DryRun: true})
}
