package config

import (
	"os"
	"path/filepath"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// WorkspacesDir, RegistryFile, SessionsFile, and MailboxRoot are the fixed
// layout of files and directories the supervisor keeps under StateDir.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.StateDir, "workspaces")
}

func (c Config) RegistryFile() string {
	return filepath.Join(c.StateDir, "registry.json")
}

func (c Config) SessionsFile() string {
	return filepath.Join(c.StateDir, "sessions.json")
}

func (c Config) MailboxRoot() string {
	return filepath.Join(c.StateDir, "mailbox")
}

func (c Config) SnapshotsDir() string {
	return filepath.Join(c.StateDir, "snapshots")
}

// LastAgentFile returns the path of the workspace->lastAgentTimestamp map
// the Dispatch Core persists, alongside registry.json and sessions.json.
func (c Config) LastAgentFile() string {
	return filepath.Join(c.StateDir, "last-agent.json")
}

func (c Config) GlobalWorkspaceDir() string {
	return filepath.Join(c.WorkspacesDir(), "global")
}

// WorkspaceDir returns the host folder a workspace's worker mounts as its
// project/group directory.
func (c Config) WorkspaceDir(workspace string) string {
	return filepath.Join(c.WorkspacesDir(), workspace)
}

// WorkspaceMailboxDir returns the host folder holding one workspace's
// messages/, tasks/, and errors/ subdirectories (4.H).
func (c Config) WorkspaceMailboxDir(workspace string) string {
	return filepath.Join(c.MailboxRoot(), workspace)
}

// WorkspaceClaudeStateDir returns the host folder mounted as the worker's
// persistent ~/.claude state.
func (c Config) WorkspaceClaudeStateDir(workspace string) string {
	return filepath.Join(c.StateDir, "claude-state", workspace)
}

// WorkspaceEnvFile returns the host path of a workspace's optional env
// file, mounted read-only when present.
func (c Config) WorkspaceEnvFile(workspace string) string {
	return filepath.Join(c.StateDir, "env", workspace)
}

// ProjectRootDir returns the host project directory mounted read-write for
// the main workspace (4.D).
func (c Config) ProjectRootDir() string {
	return c.ProjectRoot
}

// SharedClaudeMDMain returns the main workspace's CLAUDE.md, bind-mounted
// read-only into private-chat workers as their shared group instructions.
func (c Config) SharedClaudeMDMain() string {
	return filepath.Join(c.WorkspaceDir(domain.MainWorkspace), "CLAUDE.md")
}

// SharedClaudeMDGlobal returns the global workspace's CLAUDE.md,
// bind-mounted read-only into non-private-chat workers.
func (c Config) SharedClaudeMDGlobal() string {
	return filepath.Join(c.GlobalWorkspaceDir(), "CLAUDE.md")
}

// EnsureDirs creates the fixed directory layout under StateDir, mirroring
// the on-disk state a fresh supervisor needs before it can run.
func (c Config) EnsureDirs() error {
	dirs := []string{
		c.StateDir,
		c.WorkspacesDir(),
		c.GlobalWorkspaceDir(),
		c.MailboxRoot(),
		c.SnapshotsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
