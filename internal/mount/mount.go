// Package mount implements the Mount Planner (4.D): a pure function that
// builds the ordered list of host->container bind mounts for a workspace.
package mount

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nanoclaw/supervisor/internal/domain"
)

// Mount is one host->container bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Dropped records an additional mount request the allowlist rejected.
type Dropped struct {
	HostPath string
	Reason   string
}

// MountPlan is the planner's output: the mounts to apply, in order, plus any
// additional mounts that were dropped and why.
type MountPlan struct {
	Mounts  []Mount
	Dropped []Dropped
}

// Allowlist is the external allowlist governing additional mounts,
// stored outside the project and never itself mounted into a container.
type Allowlist struct {
	AllowedRoots     []string
	BlockedGlobs     []string
	NonMainReadOnly  bool
}

// Paths bundles the host filesystem locations the planner needs beyond
// the workspace folder itself. All fields are absolute host paths.
type Paths struct {
	ProjectRoot          string
	WorkspaceDir         string
	GlobalDir            string
	SharedClaudeMDMain   string
	SharedClaudeMDGlobal string
	StateDir             string
	MailboxDir           string
	EnvFile              string
}

const (
	containerProjectPath = "/workspace/project"
	containerGroupPath   = "/workspace/group"
	containerGroupClaude = "/workspace/group/CLAUDE.md"
	containerGlobalPath  = "/workspace/global"
	containerClaudeState = "/home/node/.claude"
	containerIPCPath     = "/workspace/ipc"
	containerEnvPath     = "/workspace/env-dir"
	containerExtraPrefix = "/workspace/extra"
)

// Plan builds the ordered bind mount list for workspace. It is a pure
// function of its arguments: pathExists lets callers inject a fake
// filesystem in tests instead of touching the real one.
func Plan(workspace string, isMain bool, chatType domain.ChatType, containerConfig domain.ContainerConfig, allowlist Allowlist, paths Paths, pathExists func(string) bool) MountPlan {
	var plan MountPlan

	if isMain {
		plan.Mounts = append(plan.Mounts,
			Mount{HostPath: paths.ProjectRoot, ContainerPath: containerProjectPath, ReadOnly: false},
			Mount{HostPath: paths.WorkspaceDir, ContainerPath: containerGroupPath, ReadOnly: false},
		)
	} else {
		plan.Mounts = append(plan.Mounts, Mount{HostPath: paths.WorkspaceDir, ContainerPath: containerGroupPath, ReadOnly: false})

		sharedClaudeMD := paths.SharedClaudeMDGlobal
		if chatType == domain.ChatTypePrivate {
			sharedClaudeMD = paths.SharedClaudeMDMain
		}
		if sharedClaudeMD != "" && pathExists(sharedClaudeMD) {
			plan.Mounts = append(plan.Mounts, Mount{HostPath: sharedClaudeMD, ContainerPath: containerGroupClaude, ReadOnly: true})
		}
		if paths.GlobalDir != "" && pathExists(paths.GlobalDir) {
			plan.Mounts = append(plan.Mounts, Mount{HostPath: paths.GlobalDir, ContainerPath: containerGlobalPath, ReadOnly: true})
		}
	}

	plan.Mounts = append(plan.Mounts,
		Mount{HostPath: paths.StateDir, ContainerPath: containerClaudeState, ReadOnly: false},
		Mount{HostPath: paths.MailboxDir, ContainerPath: containerIPCPath, ReadOnly: false},
	)
	if paths.EnvFile != "" && pathExists(paths.EnvFile) {
		plan.Mounts = append(plan.Mounts, Mount{HostPath: paths.EnvFile, ContainerPath: containerEnvPath, ReadOnly: true})
	}

	for _, req := range containerConfig.ExtraMounts {
		m, reason, ok := validateExtraMount(req, isMain, allowlist)
		if !ok {
			plan.Dropped = append(plan.Dropped, Dropped{HostPath: req.HostPath, Reason: reason})
			continue
		}
		plan.Mounts = append(plan.Mounts, m)
	}

	_ = workspace // workspace folder itself is consumed as paths.WorkspaceDir by the caller
	return plan
}

func validateExtraMount(req domain.MountRequest, isMain bool, allowlist Allowlist) (Mount, string, bool) {
	hostPath, err := expandUser(req.HostPath)
	if err != nil {
		return Mount{}, fmt.Sprintf("cannot resolve host path: %v", err), false
	}
	hostPath = filepath.Clean(hostPath)

	if !withinAnyRoot(hostPath, allowlist.AllowedRoots) {
		return Mount{}, "not contained in any allowed root", false
	}
	if blocked, glob := matchesAnyBlockedGlob(hostPath, allowlist.BlockedGlobs); blocked {
		return Mount{}, fmt.Sprintf("matches blocked glob %q", glob), false
	}

	readOnly := req.ReadOnly
	if allowlist.NonMainReadOnly && !isMain {
		readOnly = true
	}

	sub := strings.Trim(req.SubPath, "/")
	if sub == "" {
		sub = filepath.Base(hostPath)
	}
	containerPath := filepath.ToSlash(filepath.Join(containerExtraPrefix, sub))
	return Mount{HostPath: hostPath, ContainerPath: containerPath, ReadOnly: readOnly}, "", true
}

func withinAnyRoot(path string, roots []string) bool {
	for _, root := range roots {
		expanded, err := expandUser(root)
		if err != nil {
			continue
		}
		expanded = filepath.Clean(expanded)
		if path == expanded {
			return true
		}
		if strings.HasPrefix(path, expanded+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func matchesAnyBlockedGlob(path string, globs []string) (bool, string) {
	base := filepath.Base(path)
	for _, glob := range globs {
		if ok, _ := filepath.Match(glob, path); ok {
			return true, glob
		}
		if ok, _ := filepath.Match(glob, base); ok {
			return true, glob
		}
		if strings.Contains(path, strings.Trim(glob, "*")) && strings.Trim(glob, "*") != "" {
			// A glob like "**/.ssh/**" should catch any path segment match
			// that filepath.Match (no "**") cannot express directly.
			segment := strings.Trim(glob, "*/")
			if segment != "" && containsPathSegment(path, segment) {
				return true, glob
			}
		}
	}
	return false, ""
}

func containsPathSegment(path, segment string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		if part == segment {
			return true
		}
	}
	return false
}
