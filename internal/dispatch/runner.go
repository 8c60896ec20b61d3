package dispatch

import (
	"context"
	"os"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/mount"
	"github.com/nanoclaw/supervisor/internal/scheduler"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

// WorkerPool is the subset of workerpool.Pool the Dispatch Core and
// Scheduler both drive a worker through.
type WorkerPool interface {
	Run(ctx context.Context, workspace string, isMain bool, job workerproto.Job, cfg domain.ContainerConfig, mounts []mount.Mount) workerproto.ContainerOutput
}

// PathResolver supplies the host paths the Mount Planner needs beyond the
// workspace folder itself (internal/config.Config implements this).
type PathResolver interface {
	WorkspaceDir(workspace string) string
	GlobalWorkspaceDir() string
	WorkspaceMailboxDir(workspace string) string
	WorkspaceClaudeStateDir(workspace string) string
	WorkspaceEnvFile(workspace string) string
	ProjectRootDir() string
	SharedClaudeMDMain() string
	SharedClaudeMDGlobal() string
}

// Executor builds a workspace's mount plan and runs one job through the
// Worker Pool, the shared plumbing behind both Dispatch Core's own calls
// and the Scheduler's task runs.
type Executor struct {
	pool       WorkerPool
	paths      PathResolver
	allowlist  mount.Allowlist
	pathExists func(string) bool
}

// NewExecutor returns an Executor. pathExists defaults to os.Stat-backed
// existence checks; tests may override it via a fake.
func NewExecutor(pool WorkerPool, paths PathResolver, allowlist mount.Allowlist, pathExists func(string) bool) *Executor {
	if pathExists == nil {
		pathExists = defaultPathExists
	}
	return &Executor{pool: pool, paths: paths, allowlist: allowlist, pathExists: pathExists}
}

// Run plans workspace's mounts and executes job through the Worker Pool.
func (e *Executor) Run(ctx context.Context, workspace string, isMain bool, chatType domain.ChatType, containerConfig domain.ContainerConfig, job workerproto.Job) workerproto.ContainerOutput {
	job.Folder = workspace
	job.SessionKey = workspace
	job.IsMain = isMain
	job.ChatType = string(chatType)

	plan := mount.Plan(workspace, isMain, chatType, containerConfig, e.allowlist, mount.Paths{
		ProjectRoot:          e.paths.ProjectRootDir(),
		WorkspaceDir:         e.paths.WorkspaceDir(workspace),
		GlobalDir:            e.paths.GlobalWorkspaceDir(),
		SharedClaudeMDMain:   e.paths.SharedClaudeMDMain(),
		SharedClaudeMDGlobal: e.paths.SharedClaudeMDGlobal(),
		StateDir:             e.paths.WorkspaceClaudeStateDir(workspace),
		MailboxDir:           e.paths.WorkspaceMailboxDir(workspace),
		EnvFile:              e.paths.WorkspaceEnvFile(workspace),
	}, e.pathExists)

	return e.pool.Run(ctx, workspace, isMain, job, containerConfig, plan.Mounts)
}

// RunTask adapts Executor to scheduler.Runner: a scheduled task has no
// chat_type (it is not a live chat turn) and always sets
// is_scheduled_task.
func (e *Executor) RunTask(ctx context.Context, task domain.ScheduledTask, sessionID string) scheduler.TaskResult {
	isMain := task.Folder == domain.MainWorkspace
	out := e.Run(ctx, task.Folder, isMain, "", domain.ContainerConfig{}, workerproto.Job{
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		IsScheduledTask: true,
	})
	return scheduler.TaskResult{
		Success:      out.IsSuccess(),
		Result:       out.Result,
		NewSessionID: out.NewSessionID,
		Error:        out.Error,
	}
}

func defaultPathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
