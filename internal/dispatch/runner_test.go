package dispatch

import (
	"context"
	"testing"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/mount"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

type fakeWorkerPool struct {
	lastWorkspace string
	lastIsMain    bool
	lastJob       workerproto.Job
	lastMounts    []mount.Mount
	out           workerproto.ContainerOutput
}

func (f *fakeWorkerPool) Run(ctx context.Context, workspace string, isMain bool, job workerproto.Job, cfg domain.ContainerConfig, mounts []mount.Mount) workerproto.ContainerOutput {
	f.lastWorkspace = workspace
	f.lastIsMain = isMain
	f.lastJob = job
	f.lastMounts = mounts
	return f.out
}

type fakePathResolver struct{}

func (fakePathResolver) WorkspaceDir(workspace string) string          { return "/host/workspaces/" + workspace }
func (fakePathResolver) GlobalWorkspaceDir() string                    { return "/host/workspaces/global" }
func (fakePathResolver) WorkspaceMailboxDir(workspace string) string   { return "/host/mailbox/" + workspace }
func (fakePathResolver) WorkspaceClaudeStateDir(workspace string) string { return "/host/claude-state/" + workspace }
func (fakePathResolver) WorkspaceEnvFile(workspace string) string      { return "/host/env/" + workspace }
func (fakePathResolver) ProjectRootDir() string                        { return "/host/project" }
func (fakePathResolver) SharedClaudeMDMain() string                    { return "/host/workspaces/main/CLAUDE.md" }
func (fakePathResolver) SharedClaudeMDGlobal() string                  { return "/host/workspaces/global/CLAUDE.md" }

func TestExecutorRunFillsJobAndBuildsMounts(t *testing.T) {
	pool := &fakeWorkerPool{out: workerproto.ContainerOutput{Status: workerproto.StatusSuccess, Result: "ok"}}
	exec := NewExecutor(pool, fakePathResolver{}, mount.Allowlist{}, func(string) bool { return false })

	out := exec.Run(context.Background(), "engineering", false, domain.ChatTypeGroup, domain.ContainerConfig{}, workerproto.Job{Prompt: "hi"})
	if out.Result != "ok" {
		t.Fatalf("unexpected result: %+v", out)
	}
	if pool.lastJob.Folder != "engineering" || pool.lastJob.SessionKey != "engineering" {
		t.Fatalf("expected folder and session key to be set to the workspace, got %+v", pool.lastJob)
	}
	if pool.lastIsMain {
		t.Fatalf("expected isMain false")
	}
	if len(pool.lastMounts) == 0 {
		t.Fatalf("expected at least the fixed mounts to be planned")
	}
}

func TestExecutorRunTaskMarksScheduledAndDerivesIsMain(t *testing.T) {
	pool := &fakeWorkerPool{out: workerproto.ContainerOutput{Status: workerproto.StatusSuccess, Result: "done", NewSessionID: "sess-1"}}
	exec := NewExecutor(pool, fakePathResolver{}, mount.Allowlist{}, func(string) bool { return false })

	result := exec.RunTask(context.Background(), domain.ScheduledTask{Folder: domain.MainWorkspace, Prompt: "status"}, "")
	if !result.Success || result.NewSessionID != "sess-1" {
		t.Fatalf("unexpected task result: %+v", result)
	}
	if !pool.lastJob.IsScheduledTask {
		t.Fatalf("expected is_scheduled_task to be set")
	}
	if !pool.lastIsMain {
		t.Fatalf("expected main workspace folder to imply isMain")
	}
}
