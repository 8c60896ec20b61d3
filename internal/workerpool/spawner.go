package workerpool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/mount"
)

// Spawner starts worker containers. The real implementation shells out to
// the configured container runtime (External Interfaces, §6); tests
// substitute a fake that never touches a process.
type Spawner interface {
	SpawnWarm(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount, idleTimeout time.Duration) (Transport, error)
	SpawnCold(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount) (Transport, error)
}

// ContainerSpawner invokes the runtime binary directly, the way
// crabstack's agent runners shell out to `claude` in
// `zulandar-railyard/internal/engine/subprocess.go` -- here generalized to
// an arbitrary OCI runtime and the `run -i --rm` invocation shape the
// worker protocol requires.
type ContainerSpawner struct {
	Runtime string
	Image   string
}

func NewContainerSpawner(runtime, image string) *ContainerSpawner {
	return &ContainerSpawner{Runtime: runtime, Image: image}
}

func (s *ContainerSpawner) SpawnWarm(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount, idleTimeout time.Duration) (Transport, error) {
	args := s.buildArgs(mounts, cfg.Env, true, idleTimeout)
	return spawnContainer(ctx, s.Runtime, args)
}

func (s *ContainerSpawner) SpawnCold(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount) (Transport, error) {
	args := s.buildArgs(mounts, cfg.Env, false, 0)
	return spawnContainer(ctx, s.Runtime, args)
}

func (s *ContainerSpawner) buildArgs(mounts []mount.Mount, env map[string]string, warm bool, idleTimeout time.Duration) []string {
	args := []string{"run", "-i", "--rm"}
	for _, m := range mounts {
		spec := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}

	if warm {
		args = append(args, "-e", "WARM_MODE=true", "-e", fmt.Sprintf("IDLE_TIMEOUT=%d", int64(idleTimeout.Seconds())))
	}

	args = append(args, s.Image)
	return args
}
