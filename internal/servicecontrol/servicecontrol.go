// Package servicecontrol implements the main-only service_control mailbox
// action (4.H): restarting the supervisor process under its process
// supervisor, or rebuilding it from source and exiting on success.
package servicecontrol

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"
)

// restartGrace is the delay service_control's restart action waits before
// exiting, so the in-flight mailbox response has time to reach the worker.
const restartGrace = 1 * time.Second

// Exiter is called to terminate the process; tests substitute a fake so
// Controller.Restart/Rebuild never actually calls os.Exit.
type Exiter func(code int)

// Controller implements mailbox.ServiceController.
type Controller struct {
	projectRoot string
	logger      *log.Logger
	exit        Exiter
	afterFunc   func(time.Duration, func()) *time.Timer
}

// New returns a Controller that runs rebuild commands from projectRoot
// (resolved from config.ProjectRoot, per §9's open question, never the
// process's current working directory).
func New(projectRoot string, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Controller{
		projectRoot: projectRoot,
		logger:      logger,
		exit:        os.Exit,
		afterFunc:   time.AfterFunc,
	}
}

// Restart schedules a process exit after restartGrace and returns
// immediately; the configured process supervisor is expected to restart it.
func (c *Controller) Restart() {
	c.logger.Printf("servicecontrol: restart requested, exiting in %s", restartGrace)
	c.afterFunc(restartGrace, func() { c.exit(0) })
}

// Rebuild runs buildCommand synchronously from the project root and exits
// the process only if it succeeds; a failing build leaves the process
// running so the existing worker pool keeps serving. buildCommand is a
// whitespace-separated command line, mirroring how config parses
// NANOCLAW_REBUILD_COMMAND with strings.Fields.
func (c *Controller) Rebuild(ctx context.Context, buildCommand string) error {
	fields := strings.Fields(buildCommand)
	if len(fields) == 0 {
		return fmt.Errorf("rebuild command is not configured")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = c.projectRoot
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rebuild command failed: %w: %s", err, output)
	}

	c.logger.Printf("servicecontrol: rebuild succeeded, exiting")
	c.exit(0)
	return nil
}
