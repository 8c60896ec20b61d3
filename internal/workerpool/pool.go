// Package workerpool implements the Worker Pool (4.E): at most one warm
// worker per workspace, with cold one-shot containers as the fallback path
// whenever a warm worker is unavailable, busy, or fails to come up.
package workerpool

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/mount"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

// warmReadyTimeout bounds how long the pool waits for a warm container to
// announce readiness, both on first spawn and between successive requests.
const warmReadyTimeout = 30 * time.Second

type state string

const (
	stateAbsent   state = "absent"
	stateStarting state = "starting"
	stateReady    state = "ready"
	stateBusy     state = "busy"
	stateDraining state = "draining"
	stateDead     state = "dead"
)

type warmWorker struct {
	workspace       string
	transport       Transport
	state           state
	lastActive      time.Time
	isMain          bool
	containerConfig domain.ContainerConfig
}

// Pool owns the warm-worker set and the dispatch algorithm that decides,
// per request, whether to use a warm worker or fall back to cold.
type Pool struct {
	spawner        Spawner
	idleTimeout    time.Duration
	reapInterval   time.Duration
	requestTimeout time.Duration
	maxOutputBytes int64
	logger         *log.Logger

	now           func() time.Time
	tickerFactory func(time.Duration) poolTicker

	mu      sync.Mutex
	workers map[string]*warmWorker

	stopCh chan struct{}
	doneCh chan struct{}
}

// Options bundles the pool's tunables, mirrored 1:1 from Config.
type Options struct {
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	RequestTimeout time.Duration
	MaxOutputBytes int64
}

func New(spawner Spawner, opts Options, logger *log.Logger) *Pool {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{
		spawner:        spawner,
		idleTimeout:    opts.IdleTimeout,
		reapInterval:   opts.ReapInterval,
		requestTimeout: opts.RequestTimeout,
		maxOutputBytes: opts.MaxOutputBytes,
		logger:         logger,
		workers:        make(map[string]*warmWorker),
		now:            func() time.Time { return time.Now().UTC() },
		tickerFactory: func(interval time.Duration) poolTicker {
			return newRealTicker(interval)
		},
	}
}

// StartReaper launches the idle-reaping background loop (4.E: "every 60s").
// It is a no-op if already running.
func (p *Pool) StartReaper() {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	p.stopCh = stopCh
	p.doneCh = doneCh
	p.mu.Unlock()

	go p.reapLoop(stopCh, doneCh)
}

// Run implements the run(workspace, job, config) dispatch algorithm.
func (p *Pool) Run(ctx context.Context, workspace string, isMain bool, job workerproto.Job, cfg domain.ContainerConfig, mounts []mount.Mount) workerproto.ContainerOutput {
	if p.idleTimeout <= 0 {
		return p.runCold(ctx, workspace, job, cfg, mounts)
	}

	p.mu.Lock()
	w, ok := p.workers[workspace]
	if ok {
		if w.state == stateReady {
			w.state = stateBusy
			w.lastActive = p.now()
			p.mu.Unlock()
			return p.runOnWarm(ctx, w, job)
		}
		// busy, starting, draining, or dead: service this request cold
		// rather than queueing behind the existing one.
		p.mu.Unlock()
		return p.runCold(ctx, workspace, job, cfg, mounts)
	}

	placeholder := &warmWorker{workspace: workspace, state: stateStarting, isMain: isMain, containerConfig: cfg}
	p.workers[workspace] = placeholder
	p.mu.Unlock()

	transport, err := p.spawner.SpawnWarm(ctx, workspace, cfg, mounts, p.idleTimeout)
	if err != nil {
		p.logger.Printf("workerpool: spawn warm worker for %s: %v", workspace, err)
		p.dropWorker(workspace, placeholder)
		return p.runCold(ctx, workspace, job, cfg, mounts)
	}

	readyCtx, cancel := context.WithTimeout(ctx, warmReadyTimeout)
	err = transport.WaitReady(readyCtx)
	cancel()
	if err != nil {
		p.logger.Printf("workerpool: warm worker for %s failed readiness: %v", workspace, err)
		transport.Kill()
		p.dropWorker(workspace, placeholder)
		return p.runCold(ctx, workspace, job, cfg, mounts)
	}

	placeholder.transport = transport
	placeholder.state = stateBusy
	placeholder.lastActive = p.now()

	return p.runOnWarm(ctx, placeholder, job)
}

// dropWorker removes placeholder from the map, but only if nothing else
// has already replaced or removed it in the meantime.
func (p *Pool) dropWorker(workspace string, placeholder *warmWorker) {
	p.mu.Lock()
	if cur, ok := p.workers[workspace]; ok && cur == placeholder {
		delete(p.workers, workspace)
	}
	p.mu.Unlock()
}

func (p *Pool) runOnWarm(ctx context.Context, w *warmWorker, job workerproto.Job) workerproto.ContainerOutput {
	deadline := p.requestDeadline(w.containerConfig)
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	result, err := w.transport.SendJob(reqCtx, job, true, p.maxOutputBytes)
	cancel()

	if err != nil {
		p.logger.Printf("workerpool: warm worker %s: %v", w.workspace, err)
		w.transport.Kill()
		p.dropWorker(w.workspace, w)
		return workerproto.ContainerOutput{Status: workerproto.StatusError, Error: err.Error()}
	}

	// The worker signals it can accept the next request by emitting a
	// fresh readiness marker after the output sentinel; wait for it before
	// offering the slot back to another caller.
	readyCtx, cancel := context.WithTimeout(context.Background(), warmReadyTimeout)
	readyErr := w.transport.WaitReady(readyCtx)
	cancel()

	p.mu.Lock()
	if cur, ok := p.workers[w.workspace]; ok && cur == w {
		if readyErr != nil {
			delete(p.workers, w.workspace)
		} else {
			w.state = stateReady
			w.lastActive = p.now()
		}
	}
	p.mu.Unlock()
	if readyErr != nil {
		p.logger.Printf("workerpool: warm worker %s did not re-arm: %v", w.workspace, readyErr)
		w.transport.Kill()
	}

	out := result.Output
	return workerproto.ContainerOutput{Status: out.Status, Result: out.Result, NewSessionID: out.NewSessionID, Error: out.Error, Truncated: result.Truncated}
}

func (p *Pool) runCold(ctx context.Context, workspace string, job workerproto.Job, cfg domain.ContainerConfig, mounts []mount.Mount) workerproto.ContainerOutput {
	deadline := p.requestDeadline(cfg)
	coldCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	transport, err := p.spawner.SpawnCold(coldCtx, workspace, cfg, mounts)
	if err != nil {
		return workerproto.ContainerOutput{Status: workerproto.StatusError, Error: fmt.Sprintf("spawn cold worker: %v", err)}
	}
	defer transport.Kill()

	result, sendErr := transport.SendJob(coldCtx, job, false, p.maxOutputBytes)

	waitErr := transport.Wait(coldCtx)
	if waitErr != nil {
		return workerproto.ContainerOutput{Status: workerproto.StatusError, Error: fmt.Sprintf("worker exited with error: %v (stderr: %s)", waitErr, lastBytes(transport.StderrTail(), 200))}
	}

	if sendErr != nil {
		return workerproto.ContainerOutput{Status: workerproto.StatusError, Error: sendErr.Error()}
	}

	out := result.Output
	return workerproto.ContainerOutput{Status: out.Status, Result: out.Result, NewSessionID: out.NewSessionID, Error: out.Error, Truncated: result.Truncated}
}

func (p *Pool) requestDeadline(cfg domain.ContainerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return p.requestTimeout
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Shutdown terminates every warm worker and stops the reaper. It does not
// wait for in-flight requests; callers drain those separately.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	workers := make([]*warmWorker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.transport != nil {
			workers = append(workers, w)
		}
	}
	p.workers = make(map[string]*warmWorker)
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.stopCh = nil
	p.doneCh = nil
	p.mu.Unlock()

	for _, w := range workers {
		w.transport.Kill()
	}
	if stopCh != nil {
		close(stopCh)
		<-doneCh
	}
}

func (p *Pool) reapLoop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := p.tickerFactory(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.Chan():
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := p.now()

	p.mu.Lock()
	var toKill []*warmWorker
	for ws, w := range p.workers {
		if w.state == stateBusy || w.state == stateStarting || w.transport == nil {
			continue
		}
		if w.transport.Exited() {
			toKill = append(toKill, w)
			delete(p.workers, ws)
			continue
		}
		if w.state == stateReady && now.Sub(w.lastActive) >= p.idleTimeout {
			toKill = append(toKill, w)
			delete(p.workers, ws)
		}
	}
	p.mu.Unlock()

	for _, w := range toKill {
		w.transport.Kill()
		p.logger.Printf("workerpool: reaped warm worker for %s", w.workspace)
	}
}
