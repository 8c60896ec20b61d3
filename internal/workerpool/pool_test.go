package workerpool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nanoclaw/supervisor/internal/domain"
	"github.com/nanoclaw/supervisor/internal/mount"
	"github.com/nanoclaw/supervisor/internal/workerproto"
)

type fakeTransport struct {
	mu         sync.Mutex
	readyQueue int
	sendFunc   func(job workerproto.Job, strict bool) (SendResult, error)
	killed     bool
	exited     bool
	waitErr    error
	stderr     string
}

func (f *fakeTransport) SendJob(ctx context.Context, job workerproto.Job, strict bool, maxOutputBytes int64) (SendResult, error) {
	return f.sendFunc(job, strict)
}

func (f *fakeTransport) WaitReady(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readyQueue > 0 {
		f.readyQueue--
		return nil
	}
	return fmt.Errorf("fake transport: no readiness queued")
}

func (f *fakeTransport) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

func (f *fakeTransport) Wait(ctx context.Context) error { return f.waitErr }

func (f *fakeTransport) Exited() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exited
}

func (f *fakeTransport) StderrTail() string { return f.stderr }

func (f *fakeTransport) isKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type fakeSpawner struct {
	warmCalls int32
	coldCalls int32
	warmFunc  func() (Transport, error)
	coldFunc  func() (Transport, error)
}

func (f *fakeSpawner) SpawnWarm(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount, idleTimeout time.Duration) (Transport, error) {
	atomic.AddInt32(&f.warmCalls, 1)
	return f.warmFunc()
}

func (f *fakeSpawner) SpawnCold(ctx context.Context, workspace string, cfg domain.ContainerConfig, mounts []mount.Mount) (Transport, error) {
	atomic.AddInt32(&f.coldCalls, 1)
	return f.coldFunc()
}

func successResult(result string) (SendResult, error) {
	return SendResult{Output: workerproto.Output{Status: workerproto.StatusSuccess, Result: result}, MarkersFound: true}, nil
}

func newTestPool(spawner Spawner, idleTimeout time.Duration) *Pool {
	p := New(spawner, Options{
		IdleTimeout:    idleTimeout,
		ReapInterval:   time.Minute,
		RequestTimeout: 5 * time.Minute,
		MaxOutputBytes: 10 << 20,
	}, nil)
	return p
}

func TestRunWarmDisabledAlwaysGoesCold(t *testing.T) {
	cold := &fakeTransport{sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) { return successResult("cold") }}
	spawner := &fakeSpawner{coldFunc: func() (Transport, error) { return cold, nil }}
	p := newTestPool(spawner, 0)

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Result != "cold" {
		t.Fatalf("expected cold result, got %+v", out)
	}
	if spawner.coldCalls != 1 || spawner.warmCalls != 0 {
		t.Fatalf("expected only cold spawn, got warm=%d cold=%d", spawner.warmCalls, spawner.coldCalls)
	}
}

func TestRunSpawnsWarmOnFirstCallThenReusesIt(t *testing.T) {
	warm := &fakeTransport{readyQueue: 2, sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) { return successResult("warm") }}
	spawner := &fakeSpawner{warmFunc: func() (Transport, error) { return warm, nil }}
	p := newTestPool(spawner, 30*time.Minute)

	out1 := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out1.Result != "warm" {
		t.Fatalf("expected warm result, got %+v", out1)
	}

	p.mu.Lock()
	w, ok := p.workers["engineering"]
	p.mu.Unlock()
	if !ok || w.state != stateReady {
		t.Fatalf("expected worker to be ready after first call, got %+v", w)
	}

	warm.readyQueue = 1
	out2 := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out2.Result != "warm" {
		t.Fatalf("expected second call to reuse warm worker, got %+v", out2)
	}
	if spawner.warmCalls != 1 {
		t.Fatalf("expected exactly one warm spawn, got %d", spawner.warmCalls)
	}
}

func TestRunFallsBackToColdWhenWarmIsBusy(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(spawner, 30*time.Minute)

	p.mu.Lock()
	p.workers["engineering"] = &warmWorker{workspace: "engineering", state: stateBusy, transport: &fakeTransport{}}
	p.mu.Unlock()

	spawner.coldFunc = func() (Transport, error) {
		return &fakeTransport{sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) { return successResult("cold-fallback") }}, nil
	}

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Result != "cold-fallback" {
		t.Fatalf("expected cold fallback while warm worker busy, got %+v", out)
	}
	if spawner.warmCalls != 0 || spawner.coldCalls != 1 {
		t.Fatalf("expected no new warm spawn, got warm=%d cold=%d", spawner.warmCalls, spawner.coldCalls)
	}
}

func TestRunFallsBackToColdWhenWarmSpawnFails(t *testing.T) {
	spawner := &fakeSpawner{
		warmFunc: func() (Transport, error) { return nil, fmt.Errorf("runtime unavailable") },
		coldFunc: func() (Transport, error) {
			return &fakeTransport{sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) { return successResult("cold") }}, nil
		},
	}
	p := newTestPool(spawner, 30*time.Minute)

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Result != "cold" {
		t.Fatalf("expected cold fallback on spawn failure, got %+v", out)
	}

	p.mu.Lock()
	_, ok := p.workers["engineering"]
	p.mu.Unlock()
	if ok {
		t.Fatalf("expected failed warm spawn to leave no pool entry")
	}
}

func TestRunFallsBackToColdWhenReadinessTimesOut(t *testing.T) {
	warm := &fakeTransport{} // no readiness queued: WaitReady always errors
	spawner := &fakeSpawner{
		warmFunc: func() (Transport, error) { return warm, nil },
		coldFunc: func() (Transport, error) {
			return &fakeTransport{sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) { return successResult("cold") }}, nil
		},
	}
	p := newTestPool(spawner, 30*time.Minute)

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Result != "cold" {
		t.Fatalf("expected cold fallback on readiness failure, got %+v", out)
	}
	if !warm.isKilled() {
		t.Fatalf("expected unready warm worker to be killed")
	}
}

func TestRunOnWarmProtocolErrorRemovesWorker(t *testing.T) {
	warm := &fakeTransport{
		readyQueue: 1,
		sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) {
			return SendResult{}, fmt.Errorf("worker closed stdout without output markers")
		},
	}
	spawner := &fakeSpawner{warmFunc: func() (Transport, error) { return warm, nil }}
	p := newTestPool(spawner, 30*time.Minute)

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Status != workerproto.StatusError {
		t.Fatalf("expected protocol error to surface as ContainerOutput error, got %+v", out)
	}
	p.mu.Lock()
	_, ok := p.workers["engineering"]
	p.mu.Unlock()
	if ok {
		t.Fatalf("expected dead warm worker removed from pool")
	}
	if !warm.isKilled() {
		t.Fatalf("expected warm worker to be killed after protocol error")
	}
}

func TestRunColdEmbedsStderrTailOnNonZeroExit(t *testing.T) {
	cold := &fakeTransport{
		sendFunc: func(job workerproto.Job, strict bool) (SendResult, error) {
			return SendResult{}, fmt.Errorf("some send error")
		},
		waitErr: fmt.Errorf("exit status 1"),
		stderr:  "boom: something broke",
	}
	spawner := &fakeSpawner{coldFunc: func() (Transport, error) { return cold, nil }}
	p := newTestPool(spawner, 0)

	out := p.Run(context.Background(), "engineering", false, workerproto.Job{}, domain.ContainerConfig{}, nil)
	if out.Status != workerproto.StatusError {
		t.Fatalf("expected error status, got %+v", out)
	}
	if !strings.Contains(out.Error, "boom: something broke") {
		t.Fatalf("expected error to embed stderr tail, got %q", out.Error)
	}
}

func TestReapOnceKillsIdleWarmWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(spawner, time.Minute)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base.Add(2 * time.Minute) }

	idleWarm := &fakeTransport{}
	busyWarm := &fakeTransport{}
	p.mu.Lock()
	p.workers["idle"] = &warmWorker{workspace: "idle", state: stateReady, transport: idleWarm, lastActive: base}
	p.workers["busy"] = &warmWorker{workspace: "busy", state: stateBusy, transport: busyWarm, lastActive: base}
	p.mu.Unlock()

	p.reapOnce()

	if !idleWarm.isKilled() {
		t.Fatalf("expected idle worker to be killed")
	}
	if busyWarm.isKilled() {
		t.Fatalf("expected busy worker to survive reaping")
	}
	p.mu.Lock()
	_, idleStillThere := p.workers["idle"]
	_, busyStillThere := p.workers["busy"]
	p.mu.Unlock()
	if idleStillThere {
		t.Fatalf("expected idle worker removed from pool")
	}
	if !busyStillThere {
		t.Fatalf("expected busy worker to remain in pool")
	}
}

func TestReapOnceRemovesCrashedWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(spawner, time.Minute)

	crashed := &fakeTransport{exited: true}
	p.mu.Lock()
	p.workers["crashed"] = &warmWorker{workspace: "crashed", state: stateReady, transport: crashed, lastActive: p.now()}
	p.mu.Unlock()

	p.reapOnce()

	p.mu.Lock()
	_, ok := p.workers["crashed"]
	p.mu.Unlock()
	if ok {
		t.Fatalf("expected crashed worker removed from pool")
	}
}

func TestShutdownKillsAllWarmWorkers(t *testing.T) {
	spawner := &fakeSpawner{}
	p := newTestPool(spawner, time.Minute)
	p.StartReaper()

	a := &fakeTransport{}
	b := &fakeTransport{}
	p.mu.Lock()
	p.workers["a"] = &warmWorker{workspace: "a", state: stateReady, transport: a}
	p.workers["b"] = &warmWorker{workspace: "b", state: stateReady, transport: b}
	p.mu.Unlock()

	p.Shutdown()

	if !a.isKilled() || !b.isKilled() {
		t.Fatalf("expected shutdown to kill every warm worker")
	}
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected pool to be empty after shutdown")
	}
}
