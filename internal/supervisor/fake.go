package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

// FakeRunner is the scriptable test double. The default behavior spawns a
// process that immediately reports one progress sample and then stays alive
// until terminated; Script overrides that per spawn attempt.
type FakeRunner struct {
	mu       sync.Mutex
	spawns   int
	procs    []*FakeProcess
	Script   func(attempt int, spec CommandSpec) *FakeProcess
	SpawnErr error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

func (r *FakeRunner) Spawn(_ context.Context, spec CommandSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SpawnErr != nil {
		return nil, r.SpawnErr
	}
	r.spawns++
	var p *FakeProcess
	if r.Script != nil {
		p = r.Script(r.spawns, spec)
	} else {
		p = NewFakeProcess(1000+r.spawns, spec.String())
		p.EmitSample(model.MetricSample{Timestamp: time.Now().UTC(), FPS: 25, Frames: 1})
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *FakeRunner) SpawnCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawns
}

func (r *FakeRunner) Processes() []*FakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FakeProcess, len(r.procs))
	copy(out, r.procs)
	return out
}

type FakeProcess struct {
	pid         int
	commandLine string
	samples     chan model.MetricSample
	done        chan struct{}

	mu         sync.Mutex
	exit       ExitInfo
	closed     bool
	terminated bool
}

func NewFakeProcess(pid int, commandLine string) *FakeProcess {
	return &FakeProcess{
		pid:         pid,
		commandLine: commandLine,
		samples:     make(chan model.MetricSample, 64),
		done:        make(chan struct{}),
	}
}

func (p *FakeProcess) PID() int                           { return p.pid }
func (p *FakeProcess) CommandLine() string                { return p.commandLine }
func (p *FakeProcess) Samples() <-chan model.MetricSample { return p.samples }
func (p *FakeProcess) Done() <-chan struct{}              { return p.done }

func (p *FakeProcess) Exit() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *FakeProcess) EmitSample(s model.MetricSample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.samples <- s:
	default:
	}
}

// ExitWith ends the fake process exactly once.
func (p *FakeProcess) ExitWith(info ExitInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.exit = info
	close(p.samples)
	close(p.done)
}

func (p *FakeProcess) Terminate(time.Duration) {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.ExitWith(ExitInfo{Code: 0})
}

func (p *FakeProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
