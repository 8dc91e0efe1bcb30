package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

const stderrTailLines = 16

// FFmpegRunner spawns ffmpeg relay processes with stderr captured for
// progress parsing.
type FFmpegRunner struct {
	log zerolog.Logger
}

func NewFFmpegRunner(log zerolog.Logger) *FFmpegRunner {
	return &FFmpegRunner{log: log}
}

func (r *FFmpegRunner) Spawn(ctx context.Context, spec CommandSpec) (Process, error) {
	cmd := exec.Command(spec.Path, spec.Args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	p := &ffmpegProcess{
		cmd:         cmd,
		commandLine: spec.String(),
		samples:     make(chan model.MetricSample, 16),
		done:        make(chan struct{}),
		log:         r.log.With().Int("pid", cmd.Process.Pid).Logger(),
	}
	go p.run(stderr)
	return p, nil
}

type ffmpegProcess struct {
	cmd         *exec.Cmd
	commandLine string
	samples     chan model.MetricSample
	done        chan struct{}
	log         zerolog.Logger

	mu   sync.Mutex
	tail []string
	exit ExitInfo

	termOnce sync.Once
}

func (p *ffmpegProcess) PID() int                           { return p.cmd.Process.Pid }
func (p *ffmpegProcess) CommandLine() string                { return p.commandLine }
func (p *ffmpegProcess) Samples() <-chan model.MetricSample { return p.samples }
func (p *ffmpegProcess) Done() <-chan struct{}              { return p.done }

func (p *ffmpegProcess) Exit() ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// run owns the stderr read loop. ffmpeg writes both banner noise and `-stats`
// progress lines to stderr; lines that do not parse are kept only for the
// diagnostic tail.
func (p *ffmpegProcess) run(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 256*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if sample, ok := ParseProgressLine(line, time.Now().UTC()); ok {
			select {
			case p.samples <- sample:
			default:
				// Slow consumer; progress reports are periodic, drop this one.
			}
			continue
		}
		p.recordTail(line)
	}

	waitErr := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()

	p.mu.Lock()
	p.exit = ExitInfo{Code: code, Err: waitErr, StderrTail: strings.Join(p.tail, "\n")}
	p.mu.Unlock()

	close(p.samples)
	close(p.done)
	p.log.Debug().Int("exit_code", code).Msg("relay process exited")
}

func (p *ffmpegProcess) recordTail(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	p.mu.Lock()
	p.tail = append(p.tail, line)
	if len(p.tail) > stderrTailLines {
		p.tail = p.tail[len(p.tail)-stderrTailLines:]
	}
	p.mu.Unlock()
}

// Terminate asks the process to stop and escalates to a hard kill when the
// grace period lapses. Calling it on an exited process is a no-op.
func (p *ffmpegProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if err := gracefulStop(p.cmd); err != nil {
			p.log.Debug().Err(err).Msg("graceful stop signal failed")
		}
		select {
		case <-p.done:
		case <-time.After(grace):
			p.log.Warn().Msg("grace period elapsed, killing relay process")
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	})
}
