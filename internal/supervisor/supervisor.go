package supervisor

import (
	"context"
	"strings"
	"time"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

// CommandSpec describes one relay subprocess invocation.
type CommandSpec struct {
	Path string
	Args []string
}

func (c CommandSpec) String() string {
	return c.Path + " " + strings.Join(c.Args, " ")
}

// ExitInfo reports how a supervised process ended. Err is the wait error for
// abnormal exits; StderrTail holds the last captured stderr lines for
// diagnostics.
type ExitInfo struct {
	Code       int
	Err        error
	StderrTail string
}

// Process is one supervised relay subprocess. Samples delivers parsed
// progress reports and is closed when the process exits; Exit is valid once
// Done is closed. Terminate is safe to call on an already-dead process.
type Process interface {
	PID() int
	CommandLine() string
	Samples() <-chan model.MetricSample
	Done() <-chan struct{}
	Exit() ExitInfo
	Terminate(grace time.Duration)
}

// Runner launches relay subprocesses. The exec-backed implementation is the
// production one; tests use the scriptable fake.
type Runner interface {
	Spawn(ctx context.Context, spec CommandSpec) (Process, error)
}
