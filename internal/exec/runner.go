package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/metrics"
	"github.com/agriscope/gleaner/internal/procgroup"
)

const (
	defaultKillTimeout = 5 * time.Second

	// ringCapacity keeps enough stderr for failure diagnosis; ODM alone
	// logs hundreds of lines per stage.
	ringCapacity = 256

	// stderrTailLines is how much of the ring ends up in the Result.
	stderrTailLines = 20
)

// Spec describes one tool invocation.
type Spec struct {
	// Name is the short tool label used in metrics and logs.
	Name string

	Bin  string
	Args []string

	// Dir is the working directory; empty means inherit.
	Dir string

	// Env entries are appended to the daemon environment.
	Env []string

	// CaptureStdout collects stdout into Result.Stdout. Without it,
	// stdout joins stderr in the line ring.
	CaptureStdout bool
}

// Runner executes tool invocations. It is stateless across runs and safe
// for concurrent use.
type Runner struct {
	killTimeout time.Duration
}

// NewRunner creates a Runner. A non-positive killTimeout selects the
// default SIGTERM-to-SIGKILL grace.
func NewRunner(killTimeout time.Duration) *Runner {
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	return &Runner{killTimeout: killTimeout}
}

// Run starts the tool and blocks until it exits or ctx ends. On context
// cancellation the process group receives SIGTERM and, after the kill
// timeout, SIGKILL. The Result carries exit details even when err is
// non-nil.
func (r *Runner) Run(ctx context.Context, spec Spec) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "exec")
	ring := NewLineRing(ringCapacity)

	cmd := osexec.Command(spec.Bin, spec.Args...) // #nosec G204 -- binary and args come from operator config
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	procgroup.Set(cmd)

	var stdout bytes.Buffer
	var ioWg sync.WaitGroup

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{Code: -1, Reason: ReasonError}, fmt.Errorf("%s: stderr pipe: %w", spec.Name, err)
	}
	ioWg.Add(1)
	go func() {
		defer ioWg.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			_, _ = ring.Write(scanner.Bytes())
			_, _ = ring.Write([]byte("\n"))
		}
	}()

	if spec.CaptureStdout {
		cmd.Stdout = &stdout
	} else {
		out, err := cmd.StdoutPipe()
		if err != nil {
			return Result{Code: -1, Reason: ReasonError}, fmt.Errorf("%s: stdout pipe: %w", spec.Name, err)
		}
		ioWg.Add(1)
		go func() {
			defer ioWg.Done()
			scanner := bufio.NewScanner(out)
			for scanner.Scan() {
				_, _ = ring.Write(scanner.Bytes())
				_, _ = ring.Write([]byte("\n"))
			}
		}()
	}

	logger.Debug().
		Str(log.FieldEvent, "tool.start").
		Str(log.FieldTool, spec.Name).
		Str("command", cmd.String()).
		Msg("starting external tool")

	started := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.IncToolRun(spec.Name, "start_failed")
		res := Result{Code: -1, Reason: ReasonError, StartedAt: started, EndedAt: time.Now()}
		return res, fmt.Errorf("%s: start: %w", spec.Name, err)
	}

	waitCh := make(chan error, 1)
	go func() {
		// Drain the pipes before Wait closes them, or trailing output
		// is lost.
		ioWg.Wait()
		waitCh <- cmd.Wait()
	}()

	var waitErr error
	cancelled := false
	select {
	case <-ctx.Done():
		cancelled = true
		waitErr = procgroup.Terminate(cmd, waitCh, r.killTimeout)
	case waitErr = <-waitCh:
	}

	res := Result{
		Reason:    ReasonClean,
		StartedAt: started,
		EndedAt:   time.Now(),
		Stderr:    ring.LastN(stderrTailLines),
	}
	if spec.CaptureStdout {
		res.Stdout = stdout.Bytes()
	}

	outcome := "success"
	switch {
	case cancelled:
		res.Reason = ReasonCtxCancel
		outcome = "killed"
		if waitErr != nil {
			res.Code = exitCode(waitErr)
		}
	case waitErr != nil:
		res.Code = exitCode(waitErr)
		res.Reason = ReasonError
		outcome = "failure"
	}

	metrics.IncToolRun(spec.Name, outcome)
	metrics.ObserveToolDuration(spec.Name, res.Duration().Seconds())

	if waitErr != nil {
		logger.Error().
			Str(log.FieldEvent, "tool.failed").
			Str(log.FieldTool, spec.Name).
			Int("exit_code", res.Code).
			Str(log.FieldReason, res.Reason).
			Strs("stderr", res.Stderr).
			Msg("external tool failed")
		return res, fmt.Errorf("%s exited with code %d: %w", spec.Name, res.Code, waitErr)
	}
	if cancelled {
		return res, fmt.Errorf("%s interrupted: %w", spec.Name, ctx.Err())
	}

	logger.Debug().
		Str(log.FieldEvent, "tool.done").
		Str(log.FieldTool, spec.Name).
		Dur("duration", res.Duration()).
		Msg("external tool finished")
	return res, nil
}

// exitCode extracts the process exit code, falling back to 1 when the error
// does not carry one.
func exitCode(err error) int {
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
