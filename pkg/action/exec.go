package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"gitagent/internal"
)

// Exec runs a child process per trigger and waits for it.
type Exec struct {
	command   string
	args      []string
	dir       string
	env       []string
	eventEnv  bool
	timeout   time.Duration
	waitDelay time.Duration
}

// NewExec builds an Exec action from config.
func NewExec(cfg internal.ActionConfig) (*Exec, error) {
	if cfg.Command == "" {
		return nil, errors.New("action command is required")
	}
	if cfg.TimeoutMS < 0 {
		return nil, fmt.Errorf("action timeout must not be negative: %d", cfg.TimeoutMS)
	}
	return &Exec{
		command:   cfg.Command,
		args:      append([]string(nil), cfg.Args...),
		dir:       cfg.Dir,
		env:       append([]string(nil), cfg.Env...),
		eventEnv:  cfg.EventEnv,
		timeout:   cfg.Timeout(),
		waitDelay: cfg.WaitDelay(),
	}, nil
}

// String returns the command line for logging.
func (e *Exec) String() string {
	line := e.command
	for _, arg := range e.args {
		line += " " + arg
	}
	return line
}

// Run starts the process with no stdin and collects both output streams.
// The process is killed when ctx ends or the timeout passes.
func (e *Exec) Run(ctx context.Context, trigger Trigger) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = e.dir
	cmd.Env = e.environ(trigger)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = e.waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitStatus: -1}, &LaunchError{Command: e.command, Err: err}
	}
	waitErr := cmd.Wait()

	result := Result{
		ExitStatus: -1,
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		Duration:   time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitStatus = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, e.timeout, e.command)
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s interrupted: %w", e.command, ctx.Err())
	}

	var exitErr *exec.ExitError
	if waitErr == nil || errors.As(waitErr, &exitErr) || errors.Is(waitErr, exec.ErrWaitDelay) {
		return result, nil
	}
	return result, fmt.Errorf("wait for %s: %w", e.command, waitErr)
}

func (e *Exec) environ(trigger Trigger) []string {
	env := append(os.Environ(), e.env...)
	if !e.eventEnv {
		return env
	}
	return append(env,
		"GITAGENT_REQUEST_ID="+trigger.RequestID,
		"GITAGENT_EVENT="+trigger.Event,
		"GITAGENT_REF="+trigger.Ref,
		"GITAGENT_REPOSITORY="+trigger.Repository,
		"GITAGENT_AFTER="+trigger.After,
	)
}
