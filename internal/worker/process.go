// Package worker provides the in-process and out-of-process Worker implementations.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/dragonflow"
)

// Environment variables carrying correlation ids to child processes.
const (
	EnvTaskID   = "DRAGONFLOW_TASK_ID"
	EnvAgentID  = "DRAGONFLOW_AGENT_ID"
	EnvTaskType = "DRAGONFLOW_TASK_TYPE"
)

// pipeWaitDelay bounds how long Wait keeps reading stdout and stderr after the
// child exits, in case a descendant outside its process group still holds them.
const pipeWaitDelay = 2 * time.Second

// ProcessWorker runs each envelope in a fresh child process. The envelope is
// written to stdin as JSON and stdin is closed; the child answers with a
// single JSON document on stdout.
type ProcessWorker struct {
	id      string
	command string
	args    []string
	env     []string
	dir     string
	logger  *slog.Logger
}

// ProcessOption represents an option for configuring a ProcessWorker.
type ProcessOption func(*ProcessWorker)

// WithArgs sets the command arguments.
func WithArgs(args ...string) ProcessOption {
	return func(w *ProcessWorker) {
		w.args = args
	}
}

// WithEnv adds KEY=VALUE pairs to the child environment.
func WithEnv(env map[string]string) ProcessOption {
	return func(w *ProcessWorker) {
		for k, v := range env {
			w.env = append(w.env, k+"="+v)
		}
	}
}

// WithDir sets the working directory of the child.
func WithDir(dir string) ProcessOption {
	return func(w *ProcessWorker) {
		w.dir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProcessOption {
	return func(w *ProcessWorker) {
		w.logger = logger
	}
}

// NewProcessWorker creates a worker that runs command for every envelope.
func NewProcessWorker(id, command string, options ...ProcessOption) *ProcessWorker {
	w := &ProcessWorker{
		id:      id,
		command: command,
		logger:  slog.Default(),
	}
	for _, option := range options {
		option(w)
	}
	w.logger = w.logger.With(slog.String("subsystem", "process_worker"), slog.String("worker_id", id))
	return w
}

// ID returns the worker id.
func (w *ProcessWorker) ID() string { return w.id }

// Start launches the child process. The context is not bound to the process
// lifetime; callers stop it through Handle.Signal.
func (w *ProcessWorker) Start(ctx context.Context, env dragonflow.Envelope) (dragonflow.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, dragonflow.NewCancelledError("dispatch", err)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, dragonflow.NewProcessError("dispatch", "failed to encode envelope", err)
	}

	cmd := exec.Command(w.command, w.args...)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Env = append(cmd.Env,
		EnvTaskID+"="+env.Task.ID,
		EnvAgentID+"="+env.Agent,
		EnvTaskType+"="+env.Task.Type,
	)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = pipeWaitDelay
	startProcessGroup(cmd)

	h := &processHandle{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, dragonflow.NewProcessError("dispatch", fmt.Sprintf("failed to start '%s'", w.command), err)
	}
	w.logger.Debug("worker process started",
		slog.String("task_id", env.Task.ID),
		slog.Int("pid", cmd.Process.Pid))

	go h.wait()
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan struct{}

	mu     sync.Mutex
	output *dragonflow.WorkerOutput
	err    error
}

func (h *processHandle) PID() int { return h.cmd.Process.Pid }

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Result() (*dragonflow.WorkerOutput, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output, h.err
}

func (h *processHandle) Signal(kind dragonflow.SignalKind) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	var err error
	switch kind {
	case dragonflow.SignalTerminate:
		err = signalGroup(h.cmd.Process, syscall.SIGTERM)
	case dragonflow.SignalKill:
		err = signalGroup(h.cmd.Process, syscall.SIGKILL)
	default:
		return fmt.Errorf("unknown signal kind %d", kind)
	}
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (h *processHandle) wait() {
	waitErr := h.cmd.Wait()
	stderr := h.stderr.String()

	var (
		out *dragonflow.WorkerOutput
		err error
	)
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		err = dragonflow.NewTaskExecutionError("process",
			fmt.Sprintf("worker exited with status %d", exitErr.ExitCode()), stderr, waitErr)
	case waitErr != nil:
		err = dragonflow.NewProcessError("process", "worker I/O failed", waitErr)
	default:
		out, err = decodeOutput(h.stdout.Bytes(), stderr)
	}

	h.mu.Lock()
	h.output, h.err = out, err
	h.mu.Unlock()
	close(h.done)
}

func decodeOutput(raw []byte, stderr string) (*dragonflow.WorkerOutput, error) {
	var out dragonflow.WorkerOutput
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, dragonflow.NewTaskExecutionError("process", "worker produced no output", stderr, nil)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, dragonflow.NewTaskExecutionError("process", "worker output is not valid JSON", stderr, err)
	}
	return &out, nil
}
