// Package process supervises the function handler child process.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"fnwatcher/internal/watcher/buffer"
	pkgerrors "fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultMaxOutputSize int64 = 10 * 1024 * 1024
	DefaultMaxBufferSize       = 10 * 1024
	DefaultKillGrace           = 5 * time.Second
	DefaultWaitDelay           = 2 * time.Second
)

// State is the lifecycle position of a Handle.
type State int32

const (
	StateIdle State = iota
	StateSpawned
	StateExited
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpawned:
		return "spawned"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Options configures a Handle.
type Options struct {
	ID   string
	Path string
	Args []string
	Dir  string
	Env  []string

	// MaxOutputSize is the ceiling, in bytes, for stdout and stderr combined.
	// Zero disables the policy.
	MaxOutputSize int64
	// MaxBufferSize is the capacity, in characters, of each status buffer.
	MaxBufferSize int
	// KillGrace is the delay between SIGTERM and SIGKILL.
	KillGrace time.Duration
	// WaitDelay bounds how long stream copying may outlive the process.
	WaitDelay time.Duration
}

// IO carries the channels bound to the child. Every field is optional.
type IO struct {
	In     io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Handle owns one child process: one spawn, one completion.
type Handle struct {
	opts Options

	stdout *buffer.Bounded
	stderr *buffer.Bounded

	// outputSize counts bytes from both streams.
	outputSize atomic.Int64

	mu         sync.Mutex
	state      State
	cmd        *exec.Cmd
	runErr     error
	limitHit   bool
	killing    bool
	killTimer  *time.Timer
	exitCode   int
	exitSignal string

	done chan struct{}
}

// New creates an idle handle.
func New(opts Options) *Handle {
	if opts.MaxBufferSize < 0 {
		opts.MaxBufferSize = DefaultMaxBufferSize
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.WaitDelay <= 0 {
		opts.WaitDelay = DefaultWaitDelay
	}
	return &Handle{
		opts:     opts,
		stdout:   buffer.NewBounded(opts.MaxBufferSize),
		stderr:   buffer.NewBounded(opts.MaxBufferSize),
		exitCode: -1,
		done:     make(chan struct{}),
	}
}

// Start spawns the command with the given channels and returns immediately.
// A spawn failure is recorded on the handle and also returned.
func (h *Handle) Start(pio IO) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateIdle {
		return fmt.Errorf("process %s already started", h.opts.ID)
	}

	ctx := logger.WithRunID(context.Background(), h.opts.ID)
	cmd := exec.Command(h.opts.Path, h.opts.Args...)
	cmd.Dir = h.opts.Dir
	if len(h.opts.Env) > 0 {
		cmd.Env = h.opts.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = h.opts.WaitDelay
	cmd.Stdin = pio.In
	cmd.Stdout = &streamWriter{h: h, name: "stdout", buf: h.stdout, sink: pio.Stdout}
	cmd.Stderr = &streamWriter{h: h, name: "stderr", buf: h.stderr, sink: pio.Stderr}

	logger.Info(ctx, "spawn process", zap.String("path", h.opts.Path), zap.Strings("args", h.opts.Args))
	if err := cmd.Start(); err != nil {
		h.state = StateExited
		h.recordLocked(pkgerrors.InternalError(err))
		close(h.done)
		logger.Error(ctx, "spawn process failed", zap.Error(err))
		return err
	}
	h.cmd = cmd
	h.state = StateSpawned

	go h.wait(ctx)
	return nil
}

func (h *Handle) wait(ctx context.Context) {
	waitErr := h.cmd.Wait()
	if waitErr != nil && errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn(ctx, "process streams outlived the process", zap.Error(waitErr))
	}

	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	h.state = StateExited
	if ps := h.cmd.ProcessState; ps != nil {
		h.exitCode = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			h.exitSignal = unix.SignalName(ws.Signal())
		}
		switch {
		case h.exitSignal != "":
			h.recordLocked(pkgerrors.KilledBySignalError(h.exitSignal))
		case h.exitCode != 0:
			h.recordLocked(pkgerrors.NonZeroReturnCodeError(h.exitCode))
		}
	} else if waitErr != nil {
		h.recordLocked(pkgerrors.InternalError(waitErr))
	}
	code, sig := h.exitCode, h.exitSignal
	h.mu.Unlock()

	logger.Info(ctx, "process closed", zap.Int("exit_code", code), zap.String("signal", sig))
	close(h.done)
}

// recordLocked keeps the first recorded error.
func (h *Handle) recordLocked(err error) {
	if h.runErr == nil {
		h.runErr = err
	}
}

// Kill sends SIGTERM to the process group and arms a SIGKILL that fires
// after the grace window unless the process exits first.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateSpawned {
		return
	}
	h.signalLocked(unix.SIGTERM)
	if h.killing {
		return
	}
	h.killing = true
	h.killTimer = time.AfterFunc(h.opts.KillGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state == StateSpawned {
			h.signalLocked(unix.SIGKILL)
		}
	})
}

func (h *Handle) signalLocked(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	ctx := logger.WithRunID(context.Background(), h.opts.ID)
	logger.Info(ctx, "signal process group", zap.Int("pid", pid), zap.String("signal", unix.SignalName(sig)))
	if err := unix.Kill(-pid, sig); err != nil {
		if err := h.cmd.Process.Signal(sig); err != nil {
			logger.Warn(ctx, "signal process failed", zap.Error(err))
		}
	}
}

// exceeded applies the output-size policy once.
func (h *Handle) exceeded(w *streamWriter) {
	h.mu.Lock()
	if h.limitHit {
		h.mu.Unlock()
		return
	}
	h.limitHit = true
	h.recordLocked(pkgerrors.MaxOutputSizeReachedError(h.opts.MaxOutputSize))
	h.mu.Unlock()

	w.stopped = true
	logger.Warn(logger.WithRunID(context.Background(), h.opts.ID), "max output size reached",
		zap.Int64("limit", h.opts.MaxOutputSize),
		zap.String("stream", w.name),
	)
	h.Kill()
}

// Done is closed once the process has exited, for any outcome.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the process exits or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the first recorded error, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runErr
}

// ExitCode returns the exit code, -1 when unknown or signalled.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// ExitSignal returns the name of the terminating signal, if any.
func (h *Handle) ExitSignal() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitSignal
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Stdout returns the tail of the standard output.
func (h *Handle) Stdout() string { return h.stdout.String() }

// Stderr returns the tail of the standard error.
func (h *Handle) Stderr() string { return h.stderr.String() }

// OutputSize returns the bytes produced on both streams so far.
func (h *Handle) OutputSize() int64 { return h.outputSize.Load() }
