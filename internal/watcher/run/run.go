// Package run orchestrates a single invocation of the function handler.
package run

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"fnwatcher/internal/watcher/pipe"
	"fnwatcher/internal/watcher/process"
	pkgerrors "fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"

	"go.uber.org/zap"
)

// Status is the lifecycle position of a run. It only moves forward.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusRunning    Status = "running"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Status fields that are only returned on request.
const (
	FieldOut = "out"
	FieldErr = "err"
)

// Options holds everything a run needs besides its id.
type Options struct {
	HandlerPath   string
	HandlerArgs   []string
	HandlerDir    string
	IORoot        string
	MaxOutputSize int64
	MaxBufferSize int
	KillGrace     time.Duration
}

// IO are caller supplied channels. Both are optional: without In the
// per-run input artifact is used, without Out output only reaches the
// durable artifacts.
type IO struct {
	In  io.Reader
	Out io.Writer
}

// Completion is emitted exactly once per started run, after its status
// has settled and its report has been assembled.
type Completion struct {
	RunID       string
	Status      Status
	Err         error
	StartTime   time.Time
	EndTime     time.Time
	ExitCode    int
	ExitSignal  string
	OutputSize  int64
	ReportReady bool
	ReportPath  string
}

// CompletionFunc consumes the completion event of a run.
type CompletionFunc func(Completion)

// Events are the callbacks of a run. Both are optional and fire once per
// started run. Settled fires before the terminal status can be observed,
// Completed after the report has been assembled.
type Events struct {
	Settled   func(Status)
	Completed CompletionFunc
}

// Snapshot is the polling view of a run.
type Snapshot struct {
	RunID       string     `json:"runID,omitempty"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	RunningTime string     `json:"runningTime,omitempty"`
	Out         *string    `json:"out,omitempty"`
	Err         *string    `json:"err,omitempty"`
}

// Run owns one process handle for its whole lifetime.
type Run struct {
	id     string
	opts   Options
	files  *FileManager
	proc   *process.Handle
	events Events

	mu          sync.RWMutex
	status      Status
	startTime   time.Time
	endTime     time.Time
	runErr      error
	deleted     bool
	processDone bool
	reportReady bool

	done      chan struct{}
	cleaned   chan struct{}
	cleanOnce sync.Once
}

// New builds a run without starting it.
func New(id string, opts Options, events Events) *Run {
	return &Run{
		id:    id,
		opts:  opts,
		files: NewFileManager(opts.IORoot, id),
		proc: process.New(process.Options{
			ID:            id,
			Path:          opts.HandlerPath,
			Args:          opts.HandlerArgs,
			Dir:           opts.HandlerDir,
			MaxOutputSize: opts.MaxOutputSize,
			MaxBufferSize: opts.MaxBufferSize,
			KillGrace:     opts.KillGrace,
		}),
		events:  events,
		status:  StatusNotStarted,
		done:    make(chan struct{}),
		cleaned: make(chan struct{}),
	}
}

func (r *Run) ID() string { return r.id }

// Files exposes the artifact layout, used to upload the input before start.
func (r *Run) Files() *FileManager { return r.files }

// Done is closed once the run has completed and its completion event fired.
func (r *Run) Done() <-chan struct{} { return r.done }

// Cleaned is closed once Cleanup has deleted the artifacts of the run.
func (r *Run) Cleaned() <-chan struct{} { return r.cleaned }

// Start launches the run and returns without waiting for it.
// Failures past this point end the run in error instead of being returned.
func (r *Run) Start(pio *IO) (time.Time, error) {
	r.mu.Lock()
	if r.deleted {
		r.mu.Unlock()
		return time.Time{}, pkgerrors.RunBeingDeletedError(r.id)
	}
	if r.status != StatusNotStarted {
		r.mu.Unlock()
		return time.Time{}, pkgerrors.Newf(pkgerrors.InvalidParams, "Run %s already started", r.id)
	}
	r.startTime = time.Now()
	r.status = StatusRunning
	startTime := r.startTime
	r.mu.Unlock()

	if pio == nil {
		pio = &IO{}
	}
	go r.execute(*pio)
	return startTime, nil
}

func (r *Run) execute(pio IO) {
	ctx := logger.WithRunID(context.Background(), r.id)
	closers, err := r.launch(ctx, pio)
	if err != nil {
		logger.Error(ctx, "run setup failed", zap.Error(err))
		for _, c := range closers {
			_ = c.Close()
		}
		r.finish(ctx, pkgerrors.InternalError(err))
		return
	}

	<-r.proc.Done()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn(ctx, "close run artifact failed", zap.Error(err))
		}
	}
	r.finish(ctx, r.proc.Err())
}

// launch resolves the channels and spawns the process. The returned closers
// must be closed once the process is done.
func (r *Run) launch(ctx context.Context, pio IO) ([]io.Closer, error) {
	var closers []io.Closer

	in := pio.In
	if in == nil {
		file, err := r.files.Open(RoleIn)
		switch {
		case err == nil:
			closers = append(closers, file)
			in = file
		case errors.Is(err, os.ErrNotExist):
			// no input uploaded, the process reads an empty stdin
		default:
			return closers, err
		}
	}

	outFile, err := r.files.Create(RoleOut)
	if err != nil {
		return closers, err
	}
	closers = append(closers, outFile)
	errFile, err := r.files.Create(RoleErr)
	if err != nil {
		return closers, err
	}
	closers = append(closers, errFile)
	allFile, err := r.files.Create(RoleAll)
	if err != nil {
		return closers, err
	}
	closers = append(closers, allFile)
	logger.Info(ctx, "run streams created")

	all := pipe.NewLocked(allFile)
	var caller io.Writer
	if pio.Out != nil {
		caller = pipe.NewLocked(pio.Out)
	}
	err = r.proc.Start(process.IO{
		In:     in,
		Stdout: pipe.NewFanout("stdout", outFile, all, caller),
		Stderr: pipe.NewFanout("stderr", errFile, all, caller),
	})
	return closers, err
}

// finish notifies the settled outcome, publishes the terminal status, writes
// the report, emits the completion event and releases waiters, in that order.
func (r *Run) finish(ctx context.Context, runErr error) {
	final := StatusSuccess
	if runErr != nil {
		final = StatusError
	}
	if r.events.Settled != nil {
		r.events.Settled(final)
	}

	r.mu.Lock()
	r.endTime = time.Now()
	r.runErr = runErr
	r.status = final
	r.processDone = true
	status, start, end := r.status, r.startTime, r.endTime
	r.mu.Unlock()

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Time("start_time", start),
		zap.Time("end_time", end),
		zap.String("past_time", FormatDuration(end.Sub(start))),
	}
	if runErr != nil {
		fields = append(fields, zap.String("error", pkgerrors.Describe(runErr)))
	}
	logger.Info(ctx, "run finished", fields...)

	if err := writeReport(r.id, r.files, r.reportSections(status, runErr, start, end)); err != nil {
		logger.Error(ctx, "create report failed", zap.Error(err))
	} else {
		r.mu.Lock()
		r.reportReady = true
		r.mu.Unlock()
		logger.Info(ctx, "report created")
	}

	if r.events.Completed != nil {
		r.events.Completed(Completion{
			RunID:       r.id,
			Status:      status,
			Err:         runErr,
			StartTime:   start,
			EndTime:     end,
			ExitCode:    r.proc.ExitCode(),
			ExitSignal:  r.proc.ExitSignal(),
			OutputSize:  r.proc.OutputSize(),
			ReportReady: r.IsReportReady(),
			ReportPath:  r.files.Path(RoleReport),
		})
	}
	close(r.done)
}

func (r *Run) reportSections(status Status, runErr error, start, end time.Time) []section {
	sections := []section{textSection("status", string(status))}
	if runErr != nil {
		sections = append(sections, textSection("error", pkgerrors.Describe(runErr)))
	}
	return append(sections,
		textSection("startTime", start.Format(reportTimeLayout)),
		textSection("endTime", end.Format(reportTimeLayout)),
		textSection("pastTime", FormatDuration(end.Sub(start))),
		fileSection("err", r.files, RoleErr),
		fileSection("out", r.files, RoleOut),
	)
}

// Status returns a snapshot. The out and err fields read the live status
// buffers and are only filled when requested.
func (r *Run) Status(fields ...string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.deleted {
		return Snapshot{}, pkgerrors.RunBeingDeletedError(r.id)
	}

	snap := Snapshot{RunID: r.id, Status: r.status}
	if r.runErr != nil {
		snap.Error = pkgerrors.Describe(r.runErr)
	}
	if !r.startTime.IsZero() {
		start := r.startTime
		snap.StartTime = &start
		end := time.Now()
		if !r.endTime.IsZero() {
			endTime := r.endTime
			snap.EndTime = &endTime
			end = endTime
		}
		snap.RunningTime = FormatDuration(end.Sub(start))
	}
	for _, f := range fields {
		switch f {
		case FieldOut:
			out := r.proc.Stdout()
			snap.Out = &out
		case FieldErr:
			errOut := r.proc.Stderr()
			snap.Err = &errOut
		}
	}
	return snap, nil
}

// Kill asks the process to terminate.
func (r *Run) Kill() {
	r.proc.Kill()
}

func (r *Run) IsProcessDone() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.processDone
}

func (r *Run) IsReportReady() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reportReady
}

func (r *Run) IsDeleted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deleted
}

// Started reports whether Start was accepted.
func (r *Run) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status != StatusNotStarted
}

// MarkDeleted makes the run refuse further use.
func (r *Run) MarkDeleted() {
	r.mu.Lock()
	r.deleted = true
	r.mu.Unlock()
}

// OpenOutput opens the combined output artifact of a finished run.
func (r *Run) OpenOutput() (io.ReadCloser, error) {
	r.mu.RLock()
	deleted, done := r.deleted, r.processDone
	r.mu.RUnlock()
	if deleted {
		return nil, pkgerrors.RunBeingDeletedError(r.id)
	}
	if !done {
		return nil, pkgerrors.ProcessNotFinishedError(r.id)
	}
	file, err := r.files.Open(RoleAll)
	if err != nil {
		return nil, pkgerrors.InternalError(err)
	}
	return file, nil
}

// OpenReport opens the report artifact once it has been written.
func (r *Run) OpenReport() (io.ReadCloser, error) {
	r.mu.RLock()
	deleted, done, ready := r.deleted, r.processDone, r.reportReady
	r.mu.RUnlock()
	switch {
	case deleted:
		return nil, pkgerrors.RunBeingDeletedError(r.id)
	case !done:
		return nil, pkgerrors.ProcessNotFinishedError(r.id)
	case !ready:
		return nil, pkgerrors.ReportNotReadyError(r.id)
	}
	file, err := r.files.Open(RoleReport)
	if err != nil {
		return nil, pkgerrors.InternalError(err)
	}
	return file, nil
}

// Cleanup kills the process, waits for completion and deletes every
// artifact of the run. It is safe to call at any time and more than once.
func (r *Run) Cleanup(ctx context.Context) error {
	r.mu.Lock()
	r.deleted = true
	started := r.status != StatusNotStarted
	r.mu.Unlock()

	logCtx := logger.WithRunID(ctx, r.id)
	r.proc.Kill()
	if started {
		select {
		case <-r.done:
		case <-ctx.Done():
			logger.Warn(logCtx, "cleanup stopped waiting, artifacts go once the run completes", zap.Error(ctx.Err()))
			go func() {
				<-r.done
				_ = r.deleteArtifacts(logCtx)
			}()
			return ctx.Err()
		}
	}
	return r.deleteArtifacts(logCtx)
}

func (r *Run) deleteArtifacts(ctx context.Context) error {
	err := r.files.DeleteAll()
	if err != nil {
		logger.Error(ctx, "delete run artifacts failed", zap.Error(err))
	}
	r.cleanOnce.Do(func() { close(r.cleaned) })
	return err
}
