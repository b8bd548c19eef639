// Package runner is the admission-controlled registry of runs.
package runner

import (
	"context"
	"sort"
	"sync"

	"fnwatcher/internal/watcher/run"
	pkgerrors "fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"

	"go.uber.org/zap"
)

// CompletionHook receives the completion event of every run after the
// registry counters have been updated.
type CompletionHook interface {
	Name() string
	OnRunDone(ctx context.Context, c run.Completion) error
}

// Stats are the aggregate counters of the registry.
type Stats struct {
	Current int      `json:"current"`
	Limit   int      `json:"limit"`
	Success int      `json:"success"`
	Error   int      `json:"error"`
	Runs    []string `json:"runs"`
}

// Runner admits, tracks and removes runs.
type Runner struct {
	limit   int
	runOpts run.Options
	hooks   []CompletionHook

	mu      sync.Mutex
	runs    map[string]*run.Run
	holding map[*run.Run]struct{}
	// removing keeps ids whose artifacts are still being deleted.
	removing map[string]*run.Run
	success  int
	failed   int
}

// New creates a registry admitting at most limit in-flight runs.
func New(limit int, runOpts run.Options, hooks ...CompletionHook) *Runner {
	if limit < 1 {
		limit = 1
	}
	return &Runner{
		limit:    limit,
		runOpts:  runOpts,
		hooks:    hooks,
		runs:     make(map[string]*run.Run),
		holding:  make(map[*run.Run]struct{}),
		removing: make(map[string]*run.Run),
	}
}

// Limit returns the concurrency ceiling.
func (r *Runner) Limit() int { return r.limit }

// CreateRun reserves a slot and registers a new, not yet started run.
func (r *Runner) CreateRun(id string) (*run.Run, error) {
	if id == "" {
		return nil, pkgerrors.New(pkgerrors.InvalidParams).WithMessage("run id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[id]; ok {
		return nil, pkgerrors.RunIDAlreadyExistsError(id)
	}
	if old, ok := r.removing[id]; ok {
		select {
		case <-old.Cleaned():
			delete(r.removing, id)
		default:
			return nil, pkgerrors.RunBeingDeletedError(id)
		}
	}
	if len(r.holding) >= r.limit {
		return nil, pkgerrors.RunsLimitReachedError(r.limit)
	}

	var created *run.Run
	created = run.New(id, r.runOpts, run.Events{
		Settled:   func(s run.Status) { r.settle(created, s) },
		Completed: r.complete,
	})
	r.runs[id] = created
	r.holding[created] = struct{}{}
	logger.Info(logger.WithRunID(context.Background(), id), "run created",
		zap.Int("current", len(r.holding)),
		zap.Int("limit", r.limit),
	)
	return created, nil
}

// GetRun returns the run registered under id, or nil.
func (r *Runner) GetRun(id string) *run.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[id]
}

// RemoveRun unregisters the run and waits for its cleanup. It returns nil
// when no run is registered under id.
func (r *Runner) RemoveRun(ctx context.Context, id string) (*run.Run, error) {
	r.mu.Lock()
	target, ok := r.runs[id]
	if ok {
		delete(r.runs, id)
		r.removing[id] = target
	}
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	target.MarkDeleted()
	if !target.Started() {
		// never started, so no completion will give the slot back
		r.release(target)
	}
	logger.Info(logger.WithRunID(ctx, id), "removing run")
	if err := target.Cleanup(ctx); err != nil {
		return target, err
	}
	r.mu.Lock()
	if r.removing[id] == target {
		delete(r.removing, id)
	}
	r.mu.Unlock()
	return target, nil
}

// Reset removes every run and zeroes the counters.
func (r *Runner) Reset(ctx context.Context) {
	r.mu.Lock()
	runs := make([]*run.Run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.runs = make(map[string]*run.Run)
	r.holding = make(map[*run.Run]struct{})
	r.removing = make(map[string]*run.Run)
	r.success = 0
	r.failed = 0
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rn := range runs {
		wg.Add(1)
		go func(rn *run.Run) {
			defer wg.Done()
			if err := rn.Cleanup(ctx); err != nil {
				logger.Warn(logger.WithRunID(ctx, rn.ID()), "cleanup on reset failed", zap.Error(err))
			}
		}(rn)
	}
	wg.Wait()
}

// Stats returns a copy of the counters.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Stats{
		Current: len(r.holding),
		Limit:   r.limit,
		Success: r.success,
		Error:   r.failed,
		Runs:    ids,
	}
}

// release gives back the slot held by rn. It reports whether rn held one.
func (r *Runner) release(rn *run.Run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.holding[rn]; !ok {
		return false
	}
	delete(r.holding, rn)
	return true
}

// settle gives back the slot of a finished run and counts its outcome.
// It runs before the terminal status becomes visible to pollers.
func (r *Runner) settle(rn *run.Run, status run.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.holding[rn]; !held {
		return
	}
	delete(r.holding, rn)
	if status == run.StatusSuccess {
		r.success++
	} else {
		r.failed++
	}
}

// complete fans the completion event out to the hooks.
func (r *Runner) complete(c run.Completion) {
	ctx := logger.WithRunID(context.Background(), c.RunID)

	r.mu.Lock()
	current := len(r.holding)
	r.mu.Unlock()

	logger.Info(ctx, "run completed",
		zap.String("status", string(c.Status)),
		zap.Int("current", current),
	)

	for _, hook := range r.hooks {
		if err := hook.OnRunDone(ctx, c); err != nil {
			logger.Error(ctx, "completion hook failed",
				zap.String("hook", hook.Name()),
				zap.Error(err),
			)
		}
	}
}
