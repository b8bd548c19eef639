// Package repository keeps the final status of runs after they leave the
// registry.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fnwatcher/internal/common/cache"
	"fnwatcher/internal/watcher/run"
	appErr "fnwatcher/pkg/errors"
)

const statusKeyPrefix = "fnwatcher:status:"

// FinalStatus is the persisted outcome of a run.
type FinalStatus struct {
	RunID       string    `json:"runID"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	RunningTime string    `json:"runningTime"`
	ExitCode    int       `json:"exitCode"`
	ExitSignal  string    `json:"exitSignal,omitempty"`
	OutputSize  int64     `json:"outputSize"`
}

// FromCompletion converts a completion event.
func FromCompletion(c run.Completion) FinalStatus {
	fs := FinalStatus{
		RunID:       c.RunID,
		Status:      string(c.Status),
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		RunningTime: run.FormatDuration(c.EndTime.Sub(c.StartTime)),
		ExitCode:    c.ExitCode,
		ExitSignal:  c.ExitSignal,
		OutputSize:  c.OutputSize,
	}
	if c.Err != nil {
		fs.Error = appErr.Describe(c.Err)
	}
	return fs
}

// Snapshot renders the stored status like a live one.
func (fs FinalStatus) Snapshot() run.Snapshot {
	start, end := fs.StartTime, fs.EndTime
	return run.Snapshot{
		RunID:       fs.RunID,
		Status:      run.Status(fs.Status),
		Error:       fs.Error,
		StartTime:   &start,
		EndTime:     &end,
		RunningTime: fs.RunningTime,
	}
}

// StatusRepository handles final status persistence.
type StatusRepository struct {
	cache cache.BasicOps
	TTL   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.BasicOps, ttl time.Duration) *StatusRepository {
	return &StatusRepository{cache: cacheClient, TTL: ttl}
}

// Get returns the final status of a run.
func (r *StatusRepository) Get(ctx context.Context, runID string) (FinalStatus, error) {
	if runID == "" {
		return FinalStatus{}, appErr.New(appErr.InvalidParams).WithMessage("run id is required")
	}
	if r.cache == nil {
		return FinalStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+runID)
	if errors.Is(err, cache.ErrNotFound) || (err == nil && val == "") {
		return FinalStatus{}, appErr.NoSuchRunError(runID)
	}
	if err != nil {
		return FinalStatus{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	var fs FinalStatus
	if err := json.Unmarshal([]byte(val), &fs); err != nil {
		return FinalStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return fs, nil
}

// Save persists a final status.
func (r *StatusRepository) Save(ctx context.Context, fs FinalStatus) error {
	if fs.RunID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("run id is required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+fs.RunID, string(data), cache.JitterTTL(r.TTL)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store status failed")
	}
	return nil
}

// Delete drops the final status of a removed run.
func (r *StatusRepository) Delete(ctx context.Context, runID string) error {
	if runID == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("run id is required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if err := r.cache.Del(ctx, statusKeyPrefix+runID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "delete status failed")
	}
	return nil
}

// Name implements the registry completion hook.
func (r *StatusRepository) Name() string { return "status-repository" }

// OnRunDone stores the final status of a completed run.
func (r *StatusRepository) OnRunDone(ctx context.Context, c run.Completion) error {
	return r.Save(ctx, FromCompletion(c))
}
