package run

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "fnwatcher/pkg/errors"
)

func writeHandler(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handler.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write handler: %v", err)
	}
	return path
}

type completionRecorder struct {
	mu     sync.Mutex
	events []Completion
}

func (c *completionRecorder) record(ev Completion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *completionRecorder) all() []Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Completion(nil), c.events...)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestRun(t *testing.T, id, body string, rec *completionRecorder) *Run {
	t.Helper()
	opts := Options{
		HandlerPath:   writeHandler(t, body),
		IORoot:        t.TempDir(),
		MaxOutputSize: 1024 * 1024,
		MaxBufferSize: 1024,
		KillGrace:     500 * time.Millisecond,
	}
	var events Events
	if rec != nil {
		events.Completed = rec.record
	}
	return New(id, opts, events)
}

func waitRun(t *testing.T, r *Run) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run %s did not finish", r.ID())
	}
}

func readAll(t *testing.T, open func() (io.ReadCloser, error)) string {
	t.Helper()
	rc, err := open()
	if err != nil {
		t.Fatalf("open artifact: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	return string(data)
}

func TestRunUsesUploadedInputFile(t *testing.T) {
	rec := &completionRecorder{}
	r := newTestRun(t, "file-input", "cat", rec)
	if _, err := r.Files().WriteFrom(RoleIn, strings.NewReader("uploaded input"), 0); err != nil {
		t.Fatalf("upload input: %v", err)
	}

	start, err := r.Start(nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if start.IsZero() {
		t.Fatalf("start time not stamped")
	}
	waitRun(t, r)

	snap, err := r.Status()
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StatusSuccess || snap.Error != "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Out != nil || snap.Err != nil {
		t.Fatalf("out/err must only be returned on request")
	}
	if got := readAll(t, r.OpenOutput); got != "uploaded input" {
		t.Fatalf("combined output = %q", got)
	}

	events := rec.all()
	if len(events) != 1 || events[0].Status != StatusSuccess || !events[0].ReportReady {
		t.Fatalf("unexpected completion events %+v", events)
	}
}

func TestRunWithCallerChannels(t *testing.T) {
	r := newTestRun(t, "sync-io", "cat", nil)
	out := &lockedBuffer{}
	text := "text sent through the caller channels\nsecond line"
	if _, err := r.Start(&IO{In: strings.NewReader(text), Out: out}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, r)

	if out.String() != text {
		t.Fatalf("caller sink = %q", out.String())
	}
	if got := readAll(t, r.OpenOutput); got != text {
		t.Fatalf("combined output = %q", got)
	}
	snap, _ := r.Status(FieldOut, FieldErr)
	if snap.Out == nil || *snap.Out != text || snap.Err == nil || *snap.Err != "" {
		t.Fatalf("unexpected requested fields %+v", snap)
	}
}

func TestRunWithoutInputReadsEmptyStdin(t *testing.T) {
	r := newTestRun(t, "no-input", "cat\nprintf done", nil)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, r)
	if got := readAll(t, r.OpenOutput); got != "done" {
		t.Fatalf("combined output = %q", got)
	}
}

func TestRunErrorAndReport(t *testing.T) {
	rec := &completionRecorder{}
	r := newTestRun(t, "failing", "printf 'to out'\nprintf 'to err' >&2\nexit 2", rec)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, r)

	snap, _ := r.Status()
	wantErr := "NonZeroReturnCode - Process returned non zero: 2"
	if snap.Status != StatusError || snap.Error != wantErr {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.StartTime == nil || snap.EndTime == nil || snap.RunningTime == "" {
		t.Fatalf("timing fields missing: %+v", snap)
	}

	report := readAll(t, r.OpenReport)
	headers := []string{"status", "error", "startTime", "endTime", "pastTime", "err", "out"}
	last := -1
	for _, key := range headers {
		idx := strings.Index(report, sectionHeader("failing", key))
		if idx <= last {
			t.Fatalf("section %s out of order in report:\n%s", key, report)
		}
		last = idx
	}
	if !strings.HasPrefix(report, sectionHeader("failing", "status")+"error") {
		t.Fatalf("unexpected status section:\n%s", report)
	}
	if !strings.Contains(report, sectionHeader("failing", "error")+wantErr) {
		t.Fatalf("error section missing:\n%s", report)
	}
	if !strings.Contains(report, sectionHeader("failing", "err")+"to err") {
		t.Fatalf("err section missing:\n%s", report)
	}
	if !strings.HasSuffix(report, sectionHeader("failing", "out")+"to out") {
		t.Fatalf("out section missing:\n%s", report)
	}

	events := rec.all()
	if len(events) != 1 || events[0].Status != StatusError || events[0].ExitCode != 2 {
		t.Fatalf("unexpected completion %+v", events)
	}
	if !pkgerrors.Is(events[0].Err, pkgerrors.NonZeroReturnCode) {
		t.Fatalf("unexpected completion error %v", events[0].Err)
	}
}

func TestRunSuccessReportHasNoErrorSection(t *testing.T) {
	r := newTestRun(t, "ok", "printf hi", nil)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, r)
	report := readAll(t, r.OpenReport)
	if strings.Contains(report, sectionHeader("ok", "error")) {
		t.Fatalf("success report must not carry an error section:\n%s", report)
	}
	if !strings.HasPrefix(report, sectionHeader("ok", "status")+"success") {
		t.Fatalf("unexpected report:\n%s", report)
	}
}

func TestRunExistingArtifactFailsRun(t *testing.T) {
	rec := &completionRecorder{}
	r := newTestRun(t, "dup", "cat", rec)
	file, err := r.Files().Create(RoleAll)
	if err != nil {
		t.Fatalf("precreate: %v", err)
	}
	_ = file.Close()

	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start must not return orchestration errors: %v", err)
	}
	waitRun(t, r)
	snap, _ := r.Status()
	if snap.Status != StatusError || !strings.HasPrefix(snap.Error, "InternalServerError - ") {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(rec.all()) != 1 {
		t.Fatalf("completion must fire once")
	}
}

func TestRunStatusNeverRegresses(t *testing.T) {
	r := newTestRun(t, "monotonic", "sleep 0.3\nprintf x", nil)
	first, _ := r.Status()
	if first.Status != StatusNotStarted || first.StartTime != nil {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}
	if _, err := r.OpenOutput(); !pkgerrors.Is(err, pkgerrors.ProcessNotFinished) {
		t.Fatalf("expected ProcessNotFinished, got %v", err)
	}
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := r.Start(nil); err == nil {
		t.Fatalf("second Start should fail")
	}
	if _, err := r.OpenReport(); !pkgerrors.Is(err, pkgerrors.ProcessNotFinished) {
		t.Fatalf("expected ProcessNotFinished, got %v", err)
	}

	order := map[Status]int{StatusNotStarted: 0, StatusRunning: 1, StatusSuccess: 2, StatusError: 2}
	prev := StatusRunning
	deadline := time.After(10 * time.Second)
	for {
		snap, _ := r.Status()
		if order[snap.Status] < order[prev] {
			t.Fatalf("status regressed from %s to %s", prev, snap.Status)
		}
		prev = snap.Status
		if prev.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("run never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if prev != StatusSuccess {
		t.Fatalf("final status %s", prev)
	}
}

func TestRunKill(t *testing.T) {
	r := newTestRun(t, "killed", "echo started\nexec sleep 30", nil)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := r.Status(FieldOut)
		if snap.Out != nil && *snap.Out == "started\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	r.Kill()
	waitRun(t, r)
	snap, _ := r.Status()
	if snap.Status != StatusError || snap.Error != "NonZeroReturnCode - Process was killed with SIGTERM" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestRunCleanup(t *testing.T) {
	r := newTestRun(t, "cleanup", "printf bye", nil)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx := context.Background()
	if err := r.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := r.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}
	for _, role := range Roles {
		if r.Files().Exists(role) {
			t.Fatalf("artifact %s survived cleanup", role)
		}
	}
	if _, err := r.Status(); !pkgerrors.Is(err, pkgerrors.RunBeingDeleted) {
		t.Fatalf("expected RunBeingDeleted, got %v", err)
	}
	if _, err := r.OpenOutput(); !pkgerrors.Is(err, pkgerrors.RunBeingDeleted) {
		t.Fatalf("expected RunBeingDeleted, got %v", err)
	}
}

func TestRunCleanupBeforeStart(t *testing.T) {
	r := newTestRun(t, "never", "cat", nil)
	if err := r.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := r.Start(nil); !pkgerrors.Is(err, pkgerrors.RunBeingDeleted) {
		t.Fatalf("expected RunBeingDeleted, got %v", err)
	}
}

func TestRunSettledFiresBeforeTerminalStatus(t *testing.T) {
	opts := Options{
		HandlerPath:   writeHandler(t, "exit 4"),
		IORoot:        t.TempDir(),
		MaxBufferSize: 1024,
		KillGrace:     500 * time.Millisecond,
	}
	var (
		r        *Run
		mu       sync.Mutex
		settled  []Status
		observed []Status
	)
	r = New("settle", opts, Events{
		Settled: func(s Status) {
			snap, _ := r.Status()
			mu.Lock()
			defer mu.Unlock()
			settled = append(settled, s)
			observed = append(observed, snap.Status)
		},
	})
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitRun(t, r)

	mu.Lock()
	defer mu.Unlock()
	if len(settled) != 1 || settled[0] != StatusError {
		t.Fatalf("settled = %v", settled)
	}
	if observed[0] != StatusRunning {
		t.Fatalf("terminal status visible before settle: %v", observed[0])
	}
}

func TestRunCleanupFinishesAfterCancelledWait(t *testing.T) {
	r := newTestRun(t, "stubborn", "trap '' TERM\necho ready\nsleep 1", nil)
	if _, err := r.Start(nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := r.Status(FieldOut)
		if snap.Out != nil && *snap.Out == "ready\n" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("handler never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := r.Cleanup(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Cleanup err = %v, want deadline exceeded", err)
	}

	select {
	case <-r.Cleaned():
	case <-time.After(10 * time.Second):
		t.Fatalf("artifacts were never deleted")
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("artifacts deleted before the run completed")
	}
	for _, role := range Roles {
		if r.Files().Exists(role) {
			t.Fatalf("artifact %s survived cleanup", role)
		}
	}
}
