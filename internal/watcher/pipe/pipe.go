// Package pipe moves bytes between the process streams, the per-run
// artifacts and caller supplied sinks.
package pipe

import (
	"context"
	"io"
	"net/http"
	"sync"

	"fnwatcher/pkg/utils/logger"

	"go.uber.org/zap"
)

// Relay copies src into dst until src is exhausted and leaves dst open,
// so several sources can be written into the same destination in sequence.
// It returns exactly once, with the first read or write error.
func Relay(dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, src)
}

// RelayAndClose copies src into dst and closes dst afterwards.
// The close happens even when the copy fails.
func RelayAndClose(dst io.WriteCloser, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// Locked serializes writes coming from several goroutines.
type Locked struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLocked(w io.Writer) *Locked {
	return &Locked{w: w}
}

func (l *Locked) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// Fanout writes every chunk to all of its sinks.
// A sink that fails is dropped and logged; the remaining sinks keep receiving
// data and Write itself never fails, so one broken consumer cannot stall the
// process it is reading from.
type Fanout struct {
	mu    sync.Mutex
	name  string
	sinks []io.Writer
}

// NewFanout creates a fan-out writer. Nil sinks are ignored.
func NewFanout(name string, sinks ...io.Writer) *Fanout {
	f := &Fanout{name: name}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sinks[:0]
	for _, s := range f.sinks {
		if _, err := s.Write(p); err != nil {
			logger.Warn(context.Background(), "drop failing sink",
				zap.String("sink", f.name),
				zap.Error(err),
			)
			continue
		}
		kept = append(kept, s)
	}
	f.sinks = kept
	return len(p), nil
}

// Len reports how many sinks are still attached.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// Flushing flushes an http response after every write so the client sees
// output as soon as the process produces it.
type Flushing struct {
	w io.Writer
	f http.Flusher
}

func NewFlushing(w io.Writer) *Flushing {
	fw := &Flushing{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.f = f
	}
	return fw
}

func (fw *Flushing) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil && fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
