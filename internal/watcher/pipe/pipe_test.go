package pipe

import (
	"bytes"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type failingWriter struct {
	calls int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, errors.New("broken sink")
}

type closeRecorder struct {
	bytes.Buffer
	closed int
}

func (c *closeRecorder) Close() error {
	c.closed++
	return nil
}

func TestRelaySequentialSources(t *testing.T) {
	var dst bytes.Buffer
	for _, part := range []string{"status:\n", "success", "\nout:\n", "hello"} {
		if _, err := Relay(&dst, strings.NewReader(part)); err != nil {
			t.Fatalf("Relay failed: %v", err)
		}
	}
	if dst.String() != "status:\nsuccess\nout:\nhello" {
		t.Fatalf("unexpected destination content: %q", dst.String())
	}
}

func TestRelayAndCloseClosesOnce(t *testing.T) {
	dst := &closeRecorder{}
	n, err := RelayAndClose(dst, strings.NewReader("abc"))
	if err != nil || n != 3 {
		t.Fatalf("RelayAndClose = %d, %v", n, err)
	}
	if dst.closed != 1 {
		t.Fatalf("expected one close, got %d", dst.closed)
	}
}

func TestRelayAndCloseClosesOnError(t *testing.T) {
	dst := &closeRecorder{}
	src := io.MultiReader(strings.NewReader("a"), &errReader{})
	if _, err := RelayAndClose(dst, src); err == nil {
		t.Fatalf("expected read error")
	}
	if dst.closed != 1 {
		t.Fatalf("destination not closed after error")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestFanoutDropsFailingSink(t *testing.T) {
	var good bytes.Buffer
	bad := &failingWriter{}
	f := NewFanout("test", &good, nil, bad)
	if f.Len() != 2 {
		t.Fatalf("nil sink should be ignored, got %d sinks", f.Len())
	}

	for _, chunk := range []string{"one ", "two"} {
		n, err := f.Write([]byte(chunk))
		if err != nil || n != len(chunk) {
			t.Fatalf("Write = %d, %v", n, err)
		}
	}
	if good.String() != "one two" {
		t.Fatalf("good sink content: %q", good.String())
	}
	if bad.calls != 1 {
		t.Fatalf("failing sink should be called once, got %d", bad.calls)
	}
	if f.Len() != 1 {
		t.Fatalf("failing sink not dropped")
	}
}

func TestLockedConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	l := NewLocked(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = l.Write([]byte("x"))
			}
		}()
	}
	wg.Wait()
	if buf.Len() != 800 {
		t.Fatalf("expected 800 bytes, got %d", buf.Len())
	}
}

func TestFlushingFlushesRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	fw := NewFlushing(rec)
	if _, err := fw.Write([]byte("chunk")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !rec.Flushed {
		t.Fatalf("expected recorder to be flushed")
	}
	if rec.Body.String() != "chunk" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}
