package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"fnwatcher/internal/common/storage"
	"fnwatcher/internal/watcher/run"

	"github.com/klauspost/compress/zstd"
)

type fakeStorage struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if s.err != nil {
		return s.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.objects[bucket+"/"+objectKey] = data
	s.types[bucket+"/"+objectKey] = contentType
	return nil
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	data, ok := s.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, errors.New("not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	data, ok := s.objects[bucket+"/"+objectKey]
	if !ok {
		return storage.ObjectStat{}, errors.New("not found")
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (s *fakeStorage) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	delete(s.objects, bucket+"/"+objectKey)
	return nil
}

func writeArtifact(t *testing.T, files *run.FileManager, role run.Role, content string) {
	t.Helper()
	if _, err := files.WriteFrom(role, strings.NewReader(content), 0); err != nil {
		t.Fatalf("write %s: %v", role, err)
	}
}

func unpack(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	tr := tar.NewReader(zr)
	out := map[string]string{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		out[hdr.Name] = string(body)
	}
	return out
}

func TestArchiverUploadsReportAndOutput(t *testing.T) {
	root := t.TempDir()
	files := run.NewFileManager(root, "run-9")
	writeArtifact(t, files, run.RoleReport, "\n=======run-9=======\nstatus:\nsuccess")
	writeArtifact(t, files, run.RoleAll, "hello output")

	store := newFakeStorage()
	a, err := NewArchiver(store, "runs", "reports", root, time.Second)
	if err != nil {
		t.Fatalf("NewArchiver failed: %v", err)
	}
	if err := a.OnRunDone(context.Background(), run.Completion{RunID: "run-9", ReportReady: true}); err != nil {
		t.Fatalf("OnRunDone failed: %v", err)
	}

	key := "runs/reports/run-9.tar.zst"
	data, ok := store.objects[key]
	if !ok {
		t.Fatalf("object %s not uploaded, have %v", key, store.objects)
	}
	if store.types[key] != contentType {
		t.Fatalf("content type = %q", store.types[key])
	}
	entries := unpack(t, data)
	if entries["rep"] != "\n=======run-9=======\nstatus:\nsuccess" || entries["all"] != "hello output" {
		t.Fatalf("unexpected archive entries %v", entries)
	}
}

func TestArchiverSkipsRunsWithoutReport(t *testing.T) {
	store := newFakeStorage()
	a, _ := NewArchiver(store, "runs", "", t.TempDir(), time.Second)
	if err := a.OnRunDone(context.Background(), run.Completion{RunID: "x"}); err != nil {
		t.Fatalf("OnRunDone failed: %v", err)
	}
	if len(store.objects) != 0 {
		t.Fatalf("nothing should be uploaded")
	}
}

func TestArchiverReportsMissingArtifacts(t *testing.T) {
	store := newFakeStorage()
	a, _ := NewArchiver(store, "runs", "", t.TempDir(), time.Second)
	if err := a.OnRunDone(context.Background(), run.Completion{RunID: "gone", ReportReady: true}); err == nil {
		t.Fatalf("expected error for missing artifacts")
	}
}

func TestArchiverStorageFailure(t *testing.T) {
	root := t.TempDir()
	files := run.NewFileManager(root, "r")
	writeArtifact(t, files, run.RoleReport, "rep")
	writeArtifact(t, files, run.RoleAll, "all")
	store := newFakeStorage()
	store.err = errors.New("minio down")
	a, _ := NewArchiver(store, "runs", "", root, time.Second)
	if err := a.OnRunDone(context.Background(), run.Completion{RunID: "r", ReportReady: true}); err == nil {
		t.Fatalf("expected storage error")
	}
}

func TestNewArchiverValidation(t *testing.T) {
	if _, err := NewArchiver(nil, "b", "", "", 0); err == nil {
		t.Fatalf("expected error for nil storage")
	}
	if _, err := NewArchiver(newFakeStorage(), "", "", "", 0); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
}
