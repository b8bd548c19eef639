package run

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Role names one durable artifact of a run.
type Role string

const (
	RoleIn     Role = "in"
	RoleAll    Role = "all"
	RoleOut    Role = "out"
	RoleErr    Role = "err"
	RoleReport Role = "rep"
)

// Roles lists every artifact role, in deletion order.
var Roles = []Role{RoleIn, RoleAll, RoleOut, RoleErr, RoleReport}

// PrepareIORoot creates one directory per artifact role under root.
func PrepareIORoot(root string) error {
	for _, role := range Roles {
		if err := os.MkdirAll(filepath.Join(root, string(role)), 0o755); err != nil {
			return fmt.Errorf("create %s dir: %w", role, err)
		}
	}
	return nil
}

// FileManager maps a run id to its artifact paths under an io root.
type FileManager struct {
	root string
	id   string
}

func NewFileManager(root, runID string) *FileManager {
	return &FileManager{root: root, id: runID}
}

// Path returns <root>/<role>/<runID>.
func (f *FileManager) Path(role Role) string {
	return filepath.Join(f.root, string(role), f.id)
}

// Create opens a new artifact for writing. It fails if the artifact
// already exists.
func (f *FileManager) Create(role Role) (*os.File, error) {
	path := f.Path(role)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create %s dir: %w", role, err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s artifact: %w", role, err)
	}
	return file, nil
}

// Open opens an artifact for reading.
func (f *FileManager) Open(role Role) (*os.File, error) {
	return os.Open(f.Path(role))
}

// Exists reports whether the artifact is on disk.
func (f *FileManager) Exists(role Role) bool {
	_, err := os.Stat(f.Path(role))
	return err == nil
}

// WriteFrom creates an artifact and fills it from src, reading at most
// limit bytes when limit is positive. ErrTooLarge is returned when src
// holds more than limit bytes.
func (f *FileManager) WriteFrom(role Role, src io.Reader, limit int64) (int64, error) {
	file, err := f.Create(role)
	if err != nil {
		return 0, err
	}
	reader := src
	if limit > 0 {
		reader = io.LimitReader(src, limit+1)
	}
	n, copyErr := io.Copy(file, reader)
	if err := file.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return n, fmt.Errorf("write %s artifact: %w", role, copyErr)
	}
	if limit > 0 && n > limit {
		return n, ErrTooLarge
	}
	return n, nil
}

// ErrTooLarge reports an input that exceeded its size limit.
var ErrTooLarge = errors.New("artifact exceeds size limit")

// DeleteAll removes every artifact of the run. Missing files are ignored.
func (f *FileManager) DeleteAll() error {
	var errs []error
	for _, role := range Roles {
		if err := os.Remove(f.Path(role)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
