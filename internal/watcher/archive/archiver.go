// Package archive uploads the artifacts of finished runs to object storage
// as a zstd-compressed tarball.
package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"fnwatcher/internal/common/storage"
	"fnwatcher/internal/watcher/run"
	appErr "fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

const contentType = "application/zstd"

// archivedRoles are packed into the tarball, in this order.
var archivedRoles = []run.Role{run.RoleReport, run.RoleAll}

// Archiver is a completion hook that uploads <prefix><runID>.tar.zst.
type Archiver struct {
	store   storage.ObjectStorage
	bucket  string
	prefix  string
	ioRoot  string
	timeout time.Duration
}

func NewArchiver(store storage.ObjectStorage, bucket, prefix, ioRoot string, timeout time.Duration) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object storage is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{store: store, bucket: bucket, prefix: prefix, ioRoot: ioRoot, timeout: timeout}, nil
}

// ObjectKey returns the object key used for a run.
func (a *Archiver) ObjectKey(runID string) string {
	return path.Join(a.prefix, runID+".tar.zst")
}

func (a *Archiver) Name() string { return "archive" }

// OnRunDone archives the report and combined output. Runs without a report
// are skipped.
func (a *Archiver) OnRunDone(ctx context.Context, c run.Completion) error {
	if !c.ReportReady {
		logger.Warn(ctx, "skip archive, report not ready")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	files := run.NewFileManager(a.ioRoot, c.RunID)
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(pack(pw, files))
	}()

	key := a.ObjectKey(c.RunID)
	if err := a.store.PutObject(ctx, a.bucket, key, pr, -1, contentType); err != nil {
		_ = pr.CloseWithError(err)
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "archive run %s failed", c.RunID)
	}
	logger.Info(ctx, "run archived", zap.String("bucket", a.bucket), zap.String("key", key))
	return nil
}

func pack(w io.Writer, files *run.FileManager) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, role := range archivedRoles {
		if err := addFile(tw, string(role), files.Path(role)); err != nil {
			_ = tw.Close()
			_ = zw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		_ = zw.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	return zw.Close()
}

func addFile(tw *tar.Writer, name, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
