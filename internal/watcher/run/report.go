package run

import (
	"fmt"
	"io"
	"strings"

	"fnwatcher/internal/watcher/pipe"
)

// section is one labeled block of the report.
type section struct {
	key string
	src func() (io.ReadCloser, error)
}

func textSection(key, value string) section {
	return section{key: key, src: func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(value)), nil
	}}
}

func fileSection(key string, files *FileManager, role Role) section {
	return section{key: key, src: func() (io.ReadCloser, error) {
		return files.Open(role)
	}}
}

func sectionHeader(runID, key string) string {
	return fmt.Sprintf("\n=======%s=======\n%s:\n", runID, key)
}

// writeReport relays every section, header first, into the report artifact.
func writeReport(runID string, files *FileManager, sections []section) error {
	dst, err := files.Create(RoleReport)
	if err != nil {
		return err
	}
	for _, s := range sections {
		if _, err := pipe.Relay(dst, strings.NewReader(sectionHeader(runID, s.key))); err != nil {
			_ = dst.Close()
			return fmt.Errorf("write %s header: %w", s.key, err)
		}
		src, err := s.src()
		if err != nil {
			_ = dst.Close()
			return fmt.Errorf("open %s section: %w", s.key, err)
		}
		_, err = pipe.Relay(dst, src)
		_ = src.Close()
		if err != nil {
			_ = dst.Close()
			return fmt.Errorf("write %s section: %w", s.key, err)
		}
	}
	return dst.Close()
}
