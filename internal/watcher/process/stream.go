package process

import (
	"context"
	"io"
	"unicode/utf8"

	"fnwatcher/internal/watcher/buffer"
	"fnwatcher/pkg/utils/logger"

	"go.uber.org/zap"
)

// streamWriter receives one child stream. It forwards chunks to the sink,
// feeds the status buffer and accounts the shared output size.
// Write never fails so the child is never cut off by a slow consumer.
type streamWriter struct {
	h       *Handle
	name    string
	buf     *buffer.Bounded
	sink    io.Writer
	stopped bool
	carry   []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	total := w.h.outputSize.Add(int64(len(p)))

	if w.sink != nil && !w.stopped {
		if _, err := w.sink.Write(p); err != nil {
			logger.Warn(logger.WithRunID(context.Background(), w.h.opts.ID), "stream sink write failed",
				zap.String("stream", w.name),
				zap.Error(err),
			)
		}
	}
	w.buf.Push(w.text(p))

	if limit := w.h.opts.MaxOutputSize; limit > 0 && total > limit {
		w.h.exceeded(w)
	}
	return len(p), nil
}

// text decodes p, holding back a trailing incomplete UTF-8 sequence until
// the next chunk arrives.
func (w *streamWriter) text(p []byte) string {
	if len(w.carry) > 0 {
		p = append(w.carry, p...)
		w.carry = nil
	}
	cut := len(p)
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				cut = i
			}
			break
		}
	}
	if cut < len(p) {
		w.carry = append([]byte(nil), p[cut:]...)
	}
	return string(p[:cut])
}
