package runner

import (
	"bytes"
	"fmt"
	"io"

	"github.com/moonrun/moonrun/internal/colorcache"
	"github.com/moonrun/moonrun/internal/logstreamer"
	"github.com/moonrun/moonrun/internal/model"
)

// outputSink captures/streams one task's stdout or stderr per its
// configured OutputStyle, and always retains a full in-memory copy so the
// runner can archive it as a log regardless of what reached the terminal.
//
// Grounded on RunCache.OutputWriter's nopWriteCloser/fileWriterCloser
// split (live-stream vs capture-to-buffer-then-flush), adapted to a
// single in-process buffer instead of a file, since the runner persists
// logs via cachestore.LocalCache.Put rather than a standalone log file.
type outputSink struct {
	style  model.OutputStyle
	buf    bytes.Buffer
	live   io.Writer // nil when nothing should be echoed live
}

func newOutputSink(style model.OutputStyle, colors *colorcache.ColorCache, taskID, streamName string) *outputSink {
	s := &outputSink{style: style}
	if style == model.OutputStream {
		prefix := colors.PrefixWithColor(taskID, taskID)
		s.live = logstreamer.NewPrettyStdoutWriter(prefix)
	}
	return s
}

func (s *outputSink) Write(p []byte) (int, error) {
	if s.live != nil {
		if _, err := s.live.Write(p); err != nil {
			return 0, err
		}
	}
	return s.buf.Write(p)
}

// Bytes returns the full captured content regardless of live-echo policy.
func (s *outputSink) Bytes() []byte { return s.buf.Bytes() }

// flushOnFinish echoes the buffered content to w per the sink's policy,
// once the task's outcome (success/failure) is known. Stream output has
// already been echoed live and is skipped here.
func (s *outputSink) flushOnFinish(w io.Writer, failed bool) error {
	switch s.style {
	case model.OutputStream:
		return nil
	case model.OutputBuffer:
		_, err := w.Write(s.buf.Bytes())
		return err
	case model.OutputBufferOnlyFailure:
		if !failed {
			return nil
		}
		_, err := w.Write(s.buf.Bytes())
		return err
	case model.OutputHash, model.OutputNone:
		return nil
	default:
		return fmt.Errorf("runner: unknown output style %d", s.style)
	}
}
