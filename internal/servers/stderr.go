// ABOUTME: Forwards server process stderr into the structured logger
// ABOUTME: Buffers partial writes and logs one record per line

package servers

import (
	"bytes"
	"log/slog"
	"sync"
)

// stderrLogger is an io.Writer that logs each complete line at debug level.
type stderrLogger struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func newStderrLogger(logger *slog.Logger, server string) *stderrLogger {
	return &stderrLogger{logger: logger.With("server", server)}
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			rest := append([]byte(nil), line...)
			w.buf.Reset()
			w.buf.Write(rest)
			break
		}
		if text := bytes.TrimSpace(line); len(text) > 0 {
			w.logger.Debug("server stderr", "line", string(text))
		}
	}
	return len(p), nil
}
