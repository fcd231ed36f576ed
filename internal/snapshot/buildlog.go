package snapshot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/p-arndt/agenthub/internal/events"
)

// LogPath is where the most recent build output of a project is kept.
func (b *Builder) LogPath(projectID string) string {
	return filepath.Join(b.logDir, projectID+".log")
}

// ReadLog returns at most limit trailing bytes of the project's last build
// log. A project that never built has an empty log.
func (b *Builder) ReadLog(projectID string, limit int64) ([]byte, error) {
	f, err := os.Open(b.LogPath(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open build log: %w", err)
	}
	defer f.Close()

	if limit > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > limit {
			if _, err := f.Seek(st.Size()-limit, io.SeekStart); err != nil {
				return nil, fmt.Errorf("seek build log: %w", err)
			}
		}
	}
	return io.ReadAll(f)
}

// RemoveLog deletes a project's build log.
func (b *Builder) RemoveLog(projectID string) error {
	if err := os.Remove(b.LogPath(projectID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// openLog truncates the project's build log and returns a writer that feeds
// both the file and build.log events.
func (b *Builder) openLog(projectID string) (io.Writer, func(), error) {
	if err := os.MkdirAll(b.logDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create build log dir: %w", err)
	}
	f, err := os.Create(b.LogPath(projectID))
	if err != nil {
		return nil, nil, fmt.Errorf("create build log: %w", err)
	}
	lw := &lineWriter{emit: func(line string) {
		if b.events != nil {
			b.events.Publish(events.TypeBuildLog, events.BuildLog{ProjectID: projectID, Line: line})
		}
	}}
	w := &syncWriter{w: io.MultiWriter(f, lw)}
	return w, func() {
		lw.flush()
		f.Close()
	}, nil
}

// syncWriter serialises writes from the log stream and the builder itself.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// lineWriter splits a byte stream into lines.
type lineWriter struct {
	buf  bytes.Buffer
	emit func(string)
}

func (l *lineWriter) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		i := bytes.IndexByte(l.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(l.buf.Next(i + 1))
		l.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (l *lineWriter) flush() {
	if l.buf.Len() > 0 {
		l.emit(l.buf.String())
		l.buf.Reset()
	}
}
