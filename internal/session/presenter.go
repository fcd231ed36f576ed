package session

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

const (
	MaxDisplayName = 80
	MaxSubtitle    = 240

	DefaultSubtitleInterval = 2 * time.Second

	// raw bytes kept for the line being printed
	maxPartialLine = 4096
)

// Presenter observes terminal output. It appends a per-session transcript
// and keeps the session subtitle at the last printable line.
type Presenter struct {
	store    SubtitleStore
	dir      string
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*presence
}

type presence struct {
	file    *os.File
	partial []byte
	last    string
	stored  string
	wrote   time.Time
}

func NewPresenter(st SubtitleStore, transcriptDir string, interval time.Duration, logger *slog.Logger) *Presenter {
	if interval <= 0 {
		interval = DefaultSubtitleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{
		store:    st,
		dir:      transcriptDir,
		interval: interval,
		logger:   logger,
		sessions: make(map[string]*presence),
	}
}

func (p *Presenter) transcriptPath(id string) string {
	return filepath.Join(p.dir, id+".log")
}

// Observe is a terminal.Observer.
func (p *Presenter) Observe(sessionID string, chunk []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps := p.presence(sessionID)
	if ps.file != nil {
		if _, err := ps.file.Write(chunk); err != nil {
			p.logger.Warn("write transcript", "session_id", sessionID, "error", err)
			ps.file.Close()
			ps.file = nil
		}
	}

	ps.feed(chunk)
	if time.Since(ps.wrote) >= p.interval {
		p.storeSubtitle(sessionID, ps)
	}
}

func (p *Presenter) presence(id string) *presence {
	ps, ok := p.sessions[id]
	if ok {
		return ps
	}
	ps = &presence{}
	if p.dir != "" {
		if err := os.MkdirAll(p.dir, 0o755); err == nil {
			f, err := os.OpenFile(p.transcriptPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				p.logger.Warn("open transcript", "session_id", id, "error", err)
			} else {
				ps.file = f
			}
		}
	}
	p.sessions[id] = ps
	return ps
}

func (ps *presence) feed(chunk []byte) {
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			break
		}
		ps.partial = append(ps.partial, chunk[:i]...)
		if line := printable(ps.partial); line != "" {
			ps.last = line
		}
		ps.partial = ps.partial[:0]
		chunk = chunk[i+1:]
	}
	ps.partial = append(ps.partial, chunk...)
	if n := len(ps.partial); n > maxPartialLine {
		ps.partial = append(ps.partial[:0], ps.partial[n-maxPartialLine:]...)
	}
}

// subtitle is the line being printed when it has text, else the last
// complete one.
func (ps *presence) subtitle() string {
	if cur := printable(ps.partial); cur != "" {
		return cur
	}
	return ps.last
}

func (p *Presenter) storeSubtitle(id string, ps *presence) {
	sub := ps.subtitle()
	ps.wrote = time.Now()
	if sub == ps.stored {
		return
	}
	if err := p.store.UpdateSessionSubtitle(id, sub); err != nil {
		p.logger.Debug("update subtitle", "session_id", id, "error", err)
		return
	}
	ps.stored = sub
}

// Flush writes a pending subtitle immediately.
func (p *Presenter) Flush(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.sessions[id]; ok {
		p.storeSubtitle(id, ps)
	}
}

// Subtitle returns the current derived subtitle.
func (p *Presenter) Subtitle(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.sessions[id]; ok {
		return ps.subtitle()
	}
	return ""
}

// Forget drops the in-memory state of a session and closes its transcript.
func (p *Presenter) Forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps, ok := p.sessions[id]; ok {
		if ps.file != nil {
			ps.file.Close()
		}
		delete(p.sessions, id)
	}
}

func (p *Presenter) RemoveTranscript(id string) error {
	if p.dir == "" {
		return nil
	}
	err := os.Remove(p.transcriptPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Tail returns the last limit bytes of the transcript, or all of it when
// limit is not positive. A missing transcript is empty.
func (p *Presenter) Tail(id string, limit int64) ([]byte, error) {
	if p.dir == "" {
		return nil, nil
	}
	f, err := os.Open(p.transcriptPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if limit > 0 {
		st, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if st.Size() > limit {
			if _, err := f.Seek(st.Size()-limit, io.SeekStart); err != nil {
				return nil, err
			}
		}
	}
	return io.ReadAll(f)
}

func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ps := range p.sessions {
		if ps.file != nil {
			ps.file.Close()
		}
		delete(p.sessions, id)
	}
}

// printable keeps what follows the last carriage return, strips escape
// sequences, drops control characters and clamps the result.
func printable(raw []byte) string {
	raw = bytes.TrimRight(raw, "\r")
	if i := bytes.LastIndexByte(raw, '\r'); i >= 0 {
		raw = raw[i+1:]
	}
	s := strings.Map(func(r rune) rune {
		if r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, ansi.Strip(string(raw)))
	return clamp(strings.TrimSpace(s), MaxSubtitle)
}

func clampName(s string) string {
	return clamp(strings.TrimSpace(s), MaxDisplayName)
}

func clamp(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
