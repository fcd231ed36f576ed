package terminal

// DefaultBacklogBytes bounds the replay buffer of one terminal.
const DefaultBacklogBytes = 256 * 1024

// backlog is a fixed-capacity byte ring that drops the oldest bytes when
// full. It is not safe for concurrent use; the owning entry serialises it.
type backlog struct {
	buf   []byte
	start int
	size  int
}

func newBacklog(capacity int) *backlog {
	if capacity <= 0 {
		capacity = DefaultBacklogBytes
	}
	return &backlog{buf: make([]byte, capacity)}
}

func (b *backlog) write(p []byte) {
	c := len(b.buf)
	if len(p) >= c {
		copy(b.buf, p[len(p)-c:])
		b.start, b.size = 0, c
		return
	}

	end := (b.start + b.size) % c
	n := copy(b.buf[end:], p)
	if n < len(p) {
		copy(b.buf, p[n:])
	}

	b.size += len(p)
	if b.size > c {
		b.start = (b.start + b.size - c) % c
		b.size = c
	}
}

// bytes returns a copy of the buffered data, oldest first.
func (b *backlog) bytes() []byte {
	if b.size == 0 {
		return nil
	}
	out := make([]byte, b.size)
	n := copy(out, b.buf[b.start:min(b.start+b.size, len(b.buf))])
	if n < b.size {
		copy(out[n:], b.buf[:b.size-n])
	}
	return out
}

func (b *backlog) len() int { return b.size }
