package docker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/docker/docker/api/types/container"
)

// Container is a started container, with its tty stream when one was attached.
type Container struct {
	ID     string
	Stream io.ReadWriteCloser
}

// Stream is the raw tty byte stream of an attached container. With a tty the
// engine does not multiplex stdout and stderr, so bytes pass through as-is.
type Stream struct {
	conn      net.Conn
	reader    *bufio.Reader
	closeOnce sync.Once
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *Stream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

// AttachContainer opens a hijacked stdin/stdout/stderr stream to the container.
func (c *Client) AttachContainer(ctx context.Context, id string) (*Stream, error) {
	resp, err := c.docker.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("container attach: %w", err)
	}
	return &Stream{conn: resp.Conn, reader: resp.Reader}, nil
}
