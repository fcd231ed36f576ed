package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/p-arndt/agenthub/internal/client"
	"github.com/p-arndt/agenthub/internal/store"
	"github.com/p-arndt/agenthub/internal/terminal"
)

const attachWait = 2 * time.Minute

var attachCmd = &cobra.Command{
	Use:   "attach <session-id>",
	Short: "Attach this terminal to a running session (Ctrl-] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return attach(cmd, c, args[0])
	},
}

// waitActive polls until the session has a live terminal.
func waitActive(cmd *cobra.Command, c *client.Client, id string) error {
	deadline := time.Now().Add(attachWait)
	for {
		ctx, cancel := requestContext(cmd)
		v, err := c.GetSession(ctx, id)
		cancel()
		if err != nil {
			return err
		}
		switch {
		case v.Terminal == terminal.StateActive:
			return nil
		case v.Status == store.StatusFailed:
			return fmt.Errorf("session %s failed: %s %s", id, v.StatusReason, v.StatusMessage)
		case v.Status == store.StatusStopped:
			return fmt.Errorf("session %s is stopped", id)
		case time.Now().After(deadline):
			return fmt.Errorf("session %s: terminal not ready after %s", id, attachWait)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func attach(cmd *cobra.Command, c *client.Client, id string) error {
	if err := waitActive(cmd, c, id); err != nil {
		return err
	}

	ctx := cmd.Context()
	t, err := c.DialTerminal(ctx, id)
	if err != nil {
		return err
	}
	defer t.Close()
	t.OnError = func(msg string) {
		fmt.Fprintf(os.Stderr, "\r\n%s %s\r\n", failStyle.Render("agenthub:"), msg)
	}

	resize := func() {
		if size, err := pty.GetsizeFull(os.Stdin); err == nil {
			t.Resize(uint(size.Cols), uint(size.Rows))
		}
	}
	resize()
	stopWinch := notifyResize(resize)
	defer stopWinch()

	restore := func() {}
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		restore = func() { term.Restore(fd, old) }
	}

	err = t.Run(ctx, os.Stdin, os.Stdout)
	restore()

	var closed *client.ClosedError
	switch {
	case errors.Is(err, client.ErrDetached):
		fmt.Fprintf(os.Stderr, "\r\n%s %s\r\n", dimStyle.Render("detached from"), id)
		return nil
	case errors.As(err, &closed):
		fmt.Fprintf(os.Stderr, "\r\n%s %s\r\n", busyStyle.Render("terminal closed:"), closed.Reason)
		return nil
	}
	return err
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
