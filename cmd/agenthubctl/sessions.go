package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p-arndt/agenthub/internal/client"
	"github.com/p-arndt/agenthub/internal/store"
)

var (
	psProject string
	newName   string
	newMounts []string
	newEnv    []string
	newAttach bool
	logsLimit int64
)

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		views, err := c.ListSessions(ctx, psProject)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println(dimStyle.Render("no sessions"))
			return nil
		}
		t := newTable("ID", "NAME", "STATUS", "ACTIVITY", "CHANGED")
		for _, v := range views {
			status := sessionStatus(v.Status)
			if v.Status == store.StatusFailed && v.StatusReason != "" {
				status += " " + dimStyle.Render(v.StatusReason)
			}
			if v.Status.Live() && !v.Alive && !v.InFlight {
				status += " " + failStyle.Render("(gone)")
			}
			activity := v.Subtitle
			if activity == "" {
				activity = v.StatusMessage
			}
			t.Row(shortID(v.ID), truncate(v.DisplayName, 32), status, dimStyle.Render(truncate(activity, 60)), ago(v.StatusChangedAt))
		}
		fmt.Println(t.String())
		return nil
	},
}

// parseMount reads host:container[:ro|rw].
func parseMount(s string) (store.MountSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return store.MountSpec{}, fmt.Errorf("mount %q: want host:container[:ro]", s)
	}
	m := store.MountSpec{HostPath: parts[0], ContainerPath: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "ro":
			m.ReadOnly = true
		case "rw":
		default:
			return store.MountSpec{}, fmt.Errorf("mount %q: mode must be ro or rw", s)
		}
	}
	return m, nil
}

var newCmd = &cobra.Command{
	Use:   "new <project-id>",
	Short: "Create and start a session on a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.CreateSessionRequest{ProjectID: args[0], DisplayName: newName, Env: newEnv}
		for _, raw := range newMounts {
			m, err := parseMount(raw)
			if err != nil {
				return err
			}
			req.Mounts = append(req.Mounts, m)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		sess, err := c.CreateSession(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", busyStyle.Render(string(sess.Status)), sess.DisplayName, idStyle.Render(sess.ID))
		if newAttach {
			return attach(cmd, c, sess.ID)
		}
		return nil
	},
}

func sessionActionCmd(use, short, verb string, run func(cmd *cobra.Command, c *client.Client, id string) (*store.Session, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			sess, err := run(cmd, c, args[0])
			if err != nil {
				return err
			}
			name := args[0]
			status := okStyle.Render(verb)
			if sess != nil {
				name = sess.DisplayName
				status = sessionStatus(sess.Status)
			}
			fmt.Printf("%s %s\n", status, name)
			return nil
		},
	}
}

var startCmd = sessionActionCmd("start", "Start a stopped or failed session", "started",
	func(cmd *cobra.Command, c *client.Client, id string) (*store.Session, error) {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return c.StartSession(ctx, id)
	})

var stopCmd = sessionActionCmd("stop", "Stop a session, keeping its workspace", "stopped",
	func(cmd *cobra.Command, c *client.Client, id string) (*store.Session, error) {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return c.StopSession(ctx, id)
	})

var rmCmd = sessionActionCmd("rm", "Delete a session and its workspace", "deleted",
	func(cmd *cobra.Command, c *client.Client, id string) (*store.Session, error) {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return nil, c.DeleteSession(ctx, id)
	})

var resetCmd = sessionActionCmd("reset", "Discard local changes in a stopped session's workspace", "reset",
	func(cmd *cobra.Command, c *client.Client, id string) (*store.Session, error) {
		ctx, cancel := requestContext(cmd)
		defer cancel()
		return nil, c.ResetWorkspace(ctx, id)
	})

var logsCmd = &cobra.Command{
	Use:   "logs <session-id>",
	Short: "Print a session's terminal transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()
		data, err := c.SessionLogs(ctx, args[0], logsLimit)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

func init() {
	psCmd.Flags().StringVarP(&psProject, "project", "p", "", "only sessions of this project")

	newCmd.Flags().StringVar(&newName, "name", "", "display name")
	newCmd.Flags().StringArrayVarP(&newMounts, "mount", "m", nil, "extra bind mount host:container[:ro] (repeatable)")
	newCmd.Flags().StringArrayVarP(&newEnv, "env", "e", nil, "environment KEY=VALUE (repeatable)")
	newCmd.Flags().BoolVarP(&newAttach, "attach", "a", false, "attach once the session is running")

	logsCmd.Flags().Int64Var(&logsLimit, "limit", 0, "bytes from the end of the transcript (0 = server default)")

	rootCmd.AddCommand(psCmd, newCmd, startCmd, stopCmd, rmCmd, resetCmd, logsCmd)
}
