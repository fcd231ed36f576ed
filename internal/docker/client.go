package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/p-arndt/agenthub/internal/apperr"
)

const labelPrefix = "agenthub."

const (
	LabelManaged   = labelPrefix + "managed"
	LabelRole      = labelPrefix + "role"
	LabelSessionID = labelPrefix + "session_id"
	LabelProjectID = labelPrefix + "project_id"
)

// Container roles.
const (
	RoleSession = "session"
	RoleBuild   = "build"
)

// ErrNoIdentity is returned when a launch request carries no explicit user.
var ErrNoIdentity = errors.New("container launch requires an explicit uid:gid user")

type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

// Mount is a bind mount whose Source is already daemon-visible.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

type Resources struct {
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
}

// RunOpts describes one container. User must be an explicit "uid:gid".
type RunOpts struct {
	Name       string
	Image      string
	User       string
	GroupAdd   []string
	Env        []string
	WorkingDir string
	Cmd        []string
	Mounts     []Mount
	TmpfsBytes int64
	ExtraHosts []string
	Labels     map[string]string
	TTY        bool
	Resources  Resources
}

func (o RunOpts) hostConfig() *container.HostConfig {
	mounts := make([]mount.Mount, 0, len(o.Mounts)+1)
	for _, m := range o.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if o.TmpfsBytes > 0 {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeTmpfs,
			Target: "/tmp",
			TmpfsOptions: &mount.TmpfsOptions{
				SizeBytes: o.TmpfsBytes,
				Mode:      01777,
			},
		})
	}

	hc := &container.HostConfig{
		Mounts:     mounts,
		GroupAdd:   o.GroupAdd,
		ExtraHosts: o.ExtraHosts,
		AutoRemove: false,
		Resources: container.Resources{
			NanoCPUs: o.Resources.NanoCPUs,
			Memory:   o.Resources.MemoryBytes,
		},
	}
	if o.Resources.PidsLimit > 0 {
		hc.Resources.PidsLimit = int64Ptr(o.Resources.PidsLimit)
	}
	return hc
}

func (o RunOpts) config() *container.Config {
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range o.Labels {
		labels[k] = v
	}
	return &container.Config{
		Image:        o.Image,
		User:         o.User,
		Env:          o.Env,
		WorkingDir:   o.WorkingDir,
		Cmd:          o.Cmd,
		Labels:       labels,
		Tty:          o.TTY,
		OpenStdin:    o.TTY,
		AttachStdin:  o.TTY,
		AttachStdout: true,
		AttachStderr: true,
	}
}

// CreateContainer creates a container without starting it.
func (c *Client) CreateContainer(ctx context.Context, opts RunOpts) (string, error) {
	if opts.User == "" {
		return "", ErrNoIdentity
	}
	resp, err := c.docker.ContainerCreate(ctx, opts.config(), opts.hostConfig(), nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// RunContainer creates the container, attaches to its tty when TTY is set
// and starts it. The attach happens before start so no output is lost. On any
// failure the container is removed.
func (c *Client) RunContainer(ctx context.Context, opts RunOpts) (*Container, error) {
	id, err := c.CreateContainer(ctx, opts)
	if err != nil {
		return nil, err
	}

	ctr := &Container{ID: id}
	if opts.TTY {
		stream, err := c.AttachContainer(ctx, id)
		if err != nil {
			c.RemoveContainer(context.WithoutCancel(ctx), id)
			return nil, err
		}
		ctr.Stream = stream
	}

	if err := c.StartContainer(ctx, id); err != nil {
		if ctr.Stream != nil {
			ctr.Stream.Close()
		}
		c.RemoveContainer(context.WithoutCancel(ctx), id)
		return nil, err
	}
	return ctr, nil
}

// WaitContainer blocks until the container is no longer running and returns
// its exit code.
func (c *Client) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := c.docker.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil && st.Error.Message != "" {
			return int(st.StatusCode), fmt.Errorf("container wait: %s", st.Error.Message)
		}
		return int(st.StatusCode), nil
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return -1, fmt.Errorf("%w: container %s", apperr.ErrNotFound, id)
		}
		return -1, fmt.Errorf("container wait: %w", err)
	}
}

// State is the subset of container inspect data the control plane uses.
type State struct {
	Running  bool
	Status   string
	ExitCode int
	OOM      bool
}

// InspectContainer returns an apperr not-found error when the container is gone.
func (c *Client) InspectContainer(ctx context.Context, id string) (*State, error) {
	info, err := c.docker.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: container %s", apperr.ErrNotFound, id)
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	if info.State == nil {
		return &State{}, nil
	}
	return &State{
		Running:  info.State.Running,
		Status:   info.State.Status,
		ExitCode: info.State.ExitCode,
		OOM:      info.State.OOMKilled,
	}, nil
}

// KillContainer sends signal to the container's init process. A container
// that is already gone or stopped is not an error.
func (c *Client) KillContainer(ctx context.Context, id, signal string) error {
	err := c.docker.ContainerKill(ctx, id, signal)
	if err == nil || client.IsErrNotFound(err) || strings.Contains(err.Error(), "is not running") {
		return nil
	}
	return fmt.Errorf("container kill %s: %w", signal, err)
}

// StopContainer asks the engine to stop the container with a grace period
// after which it is killed.
func (c *Client) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	err := c.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Already removed is not an error.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	err := c.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (c *Client) ResizeContainer(ctx context.Context, id string, cols, rows uint) error {
	err := c.docker.ContainerResize(ctx, id, container.ResizeOptions{Width: cols, Height: rows})
	if err != nil {
		return fmt.Errorf("container resize: %w", err)
	}
	return nil
}

// ExecResult is the outcome of a one-shot exec.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs cmd inside a running container as user and waits for it.
func (c *Client) Exec(ctx context.Context, id, user string, cmd []string) (*ExecResult, error) {
	if user == "" {
		return nil, ErrNoIdentity
	}
	execResp, err := c.docker.ContainerExecCreate(ctx, id, container.ExecOptions{
		User:         user,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		return nil, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	return &ExecResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Logs copies the demultiplexed output of a non-tty container into w until
// the container exits or ctx ends.
func (c *Client) Logs(ctx context.Context, id string, w io.Writer) error {
	rc, err := c.docker.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()
	if _, err := stdcopy.StdCopy(w, w, rc); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("container logs: %w", err)
	}
	return nil
}

// ContainerInfo holds basic info about a managed container.
type ContainerInfo struct {
	ContainerID string
	SessionID   string
	ProjectID   string
	Role        string
	Running     bool
}

// ListManagedContainers returns all containers with agenthub labels. An empty
// role lists every role.
func (c *Client) ListManagedContainers(ctx context.Context, role string) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", LabelManaged+"=true")
	if role != "" {
		f.Add("label", LabelRole+"="+role)
	}

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		result = append(result, ContainerInfo{
			ContainerID: ctr.ID,
			SessionID:   ctr.Labels[LabelSessionID],
			ProjectID:   ctr.Labels[LabelProjectID],
			Role:        ctr.Labels[LabelRole],
			Running:     ctr.State == "running",
		})
	}
	return result, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
