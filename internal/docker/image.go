package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-units"
)

// ImageExists reports whether ref is present in the engine's local store.
func (c *Client) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := c.docker.ImageInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("image inspect: %w", err)
	}
	return true, nil
}

// PullImage pulls ref and writes engine progress messages to w.
func (c *Client) PullImage(ctx context.Context, ref string, w io.Writer) error {
	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, w, 0, false, nil); err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	return nil
}

// BuildImage builds dockerfile (relative to contextDir) into tag, streaming the
// build output to w. A failing build step is returned as an error.
func (c *Client) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, w io.Writer) error {
	tarball, err := archive.TarWithOptions(contextDir, &archive.TarOptions{
		ExcludePatterns: []string{".git"},
	})
	if err != nil {
		return fmt.Errorf("build context %s: %w", contextDir, err)
	}
	defer tarball.Close()

	resp, err := c.docker.ImageBuild(ctx, tarball, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  dockerfile,
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{LabelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	defer resp.Body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, w, 0, false, nil); err != nil {
		return fmt.Errorf("image build %s: %w", tag, err)
	}
	return nil
}

// CommitContainer snapshots a stopped container into tag.
func (c *Client) CommitContainer(ctx context.Context, id, tag string, changes []string) (string, error) {
	resp, err := c.docker.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: tag,
		Changes:   changes,
		Comment:   "agenthub snapshot",
	})
	if err != nil {
		return "", fmt.Errorf("container commit: %w", err)
	}
	return resp.ID, nil
}

// ImageSize returns the image size in human readable form, or "" when the
// image cannot be inspected.
func (c *Client) ImageSize(ctx context.Context, ref string) string {
	info, err := c.docker.ImageInspect(ctx, ref)
	if err != nil {
		return ""
	}
	return units.HumanSize(float64(info.Size))
}
