package launch

import (
	"path/filepath"
	"strings"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/config"
	"github.com/p-arndt/agenthub/internal/docker"
)

// Mount is a declared bind mount; HostPath is the control plane's view.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

// tmpRoots are private to the control plane's own container and never
// visible to the host engine.
var tmpRoots = []string{"/tmp", "/var/tmp"}

// MergeMounts layers overrides over defaults by container path. The result
// keeps first-seen order; a later layer replaces an earlier entry in place.
func MergeMounts(layers ...[]Mount) []Mount {
	var out []Mount
	index := make(map[string]int)
	for _, layer := range layers {
		for _, m := range layer {
			key := filepath.Clean(m.ContainerPath)
			if i, ok := index[key]; ok {
				out[i] = m
				continue
			}
			index[key] = len(out)
			out = append(out, m)
		}
	}
	return out
}

// Mounts merges project defaults, session overrides and the workspace mount
// (highest precedence), validates them and rewrites every source to its
// daemon-visible path.
func (r *Resolver) Mounts(defaults, overrides []Mount, workspace Mount) ([]docker.Mount, error) {
	merged := MergeMounts(defaults, overrides, []Mount{workspace})

	out := make([]docker.Mount, 0, len(merged))
	for _, m := range merged {
		if m.HostPath == "" || !filepath.IsAbs(m.HostPath) {
			return nil, apperr.Config("mount host path must be absolute: %q", m.HostPath)
		}
		if m.ContainerPath == "" || !filepath.IsAbs(m.ContainerPath) {
			return nil, apperr.Config("mount container path must be absolute: %q", m.ContainerPath)
		}
		src, err := r.DaemonPath(m.HostPath)
		if err != nil {
			return nil, err
		}
		out = append(out, docker.Mount{
			Source:   src,
			Target:   filepath.Clean(m.ContainerPath),
			ReadOnly: m.ReadOnly,
		})
	}
	return out, nil
}

// DaemonPath rewrites p to the path the container engine sees. Outside of a
// nested control plane paths pass through unchanged.
func (r *Resolver) DaemonPath(p string) (string, error) {
	clean := filepath.Clean(p)
	if !r.dind.Enabled {
		return clean, nil
	}

	for _, root := range tmpRoots {
		if hasPathPrefix(clean, root) {
			return "", apperr.MountVisibility(
				"path not daemon-visible: %s is inside the control plane's private %s", clean, root)
		}
	}

	best := -1
	for i, pr := range r.dind.PathMap {
		prefix := filepath.Clean(pr.ContainerPrefix)
		if !hasPathPrefix(clean, prefix) {
			continue
		}
		if best < 0 || len(prefix) > len(filepath.Clean(r.dind.PathMap[best].ContainerPrefix)) {
			best = i
		}
	}
	if best < 0 {
		return "", apperr.MountVisibility("path not daemon-visible: %s matches no dind.path_map prefix", clean)
	}

	pr := r.dind.PathMap[best]
	rel, err := filepath.Rel(filepath.Clean(pr.ContainerPrefix), clean)
	if err != nil {
		return "", apperr.MountVisibility("path not daemon-visible: %s: %v", clean, err)
	}
	return filepath.Join(filepath.Clean(pr.DaemonPrefix), rel), nil
}

func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func fromConfigRewrites(in []config.PathRewrite) []config.PathRewrite {
	out := make([]config.PathRewrite, len(in))
	copy(out, in)
	return out
}
