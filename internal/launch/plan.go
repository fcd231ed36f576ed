package launch

import (
	"strings"

	"github.com/docker/go-units"

	"github.com/p-arndt/agenthub/internal/config"
	"github.com/p-arndt/agenthub/internal/docker"
)

// Resolver holds the immutable launch inputs resolved at startup.
type Resolver struct {
	identity    Identity
	dind        config.DINDConfig
	bridgeHost  string
	callbackURL string
	session     config.SessionConfig
}

func NewResolver(id Identity, cfg *config.Config) *Resolver {
	return &Resolver{
		identity: id,
		dind: config.DINDConfig{
			Enabled: cfg.DIND.Enabled,
			PathMap: fromConfigRewrites(cfg.DIND.PathMap),
		},
		bridgeHost:  cfg.Network.BridgeHost,
		callbackURL: cfg.Network.CallbackURL,
		session:     cfg.Session,
	}
}

func (r *Resolver) Identity() Identity {
	return r.identity
}

// Spec is what a session launch needs beyond the resolver's own inputs.
type Spec struct {
	SessionID string
	ProjectID string
	Image     string
	Workdir   string
	Mounts    []docker.Mount
	Env       []string
	Command   []string
}

// RunOpts builds the container description for a session. The identity is
// always carried as the container user, extra groups and environment.
func (r *Resolver) RunOpts(spec Spec) (docker.RunOpts, error) {
	env := MergeEnv(spec.Env, r.identity.Env(), []string{
		"AGENTHUB_SESSION_ID=" + spec.SessionID,
		"AGENTHUB_PROJECT_ID=" + spec.ProjectID,
		"HOME=/home/" + r.identity.Username,
		"TERM=xterm-256color",
	})
	if r.callbackURL != "" {
		u, err := r.ContainerURL(r.callbackURL)
		if err != nil {
			return docker.RunOpts{}, err
		}
		env = MergeEnv(env, []string{"AGENTHUB_CALLBACK_URL=" + u})
	}

	cmd := spec.Command
	if len(cmd) == 0 {
		cmd = r.session.Command
	}

	return docker.RunOpts{
		Name:       "agenthub-" + spec.SessionID,
		Image:      spec.Image,
		User:       r.identity.User(),
		GroupAdd:   r.identity.GroupAdd(),
		Env:        env,
		WorkingDir: spec.Workdir,
		Cmd:        cmd,
		Mounts:     spec.Mounts,
		TmpfsBytes: int64(r.session.TmpSizeMB) * units.MiB,
		ExtraHosts: r.ExtraHosts(),
		Labels: map[string]string{
			docker.LabelRole:      docker.RoleSession,
			docker.LabelSessionID: spec.SessionID,
			docker.LabelProjectID: spec.ProjectID,
		},
		TTY: true,
		Resources: docker.Resources{
			NanoCPUs:    int64(r.session.CPULimit * 1e9),
			MemoryBytes: int64(r.session.MemLimitMB) * units.MiB,
			PidsLimit:   int64(r.session.PidsLimit),
		},
	}, nil
}

// MergeEnv merges KEY=VALUE lists; later lists override earlier keys while
// the first-seen order of keys is kept. Entries without '=' are dropped.
func MergeEnv(layers ...[]string) []string {
	var keys []string
	values := make(map[string]string)
	for _, layer := range layers {
		for _, kv := range layer {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				continue
			}
			if _, seen := values[k]; !seen {
				keys = append(keys, k)
			}
			values[k] = kv
		}
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, values[k])
	}
	return out
}
