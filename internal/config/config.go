package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/p-arndt/agenthub/internal/apperr"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IdentityConfig pins the in-container runtime identity. UID and GID are
// pointers so "unset" differs from 0.
type IdentityConfig struct {
	Username          string `yaml:"username"`
	UID               *int   `yaml:"uid"`
	GID               *int   `yaml:"gid"`
	SupplementaryGIDs []int  `yaml:"supplementary_gids"`
	Umask             string `yaml:"umask"`
}

type PathRewrite struct {
	ContainerPrefix string `yaml:"container_prefix"`
	DaemonPrefix    string `yaml:"daemon_prefix"`
}

// DINDConfig describes a control plane that itself runs in a container and
// talks to the host engine.
type DINDConfig struct {
	Enabled bool          `yaml:"enabled"`
	PathMap []PathRewrite `yaml:"path_map"`
}

type NetworkConfig struct {
	BridgeHost  string `yaml:"bridge_host"`
	CallbackURL string `yaml:"callback_url"`
}

type SnapshotConfig struct {
	ProjectInImage      bool   `yaml:"project_in_image"`
	ContainerRoot       string `yaml:"container_root"`
	BuildTimeoutSeconds int    `yaml:"build_timeout_seconds"`
}

type SessionConfig struct {
	Command                []string `yaml:"command"`
	Env                    []string `yaml:"env"`
	StopGraceSeconds       int      `yaml:"stop_grace_seconds"`
	LivenessTimeoutSeconds int      `yaml:"liveness_timeout_seconds"`
	LivenessSettleMs       int      `yaml:"liveness_settle_ms"`
	CPULimit               float64  `yaml:"cpu_limit"`
	MemLimitMB             int      `yaml:"mem_limit_mb"`
	PidsLimit              int      `yaml:"pids_limit"`
	TmpSizeMB              int      `yaml:"tmp_size_mb"`

	// HealthCommand, when set, must exit 0 inside the container before a
	// launch counts as live.
	HealthCommand []string `yaml:"health_command"`
}

type TerminalConfig struct {
	BacklogBytes int `yaml:"backlog_bytes"`
	ViewerQueue  int `yaml:"viewer_queue"`
}

type ReconcileConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type WorkspaceConfig struct {
	GitBinary string `yaml:"git_binary"`
}

type Config struct {
	Listen    string          `yaml:"listen"`
	APIKey    string          `yaml:"api_key"`
	DataDir   string          `yaml:"data_dir"`
	DBPath    string          `yaml:"db_path"`
	Log       LogConfig       `yaml:"log"`
	Identity  IdentityConfig  `yaml:"identity"`
	DIND      DINDConfig      `yaml:"dind"`
	Network   NetworkConfig   `yaml:"network"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Session   SessionConfig   `yaml:"session"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

func defaults() *Config {
	return &Config{
		Listen:  "127.0.0.1:8765",
		DataDir: "./agenthub-data",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Identity: IdentityConfig{
			Umask: "0022",
		},
		Network: NetworkConfig{
			BridgeHost: "host.docker.internal",
		},
		Snapshot: SnapshotConfig{
			ProjectInImage:      true,
			ContainerRoot:       "/workspace",
			BuildTimeoutSeconds: 1800,
		},
		Session: SessionConfig{
			Command:                []string{"bash", "-l"},
			StopGraceSeconds:       10,
			LivenessTimeoutSeconds: 30,
			LivenessSettleMs:       500,
			CPULimit:               2.0,
			MemLimitMB:             4096,
			PidsLimit:              1024,
			TmpSizeMB:              512,
		},
		Terminal: TerminalConfig{
			BacklogBytes: 256 * 1024,
			ViewerQueue:  256,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds: 15,
		},
		Workspace: WorkspaceConfig{
			GitBinary: "git",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file and
// AGENTHUB_* environment overrides, then validates it.
func Load(yamlPath string) (*Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperr.Wrap(apperr.KindConfig, "parse "+yamlPath, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.KindConfig, "read "+yamlPath, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "agenthub.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first malformed setting as a config error.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return apperr.Config("listen must be set")
	}
	if c.DataDir == "" {
		return apperr.Config("data_dir must be set")
	}
	if len(c.Session.Command) == 0 {
		return apperr.Config("session.command must not be empty")
	}
	if c.Session.StopGraceSeconds <= 0 {
		return apperr.Config("session.stop_grace_seconds must be positive")
	}
	if c.Session.LivenessTimeoutSeconds <= 0 {
		return apperr.Config("session.liveness_timeout_seconds must be positive")
	}
	if c.Terminal.BacklogBytes <= 0 {
		return apperr.Config("terminal.backlog_bytes must be positive")
	}
	if c.Terminal.ViewerQueue <= 0 {
		return apperr.Config("terminal.viewer_queue must be positive")
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		return apperr.Config("reconcile.interval_seconds must be positive")
	}
	if !strings.HasPrefix(c.Snapshot.ContainerRoot, "/") {
		return apperr.Config("snapshot.container_root must be absolute: %q", c.Snapshot.ContainerRoot)
	}
	if (c.Identity.UID == nil) != (c.Identity.GID == nil) {
		return apperr.Identity("identity.uid and identity.gid must be set together")
	}
	if c.DIND.Enabled && len(c.DIND.PathMap) == 0 {
		return apperr.Config("dind.enabled requires at least one dind.path_map entry")
	}
	for _, pr := range c.DIND.PathMap {
		if !filepath.IsAbs(pr.ContainerPrefix) || !filepath.IsAbs(pr.DaemonPrefix) {
			return apperr.Config("dind.path_map entries must be absolute: %q -> %q", pr.ContainerPrefix, pr.DaemonPrefix)
		}
	}
	return nil
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Session.StopGraceSeconds) * time.Second
}

func (c *Config) LivenessTimeout() time.Duration {
	return time.Duration(c.Session.LivenessTimeoutSeconds) * time.Second
}

func (c *Config) LivenessSettle() time.Duration {
	return time.Duration(c.Session.LivenessSettleMs) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSeconds) * time.Second
}

func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.Snapshot.BuildTimeoutSeconds) * time.Second
}

func (c *Config) WorkspacesDir() string { return filepath.Join(c.DataDir, "workspaces") }

func (c *Config) CheckoutsDir() string { return filepath.Join(c.DataDir, "checkouts") }

func (c *Config) LogsDir() string { return filepath.Join(c.DataDir, "logs") }

func applyEnvOverrides(cfg *Config) error {
	envString("AGENTHUB_LISTEN", &cfg.Listen)
	envString("AGENTHUB_API_KEY", &cfg.APIKey)
	envString("AGENTHUB_DATA_DIR", &cfg.DataDir)
	envString("AGENTHUB_DB_PATH", &cfg.DBPath)
	envString("AGENTHUB_LOG_LEVEL", &cfg.Log.Level)
	envString("AGENTHUB_LOG_FORMAT", &cfg.Log.Format)
	envString("AGENTHUB_BRIDGE_HOST", &cfg.Network.BridgeHost)
	envString("AGENTHUB_CALLBACK_URL", &cfg.Network.CallbackURL)
	envString("AGENTHUB_IDENTITY_USERNAME", &cfg.Identity.Username)
	envString("AGENTHUB_IDENTITY_UMASK", &cfg.Identity.Umask)
	envString("AGENTHUB_GIT_BINARY", &cfg.Workspace.GitBinary)

	if v := os.Getenv("AGENTHUB_SESSION_COMMAND"); v != "" {
		cfg.Session.Command = strings.Fields(v)
	}
	if v := os.Getenv("AGENTHUB_IDENTITY_SUPPLEMENTARY_GIDS"); v != "" {
		gids, err := parseIDList(v)
		if err != nil {
			return apperr.Identity("AGENTHUB_IDENTITY_SUPPLEMENTARY_GIDS: %v", err)
		}
		cfg.Identity.SupplementaryGIDs = gids
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AGENTHUB_STOP_GRACE_SECONDS", &cfg.Session.StopGraceSeconds},
		{"AGENTHUB_LIVENESS_TIMEOUT_SECONDS", &cfg.Session.LivenessTimeoutSeconds},
		{"AGENTHUB_MEM_LIMIT_MB", &cfg.Session.MemLimitMB},
		{"AGENTHUB_PIDS_LIMIT", &cfg.Session.PidsLimit},
		{"AGENTHUB_TERMINAL_BACKLOG_BYTES", &cfg.Terminal.BacklogBytes},
		{"AGENTHUB_RECONCILE_INTERVAL_SECONDS", &cfg.Reconcile.IntervalSeconds},
		{"AGENTHUB_BUILD_TIMEOUT_SECONDS", &cfg.Snapshot.BuildTimeoutSeconds},
	}
	for _, e := range ints {
		if err := envInt(e.key, e.dst); err != nil {
			return err
		}
	}
	if err := envBool("AGENTHUB_DIND", &cfg.DIND.Enabled); err != nil {
		return err
	}
	if err := envBool("AGENTHUB_PROJECT_IN_IMAGE", &cfg.Snapshot.ProjectInImage); err != nil {
		return err
	}
	if v := os.Getenv("AGENTHUB_DIND_PATH_MAP"); v != "" {
		pm, err := parsePathMap(v)
		if err != nil {
			return err
		}
		cfg.DIND.PathMap = pm
	}

	uid, uidSet, err := envID("AGENTHUB_IDENTITY_UID")
	if err != nil {
		return err
	}
	gid, gidSet, err := envID("AGENTHUB_IDENTITY_GID")
	if err != nil {
		return err
	}
	if uidSet != gidSet {
		return apperr.Identity("AGENTHUB_IDENTITY_UID and AGENTHUB_IDENTITY_GID must be set together")
	}
	if uidSet {
		cfg.Identity.UID = &uid
		cfg.Identity.GID = &gid
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return apperr.Config("%s: not an integer: %q", key, v)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return apperr.Config("%s: not a boolean: %q", key, v)
	}
	*dst = b
	return nil
}

func envID(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := ParseID(v)
	if err != nil {
		return 0, false, apperr.Identity("%s: %v", key, err)
	}
	return n, true, nil
}

// ParseID parses a uid or gid: a non-negative decimal integer.
func ParseID(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, &strconv.NumError{Func: "ParseID", Num: s, Err: strconv.ErrSyntax}
	}
	return n, nil
}

func parseIDList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := ParseID(part)
		if err != nil {
			return nil, err
		}
		ids = append(ids, n)
	}
	return ids, nil
}

// parsePathMap parses "container=daemon,container2=daemon2".
func parsePathMap(s string) ([]PathRewrite, error) {
	var out []PathRewrite
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		from, to, ok := strings.Cut(pair, "=")
		if !ok || from == "" || to == "" {
			return nil, apperr.Config("AGENTHUB_DIND_PATH_MAP: malformed entry %q", pair)
		}
		out = append(out, PathRewrite{ContainerPrefix: from, DaemonPrefix: to})
	}
	return out, nil
}
