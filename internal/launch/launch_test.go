package launch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/config"
	"github.com/p-arndt/agenthub/internal/docker"
)

type fakeHost struct {
	current *HostUser
	byUID   map[int]*HostUser
	err     error
}

func (h fakeHost) Current() (*HostUser, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.current, nil
}

func (h fakeHost) LookupUID(uid int) (*HostUser, error) {
	if u, ok := h.byUID[uid]; ok {
		return u, nil
	}
	return nil, errors.New("unknown uid")
}

func intPtr(v int) *int { return &v }

func devHost() fakeHost {
	dev := &HostUser{Username: "dev", UID: 1000, GID: 1000, GroupIDs: []int{27, 998}}
	return fakeHost{current: dev, byUID: map[int]*HostUser{1000: dev}}
}

func TestResolveIdentityFromHost(t *testing.T) {
	id, err := ResolveIdentity(config.IdentityConfig{Umask: "0022"}, devHost())
	require.NoError(t, err)

	assert.Equal(t, "dev", id.Username)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, []int{27, 998}, id.SupplementaryGIDs)
	assert.Equal(t, "1000:1000", id.User())
	assert.Equal(t, []string{"27", "998"}, id.GroupAdd())
}

func TestResolveIdentityExplicitWins(t *testing.T) {
	cfg := config.IdentityConfig{
		Username: "agent",
		UID:      intPtr(2000),
		GID:      intPtr(2001),
		Umask:    "0002",
	}
	id, err := ResolveIdentity(cfg, devHost())
	require.NoError(t, err)

	assert.Equal(t, "agent", id.Username)
	assert.Equal(t, "2000:2001", id.User())
	assert.Empty(t, id.SupplementaryGIDs)
	assert.Contains(t, id.Env(), "LOCAL_UMASK=0002")
}

func TestResolveIdentityExplicitUIDUsesHostName(t *testing.T) {
	cfg := config.IdentityConfig{UID: intPtr(1000), GID: intPtr(1000), Umask: "0022"}
	id, err := ResolveIdentity(cfg, devHost())
	require.NoError(t, err)
	assert.Equal(t, "dev", id.Username)
}

func TestResolveIdentityExplicitUIDUnknownNameFails(t *testing.T) {
	cfg := config.IdentityConfig{UID: intPtr(4242), GID: intPtr(4242), Umask: "0022"}
	_, err := ResolveIdentity(cfg, devHost())
	assert.ErrorIs(t, err, apperr.ErrIdentity)
}

func TestResolveIdentityHalfSet(t *testing.T) {
	_, err := ResolveIdentity(config.IdentityConfig{UID: intPtr(1000), Umask: "0022"}, devHost())
	assert.ErrorIs(t, err, apperr.ErrIdentity)
}

func TestResolveIdentityNegative(t *testing.T) {
	cfg := config.IdentityConfig{Username: "x", UID: intPtr(-1), GID: intPtr(10), Umask: "0022"}
	_, err := ResolveIdentity(cfg, devHost())
	assert.ErrorIs(t, err, apperr.ErrIdentity)
}

func TestResolveIdentityRefusesImplicitRoot(t *testing.T) {
	root := fakeHost{current: &HostUser{Username: "root", UID: 0, GID: 0}}
	_, err := ResolveIdentity(config.IdentityConfig{Umask: "0022"}, root)
	assert.ErrorIs(t, err, apperr.ErrIdentity)

	id, err := ResolveIdentity(config.IdentityConfig{Username: "root", UID: intPtr(0), GID: intPtr(0), Umask: "0022"}, root)
	require.NoError(t, err)
	assert.Equal(t, "0:0", id.User())
}

func TestResolveIdentityHostError(t *testing.T) {
	_, err := ResolveIdentity(config.IdentityConfig{Umask: "0022"}, fakeHost{err: errors.New("no passwd")})
	assert.ErrorIs(t, err, apperr.ErrIdentity)
}

func TestResolveIdentityBadUmask(t *testing.T) {
	_, err := ResolveIdentity(config.IdentityConfig{Umask: "0999"}, devHost())
	assert.ErrorIs(t, err, apperr.ErrIdentity)

	_, err = ResolveIdentity(config.IdentityConfig{}, devHost())
	assert.ErrorIs(t, err, apperr.ErrIdentity)
}

func testIdentity() Identity {
	return Identity{Username: "dev", UID: 1000, GID: 1000, SupplementaryGIDs: []int{27}, Umask: "0022"}
}

func testResolver(mut func(*config.Config)) *Resolver {
	cfg, _ := config.Load("")
	if mut != nil {
		mut(cfg)
	}
	return NewResolver(testIdentity(), cfg)
}

func TestMergeMountsPrecedence(t *testing.T) {
	defaults := []Mount{
		{HostPath: "/srv/cache", ContainerPath: "/cache", ReadOnly: true},
		{HostPath: "/srv/tools", ContainerPath: "/opt/tools", ReadOnly: true},
	}
	overrides := []Mount{
		{HostPath: "/home/dev/cache", ContainerPath: "/cache/", ReadOnly: false},
		{HostPath: "/home/dev/extra", ContainerPath: "/extra"},
	}
	merged := MergeMounts(defaults, overrides)

	require.Len(t, merged, 3)
	assert.Equal(t, "/home/dev/cache", merged[0].HostPath)
	assert.False(t, merged[0].ReadOnly)
	assert.Equal(t, "/opt/tools", merged[1].ContainerPath)
	assert.Equal(t, "/extra", merged[2].ContainerPath)
}

func TestMountsWorkspaceWins(t *testing.T) {
	r := testResolver(nil)
	mounts, err := r.Mounts(
		[]Mount{{HostPath: "/srv/other", ContainerPath: "/workspace/demo", ReadOnly: true}},
		nil,
		Mount{HostPath: "/data/workspaces/s1", ContainerPath: "/workspace/demo"},
	)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, docker.Mount{Source: "/data/workspaces/s1", Target: "/workspace/demo"}, mounts[0])
}

func TestMountsRejectsRelative(t *testing.T) {
	r := testResolver(nil)
	_, err := r.Mounts([]Mount{{HostPath: "relative", ContainerPath: "/x"}}, nil,
		Mount{HostPath: "/ws", ContainerPath: "/workspace"})
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func dindResolver() *Resolver {
	return testResolver(func(c *config.Config) {
		c.DIND.Enabled = true
		c.DIND.PathMap = []config.PathRewrite{
			{ContainerPrefix: "/workspace", DaemonPrefix: "/home/dev/agenthub"},
			{ContainerPrefix: "/workspace/tmp", DaemonPrefix: "/mnt/scratch"},
		}
	})
}

func TestDaemonPathPassThroughWithoutDIND(t *testing.T) {
	r := testResolver(nil)
	got, err := r.DaemonPath("/tmp/anything/../x")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", got)
}

func TestDaemonPathRewrite(t *testing.T) {
	r := dindResolver()

	got, err := r.DaemonPath("/workspace/data/ws/s1")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/agenthub/data/ws/s1", got)

	// longest prefix wins
	got, err = r.DaemonPath("/workspace/tmp/build")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/scratch/build", got)

	got, err = r.DaemonPath("/workspace")
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/agenthub", got)
}

func TestDaemonPathNotVisible(t *testing.T) {
	r := dindResolver()

	_, err := r.DaemonPath("/srv/elsewhere")
	assert.ErrorIs(t, err, apperr.ErrMountVisibility)
	assert.Contains(t, err.Error(), "path not daemon-visible")

	_, err = r.DaemonPath("/workspacefoo/x")
	assert.ErrorIs(t, err, apperr.ErrMountVisibility)
}

func TestDaemonPathRejectsTmp(t *testing.T) {
	r := dindResolver()

	for _, p := range []string{"/tmp/x", "/var/tmp", "/tmp"} {
		_, err := r.DaemonPath(p)
		assert.ErrorIs(t, err, apperr.ErrMountVisibility, p)
	}
}

func TestMountsDIND(t *testing.T) {
	r := dindResolver()
	_, err := r.Mounts(nil, []Mount{{HostPath: "/tmp/cache", ContainerPath: "/cache"}},
		Mount{HostPath: "/workspace/ws/s1", ContainerPath: "/workspace/demo"})
	assert.ErrorIs(t, err, apperr.ErrMountVisibility)

	mounts, err := r.Mounts(nil, nil, Mount{HostPath: "/workspace/ws/s1", ContainerPath: "/workspace/demo"})
	require.NoError(t, err)
	assert.Equal(t, "/home/dev/agenthub/ws/s1", mounts[0].Source)
}

func TestContainerURL(t *testing.T) {
	r := testResolver(nil)

	got, err := r.ContainerURL("http://127.0.0.1:8765/v1/callback")
	require.NoError(t, err)
	assert.Equal(t, "http://host.docker.internal:8765/v1/callback", got)

	got, err = r.ContainerURL("http://localhost/hook")
	require.NoError(t, err)
	assert.Equal(t, "http://host.docker.internal/hook", got)

	got, err = r.ContainerURL("http://[::1]:9000/")
	require.NoError(t, err)
	assert.Equal(t, "http://host.docker.internal:9000/", got)

	got, err = r.ContainerURL("https://hub.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com/x", got)

	_, err = r.ContainerURL("not a url")
	assert.ErrorIs(t, err, apperr.ErrConfig)
}

func TestContainerURLCustomBridge(t *testing.T) {
	r := testResolver(func(c *config.Config) { c.Network.BridgeHost = "172.17.0.1" })

	got, err := r.ContainerURL("http://127.0.0.1:8765")
	require.NoError(t, err)
	assert.Equal(t, "http://172.17.0.1:8765", got)
	assert.Nil(t, r.ExtraHosts())
}

func TestRunOptsCarriesIdentity(t *testing.T) {
	r := testResolver(func(c *config.Config) { c.Network.CallbackURL = "http://127.0.0.1:8765" })
	opts, err := r.RunOpts(Spec{
		SessionID: "s1",
		ProjectID: "p1",
		Image:     "agenthub-snapshot-p1:abc",
		Workdir:   "/workspace/demo",
		Env:       []string{"FOO=bar", "LOCAL_UID=0"},
	})
	require.NoError(t, err)

	assert.Equal(t, "1000:1000", opts.User)
	assert.Equal(t, []string{"27"}, opts.GroupAdd)
	assert.Contains(t, opts.Env, "FOO=bar")
	assert.Contains(t, opts.Env, "LOCAL_UID=1000")
	assert.NotContains(t, opts.Env, "LOCAL_UID=0")
	assert.Contains(t, opts.Env, "AGENTHUB_CALLBACK_URL=http://host.docker.internal:8765")
	assert.Equal(t, []string{"bash", "-l"}, opts.Cmd)
	assert.Equal(t, docker.RoleSession, opts.Labels[docker.LabelRole])
	assert.Equal(t, "s1", opts.Labels[docker.LabelSessionID])
	assert.True(t, opts.TTY)
	assert.Equal(t, "agenthub-s1", opts.Name)
}

func TestMergeEnv(t *testing.T) {
	got := MergeEnv([]string{"A=1", "B=2", "junk"}, []string{"B=3", "C=4"})
	assert.Equal(t, []string{"A=1", "B=3", "C=4"}, got)
}
