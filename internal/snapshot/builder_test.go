package snapshot

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/events"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/logging"
	"github.com/p-arndt/agenthub/internal/store"
)

// fakeRuntime records build containers and commits in memory.
type fakeRuntime struct {
	mu        sync.Mutex
	images    map[string]bool
	live      map[string]bool
	created   []docker.RunOpts
	commits   []string
	pulls     []string
	builds    []string
	removed   int
	exitCode  int
	createErr error
	gate      chan struct{} // when set, WaitContainer blocks until closed
	nextID    int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{images: map[string]bool{"ubuntu:24.04": true}, live: map[string]bool{}}
}

func (f *fakeRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, ref string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, ref)
	f.images[ref] = true
	return nil
}

func (f *fakeRuntime) BuildImage(ctx context.Context, contextDir, dockerfile, tag string, w io.Writer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, tag)
	f.images[tag] = true
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, opts docker.RunOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("build-%d", f.nextID)
	f.created = append(f.created, opts)
	f.live[id] = true
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error { return nil }

func (f *fakeRuntime) WaitContainer(ctx context.Context, id string) (int, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, w io.Writer) error {
	_, err := io.WriteString(w, "setup output\n"+DoneMarker+"\n")
	return err
}

func (f *fakeRuntime) CommitContainer(ctx context.Context, id, tag string, changes []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, tag)
	f.images[tag] = true
	return "sha256:" + tag, nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[id] {
		delete(f.live, id)
		f.removed++
	}
	return nil
}

func (f *fakeRuntime) ImageSize(ctx context.Context, ref string) string { return "1.2GB" }

func (f *fakeRuntime) counts() (created, commits, removed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created), len(f.commits), f.removed
}

type fakeCheckouts struct {
	dir string

	mu    sync.Mutex
	calls int
	block bool // when set, a checkout waits for its ctx
}

func (c *fakeCheckouts) ProjectCheckout(ctx context.Context, projectID, repo, branch string) (string, error) {
	c.mu.Lock()
	c.calls++
	block := c.block
	c.mu.Unlock()
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.dir, nil
}

func (c *fakeCheckouts) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type identityPaths struct{}

func (identityPaths) DaemonPath(p string) (string, error) { return p, nil }

type fixture struct {
	rt      *fakeRuntime
	co      *fakeCheckouts
	st      *store.Store
	bus     *events.Bus
	builder *Builder
	logDir  string
}

func newFixture(t *testing.T, projectInImage bool) *fixture {
	t.Helper()
	st, err := store.New(":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rt := newFakeRuntime()
	co := &fakeCheckouts{dir: t.TempDir()}
	bus := events.NewBus(64, logging.Discard())
	logDir := t.TempDir()
	b := New(Options{
		Runtime:        rt,
		Projects:       st,
		Checkouts:      co,
		Paths:          identityPaths{},
		Events:         bus,
		Identity:       launch.Identity{Username: "dev", UID: 1000, GID: 1000, Umask: "0022"},
		LogDir:         logDir,
		ContainerRoot:  "/workspace",
		ProjectInImage: projectInImage,
		Logger:         logging.Discard(),
	})
	t.Cleanup(b.Close)
	return &fixture{rt: rt, co: co, st: st, bus: bus, builder: b, logDir: logDir}
}

func (f *fixture) project(t *testing.T, script string) *store.Project {
	t.Helper()
	now := time.Now().UTC()
	p := &store.Project{
		ID:            "0f1e2d3c-4b5a-6978-8a9b-acbdcedf0011",
		Name:          "Demo App",
		RepoURL:       "https://example.com/demo.git",
		DefaultBranch: "main",
		BaseKind:      store.BaseTag,
		BaseRef:       "ubuntu:24.04",
		SetupScript:   script,
		BuildStatus:   store.BuildPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.st.CreateProject(p))
	return p
}

func (f *fixture) reload(t *testing.T, id string) *store.Project {
	t.Helper()
	p, err := f.st.GetProject(id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestKeyAndTag(t *testing.T) {
	k1 := Key("ubuntu:24.04", "apt-get update", true)
	k2 := Key("ubuntu:24.04", "apt-get update", true)
	k3 := Key("ubuntu:24.04", "apt-get update\nmake", true)
	k4 := Key("ubuntu:24.04", "apt-get update", false)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.Len(t, k1, 64)

	tag := Tag("0f1e2d3c-4b5a-6978", k1)
	assert.Equal(t, "agenthub-snapshot-0f1e2d3c4b5a:"+k1[:16], tag)
}

func TestWorkdir(t *testing.T) {
	assert.Equal(t, "/workspace/demo-app", Workdir("/workspace", "Demo App!", "p1"))
	assert.Equal(t, "/workspace/p1", Workdir("", "***", "p1"))
}

func TestSetupCommands(t *testing.T) {
	cmds := SetupCommands("# comment\napt-get update\n\n  make build  \n#x\n")
	assert.Equal(t, []string{"apt-get update", "make build"}, cmds)
}

func TestBuildScriptRunsSetupAsIdentity(t *testing.T) {
	s := buildScript(scriptParams{
		Identity:       launch.Identity{Username: "dev", UID: 1000, GID: 1001, SupplementaryGIDs: []int{27}, Umask: "0002"},
		SetupScript:    "npm ci\necho 'hi'",
		ProjectInImage: true,
		Workdir:        "/workspace/demo",
	})

	assert.Contains(t, s, "set -euo pipefail")
	assert.Contains(t, s, "cp -a /agenthub-src/. '/workspace/demo'/")
	assert.Contains(t, s, "setpriv --reuid=1000 --regid=1001 --groups=27")
	assert.Contains(t, s, "umask 0002")
	assert.Contains(t, s, "npm ci")
	assert.Contains(t, s, "chown -R 1000:1001 '/workspace/demo'")
	assert.Contains(t, s, `echo '"'"'hi'"'"'`)

	lines := strings.Split(strings.TrimSpace(s), "\n")
	assert.Equal(t, "exit 0", lines[len(lines)-1])
	assert.Equal(t, "echo "+DoneMarker, lines[len(lines)-2])
	assert.Less(t, strings.Index(s, "npm ci"), strings.Index(s, "chown -R"))
}

func TestEnsureBuildsAndRecordsReady(t *testing.T) {
	f := newFixture(t, true)
	p := f.project(t, "make deps")

	tag, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tag, "agenthub-snapshot-0f1e2d3c4b5a:"))

	got := f.reload(t, p.ID)
	assert.Equal(t, store.BuildReady, got.BuildStatus)
	assert.Equal(t, tag, got.SnapshotImage)
	assert.NotNil(t, got.BuildStartedAt)
	assert.NotNil(t, got.BuildFinishedAt)

	created, commits, removed := f.rt.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, removed)

	opts := f.rt.created[0]
	assert.Equal(t, "0:0", opts.User)
	assert.Equal(t, docker.RoleBuild, opts.Labels[docker.LabelRole])
	require.Len(t, opts.Mounts, 1)
	assert.True(t, opts.Mounts[0].ReadOnly)
	assert.Equal(t, SourceDir, opts.Mounts[0].Target)

	log, err := f.builder.ReadLog(p.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(log), DoneMarker)
}

func TestEnsureConcurrentSharesOneBuild(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make deps")
	gate := make(chan struct{})
	f.rt.gate = gate

	const n = 8
	var wg sync.WaitGroup
	tags := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tags[i], errs[i] = f.builder.Ensure(context.Background(), p)
		}(i)
	}

	require.Eventually(t, func() bool {
		created, _, _ := f.rt.counts()
		return created == 1
	}, 2*time.Second, 5*time.Millisecond)
	// give the rest time to join the in-flight build
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tags[0], tags[i])
	}
	created, commits, _ := f.rt.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, commits)
}

func TestEnsureCacheHitDoesNotRebuild(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make deps")

	tag1, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)

	tag2, err := f.builder.Ensure(context.Background(), f.reload(t, p.ID))
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2)

	// a pending record whose image already exists is marked ready without a build
	require.NoError(t, f.st.UpdateProjectBuild(p.ID, store.BuildUpdate{Status: store.BuildPending}))
	tag3, err := f.builder.Ensure(context.Background(), f.reload(t, p.ID))
	require.NoError(t, err)
	assert.Equal(t, tag1, tag3)
	assert.Equal(t, store.BuildReady, f.reload(t, p.ID).BuildStatus)

	created, commits, _ := f.rt.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, commits)
}

func TestSetupScriptChangeBuildsNewTag(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make deps")

	t1, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)

	p = f.reload(t, p.ID)
	p.SetupScript = "make deps\nmake tools"
	p.BuildStatus = store.BuildPending
	p.SnapshotImage, p.SnapshotKey = "", ""
	require.NoError(t, f.st.UpdateProjectSettings(p))

	t2, err := f.builder.Ensure(context.Background(), f.reload(t, p.ID))
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)

	created, commits, _ := f.rt.counts()
	assert.Equal(t, 2, created)
	assert.Equal(t, 2, commits)
}

func TestNonZeroExitFailsWithoutCommit(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "false")
	f.rt.exitCode = 3

	_, err := f.builder.Ensure(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrBuild)
	assert.Contains(t, err.Error(), "code 3")

	got := f.reload(t, p.ID)
	assert.Equal(t, store.BuildFailed, got.BuildStatus)
	assert.Contains(t, got.BuildError, "code 3")
	assert.Empty(t, got.SnapshotImage)

	created, commits, removed := f.rt.counts()
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, commits)
	assert.Equal(t, 1, removed)
}

func TestMissingBaseIsPulled(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "")
	p.BaseRef = "debian:12"
	require.NoError(t, f.st.UpdateProjectSettings(p))

	_, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, []string{"debian:12"}, f.rt.pulls)
}

func TestDockerfileBase(t *testing.T) {
	f := newFixture(t, false)
	dir := f.co.dir
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM ubuntu:24.04\n"), 0o644))

	p := f.project(t, "make")
	p.BaseKind = store.BaseDockerfile
	p.BaseRef = "Dockerfile"
	require.NoError(t, f.st.UpdateProjectSettings(p))

	_, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, f.rt.builds, 1)
	assert.True(t, strings.HasPrefix(f.rt.builds[0], "agenthub-base-0f1e2d3c4b5a:"))
	assert.Equal(t, f.rt.builds[0], f.rt.created[0].Image)

	p.BaseRef = "../outside"
	_, err = f.builder.Ensure(context.Background(), p)
	assert.ErrorIs(t, err, apperr.ErrBuild)
}

func TestWaiterCanAbandonBuild(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make")
	gate := make(chan struct{})
	f.rt.gate = gate

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Ensure(ctx, p)
		done <- err
	}()
	require.Eventually(t, func() bool {
		created, _, _ := f.rt.counts()
		return created == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// the build itself went on
	close(gate)
	require.Eventually(t, func() bool {
		return f.reload(t, p.ID).BuildStatus == store.BuildReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelledStartLeavesReadyProject(t *testing.T) {
	f := newFixture(t, true)
	p := f.project(t, "make")
	_, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)
	ready := f.reload(t, p.ID)
	require.Equal(t, store.BuildReady, ready.BuildStatus)
	require.Equal(t, 1, f.co.count())

	// a ready project's snapshot is served without touching the checkout
	f.co.block = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	tag, err := f.builder.Ensure(ctx, ready)
	require.NoError(t, err)
	assert.Equal(t, ready.SnapshotImage, tag)
	assert.Equal(t, 1, f.co.count())

	// image gone: the caller gives up while the build sits in the checkout
	f.rt.mu.Lock()
	delete(f.rt.images, ready.SnapshotImage)
	f.rt.mu.Unlock()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = f.builder.Ensure(ctx2, ready)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := f.reload(t, p.ID)
	assert.Equal(t, store.BuildReady, got.BuildStatus)
	assert.Empty(t, got.BuildError)
}

func TestOneCheckoutPerBuild(t *testing.T) {
	f := newFixture(t, true)
	p := f.project(t, "make")
	gate := make(chan struct{})
	f.rt.gate = gate

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.builder.Ensure(context.Background(), p)
		}()
	}
	require.Eventually(t, func() bool {
		created, _, _ := f.rt.counts()
		return created == 1
	}, 2*time.Second, 5*time.Millisecond)

	// a build for other settings must not reset the checkout under the running copy
	other := *p
	other.SetupScript = "make other"
	otherDone := make(chan struct{})
	go func() {
		defer close(otherDone)
		f.builder.Ensure(context.Background(), &other)
	}()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.co.count())

	close(gate)
	wg.Wait()
	<-otherDone
	assert.Equal(t, 2, f.co.count())
}

func TestCancelAbortsBuild(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make")
	f.rt.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Ensure(context.Background(), p)
		done <- err
	}()
	require.Eventually(t, func() bool {
		created, _, _ := f.rt.counts()
		return created == 1
	}, 2*time.Second, 5*time.Millisecond)

	f.builder.Cancel(p.ID)
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, store.BuildFailed, f.reload(t, p.ID).BuildStatus)
	_, _, removed := f.rt.counts()
	assert.Equal(t, 1, removed)
}

func TestSupersededBuildReturnsToPending(t *testing.T) {
	f := newFixture(t, false)
	p := f.project(t, "make")
	gate := make(chan struct{})
	f.rt.gate = gate

	done := make(chan error, 1)
	go func() {
		_, err := f.builder.Ensure(context.Background(), p)
		done <- err
	}()
	require.Eventually(t, func() bool {
		created, _, _ := f.rt.counts()
		return created == 1
	}, 2*time.Second, 5*time.Millisecond)

	changed := f.reload(t, p.ID)
	changed.SetupScript = "make other"
	require.NoError(t, f.st.UpdateProjectSettings(changed))
	close(gate)

	err := <-done
	assert.ErrorIs(t, err, apperr.ErrBuild)
	assert.Equal(t, store.BuildPending, f.reload(t, p.ID).BuildStatus)
}

func TestBuildPublishesEvents(t *testing.T) {
	f := newFixture(t, false)
	sub := f.bus.Subscribe()
	defer sub.Close()
	p := f.project(t, "make")

	_, err := f.builder.Ensure(context.Background(), p)
	require.NoError(t, err)

	var statuses []string
	var sawLog bool
	for len(sub.C()) > 0 {
		ev := <-sub.C()
		switch d := ev.Data.(type) {
		case events.ProjectBuild:
			statuses = append(statuses, d.Status)
		case events.BuildLog:
			sawLog = true
		}
	}
	assert.Equal(t, []string{"building", "ready"}, statuses)
	assert.True(t, sawLog)
}
