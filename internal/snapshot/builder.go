// Package snapshot builds and caches per-project container images.
//
// A snapshot is the project's base image with the setup script applied as the
// runtime identity. Its tag is derived from a content key, so identical inputs
// reuse the same image and concurrent requests for one key share one build.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/docker"
	"github.com/p-arndt/agenthub/internal/events"
	"github.com/p-arndt/agenthub/internal/launch"
	"github.com/p-arndt/agenthub/internal/store"
)

const DefaultBuildTimeout = 30 * time.Minute

type Options struct {
	Runtime   Runtime
	Projects  ProjectStore
	Checkouts Checkouts
	Paths     PathMapper
	Events    Publisher
	Identity  launch.Identity

	LogDir         string
	ContainerRoot  string
	ProjectInImage bool
	Timeout        time.Duration
	Logger         *slog.Logger
}

type Builder struct {
	rt        Runtime
	projects  ProjectStore
	checkouts Checkouts
	paths     PathMapper
	events    Publisher
	identity  launch.Identity

	logDir         string
	containerRoot  string
	projectInImage bool
	timeout        time.Duration
	logger         *slog.Logger

	group singleflight.Group

	// builds run on this context, not on any caller's
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]map[string]context.CancelFunc // project id -> flight -> cancel
	locks   map[string]chan struct{}
}

func New(opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultBuildTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Builder{
		rt:             opts.Runtime,
		projects:       opts.Projects,
		checkouts:      opts.Checkouts,
		paths:          opts.Paths,
		events:         opts.Events,
		identity:       opts.Identity,
		logDir:         opts.LogDir,
		containerRoot:  opts.ContainerRoot,
		projectInImage: opts.ProjectInImage,
		timeout:        timeout,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		running:        make(map[string]map[string]context.CancelFunc),
		locks:          make(map[string]chan struct{}),
	}
}

// Close cancels every running build.
func (b *Builder) Close() {
	b.cancel()
}

// plan is one resolved build: inputs, key and the resulting tag.
type plan struct {
	project    *store.Project
	flight     string
	baseImage  string
	baseInput  string
	dockerfile string
	checkout   string
	key        string
	tag        string
	workdir    string
}

// Ensure returns the snapshot image for the project's current settings,
// building it when it does not exist yet. Concurrent calls for the same
// settings share one build. A caller whose ctx ends stops waiting; the build
// goes on, and nothing the caller's ctx does is recorded on the project.
func (b *Builder) Ensure(ctx context.Context, p *store.Project) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if tag, ok := b.cached(ctx, p); ok {
		return tag, nil
	}

	flight := flightKey(p, b.projectInImage)
	ch := b.group.DoChan(flight, func() (any, error) {
		return b.build(p, flight)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// cached returns the recorded snapshot of a ready project without touching
// its checkout. A tag-based key is recomputed from the settings; a Dockerfile
// key depends on the checkout, so its recorded image stands until a rebuild.
func (b *Builder) cached(ctx context.Context, p *store.Project) (string, bool) {
	if p.BuildStatus != store.BuildReady || p.SnapshotImage == "" {
		return "", false
	}
	if p.BaseKind != store.BaseDockerfile {
		key := Key(p.BaseRef, p.SetupScript, b.projectInImage)
		if key != p.SnapshotKey || Tag(p.ID, key) != p.SnapshotImage {
			return "", false
		}
	}
	ok, err := b.rt.ImageExists(ctx, p.SnapshotImage)
	if err != nil || !ok {
		return "", false
	}
	return p.SnapshotImage, true
}

// Cancel aborts every running build of a project.
func (b *Builder) Cancel(projectID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for flight, cancel := range b.running[projectID] {
		b.logger.Info("cancelling snapshot build", "project_id", projectID, "flight", flight)
		cancel()
	}
}

// lockProject serialises builds of one project. The checkout is shared, so
// it must not change while a build container copies from it.
func (b *Builder) lockProject(ctx context.Context, projectID string) (func(), error) {
	b.mu.Lock()
	sem, ok := b.locks[projectID]
	if !ok {
		sem = make(chan struct{}, 1)
		b.locks[projectID] = sem
	}
	b.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Builder) plan(ctx context.Context, p *store.Project) (*plan, error) {
	pl := &plan{
		project: p,
		workdir: Workdir(b.containerRoot, p.Name, p.ID),
	}

	needCheckout := b.projectInImage || p.BaseKind == store.BaseDockerfile
	if needCheckout {
		if p.RepoURL == "" {
			return nil, apperr.New(apperr.KindBuild, "snapshot plan", "project %s has no repository", p.ID)
		}
		dir, err := b.checkouts.ProjectCheckout(ctx, p.ID, p.RepoURL, p.DefaultBranch)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBuild, "project checkout", err)
		}
		pl.checkout = dir
	}

	switch p.BaseKind {
	case store.BaseDockerfile:
		rel := filepath.Clean(p.BaseRef)
		if rel == "." || rel == "" {
			rel = "Dockerfile"
		}
		if filepath.IsAbs(rel) || strings.HasPrefix(rel, "..") {
			return nil, apperr.New(apperr.KindBuild, "snapshot plan", "dockerfile %q must be inside the repository", p.BaseRef)
		}
		data, err := os.ReadFile(filepath.Join(pl.checkout, rel))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBuild, "read dockerfile", err)
		}
		sum := sha256.Sum256(data)
		hexSum := hex.EncodeToString(sum[:])
		pl.dockerfile = filepath.ToSlash(rel)
		pl.baseInput = "dockerfile:" + pl.dockerfile + "@" + hexSum
		pl.baseImage = BaseTag(p.ID, hexSum)
	default:
		if p.BaseRef == "" {
			return nil, apperr.New(apperr.KindBuild, "snapshot plan", "project %s has no base image", p.ID)
		}
		pl.baseInput = p.BaseRef
		pl.baseImage = p.BaseRef
	}

	pl.key = Key(pl.baseInput, p.SetupScript, b.projectInImage)
	pl.tag = Tag(p.ID, pl.key)
	return pl, nil
}

func (b *Builder) track(projectID, flight string, cancel context.CancelFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.running[projectID]
	if m == nil {
		m = make(map[string]context.CancelFunc)
		b.running[projectID] = m
	}
	m[flight] = cancel
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.running[projectID], flight)
		if len(b.running[projectID]) == 0 {
			delete(b.running, projectID)
		}
	}
}

func (b *Builder) othersRunning(pl *plan) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for flight := range b.running[pl.project.ID] {
		if flight != pl.flight {
			return true
		}
	}
	return false
}

func (b *Builder) build(p *store.Project, flight string) (string, error) {
	pid := p.ID
	ctx, cancel := context.WithTimeout(b.ctx, b.timeout)
	defer cancel()
	untrack := b.track(pid, flight, cancel)
	defer untrack()

	unlock, err := b.lockProject(ctx, pid)
	if err != nil {
		return "", apperr.New(apperr.KindBuild, "snapshot build", "build cancelled")
	}
	defer unlock()

	pl, err := b.plan(ctx, p)
	if err != nil {
		b.markFailed(pid, time.Now().UTC(), err)
		return "", err
	}
	pl.flight = flight
	logger := b.logger.With("project_id", pid, "tag", pl.tag)

	if ok, err := b.rt.ImageExists(ctx, pl.tag); err == nil && ok {
		logger.Info("snapshot cache hit")
		if err := b.finish(pl, store.BuildUpdate{
			Status:        store.BuildReady,
			SnapshotImage: pl.tag,
			SnapshotKey:   pl.key,
			FinishedAt:    ptr(time.Now().UTC()),
		}); err != nil {
			return "", err
		}
		return pl.tag, nil
	}

	started := time.Now().UTC()
	if err := b.projects.UpdateProjectBuild(pid, store.BuildUpdate{
		Status:    store.BuildBuilding,
		StartedAt: &started,
	}); err != nil {
		return "", fmt.Errorf("mark building: %w", err)
	}
	b.publish(pl, store.BuildBuilding, "")
	logger.Info("snapshot build started", "base", pl.baseImage)

	out, closeLog, err := b.openLog(pid)
	if err != nil {
		b.markFailed(pid, started, err)
		return "", err
	}
	defer closeLog()

	if err := b.run(ctx, pl, out); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			err = apperr.New(apperr.KindBuild, "snapshot build", "build cancelled")
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = apperr.New(apperr.KindBuild, "snapshot build", "build timed out after %s", b.timeout)
		}
		err = apperr.Classify(err, apperr.KindBuild, "snapshot build")
		fmt.Fprintf(out, "==> build failed: %v\n", err)
		if b.ctx.Err() != nil {
			// left building; the next daemon resumes it
			logger.Info("snapshot build interrupted by shutdown")
			return "", err
		}
		logger.Error("snapshot build failed", "error", err)
		if ferr := b.finish(pl, store.BuildUpdate{
			Status:     store.BuildFailed,
			Error:      err.Error(),
			FinishedAt: ptr(time.Now().UTC()),
		}); ferr != nil && !errors.Is(ferr, apperr.ErrBuild) {
			logger.Warn("record build failure", "error", ferr)
		}
		return "", err
	}

	fmt.Fprintf(out, "==> snapshot %s ready (%s)\n", pl.tag, b.rt.ImageSize(ctx, pl.tag))
	logger.Info("snapshot build finished", "elapsed", time.Since(started).Round(time.Millisecond))
	if err := b.finish(pl, store.BuildUpdate{
		Status:        store.BuildReady,
		SnapshotImage: pl.tag,
		SnapshotKey:   pl.key,
		FinishedAt:    ptr(time.Now().UTC()),
	}); err != nil {
		return "", err
	}
	return pl.tag, nil
}

// run executes the build container and commits it after a clean exit.
func (b *Builder) run(ctx context.Context, pl *plan, out io.Writer) error {
	if err := b.ensureBase(ctx, pl, out); err != nil {
		return err
	}

	opts := docker.RunOpts{
		Name:  fmt.Sprintf("agenthub-build-%s-%s", shortID(pl.project.ID), short(pl.key, 8)),
		Image: pl.baseImage,
		User:  "0:0",
		Env:   b.identity.Env(),
		Cmd: []string{"bash", "-lc", buildScript(scriptParams{
			Identity:       b.identity,
			SetupScript:    pl.project.SetupScript,
			ProjectInImage: b.projectInImage,
			Workdir:        pl.workdir,
		})},
		WorkingDir: "/",
		Labels: map[string]string{
			docker.LabelRole:      docker.RoleBuild,
			docker.LabelProjectID: pl.project.ID,
		},
	}
	if b.projectInImage {
		src, err := b.paths.DaemonPath(pl.checkout)
		if err != nil {
			return err
		}
		opts.Mounts = []docker.Mount{{Source: src, Target: SourceDir, ReadOnly: true}}
	}

	// a container left by a crashed daemon would block the name
	_ = b.rt.RemoveContainer(ctx, opts.Name)

	id, err := b.rt.CreateContainer(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.rt.RemoveContainer(context.WithoutCancel(ctx), id); err != nil {
			b.logger.Warn("remove build container", "container_id", id, "error", err)
		}
	}()

	if err := b.rt.StartContainer(ctx, id); err != nil {
		return err
	}

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		if err := b.rt.Logs(ctx, id, out); err != nil {
			b.logger.Debug("build log stream ended", "container_id", id, "error", err)
		}
	}()

	code, err := b.rt.WaitContainer(ctx, id)
	select {
	case <-logsDone:
	case <-time.After(5 * time.Second):
	}
	if err != nil {
		return fmt.Errorf("wait for build container: %w", err)
	}
	if code != 0 {
		return apperr.New(apperr.KindBuild, "snapshot build", "setup exited with code %d", code)
	}

	changes := []string{
		"WORKDIR " + pl.workdir,
		"LABEL " + docker.LabelProjectID + "=" + pl.project.ID,
		"LABEL agenthub.snapshot_key=" + pl.key,
	}
	if _, err := b.rt.CommitContainer(ctx, id, pl.tag, changes); err != nil {
		return err
	}
	return nil
}

func (b *Builder) ensureBase(ctx context.Context, pl *plan, out io.Writer) error {
	ok, err := b.rt.ImageExists(ctx, pl.baseImage)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if pl.dockerfile != "" {
		fmt.Fprintf(out, "==> building base image %s from %s\n", pl.baseImage, pl.dockerfile)
		return b.rt.BuildImage(ctx, pl.checkout, pl.dockerfile, pl.baseImage, out)
	}
	fmt.Fprintf(out, "==> pulling %s\n", pl.baseImage)
	return b.rt.PullImage(ctx, pl.baseImage, out)
}

// finish records the outcome unless the project's settings moved on during
// the build. A superseded build hands the project back to pending when no
// newer build is running.
func (b *Builder) finish(pl *plan, u store.BuildUpdate) error {
	cur, err := b.projects.GetProject(pl.project.ID)
	if err != nil {
		return err
	}
	if cur == nil {
		return apperr.NotFound("project %s was deleted during build", pl.project.ID)
	}
	if !sameInputs(cur, pl.project) {
		b.logger.Info("snapshot build superseded", "project_id", cur.ID, "tag", pl.tag)
		if !b.othersRunning(pl) {
			if err := b.projects.UpdateProjectBuild(cur.ID, store.BuildUpdate{Status: store.BuildPending}); err != nil {
				return err
			}
			b.publish(pl, store.BuildPending, "")
		}
		return apperr.New(apperr.KindBuild, "snapshot build", "superseded by newer project settings")
	}

	if err := b.projects.UpdateProjectBuild(cur.ID, u); err != nil {
		return err
	}
	b.publish(pl, u.Status, u.Error)
	return nil
}

func (b *Builder) markFailed(projectID string, started time.Time, cause error) {
	if b.ctx.Err() != nil {
		return
	}
	now := time.Now().UTC()
	if err := b.projects.UpdateProjectBuild(projectID, store.BuildUpdate{
		Status:     store.BuildFailed,
		Error:      cause.Error(),
		StartedAt:  &started,
		FinishedAt: &now,
	}); err != nil {
		b.logger.Warn("record build failure", "project_id", projectID, "error", err)
		return
	}
	if b.events != nil {
		b.events.Publish(events.TypeProjectBuild, events.ProjectBuild{
			ProjectID: projectID,
			Status:    string(store.BuildFailed),
			Error:     cause.Error(),
		})
	}
}

func (b *Builder) publish(pl *plan, status store.BuildStatus, errMsg string) {
	if b.events == nil {
		return
	}
	ev := events.ProjectBuild{ProjectID: pl.project.ID, Status: string(status), Error: errMsg}
	if status == store.BuildReady {
		ev.Image = pl.tag
	}
	b.events.Publish(events.TypeProjectBuild, ev)
}

func sameInputs(a, b *store.Project) bool {
	return a.BaseKind == b.BaseKind &&
		a.BaseRef == b.BaseRef &&
		a.SetupScript == b.SetupScript &&
		a.RepoURL == b.RepoURL
}

func ptr[T any](v T) *T { return &v }
