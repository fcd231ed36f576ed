package testutil

import (
	"testing"
	"time"

	"github.com/p-arndt/agenthub/internal/config"
	"github.com/p-arndt/agenthub/internal/store"
)

// TestAPIKey is the API key of TestConfig.
const TestAPIKey = "test-api-key"

// TestConfig returns a Config with sensible test defaults rooted in a temp dir.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	cfg.Listen = "127.0.0.1:0"
	cfg.APIKey = TestAPIKey
	cfg.DataDir = t.TempDir()
	cfg.DBPath = ":memory:"
	uid, gid := 1000, 1000
	cfg.Identity.Username = "dev"
	cfg.Identity.UID = &uid
	cfg.Identity.GID = &gid
	cfg.Session.StopGraceSeconds = 1
	cfg.Session.LivenessSettleMs = 10
	cfg.Session.LivenessTimeoutSeconds = 2
	return cfg
}

// TestProject returns a ready project built on a tag base.
func TestProject(id string) *store.Project {
	now := time.Now().UTC()
	return &store.Project{
		ID:            id,
		Name:          "demo",
		RepoURL:       "https://example.com/demo.git",
		DefaultBranch: "main",
		BaseKind:      store.BaseTag,
		BaseRef:       "ubuntu:24.04",
		SetupScript:   "make deps",
		BuildStatus:   store.BuildReady,
		SnapshotImage: "agenthub-snapshot-" + id + ":0123456789abcdef",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestSession(id, projectID string) *store.Session {
	now := time.Now().UTC()
	return &store.Session{
		ID:               id,
		ProjectID:        projectID,
		DisplayName:      "demo",
		WorkspacePath:    "/data/workspaces/" + id,
		ContainerWorkdir: "/workspace/demo",
		Status:           store.StatusStopped,
		CreatedAt:        now,
		UpdatedAt:        now,
		StatusChangedAt:  now,
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", 1)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
