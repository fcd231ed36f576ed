// Package workspace manages the git clones sessions and snapshot builds work on.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Manager runs git against per-session clones and per-project checkouts.
type Manager struct {
	git          string
	checkoutsDir string
	logger       *slog.Logger
}

func NewManager(gitBinary, checkoutsDir string, logger *slog.Logger) *Manager {
	if gitBinary == "" {
		gitBinary = "git"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{git: gitBinary, checkoutsDir: checkoutsDir, logger: logger}
}

// Ensure clones repo into dest unless dest already holds a clone.
func (m *Manager) Ensure(ctx context.Context, repo, branch, dest string) error {
	if isClone(dest) {
		return nil
	}
	if repo == "" {
		return fmt.Errorf("clone %s: no repository url", dest)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create workspace parent: %w", err)
	}
	// a half-finished clone from an earlier attempt would make git refuse
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("clear workspace: %w", err)
	}

	args := []string{"clone", "--quiet"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repo, dest)
	if _, err := m.run(ctx, "", args...); err != nil {
		return fmt.Errorf("clone %s: %w", repo, err)
	}
	m.logger.Info("workspace cloned", "repo", repo, "branch", branch, "path", dest)
	return nil
}

// Reset discards every local change in dest and moves it to origin's branch.
func (m *Manager) Reset(ctx context.Context, dest, branch string) error {
	if !isClone(dest) {
		return fmt.Errorf("reset %s: not a git clone", dest)
	}
	if branch == "" {
		branch = m.defaultBranch(ctx, dest)
	}
	steps := [][]string{
		{"fetch", "--quiet", "origin", branch},
		{"checkout", "--quiet", "-f", "-B", branch, "origin/" + branch},
		{"reset", "--quiet", "--hard", "origin/" + branch},
		{"clean", "-fdx", "--quiet"},
	}
	for _, args := range steps {
		if _, err := m.run(ctx, dest, args...); err != nil {
			return fmt.Errorf("reset %s: %w", dest, err)
		}
	}
	m.logger.Info("workspace reset", "path", dest, "branch", branch)
	return nil
}

// Remove deletes a clone. A missing directory is not an error.
func (m *Manager) Remove(dest string) error {
	if dest == "" {
		return nil
	}
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	return nil
}

// ProjectCheckout returns an up-to-date checkout of a project's default
// branch, used as snapshot build context.
func (m *Manager) ProjectCheckout(ctx context.Context, projectID, repo, branch string) (string, error) {
	dest := filepath.Join(m.checkoutsDir, projectID)
	if !isClone(dest) {
		if err := m.Ensure(ctx, repo, branch, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	if err := m.Reset(ctx, dest, branch); err != nil {
		return "", err
	}
	return dest, nil
}

// RemoveProjectCheckout drops a project's build checkout.
func (m *Manager) RemoveProjectCheckout(projectID string) error {
	return m.Remove(filepath.Join(m.checkoutsDir, projectID))
}

// Head returns the commit dest is currently at.
func (m *Manager) Head(ctx context.Context, dest string) (string, error) {
	out, err := m.run(ctx, dest, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (m *Manager) defaultBranch(ctx context.Context, dest string) string {
	out, err := m.run(ctx, dest, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err == nil {
		// origin/main
		if _, b, ok := strings.Cut(strings.TrimSpace(out), "/"); ok {
			return b
		}
	}
	return "main"
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, m.git, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return stdout.String(), nil
}

func isClone(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}
