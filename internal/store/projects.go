package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// BuildStatus is the project snapshot pipeline state.
type BuildStatus string

const (
	BuildPending  BuildStatus = "pending"
	BuildBuilding BuildStatus = "building"
	BuildReady    BuildStatus = "ready"
	BuildFailed   BuildStatus = "failed"
)

func (b BuildStatus) Valid() bool {
	switch b {
	case BuildPending, BuildBuilding, BuildReady, BuildFailed:
		return true
	}
	return false
}

// BaseKind selects how the base image of a project is obtained.
type BaseKind string

const (
	BaseTag        BaseKind = "tag"
	BaseDockerfile BaseKind = "dockerfile"
)

// MountSpec is a declared bind mount. HostPath is as seen by the control plane.
type MountSpec struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      bool   `json:"read_only"`
}

type Project struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	RepoURL         string      `json:"repo_url"`
	DefaultBranch   string      `json:"default_branch"`
	BaseKind        BaseKind    `json:"base_kind"`
	BaseRef         string      `json:"base_ref"`
	SetupScript     string      `json:"setup_script"`
	DefaultMounts   []MountSpec `json:"default_mounts"`
	DefaultEnv      []string    `json:"default_env"`
	BuildStatus     BuildStatus `json:"build_status"`
	BuildError      string      `json:"build_error,omitempty"`
	SnapshotImage   string      `json:"snapshot_image,omitempty"`
	SnapshotKey     string      `json:"snapshot_key,omitempty"`
	BuildStartedAt  *time.Time  `json:"build_started_at,omitempty"`
	BuildFinishedAt *time.Time  `json:"build_finished_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// BuildUpdate is written by the snapshot pipeline.
type BuildUpdate struct {
	Status        BuildStatus
	Error         string
	SnapshotImage string
	SnapshotKey   string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

const projectColumns = `id, name, repo_url, default_branch, base_kind, base_ref, setup_script,
	default_mounts, default_env, build_status, build_error, snapshot_image, snapshot_key,
	build_started_at, build_finished_at, created_at, updated_at`

func (s *Store) CreateProject(p *Project) error {
	mounts, env, err := encodeMountsEnv(p.DefaultMounts, p.DefaultEnv)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO projects (`+projectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.RepoURL, p.DefaultBranch, string(p.BaseKind), p.BaseRef, p.SetupScript,
		mounts, env, string(p.BuildStatus), p.BuildError, p.SnapshotImage, p.SnapshotKey,
		nullTime(p.BuildStartedAt), nullTime(p.BuildFinishedAt), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetProject returns nil, nil when the project does not exist.
func (s *Store) GetProject(id string) (*Project, error) {
	row := s.db.QueryRow(`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`SELECT ` + projectColumns + ` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projects: %w", err)
	}
	return projects, nil
}

// UpdateProjectSettings writes the user-editable fields together with the
// build fields, which the caller resets when a snapshot input changed.
func (s *Store) UpdateProjectSettings(p *Project) error {
	mounts, env, err := encodeMountsEnv(p.DefaultMounts, p.DefaultEnv)
	if err != nil {
		return err
	}
	result, err := s.exec(
		`UPDATE projects SET name = ?, repo_url = ?, default_branch = ?, base_kind = ?, base_ref = ?,
		 setup_script = ?, default_mounts = ?, default_env = ?, build_status = ?, build_error = ?,
		 snapshot_image = ?, snapshot_key = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.RepoURL, p.DefaultBranch, string(p.BaseKind), p.BaseRef,
		p.SetupScript, mounts, env, string(p.BuildStatus), p.BuildError,
		p.SnapshotImage, p.SnapshotKey, time.Now().UTC(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return checkRowAffected(result, "project", p.ID)
}

func (s *Store) UpdateProjectBuild(id string, u BuildUpdate) error {
	result, err := s.exec(
		`UPDATE projects SET build_status = ?, build_error = ?, snapshot_image = ?, snapshot_key = ?,
		 build_started_at = COALESCE(?, build_started_at), build_finished_at = ?, updated_at = ?
		 WHERE id = ?`,
		string(u.Status), u.Error, u.SnapshotImage, u.SnapshotKey,
		nullTime(u.StartedAt), nullTime(u.FinishedAt), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating project build: %w", err)
	}
	return checkRowAffected(result, "project", id)
}

func (s *Store) DeleteProject(id string) error {
	result, err := s.exec(`DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return checkRowAffected(result, "project", id)
}

func scanProject(row scannable) (*Project, error) {
	var p Project
	var baseKind, status, mounts, env string
	var started, finished sql.NullTime
	err := row.Scan(
		&p.ID, &p.Name, &p.RepoURL, &p.DefaultBranch, &baseKind, &p.BaseRef, &p.SetupScript,
		&mounts, &env, &status, &p.BuildError, &p.SnapshotImage, &p.SnapshotKey,
		&started, &finished, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	p.BaseKind = BaseKind(baseKind)
	p.BuildStatus = BuildStatus(status)
	p.BuildStartedAt = timePtr(started)
	p.BuildFinishedAt = timePtr(finished)
	if err := decodeMountsEnv(mounts, env, &p.DefaultMounts, &p.DefaultEnv); err != nil {
		return nil, fmt.Errorf("project %s: %w", p.ID, err)
	}
	return &p, nil
}

func encodeMountsEnv(mounts []MountSpec, env []string) (string, string, error) {
	if mounts == nil {
		mounts = []MountSpec{}
	}
	if env == nil {
		env = []string{}
	}
	m, err := json.Marshal(mounts)
	if err != nil {
		return "", "", fmt.Errorf("encoding mounts: %w", err)
	}
	e, err := json.Marshal(env)
	if err != nil {
		return "", "", fmt.Errorf("encoding env: %w", err)
	}
	return string(m), string(e), nil
}

func decodeMountsEnv(mounts, env string, dstMounts *[]MountSpec, dstEnv *[]string) error {
	if err := json.Unmarshal([]byte(mounts), dstMounts); err != nil {
		return fmt.Errorf("decoding mounts: %w", err)
	}
	if err := json.Unmarshal([]byte(env), dstEnv); err != nil {
		return fmt.Errorf("decoding env: %w", err)
	}
	return nil
}
