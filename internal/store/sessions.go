package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SessionStatus is the runtime status of a session. Only starting and running
// have a live container.
type SessionStatus string

const (
	StatusStopped  SessionStatus = "stopped"
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusFailed   SessionStatus = "failed"
)

func (s SessionStatus) Live() bool {
	return s == StatusStarting || s == StatusRunning
}

type Session struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"project_id"`
	DisplayName      string        `json:"display_name"`
	Subtitle         string        `json:"subtitle"`
	Mounts           []MountSpec   `json:"mounts"`
	Env              []string      `json:"env"`
	WorkspacePath    string        `json:"workspace_path"`
	ContainerWorkdir string        `json:"container_workdir"`
	Status           SessionStatus `json:"status"`
	StatusReason     string        `json:"status_reason,omitempty"`
	StatusMessage    string        `json:"status_message,omitempty"`
	SnapshotImage    string        `json:"snapshot_image,omitempty"`
	ContainerID      string        `json:"container_id,omitempty"`
	LastExitCode     *int          `json:"last_exit_code,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	StatusChangedAt  time.Time     `json:"status_changed_at"`
}

// StatusUpdate is a status transition record. A nil ExitCode keeps the
// previously recorded exit code.
type StatusUpdate struct {
	Status        SessionStatus
	Reason        string
	Message       string
	SnapshotImage string
	ContainerID   string
	ExitCode      *int
}

const sessionColumns = `id, project_id, display_name, subtitle, mounts, env, workspace_path,
	container_workdir, status, status_reason, status_message, snapshot_image, container_id,
	last_exit_code, created_at, updated_at, status_changed_at`

func (s *Store) CreateSession(sess *Session) error {
	mounts, env, err := encodeMountsEnv(sess.Mounts, sess.Env)
	if err != nil {
		return err
	}
	_, err = s.exec(
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.DisplayName, sess.Subtitle, mounts, env, sess.WorkspacePath,
		sess.ContainerWorkdir, string(sess.Status), sess.StatusReason, sess.StatusMessage,
		sess.SnapshotImage, sess.ContainerID, nullInt(sess.LastExitCode),
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(), sess.StatusChangedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) ListSessionsByProject(projectID string) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE project_id = ? ORDER BY created_at DESC`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing project sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListLiveSessions returns sessions recorded as starting or running.
func (s *Store) ListLiveSessions() ([]*Session, error) {
	return s.listByStatus(StatusStarting, StatusRunning)
}

func (s *Store) listByStatus(statuses ...SessionStatus) ([]*Session, error) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sessions WHERE status IN (`+strings.Join(marks, ", ")+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions by status: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) UpdateSessionStatus(id string, u StatusUpdate) error {
	now := time.Now().UTC()
	result, err := s.exec(
		`UPDATE sessions SET status = ?, status_reason = ?, status_message = ?, snapshot_image = ?,
		 container_id = ?, last_exit_code = COALESCE(?, last_exit_code), updated_at = ?, status_changed_at = ?
		 WHERE id = ?`,
		string(u.Status), u.Reason, u.Message, u.SnapshotImage, u.ContainerID, nullInt(u.ExitCode),
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

func (s *Store) UpdateSessionPresentation(id, displayName, subtitle string) error {
	result, err := s.exec(
		`UPDATE sessions SET display_name = ?, subtitle = ?, updated_at = ? WHERE id = ?`,
		displayName, subtitle, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating session presentation: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

// UpdateSessionSubtitle does not touch updated_at; the subtitle follows
// terminal output and is not a user edit.
func (s *Store) UpdateSessionSubtitle(id, subtitle string) error {
	result, err := s.exec(`UPDATE sessions SET subtitle = ? WHERE id = ?`, subtitle, id)
	if err != nil {
		return fmt.Errorf("updating session subtitle: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

func (s *Store) DeleteSession(id string) error {
	result, err := s.exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return checkRowAffected(result, "session", id)
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var status, mounts, env string
	var exitCode sql.NullInt64
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.DisplayName, &sess.Subtitle, &mounts, &env, &sess.WorkspacePath,
		&sess.ContainerWorkdir, &status, &sess.StatusReason, &sess.StatusMessage, &sess.SnapshotImage,
		&sess.ContainerID, &exitCode, &sess.CreatedAt, &sess.UpdatedAt, &sess.StatusChangedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	sess.Status = SessionStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		sess.LastExitCode = &code
	}
	if err := decodeMountsEnv(mounts, env, &sess.Mounts, &sess.Env); err != nil {
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
