package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/p-arndt/agenthub/internal/store"
)

// SchemaVersion is mixed into every key. Bump it when the build script
// changes in a way that invalidates existing snapshots.
const SchemaVersion = 8

// keyDoc is the canonical key document; field order is fixed by the struct.
type keyDoc struct {
	SchemaVersion  int    `json:"schema_version"`
	BaseImage      string `json:"base_image"`
	SetupScript    string `json:"setup_script"`
	ProjectInImage bool   `json:"project_in_image"`
}

// Key derives the snapshot key from every input that affects the image.
func Key(baseImage, setupScript string, projectInImage bool) string {
	doc, _ := json.Marshal(keyDoc{
		SchemaVersion:  SchemaVersion,
		BaseImage:      baseImage,
		SetupScript:    setupScript,
		ProjectInImage: projectInImage,
	})
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// flightKey groups Ensure calls that would produce the same build. It covers
// the project settings only, so it is known before the checkout is touched.
func flightKey(p *store.Project, projectInImage bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%t",
		p.BaseKind, p.BaseRef, p.SetupScript, p.RepoURL, p.DefaultBranch, projectInImage)
	return p.ID + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Tag is the image reference a project's snapshot of key is stored under.
func Tag(projectID, key string) string {
	return fmt.Sprintf("agenthub-snapshot-%s:%s", shortID(projectID), short(key, 16))
}

// BaseTag names the base image built from a project's Dockerfile.
func BaseTag(projectID, dockerfileSum string) string {
	return fmt.Sprintf("agenthub-base-%s:%s", shortID(projectID), short(dockerfileSum, 16))
}

// Workdir is the directory a project lives at inside its containers.
func Workdir(root, projectName, projectID string) string {
	if root == "" {
		root = "/workspace"
	}
	name := slug(projectName)
	if name == "" {
		name = shortID(projectID)
	}
	return path.Join(root, name)
}

func shortID(id string) string {
	id = strings.ToLower(strings.ReplaceAll(id, "-", ""))
	return short(id, 12)
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.Trim(b.String(), "-.")
}
