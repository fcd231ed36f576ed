package snapshot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/p-arndt/agenthub/internal/launch"
)

// DoneMarker is printed as the last line of a successful build.
const DoneMarker = "__AGENTHUB_SNAPSHOT_DONE__"

// SourceDir is where the project checkout is mounted read-only during builds.
const SourceDir = "/agenthub-src"

// SetupCommands splits a setup script into commands: one per non-empty line
// that is not a comment.
func SetupCommands(script string) []string {
	var cmds []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	return cmds
}

type scriptParams struct {
	Identity       launch.Identity
	SetupScript    string
	ProjectInImage bool
	Workdir        string
}

// buildScript renders the single root script a build container runs. Setup
// commands run as the runtime identity; only ownership fixes run as root.
func buildScript(p scriptParams) string {
	id := p.Identity
	uid, gid := strconv.Itoa(id.UID), strconv.Itoa(id.GID)
	home := "/home/" + id.Username
	asUser := setpriv(id)

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("set -euo pipefail")
	line("echo %s", quote("==> preparing "+p.Workdir))
	line("getent group %s >/dev/null || groupadd -g %s %s 2>/dev/null || true", gid, gid, quote(id.Username))
	line("getent passwd %s >/dev/null || useradd -M -u %s -g %s -d %s -s /bin/bash %s 2>/dev/null || true",
		uid, uid, gid, quote(home), quote(id.Username))
	line("mkdir -p %s %s", quote(p.Workdir), quote(home))
	if p.ProjectInImage {
		line("echo %s", quote("==> copying project"))
		line("cp -a %s/. %s/", SourceDir, quote(p.Workdir))
	}
	line("chown %s:%s %s %s", uid, gid, quote(p.Workdir), quote(home))

	for i, cmd := range SetupCommands(p.SetupScript) {
		line("echo %s", quote(fmt.Sprintf("==> [%d] %s", i+1, cmd)))
		inner := fmt.Sprintf("umask %s; cd %s; %s", id.Umask, quote(p.Workdir), cmd)
		line("%s env HOME=%s USER=%s bash -lc %s", asUser, quote(home), quote(id.Username), quote(inner))
	}

	line("chown -R %s:%s %s %s", uid, gid, quote(p.Workdir), quote(home))
	line("%s sh -c %s", asUser, quote(fmt.Sprintf("touch %s/.agenthub-writable && rm %s/.agenthub-writable", p.Workdir, p.Workdir)))
	line("echo %s", DoneMarker)
	line("exit 0")
	return b.String()
}

func setpriv(id launch.Identity) string {
	groups := "--clear-groups"
	if len(id.SupplementaryGIDs) > 0 {
		groups = "--groups=" + strings.Join(id.GroupAdd(), ",")
	}
	return fmt.Sprintf("setpriv --reuid=%d --regid=%d %s", id.UID, id.GID, groups)
}

// quote wraps s in single quotes for bash.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
