// Package launch resolves who a session container runs as and what it sees:
// the runtime identity, the bind mounts and the container-reachable
// addresses. Everything here is computed from explicit inputs; nothing is
// inferred from inside the container.
package launch

import (
	"os/user"
	"regexp"
	"strconv"

	"github.com/p-arndt/agenthub/internal/apperr"
	"github.com/p-arndt/agenthub/internal/config"
)

// Identity is the in-container user every session and setup command runs as.
type Identity struct {
	Username          string `json:"username"`
	UID               int    `json:"uid"`
	GID               int    `json:"gid"`
	SupplementaryGIDs []int  `json:"supplementary_gids,omitempty"`
	Umask             string `json:"umask"`
}

// User is the docker "uid:gid" form.
func (i Identity) User() string {
	return strconv.Itoa(i.UID) + ":" + strconv.Itoa(i.GID)
}

func (i Identity) GroupAdd() []string {
	out := make([]string, 0, len(i.SupplementaryGIDs))
	for _, g := range i.SupplementaryGIDs {
		if g == i.GID {
			continue
		}
		out = append(out, strconv.Itoa(g))
	}
	return out
}

// Env exposes the identity to processes in the container.
func (i Identity) Env() []string {
	return []string{
		"LOCAL_USER=" + i.Username,
		"LOCAL_UID=" + strconv.Itoa(i.UID),
		"LOCAL_GID=" + strconv.Itoa(i.GID),
		"LOCAL_UMASK=" + i.Umask,
		"USER=" + i.Username,
	}
}

// HostUser is a user record from the host the control plane runs on.
type HostUser struct {
	Username string
	UID      int
	GID      int
	GroupIDs []int
}

// Host supplies host user facts.
type Host interface {
	Current() (*HostUser, error)
	LookupUID(uid int) (*HostUser, error)
}

// OSHost reads users from the operating system.
type OSHost struct{}

func (OSHost) Current() (*HostUser, error) {
	u, err := user.Current()
	if err != nil {
		return nil, err
	}
	return toHostUser(u)
}

func (OSHost) LookupUID(uid int) (*HostUser, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, err
	}
	return toHostUser(u)
}

func toHostUser(u *user.User) (*HostUser, error) {
	uid, err := config.ParseID(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := config.ParseID(u.Gid)
	if err != nil {
		return nil, err
	}
	hu := &HostUser{Username: u.Username, UID: uid, GID: gid}
	if groups, err := u.GroupIds(); err == nil {
		for _, g := range groups {
			if n, err := config.ParseID(g); err == nil && n != gid {
				hu.GroupIDs = append(hu.GroupIDs, n)
			}
		}
	}
	return hu, nil
}

var umaskPattern = regexp.MustCompile(`^0?[0-7]{3}$`)

// ResolveIdentity resolves each identity field in one order: explicit
// setting, then the host user running the control plane, else an identity
// error. uid and gid are only ever taken as a pair from the same source.
func ResolveIdentity(cfg config.IdentityConfig, host Host) (Identity, error) {
	if (cfg.UID == nil) != (cfg.GID == nil) {
		return Identity{}, apperr.Identity("identity.uid and identity.gid must be set together")
	}

	var id Identity
	var current *HostUser
	hostCurrent := func() (*HostUser, error) {
		if current != nil {
			return current, nil
		}
		u, err := host.Current()
		if err != nil {
			return nil, apperr.Identity("cannot read host user: %v", err)
		}
		current = u
		return u, nil
	}

	explicit := cfg.UID != nil
	if explicit {
		if *cfg.UID < 0 || *cfg.GID < 0 {
			return Identity{}, apperr.Identity("identity uid/gid must be non-negative, got %d:%d", *cfg.UID, *cfg.GID)
		}
		id.UID, id.GID = *cfg.UID, *cfg.GID
	} else {
		u, err := hostCurrent()
		if err != nil {
			return Identity{}, err
		}
		if u.UID == 0 {
			return Identity{}, apperr.Identity("control plane runs as root; set identity.uid and identity.gid explicitly")
		}
		id.UID, id.GID = u.UID, u.GID
	}

	username, err := config.Resolve("identity.username",
		config.Value(cfg.Username, cfg.Username != ""),
		config.Func(func() (string, bool, error) {
			if !explicit {
				u, err := hostCurrent()
				if err != nil {
					return "", false, err
				}
				return u.Username, u.Username != "", nil
			}
			u, err := host.LookupUID(id.UID)
			if err != nil {
				return "", false, nil
			}
			return u.Username, u.Username != "", nil
		}),
	)
	if err != nil {
		return Identity{}, apperr.Identity("identity.username must be set for uid %d", id.UID)
	}
	id.Username = username

	gids, err := config.Resolve("identity.supplementary_gids",
		config.Value(cfg.SupplementaryGIDs, cfg.SupplementaryGIDs != nil),
		config.Func(func() ([]int, bool, error) {
			if explicit {
				return nil, true, nil
			}
			u, err := hostCurrent()
			if err != nil {
				return nil, false, err
			}
			return u.GroupIDs, true, nil
		}),
	)
	if err != nil {
		return Identity{}, err
	}
	for _, g := range gids {
		if g < 0 {
			return Identity{}, apperr.Identity("supplementary gid must be non-negative, got %d", g)
		}
	}
	id.SupplementaryGIDs = gids

	umask, err := config.Resolve("identity.umask", config.Value(cfg.Umask, cfg.Umask != ""))
	if err != nil {
		return Identity{}, apperr.Identity("identity.umask must be set")
	}
	if !umaskPattern.MatchString(umask) {
		return Identity{}, apperr.Identity("identity.umask must be octal like 0022, got %q", umask)
	}
	id.Umask = umask

	return id, nil
}
