package spawn

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

const loginUIDPath = "/proc/self/loginuid"

var (
	ErrUnknownUser = errors.New("unknown user")

	// ErrPrivilege is returned when the worker cannot take on the target
	// user's identity. Nothing is executed.
	ErrPrivilege = errors.New("cannot switch to user")
)

// Identity is a system account resolved from the user database.
type Identity struct {
	Username string
	UID      uint32
	GID      uint32
	Groups   []uint32
}

// LookupIdentity resolves username, including its supplementary groups.
func LookupIdentity(username string) (*Identity, error) {
	u, err := user.Lookup(username)
	if err != nil {
		if errors.As(err, new(user.UnknownUserError)) {
			return nil, fmt.Errorf("%s: %w", username, ErrUnknownUser)
		}

		return nil, fmt.Errorf("lookup user %s: %w", username, err)
	}

	uid, err := parseID(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("parse uid of %s: %w", username, err)
	}

	gid, err := parseID(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("parse gid of %s: %w", username, err)
	}

	return &Identity{Username: u.Username, UID: uid, GID: gid}, nil
}

// resolveGroups fills in the supplementary group ids.
func (id *Identity) resolveGroups() error {
	u, err := user.LookupId(strconv.FormatUint(uint64(id.UID), 10))
	if err != nil {
		return fmt.Errorf("lookup uid %d: %w", id.UID, err)
	}

	gids, err := u.GroupIds()
	if err != nil {
		return fmt.Errorf("list groups of %s: %w", id.Username, err)
	}

	id.Groups = id.Groups[:0]

	for _, g := range gids {
		gid, err := parseID(g)
		if err != nil {
			return fmt.Errorf("parse group id %q: %w", g, err)
		}

		id.Groups = append(id.Groups, gid)
	}

	return nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}

	return uint32(n), nil
}

// privilegeStep is one stage of dropping to the target identity. Steps only
// describe the change; the kernel applies the resulting credential between
// fork and exec, in the order supplementary groups, gid, uid.
type privilegeStep struct {
	name  string
	apply func(id *Identity, cred *syscall.Credential) error
}

// dropPrivileges builds the credential the worker runs with. It returns nil
// when the process already runs as the target user. Any failing step aborts
// the whole drop, so the worker is never executed with a partial identity.
func dropPrivileges(
	id *Identity,
	euid int,
	setLoginUID func(uid uint32) error,
) (*syscall.Credential, error) {
	if uint32(euid) == id.UID {
		return nil, nil
	}

	if euid != 0 {
		return nil, fmt.Errorf("%w %s: running as uid %d", ErrPrivilege, id.Username, euid)
	}

	steps := []privilegeStep{
		{"loginuid", func(id *Identity, _ *syscall.Credential) error {
			return setLoginUID(id.UID)
		}},
		{"groups", func(id *Identity, cred *syscall.Credential) error {
			if err := id.resolveGroups(); err != nil {
				return err
			}

			cred.Groups = id.Groups

			return nil
		}},
		{"gid", func(id *Identity, cred *syscall.Credential) error {
			cred.Gid = id.GID
			return nil
		}},
		{"uid", func(id *Identity, cred *syscall.Credential) error {
			cred.Uid = id.UID
			return nil
		}},
	}

	cred := &syscall.Credential{}

	for _, step := range steps {
		if err := step.apply(id, cred); err != nil {
			return nil, fmt.Errorf("%w %s: %s: %w", ErrPrivilege, id.Username, step.name, err)
		}
	}

	return cred, nil
}

// writeLoginUID sets the audit login uid, inherited by the worker. Kernels
// without audit support have no loginuid file; nothing is set then.
func writeLoginUID(uid uint32) error {
	err := os.WriteFile(
		loginUIDPath,
		[]byte(strconv.FormatUint(uint64(uid), 10)),
		0,
	)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("write %s: %w", loginUIDPath, err)
	}

	return nil
}
