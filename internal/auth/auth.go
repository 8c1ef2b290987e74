// Package auth decides who may act on a job. Jobs belong to the user that
// submitted them; peers connecting to the control socket are identified by
// their kernel credentials and, unless trusted, may only act as themselves.
package auth

import (
	"errors"
	"fmt"
	"net"
	"os/user"
	"slices"

	"golang.org/x/sys/unix"
)

var (
	ErrNotOwner       = errors.New("job not owned by user")
	ErrPeerNotTrusted = errors.New("peer may not act for another user")
)

// CheckOwner returns ErrNotOwner unless requester is the job's owner.
func CheckOwner(owner, requester string) error {
	if owner != requester {
		return ErrNotOwner
	}

	return nil
}

// Peer is the process on the other end of a Unix socket connection.
type Peer struct {
	PID      int32
	UID      uint32
	GID      uint32
	Username string
}

// PeerFromConn reads the peer's credentials with SO_PEERCRED. Username is
// left empty when the uid has no account.
func PeerFromConn(conn *net.UnixConn) (Peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Peer{}, fmt.Errorf("get raw conn: %w", err)
	}

	var (
		cred    *unix.Ucred
		credErr error
	)

	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(
			int(fd),
			unix.SOL_SOCKET,
			unix.SO_PEERCRED,
		)
	}); err != nil {
		return Peer{}, fmt.Errorf("control raw conn: %w", err)
	}

	if credErr != nil {
		return Peer{}, fmt.Errorf("get peer credentials: %w", credErr)
	}

	p := Peer{PID: cred.Pid, UID: cred.Uid, GID: cred.Gid}

	if u, err := user.LookupId(fmt.Sprint(cred.Uid)); err == nil {
		p.Username = u.Username
	}

	return p, nil
}

// PeerPolicy decides which user a peer acts as. Trusted peers, typically the
// front end, act for whichever user the request names. Any other peer acts
// as its own account.
type PeerPolicy struct {
	trusted []uint32
}

// NewPeerPolicy creates a policy trusting the given uids. With no uids every
// peer is trusted.
func NewPeerPolicy(trustedUIDs []uint32) *PeerPolicy {
	return &PeerPolicy{trusted: slices.Clone(trustedUIDs)}
}

// Trusts reports whether uid may act for other users.
func (p *PeerPolicy) Trusts(uid uint32) bool {
	if p == nil || len(p.trusted) == 0 {
		return true
	}

	return slices.Contains(p.trusted, uid)
}

// Resolve returns the user peer acts as for a request naming requested.
func (p *PeerPolicy) Resolve(peer Peer, requested string) (string, error) {
	if p.Trusts(peer.UID) {
		return requested, nil
	}

	if peer.Username == "" {
		return "", fmt.Errorf("uid %d: %w", peer.UID, ErrPeerNotTrusted)
	}

	if requested != "" && requested != peer.Username {
		return "", fmt.Errorf(
			"%s acting as %s: %w",
			peer.Username,
			requested,
			ErrPeerNotTrusted,
		)
	}

	return peer.Username, nil
}
