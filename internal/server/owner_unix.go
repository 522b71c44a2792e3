//go:build unix

package server

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentsh/jailhttpd/internal/identity"
)

const maxSymlinks = 40

// step is one unit of path resolution: a name to walk into, or a pending
// check that the object a link resolved to has the link's owner.
type step struct {
	name    string
	link    string
	linkUID int
	check   bool
}

// ResourceOwner resolves rel below docRoot and returns the owner of the
// object it names, or nil when that does not exist. docRoot and absolute
// link targets are interpreted inside root, which is "/" unless the
// resource is served from a chroot. Every symbolic link met below docRoot
// must have the same owner as the object it points to; otherwise
// ErrSymlinkOwner is returned.
func ResourceOwner(root, docRoot, rel string) (*identity.Candidate, error) {
	if root == "" {
		root = "/"
	}
	host := func(p string) string { return filepath.Join(root, p) }

	cur := filepath.Clean("/" + docRoot)
	queue := splitPath(rel, nil)
	links := 0
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]

		if s.check {
			var st unix.Stat_t
			if err := unix.Lstat(host(cur), &st); err != nil {
				return ownerError(err)
			}
			if int(st.Uid) != s.linkUID {
				return nil, fmt.Errorf("%w: %s (uid %d) -> %s (uid %d)", ErrSymlinkOwner, s.link, s.linkUID, cur, st.Uid)
			}
			continue
		}

		switch s.name {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, s.name)
		var st unix.Stat_t
		if err := unix.Lstat(host(next), &st); err != nil {
			return ownerError(err)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFLNK {
			cur = next
			continue
		}

		links++
		if links > maxSymlinks {
			return nil, fmt.Errorf("resolve %s: %w", next, unix.ELOOP)
		}
		target, err := readlink(host(next))
		if err != nil {
			return ownerError(err)
		}
		if filepath.IsAbs(target) {
			cur = "/"
		}
		pending := step{link: next, linkUID: int(st.Uid), check: true}
		queue = splitPath(target, append([]step{pending}, queue...))
	}

	var st unix.Stat_t
	if err := unix.Stat(host(cur), &st); err != nil {
		return ownerError(err)
	}
	return &identity.Candidate{UID: int(st.Uid), GID: int(st.Gid)}, nil
}

// splitPath returns the components of p followed by rest.
func splitPath(p string, rest []step) []step {
	var out []step
	for _, name := range strings.Split(filepath.ToSlash(p), "/") {
		out = append(out, step{name: name})
	}
	return append(out, rest...)
}

func readlink(path string) (string, error) {
	buf := make([]byte, 256)
	for {
		n, err := unix.Readlink(path, buf)
		if err != nil {
			return "", err
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, 2*len(buf))
	}
}

// ownerError maps a missing resource to an unknown owner.
func ownerError(err error) (*identity.Candidate, error) {
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
		return nil, nil
	}
	return nil, err
}
