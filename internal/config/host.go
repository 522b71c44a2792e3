package config

import (
	"net"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/agentsh/jailhttpd/internal/identity"
)

// VirtualHost is a resolved virtual_hosts entry.
type VirtualHost struct {
	Names        []string
	DocumentRoot string
	Server       Server
	Base         Directory
	// Directories are ordered from the shortest path to the longest so that
	// deeper scopes merge last.
	Directories []Directory

	// Host identity, the fallback candidate.
	ServerUID int
	ServerGID int

	matchers []glob.Glob
}

// CompileHostPattern compiles a host name pattern. A '*' never matches
// across a dot, so "*.example.com" matches "www.example.com" only.
func CompileHostPattern(pattern string) (glob.Glob, error) {
	return glob.Compile(strings.ToLower(pattern), '.')
}

// NormalizeHost strips any port and trailing dot from a Host header and
// lowercases it, ready for matching against compiled patterns.
func NormalizeHost(host string) string {
	if hn, _, err := net.SplitHostPort(host); err == nil {
		host = hn
	}
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

func (h *VirtualHost) compile() error {
	h.matchers = h.matchers[:0]
	for _, n := range h.Names {
		g, err := CompileHostPattern(n)
		if err != nil {
			return err
		}
		h.matchers = append(h.matchers, g)
	}
	return nil
}

// Matches reports whether host (with or without a port) matches one of the
// host's name patterns.
func (h *VirtualHost) Matches(host string) bool {
	host = NormalizeHost(host)
	for _, g := range h.matchers {
		if g.Match(host) {
			return true
		}
	}
	return false
}

// FilesystemPath maps a URL path to a path under the document root. The
// result never escapes the document root.
func (h *VirtualHost) FilesystemPath(urlPath string) string {
	return filepath.Join(h.DocumentRoot, filepath.FromSlash(filepath.Clean("/"+urlPath)))
}

// EffectiveFor merges the host scope with every directory containing the
// resource urlPath maps to.
func (h *VirtualHost) EffectiveFor(urlPath string) Effective {
	fsPath := h.FilesystemPath(urlPath)
	dir := h.Base
	for i := range h.Directories {
		if h.Directories[i].contains(fsPath) {
			dir = Merge(dir, h.Directories[i])
		}
	}
	dir.Path = fsPath

	e := Effective{
		Enabled:      dir.Enabled.Set && dir.Enabled.Value,
		UID:          dir.UID,
		GID:          dir.GID,
		UseFileOwner: dir.UseFileOwner.Set && dir.UseFileOwner.Value,
		MinUID:       h.Server.MinUID,
		MinGID:       h.Server.MinGID,
		DefaultUID:   h.Server.DefaultUID,
		DefaultGID:   h.Server.DefaultGID,
		Groups:       GroupsSetting{Mode: dir.Groups.Mode, IDs: slices.Clone(dir.Groups.IDs)},
		DocumentRoot: h.DocumentRoot,
		Path:         fsPath,
		ServerUID:    h.ServerUID,
		ServerGID:    h.ServerGID,
	}
	if h.Server.Chroot != nil {
		c := *h.Server.Chroot
		e.Chroot = &c
	}
	return e
}

// Effective is the configuration that applies to one request.
type Effective struct {
	Enabled      bool          `json:"enabled"`
	UID          OptionalID    `json:"-"`
	GID          OptionalID    `json:"-"`
	UseFileOwner bool          `json:"use_file_owner"`
	MinUID       int           `json:"min_uid"`
	MinGID       int           `json:"min_gid"`
	DefaultUID   int           `json:"default_uid"`
	DefaultGID   int           `json:"default_gid"`
	Groups       GroupsSetting `json:"-"`
	Chroot       *Chroot       `json:"chroot,omitempty"`
	DocumentRoot string        `json:"document_root"`
	// Path is the filesystem path of the resource outside any chroot.
	Path      string `json:"path"`
	ServerUID int    `json:"server_uid"`
	ServerGID int    `json:"server_gid"`
}

// Candidate picks the identity before floors apply. owner is the resource
// owner, or nil when it is unknown.
func (e Effective) Candidate(owner *identity.Candidate) identity.Candidate {
	c := identity.Candidate{UID: e.ServerUID, GID: e.ServerGID}
	if e.UseFileOwner && owner != nil {
		c = *owner
	}
	if e.UID.Set {
		c.UID = e.UID.Value
	}
	if e.GID.Set {
		c.GID = e.GID.Value
	}
	return c
}

// Policy returns the floors, defaults and groups setting for Resolve.
func (e Effective) Policy() identity.Policy {
	return identity.Policy{
		MinUID:     e.MinUID,
		MinGID:     e.MinGID,
		DefaultUID: e.DefaultUID,
		DefaultGID: e.DefaultGID,
		Groups:     GroupsSetting{Mode: e.Groups.Mode, IDs: slices.Clone(e.Groups.IDs)},
	}
}
