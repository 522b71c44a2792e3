package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/agentsh/jailhttpd/internal/identity"
)

// NoneGroups is the set-groups argument that clears the supplementary
// group list.
const NoneGroups = "@none"

// OptionalID is a uid or gid that may be left unset so that an outer scope
// or the host identity applies.
type OptionalID struct {
	Set   bool
	Value int
}

// ID returns a set OptionalID.
func ID(v int) OptionalID { return OptionalID{Set: true, Value: v} }

func (o OptionalID) String() string {
	if !o.Set {
		return "unset"
	}
	return fmt.Sprint(o.Value)
}

// OptionalBool is an on/off directive that may be left unset.
type OptionalBool struct {
	Set   bool
	Value bool
}

// GroupsSetting is the set-groups state of a scope.
type GroupsSetting = identity.Groups

// Chroot is a set-document-chroot directive: the jail directory and the
// document root to use once inside it.
type Chroot struct {
	Dir          string `json:"dir" yaml:"dir"`
	DocumentRoot string `json:"document_root" yaml:"document_root"`
}

// Directory holds the per-directory directives. A virtual host has one for
// its own level and one per configured directory.
type Directory struct {
	Path         string
	Enabled      OptionalBool
	UID          OptionalID
	GID          OptionalID
	UseFileOwner OptionalBool
	Groups       GroupsSetting
}

// SetEnabled implements enable-identity-change.
func (d *Directory) SetEnabled(on bool) { d.Enabled = OptionalBool{Set: true, Value: on} }

// SetUIDGID implements set-uid-gid.
func (d *Directory) SetUIDGID(uid, gid int) {
	d.UID = ID(uid)
	d.GID = ID(gid)
}

// SetUseFileOwner makes the resource owner the identity candidate when no
// uid/gid is configured.
func (d *Directory) SetUseFileOwner(on bool) { d.UseFileOwner = OptionalBool{Set: true, Value: on} }

// ClearGroups implements "set-groups @none". Groups added afterwards start a
// new list.
func (d *Directory) ClearGroups() {
	d.Groups = GroupsSetting{Mode: identity.GroupsNone}
}

// AddGroup implements "set-groups <group>".
func (d *Directory) AddGroup(gid int) error {
	if d.Groups.Mode != identity.GroupsList {
		d.Groups = GroupsSetting{Mode: identity.GroupsList}
	}
	if len(d.Groups.IDs) >= identity.MaxGroups {
		return fmt.Errorf("more than %d supplementary groups", identity.MaxGroups)
	}
	d.Groups.IDs = append(d.Groups.IDs, gid)
	return nil
}

// ApplyGroups runs one set-groups directive per name, in order.
func (d *Directory) ApplyGroups(names []string, lookup Lookup) error {
	for _, name := range names {
		if strings.EqualFold(name, NoneGroups) {
			d.ClearGroups()
			continue
		}
		gid, err := lookup.GroupID(name)
		if err != nil {
			return err
		}
		if err := d.AddGroup(gid); err != nil {
			return err
		}
	}
	return nil
}

// contains reports whether path lies in the directory.
func (d *Directory) contains(path string) bool {
	if d.Path == "/" {
		return true
	}
	return path == d.Path || strings.HasPrefix(path, d.Path+string(filepath.Separator))
}

// Merge combines an outer scope with an inner one. Set values in child win.
// For groups, an explicit @none in child wins, then a child list, then a
// parent list, then whatever mode parent has.
func Merge(parent, child Directory) Directory {
	out := Directory{
		Path:         child.Path,
		Enabled:      parent.Enabled,
		UID:          parent.UID,
		GID:          parent.GID,
		UseFileOwner: parent.UseFileOwner,
	}
	if child.Enabled.Set {
		out.Enabled = child.Enabled
	}
	if child.UID.Set {
		out.UID = child.UID
	}
	if child.GID.Set {
		out.GID = child.GID
	}
	if child.UseFileOwner.Set {
		out.UseFileOwner = child.UseFileOwner
	}

	switch {
	case child.Groups.Mode == identity.GroupsNone:
		out.Groups = GroupsSetting{Mode: identity.GroupsNone}
	case child.Groups.Mode == identity.GroupsList && len(child.Groups.IDs) > 0:
		out.Groups = GroupsSetting{Mode: identity.GroupsList, IDs: slices.Clone(child.Groups.IDs)}
	case parent.Groups.Mode == identity.GroupsList && len(parent.Groups.IDs) > 0:
		out.Groups = GroupsSetting{Mode: identity.GroupsList, IDs: slices.Clone(parent.Groups.IDs)}
	default:
		out.Groups = GroupsSetting{Mode: parent.Groups.Mode}
	}
	return out
}

// Server holds the server-scope directives of one virtual host.
type Server struct {
	MinUID     int
	MinGID     int
	DefaultUID int
	DefaultGID int
	Chroot     *Chroot
}

// SetDefaultUIDGID implements set-default-uid-gid.
func (s *Server) SetDefaultUIDGID(uid, gid int) {
	s.DefaultUID = uid
	s.DefaultGID = gid
}

// SetMinUIDGID implements set-min-uid-gid.
func (s *Server) SetMinUIDGID(uid, gid int) {
	s.MinUID = uid
	s.MinGID = gid
}

// SetDocumentChroot implements set-document-chroot. Both paths must be
// absolute; documentRoot is interpreted inside dir.
func (s *Server) SetDocumentChroot(dir, documentRoot string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("chroot dir %q is not absolute", dir)
	}
	if !filepath.IsAbs(documentRoot) {
		return fmt.Errorf("chroot document root %q is not absolute", documentRoot)
	}
	s.Chroot = &Chroot{Dir: filepath.Clean(dir), DocumentRoot: filepath.Clean(documentRoot)}
	return nil
}
