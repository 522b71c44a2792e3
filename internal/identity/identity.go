// Package identity computes the uid, gid and supplementary groups a worker
// assumes for a request. It performs no system calls.
package identity

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxGroups bounds both the configured and the captured supplementary
	// group lists.
	MaxGroups = 8

	DefaultMinUID = 100
	DefaultMinGID = 100
)

// GroupsMode distinguishes "not configured" from "configured as empty".
type GroupsMode int

const (
	GroupsUnset GroupsMode = iota
	GroupsNone
	GroupsList
)

func (m GroupsMode) String() string {
	switch m {
	case GroupsUnset:
		return "unset"
	case GroupsNone:
		return "none"
	case GroupsList:
		return "list"
	default:
		return fmt.Sprintf("GroupsMode(%d)", int(m))
	}
}

// Groups is the supplementary group setting of a configuration scope.
// IDs is only meaningful in GroupsList mode.
type Groups struct {
	Mode GroupsMode
	IDs  []int
}

// Candidate is the identity proposed for a request before floor checks.
type Candidate struct {
	UID int
	GID int
}

// Policy carries the trust floors and fallbacks that apply to a request.
type Policy struct {
	MinUID     int
	MinGID     int
	DefaultUID int
	DefaultGID int
	Groups     Groups
}

// Resolved is the final identity. It contains no sentinel values.
type Resolved struct {
	UID    int   `json:"uid"`
	GID    int   `json:"gid"`
	Groups []int `json:"groups"`
}

func (r Resolved) String() string {
	gs := make([]string, len(r.Groups))
	for i, g := range r.Groups {
		gs[i] = strconv.Itoa(g)
	}
	return fmt.Sprintf("uid=%d gid=%d groups=[%s]", r.UID, r.GID, strings.Join(gs, ","))
}

// Resolve applies the trust floors to c and picks the supplementary groups.
// An id below its floor is replaced by the default, never passed through.
// startup is the group list captured when the worker started.
func Resolve(c Candidate, p Policy, startup []int) Resolved {
	r := Resolved{UID: c.UID, GID: c.GID, Groups: []int{}}
	if r.UID < p.MinUID {
		r.UID = p.DefaultUID
	}
	if r.GID < p.MinGID {
		r.GID = p.DefaultGID
	}

	switch p.Groups.Mode {
	case GroupsNone:
	case GroupsList:
		r.Groups = make([]int, len(p.Groups.IDs))
		for i, g := range p.Groups.IDs {
			if g >= p.MinGID {
				r.Groups[i] = g
			} else {
				r.Groups[i] = p.DefaultGID
			}
		}
	default:
		if len(startup) > 0 {
			r.Groups = append(r.Groups, startup...)
		}
	}
	return r
}
