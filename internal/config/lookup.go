package config

import (
	"fmt"
	"strconv"

	"github.com/moby/sys/user"
)

// Lookup maps user and group names to ids.
type Lookup interface {
	UserID(name string) (int, error)
	GroupID(name string) (int, error)
}

// SystemLookup resolves names from /etc/passwd and /etc/group. Numeric names
// are returned as is.
type SystemLookup struct{}

func (SystemLookup) UserID(name string) (int, error) {
	if id, ok := numericID(name); ok {
		return id, nil
	}
	u, err := user.LookupUser(name)
	if err != nil {
		return 0, fmt.Errorf("lookup user %q: %w", name, err)
	}
	return u.Uid, nil
}

func (SystemLookup) GroupID(name string) (int, error) {
	if id, ok := numericID(name); ok {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("lookup group %q: %w", name, err)
	}
	return g.Gid, nil
}

// StaticLookup resolves names from fixed tables. Numeric names are returned
// as is.
type StaticLookup struct {
	Users  map[string]int
	Groups map[string]int
}

func (l StaticLookup) UserID(name string) (int, error) {
	if id, ok := numericID(name); ok {
		return id, nil
	}
	if id, ok := l.Users[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("lookup user %q: no such user", name)
}

func (l StaticLookup) GroupID(name string) (int, error) {
	if id, ok := numericID(name); ok {
		return id, nil
	}
	if id, ok := l.Groups[name]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("lookup group %q: no such group", name)
}

func numericID(s string) (int, bool) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
