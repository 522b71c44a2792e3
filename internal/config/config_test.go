package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsh/jailhttpd/internal/identity"
)

var testLookup = StaticLookup{
	Users:  map[string]int{"www-data": 33, "alice": 1001, "bob": 1002, "nobody": 65534},
	Groups: map[string]int{"www-data": 33, "alice": 1001, "bob": 1002, "g1": 2001, "g2": 2002, "nogroup": 65534},
}

const sampleConfig = `
server:
  user: www-data
  group: www-data
virtual_hosts:
  - names: ["*.example.com", "example.com"]
    document_root: /srv/www
    default_uid_gid: [nobody, nogroup]
    min_uid_gid: [100, 100]
    document_chroot: {dir: /jail, document_root: /www}
    identity_change: on
    uid_gid: [alice, alice]
    groups: ["g1", "@none", "g2"]
    directories:
      - path: /srv/www/bob
        uid_gid: [bob, bob]
        groups: ["@none"]
      - path: public
        identity_change: off
  - names: ["static.test"]
    document_root: /srv/static
`

func loadSample(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFromBytes([]byte(sampleConfig), WithLookup(testLookup))
	require.NoError(t, err)
	return cfg
}

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg := loadSample(t)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Listen)
	assert.Equal(t, "127.0.0.1:9180", cfg.Server.AdminListen)
	assert.Equal(t, 4, cfg.Server.Workers)
	assert.Equal(t, 1, cfg.Server.MaxRequestsPerWorker)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.IdentityChangeActive())

	uid, gid := cfg.ServerIdentity()
	assert.Equal(t, 33, uid)
	assert.Equal(t, 33, gid)

	static := cfg.Hosts()[1]
	assert.Equal(t, identity.DefaultMinUID, static.Server.MinUID)
	assert.Equal(t, identity.DefaultMinGID, static.Server.MinGID)
	assert.Equal(t, 33, static.Server.DefaultUID)
	assert.Equal(t, 33, static.Server.DefaultGID)
	assert.Nil(t, static.Server.Chroot)
}

func TestLoadFromBytes_Directives(t *testing.T) {
	cfg := loadSample(t)
	h := cfg.Hosts()[0]

	assert.Equal(t, Server{
		MinUID: 100, MinGID: 100,
		DefaultUID: 65534, DefaultGID: 65534,
		Chroot: &Chroot{Dir: "/jail", DocumentRoot: "/www"},
	}, h.Server)

	assert.True(t, h.Base.Enabled.Value)
	assert.Equal(t, ID(1001), h.Base.UID)
	// Groups after @none start a new list.
	assert.Equal(t, GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}, h.Base.Groups)

	require.Len(t, h.Directories, 2)
	assert.Equal(t, "/srv/www/bob", h.Directories[0].Path)
	assert.Equal(t, "/srv/www/public", h.Directories[1].Path)
	assert.True(t, cfg.ChrootUsed())
}

func TestEffectiveFor(t *testing.T) {
	cfg := loadSample(t)
	h := cfg.HostFor("www.example.com:8080")

	tests := []struct {
		path    string
		enabled bool
		uid     OptionalID
		groups  GroupsSetting
	}{
		{path: "/index.html", enabled: true, uid: ID(1001), groups: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}},
		{path: "/bob/a/b.html", enabled: true, uid: ID(1002), groups: GroupsSetting{Mode: identity.GroupsNone}},
		{path: "/bobby.html", enabled: true, uid: ID(1001), groups: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}},
		{path: "/public/x", enabled: false, uid: ID(1001), groups: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}},
		{path: "/../../etc/passwd", enabled: true, uid: ID(1001), groups: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e := h.EffectiveFor(tt.path)
			assert.Equal(t, tt.enabled, e.Enabled)
			assert.Equal(t, tt.uid, e.UID)
			assert.Equal(t, tt.groups, e.Groups)
			assert.True(t, strings.HasPrefix(e.Path, "/srv/www/"), e.Path)
			require.NotNil(t, e.Chroot)
			assert.Equal(t, "/jail", e.Chroot.Dir)
		})
	}
}

func TestMerge(t *testing.T) {
	list := func(ids ...int) GroupsSetting { return GroupsSetting{Mode: identity.GroupsList, IDs: ids} }
	none := GroupsSetting{Mode: identity.GroupsNone}
	unset := GroupsSetting{}

	tests := []struct {
		name   string
		parent Directory
		child  Directory
		want   Directory
	}{
		{
			name:   "child ids win when set",
			parent: Directory{UID: ID(1), GID: ID(2)},
			child:  Directory{UID: ID(3)},
			want:   Directory{UID: ID(3), GID: ID(2)},
		},
		{
			name:   "child none beats parent list",
			parent: Directory{Groups: list(5)},
			child:  Directory{Groups: none},
			want:   Directory{Groups: none},
		},
		{
			name:   "child list beats parent list",
			parent: Directory{Groups: list(5)},
			child:  Directory{Groups: list(6, 7)},
			want:   Directory{Groups: list(6, 7)},
		},
		{
			name:   "parent list inherited",
			parent: Directory{Groups: list(5)},
			child:  Directory{Groups: unset},
			want:   Directory{Groups: list(5)},
		},
		{
			name:   "parent none inherited",
			parent: Directory{Groups: none},
			child:  Directory{Groups: unset},
			want:   Directory{Groups: none},
		},
		{
			name:   "enabled child over parent",
			parent: Directory{Enabled: OptionalBool{Set: true, Value: true}},
			child:  Directory{Enabled: OptionalBool{Set: true, Value: false}},
			want:   Directory{Enabled: OptionalBool{Set: true, Value: false}},
		},
		{
			name:   "enabled inherited",
			parent: Directory{Enabled: OptionalBool{Set: true, Value: true}},
			child:  Directory{},
			want:   Directory{Enabled: OptionalBool{Set: true, Value: true}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.parent, tt.child))
		})
	}
}

func TestMerge_DoesNotAlias(t *testing.T) {
	parent := Directory{Groups: GroupsSetting{Mode: identity.GroupsList, IDs: []int{5}}}
	out := Merge(parent, Directory{})
	out.Groups.IDs[0] = 99
	assert.Equal(t, 5, parent.Groups.IDs[0])
}

func TestApplyGroups(t *testing.T) {
	tests := []struct {
		names   []string
		want    GroupsSetting
		wantErr bool
	}{
		{names: nil, want: GroupsSetting{}},
		{names: []string{"g1", "g2"}, want: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2001, 2002}}},
		{names: []string{"g1", "@none"}, want: GroupsSetting{Mode: identity.GroupsNone}},
		{names: []string{"g1", "@NONE", "g2"}, want: GroupsSetting{Mode: identity.GroupsList, IDs: []int{2002}}},
		{names: []string{"500"}, want: GroupsSetting{Mode: identity.GroupsList, IDs: []int{500}}},
		{names: []string{"missing"}, wantErr: true},
		{names: []string{"1", "2", "3", "4", "5", "6", "7", "8", "9"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.names, ","), func(t *testing.T) {
			var d Directory
			err := d.ApplyGroups(tt.names, testLookup)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Groups)
		})
	}
}

func TestHostFor(t *testing.T) {
	cfg := loadSample(t)

	assert.Equal(t, "/srv/www", cfg.HostFor("example.com").DocumentRoot)
	assert.Equal(t, "/srv/www", cfg.HostFor("WWW.Example.com.").DocumentRoot)
	assert.Equal(t, "/srv/static", cfg.HostFor("static.test:80").DocumentRoot)
	// Falls back to the first host.
	assert.Equal(t, "/srv/www", cfg.HostFor("other.org").DocumentRoot)
	assert.Equal(t, "/srv/www", cfg.HostFor("a.b.example.com").DocumentRoot)
}

func TestEffective_Candidate(t *testing.T) {
	owner := &identity.Candidate{UID: 5000, GID: 6000}

	tests := []struct {
		name  string
		eff   Effective
		owner *identity.Candidate
		want  identity.Candidate
	}{
		{name: "server identity", eff: Effective{ServerUID: 33, ServerGID: 34}, want: identity.Candidate{UID: 33, GID: 34}},
		{name: "configured", eff: Effective{ServerUID: 33, ServerGID: 34, UID: ID(1001), GID: ID(1002)}, owner: owner, want: identity.Candidate{UID: 1001, GID: 1002}},
		{name: "file owner", eff: Effective{ServerUID: 33, ServerGID: 34, UseFileOwner: true}, owner: owner, want: identity.Candidate{UID: 5000, GID: 6000}},
		{name: "file owner unknown", eff: Effective{ServerUID: 33, ServerGID: 34, UseFileOwner: true}, want: identity.Candidate{UID: 33, GID: 34}},
		{name: "configured uid with file owner gid", eff: Effective{ServerUID: 33, ServerGID: 34, UseFileOwner: true, UID: ID(1001)}, owner: owner, want: identity.Candidate{UID: 1001, GID: 6000}},
		{name: "owner ignored when disabled", eff: Effective{ServerUID: 33, ServerGID: 34}, owner: owner, want: identity.Candidate{UID: 33, GID: 34}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eff.Candidate(tt.owner))
		})
	}
}

func TestLoadFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "no hosts", yaml: "server: {user: www-data, group: www-data}", want: "at least one virtual host"},
		{name: "relative docroot", yaml: "virtual_hosts: [{document_root: srv}]", want: "not absolute"},
		{name: "missing docroot", yaml: "virtual_hosts: [{names: [a]}]", want: "document_root is required"},
		{name: "bad pair", yaml: "virtual_hosts: [{document_root: /srv, uid_gid: [alice]}]", want: "exactly [user, group]"},
		{name: "relative chroot", yaml: "virtual_hosts: [{document_root: /srv, document_chroot: {dir: jail, document_root: /www}}]", want: "not absolute"},
		{name: "root server user", yaml: "server: {user: '0', group: '0'}\nvirtual_hosts: [{document_root: /srv}]", want: "must not be root"},
		{name: "unknown user", yaml: "virtual_hosts: [{document_root: /srv, uid_gid: [mallory, g1]}]", want: "mallory"},
		{name: "bad level", yaml: "logging: {level: loud}\nvirtual_hosts: [{document_root: /srv}]", want: "logging.level"},
		{name: "bad otlp protocol", yaml: "audit: {otlp: {protocol: udp}}\nvirtual_hosts: [{document_root: /srv}]", want: "audit.otlp.protocol"},
		{name: "otlp without endpoint", yaml: "audit: {otlp: {enabled: true}}\nvirtual_hosts: [{document_root: /srv}]", want: "audit.otlp.endpoint"},
		{name: "bad workers", yaml: "server: {workers: -1}\nvirtual_hosts: [{document_root: /srv}]", want: "server.workers"},
		{name: "unknown filter outcome", yaml: "audit: {otlp: {filter: {include_outcomes: [allowed]}}}\nvirtual_hosts: [{document_root: /srv}]", want: "audit.otlp.filter"},
		{name: "bad filter host", yaml: "audit: {otlp: {filter: {include_hosts: ['[a-']}}}\nvirtual_hosts: [{document_root: /srv}]", want: "host pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml), WithLookup(testLookup))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFromBytes_AuditFilter(t *testing.T) {
	data := `
audit:
  otlp:
    filter:
      include_outcomes: [forbidden, declined]
      exclude_outcomes: [declined]
      include_hosts: ["*.example.com"]
virtual_hosts: [{document_root: /srv}]
`
	cfg, err := LoadFromBytes([]byte(data), WithLookup(testLookup))
	require.NoError(t, err)
	f := cfg.Audit.OTLP.Filter
	assert.Equal(t, []string{"forbidden", "declined"}, f.IncludeOutcomes)
	assert.Equal(t, []string{"declined"}, f.ExcludeOutcomes)
	assert.Equal(t, []string{"*.example.com"}, f.IncludeHosts)
}

func TestHostPatternMatchesNormalizedHost(t *testing.T) {
	g, err := CompileHostPattern("*.Example.com")
	require.NoError(t, err)
	assert.True(t, g.Match(NormalizeHost("WWW.example.com.:443")))
	assert.False(t, g.Match(NormalizeHost("a.b.example.com")))
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jailhttpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	t.Setenv("JAILHTTPD_LISTEN", "127.0.0.1:9999")
	t.Setenv("JAILHTTPD_WORKERS", "12")
	t.Setenv("JAILHTTPD_LOG_LEVEL", "debug")
	t.Setenv("JAILHTTPD_AUDIT_DB", filepath.Join(dir, "audit.db"))

	cfg, err := Load(path, WithLookup(testLookup))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Listen)
	assert.Equal(t, 12, cfg.Server.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "audit.db"), cfg.Audit.SQLitePath)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg := loadSample(t)
	data, err := cfg.Marshal()
	require.NoError(t, err)

	back, err := LoadFromBytes(data, WithLookup(testLookup))
	require.NoError(t, err)
	assert.Equal(t, cfg.Hosts()[0].Base, back.Hosts()[0].Base)
	assert.Equal(t, cfg.Hosts()[0].Directories, back.Hosts()[0].Directories)
	assert.Equal(t, cfg.Server, back.Server)
}

func TestSystemLookup_Numeric(t *testing.T) {
	uid, err := SystemLookup{}.UserID("1234")
	require.NoError(t, err)
	assert.Equal(t, 1234, uid)

	gid, err := SystemLookup{}.GroupID("4321")
	require.NoError(t, err)
	assert.Equal(t, 4321, gid)
}
