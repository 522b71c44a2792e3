// Package config loads the jailhttpd YAML configuration and resolves the
// per-request identity configuration from it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentsh/jailhttpd/internal/identity"
)

type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Logging      LoggingConfig       `yaml:"logging"`
	Audit        AuditConfig         `yaml:"audit"`
	Tracing      TracingConfig       `yaml:"tracing"`
	VirtualHosts []VirtualHostConfig `yaml:"virtual_hosts"`

	hosts     []*VirtualHost
	serverUID int
	serverGID int
}

type ServerConfig struct {
	Listen               string `yaml:"listen"`
	AdminListen          string `yaml:"admin_listen"`
	User                 string `yaml:"user"`
	Group                string `yaml:"group"`
	Workers              int    `yaml:"workers"`
	MaxRequestsPerWorker int    `yaml:"max_requests_per_worker"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type AuditConfig struct {
	Enabled    bool             `yaml:"enabled"`
	SQLitePath string           `yaml:"sqlite_path"`
	JSONL      AuditJSONLConfig `yaml:"jsonl"`
	OTLP       AuditOTLPConfig  `yaml:"otlp"`
}

// AuditJSONLConfig enables a rotating JSON lines copy of the audit trail.
type AuditJSONLConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AuditOTLPConfig exports audit records as OpenTelemetry log records.
type AuditOTLPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // grpc or http
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  string            `yaml:"timeout"`
	Filter   AuditFilterConfig `yaml:"filter,omitempty"`
}

// AuditFilterConfig limits which records are exported. Host patterns use
// the same syntax as virtual host names.
type AuditFilterConfig struct {
	IncludeOutcomes []string `yaml:"include_outcomes,omitempty"`
	ExcludeOutcomes []string `yaml:"exclude_outcomes,omitempty"`
	IncludeHosts    []string `yaml:"include_hosts,omitempty"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type VirtualHostConfig struct {
	Names          []string          `yaml:"names"`
	DocumentRoot   string            `yaml:"document_root"`
	DefaultUIDGID  []string          `yaml:"default_uid_gid,omitempty"`
	MinUIDGID      []string          `yaml:"min_uid_gid,omitempty"`
	DocumentChroot *Chroot           `yaml:"document_chroot,omitempty"`
	IdentityChange *bool             `yaml:"identity_change,omitempty"`
	UIDGID         []string          `yaml:"uid_gid,omitempty"`
	UseFileOwner   *bool             `yaml:"use_file_owner,omitempty"`
	Groups         []string          `yaml:"groups,omitempty"`
	Directories    []DirectoryConfig `yaml:"directories,omitempty"`
}

type DirectoryConfig struct {
	Path           string   `yaml:"path"`
	IdentityChange *bool    `yaml:"identity_change,omitempty"`
	UIDGID         []string `yaml:"uid_gid,omitempty"`
	UseFileOwner   *bool    `yaml:"use_file_owner,omitempty"`
	Groups         []string `yaml:"groups,omitempty"`
}

// Option changes how a configuration is loaded.
type Option func(*loadOptions)

type loadOptions struct {
	lookup Lookup
}

// WithLookup resolves user and group names through l instead of the
// system databases.
func WithLookup(l Lookup) Option {
	return func(o *loadOptions) { o.lookup = l }
}

func Load(path string, opts ...Option) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := finish(&cfg, opts); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. Workers use it for the configuration the master hands them.
func LoadFromBytes(data []byte, opts ...Option) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := finish(&cfg, opts); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func finish(cfg *Config, opts []Option) error {
	o := loadOptions{lookup: SystemLookup{}}
	for _, opt := range opts {
		opt(&o)
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}
	return cfg.resolve(o.lookup)
}

// Marshal serializes the configuration, including applied defaults and
// environment overrides.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "0.0.0.0:8080"
	}
	if cfg.Server.AdminListen == "" {
		cfg.Server.AdminListen = "127.0.0.1:9180"
	}
	if cfg.Server.User == "" {
		cfg.Server.User = "65534"
	}
	if cfg.Server.Group == "" {
		cfg.Server.Group = "65534"
	}
	if cfg.Server.Workers == 0 {
		cfg.Server.Workers = 4
	}
	if cfg.Server.MaxRequestsPerWorker == 0 {
		cfg.Server.MaxRequestsPerWorker = 1
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Audit.SQLitePath == "" {
		cfg.Audit.SQLitePath = "/var/lib/jailhttpd/audit.db"
	}
	if cfg.Audit.JSONL.MaxSizeMB == 0 {
		cfg.Audit.JSONL.MaxSizeMB = 100
	}
	if cfg.Audit.JSONL.MaxBackups == 0 {
		cfg.Audit.JSONL.MaxBackups = 3
	}
	if cfg.Audit.OTLP.Protocol == "" {
		cfg.Audit.OTLP.Protocol = "grpc"
	}
	if cfg.Audit.OTLP.Timeout == "" {
		cfg.Audit.OTLP.Timeout = "10s"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JAILHTTPD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("JAILHTTPD_ADMIN_LISTEN"); v != "" {
		cfg.Server.AdminListen = v
	}
	if v := os.Getenv("JAILHTTPD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Workers = n
		}
	}
	if v := os.Getenv("JAILHTTPD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("JAILHTTPD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("JAILHTTPD_AUDIT_DB"); v != "" {
		cfg.Audit.SQLitePath = v
	}
	if v := os.Getenv("JAILHTTPD_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Audit.OTLP.Endpoint = v
	}
}

var auditOutcomes = []string{"declined", "proceed", "forbidden"}

func validateAuditFilter(f AuditFilterConfig) error {
	for _, o := range slices.Concat(f.IncludeOutcomes, f.ExcludeOutcomes) {
		if !slices.Contains(auditOutcomes, o) {
			return fmt.Errorf("unknown outcome %q", o)
		}
	}
	for _, p := range f.IncludeHosts {
		if _, err := CompileHostPattern(p); err != nil {
			return fmt.Errorf("host pattern %q: %w", p, err)
		}
	}
	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.Server.Workers < 1 {
		return fmt.Errorf("server.workers must be >= 1")
	}
	if cfg.Server.MaxRequestsPerWorker < 0 {
		return fmt.Errorf("server.max_requests_per_worker must be >= 0")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "critical":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Audit.OTLP.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid audit.otlp.protocol %q", cfg.Audit.OTLP.Protocol)
	}
	if _, err := time.ParseDuration(cfg.Audit.OTLP.Timeout); err != nil {
		return fmt.Errorf("invalid audit.otlp.timeout %q: %w", cfg.Audit.OTLP.Timeout, err)
	}
	if cfg.Audit.OTLP.Enabled && cfg.Audit.OTLP.Endpoint == "" {
		return fmt.Errorf("audit.otlp.endpoint is required when audit.otlp is enabled")
	}
	if err := validateAuditFilter(cfg.Audit.OTLP.Filter); err != nil {
		return fmt.Errorf("audit.otlp.filter: %w", err)
	}
	if len(cfg.VirtualHosts) == 0 {
		return fmt.Errorf("at least one virtual host is required")
	}
	for i, vh := range cfg.VirtualHosts {
		if vh.DocumentRoot == "" {
			return fmt.Errorf("virtual_hosts[%d].document_root is required", i)
		}
		if !filepath.IsAbs(vh.DocumentRoot) {
			return fmt.Errorf("virtual_hosts[%d].document_root %q is not absolute", i, vh.DocumentRoot)
		}
		for _, p := range []struct {
			key string
			v   []string
		}{
			{"default_uid_gid", vh.DefaultUIDGID},
			{"min_uid_gid", vh.MinUIDGID},
			{"uid_gid", vh.UIDGID},
		} {
			if p.v != nil && len(p.v) != 2 {
				return fmt.Errorf("virtual_hosts[%d].%s needs exactly [user, group]", i, p.key)
			}
		}
		for j, d := range vh.Directories {
			if d.Path == "" {
				return fmt.Errorf("virtual_hosts[%d].directories[%d].path is required", i, j)
			}
			if d.UIDGID != nil && len(d.UIDGID) != 2 {
				return fmt.Errorf("virtual_hosts[%d].directories[%d].uid_gid needs exactly [user, group]", i, j)
			}
		}
	}
	return nil
}

// resolve turns the YAML directives into VirtualHosts, looking up every name.
func (c *Config) resolve(lookup Lookup) error {
	uid, err := lookup.UserID(c.Server.User)
	if err != nil {
		return fmt.Errorf("server.user: %w", err)
	}
	gid, err := lookup.GroupID(c.Server.Group)
	if err != nil {
		return fmt.Errorf("server.group: %w", err)
	}
	if uid == 0 || gid == 0 {
		return fmt.Errorf("server.user and server.group must not be root")
	}
	c.serverUID, c.serverGID = uid, gid

	c.hosts = make([]*VirtualHost, 0, len(c.VirtualHosts))
	for i, vc := range c.VirtualHosts {
		h, err := resolveHost(vc, uid, gid, lookup)
		if err != nil {
			return fmt.Errorf("virtual_hosts[%d]: %w", i, err)
		}
		c.hosts = append(c.hosts, h)
	}
	return nil
}

func resolveHost(vc VirtualHostConfig, serverUID, serverGID int, lookup Lookup) (*VirtualHost, error) {
	h := &VirtualHost{
		Names:        vc.Names,
		DocumentRoot: filepath.Clean(vc.DocumentRoot),
		ServerUID:    serverUID,
		ServerGID:    serverGID,
		Server: Server{
			MinUID:     identity.DefaultMinUID,
			MinGID:     identity.DefaultMinGID,
			DefaultUID: serverUID,
			DefaultGID: serverGID,
		},
	}
	if err := h.compile(); err != nil {
		return nil, fmt.Errorf("names: %w", err)
	}

	if vc.DefaultUIDGID != nil {
		u, g, err := lookupPair(vc.DefaultUIDGID, lookup)
		if err != nil {
			return nil, fmt.Errorf("default_uid_gid: %w", err)
		}
		h.Server.SetDefaultUIDGID(u, g)
	}
	if vc.MinUIDGID != nil {
		u, g, err := lookupPair(vc.MinUIDGID, lookup)
		if err != nil {
			return nil, fmt.Errorf("min_uid_gid: %w", err)
		}
		h.Server.SetMinUIDGID(u, g)
	}
	if vc.DocumentChroot != nil {
		if err := h.Server.SetDocumentChroot(vc.DocumentChroot.Dir, vc.DocumentChroot.DocumentRoot); err != nil {
			return nil, fmt.Errorf("document_chroot: %w", err)
		}
	}

	h.Base = Directory{Path: h.DocumentRoot}
	if err := applyDirectives(&h.Base, vc.IdentityChange, vc.UIDGID, vc.UseFileOwner, vc.Groups, lookup); err != nil {
		return nil, err
	}

	for j, dc := range vc.Directories {
		path := dc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(h.DocumentRoot, path)
		}
		d := Directory{Path: filepath.Clean(path)}
		if err := applyDirectives(&d, dc.IdentityChange, dc.UIDGID, dc.UseFileOwner, dc.Groups, lookup); err != nil {
			return nil, fmt.Errorf("directories[%d]: %w", j, err)
		}
		h.Directories = append(h.Directories, d)
	}
	sort.SliceStable(h.Directories, func(a, b int) bool {
		return len(h.Directories[a].Path) < len(h.Directories[b].Path)
	})
	return h, nil
}

func applyDirectives(d *Directory, enabled *bool, uidgid []string, useOwner *bool, groups []string, lookup Lookup) error {
	if enabled != nil {
		d.SetEnabled(*enabled)
	}
	if uidgid != nil {
		u, g, err := lookupPair(uidgid, lookup)
		if err != nil {
			return fmt.Errorf("uid_gid: %w", err)
		}
		d.SetUIDGID(u, g)
	}
	if useOwner != nil {
		d.SetUseFileOwner(*useOwner)
	}
	if err := d.ApplyGroups(groups, lookup); err != nil {
		return fmt.Errorf("groups: %w", err)
	}
	return nil
}

func lookupPair(pair []string, lookup Lookup) (int, int, error) {
	u, err := lookup.UserID(pair[0])
	if err != nil {
		return 0, 0, err
	}
	g, err := lookup.GroupID(pair[1])
	if err != nil {
		return 0, 0, err
	}
	return u, g, nil
}

// Hosts returns the resolved virtual hosts in configuration order.
func (c *Config) Hosts() []*VirtualHost { return c.hosts }

// HostFor returns the first virtual host whose names match host, or the
// first virtual host when none does.
func (c *Config) HostFor(host string) *VirtualHost {
	for _, h := range c.hosts {
		if h.Matches(host) {
			return h
		}
	}
	if len(c.hosts) == 0 {
		return nil
	}
	return c.hosts[0]
}

// ServerIdentity returns the resolved server.user and server.group.
func (c *Config) ServerIdentity() (uid, gid int) { return c.serverUID, c.serverGID }

// ChrootUsed reports whether any virtual host configures a document chroot.
// Workers keep CAP_SYS_CHROOT in their permitted set only when it does.
func (c *Config) ChrootUsed() bool {
	for _, h := range c.hosts {
		if h.Server.Chroot != nil {
			return true
		}
	}
	return false
}

// IdentityChangeActive reports whether workers serve a single request each,
// the precondition for changing identity per request.
func (c *Config) IdentityChangeActive() bool {
	return c.Server.MaxRequestsPerWorker == 1
}
