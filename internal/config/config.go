// Package config loads and validates the YAML server configuration: listen
// address, storage backend, and the static tenant descriptors. Tenants are
// immutable at run time; handlers receive them through the request context.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Server        Server        `yaml:"server"`
	Backend       Backend       `yaml:"backend" validate:"required"`
	Tenants       []Tenant      `yaml:"tenants" validate:"required,min=1,dive"`
	Compatibility Compatibility `yaml:"compatibility"`
}

type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Development     bool          `yaml:"development"`
	MaxResults      int           `yaml:"max_results"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	PasswordScheme  string        `yaml:"password_scheme" validate:"omitempty,oneof=bcrypt argon2id ssha"`
}

type Backend struct {
	Type     string    `yaml:"type" validate:"required,oneof=postgres sqlite"`
	Database *Database `yaml:"database"`
}

type Database struct {
	URL            string `yaml:"url" validate:"required"`
	MaxConnections int    `yaml:"max_connections"`
}

// Tenant is one isolated data scope. Path is the URL prefix, Host an
// optional virtual-host restriction.
type Tenant struct {
	ID              uint32           `yaml:"id" validate:"required,min=1"`
	Path            string           `yaml:"path" validate:"required,startswith=/"`
	Host            string           `yaml:"host"`
	HostResolution  *HostResolution  `yaml:"host_resolution"`
	Auth            Auth             `yaml:"auth" validate:"required"`
	OverrideBaseURL string           `yaml:"override_base_url"`
	CustomEndpoints []CustomEndpoint `yaml:"custom_endpoints" validate:"dive"`
	Compatibility   *Compatibility   `yaml:"compatibility"`
}

type HostResolution struct {
	Type           string   `yaml:"type" validate:"required,oneof=host forwarded xforwarded"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// TrustsProxy reports whether the peer address may supply proxy headers.
// With no configured ranges every peer is trusted, preserving the behavior
// of older configurations. Entries may be CIDRs or bare addresses.
func (h *HostResolution) TrustsProxy(addr netip.Addr) bool {
	if len(h.TrustedProxies) == 0 {
		return true
	}
	for _, entry := range h.TrustedProxies {
		if pfx, err := netip.ParsePrefix(entry); err == nil {
			if pfx.Contains(addr) {
				return true
			}
			continue
		}
		if ip, err := netip.ParseAddr(entry); err == nil && ip == addr {
			return true
		}
	}
	return false
}

type Auth struct {
	Type  string     `yaml:"type" validate:"required,oneof=bearer token basic unauthenticated"`
	Token string     `yaml:"token"`
	Basic *BasicAuth `yaml:"basic"`
}

type BasicAuth struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`
}

type CustomEndpoint struct {
	Path        string `yaml:"path" validate:"required,startswith=/"`
	Response    string `yaml:"response"`
	StatusCode  int    `yaml:"status_code"`
	ContentType string `yaml:"content_type"`
	// Auth overrides the tenant's authentication for this endpoint only.
	Auth *Auth `yaml:"auth"`
}

// EffectiveAuth returns the endpoint's auth override, or the tenant's.
func (e *CustomEndpoint) EffectiveAuth(tenant *Tenant) *Auth {
	if e.Auth != nil {
		return e.Auth
	}
	return &tenant.Auth
}

// Compatibility holds the per-tenant response-shaping toggles. Pointer
// fields distinguish "unset" from an explicit false so tenant overrides can
// fall back to the server-wide defaults.
type Compatibility struct {
	MetaDatetimeFormat            string `yaml:"meta_datetime_format" validate:"omitempty,oneof=rfc3339 epoch"`
	ShowEmptyGroupsMembers        *bool  `yaml:"show_empty_groups_members"`
	IncludeUserGroups             *bool  `yaml:"include_user_groups"`
	SupportGroupMembersFilter     *bool  `yaml:"support_group_members_filter"`
	SupportGroupDisplaynameFilter *bool  `yaml:"support_group_displayname_filter"`
	SupportPatchReplaceEmptyArray *bool  `yaml:"support_patch_replace_empty_array"`
	SupportPatchReplaceEmptyValue *bool  `yaml:"support_patch_replace_empty_value"`
}

// Effective resolves the toggle set for a tenant: tenant override first,
// then server defaults, then the documented defaults.
func (c Compatibility) Effective(override *Compatibility) Resolved {
	r := Resolved{
		MetaDatetimeFormat:            "rfc3339",
		ShowEmptyGroupsMembers:        true,
		IncludeUserGroups:             true,
		SupportGroupMembersFilter:     true,
		SupportGroupDisplaynameFilter: true,
		SupportPatchReplaceEmptyArray: true,
		SupportPatchReplaceEmptyValue: false,
	}
	for _, layer := range []*Compatibility{&c, override} {
		if layer == nil {
			continue
		}
		if layer.MetaDatetimeFormat != "" {
			r.MetaDatetimeFormat = layer.MetaDatetimeFormat
		}
		applyBool(&r.ShowEmptyGroupsMembers, layer.ShowEmptyGroupsMembers)
		applyBool(&r.IncludeUserGroups, layer.IncludeUserGroups)
		applyBool(&r.SupportGroupMembersFilter, layer.SupportGroupMembersFilter)
		applyBool(&r.SupportGroupDisplaynameFilter, layer.SupportGroupDisplaynameFilter)
		applyBool(&r.SupportPatchReplaceEmptyArray, layer.SupportPatchReplaceEmptyArray)
		applyBool(&r.SupportPatchReplaceEmptyValue, layer.SupportPatchReplaceEmptyValue)
	}
	return r
}

// Resolved is the flattened toggle set consumed by the response shaper and
// the PATCH interpreter.
type Resolved struct {
	MetaDatetimeFormat            string
	ShowEmptyGroupsMembers        bool
	IncludeUserGroups             bool
	SupportGroupMembersFilter     bool
	SupportGroupDisplaynameFilter bool
	SupportPatchReplaceEmptyArray bool
	SupportPatchReplaceEmptyValue bool
}

func applyBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Load reads, parses, and validates a configuration file, applying defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse is Load over in-memory bytes.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8880
	}
	if c.Server.MaxResults == 0 {
		c.Server.MaxResults = 200
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.AcquireTimeout == 0 {
		c.Server.AcquireTimeout = 5 * time.Second
	}
	if c.Server.PasswordScheme == "" {
		c.Server.PasswordScheme = "bcrypt"
	}
	if c.Backend.Database != nil && c.Backend.Database.MaxConnections == 0 {
		c.Backend.Database.MaxConnections = 10
	}
	for i := range c.Tenants {
		t := &c.Tenants[i]
		t.Path = strings.TrimSuffix(t.Path, "/")
		if t.Path == "" {
			t.Path = "/"
		}
		for j := range t.CustomEndpoints {
			ep := &t.CustomEndpoints[j]
			if ep.StatusCode == 0 {
				ep.StatusCode = 200
			}
			if ep.ContentType == "" {
				ep.ContentType = "application/json"
			}
		}
	}
}

// Validate applies struct tags plus the cross-field rules the tags cannot
// express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[uint32]bool, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if seen[t.ID] {
			return fmt.Errorf("invalid config: duplicate tenant id %d", t.ID)
		}
		seen[t.ID] = true
		switch t.Auth.Type {
		case "bearer", "token":
			if t.Auth.Token == "" {
				return fmt.Errorf("invalid config: tenant %d: auth type %q requires a token", t.ID, t.Auth.Type)
			}
		case "basic":
			if t.Auth.Basic == nil {
				return fmt.Errorf("invalid config: tenant %d: basic auth requires credentials", t.ID)
			}
		}
		if t.HostResolution != nil {
			for _, entry := range t.HostResolution.TrustedProxies {
				if _, err := netip.ParsePrefix(entry); err == nil {
					continue
				}
				if _, err := netip.ParseAddr(entry); err == nil {
					continue
				}
				return fmt.Errorf("invalid config: tenant %d: bad trusted proxy %q", t.ID, entry)
			}
		}
	}
	if c.Backend.Type == "postgres" || c.Backend.Type == "sqlite" {
		if c.Backend.Database == nil {
			return fmt.Errorf("invalid config: backend %q requires a database block", c.Backend.Type)
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
