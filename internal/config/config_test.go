package config

import (
	"net/netip"
	"strings"
	"testing"
)

const sampleYAML = `
server:
  port: 9090
backend:
  type: sqlite
  database:
    url: "file:scim.db"
tenants:
  - id: 1
    path: /tenant-one/scim/v2
    auth:
      type: bearer
      token: secret-one
  - id: 2
    path: /scim/v2
    host: idp.example.com
    host_resolution:
      type: xforwarded
      trusted_proxies: ["10.0.0.0/8", "192.168.1.5"]
    auth:
      type: basic
      basic:
        username: okta
        password: hunter2
    compatibility:
      meta_datetime_format: epoch
      include_user_groups: false
    custom_endpoints:
      - path: /info
        response: '{"ok":true}'
        auth:
          type: unauthenticated
compatibility:
  show_empty_groups_members: false
`

func TestParseSample(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := cfg.Addr(); got != "0.0.0.0:9090" {
		t.Errorf("Addr = %q", got)
	}
	if cfg.Backend.Type != "sqlite" || cfg.Backend.Database.MaxConnections != 10 {
		t.Errorf("backend defaults not applied: %+v", cfg.Backend)
	}
	if len(cfg.Tenants) != 2 {
		t.Fatalf("tenants = %d", len(cfg.Tenants))
	}
	ep := cfg.Tenants[1].CustomEndpoints[0]
	if ep.StatusCode != 200 || ep.ContentType != "application/json" {
		t.Errorf("endpoint defaults not applied: %+v", ep)
	}
	if ep.EffectiveAuth(&cfg.Tenants[1]).Type != "unauthenticated" {
		t.Errorf("endpoint auth override not honored")
	}
}

func TestEffectiveCompatibility(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	r := cfg.Compatibility.Effective(cfg.Tenants[0].Compatibility)
	if r.MetaDatetimeFormat != "rfc3339" {
		t.Errorf("tenant 1 datetime format = %q", r.MetaDatetimeFormat)
	}
	if r.ShowEmptyGroupsMembers {
		t.Errorf("server-level show_empty_groups_members override lost")
	}
	if !r.IncludeUserGroups {
		t.Errorf("tenant 1 should inherit include_user_groups default")
	}

	r = cfg.Compatibility.Effective(cfg.Tenants[1].Compatibility)
	if r.MetaDatetimeFormat != "epoch" {
		t.Errorf("tenant 2 datetime format = %q", r.MetaDatetimeFormat)
	}
	if r.IncludeUserGroups {
		t.Errorf("tenant 2 include_user_groups override lost")
	}
	if r.SupportPatchReplaceEmptyValue {
		t.Errorf("support_patch_replace_empty_value should default false")
	}
}

func TestTrustsProxy(t *testing.T) {
	h := &HostResolution{Type: "xforwarded", TrustedProxies: []string{"10.0.0.0/8", "192.168.1.5"}}
	if !h.TrustsProxy(netip.MustParseAddr("10.1.2.3")) {
		t.Errorf("10.1.2.3 should be trusted via CIDR")
	}
	if !h.TrustsProxy(netip.MustParseAddr("192.168.1.5")) {
		t.Errorf("bare address entry should match exactly")
	}
	if h.TrustsProxy(netip.MustParseAddr("192.168.1.6")) {
		t.Errorf("192.168.1.6 should not be trusted")
	}
	open := &HostResolution{Type: "forwarded"}
	if !open.TrustsProxy(netip.MustParseAddr("203.0.113.9")) {
		t.Errorf("empty trusted_proxies should trust everyone")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing token",
			yaml: `
backend: {type: sqlite, database: {url: "file:x.db"}}
tenants:
  - {id: 1, path: /scim, auth: {type: bearer}}
`,
			want: "requires a token",
		},
		{
			name: "duplicate tenant id",
			yaml: `
backend: {type: sqlite, database: {url: "file:x.db"}}
tenants:
  - {id: 1, path: /a, auth: {type: unauthenticated}}
  - {id: 1, path: /b, auth: {type: unauthenticated}}
`,
			want: "duplicate tenant id",
		},
		{
			name: "bad trusted proxy",
			yaml: `
backend: {type: sqlite, database: {url: "file:x.db"}}
tenants:
  - id: 1
    path: /a
    auth: {type: unauthenticated}
    host_resolution: {type: forwarded, trusted_proxies: ["not-an-ip"]}
`,
			want: "bad trusted proxy",
		},
		{
			name: "unknown backend",
			yaml: `
backend: {type: mongodb, database: {url: "x"}}
tenants:
  - {id: 1, path: /a, auth: {type: unauthenticated}}
`,
			want: "invalid config",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
