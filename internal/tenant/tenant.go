// Package tenant maps incoming requests to a configured tenant and derives
// the externally visible base URL. Host matching honors proxy headers only
// when the immediate peer is listed as a trusted proxy.
package tenant

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// RequestInfo captures everything resolution needs from a request, decoupled
// from *http.Request for testability.
type RequestInfo struct {
	Host       string // Host header, possibly host:port
	Path       string // URL path
	RemoteAddr string // peer ip:port
	TLS        bool
	Header     http.Header
}

// FromRequest builds a RequestInfo from an inbound request.
func FromRequest(r *http.Request) RequestInfo {
	return RequestInfo{
		Host:       r.Host,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		TLS:        r.TLS != nil,
		Header:     r.Header,
	}
}

// Match is the outcome of resolution: the tenant, the path remainder after
// its prefix, and the base URL for meta.location values.
type Match struct {
	Tenant  *config.Tenant
	Rest    string // path after the tenant prefix, always starts with "/" or is ""
	BaseURL string
}

// Resolver holds the static tenant set.
type Resolver struct {
	tenants []config.Tenant
}

func NewResolver(tenants []config.Tenant) *Resolver {
	return &Resolver{tenants: tenants}
}

// Resolve finds the tenant for a request. Candidates are tenants whose path
// is a prefix of the request path; among those, tenants with a matching host
// restriction beat host-less tenants, and the longest path wins within each
// class. No candidate is a 404.
func (r *Resolver) Resolve(info RequestInfo) (*Match, error) {
	host := effectiveHost(info, nil)

	var best *config.Tenant
	bestScore := -1
	for i := range r.tenants {
		t := &r.tenants[i]
		if !pathHasPrefix(info.Path, t.Path) {
			continue
		}
		tHost := effectiveHost(info, t.HostResolution)
		if t.Host != "" && !strings.EqualFold(hostOnly(tHost), hostOnly(t.Host)) {
			continue
		}
		score := len(t.Path)
		if t.Host != "" {
			// Host-restricted tenants always outrank host-less ones.
			score += 1 << 16
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil {
		return nil, scimerr.NotFound(fmt.Sprintf("no tenant serves %q on host %q", info.Path, hostOnly(host)))
	}

	rest := strings.TrimPrefix(info.Path, best.Path)
	if best.Path == "/" {
		rest = info.Path
	}
	return &Match{
		Tenant:  best,
		Rest:    rest,
		BaseURL: baseURL(info, best),
	}, nil
}

// effectiveHost returns the host the client addressed, consulting proxy
// headers per the tenant's resolution mode. Untrusted peers fall back to the
// direct Host header.
func effectiveHost(info RequestInfo, hr *config.HostResolution) string {
	if hr == nil {
		return info.Host
	}
	switch hr.Type {
	case "forwarded":
		if peerTrusted(info, hr) {
			if h := forwardedParam(info.Header.Get("Forwarded"), "host"); h != "" {
				return h
			}
		}
	case "xforwarded":
		if peerTrusted(info, hr) {
			if h := firstValue(info.Header.Get("X-Forwarded-Host")); h != "" {
				if p := firstValue(info.Header.Get("X-Forwarded-Port")); p != "" && !strings.Contains(h, ":") {
					return h + ":" + p
				}
				return h
			}
		}
	}
	return info.Host
}

// effectiveProto mirrors effectiveHost for the scheme.
func effectiveProto(info RequestInfo, hr *config.HostResolution) string {
	direct := "http"
	if info.TLS {
		direct = "https"
	}
	if hr == nil || !peerTrusted(info, hr) {
		return direct
	}
	switch hr.Type {
	case "forwarded":
		if p := forwardedParam(info.Header.Get("Forwarded"), "proto"); p != "" {
			return strings.ToLower(p)
		}
	case "xforwarded":
		if p := firstValue(info.Header.Get("X-Forwarded-Proto")); p != "" {
			return strings.ToLower(p)
		}
	}
	return direct
}

func peerTrusted(info RequestInfo, hr *config.HostResolution) bool {
	addrPort, err := netip.ParseAddrPort(info.RemoteAddr)
	if err != nil {
		addr, err2 := netip.ParseAddr(info.RemoteAddr)
		if err2 != nil {
			return false
		}
		return hr.TrustsProxy(addr)
	}
	return hr.TrustsProxy(addrPort.Addr())
}

// baseURL builds the prefix for meta.location. An explicit override wins;
// otherwise scheme and host come from the effective (possibly forwarded)
// values, with default ports elided.
func baseURL(info RequestInfo, t *config.Tenant) string {
	if t.OverrideBaseURL != "" {
		return strings.TrimSuffix(t.OverrideBaseURL, "/")
	}
	proto := effectiveProto(info, t.HostResolution)
	host := effectiveHost(info, t.HostResolution)
	host = elideDefaultPort(host, proto)
	prefix := t.Path
	if prefix == "/" {
		prefix = ""
	}
	return proto + "://" + host + prefix
}

func elideDefaultPort(host, proto string) string {
	h, p, ok := strings.Cut(host, ":")
	if !ok {
		return host
	}
	if (proto == "http" && p == "80") || (proto == "https" && p == "443") {
		return h
	}
	return host
}

func hostOnly(host string) string {
	h, _, ok := strings.Cut(host, ":")
	if ok {
		return h
	}
	return host
}

func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

// forwardedParam extracts a parameter from the first element of an RFC 7239
// Forwarded header.
func forwardedParam(header, key string) string {
	if header == "" {
		return ""
	}
	first, _, _ := strings.Cut(header, ",")
	for _, part := range strings.Split(first, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || !strings.EqualFold(k, key) {
			continue
		}
		return strings.Trim(strings.TrimSpace(v), `"`)
	}
	return ""
}

// firstValue returns the first comma-separated element, trimmed.
func firstValue(header string) string {
	first, _, _ := strings.Cut(header, ",")
	return strings.TrimSpace(first)
}
