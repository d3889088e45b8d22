package scim

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/store"
)

// render builds the response document for a stored resource: the original
// document plus server-managed attributes, shaped by the tenant's
// compatibility toggles. Join-table state (members, groups) is folded in
// here; it is never part of the stored document.
func render(rt *schema.ResourceType, res *store.Resource, baseURL string, compat config.Resolved) map[string]any {
	doc := deepCopyMap(res.DataOrig)
	stripKey(doc, "password")

	doc["id"] = res.ID
	location := fmt.Sprintf("%s%s/%s", baseURL, rt.Endpoint, res.ID)
	doc["meta"] = map[string]any{
		"resourceType": rt.Name,
		"created":      renderTime(res.CreatedAt, compat),
		"lastModified": renderTime(res.UpdatedAt, compat),
		"version":      etag(res.Version),
		"location":     location,
	}

	switch rt.Name {
	case "Group":
		stripKey(doc, "members")
		if len(res.Members) > 0 {
			members := make([]any, 0, len(res.Members))
			for _, m := range res.Members {
				endpoint := "Users"
				if m.Type == "Group" {
					endpoint = "Groups"
				}
				entry := map[string]any{
					"value": m.Value,
					"type":  m.Type,
					"$ref":  fmt.Sprintf("%s/%s/%s", baseURL, endpoint, m.Value),
				}
				if m.Display != "" {
					entry["display"] = m.Display
				}
				members = append(members, entry)
			}
			doc["members"] = members
		} else if compat.ShowEmptyGroupsMembers {
			doc["members"] = []any{}
		}
	case "User":
		stripKey(doc, "groups")
		if compat.IncludeUserGroups {
			if len(res.Groups) > 0 {
				groups := make([]any, 0, len(res.Groups))
				for _, g := range res.Groups {
					entry := map[string]any{
						"value": g.Value,
						"$ref":  fmt.Sprintf("%s/Groups/%s", baseURL, g.Value),
						"type":  "direct",
					}
					if g.Display != "" {
						entry["display"] = g.Display
					}
					groups = append(groups, entry)
				}
				doc["groups"] = groups
			} else if compat.ShowEmptyGroupsMembers {
				doc["groups"] = []any{}
			}
		}
	}
	return doc
}

// renderTime formats meta timestamps: RFC 3339 by default, milliseconds
// since the epoch for tenants whose clients expect it.
func renderTime(t time.Time, compat config.Resolved) any {
	if compat.MetaDatetimeFormat == "epoch" {
		return t.UnixMilli()
	}
	return t.UTC().Format(time.RFC3339)
}

// etag renders a version as a weak entity tag.
func etag(version int64) string {
	return fmt.Sprintf(`W/"%d"`, version)
}

// parseETag accepts W/"n", "n", or a bare integer.
func parseETag(s string) (int64, bool) {
	if len(s) > 2 && s[:2] == "W/" {
		s = s[2:]
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}

func stripKey(m map[string]any, name string) {
	for k := range m {
		if strings.EqualFold(k, name) {
			delete(m, k)
		}
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
