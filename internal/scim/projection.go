package scim

import (
	"fmt"
	"strings"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// projection narrows a rendered document to requested attributes, or removes
// excluded ones. schemas, id, and meta survive both modes.
type projection struct {
	attributes []attrRef
	excluded   []attrRef
}

type attrRef struct {
	urn  string
	attr string
	sub  string
}

// newProjection parses the attributes/excludedAttributes parameters. Both at
// once is an invalidValue error per RFC 7644 §3.4.2.5.
func newProjection(rt *schema.ResourceType, attributes, excluded []string) (*projection, error) {
	if len(attributes) > 0 && len(excluded) > 0 {
		return nil, scimerr.InvalidValue("attributes and excludedAttributes are mutually exclusive")
	}
	p := &projection{}
	var err error
	if p.attributes, err = parseAttrRefs(rt, attributes); err != nil {
		return nil, err
	}
	if p.excluded, err = parseAttrRefs(rt, excluded); err != nil {
		return nil, err
	}
	return p, nil
}

func parseAttrRefs(rt *schema.ResourceType, raw []string) ([]attrRef, error) {
	var refs []attrRef
	for _, item := range raw {
		for _, one := range strings.Split(item, ",") {
			one = strings.TrimSpace(one)
			if one == "" {
				continue
			}
			ref, err := parseAttrRef(rt, one)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func parseAttrRef(rt *schema.ResourceType, raw string) (attrRef, error) {
	var ref attrRef
	path := raw
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		i := strings.LastIndex(path, ":")
		ref.urn, path = path[:i], path[i+1:]
	}
	parts := strings.Split(path, ".")
	switch len(parts) {
	case 1:
		ref.attr = parts[0]
	case 2:
		ref.attr, ref.sub = parts[0], parts[1]
	default:
		return ref, scimerr.InvalidValue(fmt.Sprintf("attribute path %q nests too deeply", raw))
	}
	if _, _, ok := rt.Lookup(ref.urn, path); !ok && !isAlwaysReturned(ref.attr) {
		return ref, scimerr.InvalidValue(fmt.Sprintf("unknown attribute %q", raw))
	}
	return ref, nil
}

func isAlwaysReturned(attr string) bool {
	switch strings.ToLower(attr) {
	case "schemas", "id", "meta", "externalid":
		return true
	}
	return false
}

// apply shapes the document in place.
func (p *projection) apply(rt *schema.ResourceType, doc map[string]any) {
	if len(p.attributes) > 0 {
		p.keepOnly(rt, doc)
		return
	}
	for _, ref := range p.excluded {
		if isAlwaysReturned(ref.attr) && ref.sub == "" {
			continue
		}
		removeRef(doc, ref)
	}
}

func (p *projection) keepOnly(rt *schema.ResourceType, doc map[string]any) {
	for key, val := range doc {
		if isAlwaysReturned(key) {
			continue
		}
		if strings.HasPrefix(strings.ToLower(key), "urn:") {
			// Extension container: project its contents, drop it if nothing
			// was requested inside.
			obj, ok := val.(map[string]any)
			if !ok {
				delete(doc, key)
				continue
			}
			p.projectContainer(key, obj)
			if len(obj) == 0 {
				delete(doc, key)
			}
			continue
		}
		subs := p.requestedSubs("", key)
		if subs == nil {
			delete(doc, key)
			continue
		}
		if len(subs) > 0 {
			doc[key] = projectSubs(val, subs)
		}
	}
}

func (p *projection) projectContainer(urn string, obj map[string]any) {
	for key, val := range obj {
		subs := p.requestedSubs(urn, key)
		if subs == nil {
			delete(obj, key)
			continue
		}
		if len(subs) > 0 {
			obj[key] = projectSubs(val, subs)
		}
	}
}

// requestedSubs reports whether an attribute was requested: nil means no,
// empty slice means fully, non-empty lists the requested sub-attributes.
func (p *projection) requestedSubs(urn, attr string) []string {
	var subs []string
	found := false
	for _, ref := range p.attributes {
		if !strings.EqualFold(ref.urn, urn) || !strings.EqualFold(ref.attr, attr) {
			continue
		}
		found = true
		if ref.sub == "" {
			return []string{}
		}
		subs = append(subs, ref.sub)
	}
	if !found {
		return nil
	}
	return subs
}

// projectSubs narrows a complex value (or each element of a multi-valued
// one) to the listed sub-attributes.
func projectSubs(val any, subs []string) any {
	switch v := val.(type) {
	case map[string]any:
		out := make(map[string]any)
		for k, item := range v {
			for _, sub := range subs {
				if strings.EqualFold(k, sub) {
					out[k] = item
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, el := range v {
			out[i] = projectSubs(el, subs)
		}
		return out
	default:
		return val
	}
}

func removeRef(doc map[string]any, ref attrRef) {
	container := doc
	if ref.urn != "" {
		v, ok := schema.FindKey(doc, ref.urn)
		if !ok {
			return
		}
		container, ok = v.(map[string]any)
		if !ok {
			return
		}
	}
	if ref.sub == "" {
		stripKey(container, ref.attr)
		return
	}
	v, ok := schema.FindKey(container, ref.attr)
	if !ok {
		return
	}
	switch val := v.(type) {
	case map[string]any:
		stripKey(val, ref.sub)
	case []any:
		for _, el := range val {
			if obj, ok := el.(map[string]any); ok {
				stripKey(obj, ref.sub)
			}
		}
	}
}
