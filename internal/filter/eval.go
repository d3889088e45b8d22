package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Matches evaluates expr against a document in its original casing, applying
// the resource type's case-exact rules for string comparison. Used for
// value-path selection and as the reference semantics for the SQL compiler.
func Matches(rt *schema.ResourceType, doc map[string]any, expr Expr) (bool, error) {
	switch e := expr.(type) {
	case *Logical:
		left, err := Matches(rt, doc, e.Left)
		if err != nil {
			return false, err
		}
		// No short-circuit before validating the right side: a type error in
		// any branch must fail the whole filter.
		right, err := Matches(rt, doc, e.Right)
		if err != nil {
			return false, err
		}
		if e.Op == "and" {
			return left && right, nil
		}
		return left || right, nil
	case *Not:
		ok, err := Matches(rt, doc, e.Inner)
		return !ok, err
	case *Present:
		vals, _, err := resolve(rt, doc, e.Path)
		if err != nil {
			return false, err
		}
		for _, v := range vals {
			if present(v) {
				return true, nil
			}
		}
		return false, nil
	case *Compare:
		vals, attr, err := resolve(rt, doc, e.Path)
		if err != nil {
			return false, err
		}
		for _, v := range vals {
			ok, err := compareValue(attr, v, e.Op, e.Value)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		// Validate operator/operand pairing even when no value is present.
		if len(vals) == 0 {
			if _, err := compareValue(attr, nil, e.Op, e.Value); err != nil {
				return false, err
			}
		}
		return false, nil
	case *ValuePath:
		elems, err := SelectElements(rt, doc, e)
		if err != nil {
			return false, err
		}
		return len(elems) > 0, nil
	}
	return false, scimerr.InvalidFilter("unsupported filter expression")
}

// SelectElements returns the indexes of elements of the multi-valued
// attribute addressed by vp whose contents satisfy the inner filter.
func SelectElements(rt *schema.ResourceType, doc map[string]any, vp *ValuePath) ([]int, error) {
	attr, _, ok := rt.Lookup(vp.Path.URN, vp.Path.Attr)
	if !ok {
		return nil, scimerr.InvalidFilter(fmt.Sprintf("unknown attribute %q", vp.Path.Attr))
	}
	if !attr.MultiValued {
		return nil, scimerr.InvalidFilter(fmt.Sprintf("%q is not multi-valued", vp.Path.Attr))
	}
	container := doc
	if vp.Path.URN != "" {
		v, ok := schema.FindKey(doc, vp.Path.URN)
		if !ok {
			return nil, nil
		}
		container, ok = v.(map[string]any)
		if !ok {
			return nil, nil
		}
	}
	raw, ok := schema.FindKey(container, vp.Path.Attr)
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	var out []int
	for i, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		match, err := matchElement(attr, obj, vp.Filter)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, i)
		}
	}
	return out, nil
}

// matchElement evaluates an inner value-path filter against one element of a
// multi-valued complex attribute.
func matchElement(attr *schema.Attribute, elem map[string]any, expr Expr) (bool, error) {
	switch e := expr.(type) {
	case *Logical:
		left, err := matchElement(attr, elem, e.Left)
		if err != nil {
			return false, err
		}
		right, err := matchElement(attr, elem, e.Right)
		if err != nil {
			return false, err
		}
		if e.Op == "and" {
			return left && right, nil
		}
		return left || right, nil
	case *Not:
		ok, err := matchElement(attr, elem, e.Inner)
		return !ok, err
	case *Present:
		sub, err := elemSub(attr, e.Path)
		if err != nil {
			return false, err
		}
		v, _ := schema.FindKey(elem, sub.Name)
		return present(v), nil
	case *Compare:
		sub, err := elemSub(attr, e.Path)
		if err != nil {
			return false, err
		}
		v, _ := schema.FindKey(elem, sub.Name)
		return compareValue(sub, v, e.Op, e.Value)
	}
	return false, scimerr.InvalidFilter("unsupported expression inside value path")
}

func elemSub(attr *schema.Attribute, p Path) (*schema.Attribute, error) {
	if p.Sub != "" || p.URN != "" {
		return nil, scimerr.InvalidFilter(fmt.Sprintf("invalid sub-attribute path %q inside value path", p.String()))
	}
	sub, ok := attr.Sub(p.Attr)
	if !ok {
		return nil, scimerr.InvalidFilter(fmt.Sprintf("unknown sub-attribute %q of %q", p.Attr, attr.Name))
	}
	return sub, nil
}

// resolve returns the candidate values for a path along with the attribute
// definition governing their comparison. Multi-valued attributes yield one
// candidate per element (descending into .sub or defaulting to "value").
func resolve(rt *schema.ResourceType, doc map[string]any, p Path) ([]any, *schema.Attribute, error) {
	attr, _, ok := rt.Lookup(p.URN, joinPath(p.Attr, p.Sub))
	if !ok {
		return nil, nil, scimerr.InvalidFilter(fmt.Sprintf("unknown attribute %q", p.String()))
	}
	container := doc
	if p.URN != "" {
		v, found := schema.FindKey(doc, p.URN)
		if !found {
			return nil, attr, nil
		}
		container, found = v.(map[string]any)
		if !found {
			return nil, attr, nil
		}
	}
	raw, found := schema.FindKey(container, p.Attr)
	if !found {
		return nil, attr, nil
	}

	top, _, _ := rt.Lookup(p.URN, p.Attr)
	if top != nil && top.MultiValued {
		arr, ok := raw.([]any)
		if !ok {
			return nil, attr, nil
		}
		subName := p.Sub
		if subName == "" && top.Type == schema.TypeComplex {
			subName = "value"
		}
		if subName != "" {
			sub, ok := top.Sub(subName)
			if !ok {
				return nil, nil, scimerr.InvalidFilter(fmt.Sprintf("unknown sub-attribute %q of %q", subName, p.Attr))
			}
			var vals []any
			for _, el := range arr {
				if obj, ok := el.(map[string]any); ok {
					if v, ok := schema.FindKey(obj, subName); ok {
						vals = append(vals, v)
					}
				}
			}
			return vals, sub, nil
		}
		return arr, top, nil
	}

	if p.Sub != "" {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, attr, nil
		}
		v, found := schema.FindKey(obj, p.Sub)
		if !found {
			return nil, attr, nil
		}
		return []any{v}, attr, nil
	}
	return []any{raw}, attr, nil
}

func joinPath(attr, sub string) string {
	if sub == "" {
		return attr
	}
	return attr + "." + sub
}

func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

// compareValue applies a binary operator with the attribute's case rules.
func compareValue(attr *schema.Attribute, have any, op string, want any) (bool, error) {
	switch attr.Type {
	case schema.TypeBoolean:
		if op != "eq" && op != "ne" {
			return false, scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid for boolean attribute %q", op, attr.Name))
		}
		wb, ok := want.(bool)
		if !ok {
			return false, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a boolean literal", attr.Name))
		}
		hb, ok := have.(bool)
		if !ok {
			return false, nil
		}
		if op == "eq" {
			return hb == wb, nil
		}
		return hb != wb, nil
	case schema.TypeInteger, schema.TypeDecimal:
		wf, ok := want.(float64)
		if !ok {
			return false, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a numeric literal", attr.Name))
		}
		hf, ok := have.(float64)
		if !ok {
			return false, nil
		}
		return compareOrdered(op, numCmp(hf, wf))
	case schema.TypeDateTime:
		ws, ok := want.(string)
		if !ok {
			return false, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a dateTime literal", attr.Name))
		}
		wt, err := time.Parse(time.RFC3339, ws)
		if err != nil {
			return false, scimerr.InvalidFilter(fmt.Sprintf("invalid dateTime literal %q", ws))
		}
		hs, ok := have.(string)
		if !ok {
			return false, nil
		}
		ht, err := time.Parse(time.RFC3339, hs)
		if err != nil {
			return false, nil
		}
		return compareOrdered(op, timeCmp(ht, wt))
	}

	ws, ok := want.(string)
	if !ok {
		return false, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a string literal", attr.Name))
	}
	hs, ok := have.(string)
	if !ok {
		return false, nil
	}
	if !attr.CaseExact {
		hs = strings.ToLower(hs)
		ws = strings.ToLower(ws)
	}
	switch op {
	case "eq":
		return hs == ws, nil
	case "ne":
		return hs != ws, nil
	case "co":
		return strings.Contains(hs, ws), nil
	case "sw":
		return strings.HasPrefix(hs, ws), nil
	case "ew":
		return strings.HasSuffix(hs, ws), nil
	case "gt", "ge", "lt", "le":
		return compareOrdered(op, strings.Compare(hs, ws))
	}
	return false, scimerr.InvalidFilter(fmt.Sprintf("unknown operator %q", op))
}

func compareOrdered(op string, cmp int) (bool, error) {
	switch op {
	case "eq":
		return cmp == 0, nil
	case "ne":
		return cmp != 0, nil
	case "gt":
		return cmp > 0, nil
	case "ge":
		return cmp >= 0, nil
	case "lt":
		return cmp < 0, nil
	case "le":
		return cmp <= 0, nil
	}
	return false, scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid here", op))
}

func numCmp(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func timeCmp(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}
