// Package patch applies RFC 7644 §3.5.2 PATCH operations to a SCIM document.
// Paths share the filter grammar; value-path selection is delegated to the
// filter evaluator so `[ ]` semantics are identical in queries and PATCH.
package patch

import (
	"fmt"
	"strings"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Operation is a single PATCH operation.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Interpreter applies a batch of operations atomically: any failure leaves
// the input document untouched.
type Interpreter struct {
	Type *schema.ResourceType

	// Per-tenant compatibility toggles.
	AllowReplaceEmptyArray bool
	AllowReplaceEmptyValue bool
}

// Apply runs the operations in order against a deep copy of doc and returns
// the result. The single-primary invariant is re-checked after every
// operation that touches a primary-capable attribute.
func (it *Interpreter) Apply(doc map[string]any, ops []Operation) (map[string]any, error) {
	if len(ops) == 0 {
		return nil, scimerr.InvalidValue("Operations must not be empty")
	}
	out := deepCopy(doc).(map[string]any)
	for i := range ops {
		if err := it.apply(out, &ops[i]); err != nil {
			return nil, err
		}
		if err := schema.CheckPrimaryInvariant(it.Type, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (it *Interpreter) apply(doc map[string]any, op *Operation) error {
	switch strings.ToLower(op.Op) {
	case "add":
		return it.applyAdd(doc, op)
	case "remove":
		return it.applyRemove(doc, op)
	case "replace":
		return it.applyReplace(doc, op)
	}
	return scimerr.InvalidSyntax(fmt.Sprintf("unknown patch op %q", op.Op))
}

func (it *Interpreter) applyAdd(doc map[string]any, op *Operation) error {
	if op.Path == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return scimerr.InvalidValue("add without path requires an object value")
		}
		for k, v := range obj {
			if err := it.applyAdd(doc, &Operation{Op: "add", Path: k, Value: v}); err != nil {
				return err
			}
		}
		return nil
	}
	path, target, err := it.resolve(doc, op.Path)
	if err != nil {
		return err
	}

	if path.Filter != nil {
		return it.applyToSelection(doc, path, func(elem map[string]any) error {
			if path.Sub == "" {
				return scimerr.InvalidPath("add with a value path requires a sub-attribute")
			}
			setKey(elem, path.Sub, deepCopy(op.Value))
			return nil
		}, true)
	}

	container, key := it.locate(doc, path, true)
	if container == nil {
		return scimerr.InvalidPath(fmt.Sprintf("cannot address %q", op.Path))
	}

	if target.MultiValued && path.Sub == "" {
		var add []any
		switch v := op.Value.(type) {
		case []any:
			add = v
		default:
			add = []any{v}
		}
		existing, _ := schema.FindKey(container, key)
		arr, _ := existing.([]any)
		for _, el := range add {
			arr = append(arr, deepCopy(el))
		}
		setKey(container, key, arr)
		return nil
	}

	setKey(container, key, deepCopy(op.Value))
	return nil
}

func (it *Interpreter) applyRemove(doc map[string]any, op *Operation) error {
	if op.Path == "" {
		return scimerr.InvalidPath("remove requires a path")
	}
	path, target, err := it.resolve(doc, op.Path)
	if err != nil {
		return err
	}

	if path.Filter != nil {
		attrKey := realKey(doc, path.Attr)
		raw, ok := schema.FindKey(doc, path.Attr)
		if !ok {
			return nil
		}
		arr, ok := raw.([]any)
		if !ok {
			return nil
		}
		selected, err := filter.SelectElements(it.Type, doc, &filter.ValuePath{
			Path:   filter.Path{URN: path.URN, Attr: path.Attr},
			Filter: path.Filter,
		})
		if err != nil {
			return err
		}
		if path.Sub != "" {
			for _, i := range selected {
				if obj, ok := arr[i].(map[string]any); ok {
					deleteKey(obj, path.Sub)
				}
			}
			return nil
		}
		kept := arr[:0:0]
		sel := make(map[int]bool, len(selected))
		for _, i := range selected {
			sel[i] = true
		}
		for i, el := range arr {
			if !sel[i] {
				kept = append(kept, el)
			}
		}
		if len(kept) == 0 {
			delete(doc, attrKey)
		} else {
			doc[attrKey] = kept
		}
		return nil
	}

	container, key := it.locate(doc, path, false)
	if container == nil {
		return nil
	}
	if path.Sub != "" && target.MultiValued {
		// Removing a sub-attribute across every element.
		if raw, ok := schema.FindKey(container, path.Attr); ok {
			if arr, ok := raw.([]any); ok {
				for _, el := range arr {
					if obj, ok := el.(map[string]any); ok {
						deleteKey(obj, path.Sub)
					}
				}
			}
		}
		return nil
	}
	deleteKey(container, key)
	return nil
}

func (it *Interpreter) applyReplace(doc map[string]any, op *Operation) error {
	if op.Path == "" {
		obj, ok := op.Value.(map[string]any)
		if !ok {
			return scimerr.InvalidValue("replace without path requires an object value")
		}
		for k, v := range obj {
			if err := it.applyReplace(doc, &Operation{Op: "replace", Path: k, Value: v}); err != nil {
				return err
			}
		}
		return nil
	}
	path, target, err := it.resolve(doc, op.Path)
	if err != nil {
		return err
	}

	if target.MultiValued && path.Sub == "" && path.Filter == nil {
		if arr, ok := op.Value.([]any); ok {
			if len(arr) == 0 && !it.AllowReplaceEmptyArray {
				return scimerr.InvalidValue(fmt.Sprintf("replacing %q with an empty array is not supported for this tenant", path.Attr))
			}
			if !it.AllowReplaceEmptyValue && isEmptyValueClear(arr) {
				return scimerr.InvalidValue(fmt.Sprintf("replacing %q with an empty value element is not supported", path.Attr))
			}
		}
	}

	if path.Filter != nil {
		return it.applyToSelection(doc, path, func(elem map[string]any) error {
			if path.Sub != "" {
				setKey(elem, path.Sub, deepCopy(op.Value))
				return nil
			}
			obj, ok := op.Value.(map[string]any)
			if !ok {
				return scimerr.InvalidValue("replace of a selected element requires an object value")
			}
			for k := range elem {
				delete(elem, k)
			}
			for k, v := range obj {
				elem[k] = deepCopy(v)
			}
			return nil
		}, false)
	}

	container, key := it.locate(doc, path, true)
	if container == nil {
		return scimerr.InvalidPath(fmt.Sprintf("cannot address %q", op.Path))
	}
	setKey(container, key, deepCopy(op.Value))
	return nil
}

// applyToSelection runs fn over the elements matched by the value path.
// When allowEmpty is false an empty selection is a noTarget error per
// RFC 7644 §3.5.2.3.
func (it *Interpreter) applyToSelection(doc map[string]any, path *filter.PatchPath, fn func(map[string]any) error, allowEmpty bool) error {
	raw, ok := schema.FindKey(doc, path.Attr)
	if !ok {
		if allowEmpty {
			return nil
		}
		return scimerr.NoTarget(fmt.Sprintf("no elements of %q match the value path", path.Attr))
	}
	arr, ok := raw.([]any)
	if !ok {
		return scimerr.InvalidPath(fmt.Sprintf("%q is not multi-valued", path.Attr))
	}
	selected, err := filter.SelectElements(it.Type, doc, &filter.ValuePath{
		Path:   filter.Path{URN: path.URN, Attr: path.Attr},
		Filter: path.Filter,
	})
	if err != nil {
		return err
	}
	if len(selected) == 0 && !allowEmpty {
		return scimerr.NoTarget(fmt.Sprintf("no elements of %q match the value path", path.Attr))
	}
	for _, i := range selected {
		obj, ok := arr[i].(map[string]any)
		if !ok {
			continue
		}
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

// resolve parses the path and verifies the target attribute exists and is
// writable.
func (it *Interpreter) resolve(doc map[string]any, raw string) (*filter.PatchPath, *schema.Attribute, error) {
	path, err := filter.ParsePath(raw)
	if err != nil {
		return nil, nil, err
	}
	attr, _, ok := it.Type.Lookup(path.URN, path.Attr)
	if !ok {
		return nil, nil, scimerr.InvalidPath(fmt.Sprintf("unknown path %q", raw))
	}
	if path.Sub != "" {
		if _, ok := attr.Sub(path.Sub); !ok {
			return nil, nil, scimerr.InvalidPath(fmt.Sprintf("unknown path %q", raw))
		}
	}
	switch attr.Mutability {
	case schema.ReadOnly:
		return nil, nil, scimerr.Mutability(fmt.Sprintf("%s is read-only", attr.Name))
	case schema.Immutable:
		// Immutable attributes accept add but never replace/remove of an
		// existing value; enforced by the service against the stored state.
	}
	return path, attr, nil
}

// locate returns the map owning the final path segment and that segment's
// name. For attr.sub paths the complex container is created on demand when
// create is set.
func (it *Interpreter) locate(doc map[string]any, path *filter.PatchPath, create bool) (map[string]any, string) {
	container := doc
	if path.URN != "" {
		raw, ok := schema.FindKey(doc, path.URN)
		if !ok {
			if !create {
				return nil, ""
			}
			next := map[string]any{}
			doc[path.URN] = next
			container = next
		} else if obj, ok := raw.(map[string]any); ok {
			container = obj
		} else {
			return nil, ""
		}
	}
	if path.Sub == "" {
		return container, path.Attr
	}
	raw, ok := schema.FindKey(container, path.Attr)
	if !ok {
		if !create {
			return nil, ""
		}
		next := map[string]any{}
		container[realKey(container, path.Attr)] = next
		return next, path.Sub
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ""
	}
	return obj, path.Sub
}

// isEmptyValueClear detects the non-standard [{"value":""}] clear pattern.
func isEmptyValueClear(arr []any) bool {
	if len(arr) != 1 {
		return false
	}
	obj, ok := arr[0].(map[string]any)
	if !ok || len(obj) != 1 {
		return false
	}
	v, ok := schema.FindKey(obj, "value")
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == ""
}

// realKey returns the map's actual key spelling for name, or name itself.
func realKey(m map[string]any, name string) string {
	if _, ok := m[name]; ok {
		return name
	}
	for k := range m {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}

func setKey(m map[string]any, name string, v any) {
	m[realKey(m, name)] = v
}

func deleteKey(m map[string]any, name string) {
	delete(m, realKey(m, name))
}

func deepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
