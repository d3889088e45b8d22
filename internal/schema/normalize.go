package schema

import "strings"

// Normalize derives the data_norm form of a document: every object key is
// lowercased and every string value is lowercased unless the schema marks the
// attribute case-exact (or binary/reference). Structure and non-string values
// are preserved. The result backs case-insensitive filter matching and the
// uniqueness indexes; the original casing lives on in data_orig.
func Normalize(rt *ResourceType, doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		key := strings.ToLower(k)
		if rt.DeclaredURN(k) {
			// Extension container: normalize its attributes scoped to the URN.
			if sub, ok := v.(map[string]any); ok {
				out[key] = normalizeObject(rt, k, "", sub)
				continue
			}
		}
		out[key] = normalizeValue(rt, "", key, v)
	}
	return out
}

func normalizeObject(rt *ResourceType, urn, path string, obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		key := strings.ToLower(k)
		childPath := key
		if path != "" {
			childPath = path + "." + key
		}
		out[key] = normalizeValue(rt, urn, childPath, v)
	}
	return out
}

func normalizeValue(rt *ResourceType, urn, path string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalizeObject(rt, urn, path, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			// Array elements share the attribute path of the array itself.
			out[i] = normalizeValue(rt, urn, path, item)
		}
		return out
	case string:
		if rt.CaseExactPath(urn, path) {
			return val
		}
		return strings.ToLower(val)
	default:
		return v
	}
}
