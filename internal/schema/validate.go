package schema

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Validate checks a client-supplied document against the resource type:
// unknown top-level keys, required attributes, canonical values, value
// formats, and the single-primary rule. Server-managed fields must already
// have been stripped (see StripServerManaged). The document is not modified.
func Validate(rt *ResourceType, doc map[string]any) error {
	for k, v := range doc {
		if strings.EqualFold(k, "schemas") {
			continue
		}
		if rt.DeclaredURN(k) {
			sub, ok := v.(map[string]any)
			if !ok {
				return scimerr.InvalidSyntax(fmt.Sprintf("extension %q must be an object", k))
			}
			if err := validateAttributes(rt, k, sub); err != nil {
				return err
			}
			continue
		}
		if attr, _, ok := rt.Lookup("", k); ok {
			if err := validateAttribute(attr, v); err != nil {
				return err
			}
			continue
		}
		return scimerr.InvalidSyntax(fmt.Sprintf("unknown attribute %q for resource type %s", k, rt.Name))
	}
	return validateRequired(rt, doc)
}

func validateRequired(rt *ResourceType, doc map[string]any) error {
	for i := range rt.Attributes {
		attr := &rt.Attributes[i]
		if !attr.Required || attr.Mutability == ReadOnly {
			continue
		}
		v, ok := FindKey(doc, attr.Name)
		if !ok || v == nil {
			return scimerr.InvalidValue(fmt.Sprintf("%s is required", attr.Name))
		}
		if s, isStr := v.(string); isStr && s == "" {
			return scimerr.InvalidValue(fmt.Sprintf("%s is required", attr.Name))
		}
	}
	return nil
}

func validateAttributes(rt *ResourceType, urn string, obj map[string]any) error {
	for k, v := range obj {
		attr, _, ok := rt.Lookup(urn, k)
		if !ok {
			return scimerr.InvalidSyntax(fmt.Sprintf("unknown attribute %q in schema %s", k, urn))
		}
		if err := validateAttribute(attr, v); err != nil {
			return err
		}
	}
	return nil
}

func validateAttribute(attr *Attribute, v any) error {
	if v == nil {
		return nil
	}
	if attr.MultiValued {
		arr, ok := v.([]any)
		if !ok {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be an array", attr.Name))
		}
		for _, el := range arr {
			if err := validateSingle(attr, el); err != nil {
				return err
			}
			if strings.EqualFold(attr.Name, "emails") {
				if obj, ok := el.(map[string]any); ok {
					if v, ok := FindKey(obj, "value"); ok {
						if s, ok := v.(string); ok && s != "" && !ValidEmail(s) {
							return scimerr.InvalidValue(fmt.Sprintf("%q is not a valid email address", s))
						}
					}
				}
			}
		}
		if attr.SupportsPrimary() {
			if err := checkSinglePrimary(attr.Name, arr); err != nil {
				return err
			}
		}
		return nil
	}
	return validateSingle(attr, v)
}

func validateSingle(attr *Attribute, v any) error {
	switch attr.Type {
	case TypeComplex:
		obj, ok := v.(map[string]any)
		if !ok {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be an object", attr.Name))
		}
		for k, sv := range obj {
			sub, ok := attr.Sub(k)
			if !ok {
				return scimerr.InvalidSyntax(fmt.Sprintf("unknown sub-attribute %q of %s", k, attr.Name))
			}
			if err := validateSingle(sub, sv); err != nil {
				return err
			}
		}
		return nil
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be a boolean", attr.Name))
		}
		return nil
	case TypeInteger, TypeDecimal:
		if _, ok := v.(float64); !ok {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be a number", attr.Name))
		}
		return nil
	default:
	}
	s, ok := v.(string)
	if !ok {
		return scimerr.InvalidValue(fmt.Sprintf("%s must be a string", attr.Name))
	}
	// Canonical values are a recommendation in RFC 7643, not an enum;
	// unknown values are accepted, matching common IdP behavior.
	switch attr.Type {
	case TypeDateTime:
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be an RFC 3339 dateTime", attr.Name))
		}
	case TypeReference:
		if s != "" && !validURI(s) {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be a valid URI", attr.Name))
		}
	case TypeBinary:
		if s != "" {
			if _, err := base64.StdEncoding.DecodeString(s); err != nil {
				return scimerr.InvalidValue(fmt.Sprintf("%s must be base64 data", attr.Name))
			}
		}
	}
	switch strings.ToLower(attr.Name) {
	case "preferredlanguage", "locale":
		if s != "" && !ValidLanguageTag(s) {
			return scimerr.InvalidValue(fmt.Sprintf("%s must be a language tag", attr.Name))
		}
	case "timezone":
		if s != "" && !ValidTimezone(s) {
			return scimerr.InvalidValue("timezone must be an IANA timezone name")
		}
	}
	return nil
}

func checkSinglePrimary(name string, arr []any) error {
	primaries := 0
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			continue
		}
		if p, ok := FindKey(obj, "primary"); ok {
			if b, ok := p.(bool); ok && b {
				primaries++
			}
		}
	}
	if primaries > 1 {
		return scimerr.InvalidValue(fmt.Sprintf("%s has multiple elements marked primary", name))
	}
	return nil
}

// CheckPrimaryInvariant re-runs the single-primary rule over every
// primary-capable attribute of the document. Used after PATCH application.
func CheckPrimaryInvariant(rt *ResourceType, doc map[string]any) error {
	for i := range rt.Attributes {
		attr := &rt.Attributes[i]
		if !attr.SupportsPrimary() {
			continue
		}
		v, ok := FindKey(doc, attr.Name)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		if err := checkSinglePrimary(attr.Name, arr); err != nil {
			return err
		}
	}
	return nil
}

// StripServerManaged removes the attributes only the server may write: id,
// meta, and any readOnly attribute such as a User's groups. Per RFC 7644
// these are silently discarded from client payloads rather than rejected.
func StripServerManaged(rt *ResourceType, doc map[string]any) {
	for k := range doc {
		if strings.EqualFold(k, "schemas") || rt.DeclaredURN(k) {
			continue
		}
		if attr, _, ok := rt.Lookup("", k); ok && attr.Mutability == ReadOnly {
			delete(doc, k)
		}
	}
}

// CheckImmutable enforces immutable mutability on full replacement: an
// immutable attribute present in the new document must equal the prior value.
func CheckImmutable(rt *ResourceType, prev, next map[string]any) error {
	for i := range rt.Attributes {
		attr := &rt.Attributes[i]
		if attr.Mutability != Immutable {
			continue
		}
		nv, ok := FindKey(next, attr.Name)
		if !ok {
			continue
		}
		pv, had := FindKey(prev, attr.Name)
		if had && !equalJSON(pv, nv) {
			return scimerr.Mutability(fmt.Sprintf("%s is immutable", attr.Name))
		}
	}
	return nil
}

// FindKey looks up a map key case-insensitively and returns its value.
func FindKey(m map[string]any, name string) (any, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func validURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && u.Host != ""
}

// ValidEmail reports whether s parses as an addr-spec.
func ValidEmail(s string) bool {
	_, err := mail.ParseAddress(s)
	return err == nil
}

// ValidLanguageTag accepts BCP 47-shaped tags like "en", "en-US", "zh-Hant".
func ValidLanguageTag(s string) bool {
	parts := strings.Split(s, "-")
	lang := parts[0]
	if len(lang) < 2 || len(lang) > 3 {
		return false
	}
	for _, r := range lang {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	for _, sub := range parts[1:] {
		if len(sub) == 0 || len(sub) > 8 {
			return false
		}
	}
	return true
}

// ValidTimezone accepts IANA names like "America/Los_Angeles" plus "UTC".
func ValidTimezone(s string) bool {
	if s == "UTC" || s == "GMT" {
		return true
	}
	if !strings.Contains(s, "/") {
		return false
	}
	for _, part := range strings.Split(s, "/") {
		if part == "" {
			return false
		}
	}
	_, err := time.LoadLocation(s)
	return err == nil
}

func equalJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := FindKey(bv, k)
			if !ok || !equalJSON(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
