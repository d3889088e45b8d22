// Package schema holds the static SCIM 2.0 schema registry plus the
// normalization and validation passes built on it. The registry is immutable
// after init and safe for lock-free concurrent reads.
package schema

import "strings"

// Attribute type per RFC 7643 §2.3.
type Type string

const (
	TypeString    Type = "string"
	TypeBoolean   Type = "boolean"
	TypeDecimal   Type = "decimal"
	TypeInteger   Type = "integer"
	TypeDateTime  Type = "dateTime"
	TypeBinary    Type = "binary"
	TypeReference Type = "reference"
	TypeComplex   Type = "complex"
)

type Mutability string

const (
	ReadOnly  Mutability = "readOnly"
	ReadWrite Mutability = "readWrite"
	Immutable Mutability = "immutable"
	WriteOnly Mutability = "writeOnly"
)

type Returned string

const (
	ReturnedAlways  Returned = "always"
	ReturnedNever   Returned = "never"
	ReturnedDefault Returned = "default"
	ReturnedRequest Returned = "request"
)

type Uniqueness string

const (
	UniqueNone   Uniqueness = "none"
	UniqueServer Uniqueness = "server"
	UniqueGlobal Uniqueness = "global"
)

// Attribute describes a single schema attribute, possibly complex.
type Attribute struct {
	Name            string
	Type            Type
	MultiValued     bool
	Required        bool
	CaseExact       bool
	Mutability      Mutability
	Returned        Returned
	Uniqueness      Uniqueness
	CanonicalValues []string
	SubAttributes   []Attribute
}

// Sub returns the sub-attribute with the given name, case-insensitively.
func (a *Attribute) Sub(name string) (*Attribute, bool) {
	for i := range a.SubAttributes {
		if strings.EqualFold(a.SubAttributes[i].Name, name) {
			return &a.SubAttributes[i], true
		}
	}
	return nil, false
}

// SupportsPrimary reports whether the attribute is a multi-valued complex
// attribute carrying a boolean "primary" sub-attribute.
func (a *Attribute) SupportsPrimary() bool {
	if !a.MultiValued || a.Type != TypeComplex {
		return false
	}
	_, ok := a.Sub("primary")
	return ok
}

// ResourceType ties a resource name to its core schema and extensions.
type ResourceType struct {
	Name       string
	Schema     string
	Endpoint   string
	Extensions []Extension
	Attributes []Attribute
}

type Extension struct {
	Schema     string
	Required   bool
	Attributes []Attribute
}

// Schema URNs served by this registry.
const (
	URNUser           = "urn:ietf:params:scim:schemas:core:2.0:User"
	URNGroup          = "urn:ietf:params:scim:schemas:core:2.0:Group"
	URNEnterpriseUser = "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"
)

func simple(name string, t Type, mut Mutability) Attribute {
	return Attribute{Name: name, Type: t, Mutability: mut, Returned: ReturnedDefault, Uniqueness: UniqueNone}
}

// multiValuedComplex builds the conventional value/display/type/primary shape.
func multiValuedComplex(name string, canonicalTypes ...string) Attribute {
	return Attribute{
		Name:        name,
		Type:        TypeComplex,
		MultiValued: true,
		Mutability:  ReadWrite,
		Returned:    ReturnedDefault,
		SubAttributes: []Attribute{
			simple("value", TypeString, ReadWrite),
			simple("display", TypeString, ReadWrite),
			{Name: "type", Type: TypeString, Mutability: ReadWrite, Returned: ReturnedDefault, CanonicalValues: canonicalTypes},
			simple("primary", TypeBoolean, ReadWrite),
		},
	}
}

// commonAttributes are shared by every resource type (RFC 7643 §3.1).
func commonAttributes() []Attribute {
	return []Attribute{
		{Name: "id", Type: TypeString, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedAlways, Uniqueness: UniqueServer},
		{Name: "externalId", Type: TypeString, CaseExact: true, Mutability: ReadWrite, Returned: ReturnedDefault, Uniqueness: UniqueServer},
		{
			Name: "meta", Type: TypeComplex, Mutability: ReadOnly, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				{Name: "resourceType", Type: TypeString, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedDefault},
				{Name: "created", Type: TypeDateTime, Mutability: ReadOnly, Returned: ReturnedDefault},
				{Name: "lastModified", Type: TypeDateTime, Mutability: ReadOnly, Returned: ReturnedDefault},
				{Name: "location", Type: TypeReference, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedDefault},
				{Name: "version", Type: TypeString, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedDefault},
			},
		},
	}
}

var userType = &ResourceType{
	Name:     "User",
	Schema:   URNUser,
	Endpoint: "/Users",
	Extensions: []Extension{{
		Schema: URNEnterpriseUser,
		Attributes: []Attribute{
			simple("employeeNumber", TypeString, ReadWrite),
			simple("costCenter", TypeString, ReadWrite),
			simple("organization", TypeString, ReadWrite),
			simple("division", TypeString, ReadWrite),
			simple("department", TypeString, ReadWrite),
			{
				Name: "manager", Type: TypeComplex, Mutability: ReadWrite, Returned: ReturnedDefault,
				SubAttributes: []Attribute{
					{Name: "value", Type: TypeString, CaseExact: true, Mutability: ReadWrite, Returned: ReturnedDefault},
					{Name: "$ref", Type: TypeReference, CaseExact: true, Mutability: ReadWrite, Returned: ReturnedDefault},
					simple("displayName", TypeString, ReadOnly),
				},
			},
		},
	}},
	Attributes: append(commonAttributes(), []Attribute{
		{Name: "userName", Type: TypeString, Required: true, Mutability: ReadWrite, Returned: ReturnedDefault, Uniqueness: UniqueServer},
		{
			Name: "name", Type: TypeComplex, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				simple("formatted", TypeString, ReadWrite),
				simple("familyName", TypeString, ReadWrite),
				simple("givenName", TypeString, ReadWrite),
				simple("middleName", TypeString, ReadWrite),
				simple("honorificPrefix", TypeString, ReadWrite),
				simple("honorificSuffix", TypeString, ReadWrite),
			},
		},
		simple("displayName", TypeString, ReadWrite),
		simple("nickName", TypeString, ReadWrite),
		{Name: "profileUrl", Type: TypeReference, CaseExact: true, Mutability: ReadWrite, Returned: ReturnedDefault},
		simple("title", TypeString, ReadWrite),
		simple("userType", TypeString, ReadWrite),
		simple("preferredLanguage", TypeString, ReadWrite),
		simple("locale", TypeString, ReadWrite),
		simple("timezone", TypeString, ReadWrite),
		simple("active", TypeBoolean, ReadWrite),
		{Name: "password", Type: TypeString, CaseExact: true, Mutability: WriteOnly, Returned: ReturnedNever},
		multiValuedComplex("emails", "work", "home", "other"),
		multiValuedComplex("phoneNumbers", "work", "home", "mobile", "fax", "pager", "other"),
		multiValuedComplex("ims", "aim", "gtalk", "icq", "xmpp", "msn", "skype", "qq", "yahoo"),
		multiValuedComplex("photos", "photo", "thumbnail"),
		{
			Name: "addresses", Type: TypeComplex, MultiValued: true, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				simple("formatted", TypeString, ReadWrite),
				simple("streetAddress", TypeString, ReadWrite),
				simple("locality", TypeString, ReadWrite),
				simple("region", TypeString, ReadWrite),
				simple("postalCode", TypeString, ReadWrite),
				simple("country", TypeString, ReadWrite),
				{Name: "type", Type: TypeString, Mutability: ReadWrite, Returned: ReturnedDefault, CanonicalValues: []string{"work", "home", "other"}},
				simple("primary", TypeBoolean, ReadWrite),
			},
		},
		{
			Name: "groups", Type: TypeComplex, MultiValued: true, Mutability: ReadOnly, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				{Name: "value", Type: TypeString, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedDefault},
				{Name: "$ref", Type: TypeReference, CaseExact: true, Mutability: ReadOnly, Returned: ReturnedDefault},
				simple("display", TypeString, ReadOnly),
				{Name: "type", Type: TypeString, Mutability: ReadOnly, Returned: ReturnedDefault, CanonicalValues: []string{"direct", "indirect"}},
			},
		},
		{
			Name: "entitlements", Type: TypeComplex, MultiValued: true, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				simple("value", TypeString, ReadWrite),
				simple("display", TypeString, ReadWrite),
				simple("type", TypeString, ReadWrite),
				simple("primary", TypeBoolean, ReadWrite),
			},
		},
		{
			Name: "roles", Type: TypeComplex, MultiValued: true, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				simple("value", TypeString, ReadWrite),
				simple("display", TypeString, ReadWrite),
				simple("type", TypeString, ReadWrite),
				simple("primary", TypeBoolean, ReadWrite),
			},
		},
		{
			Name: "x509Certificates", Type: TypeComplex, MultiValued: true, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				{Name: "value", Type: TypeBinary, CaseExact: true, Mutability: ReadWrite, Returned: ReturnedDefault},
				simple("display", TypeString, ReadWrite),
				simple("type", TypeString, ReadWrite),
				simple("primary", TypeBoolean, ReadWrite),
			},
		},
	}...),
}

var groupType = &ResourceType{
	Name:     "Group",
	Schema:   URNGroup,
	Endpoint: "/Groups",
	Attributes: append(commonAttributes(), []Attribute{
		{Name: "displayName", Type: TypeString, Required: true, Mutability: ReadWrite, Returned: ReturnedDefault, Uniqueness: UniqueServer},
		{
			Name: "members", Type: TypeComplex, MultiValued: true, Mutability: ReadWrite, Returned: ReturnedDefault,
			SubAttributes: []Attribute{
				{Name: "value", Type: TypeString, CaseExact: true, Mutability: Immutable, Returned: ReturnedDefault},
				{Name: "$ref", Type: TypeReference, CaseExact: true, Mutability: Immutable, Returned: ReturnedDefault},
				simple("display", TypeString, ReadOnly),
				{Name: "type", Type: TypeString, Mutability: Immutable, Returned: ReturnedDefault, CanonicalValues: []string{"User", "Group"}},
			},
		},
	}...),
}

// User returns the User resource type definition.
func User() *ResourceType { return userType }

// Group returns the Group resource type definition.
func Group() *ResourceType { return groupType }

// ByName resolves a resource type by its SCIM name.
func ByName(name string) (*ResourceType, bool) {
	switch {
	case strings.EqualFold(name, "User"):
		return userType, true
	case strings.EqualFold(name, "Group"):
		return groupType, true
	}
	return nil, false
}

// DeclaredURN reports whether urn names the resource's core schema or one of
// its extensions.
func (rt *ResourceType) DeclaredURN(urn string) bool {
	if strings.EqualFold(urn, rt.Schema) {
		return true
	}
	for _, ext := range rt.Extensions {
		if strings.EqualFold(urn, ext.Schema) {
			return true
		}
	}
	return false
}

// attributesForURN returns the attribute set for the given schema URN, or the
// core set when urn is empty or names the core schema.
func (rt *ResourceType) attributesForURN(urn string) ([]Attribute, bool) {
	if urn == "" || strings.EqualFold(urn, rt.Schema) {
		return rt.Attributes, true
	}
	for _, ext := range rt.Extensions {
		if strings.EqualFold(urn, ext.Schema) {
			return ext.Attributes, true
		}
	}
	return nil, false
}

// Lookup resolves a dotted attribute path, optionally scoped to a schema URN,
// to its attribute definition. Matching is case-insensitive. The second
// return value is the parent attribute when path addresses a sub-attribute.
func (rt *ResourceType) Lookup(urn, path string) (attr *Attribute, parent *Attribute, ok bool) {
	attrs, ok := rt.attributesForURN(urn)
	if !ok {
		return nil, nil, false
	}
	parts := strings.Split(path, ".")
	if len(parts) == 0 || len(parts) > 2 {
		return nil, nil, false
	}
	var top *Attribute
	for i := range attrs {
		if strings.EqualFold(attrs[i].Name, parts[0]) {
			top = &attrs[i]
			break
		}
	}
	if top == nil {
		return nil, nil, false
	}
	if len(parts) == 1 {
		return top, nil, true
	}
	sub, ok := top.Sub(parts[1])
	if !ok {
		return nil, nil, false
	}
	return sub, top, true
}

// CaseExactPath reports whether the value at the given lowercased dotted path
// (array indices removed) preserves its case in the normalized document.
// Unknown attributes default to case-insensitive.
func (rt *ResourceType) CaseExactPath(urn, path string) bool {
	attr, _, ok := rt.Lookup(urn, path)
	if !ok {
		return false
	}
	if attr.Type == TypeBinary || attr.Type == TypeReference {
		return true
	}
	return attr.CaseExact
}

// SplitURN splits a full attribute path into its schema URN prefix (if any)
// and the remaining dotted attribute path. SCIM URN prefixes are joined to
// the attribute with a colon, e.g.
// urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:employeeNumber.
func SplitURN(full string) (urn, path string) {
	if !strings.HasPrefix(strings.ToLower(full), "urn:") {
		return "", full
	}
	// The attribute path begins after the last colon. A trailing dotted
	// sub-attribute stays attached to the attribute name.
	idx := strings.LastIndex(full, ":")
	return full[:idx], full[idx+1:]
}
