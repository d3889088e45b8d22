package scim

import (
	"fmt"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Discovery documents (RFC 7644 §4) are generated from the registry so they
// never drift from what the server actually enforces.

func serviceProviderConfig(baseURL string) map[string]any {
	return map[string]any{
		"schemas":          []string{"urn:ietf:params:scim:schemas:core:2.0:ServiceProviderConfig"},
		"documentationUri": "https://datatracker.ietf.org/doc/html/rfc7644",
		"patch":            map[string]any{"supported": true},
		"bulk": map[string]any{
			"supported":      false,
			"maxOperations":  0,
			"maxPayloadSize": 0,
		},
		"filter": map[string]any{
			"supported":  true,
			"maxResults": 200,
		},
		"changePassword": map[string]any{"supported": true},
		"sort":           map[string]any{"supported": true},
		"etag":           map[string]any{"supported": true},
		"authenticationSchemes": []any{
			map[string]any{
				"type":        "httpbasic",
				"name":        "HTTP Basic",
				"description": "Authentication via HTTP basic credentials",
			},
			map[string]any{
				"type":        "oauthbearertoken",
				"name":        "OAuth Bearer Token",
				"description": "Authentication via a shared bearer token",
			},
		},
		"meta": map[string]any{
			"resourceType": "ServiceProviderConfig",
			"location":     baseURL + "/ServiceProviderConfig",
		},
	}
}

func resourceTypeDoc(rt *schema.ResourceType, baseURL string) map[string]any {
	doc := map[string]any{
		"schemas":  []string{"urn:ietf:params:scim:schemas:core:2.0:ResourceType"},
		"id":       rt.Name,
		"name":     rt.Name,
		"endpoint": rt.Endpoint,
		"schema":   rt.Schema,
		"meta": map[string]any{
			"resourceType": "ResourceType",
			"location":     fmt.Sprintf("%s/ResourceTypes/%s", baseURL, rt.Name),
		},
	}
	if len(rt.Extensions) > 0 {
		exts := make([]any, 0, len(rt.Extensions))
		for _, ext := range rt.Extensions {
			exts = append(exts, map[string]any{"schema": ext.Schema, "required": ext.Required})
		}
		doc["schemaExtensions"] = exts
	}
	return doc
}

func resourceTypeDocs(baseURL string) []map[string]any {
	return []map[string]any{
		resourceTypeDoc(schema.User(), baseURL),
		resourceTypeDoc(schema.Group(), baseURL),
	}
}

func lookupResourceTypeDoc(name, baseURL string) (map[string]any, error) {
	rt, ok := schema.ByName(name)
	if !ok {
		return nil, scimerr.NotFound(fmt.Sprintf("resource type %q not found", name))
	}
	return resourceTypeDoc(rt, baseURL), nil
}

func schemaDocs(baseURL string) []map[string]any {
	user, group := schema.User(), schema.Group()
	docs := []map[string]any{
		schemaDoc(user.Schema, user.Name, "User account", user.Attributes, baseURL),
		schemaDoc(group.Schema, group.Name, "Group", group.Attributes, baseURL),
	}
	for _, ext := range user.Extensions {
		docs = append(docs, schemaDoc(ext.Schema, "EnterpriseUser", "Enterprise user extension", ext.Attributes, baseURL))
	}
	return docs
}

func lookupSchemaDoc(urn, baseURL string) (map[string]any, error) {
	for _, doc := range schemaDocs(baseURL) {
		if doc["id"] == urn {
			return doc, nil
		}
	}
	return nil, scimerr.NotFound(fmt.Sprintf("schema %q not found", urn))
}

func schemaDoc(urn, name, description string, attrs []schema.Attribute, baseURL string) map[string]any {
	rendered := make([]any, 0, len(attrs))
	for i := range attrs {
		// Common attributes are implied by the protocol, not listed per
		// schema document.
		switch attrs[i].Name {
		case "id", "externalId", "meta":
			continue
		}
		rendered = append(rendered, attributeDoc(&attrs[i]))
	}
	return map[string]any{
		"schemas":     []string{"urn:ietf:params:scim:schemas:core:2.0:Schema"},
		"id":          urn,
		"name":        name,
		"description": description,
		"attributes":  rendered,
		"meta": map[string]any{
			"resourceType": "Schema",
			"location":     fmt.Sprintf("%s/Schemas/%s", baseURL, urn),
		},
	}
}

func attributeDoc(a *schema.Attribute) map[string]any {
	doc := map[string]any{
		"name":        a.Name,
		"type":        string(a.Type),
		"multiValued": a.MultiValued,
		"required":    a.Required,
		"caseExact":   a.CaseExact,
		"mutability":  string(a.Mutability),
		"returned":    string(a.Returned),
	}
	if a.Type != schema.TypeComplex {
		uniq := a.Uniqueness
		if uniq == "" {
			uniq = schema.UniqueNone
		}
		doc["uniqueness"] = string(uniq)
	}
	if len(a.CanonicalValues) > 0 {
		doc["canonicalValues"] = a.CanonicalValues
	}
	if len(a.SubAttributes) > 0 {
		subs := make([]any, 0, len(a.SubAttributes))
		for i := range a.SubAttributes {
			subs = append(subs, attributeDoc(&a.SubAttributes[i]))
		}
		doc["subAttributes"] = subs
	}
	return doc
}
