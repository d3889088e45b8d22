// Package scim implements the protocol surface: request orchestration over
// the store, response shaping, projection, and the HTTP handlers.
package scim

import "github.com/dhawalhost/scimgate/internal/patch"

// MediaType is the SCIM media type. application/json is accepted on ingest.
const MediaType = "application/scim+json"

// Message schema URNs (RFC 7644 §8.2).
const (
	URNListResponse  = "urn:ietf:params:scim:api:messages:2.0:ListResponse"
	URNPatchOp       = "urn:ietf:params:scim:api:messages:2.0:PatchOp"
	URNError         = "urn:ietf:params:scim:api:messages:2.0:Error"
	URNSearchRequest = "urn:ietf:params:scim:api:messages:2.0:SearchRequest"
)

// ListResponse is the paged query envelope.
type ListResponse struct {
	Schemas      []string         `json:"schemas"`
	TotalResults int              `json:"totalResults"`
	StartIndex   int              `json:"startIndex"`
	ItemsPerPage int              `json:"itemsPerPage"`
	Resources    []map[string]any `json:"Resources"`
}

// ErrorResponse is the SCIM error document.
type ErrorResponse struct {
	Schemas  []string `json:"schemas"`
	Status   string   `json:"status"`
	ScimType string   `json:"scimType,omitempty"`
	Detail   string   `json:"detail,omitempty"`
}

// PatchRequest is the PatchOp message body.
type PatchRequest struct {
	Schemas    []string          `json:"schemas"`
	Operations []patch.Operation `json:"Operations"`
}

// SearchRequest is the POST /.search body, mirroring the query parameters.
type SearchRequest struct {
	Schemas            []string `json:"schemas"`
	Filter             string   `json:"filter,omitempty"`
	SortBy             string   `json:"sortBy,omitempty"`
	SortOrder          string   `json:"sortOrder,omitempty"`
	StartIndex         int      `json:"startIndex,omitempty"`
	Count              *int     `json:"count,omitempty"`
	Attributes         []string `json:"attributes,omitempty"`
	ExcludedAttributes []string `json:"excludedAttributes,omitempty"`
}
