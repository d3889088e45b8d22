package scim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/patch"
	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
	"github.com/dhawalhost/scimgate/internal/store"
	"github.com/dhawalhost/scimgate/pkg/observability"
	"github.com/dhawalhost/scimgate/pkg/secrets"
)

var tracer = observability.Tracer("scimgate/scim")

// Service orchestrates resource operations between the protocol surface and
// the store.
type Service struct {
	store      store.Store
	hasher     secrets.Hasher
	logger     *zap.Logger
	maxResults int
}

func NewService(st store.Store, hasher secrets.Hasher, logger *zap.Logger, maxResults int) *Service {
	if maxResults <= 0 {
		maxResults = 200
	}
	return &Service{store: st, hasher: hasher, logger: logger, maxResults: maxResults}
}

// Scope is the per-request tenant context.
type Scope struct {
	TenantID uint32
	BaseURL  string
	Compat   config.Resolved
}

// Query carries the list parameters from either the query string or a
// .search body.
type Query struct {
	Filter             string
	SortBy             string
	SortOrder          string
	StartIndex         int
	Count              *int
	Attributes         []string
	ExcludedAttributes []string
}

func kindOf(rt *schema.ResourceType) store.Kind {
	if rt.Name == "Group" {
		return store.KindGroup
	}
	return store.KindUser
}

// Create validates and persists a new resource, returning the rendered
// document and its entity tag.
func (s *Service) Create(ctx context.Context, scope Scope, rt *schema.ResourceType, doc map[string]any, proj *projection) (map[string]any, string, error) {
	ctx, span := tracer.Start(ctx, "scim.create")
	defer span.End()
	doc = deepCopyMap(doc)
	schema.StripServerManaged(rt, doc)
	if err := schema.Validate(rt, doc); err != nil {
		return nil, "", err
	}
	members, err := s.extractMembers(ctx, scope, rt, doc)
	if err != nil {
		return nil, "", err
	}
	if err := s.hashPassword(doc, nil); err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	norm := schema.Normalize(rt, doc)
	res := &store.Resource{
		ID:         uuid.NewString(),
		NaturalKey: naturalKey(rt, norm),
		ExternalID: externalID(doc),
		DataOrig:   doc,
		DataNorm:   norm,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Members:    members,
	}
	if err := s.store.Create(ctx, scope.TenantID, kindOf(rt), res); err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	s.logger.Info("resource created",
		zap.Uint32("tenant", scope.TenantID),
		zap.String("type", rt.Name),
		zap.String("id", res.ID))
	return s.reload(ctx, scope, rt, res.ID, proj)
}

// Get fetches and renders one resource.
func (s *Service) Get(ctx context.Context, scope Scope, rt *schema.ResourceType, id string, proj *projection) (map[string]any, string, error) {
	res, err := s.store.Get(ctx, scope.TenantID, kindOf(rt), id)
	if err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	doc := render(rt, res, scope.BaseURL, scope.Compat)
	if proj != nil {
		proj.apply(rt, doc)
	}
	return doc, etag(res.Version), nil
}

// List runs a filtered, sorted, paged query.
func (s *Service) List(ctx context.Context, scope Scope, rt *schema.ResourceType, q Query) (*ListResponse, error) {
	ctx, span := tracer.Start(ctx, "scim.list")
	defer span.End()
	proj, err := newProjection(rt, q.Attributes, q.ExcludedAttributes)
	if err != nil {
		return nil, err
	}
	params := store.ListParams{StartIndex: q.StartIndex}
	if params.StartIndex < 1 {
		params.StartIndex = 1
	}
	params.Count = s.maxResults
	if q.Count != nil {
		params.Count = *q.Count
		if params.Count < 0 {
			params.Count = 0
		}
		if params.Count > s.maxResults {
			params.Count = s.maxResults
		}
	}
	if q.Filter != "" {
		expr, err := filter.Parse(q.Filter)
		if err != nil {
			return nil, err
		}
		if err := s.checkFilterToggles(rt, expr, scope.Compat); err != nil {
			return nil, err
		}
		params.Filter = expr
	}
	if q.SortBy != "" {
		if err := validateSortBy(rt, q.SortBy); err != nil {
			return nil, err
		}
		params.SortBy = q.SortBy
		switch strings.ToLower(q.SortOrder) {
		case "", "ascending":
		case "descending":
			params.Descending = true
		default:
			return nil, scimerr.InvalidValue(fmt.Sprintf("invalid sortOrder %q", q.SortOrder))
		}
	}

	result, err := s.store.List(ctx, scope.TenantID, kindOf(rt), params)
	if err != nil {
		return nil, s.mapStoreErr(rt, err)
	}
	resp := &ListResponse{
		Schemas:      []string{URNListResponse},
		TotalResults: result.Total,
		StartIndex:   params.StartIndex,
		ItemsPerPage: len(result.Resources),
		Resources:    []map[string]any{},
	}
	for _, res := range result.Resources {
		doc := render(rt, res, scope.BaseURL, scope.Compat)
		proj.apply(rt, doc)
		resp.Resources = append(resp.Resources, doc)
	}
	return resp, nil
}

// Replace is PUT: a full rewrite guarded by optimistic versioning.
func (s *Service) Replace(ctx context.Context, scope Scope, rt *schema.ResourceType, id string, doc map[string]any, ifMatch string, proj *projection) (map[string]any, string, error) {
	ctx, span := tracer.Start(ctx, "scim.replace")
	defer span.End()
	prev, err := s.store.Get(ctx, scope.TenantID, kindOf(rt), id)
	if err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	if err := checkIfMatch(ifMatch, prev.Version); err != nil {
		return nil, "", err
	}

	doc = deepCopyMap(doc)
	schema.StripServerManaged(rt, doc)
	if err := schema.Validate(rt, doc); err != nil {
		return nil, "", err
	}
	if err := schema.CheckImmutable(rt, prev.DataOrig, doc); err != nil {
		return nil, "", err
	}
	members, err := s.extractMembers(ctx, scope, rt, doc)
	if err != nil {
		return nil, "", err
	}
	if err := s.hashPassword(doc, prev.DataOrig); err != nil {
		return nil, "", err
	}

	norm := schema.Normalize(rt, doc)
	next := &store.Resource{
		ID:         id,
		NaturalKey: naturalKey(rt, norm),
		ExternalID: externalID(doc),
		DataOrig:   doc,
		DataNorm:   norm,
		UpdatedAt:  time.Now().UTC(),
		Members:    members,
	}
	if err := s.store.Replace(ctx, scope.TenantID, kindOf(rt), next, prev.Version); err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	return s.reload(ctx, scope, rt, id, proj)
}

// Patch applies a PatchOp message. The operations run against the stored
// document with group members folded in, so value paths address membership
// exactly like queries do. Every successful PATCH bumps the version, even
// when the outcome equals the prior state.
func (s *Service) Patch(ctx context.Context, scope Scope, rt *schema.ResourceType, id string, req *PatchRequest, ifMatch string, proj *projection) (map[string]any, string, error) {
	ctx, span := tracer.Start(ctx, "scim.patch")
	defer span.End()
	if !hasSchemaURN(req.Schemas, URNPatchOp) {
		return nil, "", scimerr.InvalidSyntax("request must declare the PatchOp schema")
	}
	prev, err := s.store.Get(ctx, scope.TenantID, kindOf(rt), id)
	if err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	if err := checkIfMatch(ifMatch, prev.Version); err != nil {
		return nil, "", err
	}

	working := deepCopyMap(prev.DataOrig)
	if rt.Name == "Group" {
		working["members"] = membersAsDoc(prev.Members)
	}
	it := &patch.Interpreter{
		Type:                   rt,
		AllowReplaceEmptyArray: scope.Compat.SupportPatchReplaceEmptyArray,
		AllowReplaceEmptyValue: scope.Compat.SupportPatchReplaceEmptyValue,
	}
	patched, err := it.Apply(working, req.Operations)
	if err != nil {
		return nil, "", err
	}
	if err := schema.Validate(rt, patched); err != nil {
		return nil, "", err
	}
	members, err := s.extractMembers(ctx, scope, rt, patched)
	if err != nil {
		return nil, "", err
	}
	if err := s.hashPassword(patched, prev.DataOrig); err != nil {
		return nil, "", err
	}

	norm := schema.Normalize(rt, patched)
	next := &store.Resource{
		ID:         id,
		NaturalKey: naturalKey(rt, norm),
		ExternalID: externalID(patched),
		DataOrig:   patched,
		DataNorm:   norm,
		UpdatedAt:  time.Now().UTC(),
		Members:    members,
	}
	if err := s.store.Replace(ctx, scope.TenantID, kindOf(rt), next, prev.Version); err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	return s.reload(ctx, scope, rt, id, proj)
}

// Delete removes a resource, honoring If-Match when present.
func (s *Service) Delete(ctx context.Context, scope Scope, rt *schema.ResourceType, id, ifMatch string) error {
	ctx, span := tracer.Start(ctx, "scim.delete")
	defer span.End()
	if ifMatch != "" {
		res, err := s.store.Get(ctx, scope.TenantID, kindOf(rt), id)
		if err != nil {
			return s.mapStoreErr(rt, err)
		}
		if err := checkIfMatch(ifMatch, res.Version); err != nil {
			return err
		}
	}
	if err := s.store.Delete(ctx, scope.TenantID, kindOf(rt), id); err != nil {
		return s.mapStoreErr(rt, err)
	}
	s.logger.Info("resource deleted",
		zap.Uint32("tenant", scope.TenantID),
		zap.String("type", rt.Name),
		zap.String("id", id))
	return nil
}

// reload re-reads a freshly written resource so the response reflects
// hydrated membership and store-assigned state.
func (s *Service) reload(ctx context.Context, scope Scope, rt *schema.ResourceType, id string, proj *projection) (map[string]any, string, error) {
	res, err := s.store.Get(ctx, scope.TenantID, kindOf(rt), id)
	if err != nil {
		return nil, "", s.mapStoreErr(rt, err)
	}
	doc := render(rt, res, scope.BaseURL, scope.Compat)
	if proj != nil {
		proj.apply(rt, doc)
	}
	return doc, etag(res.Version), nil
}

// extractMembers pulls the members array out of a group document, verifies
// each referenced resource exists, and leaves the document without it.
// Membership lives only in the join table.
func (s *Service) extractMembers(ctx context.Context, scope Scope, rt *schema.ResourceType, doc map[string]any) ([]store.Member, error) {
	if rt.Name != "Group" {
		return nil, nil
	}
	raw, ok := schema.FindKey(doc, "members")
	stripKey(doc, "members")
	if !ok {
		return nil, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, scimerr.InvalidValue("members must be an array")
	}
	var members []store.Member
	for _, el := range arr {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, scimerr.InvalidValue("members entries must be objects")
		}
		v, _ := schema.FindKey(obj, "value")
		id, ok := v.(string)
		if !ok || id == "" {
			return nil, scimerr.InvalidValue("members entries require a value")
		}
		typ := "User"
		if t, ok := schema.FindKey(obj, "type"); ok {
			ts, ok := t.(string)
			if !ok || (!strings.EqualFold(ts, "User") && !strings.EqualFold(ts, "Group")) {
				return nil, scimerr.InvalidValue(fmt.Sprintf("invalid member type for %q", id))
			}
			if strings.EqualFold(ts, "Group") {
				typ = "Group"
			}
		}
		kind := store.KindUser
		if typ == "Group" {
			kind = store.KindGroup
		}
		if _, err := s.store.Get(ctx, scope.TenantID, kind, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, scimerr.InvalidValue(fmt.Sprintf("member %q does not exist", id))
			}
			return nil, err
		}
		members = append(members, store.Member{Value: id, Type: typ})
	}
	return members, nil
}

// hashPassword replaces a cleartext password with its hash. On updates an
// unchanged value (the stored hash round-tripping through the client) is
// left alone.
func (s *Service) hashPassword(doc, prev map[string]any) error {
	raw, ok := schema.FindKey(doc, "password")
	if !ok {
		return nil
	}
	pw, ok := raw.(string)
	if !ok {
		return scimerr.InvalidValue("password must be a string")
	}
	if pw == "" {
		stripKey(doc, "password")
		return nil
	}
	if prev != nil {
		if old, ok := schema.FindKey(prev, "password"); ok {
			if oldHash, ok := old.(string); ok && oldHash == pw {
				return nil
			}
		}
	}
	hashed, err := s.hasher.Hash(pw)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	stripKey(doc, "password")
	doc["password"] = hashed
	return nil
}

func (s *Service) mapStoreErr(rt *schema.ResourceType, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return scimerr.NotFound(fmt.Sprintf("%s not found", rt.Name))
	case errors.Is(err, store.ErrDuplicate):
		return scimerr.Uniqueness(fmt.Sprintf("a %s with this %s already exists", rt.Name, naturalKeyAttr(rt)))
	case errors.Is(err, store.ErrVersionConflict):
		return scimerr.Conflict("the resource was modified concurrently")
	}
	return err
}

func naturalKeyAttr(rt *schema.ResourceType) string {
	if rt.Name == "Group" {
		return "displayName"
	}
	return "userName"
}

func naturalKey(rt *schema.ResourceType, norm map[string]any) string {
	v, _ := schema.FindKey(norm, strings.ToLower(naturalKeyAttr(rt)))
	s, _ := v.(string)
	return s
}

func externalID(doc map[string]any) string {
	v, ok := schema.FindKey(doc, "externalId")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// checkIfMatch enforces the If-Match precondition against the current
// version. A missing header skips the check.
func checkIfMatch(ifMatch string, version int64) error {
	if ifMatch == "" || ifMatch == "*" {
		return nil
	}
	for _, candidate := range strings.Split(ifMatch, ",") {
		if v, ok := parseETag(strings.TrimSpace(candidate)); ok && v == version {
			return nil
		}
	}
	return scimerr.PreconditionFailed("version mismatch")
}

func hasSchemaURN(schemas []string, urn string) bool {
	for _, s := range schemas {
		if strings.EqualFold(s, urn) {
			return true
		}
	}
	return false
}

func membersAsDoc(members []store.Member) []any {
	out := make([]any, 0, len(members))
	for _, m := range members {
		entry := map[string]any{"value": m.Value, "type": m.Type}
		if m.Display != "" {
			entry["display"] = m.Display
		}
		out = append(out, entry)
	}
	return out
}

// checkFilterToggles rejects filters a tenant has opted out of supporting.
func (s *Service) checkFilterToggles(rt *schema.ResourceType, expr filter.Expr, compat config.Resolved) error {
	if rt.Name != "Group" {
		return nil
	}
	if !compat.SupportGroupMembersFilter && referencesAttr(expr, "members") {
		return scimerr.InvalidFilter("filtering groups by members is not supported for this tenant")
	}
	if !compat.SupportGroupDisplaynameFilter && referencesAttr(expr, "displayName") {
		return scimerr.InvalidFilter("filtering groups by displayName is not supported for this tenant")
	}
	return nil
}

func referencesAttr(expr filter.Expr, attr string) bool {
	switch e := expr.(type) {
	case *filter.Logical:
		return referencesAttr(e.Left, attr) || referencesAttr(e.Right, attr)
	case *filter.Not:
		return referencesAttr(e.Inner, attr)
	case *filter.Compare:
		return strings.EqualFold(e.Path.Attr, attr)
	case *filter.Present:
		return strings.EqualFold(e.Path.Attr, attr)
	case *filter.ValuePath:
		return strings.EqualFold(e.Path.Attr, attr)
	}
	return false
}

func validateSortBy(rt *schema.ResourceType, sortBy string) error {
	switch strings.ToLower(sortBy) {
	case "id", "meta.created", "meta.lastmodified":
		return nil
	}
	path := sortBy
	urn := ""
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		i := strings.LastIndex(path, ":")
		urn, path = path[:i], path[i+1:]
	}
	if _, _, ok := rt.Lookup(urn, path); !ok {
		return scimerr.InvalidValue(fmt.Sprintf("unknown sortBy attribute %q", sortBy))
	}
	return nil
}
