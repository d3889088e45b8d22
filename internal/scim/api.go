package scim

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dhawalhost/scimgate/internal/config"
	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
	"github.com/dhawalhost/scimgate/internal/tenant"
	"github.com/dhawalhost/scimgate/pkg/observability"
)

// HTTPHandler serves the SCIM endpoints. Tenant paths are dynamic
// configuration, so requests are dispatched from a NoRoute front controller
// rather than static routes.
type HTTPHandler struct {
	svc      *Service
	resolver *tenant.Resolver
	compat   config.Compatibility
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewHTTPHandler(svc *Service, resolver *tenant.Resolver, compat config.Compatibility, logger *zap.Logger, metrics *observability.Metrics) *HTTPHandler {
	return &HTTPHandler{svc: svc, resolver: resolver, compat: compat, logger: logger, metrics: metrics}
}

// Register installs the fixed routes and the tenant dispatcher.
func (h *HTTPHandler) Register(r *gin.Engine) {
	live := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	r.GET("/", live)
	r.GET("/health", live)
	r.GET("/metrics", gin.WrapH(observability.PrometheusHandler()))
	r.NoRoute(h.dispatch)
}

func (h *HTTPHandler) dispatch(c *gin.Context) {
	start := time.Now()
	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-Id", requestID)

	match, err := h.resolver.Resolve(tenant.FromRequest(c.Request))
	if err != nil {
		h.respondError(c, err)
		h.finish(c, start, requestID, 0, "none")
		return
	}
	t := match.Tenant

	if ep := customEndpoint(t, match.Rest); ep != nil {
		h.serveCustom(c, t, ep)
		h.finish(c, start, requestID, t.ID, "custom")
		return
	}

	if challenge, err := tenant.Authenticate(&t.Auth, c.GetHeader("Authorization")); err != nil {
		if challenge != "" {
			c.Header("WWW-Authenticate", fmt.Sprintf(`%s realm="scim"`, challenge))
		}
		h.respondError(c, err)
		h.finish(c, start, requestID, t.ID, "auth")
		return
	}

	if err := checkContentType(c); err != nil {
		h.respondError(c, err)
		h.finish(c, start, requestID, t.ID, "media")
		return
	}

	scope := Scope{
		TenantID: t.ID,
		BaseURL:  match.BaseURL,
		Compat:   h.compat.Effective(t.Compatibility),
	}
	resource := h.route(c, scope, match.Rest)
	h.finish(c, start, requestID, t.ID, resource)
}

// route maps the path remainder after the tenant prefix onto an operation
// and returns the resource label for metrics.
func (h *HTTPHandler) route(c *gin.Context, scope Scope, rest string) string {
	segs := splitPath(rest)
	if len(segs) == 0 {
		h.respondError(c, scimerr.NotFound("no resource at the tenant root"))
		return "root"
	}

	switch {
	case strings.EqualFold(segs[0], "ServiceProviderConfig") && len(segs) == 1:
		h.requireGet(c, func() {
			h.respond(c, http.StatusOK, serviceProviderConfig(scope.BaseURL))
		})
		return "ServiceProviderConfig"
	case strings.EqualFold(segs[0], "ResourceTypes"):
		h.requireGet(c, func() { h.serveResourceTypes(c, scope, segs[1:]) })
		return "ResourceTypes"
	case strings.EqualFold(segs[0], "Schemas"):
		h.requireGet(c, func() { h.serveSchemas(c, scope, segs[1:]) })
		return "Schemas"
	}

	rt, ok := resourceTypeForSegment(segs[0])
	if !ok {
		h.respondError(c, scimerr.NotFound(fmt.Sprintf("unknown endpoint %q", segs[0])))
		return "unknown"
	}
	switch {
	case len(segs) == 1:
		switch c.Request.Method {
		case http.MethodGet:
			h.list(c, scope, rt)
		case http.MethodPost:
			h.create(c, scope, rt)
		default:
			h.methodNotAllowed(c, "GET, POST")
		}
	case len(segs) == 2 && segs[1] == ".search":
		if c.Request.Method != http.MethodPost {
			h.methodNotAllowed(c, "POST")
			return rt.Name
		}
		h.search(c, scope, rt)
	case len(segs) == 2:
		id := segs[1]
		switch c.Request.Method {
		case http.MethodGet:
			h.get(c, scope, rt, id)
		case http.MethodPut:
			h.replace(c, scope, rt, id)
		case http.MethodPatch:
			h.patch(c, scope, rt, id)
		case http.MethodDelete:
			h.delete(c, scope, rt, id)
		default:
			h.methodNotAllowed(c, "GET, PUT, PATCH, DELETE")
		}
	default:
		h.respondError(c, scimerr.NotFound("resource paths have a single id segment"))
	}
	return rt.Name
}

func (h *HTTPHandler) list(c *gin.Context, scope Scope, rt *schema.ResourceType) {
	q, err := queryFromParams(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	resp, err := h.svc.List(c.Request.Context(), scope, rt, q)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, resp)
}

func (h *HTTPHandler) search(c *gin.Context, scope Scope, rt *schema.ResourceType) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, scimerr.InvalidSyntax("malformed search request"))
		return
	}
	if !hasSchemaURN(req.Schemas, URNSearchRequest) {
		h.respondError(c, scimerr.InvalidSyntax("request must declare the SearchRequest schema"))
		return
	}
	resp, err := h.svc.List(c.Request.Context(), scope, rt, Query{
		Filter:             req.Filter,
		SortBy:             req.SortBy,
		SortOrder:          req.SortOrder,
		StartIndex:         req.StartIndex,
		Count:              req.Count,
		Attributes:         req.Attributes,
		ExcludedAttributes: req.ExcludedAttributes,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respond(c, http.StatusOK, resp)
}

func (h *HTTPHandler) create(c *gin.Context, scope Scope, rt *schema.ResourceType) {
	doc, proj, err := h.bindResource(c, rt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rendered, tag, err := h.svc.Create(c.Request.Context(), scope, rt, doc, proj)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("ETag", tag)
	if meta, ok := rendered["meta"].(map[string]any); ok {
		if loc, ok := meta["location"].(string); ok {
			c.Header("Location", loc)
		}
	}
	h.respond(c, http.StatusCreated, rendered)
}

func (h *HTTPHandler) get(c *gin.Context, scope Scope, rt *schema.ResourceType, id string) {
	proj, err := projectionFromParams(c, rt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rendered, tag, err := h.svc.Get(c.Request.Context(), scope, rt, id, proj)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if noneMatch := c.GetHeader("If-None-Match"); noneMatch != "" {
		if v, ok := parseETag(strings.TrimSpace(noneMatch)); ok {
			if current, ok2 := parseETag(tag); ok2 && v == current {
				c.Header("ETag", tag)
				c.Status(http.StatusNotModified)
				return
			}
		}
	}
	c.Header("ETag", tag)
	h.respond(c, http.StatusOK, rendered)
}

func (h *HTTPHandler) replace(c *gin.Context, scope Scope, rt *schema.ResourceType, id string) {
	doc, proj, err := h.bindResource(c, rt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rendered, tag, err := h.svc.Replace(c.Request.Context(), scope, rt, id, doc, c.GetHeader("If-Match"), proj)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("ETag", tag)
	h.respond(c, http.StatusOK, rendered)
}

func (h *HTTPHandler) patch(c *gin.Context, scope Scope, rt *schema.ResourceType, id string) {
	var req PatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, scimerr.InvalidSyntax("malformed patch request"))
		return
	}
	proj, err := projectionFromParams(c, rt)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rendered, tag, err := h.svc.Patch(c.Request.Context(), scope, rt, id, &req, c.GetHeader("If-Match"), proj)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Header("ETag", tag)
	h.respond(c, http.StatusOK, rendered)
}

func (h *HTTPHandler) delete(c *gin.Context, scope Scope, rt *schema.ResourceType, id string) {
	if err := h.svc.Delete(c.Request.Context(), scope, rt, id, c.GetHeader("If-Match")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) serveResourceTypes(c *gin.Context, scope Scope, rest []string) {
	switch len(rest) {
	case 0:
		docs := resourceTypeDocs(scope.BaseURL)
		h.respond(c, http.StatusOK, listEnvelope(docs))
	case 1:
		doc, err := lookupResourceTypeDoc(rest[0], scope.BaseURL)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.respond(c, http.StatusOK, doc)
	default:
		h.respondError(c, scimerr.NotFound("not found"))
	}
}

func (h *HTTPHandler) serveSchemas(c *gin.Context, scope Scope, rest []string) {
	switch len(rest) {
	case 0:
		h.respond(c, http.StatusOK, listEnvelope(schemaDocs(scope.BaseURL)))
	case 1:
		doc, err := lookupSchemaDoc(rest[0], scope.BaseURL)
		if err != nil {
			h.respondError(c, err)
			return
		}
		h.respond(c, http.StatusOK, doc)
	default:
		h.respondError(c, scimerr.NotFound("not found"))
	}
}

func (h *HTTPHandler) serveCustom(c *gin.Context, t *config.Tenant, ep *config.CustomEndpoint) {
	auth := ep.EffectiveAuth(t)
	if challenge, err := tenant.Authenticate(auth, c.GetHeader("Authorization")); err != nil {
		if challenge != "" {
			c.Header("WWW-Authenticate", fmt.Sprintf(`%s realm="scim"`, challenge))
		}
		h.respondError(c, err)
		return
	}
	c.Data(ep.StatusCode, ep.ContentType, []byte(ep.Response))
}

// bindResource decodes a resource body and the projection parameters.
func (h *HTTPHandler) bindResource(c *gin.Context, rt *schema.ResourceType) (map[string]any, *projection, error) {
	var doc map[string]any
	if err := c.ShouldBindJSON(&doc); err != nil {
		return nil, nil, scimerr.InvalidSyntax("request body is not a JSON object")
	}
	proj, err := projectionFromParams(c, rt)
	if err != nil {
		return nil, nil, err
	}
	return doc, proj, nil
}

func (h *HTTPHandler) respond(c *gin.Context, status int, body any) {
	c.Header("Content-Type", MediaType)
	c.JSON(status, body)
}

func (h *HTTPHandler) respondError(c *gin.Context, err error) {
	e := scimerr.FromErr(err)
	if e.Status >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.respond(c, e.Status, ErrorResponse{
		Schemas:  []string{URNError},
		Status:   strconv.Itoa(e.Status),
		ScimType: e.ScimType,
		Detail:   e.Detail,
	})
}

func (h *HTTPHandler) requireGet(c *gin.Context, fn func()) {
	if c.Request.Method != http.MethodGet {
		h.methodNotAllowed(c, "GET")
		return
	}
	fn()
}

func (h *HTTPHandler) methodNotAllowed(c *gin.Context, allow string) {
	c.Header("Allow", allow)
	h.respondError(c, &scimerr.Error{Status: http.StatusMethodNotAllowed, Detail: "method not allowed"})
}

func (h *HTTPHandler) finish(c *gin.Context, start time.Time, requestID string, tenantID uint32, resource string) {
	elapsed := time.Since(start)
	tenantLabel := ""
	if tenantID != 0 {
		tenantLabel = strconv.FormatUint(uint64(tenantID), 10)
	}
	if h.metrics != nil {
		h.metrics.Observe(c.Writer.Status(), c.Request.Method, tenantLabel, resource, elapsed)
		c.Set("scim_metrics_recorded", true)
	}
	h.logger.Info("request",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Uint32("tenant", tenantID),
		zap.Duration("elapsed", elapsed))
}

func customEndpoint(t *config.Tenant, rest string) *config.CustomEndpoint {
	for i := range t.CustomEndpoints {
		if t.CustomEndpoints[i].Path == rest {
			return &t.CustomEndpoints[i]
		}
	}
	return nil
}

func checkContentType(c *gin.Context) error {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil
	}
	ct := c.ContentType()
	switch ct {
	case "", "application/json", MediaType:
		return nil
	}
	return &scimerr.Error{
		Status: http.StatusUnsupportedMediaType,
		Detail: fmt.Sprintf("unsupported content type %q", ct),
	}
}

func resourceTypeForSegment(seg string) (*schema.ResourceType, bool) {
	switch {
	case strings.EqualFold(seg, "Users"):
		return schema.User(), true
	case strings.EqualFold(seg, "Groups"):
		return schema.Group(), true
	}
	return nil, false
}

func splitPath(rest string) []string {
	var segs []string
	for _, seg := range strings.Split(rest, "/") {
		if seg != "" {
			segs = append(segs, seg)
		}
	}
	return segs
}

func queryFromParams(c *gin.Context) (Query, error) {
	q := Query{
		Filter:    c.Query("filter"),
		SortBy:    c.Query("sortBy"),
		SortOrder: c.Query("sortOrder"),
	}
	if raw := c.Query("startIndex"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, scimerr.InvalidValue("startIndex must be an integer")
		}
		q.StartIndex = n
	}
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, scimerr.InvalidValue("count must be an integer")
		}
		q.Count = &n
	}
	if raw := c.Query("attributes"); raw != "" {
		q.Attributes = []string{raw}
	}
	if raw := c.Query("excludedAttributes"); raw != "" {
		q.ExcludedAttributes = []string{raw}
	}
	return q, nil
}

func projectionFromParams(c *gin.Context, rt *schema.ResourceType) (*projection, error) {
	var attrs, excluded []string
	if raw := c.Query("attributes"); raw != "" {
		attrs = []string{raw}
	}
	if raw := c.Query("excludedAttributes"); raw != "" {
		excluded = []string{raw}
	}
	return newProjection(rt, attrs, excluded)
}

// listEnvelope wraps discovery documents in a ListResponse.
func listEnvelope(docs []map[string]any) *ListResponse {
	return &ListResponse{
		Schemas:      []string{URNListResponse},
		TotalResults: len(docs),
		StartIndex:   1,
		ItemsPerPage: len(docs),
		Resources:    docs,
	}
}
