package scimcore

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/marcelom97/scimcore/scim"
)

// discardLogger returns a no-op logger that discards all output
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Server binds HTTP verbs and URL segments to the scim library
// operations for every registered resource type.
type Server struct {
	baseURL string
	mux     *http.ServeMux
	etagGen *ETagGenerator
	logger  *slog.Logger
}

// NewServer creates a server over the registered resource types.
func NewServer(baseURL string) *Server {
	return NewServerWithLogger(baseURL, nil)
}

// NewServerWithLogger creates a server with an optional logger. Pass
// nil to disable logging.
func NewServerWithLogger(baseURL string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = discardLogger()
	}
	s := &Server{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		mux:     http.NewServeMux(),
		etagGen: NewETagGenerator(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// setupRoutes wires discovery endpoints, bulk, search, and one route
// set per registered resource type, using Go 1.22+ routing patterns.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /ServiceProviderConfig", s.handleServiceProviderConfig)
	s.mux.HandleFunc("GET /ResourceTypes", s.handleResourceTypes)
	s.mux.HandleFunc("GET /ResourceTypes/{name}", s.handleResourceType)
	s.mux.HandleFunc("GET /Schemas", s.handleSchemas)
	s.mux.HandleFunc("GET /Schemas/{id}", s.handleSchema)
	s.mux.HandleFunc("POST /Bulk", s.handleBulk)
	s.mux.HandleFunc("POST /.search", func(w http.ResponseWriter, r *http.Request) {
		s.handleSearch(w, r, nil)
	})

	for _, rt := range scim.RegisteredResourceTypes() {
		endpoint := strings.TrimSuffix(rt.Endpoint, "/")
		boundType := rt
		s.mux.HandleFunc("GET "+endpoint, func(w http.ResponseWriter, r *http.Request) {
			s.listResources(w, r, boundType)
		})
		s.mux.HandleFunc("POST "+endpoint, func(w http.ResponseWriter, r *http.Request) {
			s.createResource(w, r, boundType)
		})
		s.mux.HandleFunc("POST "+endpoint+"/.search", func(w http.ResponseWriter, r *http.Request) {
			s.handleSearch(w, r, boundType)
		})
		s.mux.HandleFunc("GET "+endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.getResource(w, r, boundType, r.PathValue("id"))
		})
		s.mux.HandleFunc("PUT "+endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.replaceResource(w, r, boundType, r.PathValue("id"))
		})
		s.mux.HandleFunc("PATCH "+endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.patchResource(w, r, boundType, r.PathValue("id"))
		})
		s.mux.HandleFunc("DELETE "+endpoint+"/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.deleteResource(w, r, boundType, r.PathValue("id"))
		})
	}
}

// WriteJSON writes a response with the SCIM media type.
func (s *Server) WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/scim+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes a SCIM error envelope derived from any error.
func (s *Server) WriteError(w http.ResponseWriter, err error) {
	envelope := scim.NewErrorResponse(err)
	s.WriteJSON(w, envelope.Status, envelope)
}

// ParseQueryParams extracts SCIM query parameters from the request.
// attributes and excludedAttributes are mutually exclusive per RFC
// 7644 Section 3.9.
func (s *Server) ParseQueryParams(r *http.Request) (scim.QueryParams, error) {
	params := scim.QueryParams{
		StartIndex: 1,
		Count:      100,
		SortOrder:  "ascending",
	}
	if maxResults := scim.ServiceConfig().Filter.MaxResults; maxResults > 0 && maxResults < params.Count {
		params.Count = maxResults
	}

	query := r.URL.Query()
	params.Filter = query.Get("filter")

	if attrs := query.Get("attributes"); attrs != "" {
		params.Attributes = splitList(attrs)
	}
	if excluded := query.Get("excludedAttributes"); excluded != "" {
		params.ExcludedAttr = splitList(excluded)
	}
	if len(params.Attributes) > 0 && len(params.ExcludedAttr) > 0 {
		return params, scim.ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}

	if startIndex := query.Get("startIndex"); startIndex != "" {
		if idx, err := strconv.Atoi(startIndex); err == nil && idx > 0 {
			params.StartIndex = idx
		}
	}
	if count := query.Get("count"); count != "" {
		if c, err := strconv.Atoi(count); err == nil && c >= 0 {
			params.Count = c
		}
	}
	params.SortBy = query.Get("sortBy")
	if sortOrder := query.Get("sortOrder"); sortOrder != "" {
		params.SortOrder = strings.ToLower(sortOrder)
	}
	return params, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// resourceLocation returns the absolute location URL for a resource.
func (s *Server) resourceLocation(rt *scim.ResourceType, id string) string {
	return s.baseURL + strings.TrimSuffix(rt.Endpoint, "/") + "/" + id
}

// handleServiceProviderConfig handles GET /ServiceProviderConfig
func (s *Server) handleServiceProviderConfig(w http.ResponseWriter, r *http.Request) {
	cfg := scim.ServiceConfig()
	encoded, err := json.Marshal(cfg)
	if err != nil {
		s.WriteError(w, scim.ErrInternalServer(err.Error()))
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		s.WriteError(w, scim.ErrInternalServer(err.Error()))
		return
	}
	doc["schemas"] = []string{scim.SchemaServiceProviderConfig}
	s.WriteJSON(w, http.StatusOK, doc)
}

// handleResourceTypes handles GET /ResourceTypes
func (s *Server) handleResourceTypes(w http.ResponseWriter, r *http.Request) {
	if err := s.rejectFilter(r); err != nil {
		s.WriteError(w, err)
		return
	}
	types := scim.RegisteredResourceTypes()
	resources := make([]any, len(types))
	for i, rt := range types {
		resources[i] = rt
	}
	s.WriteJSON(w, http.StatusOK, map[string]any{
		"schemas":      []string{scim.SchemaListResponse},
		"totalResults": len(resources),
		"startIndex":   1,
		"itemsPerPage": len(resources),
		"Resources":    resources,
	})
}

// handleResourceType handles GET /ResourceTypes/{name}
func (s *Server) handleResourceType(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	rt, ok := scim.LookupResourceType(name)
	if !ok {
		s.WriteError(w, scim.ErrNotFound("ResourceType", name))
		return
	}
	s.WriteJSON(w, http.StatusOK, rt)
}

// handleSchemas handles GET /Schemas
func (s *Server) handleSchemas(w http.ResponseWriter, r *http.Request) {
	if err := s.rejectFilter(r); err != nil {
		s.WriteError(w, err)
		return
	}
	defs := scim.RegisteredSchemas()
	resources := make([]any, len(defs))
	for i, def := range defs {
		resources[i] = def
	}
	s.WriteJSON(w, http.StatusOK, map[string]any{
		"schemas":      []string{scim.SchemaListResponse},
		"totalResults": len(resources),
		"startIndex":   1,
		"itemsPerPage": len(resources),
		"Resources":    resources,
	})
}

// handleSchema handles GET /Schemas/{id}
func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, ok := scim.LookupSchema(id)
	if !ok {
		s.WriteError(w, scim.ErrNotFound("Schema", id))
		return
	}
	s.WriteJSON(w, http.StatusOK, def)
}

// rejectFilter rejects filter parameters on discovery endpoints.
func (s *Server) rejectFilter(r *http.Request) error {
	if r.URL.Query().Get("filter") != "" {
		return scim.ErrInvalidFilter("filtering is not supported on this endpoint")
	}
	return nil
}

// handleBulk handles POST /Bulk
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if !scim.ServiceConfig().Bulk.Supported {
		s.WriteError(w, scim.ErrNotImplemented("bulk"))
		return
	}
	var request scim.BulkRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.WriteError(w, scim.ErrInvalidSyntax("invalid JSON"))
		return
	}
	response, err := request.Apply(r.Context(), s.baseURL)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	s.WriteJSON(w, http.StatusOK, response)
}

// handleSearch handles POST /.search and POST /{endpoint}/.search. A
// nil resource type searches every registered type.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType) {
	var request scim.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.WriteError(w, scim.ErrInvalidSyntax("invalid JSON"))
		return
	}
	if len(request.Schemas) != 1 || request.Schemas[0] != scim.SchemaSearchRequest {
		s.WriteError(w, scim.ErrInvalidValue(fmt.Sprintf("search request must declare schema %q", scim.SchemaSearchRequest)))
		return
	}
	params := scim.QueryParams{
		Filter:       request.Filter,
		Attributes:   request.Attributes,
		ExcludedAttr: request.ExcludedAttributes,
		StartIndex:   request.StartIndex,
		Count:        request.Count,
		SortBy:       request.SortBy,
		SortOrder:    request.SortOrder,
	}
	if params.StartIndex == 0 {
		params.StartIndex = 1
	}
	if params.Count == 0 {
		params.Count = 100
	}

	targets := []*scim.ResourceType{rt}
	if rt == nil {
		targets = scim.RegisteredResourceTypes()
	}
	var combined []map[string]any
	for _, target := range targets {
		resource, err := target.Query(params)
		if err != nil {
			s.WriteError(w, err)
			return
		}
		resource.Basepath = s.baseURL + strings.TrimSuffix(target.Endpoint, "/")
		// Pagination is applied once over the combined set.
		resource.StartIndex = 1
		resource.Count = 0
		_, list, err := resource.Read(r.Context())
		if err != nil {
			s.WriteError(w, err)
			return
		}
		combined = append(combined, list.Resources...)
	}

	list, err := scim.NewListResponse(combined, scim.ListOptions{
		SortBy:     params.SortBy,
		SortOrder:  params.SortOrder,
		StartIndex: params.StartIndex,
		Count:      params.Count,
	})
	if err != nil {
		s.WriteError(w, err)
		return
	}
	s.WriteJSON(w, http.StatusOK, list)
}

// listResources handles GET /{endpoint}
func (s *Server) listResources(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType) {
	params, err := s.ParseQueryParams(r)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	resource, err := rt.Query(params)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	_, list, err := resource.Read(r.Context())
	if err != nil {
		s.WriteError(w, err)
		return
	}
	s.WriteJSON(w, http.StatusOK, list)
}

// createResource handles POST /{endpoint}
func (s *Server) createResource(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType) {
	var instance map[string]any
	if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
		s.WriteError(w, scim.ErrInvalidSyntax("invalid JSON"))
		return
	}
	resource := rt.Resource("")
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	created, err := resource.Write(r.Context(), instance)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	id, _ := created["id"].(string)
	location := s.resourceLocation(rt, id)
	w.Header().Set("Location", location)

	etag, err := s.etagGen.Generate(created)
	if err != nil {
		s.WriteError(w, scim.ErrInternalServer("failed to generate ETag"))
		return
	}
	UpdateDocVersion(created, etag)
	s.etagGen.SetETag(w, etag)
	s.WriteJSON(w, http.StatusCreated, created)
}

// getResource handles GET /{endpoint}/{id}
func (s *Server) getResource(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType, id string) {
	params, err := s.ParseQueryParams(r)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	resource, err := rt.Resource(id).WithParams(params)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	doc, _, err := resource.Read(r.Context())
	if err != nil {
		s.WriteError(w, err)
		return
	}

	etag, err := s.etagGen.Generate(doc)
	if err != nil {
		s.WriteError(w, scim.ErrInternalServer("failed to generate ETag"))
		return
	}
	if status, err := s.etagGen.CheckPreconditions(r, etag); err != nil && status == http.StatusNotModified {
		s.etagGen.SetETag(w, etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	UpdateDocVersion(doc, etag)
	s.etagGen.SetETag(w, etag)
	s.WriteJSON(w, http.StatusOK, doc)
}

// replaceResource handles PUT /{endpoint}/{id}
func (s *Server) replaceResource(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType, id string) {
	if err := s.checkWritePrecondition(r, rt, id); err != nil {
		s.WriteError(w, err)
		return
	}
	var instance map[string]any
	if err := json.NewDecoder(r.Body).Decode(&instance); err != nil {
		s.WriteError(w, scim.ErrInvalidSyntax("invalid JSON"))
		return
	}
	resource := rt.Resource(id)
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	updated, err := resource.Write(r.Context(), instance)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	etag, err := s.etagGen.Generate(updated)
	if err != nil {
		s.WriteError(w, scim.ErrInternalServer("failed to generate ETag"))
		return
	}
	UpdateDocVersion(updated, etag)
	s.etagGen.SetETag(w, etag)
	s.WriteJSON(w, http.StatusOK, updated)
}

// patchResource handles PATCH /{endpoint}/{id}
func (s *Server) patchResource(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType, id string) {
	if err := s.checkWritePrecondition(r, rt, id); err != nil {
		s.WriteError(w, err)
		return
	}
	var message scim.PatchOp
	if err := json.NewDecoder(r.Body).Decode(&message); err != nil {
		s.WriteError(w, scim.ErrInvalidSyntax("invalid JSON"))
		return
	}
	resource := rt.Resource(id)
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	patched, err := resource.Patch(r.Context(), &message)
	if err != nil {
		s.WriteError(w, err)
		return
	}
	if patched == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	etag, err := s.etagGen.Generate(patched)
	if err != nil {
		s.WriteError(w, scim.ErrInternalServer("failed to generate ETag"))
		return
	}
	UpdateDocVersion(patched, etag)
	s.etagGen.SetETag(w, etag)
	s.WriteJSON(w, http.StatusOK, patched)
}

// deleteResource handles DELETE /{endpoint}/{id}
func (s *Server) deleteResource(w http.ResponseWriter, r *http.Request, rt *scim.ResourceType, id string) {
	if err := s.checkWritePrecondition(r, rt, id); err != nil {
		s.WriteError(w, err)
		return
	}
	if err := rt.Resource(id).Dispose(r.Context()); err != nil {
		s.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkWritePrecondition enforces If-Match on mutating verbs when the
// client sent one.
func (s *Server) checkWritePrecondition(r *http.Request, rt *scim.ResourceType, id string) error {
	if r.Header.Get("If-Match") == "" && r.Header.Get("If-None-Match") == "" {
		return nil
	}
	resource := rt.Resource(id)
	resource.Basepath = s.baseURL + strings.TrimSuffix(rt.Endpoint, "/")
	current, _, err := resource.Read(r.Context())
	if err != nil {
		return err
	}
	etag, err := s.etagGen.Generate(current)
	if err != nil {
		return scim.ErrInternalServer("failed to generate ETag")
	}
	if status, err := s.etagGen.CheckPreconditions(r, etag); err != nil && status == http.StatusPreconditionFailed {
		return scim.ErrPreconditionFailed(err.Error())
	}
	return nil
}
