package scim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Handler hooks supplied by the host. Egress reads resources, ingress
// creates or updates one, degress deletes one. Handlers return SCIM
// errors to control the response status; any other error is mapped by
// the façade.
type (
	EgressHandler  func(ctx context.Context, r *Resource) ([]map[string]any, error)
	IngressHandler func(ctx context.Context, r *Resource, instance map[string]any) (map[string]any, error)
	DegressHandler func(ctx context.Context, r *Resource) error
)

// ResourceType binds an endpoint path, a primary SchemaDefinition,
// zero or more extension SchemaDefinitions, and the three persistence
// handlers.
type ResourceType struct {
	Name        string
	Description string
	Endpoint    string
	Schema      *SchemaDefinition

	egress  EgressHandler
	ingress IngressHandler
	degress DegressHandler

	// disableFilter marks resource types that reject the filter query
	// parameter (Schema, ResourceType, ServiceProviderConfig).
	disableFilter bool
}

// NewResourceType declares a resource type over a schema definition.
func NewResourceType(name, endpoint, description string, def *SchemaDefinition) *ResourceType {
	return &ResourceType{
		Name:        name,
		Description: description,
		Endpoint:    endpoint,
		Schema:      def,
	}
}

// Extend attaches a schema extension to the resource type's schema.
func (t *ResourceType) Extend(def *SchemaDefinition, required bool) *ResourceType {
	if err := t.Schema.Extend(def, required); err != nil {
		panic(err)
	}
	return t
}

// SetEgress installs the read handler.
func (t *ResourceType) SetEgress(fn EgressHandler) *ResourceType {
	t.egress = fn
	return t
}

// SetIngress installs the create/update handler.
func (t *ResourceType) SetIngress(fn IngressHandler) *ResourceType {
	t.ingress = fn
	return t
}

// SetDegress installs the delete handler.
func (t *ResourceType) SetDegress(fn DegressHandler) *ResourceType {
	t.degress = fn
	return t
}

// DisableFiltering makes the resource type reject non-empty filter
// parameters.
func (t *ResourceType) DisableFiltering() *ResourceType {
	t.disableFilter = true
	return t
}

// MarshalJSON serialises the resource type for the /ResourceTypes
// discovery endpoint.
func (t *ResourceType) MarshalJSON() ([]byte, error) {
	type extensionRef struct {
		Schema   string `json:"schema"`
		Required bool   `json:"required"`
	}
	refs := make([]extensionRef, 0, len(t.Schema.Extensions()))
	for _, ext := range t.Schema.Extensions() {
		refs = append(refs, extensionRef{Schema: ext.Definition.ID, Required: ext.Required})
	}
	return json.Marshal(struct {
		Schemas          []string       `json:"schemas"`
		ID               string         `json:"id"`
		Name             string         `json:"name"`
		Endpoint         string         `json:"endpoint"`
		Description      string         `json:"description,omitempty"`
		Schema           string         `json:"schema"`
		SchemaExtensions []extensionRef `json:"schemaExtensions,omitempty"`
	}{
		Schemas:          []string{SchemaResourceType},
		ID:               t.Name,
		Name:             t.Name,
		Endpoint:         t.Endpoint,
		Description:      t.Description,
		Schema:           t.Schema.ID,
		SchemaExtensions: refs,
	})
}

// Resource is the per-request façade: it holds the compiled query
// parameters and delegates to the resource type's handlers.
type Resource struct {
	Type *ResourceType
	ID   string

	Filter     *Filter
	projection *Filter
	SortBy     string
	SortOrder  string
	StartIndex int
	Count      int

	// Basepath feeds meta.location on coerced output.
	Basepath string
}

// Resource constructs a façade addressing one resource by id.
func (t *ResourceType) Resource(id string) *Resource {
	return &Resource{Type: t, ID: id}
}

// Query constructs a façade from query parameters, compiling the
// filter and the attribute selection.
func (t *ResourceType) Query(params QueryParams) (*Resource, error) {
	r := &Resource{
		Type:       t,
		SortBy:     params.SortBy,
		SortOrder:  params.SortOrder,
		StartIndex: params.StartIndex,
		Count:      params.Count,
	}
	if params.Filter != "" {
		if t.disableFilter {
			return nil, ErrInvalidFilter(fmt.Sprintf("%s does not support filtering", t.Name))
		}
		filter, err := ParseFilter(params.Filter)
		if err != nil {
			return nil, err
		}
		r.Filter = filter
	}
	if len(params.Attributes) > 0 && len(params.ExcludedAttr) > 0 {
		return nil, ErrInvalidValue("attributes and excludedAttributes are mutually exclusive")
	}
	r.projection = NewProjection(params.Attributes, params.ExcludedAttr)
	return r, nil
}

// WithParams applies query parameters to an id-addressed resource.
func (r *Resource) WithParams(params QueryParams) (*Resource, error) {
	compiled, err := r.Type.Query(params)
	if err != nil {
		return nil, err
	}
	compiled.ID = r.ID
	compiled.Basepath = r.Basepath
	return compiled, nil
}

// Read fetches resources through the egress handler. With an id it
// returns the single addressed resource; without one it wraps the
// handler's results in a ListResponse, applying filter, sort, and
// pagination.
func (r *Resource) Read(ctx context.Context) (map[string]any, *ListResponse, error) {
	if r.Type.egress == nil {
		return nil, nil, ErrNotImplemented("read")
	}
	results, err := r.Type.egress(ctx, r)
	if err != nil {
		return nil, nil, r.mapHandlerError(err)
	}
	if r.ID != "" {
		if len(results) == 0 {
			return nil, nil, ErrNotFound(r.Type.Name, r.ID)
		}
		doc, err := r.coerceOut(results[0])
		if err != nil {
			return nil, nil, err
		}
		return doc, nil, nil
	}

	matched := results
	if r.Filter != nil {
		matched = r.Filter.Match(results)
	}
	coerced := make([]map[string]any, 0, len(matched))
	for _, raw := range matched {
		doc, err := r.coerceOut(raw)
		if err != nil {
			return nil, nil, err
		}
		coerced = append(coerced, doc)
	}
	list, err := NewListResponse(coerced, ListOptions{
		SortBy:     r.SortBy,
		SortOrder:  r.SortOrder,
		StartIndex: r.StartIndex,
		Count:      r.Count,
	})
	if err != nil {
		return nil, nil, err
	}
	return nil, list, nil
}

// Write coerces an instance inbound, hands it to the ingress handler,
// and coerces the handler's result outbound. An addressed write checks
// the inbound document against the existing one first: immutable
// attributes must be absent or equal to their stored value.
func (r *Resource) Write(ctx context.Context, instance map[string]any) (map[string]any, error) {
	if r.Type.ingress == nil {
		return nil, ErrNotImplemented("write")
	}
	if instance == nil {
		return nil, ErrInvalidValue(fmt.Sprintf("%s write expects an object", r.Type.Name))
	}
	inbound, err := r.Type.Schema.Coerce(instance, DirectionIn, "", nil)
	if err != nil {
		return nil, err
	}
	if r.ID != "" {
		inbound["id"] = r.ID
		if r.Type.egress != nil {
			// A failing egress means there is no baseline to protect;
			// whether the write may create the resource is the
			// handler's decision.
			if existing, err := r.Type.egress(ctx, r); err == nil && len(existing) > 0 {
				if err := checkImmutability(r.Type.Schema, existing[0], inbound); err != nil {
					return nil, err
				}
			}
		}
	}
	stored, err := r.Type.ingress(ctx, r, inbound)
	if err != nil {
		return nil, r.mapHandlerError(err)
	}
	return r.coerceOut(stored)
}

// Patch applies a PatchOp message, using the egress state as the
// baseline and the ingress handler as the commit. A nil result means
// the operations did not modify the resource.
func (r *Resource) Patch(ctx context.Context, message *PatchOp) (map[string]any, error) {
	if r.ID == "" {
		return nil, ErrNoTarget(fmt.Sprintf("%s patch requires a resource id", r.Type.Name))
	}
	if r.Type.egress == nil || r.Type.ingress == nil {
		return nil, ErrNotImplemented("patch")
	}
	results, err := r.Type.egress(ctx, r)
	if err != nil {
		return nil, r.mapHandlerError(err)
	}
	if len(results) == 0 {
		return nil, ErrNotFound(r.Type.Name, r.ID)
	}
	patched, err := message.Apply(results[0], r.Type.Schema)
	if err != nil {
		return nil, err
	}
	if patched == nil {
		return nil, nil
	}
	stored, err := r.Type.ingress(ctx, r, patched)
	if err != nil {
		return nil, r.mapHandlerError(err)
	}
	return r.coerceOut(stored)
}

// Dispose deletes the addressed resource through the degress handler.
func (r *Resource) Dispose(ctx context.Context) error {
	if r.ID == "" {
		return ErrNoTarget(fmt.Sprintf("%s dispose requires a resource id", r.Type.Name))
	}
	if r.Type.degress == nil {
		return ErrNotImplemented("dispose")
	}
	if err := r.Type.degress(ctx, r); err != nil {
		return r.mapHandlerError(err)
	}
	return nil
}

// coerceOut runs the outbound coercion with the compiled projection.
func (r *Resource) coerceOut(raw map[string]any) (map[string]any, error) {
	if raw != nil && IsErrorEnvelope(raw) {
		var envelope ErrorResponse
		encoded, err := json.Marshal(raw)
		if err == nil && json.Unmarshal(encoded, &envelope) == nil {
			return nil, envelope.AsError()
		}
	}
	return r.Type.Schema.Coerce(raw, DirectionOut, r.Basepath, r.projection)
}

// mapHandlerError converts handler failures into SCIM errors: SCIM
// errors pass through, type-kind errors become 400 invalidValue, and
// everything else becomes 404 when an id was addressed or 500
// otherwise.
func (r *Resource) mapHandlerError(err error) error {
	if scimErr, ok := err.(*SCIMError); ok {
		return scimErr
	}
	var typeErr *TypeError
	if errors.As(err, &typeErr) {
		return ErrInvalidValue(typeErr.Detail)
	}
	if r.ID != "" {
		return NewSCIMError(http.StatusNotFound, err.Error(), "")
	}
	return ErrInternalServer(err.Error())
}
