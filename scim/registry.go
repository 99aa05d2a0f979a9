package scim

import (
	"fmt"
	"strings"
	"sync"
)

// Process-wide registries. Hosts populate them before serving; request
// handling only reads.

type schemaRegistry struct {
	mu    sync.RWMutex
	byID  map[string]*SchemaDefinition
	order []*SchemaDefinition
}

type resourceTypeRegistry struct {
	mu         sync.RWMutex
	byName     map[string]*ResourceType
	byEndpoint map[string]*ResourceType
	order      []*ResourceType
}

var (
	schemas = &schemaRegistry{byID: make(map[string]*SchemaDefinition)}
	types   = &resourceTypeRegistry{
		byName:     make(map[string]*ResourceType),
		byEndpoint: make(map[string]*ResourceType),
	}
)

// RegisterSchema stores a schema definition under its URN id.
func RegisterSchema(def *SchemaDefinition) error {
	if def == nil {
		return ErrInvalidValue("schema definition cannot be nil")
	}
	schemas.mu.Lock()
	defer schemas.mu.Unlock()
	key := strings.ToLower(def.ID)
	if _, exists := schemas.byID[key]; exists {
		return ErrUniqueness(fmt.Sprintf("schema %q is already registered", def.ID))
	}
	schemas.byID[key] = def
	schemas.order = append(schemas.order, def)
	return nil
}

// LookupSchema finds a registered schema definition by URN id.
func LookupSchema(id string) (*SchemaDefinition, bool) {
	schemas.mu.RLock()
	defer schemas.mu.RUnlock()
	def, ok := schemas.byID[strings.ToLower(id)]
	return def, ok
}

// RegisteredSchemas lists the registered definitions in registration
// order.
func RegisteredSchemas() []*SchemaDefinition {
	schemas.mu.RLock()
	defer schemas.mu.RUnlock()
	out := make([]*SchemaDefinition, len(schemas.order))
	copy(out, schemas.order)
	return out
}

// RegisterResourceType stores a resource type under its name and
// endpoint. The type's primary schema and declared extensions are
// registered as a side effect when not already present.
func RegisterResourceType(rt *ResourceType) error {
	if rt == nil {
		return ErrInvalidValue("resource type cannot be nil")
	}
	if rt.Name == "" || rt.Endpoint == "" || rt.Schema == nil {
		return ErrInvalidValue("resource type requires a name, an endpoint, and a schema")
	}
	types.mu.Lock()
	defer types.mu.Unlock()
	nameKey := strings.ToLower(rt.Name)
	endpointKey := strings.ToLower(strings.TrimSuffix(rt.Endpoint, "/"))
	if _, exists := types.byName[nameKey]; exists {
		return ErrUniqueness(fmt.Sprintf("resource type %q is already registered", rt.Name))
	}
	if _, exists := types.byEndpoint[endpointKey]; exists {
		return ErrUniqueness(fmt.Sprintf("endpoint %q is already registered", rt.Endpoint))
	}
	types.byName[nameKey] = rt
	types.byEndpoint[endpointKey] = rt
	types.order = append(types.order, rt)

	if _, ok := LookupSchema(rt.Schema.ID); !ok {
		if err := RegisterSchema(rt.Schema); err != nil {
			return err
		}
	}
	for _, ext := range rt.Schema.Extensions() {
		if _, ok := LookupSchema(ext.Definition.ID); !ok {
			if err := RegisterSchema(ext.Definition); err != nil {
				return err
			}
		}
	}
	return nil
}

// LookupResourceType finds a registered resource type by name.
func LookupResourceType(name string) (*ResourceType, bool) {
	types.mu.RLock()
	defer types.mu.RUnlock()
	rt, ok := types.byName[strings.ToLower(name)]
	return rt, ok
}

// LookupResourceTypeByEndpoint finds a registered resource type by its
// endpoint path, e.g. "/Users".
func LookupResourceTypeByEndpoint(endpoint string) (*ResourceType, bool) {
	types.mu.RLock()
	defer types.mu.RUnlock()
	rt, ok := types.byEndpoint[strings.ToLower(strings.TrimSuffix(endpoint, "/"))]
	return rt, ok
}

// RegisteredResourceTypes lists the registered resource types in
// registration order.
func RegisteredResourceTypes() []*ResourceType {
	types.mu.RLock()
	defer types.mu.RUnlock()
	out := make([]*ResourceType, len(types.order))
	copy(out, types.order)
	return out
}

// ResetRegistries clears both registries. Intended for host start-up
// and tests.
func ResetRegistries() {
	schemas.mu.Lock()
	schemas.byID = make(map[string]*SchemaDefinition)
	schemas.order = nil
	schemas.mu.Unlock()

	types.mu.Lock()
	types.byName = make(map[string]*ResourceType)
	types.byEndpoint = make(map[string]*ResourceType)
	types.order = nil
	types.mu.Unlock()
}
