package scim

import (
	"testing"
)

func registryTestSchema(t *testing.T, id, name string) *SchemaDefinition {
	t.Helper()
	def, err := NewSchemaDefinition(id, name, "", &Attribute{Name: "value"})
	if err != nil {
		t.Fatalf("NewSchemaDefinition: %v", err)
	}
	return def
}

func TestSchemaRegistry(t *testing.T) {
	ResetRegistries()
	t.Cleanup(ResetRegistries)

	def := registryTestSchema(t, "urn:ietf:params:scim:schemas:core:2.0:Thing", "Thing")
	if err := RegisterSchema(def); err != nil {
		t.Fatalf("RegisterSchema: %v", err)
	}
	if err := RegisterSchema(def); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	found, ok := LookupSchema("URN:IETF:PARAMS:SCIM:SCHEMAS:CORE:2.0:THING")
	if !ok || found != def {
		t.Fatal("case-insensitive lookup failed")
	}
	if got := RegisteredSchemas(); len(got) != 1 || got[0] != def {
		t.Fatalf("RegisteredSchemas = %#v", got)
	}
}

func TestResourceTypeRegistry(t *testing.T) {
	ResetRegistries()
	t.Cleanup(ResetRegistries)

	def := registryTestSchema(t, "urn:ietf:params:scim:schemas:core:2.0:Thing", "Thing")
	ext := registryTestSchema(t, "urn:ietf:params:scim:schemas:extension:thing:2.0:Thing", "ThingExt")
	rt := NewResourceType("Thing", "/Things", "", def).Extend(ext, false)

	if err := RegisterResourceType(rt); err != nil {
		t.Fatalf("RegisterResourceType: %v", err)
	}
	if err := RegisterResourceType(rt); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	if _, ok := LookupResourceType("thing"); !ok {
		t.Fatal("lookup by name failed")
	}
	if _, ok := LookupResourceTypeByEndpoint("/things"); !ok {
		t.Fatal("lookup by endpoint failed")
	}

	// The primary schema and its extensions register as a side effect.
	if _, ok := LookupSchema(def.ID); !ok {
		t.Fatal("primary schema not registered")
	}
	if _, ok := LookupSchema(ext.ID); !ok {
		t.Fatal("extension schema not registered")
	}
}

func TestRegisterResourceTypeValidation(t *testing.T) {
	ResetRegistries()
	t.Cleanup(ResetRegistries)

	if err := RegisterResourceType(nil); err == nil {
		t.Fatal("nil resource type should fail")
	}
	if err := RegisterResourceType(&ResourceType{Name: "X"}); err == nil {
		t.Fatal("resource type without endpoint and schema should fail")
	}
}
