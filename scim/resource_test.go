package scim

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func staticEgress(docs ...map[string]any) EgressHandler {
	return func(ctx context.Context, r *Resource) ([]map[string]any, error) {
		return docs, nil
	}
}

func echoIngress() IngressHandler {
	return func(ctx context.Context, r *Resource, instance map[string]any) (map[string]any, error) {
		doc := deepCopyDoc(instance)
		if _, ok := doc["id"]; !ok {
			doc["id"] = "generated"
		}
		return doc, nil
	}
}

func TestResourceTypeQuery(t *testing.T) {
	rt := NewResourceType("User", "/Users", "", testUserSchema(t))

	resource, err := rt.Query(QueryParams{Filter: `userName eq "a"`, SortBy: "userName", StartIndex: 3, Count: 7})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if resource.Filter == nil || resource.SortBy != "userName" || resource.StartIndex != 3 || resource.Count != 7 {
		t.Fatalf("query params not compiled: %#v", resource)
	}

	if _, err := rt.Query(QueryParams{Filter: `userName eq`}); err == nil {
		t.Fatal("invalid filter should fail")
	}
	if _, err := rt.Query(QueryParams{Attributes: []string{"a"}, ExcludedAttr: []string{"b"}}); err == nil {
		t.Fatal("attributes and excludedAttributes should be mutually exclusive")
	}

	locked := NewResourceType("Schema", "/Schemas", "", testUserSchema(t)).DisableFiltering()
	if _, err := locked.Query(QueryParams{Filter: `id pr`}); err == nil {
		t.Fatal("filter on a filtering-disabled type should fail")
	}
	if _, err := locked.Query(QueryParams{}); err != nil {
		t.Fatalf("empty filter on a filtering-disabled type should pass: %v", err)
	}
}

func TestResourceReadList(t *testing.T) {
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetEgress(staticEgress(
			map[string]any{"id": "1", "userName": "alice"},
			map[string]any{"id": "2", "userName": "bob"},
		))

	resource, err := rt.Query(QueryParams{Filter: `userName eq "alice"`})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	doc, list, err := resource.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc != nil {
		t.Fatal("list read should not return a single document")
	}
	if list.TotalResults != 1 || list.Resources[0]["userName"] != "alice" {
		t.Fatalf("list = %#v", list)
	}
}

func TestResourceReadByID(t *testing.T) {
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			if r.ID != "1" {
				return nil, nil
			}
			return []map[string]any{{"id": "1", "userName": "alice"}}, nil
		})

	resource := rt.Resource("1")
	resource.Basepath = "https://example.com/Users"
	doc, _, err := resource.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if doc["userName"] != "alice" {
		t.Fatalf("doc = %#v", doc)
	}
	meta := doc["meta"].(map[string]any)
	if meta["location"] != "https://example.com/Users/1" {
		t.Fatalf("meta.location = %v", meta["location"])
	}

	missing, _, err := rt.Resource("404").Read(context.Background())
	if err == nil || missing != nil {
		t.Fatalf("missing id should fail, got (%v, %v)", missing, err)
	}
	scimErr := err.(*SCIMError)
	if scimErr.Status != 404 {
		t.Fatalf("status = %d", scimErr.Status)
	}
}

func TestResourceReadUnset(t *testing.T) {
	rt := NewResourceType("User", "/Users", "", testUserSchema(t))
	_, _, err := rt.Resource("1").Read(context.Background())
	scimErr, ok := err.(*SCIMError)
	if !ok || scimErr.Status != 501 {
		t.Fatalf("unset handler error = %v, want 501", err)
	}
}

func TestResourceWrite(t *testing.T) {
	var received map[string]any
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetIngress(func(ctx context.Context, r *Resource, instance map[string]any) (map[string]any, error) {
			received = instance
			doc := deepCopyDoc(instance)
			if _, ok := doc["id"]; !ok {
				doc["id"] = "generated"
			}
			return doc, nil
		})

	if _, err := rt.Resource("").Write(context.Background(), nil); err == nil {
		t.Fatal("nil instance should fail")
	}
	if _, err := rt.Resource("").Write(context.Background(), map[string]any{}); err == nil {
		t.Fatal("missing required userName should fail")
	}

	doc, err := rt.Resource("").Write(context.Background(), map[string]any{
		"userName": "alice",
		"password": "secret",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if received["password"] != "secret" {
		t.Fatal("ingress should receive the inbound-coerced document")
	}
	if _, ok := doc["password"]; ok {
		t.Fatal("outbound coercion should drop returned=never attributes")
	}
	if doc["id"] != "generated" {
		t.Fatalf("doc = %#v", doc)
	}

	// An addressed write threads the id through to the handler.
	if _, err := rt.Resource("42").Write(context.Background(), map[string]any{"userName": "alice"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if received["id"] != "42" {
		t.Fatalf("ingress id = %v", received["id"])
	}
}

func TestResourceWriteImmutable(t *testing.T) {
	def := testUserSchema(t)
	if err := def.Extend(&Attribute{Name: "origin", Mutability: MutabilityImmutable}); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	existing := map[string]any{"id": "1", "userName": "alice", "origin": "ldap"}
	rt := NewResourceType("User", "/Users", "", def).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			if r.ID != "1" {
				return nil, ErrNotFound(r.Type.Name, r.ID)
			}
			return []map[string]any{deepCopyDoc(existing)}, nil
		}).
		SetIngress(echoIngress())

	// Changing the stored immutable value is rejected before ingress.
	_, err := rt.Resource("1").Write(context.Background(), map[string]any{
		"userName": "alice",
		"origin":   "sql",
	})
	scimErr, ok := err.(*SCIMError)
	if !ok || scimErr.ScimType != ScimTypeMutability {
		t.Fatalf("immutable change error = %v, want mutability", err)
	}

	// An equal or absent immutable value passes.
	if _, err := rt.Resource("1").Write(context.Background(), map[string]any{
		"userName": "alice",
		"origin":   "ldap",
	}); err != nil {
		t.Fatalf("equal value Write: %v", err)
	}
	if _, err := rt.Resource("1").Write(context.Background(), map[string]any{
		"userName": "alice",
	}); err != nil {
		t.Fatalf("absent value Write: %v", err)
	}

	// An unaddressed write has no baseline to enforce against.
	if _, err := rt.Resource("").Write(context.Background(), map[string]any{
		"userName": "bob",
		"origin":   "sql",
	}); err != nil {
		t.Fatalf("create Write: %v", err)
	}
}

func TestResourceWriteImmutableSubAttribute(t *testing.T) {
	def := testGroupSchema(t)
	existing := map[string]any{
		"id":          "g1",
		"displayName": "Team",
		"members": []any{
			map[string]any{"value": "u1", "type": "User", "display": "Babs"},
		},
	}
	rt := NewResourceType("Group", "/Groups", "", def).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			return []map[string]any{deepCopyDoc(existing)}, nil
		}).
		SetIngress(echoIngress())

	_, err := rt.Resource("g1").Write(context.Background(), map[string]any{
		"displayName": "Team",
		"members": []any{
			map[string]any{"value": "u2", "type": "User", "display": "Babs"},
		},
	})
	scimErr, ok := err.(*SCIMError)
	if !ok || scimErr.ScimType != ScimTypeMutability {
		t.Fatalf("immutable member change error = %v, want mutability", err)
	}

	// Replacing the membership wholesale (different cardinality) is an
	// element add/remove, not an in-place modification.
	if _, err := rt.Resource("g1").Write(context.Background(), map[string]any{
		"displayName": "Team",
		"members": []any{
			map[string]any{"value": "u2", "type": "User"},
			map[string]any{"value": "u3", "type": "User"},
		},
	}); err != nil {
		t.Fatalf("membership replacement Write: %v", err)
	}
}

func TestResourceWriteErrorEnvelope(t *testing.T) {
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetIngress(func(ctx context.Context, r *Resource, instance map[string]any) (map[string]any, error) {
			return map[string]any{
				"schemas":  []any{SchemaError},
				"status":   "409",
				"scimType": ScimTypeUniqueness,
				"detail":   "taken",
			}, nil
		})
	_, err := rt.Resource("").Write(context.Background(), map[string]any{"userName": "alice"})
	scimErr, ok := err.(*SCIMError)
	if !ok || scimErr.Status != 409 || scimErr.ScimType != ScimTypeUniqueness {
		t.Fatalf("error envelope not re-thrown: %v", err)
	}
}

func TestResourcePatch(t *testing.T) {
	stored := map[string]any{"id": "1", "userName": "alice"}
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			return []map[string]any{deepCopyDoc(stored)}, nil
		}).
		SetIngress(func(ctx context.Context, r *Resource, instance map[string]any) (map[string]any, error) {
			stored = deepCopyDoc(instance)
			return deepCopyDoc(instance), nil
		})

	if _, err := rt.Resource("").Patch(context.Background(), patchMessage()); err == nil {
		t.Fatal("patch without id should fail")
	}

	doc, err := rt.Resource("1").Patch(context.Background(), patchMessage(
		PatchOperation{Op: "replace", Path: "displayName", Value: "Alice"},
	))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if doc["displayName"] != "Alice" {
		t.Fatalf("doc = %#v", doc)
	}
	if stored["displayName"] != "Alice" {
		t.Fatal("ingress commit not invoked")
	}

	unchanged, err := rt.Resource("1").Patch(context.Background(), patchMessage(
		PatchOperation{Op: "replace", Path: "displayName", Value: "Alice"},
	))
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if unchanged != nil {
		t.Fatalf("no-op patch should yield nil, got %#v", unchanged)
	}
}

func TestResourceDispose(t *testing.T) {
	disposed := ""
	rt := NewResourceType("User", "/Users", "", testUserSchema(t)).
		SetDegress(func(ctx context.Context, r *Resource) error {
			disposed = r.ID
			return nil
		})

	if err := rt.Resource("").Dispose(context.Background()); err == nil {
		t.Fatal("dispose without id should fail")
	}
	if err := rt.Resource("9").Dispose(context.Background()); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if disposed != "9" {
		t.Fatalf("disposed = %q", disposed)
	}
}

func TestResourceHandlerErrorMapping(t *testing.T) {
	failing := func(message string) EgressHandler {
		return func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			return nil, errors.New(message)
		}
	}

	withID := NewResourceType("User", "/Users", "", testUserSchema(t)).SetEgress(failing("gone"))
	_, _, err := withID.Resource("1").Read(context.Background())
	if scimErr := err.(*SCIMError); scimErr.Status != 404 {
		t.Fatalf("plain handler error with id = %v, want 404", err)
	}

	listType := NewResourceType("User2", "/Users2", "", testUserSchema(t)).SetEgress(failing("broken"))
	query, err := listType.Query(QueryParams{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	_, _, err = query.Read(context.Background())
	if scimErr := err.(*SCIMError); scimErr.Status != 500 {
		t.Fatalf("plain handler error without id = %v, want 500", err)
	}

	scimPassing := NewResourceType("User3", "/Users3", "", testUserSchema(t)).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			return nil, ErrUniqueness("taken")
		})
	_, _, err = scimPassing.Resource("1").Read(context.Background())
	if scimErr := err.(*SCIMError); scimErr.Status != 409 {
		t.Fatalf("SCIM handler error = %v, want pass-through 409", err)
	}

	typeKind := NewResourceType("User4", "/Users4", "", testUserSchema(t)).
		SetEgress(func(ctx context.Context, r *Resource) ([]map[string]any, error) {
			return nil, &TypeError{Detail: "wanted an object"}
		})
	_, _, err = typeKind.Resource("1").Read(context.Background())
	scimErr := err.(*SCIMError)
	if scimErr.Status != 400 || scimErr.ScimType != ScimTypeInvalidValue {
		t.Fatalf("type-kind handler error = %v, want 400 invalidValue", err)
	}
	if !strings.Contains(scimErr.Detail, "wanted an object") {
		t.Fatalf("detail = %q", scimErr.Detail)
	}
}
