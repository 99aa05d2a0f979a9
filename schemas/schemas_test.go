package schemas

import (
	"testing"

	"github.com/marcelom97/scimcore/scim"
)

func TestUserSchemaCoercesFullUser(t *testing.T) {
	def := User()
	if err := def.Extend(EnterpriseUser(), false); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	doc, err := def.Coerce(map[string]any{
		"id":       "2819c223-7f76-453a-919d-413861904646",
		"userName": "bjensen@example.com",
		"name": map[string]any{
			"givenName":  "Barbara",
			"familyName": "Jensen",
			"formatted":  "Ms. Barbara J Jensen, III",
		},
		"displayName": "Babs Jensen",
		"active":      true,
		"emails": []any{
			map[string]any{"value": "bjensen@example.com", "type": "work", "primary": true},
			map[string]any{"value": "babs@jensen.org", "type": "home"},
		},
		"urn:ietf:params:scim:schemas:extension:enterprise:2.0:User": map[string]any{
			"employeeNumber": "701984",
			"manager": map[string]any{
				"value":       "26118915-6090-4610-87e4-49d8ca9f808d",
				"displayName": "John Smith",
			},
		},
	}, scim.DirectionOut, "https://example.com/v2/Users", nil)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}

	if doc["userName"] != "bjensen@example.com" {
		t.Errorf("userName = %v", doc["userName"])
	}
	schemasList := doc["schemas"].([]any)
	if len(schemasList) != 2 {
		t.Errorf("schemas = %v", schemasList)
	}
	meta := doc["meta"].(map[string]any)
	if meta["location"] != "https://example.com/v2/Users/2819c223-7f76-453a-919d-413861904646" {
		t.Errorf("meta.location = %v", meta["location"])
	}
	ext := doc[scim.SchemaEnterpriseUser].(map[string]any)
	if ext["employeeNumber"] != "701984" {
		t.Errorf("extension = %#v", ext)
	}
}

func TestUserSchemaDropsPassword(t *testing.T) {
	doc, err := User().Coerce(map[string]any{
		"userName": "bjensen",
		"password": "t1meMa$heen",
	}, scim.DirectionOut, "", nil)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	if _, ok := doc["password"]; ok {
		t.Fatal("password must never be returned")
	}
}

func TestUserSchemaRejectsBadEmailShape(t *testing.T) {
	_, err := User().Coerce(map[string]any{
		"userName": "bjensen",
		"emails":   map[string]any{"value": "not-an-array@example.com"},
	}, scim.DirectionIn, "", nil)
	if err == nil {
		t.Fatal("multi-valued emails should reject a bare object")
	}
}

func TestGroupSchemaRequiresDisplayName(t *testing.T) {
	if _, err := Group().Coerce(map[string]any{}, scim.DirectionIn, "", nil); err == nil {
		t.Fatal("displayName is required")
	}
	doc, err := Group().Coerce(map[string]any{
		"displayName": "Tour Guides",
		"members": []any{
			map[string]any{"value": "2819c223", "type": "User", "display": "Babs"},
		},
	}, scim.DirectionOut, "", nil)
	if err != nil {
		t.Fatalf("Coerce: %v", err)
	}
	members := doc["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("members = %#v", members)
	}
}

func TestEnterpriseUserAttributes(t *testing.T) {
	def := EnterpriseUser()
	for _, path := range []string{"employeeNumber", "manager.value", "manager.displayName"} {
		if _, err := def.Attribute(path); err != nil {
			t.Errorf("Attribute(%q): %v", path, err)
		}
	}
}
