package scim

import (
	"reflect"
	"strings"
	"testing"
)

func TestAttributeValidate(t *testing.T) {
	tests := []struct {
		name    string
		attr    *Attribute
		wantErr bool
	}{
		{"plain string", &Attribute{Name: "userName"}, false},
		{"empty name", &Attribute{Name: ""}, true},
		{"period in name", &Attribute{Name: "name.given"}, true},
		{"unknown type", &Attribute{Name: "x", Type: "blob"}, true},
		{"sub-attributes on primitive", &Attribute{Name: "x", SubAttributes: []*Attribute{{Name: "y"}}}, true},
		{"duplicate sub-attributes", &Attribute{
			Name: "x", Type: TypeComplex,
			SubAttributes: []*Attribute{{Name: "value"}, {Name: "Value"}},
		}, true},
		{"complex", &Attribute{
			Name: "name", Type: TypeComplex,
			SubAttributes: []*Attribute{{Name: "givenName"}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.attr.validate(); (err != nil) != tt.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAttributeImplicitPrimary(t *testing.T) {
	attr := &Attribute{
		Name: "emails", Type: TypeComplex, MultiValued: true,
		SubAttributes: []*Attribute{{Name: "value"}},
	}
	attr.applyDefaults()
	if attr.subAttribute("primary") == nil {
		t.Fatal("multi-valued complex attribute should own an implicit primary sub-attribute")
	}
	if got := attr.subAttribute("primary").Type; got != TypeBoolean {
		t.Fatalf("primary type = %q", got)
	}
}

func TestAttributeCoercePrimitives(t *testing.T) {
	tests := []struct {
		name    string
		attr    *Attribute
		value   any
		want    any
		wantErr string
	}{
		{"string ok", &Attribute{Name: "x"}, "hello", "hello", ""},
		{"string rejects number", &Attribute{Name: "x"}, float64(1), nil, ScimTypeInvalidValue},
		{"boolean ok", &Attribute{Name: "x", Type: TypeBoolean}, true, true, ""},
		{"boolean rejects string", &Attribute{Name: "x", Type: TypeBoolean}, "true", nil, ScimTypeInvalidValue},
		{"integer ok", &Attribute{Name: "x", Type: TypeInteger}, float64(42), int64(42), ""},
		{"integer rejects fraction", &Attribute{Name: "x", Type: TypeInteger}, 42.5, nil, ScimTypeInvalidValue},
		{"decimal ok", &Attribute{Name: "x", Type: TypeDecimal}, 42.5, 42.5, ""},
		{"decimal rejects string", &Attribute{Name: "x", Type: TypeDecimal}, "42.5", nil, ScimTypeInvalidValue},
		{"dateTime ok", &Attribute{Name: "x", Type: TypeDateTime}, "2020-01-01T00:00:00Z", "2020-01-01T00:00:00Z", ""},
		{"dateTime rejects junk", &Attribute{Name: "x", Type: TypeDateTime}, "yesterday", nil, ScimTypeInvalidValue},
		{"binary ok", &Attribute{Name: "x", Type: TypeBinary}, "aGVsbG8=", "aGVsbG8=", ""},
		{"binary rejects junk", &Attribute{Name: "x", Type: TypeBinary}, "###", nil, ScimTypeInvalidValue},
		{"reference id", &Attribute{Name: "x", Type: TypeReference, ReferenceTypes: []string{"User"}}, "2819c223", "2819c223", ""},
		{"reference uri", &Attribute{Name: "x", Type: TypeReference, ReferenceTypes: []string{"uri"}}, "https://example.com/Users/1", "https://example.com/Users/1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.attr.Coerce(tt.value, DirectionBoth)
			if tt.wantErr != "" {
				scimErr, ok := err.(*SCIMError)
				if !ok || scimErr.ScimType != tt.wantErr {
					t.Fatalf("Coerce() error = %v, want scimType %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Coerce() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestAttributeCoerceRequired(t *testing.T) {
	attr := &Attribute{Name: "userName", Required: true}
	if _, err := attr.Coerce(nil, DirectionBoth); err == nil {
		t.Fatal("required attribute with absent value should fail")
	}
	if _, err := attr.Coerce("", DirectionBoth); err == nil {
		t.Fatal("required attribute with empty value should fail")
	}

	optional := &Attribute{Name: "displayName"}
	got, err := optional.Coerce(nil, DirectionBoth)
	if err != nil || got != nil {
		t.Fatalf("optional absent = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestAttributeCoerceDirection(t *testing.T) {
	readOnly := &Attribute{Name: "groups", Mutability: MutabilityReadOnly}
	if got, err := readOnly.Coerce("x", DirectionIn); err != nil || got != nil {
		t.Fatalf("readOnly inbound = (%v, %v), want dropped", got, err)
	}
	if got, err := readOnly.Coerce("x", DirectionOut); err != nil || got != "x" {
		t.Fatalf("readOnly outbound = (%v, %v), want kept", got, err)
	}

	never := &Attribute{Name: "password", Returned: ReturnedNever}
	if got, err := never.Coerce("x", DirectionOut); err != nil || got != nil {
		t.Fatalf("returned=never outbound = (%v, %v), want dropped", got, err)
	}
	if got, err := never.Coerce("x", DirectionIn); err != nil || got != "x" {
		t.Fatalf("returned=never inbound = (%v, %v), want kept", got, err)
	}

	inbound := &Attribute{Name: "externalId", direction: DirectionIn}
	if got, err := inbound.Coerce("x", DirectionOut); err != nil || got != nil {
		t.Fatalf("direction=in attribute on out = (%v, %v), want omitted", got, err)
	}
	if got, err := inbound.Coerce("x", DirectionIn); err != nil || got != "x" {
		t.Fatalf("direction=in attribute on in = (%v, %v), want kept", got, err)
	}
}

func TestAttributeCoerceMultiValued(t *testing.T) {
	emails := &Attribute{
		Name: "emails", Type: TypeComplex, MultiValued: true,
		SubAttributes: []*Attribute{{Name: "value"}, {Name: "type"}},
	}
	emails.applyDefaults()

	t.Run("rejects non-array", func(t *testing.T) {
		if _, err := emails.Coerce(map[string]any{"value": "a"}, DirectionBoth); err == nil {
			t.Fatal("multi-valued attribute should reject a bare object")
		}
	})

	t.Run("coerces elements", func(t *testing.T) {
		got, err := emails.Coerce([]any{
			map[string]any{"value": "a@x", "primary": true},
			map[string]any{"value": "b@x"},
		}, DirectionBoth)
		if err != nil {
			t.Fatalf("Coerce() error = %v", err)
		}
		elements := got.([]any)
		if len(elements) != 2 {
			t.Fatalf("len = %d", len(elements))
		}
	})

	t.Run("rejects second primary", func(t *testing.T) {
		_, err := emails.Coerce([]any{
			map[string]any{"value": "a@x", "primary": true},
			map[string]any{"value": "b@x", "primary": true},
		}, DirectionBoth)
		scimErr, ok := err.(*SCIMError)
		if !ok || scimErr.ScimType != ScimTypeInvalidValue {
			t.Fatalf("error = %v, want invalidValue", err)
		}
	})

	t.Run("rejects unknown sub-attribute", func(t *testing.T) {
		_, err := emails.Coerce([]any{map[string]any{"value": "a@x", "bogus": 1}}, DirectionBoth)
		scimErr, ok := err.(*SCIMError)
		if !ok || scimErr.ScimType != ScimTypeInvalidSyntax {
			t.Fatalf("error = %v, want invalidSyntax", err)
		}
	})

	t.Run("unique values", func(t *testing.T) {
		tags := &Attribute{Name: "tags", MultiValued: true, Uniqueness: UniquenessServer}
		_, err := tags.Coerce([]any{"a", "A"}, DirectionBoth)
		scimErr, ok := err.(*SCIMError)
		if !ok || scimErr.ScimType != ScimTypeUniqueness {
			t.Fatalf("error = %v, want uniqueness", err)
		}
	})
}

func TestAttributeCanonicalValues(t *testing.T) {
	// The canonical set is advisory for uniqueness=none and
	// restrictive otherwise.
	open := &Attribute{Name: "type", CanonicalValues: []string{"work", "home"}}
	if _, err := open.Coerce("other", DirectionBoth); err != nil {
		t.Fatalf("open canonical set rejected a value: %v", err)
	}

	closed := &Attribute{Name: "type", CanonicalValues: []string{"work", "home"}, Uniqueness: UniquenessServer}
	if _, err := closed.Coerce("WORK", DirectionBoth); err != nil {
		t.Fatalf("case-insensitive member rejected: %v", err)
	}
	if _, err := closed.Coerce("other", DirectionBoth); err == nil {
		t.Fatal("closed canonical set accepted a non-member")
	}

	exact := &Attribute{Name: "type", CaseExact: true, CanonicalValues: []string{"work"}, Uniqueness: UniquenessServer}
	if _, err := exact.Coerce("WORK", DirectionBoth); err == nil {
		t.Fatal("caseExact canonical set accepted a case-mismatched member")
	}
}

func TestAttributeCoerceComplexSingle(t *testing.T) {
	name := &Attribute{
		Name: "name", Type: TypeComplex,
		SubAttributes: []*Attribute{{Name: "givenName"}, {Name: "familyName"}},
	}
	name.applyDefaults()

	if _, err := name.Coerce([]any{map[string]any{}}, DirectionBoth); err == nil {
		t.Fatal("single-valued complex attribute should reject an array")
	}

	got, err := name.Coerce(map[string]any{"givenname": "Jo"}, DirectionBoth)
	if err != nil {
		t.Fatalf("Coerce() error = %v", err)
	}
	obj := got.(map[string]any)
	if obj["givenName"] != "Jo" {
		t.Fatalf("canonical key not used: %#v", obj)
	}
}

func TestAttributeMarshalJSONHidesShadow(t *testing.T) {
	attr := &Attribute{
		Name: "thing", Type: TypeComplex,
		SubAttributes: []*Attribute{
			{Name: "visible"},
			{Name: "hidden", shadow: true},
		},
	}
	data, err := attr.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error = %v", err)
	}
	if strings.Contains(string(data), "hidden") {
		t.Fatalf("shadow sub-attribute serialised: %s", data)
	}
	if !strings.Contains(string(data), `"mutability":"readWrite"`) {
		t.Fatalf("defaults not applied in serialisation: %s", data)
	}
}
