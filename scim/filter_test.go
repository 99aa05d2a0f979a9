package scim

import (
	"reflect"
	"testing"
)

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		wantErr bool
	}{
		{"simple eq", `userName eq "john"`, false},
		{"simple ne", `userName ne "john"`, false},
		{"contains", `userName co "john"`, false},
		{"starts with", `userName sw "j"`, false},
		{"ends with", `userName ew "n"`, false},
		{"present", `emails pr`, false},
		{"greater than", `age gt 18`, false},
		{"greater or equal", `age ge 18`, false},
		{"less than", `age lt 65`, false},
		{"less or equal", `age le 65`, false},
		{"boolean literal", `active eq true`, false},
		{"null literal", `manager eq null`, false},
		{"decimal literal", `score gt 4.5`, false},
		{"and operator", `userName eq "john" and active eq true`, false},
		{"or operator", `userName eq "john" or userName eq "jane"`, false},
		{"not operator", `not (active eq false)`, false},
		{"grouped", `(userName eq "john") and (active eq true)`, false},
		{"nested groups", `userName sw "j" and (active eq true or emails pr)`, false},
		{"value path", `emails[type eq "work"]`, false},
		{"value path with sub", `emails[type eq "work"].value co "example"`, false},
		{"dotted path", `name.givenName sw "J"`, false},
		{"urn path", `urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department eq "Sales"`, false},
		{"escaped quote", `displayName eq "say \"hi\""`, false},
		{"bare attribute", `userName`, true},
		{"missing value", `userName eq`, true},
		{"unknown comparator", `userName zz "x"`, true},
		{"unmatched paren", `(userName eq "john"`, true},
		{"unmatched bracket", `emails[type eq "work"`, true},
		{"trailing garbage", `userName eq "john" extra`, true},
		{"empty", ``, true},
		{"negated co", `not (userName co "j")`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter(tt.filter)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
			}
			if err != nil {
				scimErr, ok := err.(*SCIMError)
				if !ok || scimErr.ScimType != ScimTypeInvalidFilter {
					if ok && scimErr.ScimType == ScimTypeInvalidPath {
						return
					}
					t.Fatalf("ParseFilter(%q) error = %#v, want invalidFilter", tt.filter, err)
				}
			}
		})
	}
}

func TestFilterStringCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"eq", `userName eq "john"`, `userName eq "john"`},
		{"pr", `emails pr`, `emails pr`},
		{"integer", `age gt 18`, `age gt 18`},
		{"decimal", `score ge 4.5`, `score ge 4.5`},
		{"boolean", `active eq true`, `active eq true`},
		{"and", `userName eq "john" and active eq true`, `userName eq "john" and active eq true`},
		{"or", `a eq 1 or b eq 2`, `a eq 1 or b eq 2`},
		{"mixed precedence", `a eq 1 and b eq 2 or c pr`, `a eq 1 and b eq 2 or c pr`},
		{"group flattened", `(a eq 1 or b eq 2) and c pr`, `a eq 1 and c pr or b eq 2 and c pr`},
		{"not eq", `not (active eq false)`, `active ne false`},
		{"not over or", `not (a eq 1 or b eq 2)`, `a ne 1 and b ne 2`},
		{"not over and", `not (a eq 1 and b eq 2)`, `a ne 1 or b ne 2`},
		{"not pr", `not (emails pr)`, `not (emails pr)`},
		{"not gt", `not (age gt 18)`, `age le 18`},
		{"value path", `emails[type eq "work"]`, `emails[type eq "work"]`},
		{"value path sub", `emails[type eq "work"].value co "@x"`, `emails[type eq "work" and value co "@x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := ParseFilter(tt.in)
			if err != nil {
				t.Fatalf("ParseFilter(%q) error = %v", tt.in, err)
			}
			if got := filter.String(); got != tt.want {
				t.Fatalf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFilterRoundTrip(t *testing.T) {
	// Canonical strings must survive parse→stringify unchanged, and
	// any parseable filter must be structurally stable under
	// parse→stringify→parse.
	canonical := []string{
		`userName eq "john"`,
		`userName pr`,
		`age gt 18`,
		`userName eq "john" and active eq true`,
		`a eq 1 and b eq 2 or c pr`,
		`emails[type eq "work" and value co "@x"]`,
		`name.givenName sw "J"`,
	}
	for _, s := range canonical {
		filter, err := ParseFilter(s)
		if err != nil {
			t.Fatalf("ParseFilter(%q) error = %v", s, err)
		}
		if got := filter.String(); got != s {
			t.Errorf("round trip of %q = %q", s, got)
		}
	}

	parseable := append(canonical,
		`not (a eq 1 or b eq 2)`,
		`(a eq 1 or b eq 2) and c pr`,
	)
	for _, s := range parseable {
		first, err := ParseFilter(s)
		if err != nil {
			t.Fatalf("ParseFilter(%q) error = %v", s, err)
		}
		second, err := ParseFilter(first.String())
		if err != nil {
			t.Fatalf("reparse of %q (%q) error = %v", s, first.String(), err)
		}
		if !reflect.DeepEqual(first.Expressions(), second.Expressions()) {
			t.Errorf("parse(stringify(parse(%q))) not structurally equal", s)
		}
	}
}

func TestFilterMatch(t *testing.T) {
	items := []map[string]any{
		{"id": "1", "userName": "A"},
		{"id": "2", "userName": "AB"},
	}

	run := func(t *testing.T, filter string, want []string) {
		t.Helper()
		parsed, err := ParseFilter(filter)
		if err != nil {
			t.Fatalf("ParseFilter(%q) error = %v", filter, err)
		}
		matched := parsed.Match(items)
		var got []string
		for _, item := range matched {
			got = append(got, item["id"].(string))
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Match(%q) = %v, want %v", filter, got, want)
		}
	}

	run(t, `userName sw "A"`, []string{"1", "2"})
	run(t, `userName eq "A"`, []string{"1"})
	run(t, `userName ne "A"`, []string{"2"})
	run(t, `userName co "B"`, []string{"2"})
	run(t, `userName pr`, []string{"1", "2"})
	run(t, `id gt "1"`, []string{"2"})
}

func TestFilterMatchDocuments(t *testing.T) {
	user := map[string]any{
		"userName":    "john.doe",
		"displayName": "John Doe",
		"active":      true,
		"age":         float64(30),
		"meta": map[string]any{
			"created": "2020-01-01T00:00:00Z",
		},
		"emails": []any{
			map[string]any{"value": "john@example.com", "type": "work", "primary": true},
			map[string]any{"value": "john@personal.com", "type": "home"},
		},
		"urn:example:params:scim:schemas:extension:test:2.0:User": map[string]any{
			"department": "Sales",
		},
	}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"eq match", `userName eq "john.doe"`, true},
		{"eq case-insensitive", `userName eq "John.DOE"`, true},
		{"eq no match", `userName eq "jane"`, false},
		{"ne", `userName ne "jane"`, true},
		{"co", `userName co "john"`, true},
		{"sw", `userName sw "john"`, true},
		{"ew", `userName ew "doe"`, true},
		{"pr", `emails pr`, true},
		{"pr absent", `phoneNumbers pr`, false},
		{"boolean", `active eq true`, true},
		{"numeric gt", `age gt 21`, true},
		{"numeric le", `age le 21`, false},
		{"date gt", `meta.created gt "2019-12-31T00:00:00Z"`, true},
		{"date lt", `meta.created lt "2019-12-31T00:00:00Z"`, false},
		{"and true", `userName eq "john.doe" and active eq true`, true},
		{"and false", `userName eq "john.doe" and active eq false`, false},
		{"or", `userName eq "jane" or active eq true`, true},
		{"not", `not (active eq false)`, true},
		{"dotted into array", `emails.type eq "work"`, true},
		{"value path", `emails[type eq "work"]`, true},
		{"value path no match", `emails[type eq "fax"]`, false},
		{"value path sub", `emails[type eq "work"].value co "example"`, true},
		{"value path and", `emails[type eq "home" and value co "personal"]`, true},
		{"urn path", `urn:example:params:scim:schemas:extension:test:2.0:User:department eq "Sales"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filter, err := ParseFilter(tt.filter)
			if err != nil {
				t.Fatalf("ParseFilter(%q) error = %v", tt.filter, err)
			}
			if got := filter.Matches(user); got != tt.want {
				t.Fatalf("Matches(%q) = %v, want %v", tt.filter, got, tt.want)
			}
		})
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		wantAttr string
		wantSub  string
		wantVP   bool
		wantErr  bool
	}{
		{"simple", "userName", "userName", "", false, false},
		{"dotted", "name.givenName", "name", "givenName", false, false},
		{"value path", `emails[type eq "work"]`, "emails", "", true, false},
		{"value path sub", `emails[type eq "work"].value`, "emails", "value", true, false},
		{"urn", "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:manager", "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:manager", "", false, false},
		{"urn dotted", "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:manager.value", "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:manager", "value", false, false},
		{"unterminated bracket", `emails[type eq "work"`, "", "", false, true},
		{"trailing garbage", `emails[type eq "work"] extra`, "", "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := ParsePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if path.Attribute != tt.wantAttr {
				t.Errorf("Attribute = %q, want %q", path.Attribute, tt.wantAttr)
			}
			if path.Sub != tt.wantSub {
				t.Errorf("Sub = %q, want %q", path.Sub, tt.wantSub)
			}
			if (path.ValueFilter != nil) != tt.wantVP {
				t.Errorf("ValueFilter = %v, want present=%v", path.ValueFilter, tt.wantVP)
			}
		})
	}
}

func TestNewProjection(t *testing.T) {
	if NewProjection(nil, nil) != nil {
		t.Fatal("empty projection should be nil")
	}

	projection := NewProjection([]string{"userName", " name.givenName "}, []string{"meta"})
	pr, np := projection.projectionLeaves()
	if !reflect.DeepEqual(pr, []string{"username", "name.givenname"}) {
		t.Errorf("pr leaves = %v", pr)
	}
	if !reflect.DeepEqual(np, []string{"meta"}) {
		t.Errorf("np leaves = %v", np)
	}
}

func TestProjectionMonotonicity(t *testing.T) {
	// Adding a pr leaf never removes already-included attributes;
	// adding an np leaf never adds new ones.
	def := testProjectionSchema(t)
	doc := map[string]any{
		"userName":    "x",
		"displayName": "y",
		"title":       "z",
	}

	base := def.applyProjection(deepCopyDoc(doc), NewProjection([]string{"userName"}, nil))
	wider := def.applyProjection(deepCopyDoc(doc), NewProjection([]string{"userName", "displayName"}, nil))
	for key := range base {
		if _, ok := wider[key]; !ok {
			t.Errorf("pr leaf removed attribute %q", key)
		}
	}

	exclBase := def.applyProjection(deepCopyDoc(doc), NewProjection(nil, []string{"title"}))
	exclMore := def.applyProjection(deepCopyDoc(doc), NewProjection(nil, []string{"title", "displayName"}))
	for key := range exclMore {
		if _, ok := exclBase[key]; !ok {
			t.Errorf("np leaf added attribute %q", key)
		}
	}
}

func testProjectionSchema(t *testing.T) *SchemaDefinition {
	t.Helper()
	def, err := NewSchemaDefinition(
		"urn:ietf:params:scim:schemas:core:2.0:Test",
		"Test",
		"",
		&Attribute{Name: "userName"},
		&Attribute{Name: "displayName"},
		&Attribute{Name: "title"},
	)
	if err != nil {
		t.Fatalf("NewSchemaDefinition: %v", err)
	}
	return def
}
