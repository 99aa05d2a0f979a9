package scim

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SchemaExtension attaches another SchemaDefinition to a definition,
// with a required override.
type SchemaExtension struct {
	Definition *SchemaDefinition
	Required   bool
}

// SchemaDefinition is an ordered collection of Attributes under a URN
// id, plus the schema extensions attached to it. It performs
// document-level coercion, namespaced attribute lookup, extension and
// truncation, and attribute-selection filtering.
type SchemaDefinition struct {
	Name        string
	ID          string
	Description string

	attributes []*Attribute
	extensions []*SchemaExtension
	common     []*Attribute
}

// NewSchemaDefinition creates a definition. The id must carry the SCIM
// schemas URN prefix; attribute names must be unique
// case-insensitively. Every definition implicitly owns the common
// attributes schemas, id, externalId, and meta.
func NewSchemaDefinition(id, name, description string, attrs ...*Attribute) (*SchemaDefinition, error) {
	if !strings.HasPrefix(strings.ToLower(id), SchemaURNPrefix) {
		return nil, ErrInvalidValue(fmt.Sprintf("schema id %q must begin with %q", id, SchemaURNPrefix))
	}
	if name == "" {
		return nil, ErrInvalidValue("schema name cannot be empty")
	}
	d := &SchemaDefinition{
		Name:        name,
		ID:          id,
		Description: description,
		common:      commonAttributes(),
	}
	for _, attr := range attrs {
		if err := d.addAttribute(attr); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MustSchemaDefinition is NewSchemaDefinition for static declarations.
func MustSchemaDefinition(id, name, description string, attrs ...*Attribute) *SchemaDefinition {
	d, err := NewSchemaDefinition(id, name, description, attrs...)
	if err != nil {
		panic(err)
	}
	return d
}

// commonAttributes builds the shadow attributes every definition
// implicitly prepends: schemas, id, externalId, and meta.
func commonAttributes() []*Attribute {
	attrs := []*Attribute{
		{
			Name:        "schemas",
			Type:        TypeReference,
			MultiValued: true,
			Returned:    ReturnedAlways,
			shadow:      true,
		},
		{
			Name:       "id",
			Type:       TypeString,
			CaseExact:  true,
			Mutability: MutabilityReadOnly,
			Returned:   ReturnedAlways,
			Uniqueness: UniquenessGlobal,
			shadow:     true,
		},
		{
			Name:      "externalId",
			Type:      TypeString,
			CaseExact: true,
			direction: DirectionIn,
			shadow:    true,
		},
		{
			Name:       "meta",
			Type:       TypeComplex,
			Mutability: MutabilityReadOnly,
			shadow:     true,
			SubAttributes: []*Attribute{
				{Name: "resourceType", Type: TypeString, CaseExact: true, Mutability: MutabilityReadOnly},
				{Name: "created", Type: TypeDateTime, Mutability: MutabilityReadOnly},
				{Name: "lastModified", Type: TypeDateTime, Mutability: MutabilityReadOnly},
				{Name: "location", Type: TypeReference, ReferenceTypes: []string{"uri"}, Mutability: MutabilityReadOnly},
				{Name: "version", Type: TypeString, CaseExact: true, Mutability: MutabilityReadOnly},
			},
		},
	}
	for _, attr := range attrs {
		attr.applyDefaults()
	}
	return attrs
}

// addAttribute validates, normalises, and appends a direct attribute.
func (d *SchemaDefinition) addAttribute(attr *Attribute) error {
	if attr == nil {
		return ErrInvalidValue("attribute cannot be nil")
	}
	dup := attr.clone()
	if err := dup.validate(); err != nil {
		return err
	}
	dup.applyDefaults()
	if d.directAttribute(dup.Name) != nil {
		return ErrInvalidValue(fmt.Sprintf("schema %q already declares attribute %q", d.ID, dup.Name))
	}
	d.attributes = append(d.attributes, dup)
	return nil
}

// directAttribute finds a declared (non-common) attribute by
// case-insensitive name.
func (d *SchemaDefinition) directAttribute(name string) *Attribute {
	for _, attr := range d.attributes {
		if strings.EqualFold(attr.Name, name) {
			return attr
		}
	}
	return nil
}

// commonAttribute finds one of the shadow common attributes.
func (d *SchemaDefinition) commonAttribute(name string) *Attribute {
	for _, attr := range d.common {
		if strings.EqualFold(attr.Name, name) {
			return attr
		}
	}
	return nil
}

// Attributes returns the declared attributes, excluding the shadow
// common ones.
func (d *SchemaDefinition) Attributes() []*Attribute {
	return d.attributes
}

// Extensions returns the attached schema extensions.
func (d *SchemaDefinition) Extensions() []*SchemaExtension {
	return d.extensions
}

// Extension returns the attached extension with the given URN id.
func (d *SchemaDefinition) Extension(id string) (*SchemaExtension, bool) {
	for _, ext := range d.extensions {
		if strings.EqualFold(ext.Definition.ID, id) {
			return ext, true
		}
	}
	return nil, false
}

// Attribute resolves an attribute path against the definition. Paths
// beginning with "urn:" are matched against the longest attached
// extension id and resolved inside that extension; dotted paths walk
// sub-attributes of complex attributes.
func (d *SchemaDefinition) Attribute(path string) (*Attribute, error) {
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		ext, rest := d.matchExtensionPrefix(path)
		if ext == nil {
			return nil, ErrInvalidPath(fmt.Sprintf("schema %q has no extension covering path %q", d.ID, path))
		}
		if rest == "" {
			return nil, ErrInvalidPath(fmt.Sprintf("path %q names schema extension %q, not an attribute", path, ext.Definition.ID))
		}
		return ext.Definition.Attribute(rest)
	}
	head, rest, _ := strings.Cut(path, ".")
	attr := d.directAttribute(head)
	if attr == nil {
		attr = d.commonAttribute(head)
	}
	if attr == nil {
		return nil, ErrInvalidPath(fmt.Sprintf("schema %q has no attribute %q", d.ID, head))
	}
	for rest != "" {
		if attr.typeOrDefault() != TypeComplex {
			return nil, ErrInvalidPath(fmt.Sprintf("attribute %q is not complex and has no sub-attribute %q", attr.Name, rest))
		}
		head, rest, _ = strings.Cut(rest, ".")
		sub := attr.subAttribute(head)
		if sub == nil {
			return nil, ErrInvalidPath(fmt.Sprintf("attribute %q has no sub-attribute %q", attr.Name, head))
		}
		attr = sub
	}
	return attr, nil
}

// matchExtensionPrefix finds the attached extension whose id is the
// longest case-insensitive prefix of path, returning it and the
// remaining relative path.
func (d *SchemaDefinition) matchExtensionPrefix(path string) (*SchemaExtension, string) {
	lower := strings.ToLower(path)
	var best *SchemaExtension
	bestLen := 0
	for _, ext := range d.extensions {
		id := strings.ToLower(ext.Definition.ID)
		if lower == id || strings.HasPrefix(lower, id+":") {
			if len(id) > bestLen {
				best = ext
				bestLen = len(id)
			}
		}
	}
	if best == nil {
		return nil, ""
	}
	rest := ""
	if len(path) > bestLen {
		rest = path[bestLen+1:]
	}
	return best, rest
}

// Extend adds to the definition. The target may be an *Attribute, a
// slice of Attributes, a *SchemaDefinition (attached as an extension,
// inserted once by id), or a *SchemaExtension. Extensions nested inside
// an extending definition are flattened to the top level.
func (d *SchemaDefinition) Extend(target any, required ...bool) error {
	req := len(required) > 0 && required[0]
	switch t := target.(type) {
	case *Attribute:
		return d.addAttribute(t)
	case []*Attribute:
		for _, attr := range t {
			if err := d.addAttribute(attr); err != nil {
				return err
			}
		}
		return nil
	case *SchemaExtension:
		return d.Extend(t.Definition, t.Required)
	case *SchemaDefinition:
		if t == nil {
			return ErrInvalidValue("extension definition cannot be nil")
		}
		if _, exists := d.Extension(t.ID); !exists {
			d.extensions = append(d.extensions, &SchemaExtension{Definition: t, Required: req})
		}
		for _, nested := range t.extensions {
			if err := d.Extend(nested.Definition, nested.Required); err != nil {
				return err
			}
		}
		return nil
	}
	return ErrInvalidValue(fmt.Sprintf("cannot extend schema %q with %T", d.ID, target))
}

// Truncate removes attributes or extensions from the definition. Each
// target is an *Attribute, a dotted attribute name, or a
// *SchemaDefinition to detach by id. Missing targets are an error.
func (d *SchemaDefinition) Truncate(targets ...any) error {
	for _, target := range targets {
		switch t := target.(type) {
		case *SchemaDefinition:
			if !d.removeExtension(t.ID) {
				return ErrInvalidValue(fmt.Sprintf("schema %q has no extension %q", d.ID, t.ID))
			}
		case *SchemaExtension:
			if !d.removeExtension(t.Definition.ID) {
				return ErrInvalidValue(fmt.Sprintf("schema %q has no extension %q", d.ID, t.Definition.ID))
			}
		case *Attribute:
			if !d.removeAttribute(t.Name, "") {
				return ErrInvalidValue(fmt.Sprintf("schema %q has no attribute %q", d.ID, t.Name))
			}
		case string:
			name, sub, _ := strings.Cut(t, ".")
			if !d.removeAttribute(name, sub) {
				return ErrInvalidValue(fmt.Sprintf("schema %q has no attribute %q", d.ID, t))
			}
		default:
			return ErrInvalidValue(fmt.Sprintf("cannot truncate schema %q by %T", d.ID, target))
		}
	}
	return nil
}

func (d *SchemaDefinition) removeExtension(id string) bool {
	for i, ext := range d.extensions {
		if strings.EqualFold(ext.Definition.ID, id) {
			d.extensions = append(d.extensions[:i], d.extensions[i+1:]...)
			return true
		}
	}
	return false
}

func (d *SchemaDefinition) removeAttribute(name, sub string) bool {
	for i, attr := range d.attributes {
		if !strings.EqualFold(attr.Name, name) {
			continue
		}
		if sub == "" {
			d.attributes = append(d.attributes[:i], d.attributes[i+1:]...)
			return true
		}
		for j, subAttr := range attr.SubAttributes {
			if strings.EqualFold(subAttr.Name, sub) {
				attr.SubAttributes = append(attr.SubAttributes[:j], attr.SubAttributes[j+1:]...)
				return true
			}
		}
		return false
	}
	return false
}

// Coerce validates and normalises a document against the definition.
// The output preserves canonical attribute names, computes the schemas
// list, populates meta, merges and recursively coerces extension data,
// and finally applies the selection filter as a projection.
func (d *SchemaDefinition) Coerce(data map[string]any, dir Direction, basepath string, filter *Filter) (map[string]any, error) {
	return d.coerce(data, dir, basepath, filter, false)
}

func (d *SchemaDefinition) coerce(data map[string]any, dir Direction, basepath string, filter *Filter, nested bool) (map[string]any, error) {
	if data == nil {
		return nil, ErrInvalidValue(fmt.Sprintf("schema %q expects an object to coerce", d.ID))
	}
	out := make(map[string]any, len(data)+2)

	if !nested {
		if err := d.coerceCommon(data, dir, basepath, out); err != nil {
			return nil, err
		}
	}

	for _, attr := range d.attributes {
		_, raw, _ := lookupKey(data, attr.Name)
		coerced, err := attr.Coerce(raw, dir)
		if err != nil {
			return nil, err
		}
		if coerced != nil {
			out[attr.canonicalName()] = coerced
		}
	}

	for _, ext := range d.extensions {
		merged := d.collectExtensionData(data, ext)
		if len(merged) == 0 {
			if ext.Required {
				return nil, ErrInvalidValue(fmt.Sprintf("required schema extension %q has no data", ext.Definition.ID))
			}
			continue
		}
		coerced, err := ext.Definition.coerce(merged, dir, "", nil, true)
		if err != nil {
			if scimErr, ok := err.(*SCIMError); ok {
				return nil, NewSCIMError(scimErr.Status, scimErr.Detail+fmt.Sprintf(" in schema extension '%s'", ext.Definition.ID), scimErr.ScimType)
			}
			return nil, err
		}
		if len(coerced) > 0 {
			out[ext.Definition.ID] = coerced
		}
	}

	if filter != nil {
		out = d.applyProjection(out, filter)
	}
	return out, nil
}

// coerceCommon writes the shadow common attributes: the schemas union,
// id, externalId, and meta.
func (d *SchemaDefinition) coerceCommon(data map[string]any, dir Direction, basepath string, out map[string]any) error {
	out["schemas"] = d.schemasUnion(data)

	for _, name := range []string{"id", "externalId"} {
		attr := d.commonAttribute(name)
		_, raw, _ := lookupKey(data, name)
		coerced, err := attr.Coerce(raw, dir)
		if err != nil {
			return err
		}
		if coerced != nil {
			out[attr.Name] = coerced
		}
	}

	if dir == DirectionIn {
		return nil
	}
	metaAttr := d.commonAttribute("meta")
	meta := make(map[string]any)
	if _, raw, ok := lookupKey(data, "meta"); ok {
		coerced, err := metaAttr.Coerce(raw, dir)
		if err != nil {
			return err
		}
		if coercedMap, ok := coerced.(map[string]any); ok {
			meta = coercedMap
		}
	}
	meta["resourceType"] = d.Name
	if basepath != "" {
		if id, ok := out["id"].(string); ok && id != "" {
			meta["location"] = basepath + "/" + id
		}
	}
	out["meta"] = meta
	return nil
}

// schemasUnion computes the output schemas list: this definition's id,
// every declared extension whose data is present, and any ids the
// client supplied.
func (d *SchemaDefinition) schemasUnion(data map[string]any) []any {
	seen := map[string]bool{strings.ToLower(d.ID): true}
	schemas := []any{d.ID}
	for _, ext := range d.extensions {
		if len(d.collectExtensionData(data, ext)) > 0 {
			lower := strings.ToLower(ext.Definition.ID)
			if !seen[lower] {
				seen[lower] = true
				schemas = append(schemas, ext.Definition.ID)
			}
		}
	}
	if _, raw, ok := lookupKey(data, "schemas"); ok {
		if supplied, isSlice := asSlice(raw); isSlice {
			for _, item := range supplied {
				if s, isString := item.(string); isString {
					lower := strings.ToLower(s)
					if !seen[lower] {
						seen[lower] = true
						schemas = append(schemas, s)
					}
				}
			}
		}
	}
	return schemas
}

// collectExtensionData gathers an extension's values from both the
// object key form and the flattened "<urn>:<dotted.path>" form,
// deep-merged with namespaced keys winning scalar conflicts.
func (d *SchemaDefinition) collectExtensionData(data map[string]any, ext *SchemaExtension) map[string]any {
	merged := make(map[string]any)
	if _, raw, ok := lookupKey(data, ext.Definition.ID); ok {
		if obj, isMap := raw.(map[string]any); isMap {
			deepMerge(merged, deepCopyDoc(obj))
		}
	}
	prefix := strings.ToLower(ext.Definition.ID) + ":"
	for key, val := range data {
		if strings.HasPrefix(strings.ToLower(key), prefix) {
			setDottedValue(merged, key[len(prefix):], deepCopy(val))
		}
	}
	return merged
}

// setDottedValue writes a value at a dotted path, creating
// intermediate objects. The final segment overwrites.
func setDottedValue(doc map[string]any, path string, value any) {
	head, rest, found := strings.Cut(path, ".")
	if !found {
		if key, _, ok := lookupKey(doc, head); ok {
			doc[key] = value
			return
		}
		doc[head] = value
		return
	}
	key, existing, ok := lookupKey(doc, head)
	if !ok {
		key = head
	}
	nested, isMap := existing.(map[string]any)
	if !isMap {
		nested = make(map[string]any)
	}
	doc[key] = nested
	setDottedValue(nested, rest, value)
}

// applyProjection filters a coerced document through a selection
// filter: pr leaves request attributes, np leaves exclude them,
// positives win on conflict, and returned=always attributes survive
// regardless.
func (d *SchemaDefinition) applyProjection(doc map[string]any, filter *Filter) map[string]any {
	pr, np := filter.projectionLeaves()
	if len(pr) == 0 && len(np) == 0 {
		return doc
	}
	keepMode := len(pr) > 0
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		lower := strings.ToLower(key)
		attr := d.directAttribute(key)
		if attr == nil {
			attr = d.commonAttribute(key)
		}
		if _, isExt := d.Extension(key); isExt {
			if projected := d.projectExtension(key, value, pr, np, keepMode); projected != nil {
				out[key] = projected
			}
			continue
		}
		always := attr != nil && attr.Returned == ReturnedAlways
		if attr != nil && (attr.Returned == ReturnedNever) {
			continue
		}
		requested := pathListed(pr, lower)
		excluded := pathListed(np, lower)
		subPr := subPaths(pr, lower)
		subNp := subPaths(np, lower)
		switch {
		case always:
			out[key] = value
		case requested && excluded:
			// Positives win.
			out[key] = value
		case requested:
			out[key] = value
		case len(subPr) > 0 && attr != nil && attr.typeOrDefault() == TypeComplex:
			if projected := projectComplexValue(value, attr, subPr, nil); projected != nil {
				out[key] = projected
			}
		case keepMode:
			// Not requested in keep mode: dropped.
		case excluded:
			// Excluded in drop mode: dropped.
		case len(subNp) > 0 && attr != nil && attr.typeOrDefault() == TypeComplex:
			if projected := projectComplexValue(value, attr, nil, subNp); projected != nil {
				out[key] = projected
			}
		default:
			out[key] = value
		}
	}
	return out
}

// projectExtension applies a projection to an extension object, with
// leaf paths carrying the extension URN prefix.
func (d *SchemaDefinition) projectExtension(id string, value any, pr, np []string, keepMode bool) any {
	obj, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	lowerID := strings.ToLower(id)
	extPr := subPathsSep(pr, lowerID, ":")
	extNp := subPathsSep(np, lowerID, ":")
	wholeRequested := pathListed(pr, lowerID)
	wholeExcluded := pathListed(np, lowerID)
	switch {
	case wholeRequested:
		return obj
	case len(extPr) > 0:
		ext, _ := d.Extension(id)
		return ext.Definition.applyProjection(obj, &Filter{terms: [][]Clause{projectionClauses(extPr, extNp)}})
	case keepMode:
		return nil
	case wholeExcluded:
		return nil
	case len(extNp) > 0:
		ext, _ := d.Extension(id)
		return ext.Definition.applyProjection(obj, &Filter{terms: [][]Clause{projectionClauses(nil, extNp)}})
	default:
		return obj
	}
}

// projectionClauses rebuilds clause lists from collected leaf paths.
func projectionClauses(pr, np []string) []Clause {
	clauses := make([]Clause, 0, len(pr)+len(np))
	for _, path := range pr {
		clauses = append(clauses, Clause{Path: path, Op: OpPresent})
	}
	for _, path := range np {
		clauses = append(clauses, Clause{Path: path, Op: OpNotPresent})
	}
	return clauses
}

// projectComplexValue narrows a complex value (or each element of a
// multi-valued one) to the selected sub-attributes.
func projectComplexValue(value any, attr *Attribute, subPr, subNp []string) any {
	project := func(obj map[string]any) map[string]any {
		out := make(map[string]any, len(obj))
		for key, val := range obj {
			lower := strings.ToLower(key)
			sub := attr.subAttribute(key)
			always := sub != nil && sub.Returned == ReturnedAlways
			switch {
			case always:
				out[key] = val
			case len(subPr) > 0:
				if pathListed(subPr, lower) {
					out[key] = val
				}
			case pathListed(subNp, lower):
				// Excluded.
			default:
				out[key] = val
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	switch v := value.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if obj, ok := item.(map[string]any); ok {
				if projected := project(obj); projected != nil {
					out = append(out, projected)
				}
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case map[string]any:
		projected := project(v)
		if projected == nil {
			return nil
		}
		return projected
	default:
		return value
	}
}

// pathListed reports whether a lower-cased leaf list names the path.
func pathListed(paths []string, lower string) bool {
	for _, p := range paths {
		if p == lower {
			return true
		}
	}
	return false
}

// subPaths strips "<parent>." from each listed leaf path.
func subPaths(paths []string, parent string) []string {
	return subPathsSep(paths, parent, ".")
}

func subPathsSep(paths []string, parent, sep string) []string {
	var out []string
	prefix := parent + sep
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p[len(prefix):])
		}
	}
	return out
}

// MarshalJSON serialises the definition for the /Schemas discovery
// endpoint: declared attributes only, shadow commons omitted.
func (d *SchemaDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Schemas     []string     `json:"schemas"`
		ID          string       `json:"id"`
		Name        string       `json:"name,omitempty"`
		Description string       `json:"description,omitempty"`
		Attributes  []*Attribute `json:"attributes,omitempty"`
	}{
		Schemas:     []string{SchemaSchema},
		ID:          d.ID,
		Name:        d.Name,
		Description: d.Description,
		Attributes:  d.attributes,
	})
}
