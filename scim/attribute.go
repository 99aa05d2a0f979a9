package scim

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"
	"time"
)

// Attribute data types from RFC 7643 Section 2.3.
const (
	TypeString    = "string"
	TypeBoolean   = "boolean"
	TypeDecimal   = "decimal"
	TypeInteger   = "integer"
	TypeDateTime  = "dateTime"
	TypeBinary    = "binary"
	TypeReference = "reference"
	TypeComplex   = "complex"
)

// Mutability values from RFC 7643 Section 2.2.
const (
	MutabilityReadWrite = "readWrite"
	MutabilityReadOnly  = "readOnly"
	MutabilityImmutable = "immutable"
	MutabilityWriteOnly = "writeOnly"
)

// Returned values from RFC 7643 Section 2.2.
const (
	ReturnedAlways  = "always"
	ReturnedNever   = "never"
	ReturnedDefault = "default"
	ReturnedRequest = "request"
)

// Uniqueness values from RFC 7643 Section 2.2.
const (
	UniquenessNone   = "none"
	UniquenessServer = "server"
	UniquenessGlobal = "global"
)

// Direction selects which half of a round trip a coercion serves:
// client-to-server bodies ("in"), server-to-client bodies ("out"), or
// both.
type Direction string

// Coercion directions.
const (
	DirectionIn   Direction = "in"
	DirectionOut  Direction = "out"
	DirectionBoth Direction = "both"
)

// Attribute describes a single named field of a SCIM resource: its
// primitive type, multi-valuedness, sub-attributes for complex types,
// and the RFC 7643 attribute characteristics. The zero values of the
// characteristic fields behave as readWrite/default/none so literal
// declarations stay short.
type Attribute struct {
	Name            string
	Description     string
	Type            string
	MultiValued     bool
	Required        bool
	CaseExact       bool
	Mutability      string
	Returned        string
	Uniqueness      string
	CanonicalValues []string
	ReferenceTypes  []string
	SubAttributes   []*Attribute

	// shadow attributes are engine-internal and excluded from the
	// discovery serialisation.
	shadow bool
	// direction restricts which coercion directions the attribute
	// participates in; empty means both.
	direction Direction
}

// validate checks the declaration invariants. It is called once at
// schema-definition time.
func (a *Attribute) validate() error {
	if a.Name == "" {
		return ErrInvalidValue("attribute name cannot be empty")
	}
	if strings.Contains(a.Name, ".") {
		return ErrInvalidValue(fmt.Sprintf("attribute name %q must not contain a period", a.Name))
	}
	typ := a.Type
	if typ == "" {
		typ = TypeString
	}
	switch typ {
	case TypeString, TypeBoolean, TypeDecimal, TypeInteger, TypeDateTime, TypeBinary, TypeReference, TypeComplex:
	default:
		return ErrInvalidValue(fmt.Sprintf("attribute %q has unknown type %q", a.Name, a.Type))
	}
	if typ != TypeComplex && len(a.SubAttributes) > 0 {
		return ErrInvalidValue(fmt.Sprintf("attribute %q is not complex and cannot carry sub-attributes", a.Name))
	}
	seen := make(map[string]bool, len(a.SubAttributes))
	for _, sub := range a.SubAttributes {
		if err := sub.validate(); err != nil {
			return err
		}
		lower := strings.ToLower(sub.Name)
		if seen[lower] {
			return ErrInvalidValue(fmt.Sprintf("attribute %q declares sub-attribute %q twice", a.Name, sub.Name))
		}
		seen[lower] = true
	}
	return nil
}

// applyDefaults fills the zero characteristic fields with their RFC
// defaults and grafts the implicit "primary" sub-attribute onto
// multi-valued complex attributes.
func (a *Attribute) applyDefaults() {
	if a.Type == "" {
		a.Type = TypeString
	}
	if a.Mutability == "" {
		a.Mutability = MutabilityReadWrite
	}
	if a.Returned == "" {
		a.Returned = ReturnedDefault
	}
	if a.Uniqueness == "" {
		a.Uniqueness = UniquenessNone
	}
	if a.direction == "" {
		a.direction = DirectionBoth
	}
	for _, sub := range a.SubAttributes {
		sub.applyDefaults()
	}
	if a.Type == TypeComplex && a.MultiValued && a.subAttribute("primary") == nil {
		primary := &Attribute{
			Name:        "primary",
			Description: "A Boolean value indicating the 'primary' or preferred attribute value for this attribute.",
			Type:        TypeBoolean,
		}
		primary.applyDefaults()
		a.SubAttributes = append(a.SubAttributes, primary)
	}
}

// subAttribute returns the sub-attribute with the given
// case-insensitive name, or nil.
func (a *Attribute) subAttribute(name string) *Attribute {
	for _, sub := range a.SubAttributes {
		if strings.EqualFold(sub.Name, name) {
			return sub
		}
	}
	return nil
}

// participates reports whether the attribute takes part in a coercion
// running in the given direction.
func (a *Attribute) participates(dir Direction) bool {
	if dir == DirectionBoth || a.direction == DirectionBoth || a.direction == "" {
		return true
	}
	return a.direction == dir
}

// Coerce validates and normalises a single value of this attribute for
// the given direction. A nil result with a nil error means the
// attribute is omitted (absent, dropped by direction, dropped by
// mutability inbound, or dropped by returned outbound).
func (a *Attribute) Coerce(value any, dir Direction) (any, error) {
	if !a.participates(dir) {
		return nil, nil
	}
	if dir == DirectionIn && a.Mutability == MutabilityReadOnly {
		return nil, nil
	}
	if dir == DirectionOut && (a.Returned == ReturnedNever || a.Mutability == MutabilityWriteOnly) {
		return nil, nil
	}
	if isEmptyValue(value) {
		if a.Required {
			return nil, ErrInvalidValue(fmt.Sprintf("required attribute %q is missing", a.Name))
		}
		return nil, nil
	}
	if a.MultiValued {
		return a.coerceMulti(value, dir)
	}
	return a.coerceSingle(value, dir)
}

// coerceMulti coerces a multi-valued attribute: the value must be an
// array, each element is coerced as if single-valued, at most one
// element may be primary, and duplicates are rejected when the
// attribute declares uniqueness.
func (a *Attribute) coerceMulti(value any, dir Direction) (any, error) {
	items, ok := asSlice(value)
	if !ok {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q is multi-valued and expects an array", a.Name))
	}
	out := make([]any, 0, len(items))
	primaries := 0
	for _, item := range items {
		coerced, err := a.coerceSingle(item, dir)
		if err != nil {
			return nil, err
		}
		if coerced == nil {
			continue
		}
		if element, ok := coerced.(map[string]any); ok {
			if primary, _ := element["primary"].(bool); primary {
				primaries++
			}
		}
		out = append(out, coerced)
	}
	if primaries > 1 {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q has more than one element marked primary", a.Name))
	}
	if a.Uniqueness != "" && a.Uniqueness != UniquenessNone {
		for i := range out {
			for j := i + 1; j < len(out); j++ {
				if a.valuesEqual(out[i], out[j]) {
					return nil, ErrUniqueness(fmt.Sprintf("attribute %q contains duplicate values", a.Name))
				}
			}
		}
	}
	if len(out) == 0 {
		if a.Required {
			return nil, ErrInvalidValue(fmt.Sprintf("required attribute %q is missing", a.Name))
		}
		return nil, nil
	}
	return out, nil
}

// coerceSingle coerces one value according to the attribute's type.
func (a *Attribute) coerceSingle(value any, dir Direction) (any, error) {
	switch a.typeOrDefault() {
	case TypeString:
		return a.coerceString(value)
	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a boolean", a.Name))
		}
		return b, nil
	case TypeInteger:
		n, ok := toNumber(value)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a whole number", a.Name))
		}
		return int64(n), nil
	case TypeDecimal:
		n, ok := toNumber(value)
		if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a finite number", a.Name))
		}
		return n, nil
	case TypeDateTime:
		s, ok := value.(string)
		if !ok {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects an RFC 3339 dateTime string", a.Name))
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q value %q is not a valid dateTime", a.Name, s))
		}
		return s, nil
	case TypeBinary:
		s, ok := value.(string)
		if !ok {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a base64 string", a.Name))
		}
		if _, err := base64.StdEncoding.DecodeString(s); err != nil {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q value is not valid base64", a.Name))
		}
		return s, nil
	case TypeReference:
		return a.coerceReference(value)
	case TypeComplex:
		return a.coerceComplex(value, dir)
	}
	return nil, ErrInvalidValue(fmt.Sprintf("attribute %q has unknown type %q", a.Name, a.Type))
}

// coerceString checks the value is a string and, when a canonical set
// is declared, that the value is a member. Membership is
// case-insensitive unless the attribute is caseExact; the stored value
// always preserves the client's case.
func (a *Attribute) coerceString(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a string", a.Name))
	}
	if len(a.CanonicalValues) > 0 && a.closedCanonical() {
		member := slices.ContainsFunc(a.CanonicalValues, func(canonical string) bool {
			if a.CaseExact {
				return canonical == s
			}
			return strings.EqualFold(canonical, s)
		})
		if !member {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q value %q is not one of the canonical values", a.Name, s))
		}
	}
	return s, nil
}

// closedCanonical reports whether the canonical value set rejects
// non-members. The set is advisory (open) for uniqueness=none and
// restrictive otherwise.
func (a *Attribute) closedCanonical() bool {
	return a.Uniqueness != "" && a.Uniqueness != UniquenessNone
}

// coerceReference checks string-ness and validates URI syntax when the
// declared reference types call for it. References to registered
// resource types carry plain ids and need no URI validation.
func (a *Attribute) coerceReference(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects a reference string", a.Name))
	}
	needsURI := false
	for _, rt := range a.ReferenceTypes {
		if rt == "uri" || rt == "external" {
			needsURI = true
		} else {
			// A resource-type reference admits bare ids.
			return s, nil
		}
	}
	if needsURI {
		if _, err := url.Parse(s); err != nil {
			return nil, ErrInvalidValue(fmt.Sprintf("attribute %q value %q is not a valid URI", a.Name, s))
		}
	}
	return s, nil
}

// coerceComplex coerces an object value, recursing into declared
// sub-attributes and rejecting undeclared ones.
func (a *Attribute) coerceComplex(value any, dir Direction) (any, error) {
	if _, isArray := asSlice(value); isArray && !a.MultiValued {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q is single-valued and expects an object", a.Name))
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, ErrInvalidValue(fmt.Sprintf("attribute %q expects an object", a.Name))
	}
	out := make(map[string]any, len(obj))
	for key, raw := range obj {
		sub := a.subAttribute(key)
		if sub == nil {
			return nil, ErrInvalidSyntax(fmt.Sprintf("attribute %q has no sub-attribute %q", a.Name, key))
		}
		coerced, err := sub.Coerce(raw, dir)
		if err != nil {
			return nil, err
		}
		if coerced != nil {
			out[sub.canonicalName()] = coerced
		}
	}
	for _, sub := range a.SubAttributes {
		if sub.Required && !sub.shadow {
			if _, present := out[sub.canonicalName()]; !present && sub.participates(dir) {
				return nil, ErrInvalidValue(fmt.Sprintf("required sub-attribute %q of %q is missing", sub.Name, a.Name))
			}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// valuesEqual compares two coerced values for uniqueness purposes,
// honouring caseExact for strings.
func (a *Attribute) valuesEqual(x, y any) bool {
	xs, xok := x.(string)
	ys, yok := y.(string)
	if xok && yok {
		if a.CaseExact {
			return xs == ys
		}
		return strings.EqualFold(xs, ys)
	}
	return deepEqual(x, y)
}

// canonicalName returns the attribute name as declared, which is the
// key written into coerced documents.
func (a *Attribute) canonicalName() string {
	return a.Name
}

func (a *Attribute) typeOrDefault() string {
	if a.Type == "" {
		return TypeString
	}
	return a.Type
}

// clone deep-copies the attribute tree. Schema extension and truncate
// operations work on copies so shared declarations stay pristine.
func (a *Attribute) clone() *Attribute {
	dup := *a
	dup.CanonicalValues = slices.Clone(a.CanonicalValues)
	dup.ReferenceTypes = slices.Clone(a.ReferenceTypes)
	dup.SubAttributes = make([]*Attribute, len(a.SubAttributes))
	for i, sub := range a.SubAttributes {
		dup.SubAttributes[i] = sub.clone()
	}
	return &dup
}

// MarshalJSON serialises the attribute for the /Schemas discovery
// endpoint in the RFC 7643 Section 7 shape.
func (a *Attribute) MarshalJSON() ([]byte, error) {
	dup := a.clone()
	dup.applyDefaults()
	subs := make([]*Attribute, 0, len(dup.SubAttributes))
	for _, sub := range dup.SubAttributes {
		if !sub.shadow {
			subs = append(subs, sub)
		}
	}
	type wire struct {
		Name            string       `json:"name"`
		Type            string       `json:"type"`
		SubAttributes   []*Attribute `json:"subAttributes,omitempty"`
		MultiValued     bool         `json:"multiValued"`
		Description     string       `json:"description,omitempty"`
		Required        bool         `json:"required"`
		CanonicalValues []string     `json:"canonicalValues,omitempty"`
		CaseExact       bool         `json:"caseExact"`
		Mutability      string       `json:"mutability"`
		Returned        string       `json:"returned"`
		Uniqueness      string       `json:"uniqueness"`
		ReferenceTypes  []string     `json:"referenceTypes,omitempty"`
	}
	return json.Marshal(wire{
		Name:            dup.Name,
		Type:            dup.Type,
		SubAttributes:   subs,
		MultiValued:     dup.MultiValued,
		Description:     dup.Description,
		Required:        dup.Required,
		CanonicalValues: dup.CanonicalValues,
		CaseExact:       dup.CaseExact,
		Mutability:      dup.Mutability,
		Returned:        dup.Returned,
		Uniqueness:      dup.Uniqueness,
		ReferenceTypes:  dup.ReferenceTypes,
	})
}
