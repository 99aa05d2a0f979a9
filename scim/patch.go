package scim

import (
	"fmt"
	"strings"
)

// PatchOp is the RFC 7644 Section 3.5.2 PATCH envelope.
type PatchOp struct {
	Schemas    []string         `json:"schemas"`
	Operations []PatchOperation `json:"Operations"`
}

// PatchOperation is a single add/remove/replace operation.
type PatchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path,omitempty"`
	Value any    `json:"value,omitempty"`
}

// Apply interprets the operations against a resource document,
// re-coercing through the schema after every operation. It returns the
// new document when the resource was modified and nil when the
// operations were a no-op.
//
// Adding an element with primary=true demotes a previously primary
// element to primary=false. That demotion is a library convention: RFC
// 7644 requires at most one primary but does not spell out the reset.
func (p *PatchOp) Apply(resource map[string]any, def *SchemaDefinition) (map[string]any, error) {
	if !hasOneSchema(p.Schemas, SchemaPatchOp) {
		return nil, ErrInvalidSyntax(fmt.Sprintf("patch request must declare schema %q", SchemaPatchOp))
	}
	if len(p.Operations) == 0 {
		return nil, ErrInvalidValue("patch request must contain at least one operation")
	}
	if def == nil {
		return nil, ErrInvalidValue("patch target has no schema definition")
	}
	base, err := def.Coerce(resource, DirectionBoth, "", nil)
	if err != nil {
		return nil, err
	}
	snapshot := deepCopyDoc(base)
	doc := deepCopyDoc(base)

	for i, op := range p.Operations {
		prev := deepCopyDoc(doc)
		if err := p.applyOperation(doc, def, op); err != nil {
			if scimErr, ok := err.(*SCIMError); ok {
				return nil, NewSCIMError(scimErr.Status, fmt.Sprintf("operation %d: %s", i, scimErr.Detail), scimErr.ScimType)
			}
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		coerced, err := def.Coerce(doc, DirectionBoth, "", nil)
		if err != nil {
			return nil, err
		}
		// Each operation is checked against the state it was applied
		// to: an in-place change of a protected value is caught at the
		// operation that made it, while removing one element and adding
		// another is not mistaken for a modification.
		if err := checkMutability(def, prev, coerced); err != nil {
			return nil, err
		}
		doc = coerced
	}

	if deepEqual(stripVolatile(snapshot), stripVolatile(doc)) {
		return nil, nil
	}
	return doc, nil
}

// applyOperation dispatches one operation.
func (p *PatchOp) applyOperation(doc map[string]any, def *SchemaDefinition, op PatchOperation) error {
	var path *Path
	if op.Path != "" {
		parsed, err := ParsePath(op.Path)
		if err != nil {
			return err
		}
		path = parsed
	}
	switch strings.ToLower(op.Op) {
	case "add":
		if op.Value == nil {
			return ErrInvalidValue("add operation requires a value")
		}
		return applyAdd(doc, def, path, op.Value)
	case "remove":
		if path == nil {
			return ErrNoTarget("remove operation requires a path")
		}
		if op.Value != nil && path.ValueFilter == nil {
			return ErrInvalidValue("remove operation takes a value only with a value-path")
		}
		return applyRemove(doc, def, path)
	case "replace":
		if op.Value == nil {
			return ErrInvalidValue("replace operation requires a value")
		}
		return applyReplace(doc, def, path, op.Value)
	default:
		return ErrInvalidSyntax(fmt.Sprintf("unknown patch operation %q", op.Op))
	}
}

// patchTarget locates the container object and attribute metadata a
// path addresses, creating extension containers on demand.
type patchTarget struct {
	container map[string]any
	key       string
	attr      *Attribute
	wholeExt  bool
}

func resolveTarget(doc map[string]any, def *SchemaDefinition, attrPath string, create bool) (*patchTarget, error) {
	if strings.HasPrefix(strings.ToLower(attrPath), "urn:") {
		ext, rest := def.matchExtensionPrefix(attrPath)
		if ext == nil {
			return nil, ErrInvalidPath(fmt.Sprintf("no schema extension covers path %q", attrPath))
		}
		key, raw, ok := lookupKey(doc, ext.Definition.ID)
		if !ok {
			key = ext.Definition.ID
		}
		if rest == "" {
			return &patchTarget{container: doc, key: key, wholeExt: true}, nil
		}
		obj, isMap := raw.(map[string]any)
		if !isMap {
			if !create {
				return &patchTarget{container: nil, key: rest}, nil
			}
			obj = make(map[string]any)
			doc[key] = obj
		}
		attr, err := ext.Definition.Attribute(rest)
		if err != nil {
			return nil, err
		}
		storedKey, _, ok := lookupKey(obj, rest)
		if !ok {
			storedKey = attr.canonicalName()
		}
		return &patchTarget{container: obj, key: storedKey, attr: attr}, nil
	}
	attr, err := def.Attribute(attrPath)
	if err != nil {
		return nil, err
	}
	key, _, ok := lookupKey(doc, attrPath)
	if !ok {
		key = attr.canonicalName()
	}
	return &patchTarget{container: doc, key: key, attr: attr}, nil
}

// applyAdd implements the add operation.
func applyAdd(doc map[string]any, def *SchemaDefinition, path *Path, value any) error {
	if path == nil {
		return mergeRoot(doc, def, value)
	}
	target, err := resolveTarget(doc, def, path.Attribute, true)
	if err != nil {
		return err
	}
	if target.wholeExt {
		obj, ok := value.(map[string]any)
		if !ok {
			return ErrInvalidValue(fmt.Sprintf("value for %q must be an object", path.Attribute))
		}
		existing, isMap := target.container[target.key].(map[string]any)
		if !isMap {
			existing = make(map[string]any)
			target.container[target.key] = existing
		}
		deepMerge(existing, obj)
		return nil
	}
	if path.ValueFilter != nil {
		return applyToMatched(target, path, value, false)
	}
	if path.Sub != "" {
		return setSubAttribute(target, path.Sub, value)
	}
	if target.attr.MultiValued {
		appendElements(target, value)
		return nil
	}
	target.container[target.key] = value
	return nil
}

// applyReplace implements the replace operation: like add, except a
// value-path that matches nothing fails with noTarget and a multi-valued
// attribute addressed by path is replaced wholesale. Without a path the
// value merges into the root exactly as add does.
func applyReplace(doc map[string]any, def *SchemaDefinition, path *Path, value any) error {
	if path == nil {
		return mergeRoot(doc, def, value)
	}
	target, err := resolveTarget(doc, def, path.Attribute, true)
	if err != nil {
		return err
	}
	if target.wholeExt {
		obj, ok := value.(map[string]any)
		if !ok {
			return ErrInvalidValue(fmt.Sprintf("value for %q must be an object", path.Attribute))
		}
		target.container[target.key] = obj
		return nil
	}
	if path.ValueFilter != nil {
		return applyToMatched(target, path, value, true)
	}
	if path.Sub != "" {
		return setSubAttribute(target, path.Sub, value)
	}
	target.container[target.key] = value
	return nil
}

// applyRemove implements the remove operation.
func applyRemove(doc map[string]any, def *SchemaDefinition, path *Path) error {
	target, err := resolveTarget(doc, def, path.Attribute, false)
	if err != nil {
		return err
	}
	if target.container == nil {
		return nil
	}
	existing, present := target.container[target.key]
	if !present {
		_, existing, present = lookupKey(target.container, target.key)
		if !present {
			return nil
		}
	}
	if path.ValueFilter != nil {
		elements, ok := asSlice(existing)
		if !ok {
			return ErrInvalidPath(fmt.Sprintf("attribute %q is not multi-valued", path.Attribute))
		}
		kept := make([]any, 0, len(elements))
		for _, element := range elements {
			obj, isMap := element.(map[string]any)
			if isMap && path.ValueFilter.Matches(obj) {
				if path.Sub != "" {
					deleteKey(obj, path.Sub)
					kept = append(kept, obj)
				}
				continue
			}
			kept = append(kept, element)
		}
		if len(kept) == 0 {
			deleteKey(target.container, target.key)
		} else {
			target.container[target.key] = kept
		}
		return nil
	}
	if path.Sub != "" {
		switch v := existing.(type) {
		case map[string]any:
			deleteKey(v, path.Sub)
		case []any:
			for _, element := range v {
				if obj, isMap := element.(map[string]any); isMap {
					deleteKey(obj, path.Sub)
				}
			}
		}
		return nil
	}
	deleteKey(target.container, target.key)
	return nil
}

// mergeRoot merges a value object into the resource root: multi-valued
// attributes append, everything else overwrites, extension objects
// deep-merge.
func mergeRoot(doc map[string]any, def *SchemaDefinition, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return ErrInvalidValue("value for a root-level patch must be an object")
	}
	for key, val := range obj {
		if _, isExt := def.Extension(key); isExt {
			storedKey, raw, found := lookupKey(doc, key)
			nested, isMap := raw.(map[string]any)
			if !found || !isMap {
				storedKey = key
				nested = make(map[string]any)
			}
			if patch, isObj := val.(map[string]any); isObj {
				deepMerge(nested, patch)
				doc[storedKey] = nested
				continue
			}
			return ErrInvalidValue(fmt.Sprintf("value for %q must be an object", key))
		}
		attr, err := def.Attribute(key)
		if err != nil {
			return err
		}
		storedKey, _, found := lookupKey(doc, key)
		if !found {
			storedKey = attr.canonicalName()
		}
		if attr.MultiValued {
			appendElements(&patchTarget{container: doc, key: storedKey, attr: attr}, val)
			continue
		}
		doc[storedKey] = val
	}
	return nil
}

// appendElements appends one value or a batch of values to a
// multi-valued attribute, demoting a previously primary element when a
// new element claims primary.
func appendElements(target *patchTarget, value any) {
	existing, _ := asSlice(target.container[target.key])
	var incoming []any
	if batch, ok := asSlice(value); ok {
		incoming = batch
	} else {
		incoming = []any{value}
	}
	for _, element := range incoming {
		if obj, ok := element.(map[string]any); ok {
			if primary, _ := obj["primary"].(bool); primary {
				demotePrimary(existing)
			}
		}
		existing = append(existing, element)
	}
	target.container[target.key] = existing
}

// demotePrimary clears primary=true on existing elements.
func demotePrimary(elements []any) {
	for _, element := range elements {
		if obj, ok := element.(map[string]any); ok {
			if primary, _ := obj["primary"].(bool); primary {
				obj["primary"] = false
			}
		}
	}
}

// setSubAttribute writes a sub-attribute of a complex target; on a
// multi-valued target without a value-path the write applies to every
// element.
func setSubAttribute(target *patchTarget, sub string, value any) error {
	existing, present := target.container[target.key]
	if !present {
		nested := map[string]any{sub: value}
		target.container[target.key] = nested
		return nil
	}
	switch v := existing.(type) {
	case map[string]any:
		setKey(v, sub, value)
	case []any:
		for _, element := range v {
			if obj, ok := element.(map[string]any); ok {
				setKey(obj, sub, value)
			}
		}
	default:
		return ErrInvalidPath(fmt.Sprintf("attribute %q is not complex", target.key))
	}
	return nil
}

// applyToMatched applies an add/replace to each element matched by the
// value-path filter. Replace fails with noTarget when nothing matches.
func applyToMatched(target *patchTarget, path *Path, value any, replace bool) error {
	existing, present := target.container[target.key]
	elements, ok := asSlice(existing)
	if !present || !ok {
		if replace {
			return ErrNoTarget(fmt.Sprintf("no value of %q matches the value filter", path.Attribute))
		}
		return nil
	}
	matched := 0
	hadPrimary := false
	if obj, isObj := value.(map[string]any); isObj {
		if primary, _ := obj["primary"].(bool); primary {
			hadPrimary = true
		}
	}
	if path.Sub == "primary" {
		if primary, _ := value.(bool); primary {
			hadPrimary = true
		}
	}
	for _, element := range elements {
		obj, isMap := element.(map[string]any)
		if !isMap || !path.ValueFilter.Matches(obj) {
			continue
		}
		matched++
		if hadPrimary {
			demotePrimary(elements)
		}
		if path.Sub != "" {
			setKey(obj, path.Sub, value)
			continue
		}
		patch, isObj := value.(map[string]any)
		if !isObj {
			return ErrInvalidValue(fmt.Sprintf("value for %q must be an object", path.Attribute))
		}
		deepMerge(obj, patch)
	}
	if matched == 0 && replace {
		return ErrNoTarget(fmt.Sprintf("no value of %q matches the value filter", path.Attribute))
	}
	target.container[target.key] = elements
	return nil
}

// setKey writes a key case-insensitively, reusing a stored key when
// one exists.
func setKey(doc map[string]any, name string, value any) {
	if key, _, ok := lookupKey(doc, name); ok {
		doc[key] = value
		return
	}
	doc[name] = value
}

// checkMutability rejects changes to readOnly attributes and to
// immutable attributes that already had a value, recursing into the
// sub-attributes of complex values and into extension objects.
func checkMutability(def *SchemaDefinition, before, after map[string]any) error {
	return checkMutableDoc(def, before, after, true)
}

// checkImmutability enforces only the immutable rule. Replace-style
// writes receive readOnly attributes from the server, not the client,
// so an inbound document missing them is not a change.
func checkImmutability(def *SchemaDefinition, before, after map[string]any) error {
	return checkMutableDoc(def, before, after, false)
}

func checkMutableDoc(def *SchemaDefinition, before, after map[string]any, includeReadOnly bool) error {
	if err := checkMutableAttrs(def.ID, "", def.Attributes(), before, after, includeReadOnly); err != nil {
		return err
	}
	for _, ext := range def.Extensions() {
		_, old, hadOld := lookupKey(before, ext.Definition.ID)
		_, cur, hasCur := lookupKey(after, ext.Definition.ID)
		oldObj, oldIsMap := old.(map[string]any)
		curObj, curIsMap := cur.(map[string]any)
		if !hadOld || !oldIsMap {
			continue
		}
		if !hasCur || !curIsMap {
			curObj = map[string]any{}
		}
		if err := checkMutableAttrs(ext.Definition.ID, "", ext.Definition.Attributes(), oldObj, curObj, includeReadOnly); err != nil {
			return err
		}
	}
	return nil
}

// checkMutableAttrs walks one attribute level. Elements of multi-valued
// complex attributes are paired positionally when the element count is
// unchanged; with elements added or removed there is no identity to
// pair on, so the elements' sub-attributes are not checked.
func checkMutableAttrs(schemaID, prefix string, attrs []*Attribute, before, after map[string]any, includeReadOnly bool) error {
	for _, attr := range attrs {
		name := attr.Name
		if prefix != "" {
			name = prefix + "." + attr.Name
		}
		_, old, hadOld := lookupKey(before, attr.Name)
		_, cur, hasCur := lookupKey(after, attr.Name)
		if !hadOld || isEmptyValue(old) {
			continue
		}
		switch attr.Mutability {
		case MutabilityReadOnly:
			if includeReadOnly && (!hasCur || !deepEqual(old, cur)) {
				return ErrMutability(fmt.Sprintf("attribute %q of schema %q is read-only", name, schemaID))
			}
		case MutabilityImmutable:
			if hasCur && !deepEqual(old, cur) {
				return ErrMutability(fmt.Sprintf("attribute %q of schema %q is immutable", name, schemaID))
			}
		}
		if attr.typeOrDefault() != TypeComplex || len(attr.SubAttributes) == 0 || !hasCur {
			continue
		}
		if attr.MultiValued {
			oldElements, oldOK := asSlice(old)
			curElements, curOK := asSlice(cur)
			if !oldOK || !curOK || len(oldElements) != len(curElements) {
				continue
			}
			for i := range oldElements {
				oldObj, a := oldElements[i].(map[string]any)
				curObj, b := curElements[i].(map[string]any)
				if !a || !b {
					continue
				}
				if err := checkMutableAttrs(schemaID, name, attr.SubAttributes, oldObj, curObj, includeReadOnly); err != nil {
					return err
				}
			}
			continue
		}
		oldObj, a := old.(map[string]any)
		curObj, b := cur.(map[string]any)
		if a && b {
			if err := checkMutableAttrs(schemaID, name, attr.SubAttributes, oldObj, curObj, includeReadOnly); err != nil {
				return err
			}
		}
	}
	return nil
}

// stripVolatile removes server-stamped fields before modification
// comparison.
func stripVolatile(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := deepCopyDoc(doc)
	if meta, ok := out["meta"].(map[string]any); ok {
		deleteKey(meta, "lastModified")
		deleteKey(meta, "version")
		if len(meta) == 0 {
			delete(out, "meta")
		}
	}
	return out
}
