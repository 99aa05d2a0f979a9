package scim

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SortOrder values from RFC 7644 Section 3.4.2.3.
const (
	SortAscending  = "ascending"
	SortDescending = "descending"
)

// ListOptions carries the sorting and pagination constraints of a list
// query. TotalResults overrides the derived cardinality when the
// handler pre-paginated.
type ListOptions struct {
	SortBy       string
	SortOrder    string
	StartIndex   int
	Count        int
	TotalResults int
}

// ListResponse sorts and paginates a set of coerced resources into the
// RFC 7644 list envelope.
type ListResponse struct {
	TotalResults int
	StartIndex   int
	ItemsPerPage int
	Resources    []map[string]any
}

// NewListResponse validates the constraints, sorts, and paginates.
func NewListResponse(resources []map[string]any, opts ListOptions) (*ListResponse, error) {
	switch strings.ToLower(opts.SortOrder) {
	case "", SortAscending, SortDescending:
	default:
		return nil, ErrInvalidValue(fmt.Sprintf("invalid sortOrder %q", opts.SortOrder))
	}
	if opts.StartIndex < 0 {
		return nil, ErrInvalidValue("startIndex must be a positive integer")
	}
	if opts.Count < 0 {
		return nil, ErrInvalidValue("count must be a non-negative integer")
	}
	if opts.TotalResults < 0 {
		return nil, ErrInvalidValue("totalResults must be a non-negative integer")
	}

	sorted := resources
	if opts.SortBy != "" {
		sorted = sortResources(resources, opts.SortBy, strings.ToLower(opts.SortOrder) != SortDescending)
	}

	total := len(sorted)
	if opts.TotalResults > 0 {
		total = opts.TotalResults
	}

	startIndex := opts.StartIndex
	if startIndex < 1 {
		startIndex = 1
	}
	start := min(startIndex-1, len(sorted))
	end := len(sorted)
	if opts.Count > 0 {
		end = min(start+opts.Count, len(sorted))
	}
	paged := sorted[start:end]

	return &ListResponse{
		TotalResults: total,
		StartIndex:   startIndex,
		ItemsPerPage: len(paged),
		Resources:    paged,
	}, nil
}

// sortResources sorts stably on the sortBy attribute path. Values are
// extracted once per resource since nested targets walk the document.
func sortResources(resources []map[string]any, sortBy string, ascending bool) []map[string]any {
	type pair struct {
		doc   map[string]any
		value any
	}
	pairs := make([]pair, len(resources))
	for i, doc := range resources {
		pairs[i] = pair{doc: doc, value: sortValue(doc, sortBy)}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		cmp := compareForSort(pairs[i].value, pairs[j].value)
		if ascending {
			return cmp < 0
		}
		return cmp > 0
	})
	sorted := make([]map[string]any, len(pairs))
	for i, p := range pairs {
		sorted[i] = p.doc
	}
	return sorted
}

// sortValue resolves the sort target inside a document. A multi-valued
// step resolves to the element marked primary, falling back to the
// first element.
func sortValue(doc any, path string) any {
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		urn, rest := splitURNPath(path)
		if obj, ok := doc.(map[string]any); ok {
			if _, nested, found := lookupKey(obj, urn); found {
				return sortValue(nested, rest)
			}
		}
		return nil
	}
	current := doc
	for path != "" {
		var head string
		head, path, _ = strings.Cut(path, ".")
		current = pickElement(current)
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		_, next, found := lookupKey(obj, head)
		if !found {
			return nil
		}
		current = next
	}
	return pickElement(current)
}

// pickElement selects the representative element of a multi-valued
// value: primary=true if any, else the first.
func pickElement(value any) any {
	elements, ok := asSlice(value)
	if !ok {
		return value
	}
	if len(elements) == 0 {
		return nil
	}
	for _, element := range elements {
		if obj, isMap := element.(map[string]any); isMap {
			if primary, _ := obj["primary"].(bool); primary {
				return element
			}
		}
	}
	return elements[0]
}

// compareForSort orders two sort keys: numeric against numeric, RFC
// 3339 against RFC 3339 chronologically, everything else as strings.
// Defined values sort before undefined ones.
func compareForSort(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	an, aok := toNumber(a)
	bn, bok := toNumber(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		}
		return 0
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr && isDateTime(as) && isDateTime(bs) {
		at, _ := time.Parse(time.RFC3339, as)
		bt, _ := time.Parse(time.RFC3339, bs)
		switch {
		case at.Before(bt):
			return -1
		case at.After(bt):
			return 1
		}
		return 0
	}
	if !aIsStr {
		as = fmt.Sprintf("%v", a)
	}
	if !bIsStr {
		bs = fmt.Sprintf("%v", b)
	}
	return strings.Compare(as, bs)
}

// MarshalJSON emits the RFC 7644 list envelope.
func (l *ListResponse) MarshalJSON() ([]byte, error) {
	resources := l.Resources
	if resources == nil {
		resources = []map[string]any{}
	}
	return json.Marshal(struct {
		Schemas      []string         `json:"schemas"`
		TotalResults int              `json:"totalResults"`
		StartIndex   int              `json:"startIndex"`
		ItemsPerPage int              `json:"itemsPerPage"`
		Resources    []map[string]any `json:"Resources"`
	}{
		Schemas:      []string{SchemaListResponse},
		TotalResults: l.TotalResults,
		StartIndex:   l.StartIndex,
		ItemsPerPage: l.ItemsPerPage,
		Resources:    resources,
	})
}
