// Package memory provides an in-memory handler set for scimcore
// resource types, used by the scimd command and the tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcelom97/scimcore/scim"
)

// Store holds resource documents per resource type.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	revisions   map[string]int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]map[string]any),
		revisions:   make(map[string]int),
	}
}

// Bind installs the store's egress, ingress, and degress handlers on a
// resource type.
func (s *Store) Bind(rt *scim.ResourceType) *scim.ResourceType {
	return rt.
		SetEgress(s.egress).
		SetIngress(s.ingress).
		SetDegress(s.degress)
}

func (s *Store) collection(name string) map[string]map[string]any {
	collection, ok := s.collections[name]
	if !ok {
		collection = make(map[string]map[string]any)
		s.collections[name] = collection
	}
	return collection
}

func (s *Store) egress(ctx context.Context, r *scim.Resource) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	collection := s.collections[r.Type.Name]
	if r.ID != "" {
		doc, ok := collection[r.ID]
		if !ok {
			return nil, scim.ErrNotFound(r.Type.Name, r.ID)
		}
		return []map[string]any{copyDoc(doc)}, nil
	}
	docs := make([]map[string]any, 0, len(collection))
	for _, doc := range collection {
		docs = append(docs, copyDoc(doc))
	}
	return docs, nil
}

func (s *Store) ingress(ctx context.Context, r *scim.Resource, instance map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	collection := s.collection(r.Type.Name)

	id, _ := instance["id"].(string)
	if id == "" {
		id = r.ID
	}
	existing, update := collection[id]
	if id == "" {
		id = uuid.NewString()
	}

	if err := s.checkUniqueness(r.Type, collection, id, instance); err != nil {
		return nil, err
	}

	doc := copyDoc(instance)
	doc["id"] = id
	now := time.Now().UTC().Format(time.RFC3339)
	meta, _ := doc["meta"].(map[string]any)
	if meta == nil {
		meta = make(map[string]any)
	}
	if update {
		if prior, ok := existing["meta"].(map[string]any); ok {
			if created, ok := prior["created"].(string); ok {
				meta["created"] = created
			}
		}
	}
	if _, ok := meta["created"]; !ok {
		meta["created"] = now
	}
	meta["lastModified"] = now
	meta["resourceType"] = r.Type.Name
	s.revisions[r.Type.Name+"/"+id]++
	meta["version"] = fmt.Sprintf(`W/"%d"`, s.revisions[r.Type.Name+"/"+id])
	doc["meta"] = meta

	collection[id] = doc
	return copyDoc(doc), nil
}

func (s *Store) degress(ctx context.Context, r *scim.Resource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	collection := s.collections[r.Type.Name]
	if _, ok := collection[r.ID]; !ok {
		return scim.ErrNotFound(r.Type.Name, r.ID)
	}
	delete(collection, r.ID)
	return nil
}

// checkUniqueness enforces uniqueness=server/global attributes across
// the collection.
func (s *Store) checkUniqueness(rt *scim.ResourceType, collection map[string]map[string]any, id string, instance map[string]any) error {
	for _, attr := range rt.Schema.Attributes() {
		if attr.MultiValued || attr.Uniqueness == "" || attr.Uniqueness == scim.UniquenessNone {
			continue
		}
		value := stringValue(instance, attr.Name)
		if value == "" {
			continue
		}
		for otherID, other := range collection {
			if otherID == id {
				continue
			}
			otherValue := stringValue(other, attr.Name)
			if otherValue == "" {
				continue
			}
			equal := otherValue == value
			if !attr.CaseExact {
				equal = strings.EqualFold(otherValue, value)
			}
			if equal {
				return scim.ErrUniqueness(fmt.Sprintf("%s with %s %q already exists", rt.Name, attr.Name, value))
			}
		}
	}
	return nil
}

func stringValue(doc map[string]any, name string) string {
	for key, value := range doc {
		if strings.EqualFold(key, name) {
			s, _ := value.(string)
			return s
		}
	}
	return ""
}

func copyDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = copyValue(value)
	}
	return out
}

func copyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return copyDoc(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
