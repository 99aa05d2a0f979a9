package scim

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// BulkRequest represents a SCIM bulk request
type BulkRequest struct {
	Schemas      []string        `json:"schemas"`
	FailOnErrors int             `json:"failOnErrors,omitempty"`
	Operations   []BulkOperation `json:"Operations"`

	applied atomic.Bool
}

// BulkResponse represents a SCIM bulk response
type BulkResponse struct {
	Schemas    []string                `json:"schemas"`
	Operations []BulkOperationResponse `json:"Operations"`
}

// BulkOperation represents a single bulk operation
type BulkOperation struct {
	Method  string         `json:"method"`
	BulkID  string         `json:"bulkId,omitempty"`
	Version string         `json:"version,omitempty"`
	Path    string         `json:"path"`
	Data    map[string]any `json:"data,omitempty"`
}

// BulkOperationResponse represents a bulk operation response
type BulkOperationResponse struct {
	Method   string `json:"method,omitempty"`
	BulkID   string `json:"bulkId,omitempty"`
	Version  string `json:"version,omitempty"`
	Location string `json:"location,omitempty"`
	Response any    `json:"response,omitempty"`
	Status   string `json:"status"`
}

// bulkSlot is the one-shot completion slot a POST bulkId owns. Tasks
// referencing the bulkId await done and read id or err.
type bulkSlot struct {
	owner int
	done  chan struct{}
	once  sync.Once
	id    string
	err   error
}

func (s *bulkSlot) resolve(id string) {
	s.once.Do(func() {
		s.id = id
		close(s.done)
	})
}

func (s *bulkSlot) reject(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// bulkRun is the per-Apply scheduler state.
type bulkRun struct {
	req      *BulkRequest
	basepath string
	slots    map[string]*bulkSlot
	dataJSON []string
	// refs[i] lists the bulkIds op i references, in order of
	// appearance in its data.
	refs [][]string
	// dependents[i] is the set of op indices that reference op i's
	// bulkId, directly or transitively.
	dependents []map[int]bool
	done       []chan struct{}
	results    []*BulkOperationResponse

	errMu    sync.Mutex
	errCount int
}

// Apply validates the envelope, schedules every operation as a
// cooperative task, resolves bulkId cross-references (breaking cycles
// with a partial write), and assembles the response in request order.
// A BulkRequest is single-shot: a second Apply fails.
func (b *BulkRequest) Apply(ctx context.Context, basepath string) (*BulkResponse, error) {
	if !b.applied.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("bulk request has already been applied")
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	run := &bulkRun{
		req:      b,
		basepath: basepath,
		slots:    make(map[string]*bulkSlot),
		dataJSON: make([]string, len(b.Operations)),
		refs:     make([][]string, len(b.Operations)),
		done:     make([]chan struct{}, len(b.Operations)),
		results:  make([]*BulkOperationResponse, len(b.Operations)),
	}
	for i, op := range b.Operations {
		if op.Data != nil {
			encoded, err := json.Marshal(op.Data)
			if err != nil {
				return nil, ErrInvalidSyntax(fmt.Sprintf("operation %d carries unencodable data", i))
			}
			run.dataJSON[i] = string(encoded)
		}
		run.done[i] = make(chan struct{})
		if strings.EqualFold(op.Method, http.MethodPost) && op.BulkID != "" {
			run.slots[op.BulkID] = &bulkSlot{owner: i, done: make(chan struct{})}
		}
	}
	run.discoverReferences()

	var wg sync.WaitGroup
	for i := range b.Operations {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			run.runTask(ctx, index)
		}(i)
	}
	wg.Wait()

	response := &BulkResponse{Schemas: []string{SchemaBulkResponse}}
	for _, result := range run.results {
		if result != nil {
			response.Operations = append(response.Operations, *result)
		}
	}
	return response, nil
}

// validate checks the bulk envelope against Section 3.7 and the
// service provider limits.
func (b *BulkRequest) validate() error {
	if !hasOneSchema(b.Schemas, SchemaBulkRequest) {
		return ErrInvalidSyntax(fmt.Sprintf("bulk request must declare schema %q", SchemaBulkRequest))
	}
	if b.FailOnErrors < 0 {
		return ErrInvalidValue("failOnErrors must be a non-negative integer")
	}
	maxOperations := ServiceConfig().Bulk.MaxOperations
	if len(b.Operations) == 0 {
		return ErrInvalidValue("bulk request must contain at least one operation")
	}
	if maxOperations > 0 && len(b.Operations) > maxOperations {
		return ErrTooMany(fmt.Sprintf("bulk request exceeds the maximum of %d operations", maxOperations))
	}
	seen := make(map[string]bool)
	for i, op := range b.Operations {
		method := strings.ToUpper(op.Method)
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		default:
			return ErrInvalidValue(fmt.Sprintf("operation %d has invalid method %q", i, op.Method))
		}
		if !strings.HasPrefix(op.Path, "/") {
			return ErrInvalidValue(fmt.Sprintf("operation %d has invalid path %q", i, op.Path))
		}
		switch method {
		case http.MethodPost:
			if op.BulkID == "" {
				return ErrInvalidValue(fmt.Sprintf("operation %d is a POST and requires a bulkId", i))
			}
			if seen[op.BulkID] {
				return ErrInvalidValue(fmt.Sprintf("duplicate bulkId %q", op.BulkID))
			}
			seen[op.BulkID] = true
			if op.Data == nil {
				return ErrInvalidValue(fmt.Sprintf("operation %d requires data", i))
			}
		case http.MethodDelete:
			if op.Data != nil {
				return ErrInvalidValue(fmt.Sprintf("operation %d is a DELETE and must not carry data", i))
			}
		default:
			if op.Data == nil {
				return ErrInvalidValue(fmt.Sprintf("operation %d requires data", i))
			}
		}
	}
	return nil
}

// discoverReferences scans each operation's JSON form for
// "bulkId:<id>" tokens and builds the reference sets used for
// scheduling and cycle detection.
func (r *bulkRun) discoverReferences() {
	type ref struct {
		id  string
		pos int
	}
	edges := make([][]int, len(r.req.Operations))
	for i := range r.req.Operations {
		var found []ref
		for id, slot := range r.slots {
			if slot.owner == i {
				continue
			}
			if pos := tokenIndex(r.dataJSON[i], id); pos >= 0 {
				found = append(found, ref{id: id, pos: pos})
				edges[i] = append(edges[i], slot.owner)
			}
		}
		for a := range found {
			for b := a + 1; b < len(found); b++ {
				if found[b].pos < found[a].pos {
					found[a], found[b] = found[b], found[a]
				}
			}
		}
		for _, f := range found {
			r.refs[i] = append(r.refs[i], f.id)
		}
	}

	// dependents[i]: every op that reaches i through reference edges.
	r.dependents = make([]map[int]bool, len(r.req.Operations))
	for i := range r.req.Operations {
		r.dependents[i] = make(map[int]bool)
	}
	for start := range r.req.Operations {
		visited := make(map[int]bool)
		queue := []int{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, target := range edges[current] {
				if target != start {
					r.dependents[target][start] = true
				}
				if !visited[target] {
					visited[target] = true
					queue = append(queue, target)
				}
			}
		}
	}
}

// tokenIndex locates a "bulkId:<id>" token in a JSON document,
// requiring a non-identifier boundary after the id so one bulkId never
// shadows a longer one.
func tokenIndex(document, id string) int {
	if document == "" {
		return -1
	}
	pattern := regexp.MustCompile(`bulkId:` + regexp.QuoteMeta(id) + `($|[^A-Za-z0-9_-])`)
	loc := pattern.FindStringIndex(document)
	if loc == nil {
		return -1
	}
	return loc[0]
}

// runTask executes one operation: it awaits its predecessors, honours
// the error budget, substitutes bulkId references (performing the
// partial write that breaks a cycle), dispatches, and records the
// result.
func (r *bulkRun) runTask(ctx context.Context, index int) {
	defer close(r.done[index])
	op := r.req.Operations[index]
	ownSlot := r.ownSlot(index)
	if ownSlot != nil {
		defer ownSlot.reject(fmt.Errorf("operation with bulkId %q did not complete", op.BulkID))
	}

	// Serialise against preceding independent work. Tasks that
	// reference this one are exempt, otherwise a cyclically-bound pair
	// would wait on each other forever.
	for j := 0; j < index; j++ {
		if r.dependents[index][j] {
			continue
		}
		<-r.done[j]
	}

	if r.budgetExhausted() {
		return
	}

	dataJSON := r.dataJSON[index]
	partialID := ""
	for _, refID := range r.refs[index] {
		slot := r.slots[refID]
		if ownSlot != nil && partialID == "" && index < slot.owner && r.dependents[index][slot.owner] {
			// This task precedes an operation that references it back:
			// break the cycle with a partial write carrying no bulkId
			// values, resolving our own slot so the other side can proceed.
			id, err := r.partialWrite(ctx, index, op)
			if err != nil {
				r.recordError(index, op, err)
				return
			}
			partialID = id
			ownSlot.resolve(id)
		}
		select {
		case <-slot.done:
		case <-ctx.Done():
			r.recordError(index, op, ErrInternalServer(ctx.Err().Error()))
			return
		}
		if slot.err != nil {
			if r.budgetExhausted() {
				return
			}
			r.recordError(index, op, NewSCIMError(http.StatusPreconditionFailed,
				fmt.Sprintf("Referenced POST operation with bulkId '%s' was not successful", refID), ""))
			return
		}
		dataJSON = substituteToken(dataJSON, refID, slot.id)
	}

	r.dispatch(ctx, index, op, dataJSON, partialID)
}

func (r *bulkRun) ownSlot(index int) *bulkSlot {
	op := r.req.Operations[index]
	if !strings.EqualFold(op.Method, http.MethodPost) || op.BulkID == "" {
		return nil
	}
	slot := r.slots[op.BulkID]
	if slot == nil || slot.owner != index {
		return nil
	}
	return slot
}

func (r *bulkRun) budgetExhausted() bool {
	if r.req.FailOnErrors <= 0 {
		return false
	}
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.errCount >= r.req.FailOnErrors
}

// recordError stores an error response for the operation and counts it
// toward the failOnErrors budget. POST errors carry no location.
func (r *bulkRun) recordError(index int, op BulkOperation, err error) {
	envelope := NewErrorResponse(err)
	result := &BulkOperationResponse{
		Method: strings.ToUpper(op.Method),
		Status: strconv.Itoa(envelope.Status),
	}
	if strings.EqualFold(op.Method, http.MethodPost) {
		result.BulkID = op.BulkID
	}
	result.Response = envelope
	r.results[index] = result
	if slot := r.ownSlot(index); slot != nil {
		slot.reject(err)
	}
	r.errMu.Lock()
	r.errCount++
	r.errMu.Unlock()
}

// partialWrite creates the resource with every bulkId-bearing value
// stripped, returning the minted id.
func (r *bulkRun) partialWrite(ctx context.Context, index int, op BulkOperation) (string, error) {
	rt, _, err := r.route(op)
	if err != nil {
		return "", err
	}
	stripped, ok := stripBulkIDValues(op.Data).(map[string]any)
	if !ok {
		stripped = map[string]any{}
	}
	resource := rt.Resource("")
	resource.Basepath = r.basepath + rt.Endpoint
	stored, err := resource.Write(ctx, stripped)
	if err != nil {
		return "", err
	}
	id, _ := stored["id"].(string)
	if id == "" {
		return "", ErrInternalServer(fmt.Sprintf("handler for %s returned no id", rt.Name))
	}
	return id, nil
}

// route maps an operation path to a registered resource type and an
// optional resource id.
func (r *bulkRun) route(op BulkOperation) (*ResourceType, string, error) {
	trimmed := strings.Trim(op.Path, "/")
	endpoint, id, _ := strings.Cut(trimmed, "/")
	rt, ok := LookupResourceTypeByEndpoint("/" + endpoint)
	if !ok {
		return nil, "", ErrInvalidPath(fmt.Sprintf("no resource type serves endpoint %q", op.Path))
	}
	return rt, id, nil
}

// dispatch executes the operation against the resource type handlers
// and records the response operation.
func (r *bulkRun) dispatch(ctx context.Context, index int, op BulkOperation, dataJSON, partialID string) {
	rt, id, err := r.route(op)
	if err != nil {
		r.recordError(index, op, err)
		return
	}

	var data map[string]any
	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			r.recordError(index, op, ErrInvalidSyntax(fmt.Sprintf("operation %d carries invalid data", index)))
			return
		}
	}

	method := strings.ToUpper(op.Method)
	if op.Version != "" && method != http.MethodPost {
		if err := r.checkVersion(ctx, rt, id, op.Version); err != nil {
			r.recordError(index, op, err)
			return
		}
	}

	switch method {
	case http.MethodPost:
		targetID := partialID
		resource := rt.Resource(targetID)
		resource.Basepath = r.basepath + rt.Endpoint
		stored, err := resource.Write(ctx, data)
		if err != nil {
			r.recordError(index, op, err)
			return
		}
		newID, _ := stored["id"].(string)
		if slot := r.ownSlot(index); slot != nil && newID != "" {
			slot.resolve(newID)
		}
		r.results[index] = &BulkOperationResponse{
			Method:   method,
			BulkID:   op.BulkID,
			Location: r.location(rt, newID),
			Status:   strconv.Itoa(http.StatusCreated),
		}
	case http.MethodPut:
		if id == "" {
			r.recordError(index, op, ErrInvalidPath(fmt.Sprintf("operation %d requires a resource id", index)))
			return
		}
		resource := rt.Resource(id)
		resource.Basepath = r.basepath + rt.Endpoint
		if _, err := resource.Write(ctx, data); err != nil {
			r.recordError(index, op, err)
			return
		}
		r.results[index] = &BulkOperationResponse{
			Method:   method,
			Location: r.location(rt, id),
			Status:   strconv.Itoa(http.StatusOK),
		}
	case http.MethodPatch:
		if id == "" {
			r.recordError(index, op, ErrInvalidPath(fmt.Sprintf("operation %d requires a resource id", index)))
			return
		}
		var patch PatchOp
		if err := json.Unmarshal([]byte(dataJSON), &patch); err != nil {
			r.recordError(index, op, ErrInvalidSyntax(fmt.Sprintf("operation %d carries an invalid patch", index)))
			return
		}
		resource := rt.Resource(id)
		resource.Basepath = r.basepath + rt.Endpoint
		patched, err := resource.Patch(ctx, &patch)
		if err != nil {
			r.recordError(index, op, err)
			return
		}
		status := http.StatusOK
		if patched == nil {
			status = http.StatusNoContent
		}
		r.results[index] = &BulkOperationResponse{
			Method:   method,
			Location: r.location(rt, id),
			Status:   strconv.Itoa(status),
		}
	case http.MethodDelete:
		if id == "" {
			r.recordError(index, op, ErrInvalidPath(fmt.Sprintf("operation %d requires a resource id", index)))
			return
		}
		if err := rt.Resource(id).Dispose(ctx); err != nil {
			r.recordError(index, op, err)
			return
		}
		r.results[index] = &BulkOperationResponse{
			Method: method,
			Status: strconv.Itoa(http.StatusNoContent),
		}
	}
}

// checkVersion enforces the optional ETag precondition of an
// operation.
func (r *bulkRun) checkVersion(ctx context.Context, rt *ResourceType, id, version string) error {
	current, _, err := rt.Resource(id).Read(ctx)
	if err != nil {
		return err
	}
	meta, _ := current["meta"].(map[string]any)
	stored, _ := meta["version"].(string)
	if stored != "" && stored != version {
		return ErrPreconditionFailed(fmt.Sprintf("version %q does not match current version", version))
	}
	return nil
}

func (r *bulkRun) location(rt *ResourceType, id string) string {
	if id == "" {
		return ""
	}
	return r.basepath + rt.Endpoint + "/" + id
}

// substituteToken splices a resolved id over "bulkId:<ref>" tokens in
// the JSON form of an operation's data.
func substituteToken(document, refID, id string) string {
	if document == "" {
		return document
	}
	pattern := regexp.MustCompile(`bulkId:` + regexp.QuoteMeta(refID) + `($|[^A-Za-z0-9_-])`)
	return pattern.ReplaceAllString(document, id+"$1")
}

// stripBulkIDValues removes every value containing a "bulkId:" token
// from a data tree, for the partial write that breaks a cycle.
func stripBulkIDValues(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			if s, ok := val.(string); ok && strings.Contains(s, "bulkId:") {
				continue
			}
			out[key] = stripBulkIDValues(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.Contains(s, "bulkId:") {
				continue
			}
			if obj, ok := item.(map[string]any); ok && containsBulkID(obj) {
				continue
			}
			out = append(out, stripBulkIDValues(item))
		}
		return out
	default:
		return v
	}
}

// containsBulkID reports whether any string value in the tree carries
// a bulkId token.
func containsBulkID(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, "bulkId:")
	case map[string]any:
		for _, val := range v {
			if containsBulkID(val) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if containsBulkID(item) {
				return true
			}
		}
	}
	return false
}
