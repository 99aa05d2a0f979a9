package scim

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Comparators of RFC 7644 Section 3.4.2.2. "np" ("not present") is an
// internal extension used by projections and never appears in
// user-facing filter strings.
const (
	OpEqual      = "eq"
	OpNotEqual   = "ne"
	OpContains   = "co"
	OpStartsWith = "sw"
	OpEndsWith   = "ew"
	OpGreater    = "gt"
	OpLess       = "lt"
	OpGreaterEq  = "ge"
	OpLessEq     = "le"
	OpPresent    = "pr"
	OpNotPresent = "np"
)

// comparators that take a value operand.
var valueOperators = map[string]bool{
	OpEqual: true, OpNotEqual: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpGreater: true, OpLess: true, OpGreaterEq: true,
	OpLessEq: true,
}

// negatedOperators maps each comparator to its complement under "not".
// co/sw/ew have no complement and cannot be negated.
var negatedOperators = map[string]string{
	OpEqual:      OpNotEqual,
	OpNotEqual:   OpEqual,
	OpGreater:    OpLessEq,
	OpLessEq:     OpGreater,
	OpGreaterEq:  OpLess,
	OpLess:       OpGreaterEq,
	OpPresent:    OpNotPresent,
	OpNotPresent: OpPresent,
}

// Clause is one leaf of a normalised filter: either a comparator
// application on an attribute path, or a value-path filter on a
// multi-valued complex attribute.
type Clause struct {
	Path      string
	Op        string
	Value     any
	ValuePath *ValuePath
}

// ValuePath is the bracketed element filter of a clause like
// emails[type eq "work"].
type ValuePath struct {
	Attr   string
	Filter *Filter
}

// Filter is a parsed SCIM filter in normalised form: a disjunction of
// conjunctions of leaf clauses.
type Filter struct {
	terms [][]Clause
}

// Expressions exposes the normalised disjunction-of-conjunctions form.
func (f *Filter) Expressions() [][]Clause {
	return f.terms
}

// Path is a parsed PATCH target: an attribute, an optional value-path
// element filter, and an optional trailing sub-attribute.
type Path struct {
	Attribute   string
	ValueFilter *Filter
	Sub         string
}

// String renders the path back in SCIM syntax.
func (p *Path) String() string {
	var sb strings.Builder
	sb.WriteString(p.Attribute)
	if p.ValueFilter != nil {
		sb.WriteString("[")
		sb.WriteString(p.ValueFilter.String())
		sb.WriteString("]")
	}
	if p.Sub != "" {
		sb.WriteString(".")
		sb.WriteString(p.Sub)
	}
	return sb.String()
}

// ParseFilter parses a SCIM filter expression into normalised form.
func ParseFilter(input string) (*Filter, error) {
	p := newFilterParser(input)
	if strings.TrimSpace(input) == "" {
		return nil, ErrInvalidFilter("empty filter expression")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, ErrInvalidFilter(fmt.Sprintf("unexpected %q at position %d", tok.text, tok.pos))
	}
	terms, err := normalize(root, false)
	if err != nil {
		return nil, err
	}
	return &Filter{terms: terms}, nil
}

// ParsePath parses a PATCH path: an attribute path with at most one
// value-path and one trailing sub-attribute.
func ParsePath(input string) (*Path, error) {
	p := newFilterParser(input)
	tok := p.next()
	if tok.kind != tokIdent {
		return nil, ErrInvalidPath(fmt.Sprintf("expected attribute path at position %d", tok.pos))
	}
	path := &Path{}
	path.Attribute, path.Sub = splitTrailingSub(tok.text)
	if p.peek().kind == tokLBracket {
		if path.Sub != "" {
			return nil, ErrInvalidPath("value-path must follow the attribute name")
		}
		open := p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRBracket {
			return nil, ErrInvalidPath(fmt.Sprintf("unmatched '[' at position %d", open.pos))
		}
		terms, err := normalize(inner, false)
		if err != nil {
			return nil, err
		}
		path.ValueFilter = &Filter{terms: terms}
		if p.peek().kind == tokDot {
			p.next()
			sub := p.next()
			if sub.kind != tokIdent || strings.Contains(sub.text, ".") {
				return nil, ErrInvalidPath(fmt.Sprintf("expected sub-attribute at position %d", sub.pos))
			}
			path.Sub = sub.text
		}
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, ErrInvalidPath(fmt.Sprintf("unexpected %q at position %d", tok.text, tok.pos))
	}
	return path, nil
}

// splitTrailingSub splits "name.givenName" into ("name", "givenName").
// URN-prefixed paths keep the URN with the attribute.
func splitTrailingSub(path string) (string, string) {
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		urn, rest := splitURNPath(path)
		if rest == "" {
			return path, ""
		}
		if attr, sub, found := strings.Cut(rest, "."); found {
			return urn + ":" + attr, sub
		}
		return path, ""
	}
	if attr, sub, found := strings.Cut(path, "."); found {
		return attr, sub
	}
	return path, ""
}

// splitURNPath splits a URN-namespaced attribute path into the URN and
// the relative attribute path after its final colon segment.
func splitURNPath(path string) (string, string) {
	idx := strings.LastIndex(path, ":")
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

// NewProjection builds the synthetic selection filter for the
// attributes / excludedAttributes query parameters: requested names
// become "pr" leaves, excluded ones "np" leaves. Returns nil when both
// lists are empty.
func NewProjection(attributes, excluded []string) *Filter {
	var conj []Clause
	for _, name := range attributes {
		name = strings.TrimSpace(name)
		if name != "" {
			conj = append(conj, Clause{Path: name, Op: OpPresent})
		}
	}
	for _, name := range excluded {
		name = strings.TrimSpace(name)
		if name != "" {
			conj = append(conj, Clause{Path: name, Op: OpNotPresent})
		}
	}
	if len(conj) == 0 {
		return nil
	}
	return &Filter{terms: [][]Clause{conj}}
}

// projectionLeaves collects the pr and np paths of a selection filter,
// lower-cased.
func (f *Filter) projectionLeaves() (pr []string, np []string) {
	for _, conj := range f.terms {
		for _, clause := range conj {
			switch {
			case clause.ValuePath != nil:
				pr = append(pr, strings.ToLower(clause.ValuePath.Attr))
			case clause.Op == OpNotPresent:
				np = append(np, strings.ToLower(clause.Path))
			default:
				pr = append(pr, strings.ToLower(clause.Path))
			}
		}
	}
	return pr, np
}

// AST nodes produced by the parser before normalisation.

type filterNode interface{}

type cmpNode struct {
	path  string
	op    string
	value any
}

type valuePathNode struct {
	attr  string
	inner filterNode
}

type andNode struct{ left, right filterNode }
type orNode struct{ left, right filterNode }
type notNode struct{ child filterNode }

// normalize converts a parse tree into disjunction-of-conjunctions
// form, pushing "not" down by De Morgan and comparator negation.
func normalize(n filterNode, negate bool) ([][]Clause, error) {
	switch node := n.(type) {
	case *notNode:
		return normalize(node.child, !negate)
	case *orNode:
		if negate {
			return normalizeConj(node.left, node.right, true)
		}
		return normalizeDisj(node.left, node.right, false)
	case *andNode:
		if negate {
			return normalizeDisj(node.left, node.right, true)
		}
		return normalizeConj(node.left, node.right, false)
	case *cmpNode:
		op := node.op
		if negate {
			negated, ok := negatedOperators[op]
			if !ok {
				return nil, ErrInvalidFilter(fmt.Sprintf("comparator %q cannot be negated", op))
			}
			op = negated
		}
		clause := Clause{Path: node.path, Op: op}
		if valueOperators[node.op] {
			clause.Value = node.value
		}
		return [][]Clause{{clause}}, nil
	case *valuePathNode:
		terms, err := normalize(node.inner, negate)
		if err != nil {
			return nil, err
		}
		clause := Clause{ValuePath: &ValuePath{Attr: node.attr, Filter: &Filter{terms: terms}}}
		return [][]Clause{{clause}}, nil
	}
	return nil, ErrInvalidFilter("malformed filter expression")
}

func normalizeDisj(left, right filterNode, negate bool) ([][]Clause, error) {
	l, err := normalize(left, negate)
	if err != nil {
		return nil, err
	}
	r, err := normalize(right, negate)
	if err != nil {
		return nil, err
	}
	return append(l, r...), nil
}

// normalizeConj distributes a conjunction over two normalised
// disjunctions (cartesian product), keeping the result in DNF.
func normalizeConj(left, right filterNode, negate bool) ([][]Clause, error) {
	l, err := normalize(left, negate)
	if err != nil {
		return nil, err
	}
	r, err := normalize(right, negate)
	if err != nil {
		return nil, err
	}
	out := make([][]Clause, 0, len(l)*len(r))
	for _, lc := range l {
		for _, rc := range r {
			conj := make([]Clause, 0, len(lc)+len(rc))
			conj = append(conj, lc...)
			conj = append(conj, rc...)
			out = append(out, conj)
		}
	}
	return out, nil
}

// String renders the normalised filter in canonical RFC 7644 syntax:
// lower-case logical operators, quoted string literals, and value-paths
// as attr[...]. The flat normalised form needs no grouping parentheses.
func (f *Filter) String() string {
	if f == nil || len(f.terms) == 0 {
		return ""
	}
	disj := make([]string, 0, len(f.terms))
	for _, conj := range f.terms {
		parts := make([]string, 0, len(conj))
		for _, clause := range conj {
			parts = append(parts, clause.String())
		}
		disj = append(disj, strings.Join(parts, " and "))
	}
	return strings.Join(disj, " or ")
}

// String renders a single clause.
func (c Clause) String() string {
	if c.ValuePath != nil {
		return c.ValuePath.Attr + "[" + c.ValuePath.Filter.String() + "]"
	}
	switch c.Op {
	case OpPresent:
		return c.Path + " pr"
	case OpNotPresent:
		return "not (" + c.Path + " pr)"
	}
	return c.Path + " " + c.Op + " " + formatLiteral(c.Value)
}

// formatLiteral renders a comparison operand in filter syntax.
func formatLiteral(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		quoted, _ := json.Marshal(v)
		return string(quoted)
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Match returns the subset of items satisfied by any conjunction.
func (f *Filter) Match(items []map[string]any) []map[string]any {
	matched := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if f.Matches(item) {
			matched = append(matched, item)
		}
	}
	return matched
}

// Matches reports whether a single document satisfies the filter.
func (f *Filter) Matches(item map[string]any) bool {
	if f == nil || len(f.terms) == 0 {
		return true
	}
	for _, conj := range f.terms {
		all := true
		for _, clause := range conj {
			if !clause.matches(item) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func (c Clause) matches(item map[string]any) bool {
	if c.ValuePath != nil {
		return c.ValuePath.matches(item)
	}
	candidates := resolveFilterPath(item, c.Path)
	switch c.Op {
	case OpPresent:
		for _, candidate := range candidates {
			if !isEmptyValue(candidate) {
				return true
			}
		}
		return false
	case OpNotPresent:
		for _, candidate := range candidates {
			if !isEmptyValue(candidate) {
				return false
			}
		}
		return true
	case OpNotEqual:
		for _, candidate := range candidates {
			if compareEqual(candidate, c.Value) {
				return false
			}
		}
		return true
	case OpEqual:
		for _, candidate := range candidates {
			if compareEqual(candidate, c.Value) {
				return true
			}
		}
		return false
	case OpContains, OpStartsWith, OpEndsWith:
		for _, candidate := range candidates {
			if compareSubstring(candidate, c.Value, c.Op) {
				return true
			}
		}
		return false
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		for _, candidate := range candidates {
			if compareOrdered(candidate, c.Value, c.Op) {
				return true
			}
		}
		return false
	}
	// Unknown comparators never match.
	return false
}

// matches applies a value-path filter: at least one element of a
// multi-valued complex attribute (or the sole value of a single-valued
// one) must satisfy the inner filter.
func (vp *ValuePath) matches(item map[string]any) bool {
	for _, candidate := range resolveFilterPath(item, vp.Attr) {
		switch v := candidate.(type) {
		case []any:
			for _, element := range v {
				if obj, ok := element.(map[string]any); ok && vp.Filter.Matches(obj) {
					return true
				}
			}
		case map[string]any:
			if vp.Filter.Matches(v) {
				return true
			}
		}
	}
	return false
}

// resolveFilterPath resolves an attribute path inside a candidate
// document, splitting off a URN namespace prefix when present.
func resolveFilterPath(item map[string]any, path string) []any {
	if strings.HasPrefix(strings.ToLower(path), "urn:") {
		urn, rest := splitURNPath(path)
		if _, nested, ok := lookupKey(item, urn); ok {
			return resolvePath(nested, rest)
		}
		// The full path may itself be a key for extension objects
		// addressed without a trailing attribute.
		if _, nested, ok := lookupKey(item, path); ok {
			return resolvePath(nested, "")
		}
		return nil
	}
	return resolvePath(item, path)
}

// compareEqual implements eq: JSON equality for primitives, with
// case-insensitive string comparison since no attribute metadata is in
// scope here.
func compareEqual(candidate, value any) bool {
	cs, cok := candidate.(string)
	vs, vok := value.(string)
	if cok && vok {
		return strings.EqualFold(cs, vs)
	}
	cn, cok2 := toNumber(candidate)
	vn, vok2 := toNumber(value)
	if cok2 && vok2 {
		return cn == vn
	}
	return deepEqual(candidate, value)
}

func compareSubstring(candidate, value any, op string) bool {
	cs, cok := candidate.(string)
	vs, vok := value.(string)
	if !cok || !vok {
		return false
	}
	cs, vs = strings.ToLower(cs), strings.ToLower(vs)
	switch op {
	case OpContains:
		return strings.Contains(cs, vs)
	case OpStartsWith:
		return strings.HasPrefix(cs, vs)
	case OpEndsWith:
		return strings.HasSuffix(cs, vs)
	}
	return false
}

// compareOrdered implements gt/ge/lt/le: numeric when both sides are
// numbers, chronological when both are RFC 3339 timestamps, and
// lexicographic otherwise.
func compareOrdered(candidate, value any, op string) bool {
	var cmp int
	cn, cok := toNumber(candidate)
	vn, vok := toNumber(value)
	switch {
	case cok && vok:
		switch {
		case cn < vn:
			cmp = -1
		case cn > vn:
			cmp = 1
		}
	default:
		cs, csok := candidate.(string)
		vs, vsok := value.(string)
		if !csok || !vsok {
			return false
		}
		if isDateTime(cs) && isDateTime(vs) {
			ct, _ := time.Parse(time.RFC3339, cs)
			vt, _ := time.Parse(time.RFC3339, vs)
			switch {
			case ct.Before(vt):
				cmp = -1
			case ct.After(vt):
				cmp = 1
			}
		} else {
			cmp = strings.Compare(cs, vs)
		}
	}
	switch op {
	case OpGreater:
		return cmp > 0
	case OpGreaterEq:
		return cmp >= 0
	case OpLess:
		return cmp < 0
	case OpLessEq:
		return cmp <= 0
	}
	return false
}

// Tokenizer.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokInvalid
	tokIdent
	tokString
	tokNumber
	tokBool
	tokNull
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokDot
)

type token struct {
	kind  tokenKind
	text  string
	value any
	pos   int
}

type filterParser struct {
	input string
	pos   int
	saved *token
}

func newFilterParser(input string) *filterParser {
	return &filterParser{input: input}
}

func (p *filterParser) peek() token {
	if p.saved == nil {
		tok := p.lex()
		p.saved = &tok
	}
	return *p.saved
}

func (p *filterParser) next() token {
	tok := p.peek()
	p.saved = nil
	return tok
}

func (p *filterParser) lex() token {
	for p.pos < len(p.input) && isSpace(p.input[p.pos]) {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return token{kind: tokEOF, pos: p.pos}
	}
	start := p.pos
	switch ch := p.input[p.pos]; {
	case ch == '(':
		p.pos++
		return token{kind: tokLParen, text: "(", pos: start}
	case ch == ')':
		p.pos++
		return token{kind: tokRParen, text: ")", pos: start}
	case ch == '[':
		p.pos++
		return token{kind: tokLBracket, text: "[", pos: start}
	case ch == ']':
		p.pos++
		return token{kind: tokRBracket, text: "]", pos: start}
	case ch == '.':
		p.pos++
		return token{kind: tokDot, text: ".", pos: start}
	case ch == '"':
		return p.lexString()
	case ch == '-' || isDigit(ch):
		return p.lexNumber()
	case isIdentStart(ch):
		for p.pos < len(p.input) && isIdentChar(p.input[p.pos]) {
			p.pos++
		}
		text := p.input[start:p.pos]
		switch strings.ToLower(text) {
		case "true":
			return token{kind: tokBool, text: text, value: true, pos: start}
		case "false":
			return token{kind: tokBool, text: text, value: false, pos: start}
		case "null":
			return token{kind: tokNull, text: text, pos: start}
		}
		return token{kind: tokIdent, text: text, pos: start}
	}
	p.pos++
	return token{kind: tokInvalid, text: string(p.input[start]), pos: start}
}

// lexString reads a double-quoted string with standard JSON escapes.
func (p *filterParser) lexString() token {
	start := p.pos
	p.pos++ // opening quote
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case '\\':
			p.pos += 2
		case '"':
			p.pos++
			raw := p.input[start:p.pos]
			var decoded string
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				return token{kind: tokInvalid, text: raw, pos: start}
			}
			return token{kind: tokString, text: raw, value: decoded, pos: start}
		default:
			p.pos++
		}
	}
	return token{kind: tokInvalid, text: p.input[start:], pos: start}
}

func (p *filterParser) lexNumber() token {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.' || p.input[p.pos] == 'e' ||
		p.input[p.pos] == 'E' || p.input[p.pos] == '+' || p.input[p.pos] == '-') {
		p.pos++
	}
	text := p.input[start:p.pos]
	if strings.ContainsAny(text, ".eE") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{kind: tokInvalid, text: text, pos: start}
		}
		return token{kind: tokNumber, text: text, value: f, pos: start}
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{kind: tokInvalid, text: text, pos: start}
	}
	return token{kind: tokNumber, text: text, value: n, pos: start}
}

func isSpace(ch byte) bool      { return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' }
func isDigit(ch byte) bool      { return ch >= '0' && ch <= '9' }
func isIdentStart(ch byte) bool { return isIdentChar(ch) }

func isIdentChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || isDigit(ch) ||
		ch == '_' || ch == '-' || ch == '$' || ch == ':' || ch == '.'
}

// Recursive-descent parser over the token stream.

func (p *filterParser) parseOr() (filterNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokIdent || !strings.EqualFold(tok.text, "or") {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
}

func (p *filterParser) parseAnd() (filterNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokIdent || !strings.EqualFold(tok.text, "and") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
}

func (p *filterParser) parseUnary() (filterNode, error) {
	tok := p.peek()
	if tok.kind == tokIdent && strings.EqualFold(tok.text, "not") {
		p.next()
		open := p.next()
		if open.kind != tokLParen {
			return nil, ErrInvalidFilter(fmt.Sprintf("expected '(' after not at position %d", open.pos))
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, ErrInvalidFilter(fmt.Sprintf("unmatched '(' at position %d", open.pos))
		}
		return &notNode{child: inner}, nil
	}
	return p.parsePrimary()
}

func (p *filterParser) parsePrimary() (filterNode, error) {
	tok := p.peek()
	if tok.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, ErrInvalidFilter(fmt.Sprintf("unmatched '(' at position %d", tok.pos))
		}
		return inner, nil
	}
	return p.parseComparison()
}

// parseComparison parses "attrPath op value", "attrPath pr", or a
// value-path "attrPath[filter]" with an optional trailing
// sub-attribute comparison.
func (p *filterParser) parseComparison() (filterNode, error) {
	tok := p.next()
	if tok.kind != tokIdent {
		return nil, ErrInvalidFilter(fmt.Sprintf("expected attribute path at position %d", tok.pos))
	}
	attrPath := tok.text
	if p.peek().kind == tokLBracket {
		open := p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRBracket {
			return nil, ErrInvalidFilter(fmt.Sprintf("unmatched '[' at position %d", open.pos))
		}
		node := &valuePathNode{attr: attrPath, inner: inner}
		if p.peek().kind == tokDot {
			p.next()
			sub := p.next()
			if sub.kind != tokIdent {
				return nil, ErrInvalidFilter(fmt.Sprintf("expected sub-attribute at position %d", sub.pos))
			}
			cmp, err := p.parseOperator(sub.text)
			if err != nil {
				return nil, err
			}
			node.inner = &andNode{left: node.inner, right: cmp}
		}
		return node, nil
	}
	return p.parseOperator(attrPath)
}

// parseOperator parses the comparator and operand following an
// attribute path.
func (p *filterParser) parseOperator(attrPath string) (filterNode, error) {
	tok := p.next()
	if tok.kind != tokIdent {
		return nil, ErrInvalidFilter(fmt.Sprintf("expected comparator after %q at position %d", attrPath, tok.pos))
	}
	op := strings.ToLower(tok.text)
	if op == OpPresent {
		return &cmpNode{path: attrPath, op: OpPresent}, nil
	}
	if !valueOperators[op] {
		return nil, ErrInvalidFilter(fmt.Sprintf("unknown comparator %q at position %d", tok.text, tok.pos))
	}
	operand := p.next()
	switch operand.kind {
	case tokString, tokNumber, tokBool:
		return &cmpNode{path: attrPath, op: op, value: operand.value}, nil
	case tokNull:
		return &cmpNode{path: attrPath, op: op, value: nil}, nil
	}
	return nil, ErrInvalidFilter(fmt.Sprintf("expected comparison value at position %d", operand.pos))
}
