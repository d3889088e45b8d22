// Package filter implements the SCIM filter grammar (RFC 7644 §3.4.2.2): a
// recursive-descent parser producing a typed tree, an in-memory evaluator
// used for value-path selection, and a compiler from the tree to SQL
// predicates over the normalized document column.
package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Path addresses an attribute, optionally scoped to a schema URN and
// optionally descending one sub-attribute.
type Path struct {
	URN  string
	Attr string
	Sub  string
}

func (p Path) String() string {
	s := p.Attr
	if p.Sub != "" {
		s += "." + p.Sub
	}
	if p.URN != "" {
		s = p.URN + ":" + s
	}
	return s
}

// Expr is a node of the parsed filter tree.
type Expr interface {
	exprNode()
}

// Compare is `attrPath op value` for the binary operators.
type Compare struct {
	Path  Path
	Op    string // eq ne co sw ew gt ge lt le
	Value any    // string, float64, bool, or nil
}

// Present is `attrPath pr`.
type Present struct {
	Path Path
}

// Logical is `left and right` / `left or right`.
type Logical struct {
	Op          string // and, or
	Left, Right Expr
}

// Not negates its inner expression.
type Not struct {
	Inner Expr
}

// ValuePath is `attrPath[filter]`, addressing elements of a multi-valued
// attribute. Outside PATCH it is truthy when the selected subset is
// non-empty.
type ValuePath struct {
	Path   Path
	Filter Expr
}

func (*Compare) exprNode()   {}
func (*Present) exprNode()   {}
func (*Logical) exprNode()   {}
func (*Not) exprNode()       {}
func (*ValuePath) exprNode() {}

// PatchPath is the path grammar subset used by PATCH operations:
// attr, attr.sub, attr[filter], or attr[filter].sub, with an optional URN.
type PatchPath struct {
	URN    string
	Attr   string
	Filter Expr // nil when no value path
	Sub    string
}

type parser struct {
	input string
	pos   int
}

// Parse parses a complete filter expression. Errors carry scimType
// invalidFilter.
func Parse(input string) (Expr, error) {
	p := &parser{input: strings.TrimSpace(input)}
	if p.input == "" {
		return nil, scimerr.InvalidFilter("empty filter")
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, scimerr.InvalidFilter(err.Error())
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, scimerr.InvalidFilter(fmt.Sprintf("unexpected input at position %d", p.pos))
	}
	return expr, nil
}

// ParsePath parses a PATCH path. Errors carry scimType invalidPath.
func ParsePath(input string) (*PatchPath, error) {
	p := &parser{input: strings.TrimSpace(input)}
	if p.input == "" {
		return nil, scimerr.InvalidPath("empty path")
	}
	urn, attr, sub, err := p.parseAttrPath()
	if err != nil {
		return nil, scimerr.InvalidPath(err.Error())
	}
	path := &PatchPath{URN: urn, Attr: attr, Sub: sub}
	if p.peek() == '[' {
		if sub != "" {
			return nil, scimerr.InvalidPath("value path must follow the attribute name")
		}
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, scimerr.InvalidPath(err.Error())
		}
		p.skipSpace()
		if p.peek() != ']' {
			return nil, scimerr.InvalidPath("unterminated value path")
		}
		p.pos++
		path.Filter = inner
		if p.peek() == '.' {
			p.pos++
			s := p.parseName()
			if s == "" {
				return nil, scimerr.InvalidPath("expected sub-attribute after '.'")
			}
			path.Sub = s
		}
	}
	if p.pos != len(p.input) {
		return nil, scimerr.InvalidPath(fmt.Sprintf("unexpected input at position %d", p.pos))
	}
	return path, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if !p.matchKeyword("or") {
			return left, nil
		}
		p.pos += 2
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "or", Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if !p.matchKeyword("and") {
			return left, nil
		}
		p.pos += 3
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Logical{Op: "and", Left: left, Right: right}
	}
}

func (p *parser) parseNot() (Expr, error) {
	p.skipSpace()
	if p.matchKeyword("not") {
		p.pos += 3
		inner, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Not{Inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("expected ')' at position %d", p.pos)
		}
		p.pos++
		return inner, nil
	}
	return p.parseAttrExpr()
}

func (p *parser) parseAttrExpr() (Expr, error) {
	urn, attr, sub, err := p.parseAttrPath()
	if err != nil {
		return nil, err
	}
	path := Path{URN: urn, Attr: attr, Sub: sub}

	if p.peek() == '[' {
		if sub != "" {
			return nil, fmt.Errorf("value path must follow the attribute name")
		}
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ']' {
			return nil, fmt.Errorf("unterminated value path for %q", attr)
		}
		p.pos++
		return &ValuePath{Path: path, Filter: inner}, nil
	}

	p.skipSpace()
	op := p.parseOperator()
	if op == "" {
		return nil, fmt.Errorf("expected operator after %q", path.String())
	}
	if op == "pr" {
		return &Present{Path: path}, nil
	}
	p.skipSpace()
	value, err := p.parseValue()
	if err != nil {
		return nil, err
	}
	return &Compare{Path: path, Op: op, Value: value}, nil
}

// parseAttrPath reads an attribute path: an optional URN prefix (colons),
// an attribute name, and at most one dotted sub-attribute.
func (p *parser) parseAttrPath() (urn, attr, sub string, err error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if isNameChar(ch) || ch == ':' || ch == '.' {
			p.pos++
			continue
		}
		break
	}
	raw := p.input[start:p.pos]
	if raw == "" {
		return "", "", "", fmt.Errorf("expected attribute path at position %d", start)
	}
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		if !strings.HasPrefix(strings.ToLower(raw), "urn:") {
			return "", "", "", fmt.Errorf("invalid attribute path %q", raw)
		}
		urn, raw = raw[:i], raw[i+1:]
	}
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 1:
		attr = parts[0]
	case 2:
		attr, sub = parts[0], parts[1]
	default:
		return "", "", "", fmt.Errorf("attribute path %q nests too deeply", raw)
	}
	if attr == "" || (sub == "" && strings.Contains(raw, ".")) {
		return "", "", "", fmt.Errorf("invalid attribute path %q", raw)
	}
	return urn, attr, sub, nil
}

func (p *parser) parseOperator() string {
	for _, op := range []string{"eq", "ne", "co", "sw", "ew", "pr", "gt", "ge", "lt", "le"} {
		if p.matchKeyword(op) {
			p.pos += len(op)
			return op
		}
	}
	return ""
}

func (p *parser) parseValue() (any, error) {
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expected value at position %d", p.pos)
	}
	if p.peek() == '"' {
		start := p.pos
		p.pos++
		for p.pos < len(p.input) {
			switch p.input[p.pos] {
			case '\\':
				p.pos += 2
				continue
			case '"':
				p.pos++
				var s string
				if err := json.Unmarshal([]byte(p.input[start:p.pos]), &s); err != nil {
					return nil, fmt.Errorf("invalid string literal at position %d", start)
				}
				return s, nil
			}
			p.pos++
		}
		return nil, fmt.Errorf("unterminated string at position %d", start)
	}
	for _, kw := range []struct {
		word  string
		value any
	}{{"true", true}, {"false", false}, {"null", nil}} {
		if p.matchKeyword(kw.word) {
			p.pos += len(kw.word)
			return kw.value, nil
		}
	}
	start := p.pos
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if (ch >= '0' && ch <= '9') || ch == '.' || ch == '-' || ch == '+' || ch == 'e' || ch == 'E' {
			p.pos++
			continue
		}
		break
	}
	if p.pos > start {
		f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number at position %d", start)
		}
		return f, nil
	}
	return nil, fmt.Errorf("expected value at position %d", p.pos)
}

// parseName reads a run of attribute-name characters at the cursor.
func (p *parser) parseName() string {
	start := p.pos
	for p.pos < len(p.input) && isNameChar(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

// matchKeyword reports whether the input at the cursor begins the given
// keyword, case-insensitively and not as a prefix of a longer word.
func (p *parser) matchKeyword(kw string) bool {
	end := p.pos + len(kw)
	if end > len(p.input) {
		return false
	}
	if !strings.EqualFold(p.input[p.pos:end], kw) {
		return false
	}
	return end == len(p.input) || !isNameChar(p.input[end])
}

func isNameChar(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') || ch == '_' || ch == '-' || ch == '$'
}
