package filter

import (
	"fmt"
	"strings"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

// Dialect abstracts the JSON access syntax of the two storage engines. All
// expressions target the data_norm column, whose keys are lowercased, so path
// segments handed to the dialect are already folded. Predicates use `?`
// placeholders; the store rebinds them for the engine.
type Dialect interface {
	// JSONText yields a text-typed expression for a scalar at path.
	JSONText(column string, path []string) string
	// JSONNumber yields a numeric expression for a scalar at path.
	JSONNumber(column string, path []string) string
	// JSONBool yields an expression comparable against BoolValue results.
	JSONBool(column string, path []string) string
	// BoolValue converts a boolean literal to the engine's comparable form.
	BoolValue(b bool) any
	// JSONPresent yields a predicate: attribute exists, non-null, non-empty.
	JSONPresent(column string, path []string) string
	// ArrayExists wraps inner (a predicate over one array element) in an
	// EXISTS over the elements of the array at path.
	ArrayExists(column string, path []string, inner string) string
	// Element accessors used inside ArrayExists; empty sub addresses the
	// element itself (multi-valued simple attributes).
	ElemText(sub string) string
	ElemNumber(sub string) string
	ElemBool(sub string) string
	ElemPresent(sub string) string
	// TimeColumn adapts a timestamp column for comparison against an
	// RFC 3339 string parameter.
	TimeColumn(name string) string
	// TimeValue converts an RFC 3339 literal to the engine's parameter form.
	TimeValue(s string) any
}

// MembersPredicate compiles a filter over a Group's members, which live in
// the memberships table rather than the document. Implemented by the store.
type MembersPredicate func(expr Expr) (string, []any, error)

// Compiler translates a filter tree into a SQL predicate over one tenant
// table. Column is the normalized document column, usually "data_norm".
type Compiler struct {
	Dialect Dialect
	Type    *schema.ResourceType
	Column  string
	Members MembersPredicate
}

// Compile returns the predicate and its positional arguments.
func (c *Compiler) Compile(expr Expr) (string, []any, error) {
	switch e := expr.(type) {
	case *Logical:
		left, largs, err := c.Compile(e.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := c.Compile(e.Right)
		if err != nil {
			return "", nil, err
		}
		op := "AND"
		if e.Op == "or" {
			op = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), append(largs, rargs...), nil
	case *Not:
		inner, args, err := c.Compile(e.Inner)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", inner), args, nil
	case *Present:
		return c.compilePresent(e)
	case *Compare:
		return c.compileCompare(e)
	case *ValuePath:
		return c.compileValuePath(e)
	}
	return "", nil, scimerr.InvalidFilter("unsupported filter expression")
}

func (c *Compiler) isMembers(p Path) bool {
	return c.Members != nil && p.URN == "" && strings.EqualFold(p.Attr, "members")
}

func (c *Compiler) compilePresent(e *Present) (string, []any, error) {
	if c.isMembers(e.Path) {
		return c.Members(e)
	}
	_, top, err := c.lookup(e.Path)
	if err != nil {
		return "", nil, err
	}
	if col, ok := metaColumn(e.Path); ok {
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil
	}
	if top != nil && top.MultiValued {
		sub := elemSubName(top, e.Path)
		return c.Dialect.ArrayExists(c.Column, c.pathSegments(e.Path.URN, top.Name), c.Dialect.ElemPresent(strings.ToLower(sub))), nil, nil
	}
	return c.Dialect.JSONPresent(c.Column, c.pathSegments(e.Path.URN, joinPath(e.Path.Attr, e.Path.Sub))), nil, nil
}

func (c *Compiler) compileCompare(e *Compare) (string, []any, error) {
	if c.isMembers(e.Path) {
		return c.Members(e)
	}
	attr, top, err := c.lookup(e.Path)
	if err != nil {
		return "", nil, err
	}

	if strings.EqualFold(e.Path.Attr, "id") && e.Path.URN == "" {
		return c.scalarCompare("id", attr, e.Op, e.Value)
	}
	if col, ok := metaColumn(e.Path); ok {
		s, sok := e.Value.(string)
		if !sok {
			return "", nil, scimerr.InvalidFilter("meta timestamps require a dateTime literal")
		}
		cond, err := orderedCond(c.Dialect.TimeColumn(col), e.Op)
		if err != nil {
			return "", nil, err
		}
		return cond, []any{c.Dialect.TimeValue(s)}, nil
	}

	if top != nil && top.MultiValued {
		sub := elemSubName(top, e.Path)
		subAttr := top
		if sub != "" {
			sa, ok := top.Sub(sub)
			if !ok {
				return "", nil, scimerr.InvalidFilter(fmt.Sprintf("unknown sub-attribute %q of %q", sub, top.Name))
			}
			subAttr = sa
		}
		inner, args, err := c.elemCompare(subAttr, strings.ToLower(sub), e.Op, e.Value)
		if err != nil {
			return "", nil, err
		}
		return c.Dialect.ArrayExists(c.Column, c.pathSegments(e.Path.URN, top.Name), inner), args, nil
	}

	segs := c.pathSegments(e.Path.URN, joinPath(e.Path.Attr, e.Path.Sub))
	switch attr.Type {
	case schema.TypeBoolean:
		if e.Op != "eq" && e.Op != "ne" {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid for boolean attribute %q", e.Op, attr.Name))
		}
		b, ok := e.Value.(bool)
		if !ok {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a boolean literal", attr.Name))
		}
		field := c.Dialect.JSONBool(c.Column, segs)
		if e.Op == "eq" {
			return fmt.Sprintf("%s = ?", field), []any{c.Dialect.BoolValue(b)}, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", field, field), []any{c.Dialect.BoolValue(b)}, nil
	case schema.TypeInteger, schema.TypeDecimal:
		f, ok := e.Value.(float64)
		if !ok {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a numeric literal", attr.Name))
		}
		cond, err := orderedCond(c.Dialect.JSONNumber(c.Column, segs), e.Op)
		if err != nil {
			return "", nil, err
		}
		return cond, []any{f}, nil
	default:
		return c.textCompare(c.Dialect.JSONText(c.Column, segs), attr, e.Op, e.Value)
	}
}

func (c *Compiler) compileValuePath(e *ValuePath) (string, []any, error) {
	if c.isMembers(e.Path) {
		return c.Members(e)
	}
	top, _, ok := c.Type.Lookup(e.Path.URN, e.Path.Attr)
	if !ok {
		return "", nil, scimerr.InvalidFilter(fmt.Sprintf("unknown attribute %q", e.Path.String()))
	}
	if !top.MultiValued {
		return "", nil, scimerr.InvalidFilter(fmt.Sprintf("%q is not multi-valued", e.Path.Attr))
	}
	inner, args, err := c.compileElemExpr(top, e.Filter)
	if err != nil {
		return "", nil, err
	}
	return c.Dialect.ArrayExists(c.Column, c.pathSegments(e.Path.URN, top.Name), inner), args, nil
}

// compileElemExpr compiles an inner value-path filter in element context.
func (c *Compiler) compileElemExpr(top *schema.Attribute, expr Expr) (string, []any, error) {
	switch e := expr.(type) {
	case *Logical:
		left, largs, err := c.compileElemExpr(top, e.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := c.compileElemExpr(top, e.Right)
		if err != nil {
			return "", nil, err
		}
		op := "AND"
		if e.Op == "or" {
			op = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), append(largs, rargs...), nil
	case *Not:
		inner, args, err := c.compileElemExpr(top, e.Inner)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", inner), args, nil
	case *Present:
		sub, err := elemSub(top, e.Path)
		if err != nil {
			return "", nil, err
		}
		return c.Dialect.ElemPresent(strings.ToLower(sub.Name)), nil, nil
	case *Compare:
		sub, err := elemSub(top, e.Path)
		if err != nil {
			return "", nil, err
		}
		return c.elemCompare(sub, strings.ToLower(sub.Name), e.Op, e.Value)
	}
	return "", nil, scimerr.InvalidFilter("unsupported expression inside value path")
}

func (c *Compiler) elemCompare(sub *schema.Attribute, subName, op string, value any) (string, []any, error) {
	switch sub.Type {
	case schema.TypeBoolean:
		if op != "eq" && op != "ne" {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid for boolean attribute %q", op, sub.Name))
		}
		b, ok := value.(bool)
		if !ok {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a boolean literal", sub.Name))
		}
		field := c.Dialect.ElemBool(subName)
		if op == "eq" {
			return fmt.Sprintf("%s = ?", field), []any{c.Dialect.BoolValue(b)}, nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", field, field), []any{c.Dialect.BoolValue(b)}, nil
	case schema.TypeInteger, schema.TypeDecimal:
		f, ok := value.(float64)
		if !ok {
			return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a numeric literal", sub.Name))
		}
		cond, err := orderedCond(c.Dialect.ElemNumber(subName), op)
		if err != nil {
			return "", nil, err
		}
		return cond, []any{f}, nil
	default:
		return c.textCompare(c.Dialect.ElemText(subName), sub, op, value)
	}
}

// textCompare emits the predicate for string-family attributes. Values for
// case-insensitive attributes are folded to match data_norm.
func (c *Compiler) textCompare(field string, attr *schema.Attribute, op string, value any) (string, []any, error) {
	s, ok := value.(string)
	if !ok {
		return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a string literal", attr.Name))
	}
	if !attr.CaseExact {
		s = strings.ToLower(s)
	}
	switch op {
	case "eq":
		return fmt.Sprintf("%s = ?", field), []any{s}, nil
	case "ne":
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", field, field), []any{s}, nil
	case "co":
		return fmt.Sprintf("%s LIKE ? ESCAPE '\\'", field), []any{"%" + escapeLike(s) + "%"}, nil
	case "sw":
		return fmt.Sprintf("%s LIKE ? ESCAPE '\\'", field), []any{escapeLike(s) + "%"}, nil
	case "ew":
		return fmt.Sprintf("%s LIKE ? ESCAPE '\\'", field), []any{"%" + escapeLike(s)}, nil
	case "gt", "ge", "lt", "le":
		cond, err := orderedCond(field, op)
		if err != nil {
			return "", nil, err
		}
		return cond, []any{s}, nil
	}
	return "", nil, scimerr.InvalidFilter(fmt.Sprintf("unknown operator %q", op))
}

func (c *Compiler) scalarCompare(column string, attr *schema.Attribute, op string, value any) (string, []any, error) {
	s, ok := value.(string)
	if !ok {
		return "", nil, scimerr.InvalidFilter(fmt.Sprintf("attribute %q requires a string literal", attr.Name))
	}
	switch op {
	case "eq":
		return fmt.Sprintf("%s = ?", column), []any{s}, nil
	case "ne":
		return fmt.Sprintf("%s <> ?", column), []any{s}, nil
	}
	return "", nil, scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid for %q", op, attr.Name))
}

func (c *Compiler) lookup(p Path) (attr, top *schema.Attribute, err error) {
	a, _, ok := c.Type.Lookup(p.URN, joinPath(p.Attr, p.Sub))
	if !ok {
		return nil, nil, scimerr.InvalidFilter(fmt.Sprintf("unknown attribute %q", p.String()))
	}
	t, _, _ := c.Type.Lookup(p.URN, p.Attr)
	if t != nil && !t.MultiValued {
		t = nil
	}
	return a, t, nil
}

// pathSegments folds a dotted path (and optional URN container) into the
// lowercased key sequence used by data_norm.
func (c *Compiler) pathSegments(urn, dotted string) []string {
	var segs []string
	if urn != "" {
		segs = append(segs, strings.ToLower(urn))
	}
	for _, part := range strings.Split(dotted, ".") {
		segs = append(segs, strings.ToLower(part))
	}
	return segs
}

// elemSubName picks the element sub-attribute a bare multi-valued comparison
// targets: an explicit .sub, else "value" for complex attributes, else the
// element itself.
func elemSubName(top *schema.Attribute, p Path) string {
	if p.Sub != "" {
		return p.Sub
	}
	if top.Type == schema.TypeComplex {
		return "value"
	}
	return ""
}

func metaColumn(p Path) (string, bool) {
	if p.URN != "" || !strings.EqualFold(p.Attr, "meta") {
		return "", false
	}
	switch strings.ToLower(p.Sub) {
	case "created":
		return "created_at", true
	case "lastmodified":
		return "updated_at", true
	}
	return "", false
}

func orderedCond(field, op string) (string, error) {
	switch op {
	case "eq":
		return fmt.Sprintf("%s = ?", field), nil
	case "ne":
		return fmt.Sprintf("(%s IS NULL OR %s <> ?)", field, field), nil
	case "gt":
		return fmt.Sprintf("%s > ?", field), nil
	case "ge":
		return fmt.Sprintf("%s >= ?", field), nil
	case "lt":
		return fmt.Sprintf("%s < ?", field), nil
	case "le":
		return fmt.Sprintf("%s <= ?", field), nil
	}
	return "", scimerr.InvalidFilter(fmt.Sprintf("operator %q not valid here", op))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
