package filter

import (
	"testing"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

func TestParseCompare(t *testing.T) {
	expr, err := Parse(`userName eq "bjensen@example.com"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cmp, ok := expr.(*Compare)
	if !ok {
		t.Fatalf("expected Compare, got %T", expr)
	}
	if cmp.Path.Attr != "userName" || cmp.Op != "eq" || cmp.Value != "bjensen@example.com" {
		t.Fatalf("unexpected node: %+v", cmp)
	}
}

func TestParsePrecedence(t *testing.T) {
	// and binds tighter than or.
	expr, err := Parse(`title pr or userType eq "Intern" and active eq true`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	or, ok := expr.(*Logical)
	if !ok || or.Op != "or" {
		t.Fatalf("expected or at the root, got %#v", expr)
	}
	if _, ok := or.Left.(*Present); !ok {
		t.Fatalf("left of or: %T", or.Left)
	}
	and, ok := or.Right.(*Logical)
	if !ok || and.Op != "and" {
		t.Fatalf("right of or: %#v", or.Right)
	}
}

func TestParseGrouping(t *testing.T) {
	expr, err := Parse(`(title pr or userType eq "Intern") and active eq true`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	and, ok := expr.(*Logical)
	if !ok || and.Op != "and" {
		t.Fatalf("expected and at the root, got %#v", expr)
	}
	if _, ok := and.Left.(*Logical); !ok {
		t.Fatalf("parenthesized group lost: %T", and.Left)
	}
}

func TestParseNot(t *testing.T) {
	expr, err := Parse(`not (active eq true)`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := expr.(*Not); !ok {
		t.Fatalf("expected Not, got %T", expr)
	}
}

func TestParseValuePath(t *testing.T) {
	expr, err := Parse(`emails[type eq "work" and value co "@example.com"]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	vp, ok := expr.(*ValuePath)
	if !ok {
		t.Fatalf("expected ValuePath, got %T", expr)
	}
	if vp.Path.Attr != "emails" {
		t.Fatalf("attr: %q", vp.Path.Attr)
	}
	if _, ok := vp.Filter.(*Logical); !ok {
		t.Fatalf("inner filter: %T", vp.Filter)
	}
}

func TestParseURNPath(t *testing.T) {
	expr, err := Parse(`urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department eq "Engineering"`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cmp := expr.(*Compare)
	if cmp.Path.URN != "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User" {
		t.Fatalf("urn: %q", cmp.Path.URN)
	}
	if cmp.Path.Attr != "department" {
		t.Fatalf("attr: %q", cmp.Path.Attr)
	}
}

func TestParseLiterals(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want any
	}{
		{`active eq true`, true},
		{`active eq false`, false},
		{`userName eq null`, nil},
		{`meta.created gt "2011-05-13T04:42:34Z"`, "2011-05-13T04:42:34Z"},
		{`startIndex eq 3`, float64(3)},
		{`weight gt 1.5`, 1.5},
	} {
		expr, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got := expr.(*Compare).Value; got != tc.want {
			t.Fatalf("%s: value %v (%T), want %v", tc.in, got, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{
		``,
		`userName`,
		`userName eq`,
		`userName xy "a"`,
		`(userName eq "a"`,
		`emails[type eq "work"`,
		`userName eq "a" trailing`,
		`name.givenName.more eq "a"`,
		`userName eq "unterminated`,
	} {
		_, err := Parse(in)
		if err == nil {
			t.Fatalf("%q: expected error", in)
		}
		if scimerr.FromErr(err).ScimType != "invalidFilter" {
			t.Fatalf("%q: scimType %q", in, scimerr.FromErr(err).ScimType)
		}
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath(`emails[type eq "work"].value`)
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if p.Attr != "emails" || p.Sub != "value" || p.Filter == nil {
		t.Fatalf("unexpected path: %+v", p)
	}

	p, err = ParsePath(`name.givenName`)
	if err != nil {
		t.Fatalf("parse path: %v", err)
	}
	if p.Attr != "name" || p.Sub != "givenName" || p.Filter != nil {
		t.Fatalf("unexpected path: %+v", p)
	}

	for _, in := range []string{``, `emails[type eq "work"`, `a.b.c`, `emails[type eq "work"].`} {
		if _, err := ParsePath(in); err == nil {
			t.Fatalf("%q: expected error", in)
		} else if scimerr.FromErr(err).ScimType != "invalidPath" {
			t.Fatalf("%q: scimType %q", in, scimerr.FromErr(err).ScimType)
		}
	}
}

func testUserDoc() map[string]any {
	return map[string]any{
		"userName": "BJensen@example.com",
		"title":    "Tour Guide",
		"active":   true,
		"name":     map[string]any{"givenName": "Barbara", "familyName": "Jensen"},
		"emails": []any{
			map[string]any{"value": "bjensen@example.com", "type": "work", "primary": true},
			map[string]any{"value": "babs@jensen.org", "type": "home"},
		},
		"meta": map[string]any{"created": "2011-05-13T04:42:34Z"},
	}
}

func TestMatches(t *testing.T) {
	rt := schema.User()
	doc := testUserDoc()
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{`userName eq "bjensen@example.com"`, true}, // userName compares case-insensitively
		{`userName eq "other@example.com"`, false},
		{`userName co "jensen"`, true},
		{`userName sw "BJ"`, true},
		{`userName ew ".com"`, true},
		{`title pr`, true},
		{`nickName pr`, false},
		{`active eq true`, true},
		{`active ne true`, false},
		{`name.givenName eq "barbara"`, true},
		{`emails eq "babs@jensen.org"`, true}, // bare multi-valued compares the value sub-attribute
		{`emails.type eq "home"`, true},
		{`emails[type eq "work" and primary eq true]`, true},
		{`emails[type eq "work" and primary eq false]`, false},
		{`not (active eq true)`, false},
		{`title pr and userName co "jensen"`, true},
		{`title pr or nickName pr`, true},
	} {
		expr, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.in, err)
		}
		got, err := Matches(rt, doc, expr)
		if err != nil {
			t.Fatalf("%s: match: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMatchesErrors(t *testing.T) {
	rt := schema.User()
	doc := testUserDoc()
	for _, in := range []string{
		`noSuchAttr eq "x"`,
		`active gt true`,
		`active eq "yes"`,
		`userName eq 3`,
		`emails[noSuch eq "x"]`,
		`userName[type eq "work"]`,
	} {
		expr, err := Parse(in)
		if err != nil {
			t.Fatalf("%s: parse: %v", in, err)
		}
		if _, err := Matches(rt, doc, expr); err == nil {
			t.Fatalf("%s: expected error", in)
		} else if scimerr.FromErr(err).ScimType != "invalidFilter" {
			t.Fatalf("%s: scimType %q", in, scimerr.FromErr(err).ScimType)
		}
	}
}

func TestSelectElements(t *testing.T) {
	rt := schema.User()
	doc := testUserDoc()
	expr, err := Parse(`emails[type eq "home"]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	idx, err := SelectElements(rt, doc, expr.(*ValuePath))
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(idx) != 1 || idx[0] != 1 {
		t.Fatalf("selected %v, want [1]", idx)
	}

	// Empty selection is not an error.
	expr, _ = Parse(`emails[type eq "fax"]`)
	idx, err = SelectElements(rt, doc, expr.(*ValuePath))
	if err != nil || len(idx) != 0 {
		t.Fatalf("selected %v, err %v", idx, err)
	}
}

func TestDateTimeCompare(t *testing.T) {
	rt := schema.User()
	doc := testUserDoc()
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{`meta.created gt "2011-01-01T00:00:00Z"`, true},
		{`meta.created lt "2011-01-01T00:00:00Z"`, false},
		{`meta.created le "2011-05-13T04:42:34Z"`, true},
	} {
		expr, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.in, err)
		}
		got, err := Matches(rt, doc, expr)
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %v, want %v", tc.in, got, tc.want)
		}
	}
}
