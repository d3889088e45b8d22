package patch

import (
	"reflect"
	"testing"

	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

func interp() *Interpreter {
	return &Interpreter{Type: schema.User(), AllowReplaceEmptyArray: true}
}

func baseDoc() map[string]any {
	return map[string]any{
		"userName": "bjensen@example.com",
		"name":     map[string]any{"givenName": "Barbara"},
		"emails": []any{
			map[string]any{"value": "bjensen@example.com", "type": "work", "primary": true},
			map[string]any{"value": "babs@jensen.org", "type": "home"},
		},
	}
}

func scimType(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	return scimerr.FromErr(err).ScimType
}

func TestAddSimple(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Path: "title", Value: "Tour Guide"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["title"] != "Tour Guide" {
		t.Fatalf("title: %v", out["title"])
	}
}

func TestAddWithoutPath(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Value: map[string]any{
			"title":  "Manager",
			"active": true,
		}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["title"] != "Manager" || out["active"] != true {
		t.Fatalf("merged doc: %v", out)
	}
}

func TestAddSubAttribute(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Path: "name.familyName", Value: "Jensen"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	name := out["name"].(map[string]any)
	if name["familyName"] != "Jensen" || name["givenName"] != "Barbara" {
		t.Fatalf("name: %v", name)
	}
}

func TestAddAppendsMultiValued(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Path: "emails", Value: map[string]any{"value": "third@example.com", "type": "other"}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	emails := out["emails"].([]any)
	if len(emails) != 3 {
		t.Fatalf("emails: %v", emails)
	}
	last := emails[2].(map[string]any)
	if last["value"] != "third@example.com" {
		t.Fatalf("appended element: %v", last)
	}
}

func TestReplaceValuePathSub(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: `emails[type eq "work"].value`, Value: "new@example.com"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	emails := out["emails"].([]any)
	work := emails[0].(map[string]any)
	if work["value"] != "new@example.com" {
		t.Fatalf("work email: %v", work)
	}
	home := emails[1].(map[string]any)
	if home["value"] != "babs@jensen.org" {
		t.Fatalf("home email touched: %v", home)
	}
}

func TestReplaceWholeElement(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: `emails[type eq "home"]`, Value: map[string]any{
			"value": "replacement@jensen.org",
			"type":  "home",
		}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	home := out["emails"].([]any)[1].(map[string]any)
	if !reflect.DeepEqual(home, map[string]any{"value": "replacement@jensen.org", "type": "home"}) {
		t.Fatalf("element: %v", home)
	}
}

func TestReplaceNoTarget(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: `emails[type eq "fax"].value`, Value: "x"},
	})
	if got := scimType(t, err); got != "noTarget" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestRemoveAttribute(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "remove", Path: "name"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := out["name"]; ok {
		t.Fatal("name not removed")
	}
}

func TestRemoveSelectedElements(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "remove", Path: `emails[type eq "home"]`},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	emails := out["emails"].([]any)
	if len(emails) != 1 {
		t.Fatalf("emails: %v", emails)
	}
	if emails[0].(map[string]any)["type"] != "work" {
		t.Fatalf("wrong element removed: %v", emails)
	}
}

func TestRemoveLastElementDropsAttribute(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "remove", Path: `emails[type eq "home"]`},
		{Op: "remove", Path: `emails[type eq "work"]`},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, ok := out["emails"]; ok {
		t.Fatalf("emails should be gone: %v", out["emails"])
	}
}

func TestRemoveRequiresPath(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{{Op: "remove"}})
	if got := scimType(t, err); got != "invalidPath" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestReadOnlyRejected(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: "groups", Value: []any{}},
	})
	if got := scimType(t, err); got != "mutability" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestUnknownPath(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Path: "favoriteColor", Value: "blue"},
	})
	if got := scimType(t, err); got != "invalidPath" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestUnknownOp(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "move", Path: "title", Value: "x"},
	})
	if got := scimType(t, err); got != "invalidSyntax" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestEmptyOperations(t *testing.T) {
	_, err := interp().Apply(baseDoc(), nil)
	if got := scimType(t, err); got != "invalidValue" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestFailureLeavesInputUntouched(t *testing.T) {
	doc := baseDoc()
	_, err := interp().Apply(doc, []Operation{
		{Op: "replace", Path: "title", Value: "changed"},
		{Op: "add", Path: "favoriteColor", Value: "blue"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := doc["title"]; ok {
		t.Fatalf("input mutated: %v", doc)
	}
}

func TestReplaceEmptyArrayToggle(t *testing.T) {
	it := &Interpreter{Type: schema.User()}
	_, err := it.Apply(baseDoc(), []Operation{
		{Op: "replace", Path: "emails", Value: []any{}},
	})
	if got := scimType(t, err); got != "invalidValue" {
		t.Fatalf("scimType: %q", got)
	}

	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: "emails", Value: []any{}},
	})
	if err != nil {
		t.Fatalf("apply with toggle: %v", err)
	}
	if arr := out["emails"].([]any); len(arr) != 0 {
		t.Fatalf("emails: %v", arr)
	}
}

func TestReplaceEmptyValueToggle(t *testing.T) {
	clearValue := []any{map[string]any{"value": ""}}
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: "emails", Value: clearValue},
	})
	if got := scimType(t, err); got != "invalidValue" {
		t.Fatalf("scimType: %q", got)
	}

	it := &Interpreter{Type: schema.User(), AllowReplaceEmptyArray: true, AllowReplaceEmptyValue: true}
	out, err := it.Apply(baseDoc(), []Operation{
		{Op: "replace", Path: "emails", Value: clearValue},
	})
	if err != nil {
		t.Fatalf("apply with toggle: %v", err)
	}
	if arr := out["emails"].([]any); len(arr) != 1 {
		t.Fatalf("emails: %v", arr)
	}
}

func TestPrimaryInvariantAfterPatch(t *testing.T) {
	_, err := interp().Apply(baseDoc(), []Operation{
		{Op: "replace", Path: `emails[type eq "home"].primary`, Value: true},
	})
	if got := scimType(t, err); got != "invalidValue" {
		t.Fatalf("scimType: %q", got)
	}
}

func TestExtensionPath(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "add", Path: "urn:ietf:params:scim:schemas:extension:enterprise:2.0:User:department", Value: "Engineering"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	ext, ok := out["urn:ietf:params:scim:schemas:extension:enterprise:2.0:User"].(map[string]any)
	if !ok {
		t.Fatalf("extension container missing: %v", out)
	}
	if ext["department"] != "Engineering" {
		t.Fatalf("department: %v", ext["department"])
	}
}

func TestCaseInsensitivePaths(t *testing.T) {
	out, err := interp().Apply(baseDoc(), []Operation{
		{Op: "Replace", Path: "userName", Value: "new@example.com"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out["userName"] != "new@example.com" {
		t.Fatalf("userName: %v", out["userName"])
	}
}
