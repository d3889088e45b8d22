package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/schema"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := sqlx.Open("sqlite", filepath.Join(t.TempDir(), "scim.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	s, err := New(db, "sqlite")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newUser(t *testing.T, userName string, extra map[string]any) *Resource {
	t.Helper()
	doc := map[string]any{
		"schemas":  []any{schema.URNUser},
		"userName": userName,
	}
	for k, v := range extra {
		doc[k] = v
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Resource{
		ID:         uuid.NewString(),
		NaturalKey: normKey(userName),
		DataOrig:   doc,
		DataNorm:   schema.Normalize(schema.User(), doc),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newGroup(t *testing.T, displayName string, members []Member) *Resource {
	t.Helper()
	doc := map[string]any{
		"schemas":     []any{schema.URNGroup},
		"displayName": displayName,
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Resource{
		ID:         uuid.NewString(),
		NaturalKey: normKey(displayName),
		DataOrig:   doc,
		DataNorm:   schema.Normalize(schema.Group(), doc),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		Members:    members,
	}
}

func normKey(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func mustParse(t *testing.T, f string) filter.Expr {
	t.Helper()
	expr, err := filter.Parse(f)
	if err != nil {
		t.Fatalf("parse filter %q: %v", f, err)
	}
	return expr
}

func TestCreateGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newUser(t, "Alice@Example.com", map[string]any{"active": true})
	if err := s.Create(ctx, 1, KindUser, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, 1, KindUser, u.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DataOrig["userName"] != "Alice@Example.com" {
		t.Errorf("original casing lost: %v", got.DataOrig["userName"])
	}
	if got.DataNorm["username"] != "alice@example.com" {
		t.Errorf("normalized key/value wrong: %v", got.DataNorm)
	}
	if got.Version != 1 {
		t.Errorf("version = %d", got.Version)
	}
	if _, err := s.Get(ctx, 1, KindUser, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing id: err = %v", err)
	}
	// Tenant isolation.
	if _, err := s.Get(ctx, 2, KindUser, u.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-tenant read: err = %v", err)
	}
}

func TestDuplicateNaturalKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, 1, KindUser, newUser(t, "bob@example.com", nil)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, 1, KindUser, newUser(t, "BOB@example.com", nil))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("case-folded duplicate: err = %v", err)
	}
	// Same key in another tenant is fine.
	if err := s.Create(ctx, 2, KindUser, newUser(t, "bob@example.com", nil)); err != nil {
		t.Errorf("other tenant: %v", err)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	users := []*Resource{
		newUser(t, "carol@example.com", map[string]any{
			"active": true,
			"emails": []any{map[string]any{"value": "Carol@Work.example", "type": "work"}},
		}),
		newUser(t, "dave@example.com", map[string]any{"active": false}),
		newUser(t, "erin@other.org", map[string]any{"active": true}),
	}
	for _, u := range users {
		if err := s.Create(ctx, 1, KindUser, u); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	cases := []struct {
		filter string
		want   int
	}{
		{`userName eq "CAROL@example.com"`, 1},
		{`userName sw "d"`, 1},
		{`userName ew "example.com"`, 2},
		{`userName co "other"`, 1},
		{`active eq true`, 2},
		{`active eq false`, 1},
		{`emails.value co "work.example"`, 1},
		{`emails[type eq "work" and value co "carol"]`, 1},
		{`userName pr`, 3},
		{`title pr`, 0},
		{`not (active eq true)`, 1},
		{`active eq true and userName co "example.com"`, 1},
		{`active eq true or userName co "dave"`, 3},
	}
	for _, tc := range cases {
		res, err := s.List(ctx, 1, KindUser, ListParams{
			Filter: mustParse(t, tc.filter), StartIndex: 1, Count: 100,
		})
		if err != nil {
			t.Errorf("%s: %v", tc.filter, err)
			continue
		}
		if res.Total != tc.want {
			t.Errorf("%s: total = %d, want %d", tc.filter, res.Total, tc.want)
		}
	}
}

func TestListSortAndPage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"cc@x.org", "aa@x.org", "bb@x.org"} {
		if err := s.Create(ctx, 1, KindUser, newUser(t, name, nil)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	res, err := s.List(ctx, 1, KindUser, ListParams{SortBy: "userName", StartIndex: 1, Count: 2})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 3 || len(res.Resources) != 2 {
		t.Fatalf("total=%d page=%d", res.Total, len(res.Resources))
	}
	if res.Resources[0].NaturalKey != "aa@x.org" || res.Resources[1].NaturalKey != "bb@x.org" {
		t.Errorf("ascending order wrong: %s, %s", res.Resources[0].NaturalKey, res.Resources[1].NaturalKey)
	}
	res, err = s.List(ctx, 1, KindUser, ListParams{SortBy: "userName", Descending: true, StartIndex: 1, Count: 1})
	if err != nil {
		t.Fatalf("List desc: %v", err)
	}
	if res.Resources[0].NaturalKey != "cc@x.org" {
		t.Errorf("descending order wrong: %s", res.Resources[0].NaturalKey)
	}
	// Count=0 returns the total only.
	res, err = s.List(ctx, 1, KindUser, ListParams{StartIndex: 1})
	if err != nil {
		t.Fatalf("List count=0: %v", err)
	}
	if res.Total != 3 || len(res.Resources) != 0 {
		t.Errorf("count=0: total=%d page=%d", res.Total, len(res.Resources))
	}
}

func TestReplaceVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newUser(t, "frank@example.com", nil)
	if err := s.Create(ctx, 1, KindUser, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	u.DataOrig["displayName"] = "Frank"
	u.DataNorm = schema.Normalize(schema.User(), u.DataOrig)
	u.UpdatedAt = time.Now().UTC()
	if err := s.Replace(ctx, 1, KindUser, u, 1); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if u.Version != 2 {
		t.Errorf("version after replace = %d", u.Version)
	}
	if err := s.Replace(ctx, 1, KindUser, u, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("stale version: err = %v", err)
	}
	ghost := newUser(t, "ghost@example.com", nil)
	if err := s.Replace(ctx, 1, KindUser, ghost, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing resource: err = %v", err)
	}
}

func TestGroupMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := newUser(t, "alice@example.com", map[string]any{"displayName": "Alice A"})
	bob := newUser(t, "bob@example.com", nil)
	for _, u := range []*Resource{alice, bob} {
		if err := s.Create(ctx, 1, KindUser, u); err != nil {
			t.Fatalf("Create user: %v", err)
		}
	}
	g := newGroup(t, "Engineering", []Member{{Value: alice.ID}, {Value: bob.ID}})
	if err := s.Create(ctx, 1, KindGroup, g); err != nil {
		t.Fatalf("Create group: %v", err)
	}

	got, err := s.Get(ctx, 1, KindGroup, g.ID)
	if err != nil {
		t.Fatalf("Get group: %v", err)
	}
	if len(got.Members) != 2 {
		t.Fatalf("members = %d", len(got.Members))
	}
	byID := map[string]Member{}
	for _, m := range got.Members {
		byID[m.Value] = m
	}
	if byID[alice.ID].Display != "Alice A" {
		t.Errorf("displayName not used for display: %q", byID[alice.ID].Display)
	}
	if byID[bob.ID].Display != "bob@example.com" {
		t.Errorf("userName fallback not used: %q", byID[bob.ID].Display)
	}
	if _, ok := got.DataOrig["members"]; ok {
		t.Errorf("members leaked into the stored document")
	}

	// The user's group list is hydrated on read.
	au, err := s.Get(ctx, 1, KindUser, alice.ID)
	if err != nil {
		t.Fatalf("Get user: %v", err)
	}
	if len(au.Groups) != 1 || au.Groups[0].Value != g.ID || au.Groups[0].Display != "Engineering" {
		t.Errorf("user groups = %+v", au.Groups)
	}

	// Deleting a member removes it from the group on the next read.
	if err := s.Delete(ctx, 1, KindUser, bob.ID); err != nil {
		t.Fatalf("Delete user: %v", err)
	}
	got, err = s.Get(ctx, 1, KindGroup, g.ID)
	if err != nil {
		t.Fatalf("Get group: %v", err)
	}
	if len(got.Members) != 1 || got.Members[0].Value != alice.ID {
		t.Errorf("members after delete = %+v", got.Members)
	}
}

func TestMembersDiffOnReplace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for _, name := range []string{"u1@x.org", "u2@x.org", "u3@x.org"} {
		u := newUser(t, name, nil)
		if err := s.Create(ctx, 1, KindUser, u); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, u.ID)
	}
	g := newGroup(t, "Ops", []Member{{Value: ids[0]}, {Value: ids[1]}})
	if err := s.Create(ctx, 1, KindGroup, g); err != nil {
		t.Fatalf("Create group: %v", err)
	}
	g.Members = []Member{{Value: ids[1]}, {Value: ids[2]}}
	g.UpdatedAt = time.Now().UTC()
	if err := s.Replace(ctx, 1, KindGroup, g, 1); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := s.Get(ctx, 1, KindGroup, g.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	want := map[string]bool{ids[1]: true, ids[2]: true}
	if len(got.Members) != 2 || !want[got.Members[0].Value] || !want[got.Members[1].Value] {
		t.Errorf("members after diff = %+v", got.Members)
	}
}

func TestMembersFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newUser(t, "grace@example.com", nil)
	if err := s.Create(ctx, 1, KindUser, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	in := newGroup(t, "HasGrace", []Member{{Value: u.ID}})
	out := newGroup(t, "Empty", nil)
	for _, g := range []*Resource{in, out} {
		if err := s.Create(ctx, 1, KindGroup, g); err != nil {
			t.Fatalf("Create group: %v", err)
		}
	}

	res, err := s.List(ctx, 1, KindGroup, ListParams{
		Filter: mustParse(t, `members eq "`+u.ID+`"`), StartIndex: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 1 || res.Resources[0].ID != in.ID {
		t.Errorf("members eq: total=%d", res.Total)
	}

	res, err = s.List(ctx, 1, KindGroup, ListParams{
		Filter: mustParse(t, `members[value eq "`+u.ID+`" and type eq "User"]`), StartIndex: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("List value path: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("members value path: total=%d", res.Total)
	}

	res, err = s.List(ctx, 1, KindGroup, ListParams{
		Filter: mustParse(t, `members pr`), StartIndex: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("List pr: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("members pr: total=%d", res.Total)
	}

	if _, err := s.List(ctx, 1, KindGroup, ListParams{
		Filter: mustParse(t, `members.display eq "x"`), StartIndex: 1, Count: 10,
	}); err == nil {
		t.Errorf("filtering members by display should be rejected")
	}
}

func TestMetaFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := newUser(t, "heidi@example.com", nil)
	if err := s.Create(ctx, 1, KindUser, u); err != nil {
		t.Fatalf("Create: %v", err)
	}
	cutoff := u.CreatedAt.Add(-time.Hour).Format(time.RFC3339)
	res, err := s.List(ctx, 1, KindUser, ListParams{
		Filter: mustParse(t, `meta.created gt "`+cutoff+`"`), StartIndex: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 1 {
		t.Errorf("meta.created gt: total=%d", res.Total)
	}
	future := u.CreatedAt.Add(time.Hour).Format(time.RFC3339)
	res, err = s.List(ctx, 1, KindUser, ListParams{
		Filter: mustParse(t, `meta.created gt "`+future+`"`), StartIndex: 1, Count: 10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("future cutoff: total=%d", res.Total)
	}
}
