package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/schema"
	"github.com/dhawalhost/scimgate/internal/scimerr"
)

type membershipRow struct {
	GroupID    string `db:"group_id"`
	MemberID   string `db:"member_id"`
	MemberType string `db:"member_type"`
}

func (s *sqlStore) insertMembers(ctx context.Context, tx *sqlx.Tx, tenantID uint32, groupID string, members []Member) error {
	if len(members) == 0 {
		return nil
	}
	q := s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (group_id, member_id, member_type) VALUES (?, ?, ?)`, s.memberships(tenantID)))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.Value] {
			continue
		}
		seen[m.Value] = true
		typ := m.Type
		if typ == "" {
			typ = "User"
		}
		if _, err := tx.ExecContext(ctx, q, groupID, m.Value, typ); err != nil {
			return err
		}
	}
	return nil
}

// diffMembers reconciles the join table with the desired membership without
// rewriting unchanged rows.
func (s *sqlStore) diffMembers(ctx context.Context, tx *sqlx.Tx, tenantID uint32, groupID string, members []Member) error {
	gm := s.memberships(tenantID)
	var current []membershipRow
	q := s.db.Rebind(fmt.Sprintf(`SELECT group_id, member_id, member_type FROM %s WHERE group_id = ?`, gm))
	if err := tx.SelectContext(ctx, &current, q, groupID); err != nil {
		return err
	}
	have := make(map[string]bool, len(current))
	for _, row := range current {
		have[row.MemberID] = true
	}
	want := make(map[string]Member, len(members))
	for _, m := range members {
		want[m.Value] = m
	}

	var removals []string
	for id := range have {
		if _, keep := want[id]; !keep {
			removals = append(removals, id)
		}
	}
	if len(removals) > 0 {
		del, args, err := sqlx.In(
			fmt.Sprintf(`DELETE FROM %s WHERE group_id = ? AND member_id IN (?)`, gm), groupID, removals)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(del), args...); err != nil {
			return err
		}
	}

	var additions []Member
	for id, m := range want {
		if !have[id] {
			additions = append(additions, m)
		}
	}
	sort.Slice(additions, func(i, j int) bool { return additions[i].Value < additions[j].Value })
	return s.insertMembers(ctx, tx, tenantID, groupID, additions)
}

// hydrate folds join-table state back into the resource: a group's members
// with current display names, and the groups a user belongs to.
func (s *sqlStore) hydrate(ctx context.Context, tenantID uint32, kind Kind, res *Resource) error {
	if kind == KindGroup {
		return s.hydrateMembers(ctx, tenantID, res)
	}
	return s.hydrateGroups(ctx, tenantID, res)
}

func (s *sqlStore) hydrateMembers(ctx context.Context, tenantID uint32, res *Resource) error {
	var rows []membershipRow
	q := s.db.Rebind(fmt.Sprintf(
		`SELECT group_id, member_id, member_type FROM %s WHERE group_id = ? ORDER BY member_id`,
		s.memberships(tenantID)))
	if err := s.db.SelectContext(ctx, &rows, q, res.ID); err != nil {
		return err
	}
	res.Members = nil
	if len(rows) == 0 {
		return nil
	}

	var userIDs, groupIDs []string
	for _, row := range rows {
		if row.MemberType == "Group" {
			groupIDs = append(groupIDs, row.MemberID)
		} else {
			userIDs = append(userIDs, row.MemberID)
		}
	}
	userNames, err := s.displayNames(ctx, tenantID, KindUser, userIDs)
	if err != nil {
		return err
	}
	groupNames, err := s.displayNames(ctx, tenantID, KindGroup, groupIDs)
	if err != nil {
		return err
	}
	for _, row := range rows {
		m := Member{Value: row.MemberID, Type: row.MemberType}
		if row.MemberType == "Group" {
			m.Display = groupNames[row.MemberID]
		} else {
			m.Display = userNames[row.MemberID]
		}
		res.Members = append(res.Members, m)
	}
	return nil
}

func (s *sqlStore) hydrateGroups(ctx context.Context, tenantID uint32, res *Resource) error {
	type groupRow struct {
		ID       string `db:"id"`
		DataOrig []byte `db:"data_orig"`
	}
	var rows []groupRow
	q := s.db.Rebind(fmt.Sprintf(
		`SELECT g.id, g.data_orig FROM %s g JOIN %s m ON m.group_id = g.id
		 WHERE m.member_id = ? ORDER BY g.id`,
		s.table(tenantID, KindGroup), s.memberships(tenantID)))
	if err := s.db.SelectContext(ctx, &rows, q, res.ID); err != nil {
		return err
	}
	res.Groups = nil
	for _, row := range rows {
		res.Groups = append(res.Groups, GroupRef{
			Value:   row.ID,
			Display: displayFromDoc(row.DataOrig, "displayName"),
		})
	}
	return nil
}

// displayNames fetches a display string per id: displayName first, then
// userName for users.
func (s *sqlStore) displayNames(ctx context.Context, tenantID uint32, kind Kind, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	type docRow struct {
		ID       string `db:"id"`
		DataOrig []byte `db:"data_orig"`
	}
	q, args, err := sqlx.In(
		fmt.Sprintf(`SELECT id, data_orig FROM %s WHERE id IN (?)`, s.table(tenantID, kind)), ids)
	if err != nil {
		return nil, err
	}
	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		name := displayFromDoc(row.DataOrig, "displayName")
		if name == "" && kind == KindUser {
			name = displayFromDoc(row.DataOrig, "userName")
		}
		out[row.ID] = name
	}
	return out, nil
}

func displayFromDoc(raw []byte, key string) string {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	if v, ok := schema.FindKey(doc, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// membersPredicate compiles filters over a group's members against the join
// table instead of the document, where members are never stored.
func (s *sqlStore) membersPredicate(tenantID uint32) filter.MembersPredicate {
	gm := s.memberships(tenantID)
	return func(expr filter.Expr) (string, []any, error) {
		inner, args, err := membersCond(expr)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s m WHERE m.group_id = id AND %s)", gm, inner), args, nil
	}
}

func membersCond(expr filter.Expr) (string, []any, error) {
	switch e := expr.(type) {
	case *filter.Present:
		return "1=1", nil, nil
	case *filter.Compare:
		return membersCompare(e.Path.Sub, e.Op, e.Value)
	case *filter.ValuePath:
		return membersInner(e.Filter)
	}
	return "", nil, scimerr.InvalidFilter("unsupported filter on members")
}

func membersInner(expr filter.Expr) (string, []any, error) {
	switch e := expr.(type) {
	case *filter.Logical:
		left, largs, err := membersInner(e.Left)
		if err != nil {
			return "", nil, err
		}
		right, rargs, err := membersInner(e.Right)
		if err != nil {
			return "", nil, err
		}
		op := "AND"
		if e.Op == "or" {
			op = "OR"
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), append(largs, rargs...), nil
	case *filter.Not:
		inner, args, err := membersInner(e.Inner)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("NOT (%s)", inner), args, nil
	case *filter.Compare:
		return membersCompare(e.Path.Attr, e.Op, e.Value)
	case *filter.Present:
		col, err := membersColumn(e.Path.Attr)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("%s IS NOT NULL", col), nil, nil
	}
	return "", nil, scimerr.InvalidFilter("unsupported expression inside members value path")
}

func membersCompare(sub, op string, value any) (string, []any, error) {
	col, err := membersColumn(sub)
	if err != nil {
		return "", nil, err
	}
	s, ok := value.(string)
	if !ok {
		return "", nil, scimerr.InvalidFilter("members comparisons require a string literal")
	}
	switch op {
	case "eq":
		return fmt.Sprintf("%s = ?", col), []any{s}, nil
	case "ne":
		return fmt.Sprintf("%s <> ?", col), []any{s}, nil
	}
	return "", nil, scimerr.InvalidFilter(fmt.Sprintf("operator %q not supported on members", op))
}

func membersColumn(sub string) (string, error) {
	switch strings.ToLower(sub) {
	case "", "value":
		return "m.member_id", nil
	case "type":
		return "m.member_type", nil
	}
	return "", scimerr.InvalidFilter(fmt.Sprintf("filtering members by %q is not supported", sub))
}

// orderClause maps the sortBy path onto a SQL ORDER BY, with nulls last on
// ascending and first on descending sorts. The id column breaks ties so
// pagination stays stable.
func (s *sqlStore) orderClause(params ListParams) string {
	if params.SortBy == "" {
		return "id ASC"
	}
	dir, nulls := "ASC", "NULLS LAST"
	if params.Descending {
		dir, nulls = "DESC", "NULLS FIRST"
	}
	field := s.sortField(params.SortBy)
	return fmt.Sprintf("%s %s %s, id ASC", field, dir, nulls)
}

func (s *sqlStore) sortField(sortBy string) string {
	path := strings.ToLower(sortBy)
	if strings.HasPrefix(path, "urn:") {
		if i := strings.LastIndex(path, ":"); i >= 0 {
			urn, rest := path[:i], path[i+1:]
			segs := append([]string{urn}, strings.Split(rest, ".")...)
			return s.d.JSONText("data_norm", segs)
		}
	}
	switch path {
	case "id":
		return "id"
	case "meta.created":
		return "created_at"
	case "meta.lastmodified":
		return "updated_at"
	}
	return s.d.JSONText("data_norm", strings.Split(path, "."))
}
