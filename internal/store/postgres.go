package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// pgDialect targets PostgreSQL with JSONB document columns.
type pgDialect struct{}

func (pgDialect) ddl(prefix string) []string {
	var stmts []string
	for _, kind := range []string{"users", "groups"} {
		t := prefix + kind
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				natural_key TEXT NOT NULL,
				external_id TEXT,
				data_orig JSONB NOT NULL,
				data_norm JSONB NOT NULL,
				version BIGINT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, t),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_natural_key_idx ON %s (natural_key)`, t, t),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_external_id_idx ON %s (external_id) WHERE external_id IS NOT NULL`, t, t),
		)
	}
	gm := prefix + "group_memberships"
	stmts = append(stmts,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			group_id TEXT NOT NULL REFERENCES %sgroups(id) ON DELETE CASCADE,
			member_id TEXT NOT NULL,
			member_type TEXT NOT NULL DEFAULT 'User',
			PRIMARY KEY (group_id, member_id)
		)`, gm, prefix),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_member_idx ON %s (member_id)`, gm, gm),
	)
	return stmts
}

func (pgDialect) isDuplicate(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// pgPath renders a jsonb path array literal, eg '{"emails","value"}'.
func pgPath(path []string) string {
	quoted := make([]string, len(path))
	for i, seg := range path {
		seg = strings.ReplaceAll(seg, `"`, `\"`)
		seg = strings.ReplaceAll(seg, `'`, `''`)
		quoted[i] = `"` + seg + `"`
	}
	return "'{" + strings.Join(quoted, ",") + "}'"
}

func (pgDialect) JSONText(column string, path []string) string {
	return fmt.Sprintf("(%s #>> %s)", column, pgPath(path))
}

func (pgDialect) JSONNumber(column string, path []string) string {
	return fmt.Sprintf("(%s #>> %s)::numeric", column, pgPath(path))
}

func (pgDialect) JSONBool(column string, path []string) string {
	return fmt.Sprintf("(%s #>> %s)", column, pgPath(path))
}

// BoolValue compares against the jsonb boolean rendered as text.
func (pgDialect) BoolValue(b bool) any {
	if b {
		return "true"
	}
	return "false"
}

func (pgDialect) JSONPresent(column string, path []string) string {
	p := pgPath(path)
	return fmt.Sprintf(`(CASE jsonb_typeof(%[1]s #> %[2]s)
		WHEN 'string' THEN %[1]s #>> %[2]s <> ''
		WHEN 'array' THEN jsonb_array_length(%[1]s #> %[2]s) > 0
		WHEN 'object' THEN %[1]s #> %[2]s <> '{}'::jsonb
		WHEN 'null' THEN FALSE
		ELSE jsonb_typeof(%[1]s #> %[2]s) IS NOT NULL
	END)`, column, p)
}

func (pgDialect) ArrayExists(column string, path []string, inner string) string {
	p := pgPath(path)
	return fmt.Sprintf(
		`EXISTS (SELECT 1 FROM jsonb_array_elements(CASE WHEN jsonb_typeof(%[1]s #> %[2]s) = 'array' THEN %[1]s #> %[2]s ELSE '[]'::jsonb END) AS elem(value) WHERE %[3]s)`,
		column, p, inner)
}

func (pgDialect) ElemText(sub string) string {
	if sub == "" {
		return "(elem.value #>> '{}')"
	}
	return fmt.Sprintf("(elem.value ->> '%s')", sub)
}

func (pgDialect) ElemNumber(sub string) string {
	if sub == "" {
		return "(elem.value #>> '{}')::numeric"
	}
	return fmt.Sprintf("(elem.value ->> '%s')::numeric", sub)
}

func (d pgDialect) ElemBool(sub string) string {
	return d.ElemText(sub)
}

func (d pgDialect) ElemPresent(sub string) string {
	field := d.ElemText(sub)
	return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", field, field)
}

func (pgDialect) TimeColumn(name string) string { return name }

// TimeValue hands timestamps to the driver as time.Time so comparison uses
// the column's native type.
func (pgDialect) TimeValue(s string) any {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return s
}
