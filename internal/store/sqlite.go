package store

import (
	"fmt"
	"strings"
	"time"
)

// sqliteDialect targets the embedded engine via the pure-Go sqlite driver.
// Documents are TEXT holding JSON; timestamps carry a TIMESTAMP decltype so
// the driver round-trips time.Time.
type sqliteDialect struct{}

func (sqliteDialect) ddl(prefix string) []string {
	var stmts []string
	for _, kind := range []string{"users", "groups"} {
		t := prefix + kind
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				natural_key TEXT NOT NULL,
				external_id TEXT,
				data_orig TEXT NOT NULL,
				data_norm TEXT NOT NULL,
				version INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
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

func (sqliteDialect) isDuplicate(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

// sqlitePath renders a quoted json path, eg '$."emails"."value"'. Quoting
// matters because schema URNs contain dots and colons.
func sqlitePath(path []string) string {
	var b strings.Builder
	b.WriteString("'$")
	for _, seg := range path {
		seg = strings.ReplaceAll(seg, `"`, `""`)
		seg = strings.ReplaceAll(seg, `'`, `''`)
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	b.WriteString("'")
	return b.String()
}

func (sqliteDialect) JSONText(column string, path []string) string {
	return fmt.Sprintf("json_extract(%s, %s)", column, sqlitePath(path))
}

func (d sqliteDialect) JSONNumber(column string, path []string) string {
	return d.JSONText(column, path)
}

func (d sqliteDialect) JSONBool(column string, path []string) string {
	return d.JSONText(column, path)
}

// BoolValue matches json_extract's 1/0 rendering of JSON booleans.
func (sqliteDialect) BoolValue(b bool) any {
	if b {
		return 1
	}
	return 0
}

func (sqliteDialect) JSONPresent(column string, path []string) string {
	p := sqlitePath(path)
	return fmt.Sprintf(`(CASE json_type(%[1]s, %[2]s)
		WHEN 'text' THEN json_extract(%[1]s, %[2]s) <> ''
		WHEN 'array' THEN json_array_length(%[1]s, %[2]s) > 0
		WHEN 'object' THEN json_extract(%[1]s, %[2]s) <> '{}'
		WHEN 'null' THEN 0
		ELSE json_type(%[1]s, %[2]s) IS NOT NULL
	END)`, column, p)
}

func (sqliteDialect) ArrayExists(column string, path []string, inner string) string {
	p := sqlitePath(path)
	return fmt.Sprintf(
		`EXISTS (SELECT 1 FROM json_each(%[1]s, %[2]s) WHERE json_type(%[1]s, %[2]s) = 'array' AND %[3]s)`,
		column, p, inner)
}

func (sqliteDialect) ElemText(sub string) string {
	if sub == "" {
		return "json_each.value"
	}
	return fmt.Sprintf("json_extract(json_each.value, %s)", sqlitePath([]string{sub}))
}

func (d sqliteDialect) ElemNumber(sub string) string {
	return d.ElemText(sub)
}

func (d sqliteDialect) ElemBool(sub string) string {
	return d.ElemText(sub)
}

func (d sqliteDialect) ElemPresent(sub string) string {
	field := d.ElemText(sub)
	return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", field, field)
}

func (sqliteDialect) TimeColumn(name string) string { return name }

func (sqliteDialect) TimeValue(s string) any {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	return s
}
