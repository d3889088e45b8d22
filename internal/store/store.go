// Package store persists SCIM resources in per-tenant tables. Both engines
// share one implementation; the differences in JSON access syntax, DDL, and
// error mapping live behind the dialect interface. Group membership is held
// in a join table and folded back into documents at read time.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/dhawalhost/scimgate/internal/filter"
	"github.com/dhawalhost/scimgate/internal/schema"
)

// Kind selects the table a resource lives in.
type Kind string

const (
	KindUser  Kind = "users"
	KindGroup Kind = "groups"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate natural key")
)

// Resource is the stored form of a SCIM document. Members and Groups carry
// join-table state: on writes Members is the desired membership of a group,
// on reads both are hydrated from the join table.
type Resource struct {
	ID         string
	NaturalKey string
	ExternalID string
	DataOrig   map[string]any
	DataNorm   map[string]any
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time

	Members []Member   // groups
	Groups  []GroupRef // users
}

// Member is one row of a group's membership.
type Member struct {
	Value   string
	Type    string // "User" or "Group"
	Display string
}

// GroupRef is a group a user belongs to.
type GroupRef struct {
	Value   string
	Display string
}

// ListParams describes a paged, filtered, sorted query.
type ListParams struct {
	Filter     filter.Expr
	SortBy     string // attribute path, already validated by the caller
	Descending bool
	StartIndex int // 1-based
	Count      int
}

// ListResult carries one page plus the unpaged total.
type ListResult struct {
	Resources []*Resource
	Total     int
}

// Store is the persistence boundary for SCIM resources.
type Store interface {
	EnsureTenant(ctx context.Context, tenantID uint32) error
	Create(ctx context.Context, tenantID uint32, kind Kind, res *Resource) error
	Get(ctx context.Context, tenantID uint32, kind Kind, id string) (*Resource, error)
	List(ctx context.Context, tenantID uint32, kind Kind, params ListParams) (*ListResult, error)
	Replace(ctx context.Context, tenantID uint32, kind Kind, res *Resource, expectVersion int64) error
	Delete(ctx context.Context, tenantID uint32, kind Kind, id string) error
	Close() error
}

// dialect is the engine-specific half of the store.
type dialect interface {
	filter.Dialect
	ddl(prefix string) []string
	isDuplicate(err error) bool
}

type sqlStore struct {
	db *sqlx.DB
	d  dialect

	mu    sync.Mutex
	ready map[uint32]bool
}

// New builds a Store over an opened database. Engine is "postgres" or
// "sqlite".
func New(db *sqlx.DB, engine string) (Store, error) {
	var d dialect
	switch engine {
	case "postgres":
		d = pgDialect{}
	case "sqlite":
		d = sqliteDialect{}
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", engine)
	}
	return &sqlStore{db: db, d: d, ready: make(map[uint32]bool)}, nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func tablePrefix(tenantID uint32) string { return fmt.Sprintf("t%d_", tenantID) }

func (s *sqlStore) table(tenantID uint32, kind Kind) string {
	return tablePrefix(tenantID) + string(kind)
}

func (s *sqlStore) memberships(tenantID uint32) string {
	return tablePrefix(tenantID) + "group_memberships"
}

// EnsureTenant creates the tenant's tables on first use. DDL is idempotent,
// so concurrent processes racing on the same tenant are harmless.
func (s *sqlStore) EnsureTenant(ctx context.Context, tenantID uint32) error {
	s.mu.Lock()
	done := s.ready[tenantID]
	s.mu.Unlock()
	if done {
		return nil
	}
	for _, stmt := range s.d.ddl(tablePrefix(tenantID)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("provision tenant %d: %w", tenantID, err)
		}
	}
	s.mu.Lock()
	s.ready[tenantID] = true
	s.mu.Unlock()
	return nil
}

type resourceRow struct {
	ID         string         `db:"id"`
	NaturalKey string         `db:"natural_key"`
	ExternalID sql.NullString `db:"external_id"`
	DataOrig   []byte         `db:"data_orig"`
	DataNorm   []byte         `db:"data_norm"`
	Version    int64          `db:"version"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r *resourceRow) toResource() (*Resource, error) {
	res := &Resource{
		ID:         r.ID,
		NaturalKey: r.NaturalKey,
		ExternalID: r.ExternalID.String,
		Version:    r.Version,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if err := json.Unmarshal(r.DataOrig, &res.DataOrig); err != nil {
		return nil, fmt.Errorf("decode stored document %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(r.DataNorm, &res.DataNorm); err != nil {
		return nil, fmt.Errorf("decode normalized document %s: %w", r.ID, err)
	}
	return res, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *sqlStore) Create(ctx context.Context, tenantID uint32, kind Kind, res *Resource) error {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	orig, norm, err := encodeDocs(res)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := s.db.Rebind(fmt.Sprintf(
		`INSERT INTO %s (id, natural_key, external_id, data_orig, data_norm, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table(tenantID, kind)))
	_, err = tx.ExecContext(ctx, q,
		res.ID, res.NaturalKey, nullable(res.ExternalID), orig, norm,
		res.Version, res.CreatedAt.UTC(), res.UpdatedAt.UTC())
	if err != nil {
		if s.d.isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	if kind == KindGroup {
		if err := s.insertMembers(ctx, tx, tenantID, res.ID, res.Members); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Get(ctx context.Context, tenantID uint32, kind Kind, id string) (*Resource, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	var row resourceRow
	q := s.db.Rebind(fmt.Sprintf(`SELECT * FROM %s WHERE id = ?`, s.table(tenantID, kind)))
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	res, err := row.toResource()
	if err != nil {
		return nil, err
	}
	if err := s.hydrate(ctx, tenantID, kind, res); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *sqlStore) List(ctx context.Context, tenantID uint32, kind Kind, params ListParams) (*ListResult, error) {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	where := "1=1"
	var args []any
	if params.Filter != nil {
		comp := &filter.Compiler{
			Dialect: s.d,
			Type:    resourceType(kind),
			Column:  "data_norm",
		}
		if kind == KindGroup {
			comp.Members = s.membersPredicate(tenantID)
		}
		cond, condArgs, err := comp.Compile(params.Filter)
		if err != nil {
			return nil, err
		}
		where, args = cond, condArgs
	}

	table := s.table(tenantID, kind)
	var total int
	countQ := s.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, where))
	if err := s.db.GetContext(ctx, &total, countQ, args...); err != nil {
		return nil, err
	}
	result := &ListResult{Total: total}
	if params.Count == 0 {
		return result, nil
	}

	order := s.orderClause(params)
	offset := 0
	if params.StartIndex > 1 {
		offset = params.StartIndex - 1
	}
	pageQ := s.db.Rebind(fmt.Sprintf(
		`SELECT * FROM %s WHERE %s ORDER BY %s LIMIT %d OFFSET %d`,
		table, where, order, params.Count, offset))
	var rows []resourceRow
	if err := s.db.SelectContext(ctx, &rows, pageQ, args...); err != nil {
		return nil, err
	}
	for i := range rows {
		res, err := rows[i].toResource()
		if err != nil {
			return nil, err
		}
		if err := s.hydrate(ctx, tenantID, kind, res); err != nil {
			return nil, err
		}
		result.Resources = append(result.Resources, res)
	}
	return result, nil
}

func (s *sqlStore) Replace(ctx context.Context, tenantID uint32, kind Kind, res *Resource, expectVersion int64) error {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	orig, norm, err := encodeDocs(res)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	table := s.table(tenantID, kind)
	q := s.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET natural_key = ?, external_id = ?, data_orig = ?, data_norm = ?,
		 version = version + 1, updated_at = ? WHERE id = ? AND version = ?`, table))
	r, err := tx.ExecContext(ctx, q,
		res.NaturalKey, nullable(res.ExternalID), orig, norm,
		res.UpdatedAt.UTC(), res.ID, expectVersion)
	if err != nil {
		if s.d.isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		check := s.db.Rebind(fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table))
		if err := tx.GetContext(ctx, &exists, check, res.ID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	res.Version = expectVersion + 1

	if kind == KindGroup {
		if err := s.diffMembers(ctx, tx, tenantID, res.ID, res.Members); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqlStore) Delete(ctx context.Context, tenantID uint32, kind Kind, id string) error {
	if err := s.EnsureTenant(ctx, tenantID); err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	gm := s.memberships(tenantID)
	// Rows pointing at the deleted resource go with it, on both sides.
	if _, err := tx.ExecContext(ctx, s.db.Rebind(
		fmt.Sprintf(`DELETE FROM %s WHERE member_id = ?`, gm)), id); err != nil {
		return err
	}
	if kind == KindGroup {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(
			fmt.Sprintf(`DELETE FROM %s WHERE group_id = ?`, gm)), id); err != nil {
			return err
		}
	}
	r, err := tx.ExecContext(ctx, s.db.Rebind(
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.table(tenantID, kind))), id)
	if err != nil {
		return err
	}
	n, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func encodeDocs(res *Resource) (string, string, error) {
	orig, err := json.Marshal(res.DataOrig)
	if err != nil {
		return "", "", fmt.Errorf("encode document: %w", err)
	}
	norm, err := json.Marshal(res.DataNorm)
	if err != nil {
		return "", "", fmt.Errorf("encode normalized document: %w", err)
	}
	return string(orig), string(norm), nil
}

func resourceType(kind Kind) *schema.ResourceType {
	if kind == KindGroup {
		return schema.Group()
	}
	return schema.User()
}
