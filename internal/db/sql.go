package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/syncerr"
)

// querier is the subset of pgx.Tx used for reads and writes, so the same
// helpers run on a transaction and on a savepoint.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// newRow returns an empty row of the table and scan destinations in
// schema column order.
func newRow(table string) (models.Row, []any) {
	switch table {
	case models.TableOrganizations:
		o := &models.Organization{}
		return o, []any{&o.ID, &o.Name, &o.Slug, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt}
	case models.TableOrgMembers:
		m := &models.OrgMembership{}
		return m, []any{&m.ID, &m.OrgID, &m.UserID, &m.Role, &m.CreatedAt, &m.UpdatedAt, &m.DeletedAt}
	case models.TableUsers:
		u := &models.User{}
		return u, []any{&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt, &u.DeletedAt}
	case models.TableTodos:
		t := &models.Todo{}
		return t, []any{
			&t.ID, &t.OrgID, &t.UserID, &t.Title, &t.Description, &t.Priority, &t.Status,
			&t.Completed, &t.DueDate, &t.Version, &t.LastEditedBy, &t.LastEditedAt,
			&t.CreatedAt, &t.UpdatedAt, &t.DeletedAt,
		}
	case models.TableTags:
		t := &models.Tag{}
		return t, []any{&t.ID, &t.OrgID, &t.Name, &t.Color, &t.CreatedAt, &t.UpdatedAt, &t.DeletedAt}
	case models.TableTodoTags:
		l := &models.TodoTag{}
		return l, []any{&l.ID, &l.TodoID, &l.TagID, &l.CreatedAt}
	}
	panic(fmt.Sprintf("db: no scanner for table %q", table))
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func columnList(table *schema.Table) string {
	cols := table.ColumnNames()
	for i, c := range cols {
		cols[i] = ident(c)
	}
	return strings.Join(cols, ", ")
}

func selectFrom(table string) string {
	t := schema.MustLookup(table)
	return "SELECT " + columnList(t) + " FROM " + ident(t.Name)
}

func selectOne[T models.Row](ctx context.Context, q querier, table, where string, args ...any) (T, error) {
	var zero T
	row, dest := newRow(table)
	if err := q.QueryRow(ctx, selectFrom(table)+" WHERE "+where, args...).Scan(dest...); err != nil {
		return zero, err
	}
	return row.(T), nil
}

func selectMany[T models.Row](ctx context.Context, q querier, table, rest string, args ...any) ([]T, error) {
	rows, err := q.Query(ctx, selectFrom(table)+" "+rest, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		row, dest := newRow(table)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row.(T))
	}
	return out, rows.Err()
}

// insertRow writes every schema column of row.
func insertRow(ctx context.Context, q querier, row models.Row) error {
	t := schema.MustLookup(row.TableName())
	cols := t.ColumnNames()
	args := make([]any, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		v, _ := row.Field(c)
		args[i] = v
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", ident(t.Name), columnList(t), strings.Join(params, ", "))
	_, err := q.Exec(ctx, sql, args...)
	return err
}

// buildQuery renders a normalized spec as a SELECT. Text columns compare
// and sort bytewise so results agree with the in-memory replica.
func buildQuery(spec query.Spec) (string, []any, error) {
	table, ok := schema.Lookup(spec.Table)
	if !ok {
		return "", nil, syncerr.Validation("unknown table %q", spec.Table)
	}

	var (
		clauses []string
		args    []any
	)
	if table.SoftDelete {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	for _, c := range spec.Where {
		col, ok := table.Column(c.Column)
		if !ok {
			return "", nil, syncerr.Validation("unknown column %s.%s", spec.Table, c.Column)
		}
		if c.Op.Unary() {
			clauses = append(clauses, ident(col.Name)+" "+string(c.Op))
			continue
		}
		args = append(args, c.Value)
		expr := ident(col.Name)
		if c.Op != query.OpEq && c.Op != query.OpNeq {
			expr = sortExpr(col)
		}
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", expr, c.Op, len(args)))
	}

	var b strings.Builder
	b.WriteString(selectFrom(table.Name))
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}

	order := make([]string, 0, len(spec.OrderBy)+1)
	for _, o := range spec.OrderBy {
		col, ok := table.Column(o.Column)
		if !ok {
			return "", nil, syncerr.Validation("unknown order column %s.%s", spec.Table, o.Column)
		}
		if o.Desc {
			order = append(order, sortExpr(col)+" DESC NULLS LAST")
		} else {
			order = append(order, sortExpr(col)+" ASC NULLS FIRST")
		}
	}
	pk, _ := table.Column(table.PrimaryKey)
	order = append(order, sortExpr(pk)+" ASC")
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(order, ", "))

	if spec.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", spec.Limit)
	}
	return b.String(), args, nil
}

func sortExpr(col schema.Column) string {
	switch col.Type {
	case schema.TypeString, schema.TypeEnum:
		return ident(col.Name) + ` COLLATE "C"`
	}
	return ident(col.Name)
}

// Postgres error codes mapped to sync error kinds.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeCheckViolation      = "23514"
	codeStringTooLong       = "22001"
)

// classify turns constraint failures into classified sync errors and wraps
// everything else.
func classify(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return syncerr.Wrap(syncerr.KindConstraintViolation, err, msg+": already exists")
		case codeForeignKeyViolation:
			return syncerr.Wrap(syncerr.KindNotFound, err, msg+": referenced row not found")
		case codeNotNullViolation, codeCheckViolation, codeStringTooLong:
			return syncerr.Wrap(syncerr.KindValidation, err, msg+": invalid value")
		}
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
