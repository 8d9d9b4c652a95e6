package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// QueryBuilder wraps sqlx.DB and rewrites "?" placeholders for the active dialect.
type QueryBuilder struct {
	db      *sqlx.DB
	dialect Dialect
}

// NewQueryBuilder wraps an open connection.
func NewQueryBuilder(db *sqlx.DB, dialect Dialect) *QueryBuilder {
	return &QueryBuilder{db: db, dialect: dialect}
}

// DB returns the underlying sqlx.DB for advanced operations.
func (qb *QueryBuilder) DB() *sqlx.DB {
	return qb.db
}

// Dialect returns the backend in use.
func (qb *QueryBuilder) Dialect() Dialect {
	return qb.dialect
}

// Close releases the connection pool.
func (qb *QueryBuilder) Close() error {
	return qb.db.Close()
}

// Rebind converts a query with ? placeholders to the appropriate format for the database.
func (qb *QueryBuilder) Rebind(query string) string {
	return qb.db.Rebind(query)
}

// SelectContext executes a query with context and scans results into dest.
func (qb *QueryBuilder) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return qb.db.SelectContext(ctx, dest, qb.Rebind(query), args...)
}

// GetContext executes a query with context expecting a single row.
func (qb *QueryBuilder) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return qb.db.GetContext(ctx, dest, qb.Rebind(query), args...)
}

// ExecContext executes a query with context without returning rows.
func (qb *QueryBuilder) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return qb.db.ExecContext(ctx, qb.Rebind(query), args...)
}

// In expands slice arguments for IN clauses and rebinds the result.
func (qb *QueryBuilder) In(query string, args ...interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return qb.Rebind(q), a, nil
}

// SelectBuilder provides a fluent interface for building SELECT queries safely.
type SelectBuilder struct {
	qb      *QueryBuilder
	columns []string
	table   string
	where   []string
	args    []interface{}
	orderBy []string
	limit   int
	offset  int
}

// NewSelect creates a new SelectBuilder.
func (qb *QueryBuilder) NewSelect(columns ...string) *SelectBuilder {
	return &SelectBuilder{qb: qb, columns: columns, limit: -1}
}

// From sets the table to select from.
func (sb *SelectBuilder) From(table string) *SelectBuilder {
	sb.table = table
	return sb
}

// Where adds a WHERE condition with parameterized values.
func (sb *SelectBuilder) Where(condition string, args ...interface{}) *SelectBuilder {
	sb.where = append(sb.where, condition)
	sb.args = append(sb.args, args...)
	return sb
}

// WhereIn adds a WHERE IN condition.
func (sb *SelectBuilder) WhereIn(column string, values interface{}) *SelectBuilder {
	return sb.Where(column+" IN (?)", values)
}

// OrderBy adds ORDER BY columns.
func (sb *SelectBuilder) OrderBy(columns ...string) *SelectBuilder {
	sb.orderBy = append(sb.orderBy, columns...)
	return sb
}

// Page sets LIMIT and OFFSET.
func (sb *SelectBuilder) Page(limit, offset int) *SelectBuilder {
	sb.limit = limit
	sb.offset = offset
	return sb
}

// Columns replaces the selected columns, e.g. to turn a listing into a count.
func (sb *SelectBuilder) Columns(columns ...string) *SelectBuilder {
	sb.columns = columns
	return sb
}

// ToSQL builds the SQL query and returns it with arguments.
func (sb *SelectBuilder) ToSQL() (string, []interface{}, error) {
	if sb.table == "" {
		return "", nil, fmt.Errorf("table not specified")
	}

	var query strings.Builder
	query.WriteString("SELECT ")
	if len(sb.columns) == 0 {
		query.WriteString("*")
	} else {
		query.WriteString(strings.Join(sb.columns, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(sb.table)

	args := append([]interface{}{}, sb.args...)
	if len(sb.where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(sb.where, " AND "))
	}
	if len(sb.orderBy) > 0 {
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(sb.orderBy, ", "))
	}
	if sb.limit >= 0 {
		query.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, sb.limit, sb.offset)
	}

	return sb.qb.In(query.String(), args...)
}

// SelectContext executes the query with context and scans into dest.
func (sb *SelectBuilder) SelectContext(ctx context.Context, dest interface{}) error {
	query, args, err := sb.ToSQL()
	if err != nil {
		return err
	}
	return sb.qb.db.SelectContext(ctx, dest, query, args...)
}

// GetContext executes the query with context expecting a single row.
func (sb *SelectBuilder) GetContext(ctx context.Context, dest interface{}) error {
	query, args, err := sb.ToSQL()
	if err != nil {
		return err
	}
	return sb.qb.db.GetContext(ctx, dest, query, args...)
}
