package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
	cfg config.DatabaseConfig
}

// Querier is the subset of *sql.DB and *sql.Tx used by repositories
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type txKey struct{}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:  db,
		cfg: cfg,
	}, nil
}

// Transaction executes fn inside a database transaction. The transaction travels
// in the context passed to fn; repositories pick it up through Conn. Nested calls
// join the outer transaction.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx error: %v, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Conn returns the transaction carried by ctx, or the pool when there is none
func (db *DB) Conn(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.DB
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

// QueryBuilder builds filtered, paginated SELECTs. Conditions use ? placeholders,
// which are rewritten to $n in Build.
type QueryBuilder struct {
	query    string
	args     []interface{}
	hasWhere bool
	order    string
	limit    int
	offset   int
}

// NewQueryBuilder creates a new query builder
func NewQueryBuilder(base string) *QueryBuilder {
	return &QueryBuilder{query: base}
}

// Where adds a condition joined with AND
func (q *QueryBuilder) Where(condition string, args ...interface{}) *QueryBuilder {
	if q.hasWhere {
		q.query += " AND " + condition
	} else {
		q.query += " WHERE " + condition
		q.hasWhere = true
	}
	q.args = append(q.args, args...)
	return q
}

// WhereIf adds the condition only when ok is true
func (q *QueryBuilder) WhereIf(ok bool, condition string, args ...interface{}) *QueryBuilder {
	if ok {
		return q.Where(condition, args...)
	}
	return q
}

// OrderBy sets the ORDER BY clause
func (q *QueryBuilder) OrderBy(column string, desc bool) *QueryBuilder {
	q.order = " ORDER BY " + column
	if desc {
		q.order += " DESC"
	}
	return q
}

// Limit sets LIMIT and OFFSET
func (q *QueryBuilder) Limit(limit, offset int) *QueryBuilder {
	q.limit = limit
	q.offset = offset
	return q
}

// Build returns the query and arguments
func (q *QueryBuilder) Build() (string, []interface{}) {
	query := q.query + q.order
	if q.limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.limit, q.offset)
	}
	return rebind(query), q.args
}

// CountQuery returns a COUNT(*) over the filtered base query
func (q *QueryBuilder) CountQuery() (string, []interface{}) {
	return rebind("SELECT COUNT(*) FROM (" + q.query + ") AS counted"), q.args
}

func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NullString handles nullable strings
func NullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// NullTime handles nullable time
func NullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr converts a scanned nullable time back to a pointer
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// StringPtr converts a scanned nullable string back to a pointer
func StringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// NullStringPtr handles nullable string pointers
func NullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
