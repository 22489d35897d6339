// Package postgres provides PostgreSQL repository implementations for billing
package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/platform/database"
)

// Store hands out the billing repositories over one connection pool
type Store struct {
	db *database.DB
}

// NewStore creates a new store
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// WithinTx implements repository.TxManager
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.db.Transaction(ctx, fn)
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// notFound maps sql.ErrNoRows to the domain error of the caller
func notFound(err, domainErr error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domainErr
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// affected returns domainErr when an UPDATE or DELETE touched no row
func affected(res sql.Result, domainErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domainErr
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// list runs the count and page queries of a builder and scans each row with scan
func list[T any](ctx context.Context, q database.Querier, qb *database.QueryBuilder, scan func(scanner) (T, error)) ([]T, int, error) {
	countQuery, countArgs := qb.CountQuery()
	var total int
	if err := q.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query, args := qb.Build()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var items []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Repositories returns the repository set the billing services run on
func (s *Store) Repositories() service.Repositories {
	return service.Repositories{
		Tx:            s,
		Products:      s.Products(),
		Plans:         s.Plans(),
		Coupons:       s.Coupons(),
		Customers:     s.Customers(),
		Subscriptions: s.Subscriptions(),
		Invoices:      s.Invoices(),
		Sequence:      s.Sequence(),
		Payments:      s.Payments(),
		Webhooks:      s.Webhooks(),
	}
}
