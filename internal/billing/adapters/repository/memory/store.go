// Package memory provides in-process billing repositories for local runs and tests
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/saas-invoice/saas-invoice/internal/billing/app/service"
	"github.com/saas-invoice/saas-invoice/internal/billing/domain/model"
)

// Store holds every billing table in memory. Transactions are serialized by
// txMu and rolled back through an undo journal.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	products      map[string]*model.Product
	plans         map[string]*model.Plan
	coupons       map[string]*model.Coupon
	customers     map[string]*model.Customer
	subscriptions map[string]*model.Subscription
	invoices      map[string]*model.Invoice
	sequences     map[int]int64
	payments      map[string]*model.Payment
	webhooks      map[string]*model.WebhookRecord
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		products:      make(map[string]*model.Product),
		plans:         make(map[string]*model.Plan),
		coupons:       make(map[string]*model.Coupon),
		customers:     make(map[string]*model.Customer),
		subscriptions: make(map[string]*model.Subscription),
		invoices:      make(map[string]*model.Invoice),
		sequences:     make(map[int]int64),
		payments:      make(map[string]*model.Payment),
		webhooks:      make(map[string]*model.WebhookRecord),
	}
}

type txKey struct{}

type txState struct {
	undo []func()
}

// WithinTx implements repository.TxManager
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &txState{}
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				s.rollback(tx)
				panic(p)
			}
		}()
		return fn(context.WithValue(ctx, txKey{}, tx))
	}()
	if err != nil {
		s.rollback(tx)
		return err
	}
	return nil
}

func (s *Store) rollback(tx *txState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

// write runs a mutation. Inside a transaction the undo step is journaled;
// outside one the mutation takes the transaction lock so it cannot interleave.
func (s *Store) write(ctx context.Context, fn func() (func(), error)) error {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		s.mu.Lock()
		undo, err := fn()
		s.mu.Unlock()
		if err == nil && undo != nil {
			tx.undo = append(tx.undo, undo)
		}
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fn()
	return err
}

func (s *Store) read(fn func()) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// put stores v under k and returns the step that restores the previous state
func put[K comparable, V any](m map[K]V, k K, v V) func() {
	prev, existed := m[k]
	m[k] = v
	return func() {
		if existed {
			m[k] = prev
		} else {
			delete(m, k)
		}
	}
}

func remove[K comparable, V any](m map[K]V, k K) func() {
	prev, existed := m[k]
	delete(m, k)
	return func() {
		if existed {
			m[k] = prev
		}
	}
}

// paginate sorts newest first and slices out one page
func paginate[T any](items []T, created func(T) time.Time, id func(T) string, p model.Pagination) ([]T, int) {
	sort.Slice(items, func(i, j int) bool {
		ci, cj := created(items[i]), created(items[j])
		if ci.Equal(cj) {
			return id(items[i]) > id(items[j])
		}
		return ci.After(cj)
	})
	total := len(items)
	offset, limit := p.Offset(), p.Limit()
	if offset >= total {
		return []T{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func stringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
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
