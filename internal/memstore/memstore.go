// Package memstore is an in-memory implementation of store.Store. It backs
// the client replica and serves as the durable store in tests.
//
// Transactions are serialized. Each one works on a copy-on-write snapshot
// of the tables that replaces the live tables only when the transaction
// function succeeds, so readers never observe partial effects.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/store"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = fmt.Errorf("memstore closed")

// Change describes a committed transaction.
type Change struct {
	Tables []string
}

// Touches reports whether the change affected a table.
func (c Change) Touches(table string) bool {
	for _, t := range c.Tables {
		if t == table {
			return true
		}
	}
	return false
}

type clientState struct {
	userID         string
	lastMutationID int64
}

type tables struct {
	organizations map[string]*models.Organization
	memberships   map[string]*models.OrgMembership
	users         map[string]*models.User
	todos         map[string]*models.Todo
	tags          map[string]*models.Tag
	todoTags      map[string]*models.TodoTag
	clients       map[store.ClientKey]clientState
}

func newTables() *tables {
	return &tables{
		organizations: make(map[string]*models.Organization),
		memberships:   make(map[string]*models.OrgMembership),
		users:         make(map[string]*models.User),
		todos:         make(map[string]*models.Todo),
		tags:          make(map[string]*models.Tag),
		todoTags:      make(map[string]*models.TodoTag),
		clients:       make(map[store.ClientKey]clientState),
	}
}

// clone copies the maps. Stored rows are never mutated in place, so the
// row pointers can be shared between snapshots.
func (t *tables) clone() *tables {
	return &tables{
		organizations: cloneMap(t.organizations),
		memberships:   cloneMap(t.memberships),
		users:         cloneMap(t.users),
		todos:         cloneMap(t.todos),
		tags:          cloneMap(t.tags),
		todoTags:      cloneMap(t.todoTags),
		clients:       cloneMap(t.clients),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store is an in-memory transactional store.
type Store struct {
	location store.Location

	mu     sync.Mutex
	data   *tables
	closed bool

	listenersMu  sync.Mutex
	listeners    map[int]func(Change)
	nextListener int
}

// New creates an empty store. The location is reported to mutators.
func New(location store.Location) *Store {
	return &Store{
		location:  location,
		data:      newTables(),
		listeners: make(map[int]func(Change)),
	}
}

// ExecTx implements store.Store.
func (s *Store) ExecTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Update(ctx, func(tx *Tx) error {
		return fn(tx)
	})
}

// Update runs fn in a transaction with access to the replica maintenance
// operations of *Tx.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	tx := &Tx{location: s.location, data: s.data.clone(), touched: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.data = tx.data
	change := tx.change()
	s.mu.Unlock()

	if len(change.Tables) > 0 {
		s.notify(change)
	}
	return nil
}

// View runs fn against a read-only snapshot.
func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	data := s.data
	s.mu.Unlock()

	return fn(&Tx{location: s.location, data: data, readOnly: true, touched: make(map[string]struct{})})
}

func (s *Store) committed() (*tables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.data, nil
}

// Run executes a query spec against the current state.
func (s *Store) Run(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	var rows []models.Row
	err := s.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(ctx, spec)
		return err
	})
	return rows, err
}

// Subscribe registers fn to be called after every commit that changed
// rows. The returned function removes the listener.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(change Change) {
	s.listenersMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Close drops all rows and listeners. Subsequent operations fail with
// ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.data = newTables()
	s.mu.Unlock()

	s.listenersMu.Lock()
	s.listeners = make(map[int]func(Change))
	s.listenersMu.Unlock()
}

// Seed inserts or replaces rows without any checks. Intended for test
// fixtures and bootstrapping.
func (s *Store) Seed(rows ...models.Row) error {
	return s.Update(context.Background(), func(tx *Tx) error {
		for _, r := range rows {
			if err := tx.Put(r); err != nil {
				return err
			}
		}
		return nil
	})
}
