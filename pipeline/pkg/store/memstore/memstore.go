// Package memstore is an in-memory store.Provider. Each transaction reads
// from a snapshot taken at Begin and records its writes in an operation log;
// Commit replays the log against the latest committed state under a global
// lock, so transactions touching different tables compose.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type Config struct {
	Logger *slog.Logger
}

type Store struct {
	log *slog.Logger

	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// table is never mutated once it is reachable from a snapshot; writers copy
// it first.
type table struct {
	def  store.Table
	rows []store.Row
}

func New(cfg Config) *Store {
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{
		log:    log,
		tables: make(map[string]*table),
	}
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memstore: store is closed")
	}
	return &tx{
		store: s,
		view:  maps.Clone(s.tables),
		owned: make(map[string]bool),
	}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return store.WithTx(ctx, s, func(tx store.Tx) error {
		for _, t := range store.SystemTables {
			if err := tx.CreateTable(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Tables returns the names of the committed tables, sorted.
func (s *Store) Tables() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.tables))
}

type opKind int

const (
	opCreate opKind = iota
	opDrop
	opInsert
	opDelete
)

type op struct {
	kind  opKind
	table store.Table
	name  string
	rows  []store.Row
	where store.Filter
}

type tx struct {
	store *Store

	mu    sync.Mutex
	view  map[string]*table
	owned map[string]bool
	log   []op
	done  bool
}

func (t *tx) CreateTable(ctx context.Context, def store.Table) error {
	return t.exec(ctx, op{kind: opCreate, table: def, name: def.Name})
}

func (t *tx) DropTable(ctx context.Context, name string) error {
	return t.exec(ctx, op{kind: opDrop, name: name})
}

func (t *tx) InsertMany(ctx context.Context, def store.Table, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	cloned := make([]store.Row, len(rows))
	for i, r := range rows {
		cloned[i] = maps.Clone(r)
	}
	return t.exec(ctx, op{kind: opInsert, name: def.Name, rows: cloned})
}

func (t *tx) Delete(ctx context.Context, def store.Table, f store.Filter) error {
	return t.exec(ctx, op{kind: opDelete, name: def.Name, where: f})
}

func (t *tx) Query(ctx context.Context, def store.Table, f store.Filter) ([]store.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, store.ErrTxDone
	}
	tbl, ok := t.view[def.Name]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "table", Name: def.Name}
	}
	var out []store.Row
	for _, r := range tbl.rows {
		if store.Match(r, f) {
			out = append(out, maps.Clone(r))
		}
	}
	store.SortRows(out, f.OrderBy)
	return out, nil
}

func (t *tx) exec(ctx context.Context, o op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	if err := apply(t.view, t.owned, o); err != nil {
		return err
	}
	t.log = append(t.log, o)
	return nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true

	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memstore: store is closed")
	}

	// Replay against a copy so a failing op leaves the committed state as it
	// was.
	next := maps.Clone(s.tables)
	owned := make(map[string]bool)
	for _, o := range t.log {
		if err := apply(next, owned, o); err != nil {
			return fmt.Errorf("memstore: failed to replay transaction: %w", err)
		}
	}
	s.tables = next
	s.log.Debug("memstore: committed transaction", "ops", len(t.log))
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return store.ErrTxDone
	}
	t.done = true
	t.log = nil
	t.view = nil
	return nil
}

// apply runs o against tables, copying a table the first time it is written
// through owned.
func apply(tables map[string]*table, owned map[string]bool, o op) error {
	switch o.kind {
	case opCreate:
		if existing, ok := tables[o.name]; ok {
			if !sameShape(existing.def, o.table) {
				return fmt.Errorf("table %s already exists with a different shape", o.name)
			}
			return nil
		}
		tables[o.name] = &table{def: o.table}
		owned[o.name] = true
	case opDrop:
		delete(tables, o.name)
		delete(owned, o.name)
	case opInsert:
		tbl, err := writable(tables, owned, o.name)
		if err != nil {
			return err
		}
		for _, r := range o.rows {
			if err := store.CheckRow(tbl.def, r); err != nil {
				return err
			}
		}
		tbl.rows = append(tbl.rows, o.rows...)
	case opDelete:
		tbl, err := writable(tables, owned, o.name)
		if err != nil {
			return err
		}
		tbl.rows = slices.DeleteFunc(tbl.rows, func(r store.Row) bool {
			return store.Match(r, o.where)
		})
	}
	return nil
}

func writable(tables map[string]*table, owned map[string]bool, name string) (*table, error) {
	tbl, ok := tables[name]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "table", Name: name}
	}
	if !owned[name] {
		tbl = &table{def: tbl.def, rows: slices.Clone(tbl.rows)}
		tables[name] = tbl
		owned[name] = true
	}
	return tbl, nil
}

func sameShape(a, b store.Table) bool {
	return slices.Equal(a.Columns, b.Columns)
}
