package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
)

// Row is one table row keyed by column name. Values are nil, int64, float64,
// string, bool or time.Time (UTC).
type Row = map[string]any

// Column is a physical column of a zone or system table.
type Column struct {
	Name     string
	Type     schema.Type
	Nullable bool
}

// Table describes a physical table. Providers only need the shape to create
// the table and to normalize scanned values.
type Table struct {
	Name    string
	Columns []Column
}

// Column returns the named column.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in table order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Filter selects rows by column equality. A nil or empty filter matches every
// row. OrderBy lists the columns rows are sorted by, ascending.
type Filter struct {
	Equals  map[string]any
	OrderBy []string
}

// Provider hands out transactions over a transactional relational store.
type Provider interface {
	Begin(ctx context.Context) (Tx, error)
	// Migrate creates the system tables.
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is a single atomic unit of work. Nothing written through a Tx is visible
// to other transactions before Commit. Rollback after Commit is a no-op.
type Tx interface {
	// CreateTable creates the table if it does not exist yet.
	CreateTable(ctx context.Context, t Table) error
	// DropTable drops the table if it exists.
	DropTable(ctx context.Context, name string) error
	InsertMany(ctx context.Context, t Table, rows []Row) error
	// Query returns the rows matching f. Joins are done by the caller.
	Query(ctx context.Context, t Table, f Filter) ([]Row, error)
	Delete(ctx context.Context, t Table, f Filter) error
	Commit() error
	Rollback() error
}

// ErrTxDone is returned by operations on a committed or rolled back
// transaction.
var ErrTxDone = errors.New("transaction has already been committed or rolled back")

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back on every other exit path, including panics,
// which are re-raised after the rollback.
func WithTx(ctx context.Context, p Provider, fn func(tx Tx) error) (err error) {
	tx, err := p.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTxDone) && err != nil {
			err = errors.Join(err, fmt.Errorf("failed to roll back transaction: %w", rbErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// CheckRow reports whether row fits the table: every key is a declared
// column, every value conforms to its column type and non-nullable columns
// are set.
func CheckRow(t Table, row Row) error {
	for name := range row {
		if _, ok := t.Column(name); !ok {
			return fmt.Errorf("table %s has no column %q", t.Name, name)
		}
	}
	for _, c := range t.Columns {
		v := row[c.Name]
		if v == nil {
			if !c.Nullable {
				return fmt.Errorf("table %s: column %q is not nullable", t.Name, c.Name)
			}
			continue
		}
		if !schema.Conforms(c.Type, v) {
			return fmt.Errorf("table %s: column %q: value %v (%T) is not %s", t.Name, c.Name, v, v, c.Type)
		}
	}
	return nil
}
