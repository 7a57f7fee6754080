package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type tx struct {
	tx      *sql.Tx
	dialect dialect
	log     *slog.Logger
}

func (t *tx) CreateTable(ctx context.Context, tbl store.Table) error {
	if _, err := t.tx.ExecContext(ctx, t.createTableSQL(tbl)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tbl.Name, wrapDone(err))
	}
	return nil
}

func (t *tx) createTableSQL(tbl store.Table) string {
	cols := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		def := quoteIdent(c.Name) + " " + t.dialect.columnType(c.Type)
		if !c.Nullable {
			def += " NOT NULL"
		}
		cols[i] = def
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(tbl.Name), strings.Join(cols, ", "))
}

func (t *tx) DropTable(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, wrapDone(err))
	}
	return nil
}

// InsertMany writes rows with multi-row INSERT statements, chunked so a
// statement never exceeds the dialect's bind parameter limit.
func (t *tx) InsertMany(ctx context.Context, tbl store.Table, rows []store.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if len(tbl.Columns) == 0 {
		return fmt.Errorf("table %s has no columns", tbl.Name)
	}
	for _, r := range rows {
		if err := store.CheckRow(tbl, r); err != nil {
			return err
		}
	}

	names := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		names[i] = quoteIdent(c.Name)
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", quoteIdent(tbl.Name), strings.Join(names, ", "))
	perStmt := max(t.dialect.maxParams()/len(tbl.Columns), 1)

	for chunk := range slices.Chunk(rows, perStmt) {
		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(tbl.Columns))
		for i, r := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			for j, c := range tbl.Columns {
				if j > 0 {
					sb.WriteString(", ")
				}
				args = append(args, t.dialect.encode(c.Type, r[c.Name]))
				sb.WriteString(t.dialect.placeholder(len(args)))
			}
			sb.WriteByte(')')
		}
		if _, err := t.tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", tbl.Name, wrapDone(err))
		}
	}
	t.log.Debug("sqlstore: inserted rows", "table", tbl.Name, "rows", len(rows))
	return nil
}

func (t *tx) Query(ctx context.Context, tbl store.Table, f store.Filter) ([]store.Row, error) {
	names := make([]string, len(tbl.Columns))
	for i, c := range tbl.Columns {
		names[i] = quoteIdent(c.Name)
	}
	where, args := t.where(tbl, f)
	query := fmt.Sprintf("SELECT %s FROM %s%s%s", strings.Join(names, ", "), quoteIdent(tbl.Name), where, orderBy(f.OrderBy))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tbl.Name, wrapDone(err))
	}
	defer rows.Close()

	var out []store.Row
	for rows.Next() {
		dest := make([]any, len(tbl.Columns))
		ptrs := make([]any, len(tbl.Columns))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", tbl.Name, err)
		}
		row := make(store.Row, len(tbl.Columns))
		for i, c := range tbl.Columns {
			v, err := decodeValue(c.Type, dest[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", tbl.Name, c.Name, err)
			}
			row[c.Name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", tbl.Name, err)
	}
	return out, nil
}

func (t *tx) Delete(ctx context.Context, tbl store.Table, f store.Filter) error {
	where, args := t.where(tbl, f)
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+quoteIdent(tbl.Name)+where, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", tbl.Name, wrapDone(err))
	}
	return nil
}

func (t *tx) Commit() error {
	return wrapDone(t.tx.Commit())
}

func (t *tx) Rollback() error {
	return wrapDone(t.tx.Rollback())
}

// where renders the equality filter with columns in sorted order so the
// generated SQL is stable.
func (t *tx) where(tbl store.Table, f store.Filter) (string, []any) {
	if len(f.Equals) == 0 {
		return "", nil
	}
	cols := make([]string, 0, len(f.Equals))
	for c := range f.Equals {
		cols = append(cols, c)
	}
	slices.Sort(cols)

	var args []any
	conds := make([]string, len(cols))
	for i, c := range cols {
		v := f.Equals[c]
		if v == nil {
			conds[i] = quoteIdent(c) + " IS NULL"
			continue
		}
		col, _ := tbl.Column(c)
		args = append(args, t.dialect.encode(col.Type, v))
		conds[i] = quoteIdent(c) + " = " + t.dialect.placeholder(len(args))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func orderBy(cols []string) string {
	if len(cols) == 0 {
		return ""
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quoteIdent(c) + " ASC NULLS FIRST"
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func wrapDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("%w: %w", store.ErrTxDone, err)
	}
	return err
}
