// Package bronze lands raw records into the Bronze zone: one table for the
// fact source and one per dimension, values kept verbatim as text.
package bronze

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/raw"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type Options struct {
	Logger *slog.Logger
	// Reset drops every Bronze table of the dataset before loading, which
	// also discards the dimension codes retained from earlier loads.
	Reset bool
}

type Result struct {
	Records  int64
	FactRows int64
	// DimensionRows counts the rows appended per dimension.
	DimensionRows map[string]int64
	// DimensionSkipped counts records whose code was already known.
	DimensionSkipped map[string]int64
	// Ignored counts records from sources no table is declared for.
	Ignored int64
}

// Load lands records into the Bronze tables of def within tx.
//
// The fact table is replaced. Dimension tables are append-only: a code that
// is already committed, or was seen earlier in records, is skipped. Every
// non-null foreign key, on the fact and between dimensions, must resolve to
// a committed or newly loaded code; otherwise Load returns a
// ReferentialIntegrityError before anything is written.
func Load(ctx context.Context, tx store.Tx, def *schema.Definition, records iter.Seq2[raw.Record, error], opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	tables := Tables(def)

	if opts.Reset {
		for _, t := range tables {
			if err := tx.DropTable(ctx, t.Name); err != nil {
				return nil, fmt.Errorf("failed to drop %s: %w", t.Name, err)
			}
		}
		log.Info("bronze: reset tables", "dataset", def.Dataset, "tables", len(tables))
	}
	for _, t := range tables {
		if err := tx.CreateTable(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", t.Name, err)
		}
	}

	known, err := committedCodes(ctx, tx, def)
	if err != nil {
		return nil, err
	}

	res := &Result{
		DimensionRows:    make(map[string]int64, len(def.Dimensions)),
		DimensionSkipped: make(map[string]int64, len(def.Dimensions)),
	}
	dimsBySource := make(map[string][]*schema.Table)
	for i := range def.Dimensions {
		dim := &def.Dimensions[i]
		dimsBySource[dim.Source] = append(dimsBySource[dim.Source], dim)
		res.DimensionRows[dim.Name] = 0
		res.DimensionSkipped[dim.Name] = 0
	}

	var factRows []store.Row
	newDimRows := make(map[string][]store.Row, len(def.Dimensions))
	for rec, err := range records {
		if err != nil {
			return nil, fmt.Errorf("failed to read raw records: %w", err)
		}
		res.Records++
		matched := false

		for _, dim := range dimsBySource[rec.Source] {
			matched = true
			row, err := landRow(dim.Columns, rec)
			if err != nil {
				return nil, fmt.Errorf("failed to land %s record %d: %w", rec.Source, res.Records, err)
			}
			code, _ := row[dim.Key].(string)
			code = strings.TrimSpace(code)
			if code == "" {
				return nil, &errs.ConsistencyError{
					Dataset: def.Dataset,
					Stage:   "bronze",
					Detail:  fmt.Sprintf("%s record %d has no %s code for dimension %s", rec.Source, res.Records, dim.Key, dim.Name),
				}
			}
			if known[dim.Name][code] {
				res.DimensionSkipped[dim.Name]++
				continue
			}
			known[dim.Name][code] = true
			row[dim.Key] = code
			row[store.SourceColumn] = rec.Source
			newDimRows[dim.Name] = append(newDimRows[dim.Name], row)
		}

		if rec.Source == def.Fact.Source {
			matched = true
			row, err := landRow(def.Fact.Columns, rec)
			if err != nil {
				return nil, fmt.Errorf("failed to land %s record %d: %w", rec.Source, res.Records, err)
			}
			row[store.RowIDColumn] = int64(len(factRows) + 1)
			row[store.SourceColumn] = rec.Source
			factRows = append(factRows, row)
		}

		if !matched {
			res.Ignored++
		}
	}

	if err := checkReferences(def, known, factRows, newDimRows); err != nil {
		return nil, err
	}

	fact := tables[0]
	if err := tx.DropTable(ctx, fact.Name); err != nil {
		return nil, fmt.Errorf("failed to drop %s: %w", fact.Name, err)
	}
	if err := tx.CreateTable(ctx, fact); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", fact.Name, err)
	}
	if len(factRows) > 0 {
		if err := tx.InsertMany(ctx, fact, factRows); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", fact.Name, err)
		}
	}
	res.FactRows = int64(len(factRows))

	for i := range def.Dimensions {
		dim := &def.Dimensions[i]
		rows := newDimRows[dim.Name]
		if len(rows) == 0 {
			continue
		}
		t := DimensionTable(def, dim)
		if err := tx.InsertMany(ctx, t, rows); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
		}
		res.DimensionRows[dim.Name] = int64(len(rows))
	}

	if res.Ignored > 0 {
		log.Warn("bronze: ignored records from undeclared sources", "dataset", def.Dataset, "records", res.Ignored)
	}
	log.Info("bronze: loaded dataset",
		"dataset", def.Dataset,
		"records", res.Records,
		"fact_rows", res.FactRows,
		"dimension_rows", res.DimensionRows,
		"dimension_skipped", res.DimensionSkipped,
	)
	return res, nil
}

// committedCodes returns the codes already stored per dimension.
func committedCodes(ctx context.Context, tx store.Tx, def *schema.Definition) (map[string]map[string]bool, error) {
	known := make(map[string]map[string]bool, len(def.Dimensions))
	for i := range def.Dimensions {
		dim := &def.Dimensions[i]
		t := DimensionTable(def, dim)
		rows, err := tx.Query(ctx, t, store.Filter{})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
		}
		codes := make(map[string]bool, len(rows))
		for _, r := range rows {
			if code, ok := r[dim.Key].(string); ok {
				codes[code] = true
			}
		}
		known[dim.Name] = codes
	}
	return known, nil
}

// checkReferences validates fact foreign keys, then references between
// dimensions, in row order so the reported violation is deterministic.
func checkReferences(def *schema.Definition, known map[string]map[string]bool, factRows []store.Row, dimRows map[string][]store.Row) error {
	factTable := store.BronzeFactTable(def.Dataset)
	for _, row := range factRows {
		for _, c := range def.Fact.Columns {
			if c.References == "" {
				continue
			}
			code, ok := ForeignKey(def, row[c.Name])
			if ok && !known[c.References][code] {
				return &errs.ReferentialIntegrityError{
					Dataset:   def.Dataset,
					Table:     factTable,
					Row:       row[store.RowIDColumn].(int64),
					Column:    c.Name,
					Dimension: c.References,
					Code:      code,
				}
			}
		}
	}
	for i := range def.Dimensions {
		dim := &def.Dimensions[i]
		for n, row := range dimRows[dim.Name] {
			for _, c := range dim.Columns {
				if c.References == "" {
					continue
				}
				code, ok := ForeignKey(def, row[c.Name])
				if ok && !known[c.References][code] {
					return &errs.ReferentialIntegrityError{
						Dataset:   def.Dataset,
						Table:     store.BronzeDimensionTable(def.Dataset, dim.Name),
						Row:       int64(n + 1),
						Column:    c.Name,
						Dimension: c.References,
						Code:      code,
					}
				}
			}
		}
	}
	return nil
}

// ForeignKey returns the trimmed code held by a landed foreign key value, and
// false when the value is NULL or a NULL sentinel of the definition.
func ForeignKey(def *schema.Definition, v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	if def.IsNull(s) {
		return "", false
	}
	return s, true
}

func landRow(cols []schema.Column, rec raw.Record) (store.Row, error) {
	row := make(store.Row, len(cols)+2)
	for _, c := range cols {
		v, err := Text(rec.Fields[c.SourceField()])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", c.SourceField(), err)
		}
		row[c.Name] = v
	}
	return row, nil
}

// Text renders a decoded raw value as the text stored in Bronze. Numbers
// keep their raw spelling when the decoder preserved it; nested values are
// stored as JSON.
func Text(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case int:
		return strconv.Itoa(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
