// Package silver builds the integrated Silver table of a dataset from its
// Bronze tables: dimension codes resolved to labels, text standardized and
// values cast to their declared types.
package silver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/medallion/pipeline/pkg/bronze"
	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type Options struct {
	Logger *slog.Logger
	// MaxRejectRatio is used when the definition does not set one. Zero
	// means 1, so only a run that rejects every row fails.
	MaxRejectRatio float64
}

type Result struct {
	InputRows  int64
	OutputRows int64
	Rejected   int64
	// RejectedByColumn counts rejected rows by the first column that failed.
	RejectedByColumn map[string]int64
	// NullFilled counts values set to NULL by the null cast policy.
	NullFilled map[string]int64
}

// Table is the Silver table of the dataset. Rows keep the Bronze row id so
// their order is stable across runs.
func Table(def *schema.Definition) store.Table {
	t := store.Table{Name: store.SilverTable(def.Dataset)}
	t.Columns = append(t.Columns, store.Column{Name: store.RowIDColumn, Type: schema.TypeInteger})
	for _, oc := range def.SilverColumns() {
		t.Columns = append(t.Columns, store.Column{Name: oc.Name, Type: oc.Type, Nullable: oc.Nullable})
	}
	return t
}

// Transform replaces the Silver table of def within tx. wm is the dataset's
// current watermark; Bronze must be materialized.
func Transform(ctx context.Context, tx store.Tx, def *schema.Definition, wm state.Watermark, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if wm.Stage < state.BronzeReady {
		return nil, &errs.StageNotReadyError{
			Dataset:  def.Dataset,
			Required: state.BronzeReady.String(),
			Current:  wm.Stage.String(),
		}
	}

	fact := bronze.FactTable(def)
	facts, err := tx.Query(ctx, fact, store.Filter{OrderBy: []string{store.RowIDColumn}})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", fact.Name, err)
	}
	dims, err := indexDimensions(ctx, tx, def)
	if err != nil {
		return nil, err
	}

	cols := def.SilverColumns()
	res := &Result{
		InputRows:        int64(len(facts)),
		RejectedByColumn: make(map[string]int64),
		NullFilled:       make(map[string]int64),
	}
	out := make([]store.Row, 0, len(facts))
	for _, f := range facts {
		row, rejectedBy, err := integrate(def, dims, cols, f, res.NullFilled)
		if err != nil {
			return nil, err
		}
		if rejectedBy != "" {
			res.Rejected++
			res.RejectedByColumn[rejectedBy]++
			log.Debug("silver: rejected row", "dataset", def.Dataset, "row_id", f[store.RowIDColumn], "column", rejectedBy)
			continue
		}
		out = append(out, row)
	}

	if err := checkRejects(def, res, opts); err != nil {
		return nil, err
	}

	t := Table(def)
	if err := tx.DropTable(ctx, t.Name); err != nil {
		return nil, fmt.Errorf("failed to drop %s: %w", t.Name, err)
	}
	if err := tx.CreateTable(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", t.Name, err)
	}
	if len(out) > 0 {
		if err := tx.InsertMany(ctx, t, out); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
		}
	}

	written, err := tx.Query(ctx, t, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read back %s: %w", t.Name, err)
	}
	res.OutputRows = int64(len(written))
	if res.OutputRows != res.InputRows-res.Rejected {
		return nil, &errs.ConsistencyError{
			Dataset: def.Dataset,
			Stage:   "silver",
			Detail:  fmt.Sprintf("%s has %d rows, expected %d input rows minus %d rejected", t.Name, res.OutputRows, res.InputRows, res.Rejected),
		}
	}

	if res.Rejected > 0 {
		log.Warn("silver: rejected rows", "dataset", def.Dataset, "rejected", res.Rejected, "by_column", res.RejectedByColumn)
	}
	log.Info("silver: transformed dataset",
		"dataset", def.Dataset,
		"input_rows", res.InputRows,
		"output_rows", res.OutputRows,
		"null_filled", res.NullFilled,
	)
	return res, nil
}

func checkRejects(def *schema.Definition, res *Result, opts Options) error {
	if res.InputRows == 0 || res.Rejected == 0 {
		return nil
	}
	if res.Rejected == res.InputRows {
		return &errs.ConsistencyError{
			Dataset: def.Dataset,
			Stage:   "silver",
			Detail:  fmt.Sprintf("all %d rows rejected %v", res.InputRows, res.RejectedByColumn),
		}
	}
	limit := def.MaxRejectRatio
	if limit == 0 {
		limit = opts.MaxRejectRatio
	}
	if limit == 0 {
		limit = 1
	}
	ratio := float64(res.Rejected) / float64(res.InputRows)
	if ratio > limit {
		return &errs.ConsistencyError{
			Dataset: def.Dataset,
			Stage:   "silver",
			Detail:  fmt.Sprintf("rejected %d of %d rows (%.3f), above the limit of %.3f", res.Rejected, res.InputRows, ratio, limit),
		}
	}
	return nil
}

// dimensionIndex maps dimension name to its Bronze rows by code.
type dimensionIndex map[string]map[string]store.Row

func indexDimensions(ctx context.Context, tx store.Tx, def *schema.Definition) (dimensionIndex, error) {
	idx := make(dimensionIndex, len(def.Dimensions))
	for i := range def.Dimensions {
		dim := &def.Dimensions[i]
		t := bronze.DimensionTable(def, dim)
		rows, err := tx.Query(ctx, t, store.Filter{})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
		}
		byCode := make(map[string]store.Row, len(rows))
		for _, r := range rows {
			if code, ok := r[dim.Key].(string); ok {
				byCode[code] = r
			}
		}
		idx[dim.Name] = byCode
	}
	return idx, nil
}

// integrate builds the Silver row of one fact row. A non-empty rejectedBy
// names the column that caused the row to be rejected.
func integrate(def *schema.Definition, dims dimensionIndex, cols []schema.OutputColumn, fact store.Row, nullFilled map[string]int64) (store.Row, string, error) {
	row := make(store.Row, len(cols)+1)
	row[store.RowIDColumn] = fact[store.RowIDColumn]
	for _, oc := range cols {
		v, err := lookup(def, dims, oc, fact)
		if err != nil {
			return nil, "", err
		}
		typed, ok := clean(def, oc.Type, v)
		switch {
		case ok && (typed != nil || oc.Nullable):
			row[oc.Name] = typed
		case !ok && oc.Policy == schema.CastNull && oc.Nullable:
			row[oc.Name] = nil
			nullFilled[oc.Name]++
		default:
			return nil, oc.Name, nil
		}
	}
	return row, "", nil
}

// lookup returns the raw text an output column starts from, following the
// column's dimension hops.
func lookup(def *schema.Definition, dims dimensionIndex, oc schema.OutputColumn, fact store.Row) (any, error) {
	v := fact[oc.FactColumn]
	for _, hop := range oc.Path {
		code, ok := bronze.ForeignKey(def, v)
		if !ok {
			return nil, nil
		}
		dimRow, found := dims[hop.Dimension][code]
		if !found {
			// Bronze refuses unresolved references, so this is a broken zone.
			return nil, &errs.ConsistencyError{
				Dataset: def.Dataset,
				Stage:   "silver",
				Detail:  fmt.Sprintf("row %v: %s code %q is missing from dimension %s", fact[store.RowIDColumn], oc.FactColumn, code, hop.Dimension),
			}
		}
		v = dimRow[hop.Attribute]
	}
	return v, nil
}

// clean trims and casts a landed value. It returns nil for NULL values and
// false when the value cannot be cast to t.
func clean(def *schema.Definition, t schema.Type, v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	s, ok := v.(string)
	if !ok {
		// Bronze only stores text.
		return nil, false
	}
	s = strings.TrimSpace(s)
	if def.IsNull(s) {
		return nil, true
	}
	typed, err := schema.Parse(t, s)
	if err != nil {
		return nil, false
	}
	return typed, true
}
