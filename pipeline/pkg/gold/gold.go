// Package gold aggregates the Silver table of a dataset into a feature table
// with one row per group, as described by a rule set.
package gold

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/silver"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type Options struct {
	Logger *slog.Logger
}

type Result struct {
	InputRows  int64
	Groups     int64
	OutputRows int64
	// Excluded counts groups dropped because a feature was not populated.
	Excluded int64
}

// Table is the feature table of rs. The rule set must be valid for def.
func Table(def *schema.Definition, rs *RuleSet) store.Table {
	t := store.Table{Name: store.GoldTable(def.Dataset, rs.Name)}
	t.Columns = append(t.Columns, store.Column{Name: store.FeatureKeyColumn, Type: schema.TypeText})
	silverTable := silver.Table(def)
	for _, g := range rs.GroupBy {
		c, _ := silverTable.Column(g)
		t.Columns = append(t.Columns, c)
	}
	for _, r := range rs.Rules {
		red, _ := LookupReducer(r.Func)
		t.Columns = append(t.Columns, store.Column{Name: r.Output, Type: red.Output})
	}
	return t
}

type group struct {
	key  *NaturalKey
	rows []store.Row
}

// Aggregate replaces the feature table of rs within tx. The rule set is
// validated before any table is read; Silver must be materialized.
func Aggregate(ctx context.Context, tx store.Tx, def *schema.Definition, wm state.Watermark, rs *RuleSet, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if err := ValidateRuleSet(rs, def); err != nil {
		return nil, err
	}
	if wm.Stage < state.SilverReady {
		return nil, &errs.StageNotReadyError{
			Dataset:  def.Dataset,
			Required: state.SilverReady.String(),
			Current:  wm.Stage.String(),
		}
	}

	src := silver.Table(def)
	rows, err := tx.Query(ctx, src, store.Filter{OrderBy: []string{store.RowIDColumn}})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", src.Name, err)
	}

	groups := make(map[SurrogateKey]*group)
	for _, row := range rows {
		values := make([]any, len(rs.GroupBy))
		for i, g := range rs.GroupBy {
			values[i] = row[g]
		}
		key := NewNaturalKey(values...)
		sk := key.ToSurrogate()
		grp, ok := groups[sk]
		if !ok {
			grp = &group{key: key}
			groups[sk] = grp
		}
		grp.rows = append(grp.rows, row)
	}

	res := &Result{InputRows: int64(len(rows)), Groups: int64(len(groups))}
	type keyed struct {
		key *NaturalKey
		row store.Row
	}
	out := make([]keyed, 0, len(groups))
	for sk, grp := range groups {
		row, missing := evaluate(rs, grp)
		if missing != "" {
			res.Excluded++
			log.Debug("gold: excluded group", "dataset", def.Dataset, "rule_set", rs.Name, "key", grp.key.Values, "feature", missing)
			continue
		}
		row[store.FeatureKeyColumn] = string(sk)
		for i, g := range rs.GroupBy {
			row[g] = grp.key.Values[i]
		}
		out = append(out, keyed{key: grp.key, row: row})
	}
	slices.SortFunc(out, func(a, b keyed) int { return a.key.Compare(b.key) })

	t := Table(def, rs)
	if err := tx.DropTable(ctx, t.Name); err != nil {
		return nil, fmt.Errorf("failed to drop %s: %w", t.Name, err)
	}
	if err := tx.CreateTable(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", t.Name, err)
	}
	if len(out) > 0 {
		featureRows := make([]store.Row, len(out))
		for i, k := range out {
			featureRows[i] = k.row
		}
		if err := tx.InsertMany(ctx, t, featureRows); err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", t.Name, err)
		}
	}

	if err := checkUnique(ctx, tx, def, t, int64(len(out))); err != nil {
		return nil, err
	}
	res.OutputRows = int64(len(out))

	if res.Excluded > 0 {
		log.Warn("gold: excluded groups with unpopulated features", "dataset", def.Dataset, "rule_set", rs.Name, "excluded", res.Excluded)
	}
	log.Info("gold: aggregated dataset",
		"dataset", def.Dataset,
		"rule_set", rs.Name,
		"input_rows", res.InputRows,
		"groups", res.Groups,
		"output_rows", res.OutputRows,
	)
	return res, nil
}

// evaluate computes every feature of a group independently. It returns the
// output column of the first feature that could not be computed.
func evaluate(rs *RuleSet, grp *group) (store.Row, string) {
	row := make(store.Row, len(rs.GroupBy)+len(rs.Rules)+1)
	for _, r := range rs.Rules {
		red, _ := LookupReducer(r.Func)
		values := make([]float64, 0, len(grp.rows))
		for _, sr := range grp.rows {
			if r.Measure == "" {
				values = append(values, 1)
				continue
			}
			v, ok := measure(sr[r.Measure])
			switch {
			case ok:
				values = append(values, v)
			case r.Fill != nil:
				values = append(values, *r.Fill)
			}
		}
		v, ok := red.Reduce(values)
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, r.Output
		}
		if red.Output == schema.TypeInteger {
			row[r.Output] = int64(math.Round(v))
		} else {
			row[r.Output] = v
		}
	}
	return row, ""
}

func measure(v any) (float64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 1, true
}

// checkUnique re-reads the feature table and verifies one row per key.
func checkUnique(ctx context.Context, tx store.Tx, def *schema.Definition, t store.Table, want int64) error {
	written, err := tx.Query(ctx, t, store.Filter{})
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", t.Name, err)
	}
	keys := make(map[any]bool, len(written))
	for _, r := range written {
		k := r[store.FeatureKeyColumn]
		if keys[k] {
			return &errs.ConsistencyError{Dataset: def.Dataset, Stage: "gold", Detail: fmt.Sprintf("%s has duplicate feature key %v", t.Name, k)}
		}
		keys[k] = true
	}
	if int64(len(written)) != want {
		return &errs.ConsistencyError{Dataset: def.Dataset, Stage: "gold", Detail: fmt.Sprintf("%s has %d rows, expected %d", t.Name, len(written), want)}
	}
	return nil
}
