package gold

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/silver"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
	"github.com/malbeclabs/medallion/pipeline/pkg/store/memstore"
	medalliontesting "github.com/malbeclabs/medallion/utils/pkg/testing"
)

var silverReady = state.Watermark{DatasetID: "labour", Stage: state.SilverReady}

func labourDefinition(t *testing.T) *schema.Definition {
	t.Helper()
	reg := schema.NewRegistry(medalliontesting.NewLogger())
	require.NoError(t, reg.Register("labour", &schema.Definition{
		Fact: schema.Table{
			Source: "TypedDataSet",
			Columns: []schema.Column{
				{Name: "id", Type: schema.TypeInteger},
				{Name: "region_code", Type: schema.TypeText, References: "region", As: "region", Nullable: true},
				{Name: "value", Type: schema.TypeNumeric, Nullable: true},
			},
		},
		Dimensions: []schema.Table{{
			Name: "region", Source: "Regions", Key: "code", Label: "title",
			Columns: []schema.Column{
				{Name: "code", Type: schema.TypeText},
				{Name: "title", Type: schema.TypeText},
			},
		}},
	}))
	def, err := reg.Lookup("labour")
	require.NoError(t, err)
	return def
}

func regionRuleSet() *RuleSet {
	return &RuleSet{
		Name:    "region_features",
		GroupBy: []string{"region"},
		Rules: []Rule{
			{Output: "avg_value", Func: "mean", Measure: "value"},
			{Output: "n_obs", Func: "count"},
			{Output: "max_value", Func: "max", Measure: "value"},
		},
	}
}

// withSilver returns a store whose Silver zone holds rows.
func withSilver(t *testing.T, def *schema.Definition, rows []store.Row) *memstore.Store {
	t.Helper()
	s := memstore.New(memstore.Config{Logger: medalliontesting.NewLogger()})
	require.NoError(t, s.Migrate(t.Context()))
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		tbl := silver.Table(def)
		if err := tx.CreateTable(t.Context(), tbl); err != nil {
			return err
		}
		return tx.InsertMany(t.Context(), tbl, rows)
	})
	require.NoError(t, err)
	return s
}

func silverRows() []store.Row {
	return []store.Row{
		{"_row_id": int64(1), "id": int64(0), "region": "Groningen", "value": 10.0},
		{"_row_id": int64(2), "id": int64(1), "region": "Bonaire", "value": 14.0},
		{"_row_id": int64(3), "id": int64(2), "region": "Groningen", "value": 20.0},
		{"_row_id": int64(4), "id": int64(3), "region": "Saba", "value": nil},
		{"_row_id": int64(5), "id": int64(4), "region": nil, "value": 5.0},
	}
}

func aggregate(t *testing.T, s store.Provider, def *schema.Definition, wm state.Watermark, rs *RuleSet) (*Result, error) {
	t.Helper()
	var res *Result
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		res, err = Aggregate(t.Context(), tx, def, wm, rs, Options{Logger: medalliontesting.NewLogger()})
		return err
	})
	return res, err
}

func features(t *testing.T, s store.Provider, def *schema.Definition, rs *RuleSet) []store.Row {
	t.Helper()
	var rows []store.Row
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(t.Context(), Table(def, rs), store.Filter{})
		return err
	})
	require.NoError(t, err)
	return rows
}

func key(values ...any) string {
	return string(NewNaturalKey(values...).ToSurrogate())
}

func TestMedallion_Gold_Aggregate(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	rs := regionRuleSet()
	s := withSilver(t, def, silverRows())

	res, err := aggregate(t, s, def, silverReady, rs)
	require.NoError(t, err)
	require.Equal(t, &Result{InputRows: 5, Groups: 4, OutputRows: 3, Excluded: 1}, res)

	// Rows come out in natural key order, NULL first.
	require.Equal(t, []store.Row{
		{"feature_key": key(nil), "region": nil, "avg_value": 5.0, "n_obs": int64(1), "max_value": 5.0},
		{"feature_key": key("Bonaire"), "region": "Bonaire", "avg_value": 14.0, "n_obs": int64(1), "max_value": 14.0},
		{"feature_key": key("Groningen"), "region": "Groningen", "avg_value": 15.0, "n_obs": int64(2), "max_value": 20.0},
	}, features(t, s, def, rs))

	t.Run("idempotent", func(t *testing.T) {
		before := features(t, s, def, rs)
		again, err := aggregate(t, s, def, silverReady, rs)
		require.NoError(t, err)
		require.Equal(t, res, again)
		require.Equal(t, before, features(t, s, def, rs))
	})
}

func TestMedallion_Gold_Fill(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	zero := 0.0
	rs := &RuleSet{
		Name:    "filled",
		GroupBy: []string{"region"},
		Rules: []Rule{
			{Output: "avg_value", Func: "mean", Measure: "value", Fill: &zero},
			{Output: "n_values", Func: "count", Measure: "value"},
		},
	}
	s := withSilver(t, def, silverRows())

	res, err := aggregate(t, s, def, silverReady, rs)
	require.NoError(t, err)
	require.Zero(t, res.Excluded)
	require.Equal(t, int64(4), res.OutputRows)

	rows := features(t, s, def, rs)
	var saba store.Row
	for _, r := range rows {
		if r["region"] == "Saba" {
			saba = r
		}
	}
	require.Equal(t, 0.0, saba["avg_value"])
	require.Equal(t, int64(0), saba["n_values"])
}

func TestMedallion_Gold_ConflictBeforeReads(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	rs := regionRuleSet()
	rs.Rules = append(rs.Rules, Rule{Name: "second_avg", Output: "avg_value", Func: "sum", Measure: "value"})

	// No Silver table exists and the watermark is behind: the conflict is
	// still what gets reported.
	s := memstore.New(memstore.Config{Logger: medalliontesting.NewLogger()})
	_, err := aggregate(t, s, def, state.Watermark{DatasetID: "labour"}, rs)
	require.ErrorIs(t, err, errs.ErrRuleConflict)

	var cerr *errs.RuleConflictError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, "avg_value", cerr.Column)
	require.Equal(t, []string{"avg_value", "second_avg"}, cerr.Rules)
}

func TestMedallion_Gold_StageNotReady(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	s := withSilver(t, def, silverRows())
	_, err := aggregate(t, s, def, state.Watermark{DatasetID: "labour", Stage: state.BronzeReady}, regionRuleSet())
	require.ErrorIs(t, err, errs.ErrStageNotReady)
}

func TestMedallion_Gold_ValidateRuleSet(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	tests := []struct {
		name   string
		mutate func(rs *RuleSet)
		want   error
	}{
		{"valid", func(rs *RuleSet) {}, nil},
		{"count_over_text", func(rs *RuleSet) { rs.Rules[1].Measure = "region" }, nil},
		{"same_group_by_on_rule", func(rs *RuleSet) { rs.Rules[0].GroupBy = []string{"region"} }, nil},
		{"bad_name", func(rs *RuleSet) { rs.Name = "Region Features" }, errs.ErrInvalidRule},
		{"empty_group_by", func(rs *RuleSet) { rs.GroupBy = nil }, errs.ErrInvalidRule},
		{"no_rules", func(rs *RuleSet) { rs.Rules = nil }, errs.ErrInvalidRule},
		{"unknown_group_column", func(rs *RuleSet) { rs.GroupBy = []string{"province"} }, errs.ErrInvalidRule},
		{"group_column_twice", func(rs *RuleSet) { rs.GroupBy = []string{"region", "region"} }, errs.ErrInvalidRule},
		{"unknown_func", func(rs *RuleSet) { rs.Rules[0].Func = "median" }, errs.ErrInvalidRule},
		{"missing_measure", func(rs *RuleSet) { rs.Rules[0].Measure = "" }, errs.ErrInvalidRule},
		{"unknown_measure", func(rs *RuleSet) { rs.Rules[0].Measure = "salary" }, errs.ErrInvalidRule},
		{"text_measure", func(rs *RuleSet) { rs.Rules[0].Measure = "region" }, errs.ErrInvalidRule},
		{"fill_without_measure", func(rs *RuleSet) { f := 1.0; rs.Rules[1].Fill = &f }, errs.ErrInvalidRule},
		{"bad_output", func(rs *RuleSet) { rs.Rules[0].Output = "avg value" }, errs.ErrInvalidRule},
		{"duplicate_output", func(rs *RuleSet) { rs.Rules[2].Output = "n_obs" }, errs.ErrRuleConflict},
		{"output_is_group_column", func(rs *RuleSet) { rs.Rules[0].Output = "region" }, errs.ErrRuleConflict},
		{"output_is_feature_key", func(rs *RuleSet) { rs.Rules[0].Output = "feature_key" }, errs.ErrRuleConflict},
		{"rule_group_by_differs", func(rs *RuleSet) { rs.Rules[0].GroupBy = []string{"id"} }, errs.ErrRuleConflict},
		{"conflict_reported_before_invalid", func(rs *RuleSet) {
			rs.Rules[0].Func = "median"
			rs.Rules[2].Output = "n_obs"
		}, errs.ErrRuleConflict},
		{"conflict_reported_before_empty_group_by", func(rs *RuleSet) {
			rs.GroupBy = nil
			rs.Rules[2].Output = "n_obs"
		}, errs.ErrRuleConflict},
		{"doubled_underscore_in_name", func(rs *RuleSet) { rs.Name = "region__features" }, errs.ErrInvalidRule},
		{"trailing_underscore_in_name", func(rs *RuleSet) { rs.Name = "region_" }, errs.ErrInvalidRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rs := regionRuleSet()
			tt.mutate(rs)
			err := ValidateRuleSet(rs, def)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMedallion_Gold_RegisterReducer(t *testing.T) {
	t.Parallel()

	spread := Reducer{
		NeedsMeasure: true,
		Numeric:      true,
		Reduce: func(values []float64) (float64, bool) {
			if len(values) < 2 {
				return 0, false
			}
			lo, hi := values[0], values[0]
			for _, v := range values {
				lo, hi = min(lo, v), max(hi, v)
			}
			return hi - lo, true
		},
	}
	if _, ok := LookupReducer("test_spread"); !ok {
		require.NoError(t, RegisterReducer("test_spread", spread))
	}
	require.ErrorContains(t, RegisterReducer("test_spread", spread), "already registered")
	require.ErrorContains(t, RegisterReducer("mean", spread), "already registered")
	require.Error(t, RegisterReducer("", spread))
	require.Error(t, RegisterReducer("test_nil", Reducer{}))
	require.Error(t, RegisterReducer("test_text", Reducer{Reduce: spread.Reduce, Output: schema.TypeText}))

	def := labourDefinition(t)
	rs := &RuleSet{
		Name:    "spread",
		GroupBy: []string{"region"},
		Rules:   []Rule{{Output: "value_spread", Func: "test_spread", Measure: "value"}},
	}
	s := withSilver(t, def, silverRows())
	res, err := aggregate(t, s, def, silverReady, rs)
	require.NoError(t, err)
	// Only Groningen has two values.
	require.Equal(t, int64(1), res.OutputRows)
	rows := features(t, s, def, rs)
	require.Equal(t, 10.0, rows[0]["value_spread"])
}

func TestMedallion_Gold_NaturalKey(t *testing.T) {
	t.Parallel()

	require.Equal(t, key("a", int64(1)), key("a", int64(1)))
	require.NotEqual(t, key("a|b", "c"), key("a", "b|c"))
	require.NotEqual(t, key(int64(1)), key(1.0))
	require.NotEqual(t, key(int64(1)), key("1"))
	require.NotEqual(t, key(nil), key(""))
	require.NotEqual(t, key("a"), key("a", nil))
	require.Len(t, key(medalliontesting.FixedTime), 64)

	a, b := NewNaturalKey(nil), NewNaturalKey("Bonaire")
	require.Negative(t, a.Compare(b))
	require.Positive(t, NewNaturalKey("b", int64(2)).Compare(NewNaturalKey("b", int64(1))))
	require.Zero(t, b.Compare(NewNaturalKey("Bonaire")))
}

func TestMedallion_Gold_DecodeRuleSet(t *testing.T) {
	t.Parallel()

	rs, err := DecodeRuleSet([]byte(`
name: region_features
group_by: [region]
rules:
  - {output: avg_value, func: mean, measure: value, fill: 0}
  - {output: n_obs, func: count}
`))
	require.NoError(t, err)
	require.Equal(t, "region_features", rs.Name)
	require.Len(t, rs.Rules, 2)
	require.NotNil(t, rs.Rules[0].Fill)
	require.Zero(t, *rs.Rules[0].Fill)
	require.Nil(t, rs.Rules[1].Fill)
	require.Equal(t, "n_obs", rs.Rules[1].RuleName())
	require.NoError(t, ValidateRuleSet(rs, labourDefinition(t)))

	v := rs.Version()
	rs.Rules[1].Func = "sum"
	require.NotEqual(t, v, rs.Version())

	_, err = DecodeRuleSet([]byte("name: x\nrulez: []\n"))
	require.Error(t, err)
}
