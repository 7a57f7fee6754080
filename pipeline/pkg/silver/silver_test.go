package silver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/medallion/pipeline/pkg/bronze"
	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/raw"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
	"github.com/malbeclabs/medallion/pipeline/pkg/store/memstore"
	medalliontesting "github.com/malbeclabs/medallion/utils/pkg/testing"
)

var bronzeReady = state.Watermark{DatasetID: "labour", Stage: state.BronzeReady}

func labourDefinition(t *testing.T, maxRejectRatio float64) *schema.Definition {
	t.Helper()
	reg := schema.NewRegistry(medalliontesting.NewLogger())
	require.NoError(t, reg.Register("labour", &schema.Definition{
		MaxRejectRatio: maxRejectRatio,
		Fact: schema.Table{
			Source: "TypedDataSet",
			Columns: []schema.Column{
				{Name: "id", Field: "ID", Type: schema.TypeInteger},
				{Name: "region_code", Field: "Regions", Type: schema.TypeText, References: "region", As: "region", Include: []string{"province"}, Nullable: true},
				{Name: "value", Field: "EmployedLabour_1", Type: schema.TypeNumeric, Nullable: true, OnCastError: schema.CastNull},
			},
		},
		Dimensions: []schema.Table{
			{
				Name: "region", Source: "Regions", Key: "code", Label: "title",
				Columns: []schema.Column{
					{Name: "code", Field: "Key", Type: schema.TypeText},
					{Name: "title", Field: "Title", Type: schema.TypeText},
					{Name: "province", Field: "Province", Type: schema.TypeText, References: "province", Nullable: true},
				},
			},
			{
				Name: "province", Source: "Provinces", Key: "code", Label: "title",
				Columns: []schema.Column{
					{Name: "code", Field: "Key", Type: schema.TypeText},
					{Name: "title", Field: "Title", Type: schema.TypeText},
				},
			},
		},
	}))
	def, err := reg.Lookup("labour")
	require.NoError(t, err)
	return def
}

func fact(id, region, value any) raw.Record {
	return raw.Record{Source: "TypedDataSet", Fields: map[string]any{"ID": id, "Regions": region, "EmployedLabour_1": value}}
}

func dimensionRecords() []raw.Record {
	return []raw.Record{
		{Source: "Provinces", Fields: map[string]any{"Key": "PV20", "Title": "Groningen"}},
		{Source: "Regions", Fields: map[string]any{"Key": "GM0014", "Title": "Groningen (gemeente)", "Province": "PV20"}},
		{Source: "Regions", Fields: map[string]any{"Key": "BQ1", "Title": "  Bonaire ", "Province": nil}},
	}
}

// landed returns a store whose Bronze zone holds the given fact records.
func landed(t *testing.T, def *schema.Definition, facts ...raw.Record) *memstore.Store {
	t.Helper()
	s := memstore.New(memstore.Config{Logger: medalliontesting.NewLogger()})
	require.NoError(t, s.Migrate(t.Context()))

	ms := raw.NewMemStore()
	ms.Replace(def.Dataset, append(dimensionRecords(), facts...))
	seq, err := ms.Fetch(t.Context(), def.Dataset)
	require.NoError(t, err)
	err = store.WithTx(t.Context(), s, func(tx store.Tx) error {
		_, err := bronze.Load(t.Context(), tx, def, seq, bronze.Options{Logger: medalliontesting.NewLogger()})
		return err
	})
	require.NoError(t, err)
	return s
}

func transform(t *testing.T, s store.Provider, def *schema.Definition, wm state.Watermark, opts Options) (*Result, error) {
	t.Helper()
	opts.Logger = medalliontesting.NewLogger()
	var res *Result
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		res, err = Transform(t.Context(), tx, def, wm, opts)
		return err
	})
	return res, err
}

func silverRows(t *testing.T, s store.Provider, def *schema.Definition) []store.Row {
	t.Helper()
	var rows []store.Row
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(t.Context(), Table(def), store.Filter{OrderBy: []string{store.RowIDColumn}})
		return err
	})
	require.NoError(t, err)
	return rows
}

func TestMedallion_Silver_Transform(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t, 0)
	s := landed(t, def,
		fact(json.Number("0"), "GM0014 ", json.Number("14.0")),
		fact(json.Number("1"), "BQ1", "  14 "),
		fact(json.Number("2"), nil, "-"),
		fact("x", "BQ1", "1"),
		fact(json.Number("4"), "BQ1", "abc"),
	)

	res, err := transform(t, s, def, bronzeReady, Options{})
	require.NoError(t, err)
	require.Equal(t, &Result{
		InputRows:        5,
		OutputRows:       4,
		Rejected:         1,
		RejectedByColumn: map[string]int64{"id": 1},
		NullFilled:       map[string]int64{"value": 1},
	}, res)

	require.Equal(t, []store.Row{
		{"_row_id": int64(1), "id": int64(0), "region": "Groningen (gemeente)", "region_province": "Groningen", "value": 14.0},
		{"_row_id": int64(2), "id": int64(1), "region": "Bonaire", "region_province": nil, "value": 14.0},
		{"_row_id": int64(3), "id": int64(2), "region": nil, "region_province": nil, "value": nil},
		{"_row_id": int64(5), "id": int64(4), "region": "Bonaire", "region_province": nil, "value": nil},
	}, silverRows(t, s, def))

	t.Run("idempotent", func(t *testing.T) {
		before := silverRows(t, s, def)
		again, err := transform(t, s, def, bronzeReady, Options{})
		require.NoError(t, err)
		require.Equal(t, res, again)
		require.Equal(t, before, silverRows(t, s, def))
	})
}

func TestMedallion_Silver_StageNotReady(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t, 0)
	s := landed(t, def, fact("1", "BQ1", "1"))

	_, err := transform(t, s, def, state.Watermark{DatasetID: "labour"}, Options{})
	require.ErrorIs(t, err, errs.ErrStageNotReady)

	var serr *errs.StageNotReadyError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "BronzeReady", serr.Required)
	require.Equal(t, "Unloaded", serr.Current)
}

func TestMedallion_Silver_RejectThreshold(t *testing.T) {
	t.Parallel()

	facts := []raw.Record{
		fact("1", "BQ1", "1"),
		fact("2", "BQ1", "2"),
		fact("3", "BQ1", "3"),
		fact("bad", "BQ1", "4"),
	}

	tests := []struct {
		name       string
		schemaMax  float64
		optionsMax float64
		facts      []raw.Record
		wantErr    bool
	}{
		{"default_allows_partial", 0, 0, facts, false},
		{"options_limit_exceeded", 0, 0.2, facts, true},
		{"options_limit_met", 0, 0.25, facts, false},
		{"schema_limit_wins", 0.1, 0.5, facts, true},
		{"all_rejected", 0, 0, facts[3:], true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			def := labourDefinition(t, tt.schemaMax)
			s := landed(t, def, tt.facts...)
			_, err := transform(t, s, def, bronzeReady, Options{MaxRejectRatio: tt.optionsMax})
			if tt.wantErr {
				require.ErrorIs(t, err, errs.ErrConsistency)
				// Nothing was written.
				err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
					_, err := tx.Query(t.Context(), Table(def), store.Filter{})
					return err
				})
				require.ErrorIs(t, err, errs.ErrNotFound)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestMedallion_Silver_EmptyFact(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t, 0)
	s := landed(t, def)

	res, err := transform(t, s, def, bronzeReady, Options{})
	require.NoError(t, err)
	require.Zero(t, res.InputRows)
	require.Empty(t, silverRows(t, s, def))
}

func TestMedallion_Silver_BrokenBronze(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t, 0)
	s := landed(t, def, fact("1", "BQ1", "1"))

	region, _ := def.Dimension("region")
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		return tx.Delete(t.Context(), bronze.DimensionTable(def, region), store.Filter{Equals: map[string]any{"code": "BQ1"}})
	})
	require.NoError(t, err)

	_, err = transform(t, s, def, bronzeReady, Options{})
	require.ErrorIs(t, err, errs.ErrConsistency)
	require.ErrorContains(t, err, `"BQ1"`)
}
