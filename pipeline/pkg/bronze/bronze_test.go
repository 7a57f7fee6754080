package bronze

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/raw"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
	"github.com/malbeclabs/medallion/pipeline/pkg/store/memstore"
	medalliontesting "github.com/malbeclabs/medallion/utils/pkg/testing"
)

func labourDefinition(t *testing.T) *schema.Definition {
	t.Helper()
	reg := schema.NewRegistry(medalliontesting.NewLogger())
	require.NoError(t, reg.Register("labour", &schema.Definition{
		Fact: schema.Table{
			Source: "TypedDataSet",
			Columns: []schema.Column{
				{Name: "id", Field: "ID", Type: schema.TypeInteger},
				{Name: "region_code", Field: "Regions", Type: schema.TypeText, References: "region", Nullable: true},
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

func labourRecords() []raw.Record {
	return []raw.Record{
		{Source: "Provinces", Fields: map[string]any{"Key": "PV20", "Title": "Groningen"}},
		{Source: "Regions", Fields: map[string]any{"Key": "GM0014", "Title": "Groningen (gemeente)", "Province": "PV20"}},
		{Source: "Regions", Fields: map[string]any{"Key": " BQ1 ", "Title": "Bonaire", "Province": nil}},
		{Source: "TypedDataSet", Fields: map[string]any{"ID": json.Number("0"), "Regions": "GM0014 ", "EmployedLabour_1": json.Number("14.0")}},
		{Source: "TypedDataSet", Fields: map[string]any{"ID": json.Number("1"), "Regions": "BQ1", "EmployedLabour_1": "  14 "}},
		{Source: "TypedDataSet", Fields: map[string]any{"ID": json.Number("2"), "Regions": nil, "EmployedLabour_1": "-"}},
		{Source: "Notes", Fields: map[string]any{"Text": "ignored"}},
	}
}

func newStore(t *testing.T) *memstore.Store {
	t.Helper()
	s := memstore.New(memstore.Config{Logger: medalliontesting.NewLogger()})
	require.NoError(t, s.Migrate(t.Context()))
	return s
}

func load(t *testing.T, s store.Provider, def *schema.Definition, records []raw.Record, opts Options) (*Result, error) {
	t.Helper()
	ms := raw.NewMemStore()
	ms.Replace(def.Dataset, records)
	seq, err := ms.Fetch(t.Context(), def.Dataset)
	require.NoError(t, err)

	opts.Logger = medalliontesting.NewLogger()
	var res *Result
	err = store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		res, err = Load(t.Context(), tx, def, seq, opts)
		return err
	})
	return res, err
}

func query(t *testing.T, s store.Provider, table store.Table, orderBy ...string) []store.Row {
	t.Helper()
	var rows []store.Row
	err := store.WithTx(t.Context(), s, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(t.Context(), table, store.Filter{OrderBy: orderBy})
		return err
	})
	require.NoError(t, err)
	return rows
}

func TestMedallion_Bronze_Load(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	s := newStore(t)

	res, err := load(t, s, def, labourRecords(), Options{})
	require.NoError(t, err)
	require.Equal(t, &Result{
		Records:          7,
		FactRows:         3,
		DimensionRows:    map[string]int64{"region": 2, "province": 1},
		DimensionSkipped: map[string]int64{"region": 0, "province": 0},
		Ignored:          1,
	}, res)

	facts := query(t, s, FactTable(def), store.RowIDColumn)
	require.Equal(t, []store.Row{
		{"_row_id": int64(1), "id": "0", "region_code": "GM0014 ", "value": "14.0", "_source": "TypedDataSet"},
		{"_row_id": int64(2), "id": "1", "region_code": "BQ1", "value": "  14 ", "_source": "TypedDataSet"},
		{"_row_id": int64(3), "id": "2", "region_code": nil, "value": "-", "_source": "TypedDataSet"},
	}, facts)

	region, _ := def.Dimension("region")
	regions := query(t, s, DimensionTable(def, region), "code")
	require.Len(t, regions, 2)
	require.Equal(t, "BQ1", regions[0]["code"])
	require.Nil(t, regions[0]["province"])
	require.Equal(t, "PV20", regions[1]["province"])
}

func TestMedallion_Bronze_DimensionsAreAppendOnly(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	s := newStore(t)
	_, err := load(t, s, def, labourRecords(), Options{})
	require.NoError(t, err)

	records := []raw.Record{
		{Source: "Regions", Fields: map[string]any{"Key": "BQ1", "Title": "Bonaire (renamed)"}},
		{Source: "Regions", Fields: map[string]any{"Key": "BQ2", "Title": "Saba"}},
		{Source: "Regions", Fields: map[string]any{"Key": "BQ2", "Title": "Saba (duplicate)"}},
		{Source: "TypedDataSet", Fields: map[string]any{"ID": 10, "Regions": "BQ2", "EmployedLabour_1": 3.5}},
	}
	res, err := load(t, s, def, records, Options{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.FactRows)
	require.Equal(t, int64(1), res.DimensionRows["region"])
	require.Equal(t, int64(2), res.DimensionSkipped["region"])

	region, _ := def.Dimension("region")
	regions := query(t, s, DimensionTable(def, region), "code")
	require.Len(t, regions, 3)
	require.Equal(t, "Bonaire", regions[0]["title"])
	require.Equal(t, "Saba", regions[1]["title"])

	// The fact table is replaced, not appended to.
	facts := query(t, s, FactTable(def), store.RowIDColumn)
	require.Equal(t, []store.Row{
		{"_row_id": int64(1), "id": "10", "region_code": "BQ2", "value": "3.5", "_source": "TypedDataSet"},
	}, facts)

	t.Run("reset_discards_retained_codes", func(t *testing.T) {
		_, err := load(t, s, def, records[1:], Options{Reset: true})
		require.NoError(t, err)
		regions := query(t, s, DimensionTable(def, region), "code")
		require.Len(t, regions, 1)
		require.Equal(t, "BQ2", regions[0]["code"])
	})
}

func TestMedallion_Bronze_UnknownReferenceWritesNothing(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	s := newStore(t)
	_, err := load(t, s, def, labourRecords(), Options{})
	require.NoError(t, err)

	records := append(labourRecords(),
		raw.Record{Source: "Regions", Fields: map[string]any{"Key": "GM0015", "Title": "New"}},
		raw.Record{Source: "TypedDataSet", Fields: map[string]any{"ID": json.Number("3"), "Regions": "GM9999", "EmployedLabour_1": "1"}},
	)
	_, err = load(t, s, def, records, Options{})
	require.ErrorIs(t, err, errs.ErrReferentialIntegrity)

	var rerr *errs.ReferentialIntegrityError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "GM9999", rerr.Code)
	require.Equal(t, "region_code", rerr.Column)
	require.Equal(t, "region", rerr.Dimension)
	require.Equal(t, int64(4), rerr.Row)

	// Neither the fact table nor the dimension saw any of the batch.
	require.Len(t, query(t, s, FactTable(def)), 3)
	region, _ := def.Dimension("region")
	require.Len(t, query(t, s, DimensionTable(def, region)), 2)
}

func TestMedallion_Bronze_DimensionReferences(t *testing.T) {
	t.Parallel()

	def := labourDefinition(t)
	s := newStore(t)

	records := []raw.Record{
		{Source: "Regions", Fields: map[string]any{"Key": "GM0014", "Title": "Groningen", "Province": "PV99"}},
	}
	_, err := load(t, s, def, records, Options{})
	var rerr *errs.ReferentialIntegrityError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "bronze_labour__dim_region", rerr.Table)
	require.Equal(t, "province", rerr.Dimension)
	require.Equal(t, "PV99", rerr.Code)

	t.Run("null_sentinel_is_not_a_reference", func(t *testing.T) {
		records := []raw.Record{
			{Source: "Regions", Fields: map[string]any{"Key": "GM0014", "Title": "Groningen", "Province": " - "}},
			{Source: "TypedDataSet", Fields: map[string]any{"ID": "1", "Regions": "NA"}},
		}
		_, err := load(t, s, def, records, Options{})
		require.NoError(t, err)
	})

	t.Run("missing_code", func(t *testing.T) {
		records := []raw.Record{{Source: "Provinces", Fields: map[string]any{"Key": "  ", "Title": "Nowhere"}}}
		_, err := load(t, newStore(t), def, records, Options{})
		require.ErrorIs(t, err, errs.ErrConsistency)
	})
}

func TestMedallion_Bronze_Text(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"string_untouched", " a ", " a "},
		{"json_number_verbatim", json.Number("14.0"), "14.0"},
		{"float", 2.50, "2.5"},
		{"large_float", 1e21, "1000000000000000000000"},
		{"int", 7, "7"},
		{"int64", int64(-3), "-3"},
		{"bool", true, "true"},
		{"nested", map[string]any{"a": []any{1, "x"}}, `{"a":[1,"x"]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Text(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
