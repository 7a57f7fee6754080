package bronze

import (
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// FactTable is the Bronze landing table of the fact source. Declared columns
// hold the raw values as text.
func FactTable(def *schema.Definition) store.Table {
	t := store.Table{Name: store.BronzeFactTable(def.Dataset)}
	t.Columns = append(t.Columns, store.Column{Name: store.RowIDColumn, Type: schema.TypeInteger})
	t.Columns = append(t.Columns, textColumns(def.Fact.Columns)...)
	t.Columns = append(t.Columns, store.Column{Name: store.SourceColumn, Type: schema.TypeText})
	return t
}

// DimensionTable is the Bronze landing table of one dimension. The key
// column is never null.
func DimensionTable(def *schema.Definition, dim *schema.Table) store.Table {
	t := store.Table{Name: store.BronzeDimensionTable(def.Dataset, dim.Name)}
	t.Columns = textColumns(dim.Columns)
	for i := range t.Columns {
		if t.Columns[i].Name == dim.Key {
			t.Columns[i].Nullable = false
		}
	}
	t.Columns = append(t.Columns, store.Column{Name: store.SourceColumn, Type: schema.TypeText})
	return t
}

// Tables returns every Bronze table of the dataset, fact first.
func Tables(def *schema.Definition) []store.Table {
	tables := []store.Table{FactTable(def)}
	for i := range def.Dimensions {
		tables = append(tables, DimensionTable(def, &def.Dimensions[i]))
	}
	return tables
}

func textColumns(cols []schema.Column) []store.Column {
	out := make([]store.Column, len(cols))
	for i, c := range cols {
		out[i] = store.Column{Name: c.Name, Type: schema.TypeText, Nullable: true}
	}
	return out
}
