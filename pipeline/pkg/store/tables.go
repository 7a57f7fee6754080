package store

import (
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
)

// Bookkeeping columns added to Bronze tables.
const (
	RowIDColumn  = "_row_id"
	SourceColumn = "_source"
)

// FeatureKeyColumn is the surrogate key column of Gold feature tables.
const FeatureKeyColumn = "feature_key"

// Zone table names separate the dataset id from the rest with "__". Dataset
// ids and rule set names never contain "__", so names of different datasets
// cannot collide.
const nameSeparator = "__"

func BronzeFactTable(dataset string) string { return "bronze_" + dataset + nameSeparator + "fact" }

func BronzeDimensionTable(dataset, dimension string) string {
	return "bronze_" + dataset + nameSeparator + "dim_" + dimension
}

func SilverTable(dataset string) string { return "silver_" + dataset }

func GoldTable(dataset, ruleSet string) string { return "gold_" + dataset + nameSeparator + ruleSet }

// System tables, created by Provider.Migrate.
var (
	WatermarksTable = Table{
		Name: "medallion_watermarks",
		Columns: []Column{
			{Name: "dataset_id", Type: schema.TypeText},
			{Name: "stage", Type: schema.TypeText},
			{Name: "schema_version", Type: schema.TypeText, Nullable: true},
			{Name: "ruleset_version", Type: schema.TypeText, Nullable: true},
			{Name: "run_id", Type: schema.TypeText, Nullable: true},
			{Name: "updated_at", Type: schema.TypeDatetime},
			{Name: "gold_tables", Type: schema.TypeText, Nullable: true},
		},
	}

	RunsTable = Table{
		Name: "medallion_runs",
		Columns: []Column{
			{Name: "run_id", Type: schema.TypeText},
			{Name: "dataset_id", Type: schema.TypeText},
			{Name: "stage", Type: schema.TypeText},
			{Name: "stage_ordinal", Type: schema.TypeInteger},
			{Name: "status", Type: schema.TypeText},
			{Name: "rows_in", Type: schema.TypeInteger},
			{Name: "rows_out", Type: schema.TypeInteger},
			{Name: "rows_rejected", Type: schema.TypeInteger},
			{Name: "started_at", Type: schema.TypeDatetime},
			{Name: "finished_at", Type: schema.TypeDatetime},
			{Name: "error", Type: schema.TypeText, Nullable: true},
		},
	}
)

// SystemTables lists the tables Migrate creates.
var SystemTables = []Table{WatermarksTable, RunsTable}
