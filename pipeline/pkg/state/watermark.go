package state

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// Watermark is the persisted progress of one dataset. It is written in the
// same transaction as the stage output it describes.
type Watermark struct {
	DatasetID      string    `json:"dataset_id"`
	Stage          Stage     `json:"stage"`
	SchemaVersion  string    `json:"schema_version,omitempty"`
	RuleSetVersion string    `json:"ruleset_version,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	// GoldTables lists every feature table produced since the dataset was
	// last reset, so Reset can drop tables of rule sets that are no longer
	// configured.
	GoldTables []string `json:"gold_tables,omitempty"`
}

// WithGoldTable returns a copy of tables that includes name.
func WithGoldTable(tables []string, name string) []string {
	if slices.Contains(tables, name) {
		return slices.Clone(tables)
	}
	out := append(slices.Clone(tables), name)
	slices.Sort(out)
	return out
}

// Load returns the watermark of a dataset, or an Unloaded watermark when
// none was saved.
func Load(ctx context.Context, tx store.Tx, datasetID string) (Watermark, error) {
	rows, err := tx.Query(ctx, store.WatermarksTable, store.Filter{
		Equals: map[string]any{"dataset_id": datasetID},
	})
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to load watermark: %w", err)
	}
	if len(rows) == 0 {
		return Watermark{DatasetID: datasetID, Stage: Unloaded}, nil
	}
	if len(rows) > 1 {
		return Watermark{}, fmt.Errorf("dataset %s has %d watermarks", datasetID, len(rows))
	}
	return fromRow(rows[0])
}

// LoadAll returns every saved watermark ordered by dataset id.
func LoadAll(ctx context.Context, tx store.Tx) ([]Watermark, error) {
	rows, err := tx.Query(ctx, store.WatermarksTable, store.Filter{OrderBy: []string{"dataset_id"}})
	if err != nil {
		return nil, fmt.Errorf("failed to load watermarks: %w", err)
	}
	out := make([]Watermark, 0, len(rows))
	for _, r := range rows {
		wm, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, wm)
	}
	return out, nil
}

// Save replaces the watermark of wm.DatasetID.
func Save(ctx context.Context, tx store.Tx, wm Watermark) error {
	if !wm.Stage.Valid() {
		return fmt.Errorf("invalid stage %v", wm.Stage)
	}
	if err := Delete(ctx, tx, wm.DatasetID); err != nil {
		return err
	}
	row := store.Row{
		"dataset_id":      wm.DatasetID,
		"stage":           wm.Stage.String(),
		"schema_version":  nullable(wm.SchemaVersion),
		"ruleset_version": nullable(wm.RuleSetVersion),
		"run_id":          nullable(wm.RunID),
		"updated_at":      wm.UpdatedAt.UTC(),
		"gold_tables":     nullable(strings.Join(wm.GoldTables, ",")),
	}
	if err := tx.InsertMany(ctx, store.WatermarksTable, []store.Row{row}); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}
	return nil
}

// Delete removes the watermark of a dataset.
func Delete(ctx context.Context, tx store.Tx, datasetID string) error {
	err := tx.Delete(ctx, store.WatermarksTable, store.Filter{
		Equals: map[string]any{"dataset_id": datasetID},
	})
	if err != nil {
		return fmt.Errorf("failed to delete watermark: %w", err)
	}
	return nil
}

func fromRow(r store.Row) (Watermark, error) {
	stageName, _ := r["stage"].(string)
	stage, err := ParseStage(stageName)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to decode watermark: %w", err)
	}
	wm := Watermark{Stage: stage}
	wm.DatasetID, _ = r["dataset_id"].(string)
	wm.SchemaVersion, _ = r["schema_version"].(string)
	wm.RuleSetVersion, _ = r["ruleset_version"].(string)
	wm.RunID, _ = r["run_id"].(string)
	wm.UpdatedAt, _ = r["updated_at"].(time.Time)
	if tables, _ := r["gold_tables"].(string); tables != "" {
		wm.GoldTables = strings.Split(tables, ",")
	}
	return wm, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
