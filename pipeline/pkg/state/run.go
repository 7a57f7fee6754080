package state

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one attempt at producing a stage, kept in the run log.
type Run struct {
	RunID        string    `json:"run_id"`
	DatasetID    string    `json:"dataset_id"`
	Stage        Stage     `json:"stage"`
	Status       RunStatus `json:"status"`
	RowsIn       int64     `json:"rows_in"`
	RowsOut      int64     `json:"rows_out"`
	RowsRejected int64     `json:"rows_rejected"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Error        string    `json:"error,omitempty"`
}

// RecordRun appends r to the run log.
func RecordRun(ctx context.Context, tx store.Tx, r Run) error {
	row := store.Row{
		"run_id":        r.RunID,
		"dataset_id":    r.DatasetID,
		"stage":         r.Stage.String(),
		"stage_ordinal": int64(r.Stage),
		"status":        string(r.Status),
		"rows_in":       r.RowsIn,
		"rows_out":      r.RowsOut,
		"rows_rejected": r.RowsRejected,
		"started_at":    r.StartedAt.UTC(),
		"finished_at":   r.FinishedAt.UTC(),
		"error":         nullable(r.Error),
	}
	if err := tx.InsertMany(ctx, store.RunsTable, []store.Row{row}); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Runs returns the run log of a dataset, oldest first. Attempts started at
// the same instant are ordered by stage.
func Runs(ctx context.Context, tx store.Tx, datasetID string) ([]Run, error) {
	rows, err := tx.Query(ctx, store.RunsTable, store.Filter{
		Equals:  map[string]any{"dataset_id": datasetID},
		OrderBy: []string{"started_at", "stage_ordinal"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		stageName, _ := row["stage"].(string)
		stage, err := ParseStage(stageName)
		if err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		r := Run{Stage: stage}
		r.RunID, _ = row["run_id"].(string)
		r.DatasetID, _ = row["dataset_id"].(string)
		status, _ := row["status"].(string)
		r.Status = RunStatus(status)
		r.RowsIn, _ = row["rows_in"].(int64)
		r.RowsOut, _ = row["rows_out"].(int64)
		r.RowsRejected, _ = row["rows_rejected"].(int64)
		r.StartedAt, _ = row["started_at"].(time.Time)
		r.FinishedAt, _ = row["finished_at"].(time.Time)
		r.Error, _ = row["error"].(string)
		out = append(out, r)
	}
	return out, nil
}
