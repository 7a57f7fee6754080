package admin

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
)

// Status prints the watermark of every registered dataset, and the run log
// of datasetID when it is set.
func Status(ctx context.Context, orch *orchestrator.Orchestrator, datasetID string, out io.Writer) error {
	if datasetID != "" {
		return printRuns(ctx, orch, datasetID, out)
	}
	statuses, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tSTAGE\tSCHEMA\tRULESET\tUPDATED\tSTALE")
	for _, st := range statuses {
		updated := "-"
		if !st.UpdatedAt.IsZero() {
			updated = st.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			st.DatasetID, st.Stage, short(st.CurrentSchemaVersion), short(st.RuleSetVersion), updated, st.Stale)
	}
	return w.Flush()
}

func printRuns(ctx context.Context, orch *orchestrator.Orchestrator, datasetID string, out io.Writer) error {
	runs, err := orch.Runs(ctx, datasetID)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded for %s\n", datasetID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTAGE\tSTATUS\tIN\tOUT\tREJECTED\tSTARTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			short(r.RunID), r.Stage, r.Status, r.RowsIn, r.RowsOut, r.RowsRejected,
			r.StartedAt.UTC().Format(time.RFC3339), r.Error)
	}
	return w.Flush()
}

func short(version string) string {
	if version == "" {
		return "-"
	}
	if len(version) > 12 {
		return version[:12]
	}
	return version
}
