package admin

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
)

// ParseTargets turns "dataset" or "dataset=stage" arguments into targets.
// Without arguments every registered dataset is targeted at def.
func ParseTargets(args []string, def state.Stage, registry *schema.Registry) (map[string]state.Stage, error) {
	targets := make(map[string]state.Stage)
	if len(args) == 0 {
		for _, id := range registry.Datasets() {
			targets[id] = def
		}
		return targets, nil
	}
	for _, arg := range args {
		id, stageName, hasStage := strings.Cut(arg, "=")
		id = strings.ToLower(strings.TrimSpace(id))
		if _, err := registry.Lookup(id); err != nil {
			return nil, err
		}
		target := def
		if hasStage {
			var err error
			if target, err = state.ParseStage(stageName); err != nil {
				return nil, err
			}
		}
		targets[id] = target
	}
	return targets, nil
}

// Materialize runs the targets and prints one line per dataset.
func Materialize(ctx context.Context, orch *orchestrator.Orchestrator, targets map[string]state.Stage, force bool, out io.Writer) error {
	reports, err := orch.MaterializeAll(ctx, targets, orchestrator.Options{Force: force})
	PrintReports(out, reports)
	return err
}

func PrintReports(out io.Writer, reports map[string]*orchestrator.Report) {
	ids := make([]string, 0, len(reports))
	for id := range reports {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATASET\tTARGET\tFINAL\tRAN\tSKIPPED\tROWS\tREJECTED\tDURATION\tNOTE")
	for _, id := range ids {
		r := reports[id]
		var (
			ran      []string
			rows     int64
			rejected int64
			duration time.Duration
		)
		for _, sr := range r.Completed {
			ran = append(ran, sr.Stage.Zone())
			rows = sr.RowsOut
			rejected += sr.RowsRejected
			duration += sr.Duration
		}
		skipped := make([]string, len(r.Skipped))
		for i, s := range r.Skipped {
			skipped[i] = s.Zone()
		}
		note := ""
		switch {
		case r.FailedStage != nil:
			note = "failed at " + r.FailedStage.Zone()
		case r.PublishError != "":
			note = "publish failed: " + r.PublishError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			id, r.Target, r.Final, orDash(ran), orDash(skipped), rows, rejected, duration.Round(time.Millisecond), note)
	}
	_ = w.Flush()
}

func orDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}
