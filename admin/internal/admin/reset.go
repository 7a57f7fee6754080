package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

type ResetConfig struct {
	DryRun      bool
	SkipConfirm bool
	// In is read for the confirmation when SkipConfirm is not set.
	In  io.Reader
	Out io.Writer
}

// Reset drops every zone table of the datasets and forgets their watermarks,
// so the next materialization starts from Raw.
func Reset(ctx context.Context, orch *orchestrator.Orchestrator, datasetIDs []string, cfg ResetConfig) error {
	statuses, err := orch.Status(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]orchestrator.DatasetStatus, len(statuses))
	for _, st := range statuses {
		byID[st.DatasetID] = st
	}

	var targets []orchestrator.DatasetStatus
	for _, id := range datasetIDs {
		st, ok := byID[id]
		if !ok {
			return fmt.Errorf("dataset %q is not registered", id)
		}
		if st.Stage == state.Unloaded {
			continue
		}
		targets = append(targets, st)
	}
	if len(targets) == 0 {
		fmt.Fprintln(cfg.Out, "Nothing to reset")
		return nil
	}

	fmt.Fprintf(cfg.Out, "WARNING: This will DROP the zone tables of %d dataset(s):\n\n", len(targets))
	for _, st := range targets {
		fmt.Fprintf(cfg.Out, "  - %s (%s, tables %s, %s, ...)\n", st.DatasetID, st.Stage,
			store.BronzeFactTable(st.DatasetID), store.SilverTable(st.DatasetID))
	}

	if cfg.DryRun {
		fmt.Fprintln(cfg.Out, "\n[DRY RUN] Would reset the above datasets")
		return nil
	}

	if !cfg.SkipConfirm {
		fmt.Fprintf(cfg.Out, "\nThis is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Fprintf(cfg.Out, "Type 'yes' to confirm: ")

		response, err := bufio.NewReader(cfg.In).ReadString('\n')
		if err != nil && response == "" {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Fprintf(cfg.Out, "\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Fprintln(cfg.Out)
	}

	for _, st := range targets {
		if err := orch.Reset(ctx, st.DatasetID); err != nil {
			return fmt.Errorf("failed to reset %s: %w", st.DatasetID, err)
		}
		fmt.Fprintf(cfg.Out, "  Reset %s\n", st.DatasetID)
	}
	return nil
}
