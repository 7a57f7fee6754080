package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// DatasetStatus is the watermark of a registered dataset. Stale is set when
// the registered schema no longer matches the one the watermark was built
// with, so the next materialization rebuilds from Bronze.
type DatasetStatus struct {
	state.Watermark
	CurrentSchemaVersion string `json:"current_schema_version"`
	Stale                bool   `json:"stale"`
}

// Status returns the status of every registered dataset, ordered by id.
// Datasets that were never materialized are reported as Unloaded.
func (o *Orchestrator) Status(ctx context.Context) ([]DatasetStatus, error) {
	var saved []state.Watermark
	err := store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		var err error
		saved, err = state.LoadAll(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read watermarks: %w", err)
	}
	byID := make(map[string]state.Watermark, len(saved))
	for _, wm := range saved {
		byID[wm.DatasetID] = wm
	}

	ids := o.cfg.Registry.Datasets()
	out := make([]DatasetStatus, 0, len(ids))
	for _, id := range ids {
		wm, ok := byID[id]
		if !ok {
			wm = state.Watermark{DatasetID: id, Stage: state.Unloaded}
		}
		version, err := o.cfg.Registry.Version(id)
		if err != nil {
			return nil, err
		}
		out = append(out, DatasetStatus{
			Watermark:            wm,
			CurrentSchemaVersion: version,
			Stale:                wm.Stage > state.Unloaded && wm.SchemaVersion != version,
		})
	}
	return out, nil
}

// DatasetStatus returns the status of one registered dataset.
func (o *Orchestrator) DatasetStatus(ctx context.Context, datasetID string) (*DatasetStatus, error) {
	version, err := o.cfg.Registry.Version(datasetID)
	if err != nil {
		return nil, err
	}
	var wm state.Watermark
	err = store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		wm, err = state.Load(ctx, tx, datasetID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark of %s: %w", datasetID, err)
	}
	return &DatasetStatus{
		Watermark:            wm,
		CurrentSchemaVersion: version,
		Stale:                wm.Stage > state.Unloaded && wm.SchemaVersion != version,
	}, nil
}

// Runs returns the run log of a registered dataset, oldest first.
func (o *Orchestrator) Runs(ctx context.Context, datasetID string) ([]state.Run, error) {
	if _, err := o.cfg.Registry.Lookup(datasetID); err != nil {
		return nil, err
	}
	var runs []state.Run
	err := store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		var err error
		runs, err = state.Runs(ctx, tx, datasetID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// MaterializeAll materializes independent datasets concurrently, at most
// MaxConcurrency at a time. Each dataset uses its configured rule set;
// opts.RuleSet is ignored. Cancelling ctx stops datasets that have not
// started yet. Every report is returned, along with the failures joined in
// dataset order.
func (o *Orchestrator) MaterializeAll(ctx context.Context, targets map[string]state.Stage, opts Options) (map[string]*Report, error) {
	opts.RuleSet = nil

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var (
		mu       sync.Mutex
		reports  = make(map[string]*Report, len(ids))
		failures = make(map[string]error)
	)
	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			var report *Report
			err := ctx.Err()
			if err == nil {
				report, err = o.Materialize(ctx, id, targets[id], opts)
			}
			mu.Lock()
			defer mu.Unlock()
			if report != nil {
				reports[id] = report
			}
			if err != nil {
				failures[id] = fmt.Errorf("%s: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	var errList []error
	for _, id := range ids {
		if err, ok := failures[id]; ok {
			errList = append(errList, err)
		}
	}
	if len(errList) > 0 {
		o.log.Warn("orchestrator: some datasets failed", "failed", len(errList), "total", len(ids))
	}
	return reports, errors.Join(errList...)
}
