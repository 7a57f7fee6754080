// Package orchestrator walks datasets through the Bronze, Silver and Gold
// stages, one transaction per stage, and keeps their watermarks.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/medallion/pipeline/pkg/bronze"
	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/gold"
	"github.com/malbeclabs/medallion/pipeline/pkg/metrics"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/silver"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// Publisher exports a committed feature table to a downstream store.
type Publisher interface {
	Publish(ctx context.Context, table store.Table, rows []store.Row) error
}

type Options struct {
	// Force rebuilds every stage from Bronze, resetting the Bronze tables.
	Force bool
	// RuleSet overrides the configured rule set of the dataset.
	RuleSet *gold.RuleSet
}

// StageReport describes one completed stage.
type StageReport struct {
	Stage        state.Stage   `json:"stage"`
	RowsIn       int64         `json:"rows_in"`
	RowsOut      int64         `json:"rows_out"`
	RowsRejected int64         `json:"rows_rejected"`
	Duration     time.Duration `json:"duration"`
}

type Report struct {
	DatasetID string      `json:"dataset_id"`
	RunID     string      `json:"run_id"`
	Target    state.Stage `json:"target"`
	// Start is the stage the run started from after applying force and
	// version changes.
	Start     state.Stage   `json:"start"`
	Final     state.Stage   `json:"final"`
	Completed []StageReport `json:"completed,omitempty"`
	Skipped   []state.Stage `json:"skipped,omitempty"`
	// FailedStage is set when a stage failed; the watermark stays at Final.
	FailedStage *state.Stage `json:"failed_stage,omitempty"`
	// PublishError is set when the feature table could not be published.
	// Gold is committed regardless.
	PublishError string `json:"publish_error,omitempty"`

	Bronze *bronze.Result `json:"-"`
	Silver *silver.Result `json:"-"`
	Gold   *gold.Result   `json:"-"`
}

type Orchestrator struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	running map[lockKey]bool
}

type lockKey struct {
	dataset string
	stage   state.Stage
}

func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate orchestrator config: %w", err)
	}
	return &Orchestrator{
		log:     cfg.Logger,
		cfg:     cfg,
		running: make(map[lockKey]bool),
	}, nil
}

// Materialize brings a dataset up to target.
//
// Stages already complete are skipped. A schema version different from the
// one recorded in the watermark implies force; a changed rule set version
// re-runs Gold only. Each stage commits its output together with the
// watermark, and the first failing stage ends the run. Every stage checks
// the watermark again inside its own transaction, so a run that planned from
// an outdated watermark skips stages another run has since completed.
// Cancelling ctx never interrupts a stage in progress.
func (o *Orchestrator) Materialize(ctx context.Context, datasetID string, target state.Stage, opts Options) (*Report, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("invalid target stage %v", target)
	}
	def, err := o.cfg.Registry.Lookup(datasetID)
	if err != nil {
		return nil, err
	}
	version, err := o.cfg.Registry.Version(datasetID)
	if err != nil {
		return nil, err
	}

	rs := opts.RuleSet
	if rs == nil {
		rs = o.cfg.RuleSets[datasetID]
	}
	if target >= state.GoldReady {
		if rs == nil {
			return nil, &errs.InvalidRuleError{Detail: fmt.Sprintf("no rule set configured for dataset %q", datasetID)}
		}
		if err := gold.ValidateRuleSet(rs, def); err != nil {
			return nil, err
		}
	}

	var wm state.Watermark
	err = store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		wm, err = state.Load(ctx, tx, datasetID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read watermark of %s: %w", datasetID, err)
	}

	report := &Report{
		DatasetID: datasetID,
		RunID:     uuid.NewString(),
		Target:    target,
		Final:     wm.Stage,
	}

	start := wm.Stage
	switch {
	case opts.Force:
		start = state.Unloaded
	case wm.Stage > state.Unloaded && wm.SchemaVersion != version:
		o.log.Info("orchestrator: schema changed, rebuilding dataset", "dataset", datasetID, "previous_version", wm.SchemaVersion, "version", version)
		start = state.Unloaded
	case target >= state.GoldReady && wm.Stage >= state.GoldReady && wm.RuleSetVersion != rs.Version():
		o.log.Info("orchestrator: rule set changed, rebuilding gold", "dataset", datasetID, "rule_set", rs.Name)
		start = state.SilverReady
	}
	report.Start = start
	for s := state.BronzeReady; s <= min(start, target); s++ {
		report.Skipped = append(report.Skipped, s)
	}

	force := opts.Force
	for stage, ok := state.Next(start, target); ok; stage, ok = state.Next(stage, target) {
		sr, err := o.runStage(ctx, def, version, stage, rs, force, report)
		if err != nil {
			report.FailedStage = &stage
			return report, fmt.Errorf("failed to materialize %s for dataset %s: %w", stage, datasetID, err)
		}
		force = false
		if sr == nil {
			report.Skipped = append(report.Skipped, stage)
			continue
		}
		report.Completed = append(report.Completed, *sr)
		report.Final = stage
	}

	if report.Gold != nil && o.cfg.Publisher != nil {
		if err := o.publish(ctx, def, rs); err != nil {
			report.PublishError = err.Error()
			metrics.PublishTotal.WithLabelValues(datasetID, "error").Inc()
			o.log.Error("orchestrator: failed to publish feature table", "dataset", datasetID, "rule_set", rs.Name, "error", err)
		} else {
			metrics.PublishTotal.WithLabelValues(datasetID, "success").Inc()
		}
	}

	o.log.Info("orchestrator: materialized dataset",
		"dataset", datasetID,
		"run_id", report.RunID,
		"target", target,
		"start", report.Start,
		"completed", len(report.Completed),
		"skipped", len(report.Skipped),
	)
	return report, nil
}

// runStage produces one stage and its watermark in a single transaction,
// then appends the attempt to the run log. It returns a nil report when the
// watermark read inside the transaction shows the stage is already complete
// and nothing forces it to run again.
func (o *Orchestrator) runStage(ctx context.Context, def *schema.Definition, version string, stage state.Stage, rs *gold.RuleSet, force bool, report *Report) (*StageReport, error) {
	key := lockKey{dataset: def.Dataset, stage: stage}
	if !o.tryLock(key) {
		return nil, &errs.AlreadyInProgressError{Dataset: def.Dataset, Stage: stage.String()}
	}
	defer o.unlock(key)

	// Stages run to completion once started.
	stageCtx := context.WithoutCancel(ctx)
	startedAt := o.cfg.Clock.Now()
	sr := &StageReport{Stage: stage}
	complete := false

	err := store.WithTx(stageCtx, o.cfg.Store, func(tx store.Tx) error {
		wm, err := state.Load(stageCtx, tx, def.Dataset)
		if err != nil {
			return err
		}

		reset := stage == state.BronzeReady &&
			(force || (wm.Stage > state.Unloaded && wm.SchemaVersion != version))
		rebuildGold := stage == state.GoldReady && wm.RuleSetVersion != rs.Version()
		if wm.Stage >= stage && !reset && !rebuildGold {
			complete = true
			report.Final = max(report.Final, wm.Stage)
			return nil
		}

		switch stage {
		case state.BronzeReady:
			records, err := o.cfg.Raw.Fetch(stageCtx, def.Dataset)
			if err != nil {
				return err
			}
			res, err := bronze.Load(stageCtx, tx, def, records, bronze.Options{Logger: o.log, Reset: reset})
			if err != nil {
				return err
			}
			report.Bronze = res
			sr.RowsIn, sr.RowsOut = res.Records, res.FactRows
		case state.SilverReady:
			res, err := silver.Transform(stageCtx, tx, def, wm, silver.Options{Logger: o.log, MaxRejectRatio: o.cfg.MaxRejectRatio})
			if err != nil {
				return err
			}
			report.Silver = res
			sr.RowsIn, sr.RowsOut, sr.RowsRejected = res.InputRows, res.OutputRows, res.Rejected
		case state.GoldReady:
			res, err := gold.Aggregate(stageCtx, tx, def, wm, rs, gold.Options{Logger: o.log})
			if err != nil {
				return err
			}
			report.Gold = res
			sr.RowsIn, sr.RowsOut = res.InputRows, res.OutputRows
		default:
			return fmt.Errorf("no transition produces %s", stage)
		}

		next := state.Watermark{
			DatasetID:     def.Dataset,
			Stage:         stage,
			SchemaVersion: version,
			RunID:         report.RunID,
			UpdatedAt:     o.cfg.Clock.Now(),
			GoldTables:    wm.GoldTables,
		}
		if stage == state.GoldReady {
			next.RuleSetVersion = rs.Version()
			next.GoldTables = state.WithGoldTable(wm.GoldTables, store.GoldTable(def.Dataset, rs.Name))
		}
		return state.Save(stageCtx, tx, next)
	})
	if err == nil && complete {
		o.log.Debug("orchestrator: stage already complete", "dataset", def.Dataset, "stage", stage, "run_id", report.RunID)
		return nil, nil
	}

	finishedAt := o.cfg.Clock.Now()
	sr.Duration = finishedAt.Sub(startedAt)
	o.recordRun(stageCtx, def.Dataset, stage, report.RunID, sr, startedAt, finishedAt, err)
	if err != nil {
		return nil, err
	}
	return sr, nil
}

func (o *Orchestrator) recordRun(ctx context.Context, datasetID string, stage state.Stage, runID string, sr *StageReport, startedAt, finishedAt time.Time, stageErr error) {
	run := state.Run{
		RunID:        runID,
		DatasetID:    datasetID,
		Stage:        stage,
		Status:       state.RunSucceeded,
		RowsIn:       sr.RowsIn,
		RowsOut:      sr.RowsOut,
		RowsRejected: sr.RowsRejected,
		StartedAt:    startedAt,
		FinishedAt:   finishedAt,
	}
	if stageErr != nil {
		run.Status = state.RunFailed
		run.Error = stageErr.Error()
	}

	zone := stage.Zone()
	metrics.StageRunsTotal.WithLabelValues(datasetID, zone, string(run.Status)).Inc()
	metrics.StageRunDuration.WithLabelValues(datasetID, zone).Observe(sr.Duration.Seconds())
	if stageErr == nil {
		metrics.StageRows.WithLabelValues(datasetID, zone, "in").Add(float64(sr.RowsIn))
		metrics.StageRows.WithLabelValues(datasetID, zone, "out").Add(float64(sr.RowsOut))
		metrics.StageRows.WithLabelValues(datasetID, zone, "rejected").Add(float64(sr.RowsRejected))
		metrics.Watermark.WithLabelValues(datasetID).Set(float64(stage))
	}

	if stageErr != nil {
		o.log.Error("orchestrator: stage failed", "dataset", datasetID, "stage", stage, "run_id", runID, "error", stageErr)
	} else {
		o.log.Debug("orchestrator: stage completed", "dataset", datasetID, "stage", stage, "run_id", runID, "duration", sr.Duration)
	}

	err := store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		return state.RecordRun(ctx, tx, run)
	})
	if err != nil {
		o.log.Warn("orchestrator: failed to record run", "dataset", datasetID, "stage", stage, "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, def *schema.Definition, rs *gold.RuleSet) error {
	t := gold.Table(def, rs)
	var rows []store.Row
	err := store.WithTx(ctx, o.cfg.Store, func(tx store.Tx) error {
		var err error
		rows, err = tx.Query(ctx, t, store.Filter{OrderBy: []string{store.FeatureKeyColumn}})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	return o.cfg.Publisher.Publish(ctx, t, rows)
}

func (o *Orchestrator) tryLock(key lockKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[key] {
		return false
	}
	o.running[key] = true
	return true
}

func (o *Orchestrator) unlock(key lockKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, key)
}

// Reset drops every zone table of a dataset and its watermark in one
// transaction. Gold tables of every rule set materialized since the last
// reset are dropped, along with the one of the configured rule set. The next
// materialization starts from raw.
func (o *Orchestrator) Reset(ctx context.Context, datasetID string) error {
	def, err := o.cfg.Registry.Lookup(datasetID)
	if err != nil {
		return err
	}
	var held []lockKey
	defer func() {
		for _, k := range held {
			o.unlock(k)
		}
	}()
	for s := state.BronzeReady; s <= state.GoldReady; s++ {
		key := lockKey{dataset: datasetID, stage: s}
		if !o.tryLock(key) {
			return &errs.AlreadyInProgressError{Dataset: datasetID, Stage: s.String()}
		}
		held = append(held, key)
	}

	tables := []string{store.SilverTable(datasetID)}
	for _, t := range bronze.Tables(def) {
		tables = append(tables, t.Name)
	}

	txCtx := context.WithoutCancel(ctx)
	err = store.WithTx(txCtx, o.cfg.Store, func(tx store.Tx) error {
		wm, err := state.Load(txCtx, tx, datasetID)
		if err != nil {
			return err
		}
		goldTables := wm.GoldTables
		if rs := o.cfg.RuleSets[datasetID]; rs != nil {
			goldTables = state.WithGoldTable(goldTables, store.GoldTable(datasetID, rs.Name))
		}
		tables = append(tables, goldTables...)

		for _, name := range tables {
			if err := tx.DropTable(txCtx, name); err != nil {
				return fmt.Errorf("failed to drop %s: %w", name, err)
			}
		}
		return state.Delete(txCtx, tx, datasetID)
	})
	if err != nil {
		return fmt.Errorf("failed to reset dataset %s: %w", datasetID, err)
	}
	metrics.Watermark.WithLabelValues(datasetID).Set(float64(state.Unloaded))
	o.log.Info("orchestrator: reset dataset", "dataset", datasetID, "tables", len(tables))
	return nil
}
