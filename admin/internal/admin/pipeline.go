package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/malbeclabs/medallion/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/medallion/pipeline/pkg/config"
	"github.com/malbeclabs/medallion/pipeline/pkg/gold"
	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
	"github.com/malbeclabs/medallion/pipeline/pkg/raw"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store/sqlstore"
)

// Pipeline bundles everything a command needs, built from the configuration.
type Pipeline struct {
	Registry     *schema.Registry
	RuleSets     map[string]*gold.RuleSet
	Store        *sqlstore.Store
	Orchestrator *orchestrator.Orchestrator

	clickhouse clickhouse.Client
}

// Open loads the schema definitions and rule sets, connects to the stores and
// migrates the system tables.
func Open(ctx context.Context, log *slog.Logger, cfg *config.Config) (*Pipeline, error) {
	registry := schema.NewRegistry(log)
	if err := registry.LoadDir(cfg.SchemaDir); err != nil {
		return nil, err
	}
	ruleSets, err := LoadRuleSets(cfg.RuleSetDir, registry)
	if err != nil {
		return nil, err
	}
	rawStore, err := newRawStore(ctx, log, cfg.Raw)
	if err != nil {
		return nil, err
	}

	st, err := sqlstore.Open(ctx, sqlstore.Config{
		Logger:  log,
		Dialect: cfg.Store.Dialect,
		DSN:     cfg.Store.DSN,
	})
	if err != nil {
		return nil, err
	}
	p := &Pipeline{Registry: registry, RuleSets: ruleSets, Store: st}
	if err := st.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}

	orchCfg := orchestrator.Config{
		Logger:         log,
		Registry:       registry,
		Raw:            rawStore,
		Store:          st,
		RuleSets:       ruleSets,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxRejectRatio: cfg.MaxRejectRatio,
	}
	if cfg.ClickHouse.Addr != "" {
		p.clickhouse, err = clickhouse.NewClient(ctx, clickhouse.ClientConfig{
			Logger:   log,
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
			Secure:   cfg.ClickHouse.Secure,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		publisher, err := clickhouse.NewPublisher(clickhouse.PublisherConfig{Logger: log, Client: p.clickhouse})
		if err != nil {
			p.Close()
			return nil, err
		}
		orchCfg.Publisher = publisher
	}

	p.Orchestrator, err = orchestrator.New(orchCfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) Close() error {
	var errs []error
	if p.clickhouse != nil {
		errs = append(errs, p.clickhouse.Close())
	}
	if p.Store != nil {
		errs = append(errs, p.Store.Close())
	}
	return errors.Join(errs...)
}

// LoadRuleSets reads <dir>/<dataset>.yaml (or .yml) for every registered
// dataset. Datasets without a file get no rule set.
func LoadRuleSets(dir string, registry *schema.Registry) (map[string]*gold.RuleSet, error) {
	ruleSets := make(map[string]*gold.RuleSet)
	if dir == "" {
		return ruleSets, nil
	}
	for _, id := range registry.Datasets() {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, id+ext)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				continue
			}
			rs, err := gold.LoadRuleSet(path)
			if err != nil {
				return nil, err
			}
			def, err := registry.Lookup(id)
			if err != nil {
				return nil, err
			}
			if err := gold.ValidateRuleSet(rs, def); err != nil {
				return nil, fmt.Errorf("invalid rule set for %s: %w", id, err)
			}
			ruleSets[id] = rs
			break
		}
	}
	return ruleSets, nil
}

func newRawStore(ctx context.Context, log *slog.Logger, cfg config.RawConfig) (raw.Store, error) {
	switch cfg.Backend {
	case "s3":
		return raw.NewS3Store(ctx, raw.S3StoreConfig{
			Logger:            log,
			Bucket:            cfg.Bucket,
			Prefix:            cfg.Prefix,
			Region:            cfg.Region,
			RecordsPath:       cfg.RecordsPath,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	default:
		return raw.NewDirStore(raw.DirStoreConfig{
			Logger:      log,
			Root:        cfg.Dir,
			RecordsPath: cfg.RecordsPath,
		})
	}
}
