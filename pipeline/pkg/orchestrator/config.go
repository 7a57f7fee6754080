package orchestrator

import (
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/medallion/pipeline/pkg/gold"
	"github.com/malbeclabs/medallion/pipeline/pkg/raw"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

const defaultMaxConcurrency = 4

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Registry *schema.Registry
	Raw      raw.Store
	Store    store.Provider

	// RuleSets holds the rule set of each dataset, used when Materialize is
	// not given one.
	RuleSets map[string]*gold.RuleSet

	// Publisher receives every feature table after Gold commits. Optional.
	Publisher Publisher

	// MaxConcurrency bounds the datasets MaterializeAll runs at once.
	MaxConcurrency int
	// MaxRejectRatio applies to datasets whose schema does not set one.
	MaxRejectRatio float64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Raw == nil {
		return errors.New("raw store is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.MaxRejectRatio < 0 || cfg.MaxRejectRatio > 1 {
		return errors.New("max reject ratio must be within [0, 1]")
	}
	if cfg.MaxConcurrency < 0 {
		return errors.New("max concurrency must not be negative")
	}

	// Optional with defaults
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	return nil
}
