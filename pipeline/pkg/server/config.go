package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// StatusSource reports dataset watermarks and run logs.
type StatusSource interface {
	Status(ctx context.Context) ([]orchestrator.DatasetStatus, error)
	DatasetStatus(ctx context.Context, datasetID string) (*orchestrator.DatasetStatus, error)
	Runs(ctx context.Context, datasetID string) ([]state.Run, error)
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo
	Status            StatusSource

	// AllowedOrigins lists the CORS origins of dashboards reading the status
	// endpoints. Defaults to any origin.
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Status == nil {
		return errors.New("status source is required")
	}

	// Optional with defaults
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}
