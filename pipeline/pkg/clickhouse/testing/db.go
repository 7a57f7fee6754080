package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/medallion/pipeline/pkg/clickhouse"
	"github.com/malbeclabs/medallion/utils/pkg/retry"
	medalliontesting "github.com/malbeclabs/medallion/utils/pkg/testing"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// DB is a running ClickHouse test container.
type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the ClickHouse native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 750 * time.Millisecond,
		MaxBackoff:  3 * time.Second,
		Retryable:   isRetryableContainerStartErr,
	}, func() error {
		var err error
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// RequireDB starts a container for the test, skipping it in short mode or
// when no container runtime is reachable.
func RequireDB(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ClickHouse integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	db, err := NewDB(t.Context(), medalliontesting.NewLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

// NewTestClient creates a client on a fresh database that is dropped when
// the test ends.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	t.Helper()
	connect := func(database string) clickhouse.Client {
		var c clickhouse.Client
		// ClickHouse may need a moment after container start to accept connections.
		err := retry.Do(t.Context(), retry.Config{
			MaxAttempts: 3,
			BaseBackoff: 500 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
			Retryable:   isRetryableConnectionErr,
		}, func() error {
			var err error
			c, err = clickhouse.NewClient(t.Context(), clickhouse.ClientConfig{
				Logger:   db.log,
				Addr:     db.addr,
				Database: database,
				Username: db.cfg.Username,
				Password: db.cfg.Password,
			})
			return err
		})
		require.NoError(t, err)
		return c
	}

	admin := connect(db.cfg.Database)
	adminConn, err := admin.Conn(t.Context())
	require.NoError(t, err)

	database := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, adminConn.Exec(t.Context(), "CREATE DATABASE IF NOT EXISTS "+database))

	c := connect(database)
	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := adminConn.Exec(dropCtx, "DROP DATABASE IF EXISTS "+database); err != nil {
			db.log.Error("failed to drop test database", "database", database, "error", err)
		}
		c.Close()
		admin.Close()
	})
	return c
}

func isRetryableContainerStartErr(err error) bool {
	return retry.ContainsAny(err,
		"wait until ready",
		"mapped port",
		"timeout",
		"context deadline exceeded",
		"docker.sock",
	)
}

func isRetryableConnectionErr(err error) bool {
	return retry.ContainsAny(err,
		"handshake",
		"unexpected packet",
		"failed to ping",
		"connection refused",
		"connection reset",
		"timeout",
		"dial tcp",
	)
}
