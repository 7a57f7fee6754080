// Package sqlstore implements store.Provider on database/sql, backed by
// SQLite (mattn/go-sqlite3) or PostgreSQL (pgx).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	_ "github.com/mattn/go-sqlite3"   // Register sqlite3 driver with database/sql

	"github.com/malbeclabs/medallion/pipeline/pkg/store"
	"github.com/malbeclabs/medallion/utils/pkg/retry"
)

type Config struct {
	Logger  *slog.Logger
	Dialect string
	// DSN is passed to the driver. For SQLite it is a file path or ":memory:".
	DSN string
	// DB is used instead of opening DSN when set. The store does not own it
	// unless OwnDB is set.
	DB    *sql.DB
	OwnDB bool

	// ConnectRetry controls how Open waits for the database to accept
	// connections.
	ConnectRetry retry.Config
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if _, err := dialectFor(cfg.Dialect); err != nil {
		return err
	}
	if cfg.DB == nil && cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.ConnectRetry.MaxAttempts == 0 {
		cfg.ConnectRetry = retry.DefaultConfig()
	}
	return nil
}

type Store struct {
	log     *slog.Logger
	db      *sql.DB
	dialect dialect
	ownDB   bool
}

// Open connects to the configured database and waits until it answers a
// ping. Migrate must be called before the system tables are used.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate sqlstore config: %w", err)
	}
	d, _ := dialectFor(cfg.Dialect)

	db, own := cfg.DB, cfg.OwnDB
	if db == nil {
		var err error
		db, err = sql.Open(d.driver(), cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", d.name(), err)
		}
		own = true
		if d.name() == DialectSQLite {
			// SQLite allows a single writer; sharing one connection also
			// keeps ":memory:" databases alive across transactions.
			db.SetMaxOpenConns(1)
			db.SetConnMaxIdleTime(0)
			db.SetConnMaxLifetime(0)
		} else {
			db.SetMaxOpenConns(10)
			db.SetConnMaxIdleTime(5 * time.Minute)
		}
	}

	err := retry.Do(ctx, cfg.ConnectRetry, func() error {
		return db.PingContext(ctx)
	})
	if err != nil {
		if own {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to ping %s database: %w", d.name(), err)
	}

	cfg.Logger.Debug("sqlstore: connected", "dialect", d.name())
	return &Store{
		log:     cfg.Logger,
		db:      db,
		dialect: d,
		ownDB:   own,
	}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() string {
	return s.dialect.name()
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &tx{tx: sqlTx, dialect: s.dialect, log: s.log}, nil
}

func (s *Store) Close() error {
	if !s.ownDB {
		return nil
	}
	return s.db.Close()
}
