package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
	"github.com/malbeclabs/medallion/utils/pkg/retry"
)

const stagingSuffix = "__staging"

type PublisherConfig struct {
	Logger *slog.Logger
	Client Client
	// Retry applies to the whole publication, which is safe to repeat.
	Retry retry.Config
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("client is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// Publisher copies Gold feature tables into ClickHouse. Each publication
// builds a staging table and swaps it with the live one, so readers see
// either the previous or the new feature set.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate publisher config: %w", err)
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

func (p *Publisher) Publish(ctx context.Context, table store.Table, rows []store.Row) error {
	if _, ok := table.Column(store.FeatureKeyColumn); !ok {
		return fmt.Errorf("table %s has no %s column", table.Name, store.FeatureKeyColumn)
	}
	liveDDL, err := TableDDL(table.Name, table)
	if err != nil {
		return err
	}
	staging := table.Name + stagingSuffix
	stagingDDL, err := TableDDL(staging, table)
	if err != nil {
		return err
	}
	values := make([][]any, len(rows))
	for i, row := range rows {
		values[i], err = RowValues(table, row)
		if err != nil {
			return fmt.Errorf("failed to convert row %d of %s: %w", i, table.Name, err)
		}
	}

	conn, err := p.cfg.Client.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	start := time.Now()
	retryCfg := p.cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error) {
		p.log.Warn("clickhouse: retrying publish", "table", table.Name, "attempt", attempt, "error", err)
	}
	err = retry.Do(ctx, retryCfg, func() error {
		if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(staging)); err != nil {
			return fmt.Errorf("failed to drop staging table: %w", err)
		}
		if err := conn.Exec(ctx, stagingDDL); err != nil {
			return fmt.Errorf("failed to create staging table: %w", err)
		}
		if err := writeBatch(ContextWithSyncInsert(ctx), conn, staging, values); err != nil {
			return err
		}
		if err := conn.Exec(ctx, liveDDL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
		if err := conn.Exec(ctx, fmt.Sprintf("EXCHANGE TABLES %s AND %s", quoteIdent(table.Name), quoteIdent(staging))); err != nil {
			return fmt.Errorf("failed to swap tables: %w", err)
		}
		if err := conn.Exec(ctx, "DROP TABLE IF EXISTS "+quoteIdent(staging)); err != nil {
			return fmt.Errorf("failed to drop previous table: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", table.Name, err)
	}

	p.log.Info("clickhouse: published feature table", "table", table.Name, "rows", len(rows), "duration", time.Since(start))
	return nil
}

func writeBatch(ctx context.Context, conn Connection, table string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}
	batch, err := conn.PrepareBatch(ctx, "INSERT INTO "+quoteIdent(table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer batch.Close() // Always release the connection back to the pool

	for i, row := range values {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
		default:
		}
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// TableDDL returns the CREATE TABLE statement of a feature table.
func TableDDL(name string, t store.Table) (string, error) {
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", name)
	}
	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		typ, err := ColumnType(c)
		if err != nil {
			return "", fmt.Errorf("column %s: %w", c.Name, err)
		}
		defs[i] = quoteIdent(c.Name) + " " + typ
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY %s",
		quoteIdent(name), strings.Join(defs, ", "), quoteIdent(store.FeatureKeyColumn)), nil
}

// ColumnType maps a column to its ClickHouse type.
func ColumnType(c store.Column) (string, error) {
	var typ string
	switch c.Type {
	case schema.TypeInteger:
		typ = "Int64"
	case schema.TypeNumeric:
		typ = "Float64"
	case schema.TypeText:
		typ = "String"
	case schema.TypeDatetime:
		typ = "DateTime64(3, 'UTC')"
	case schema.TypeBoolean:
		typ = "Bool"
	default:
		return "", fmt.Errorf("unsupported type %q", c.Type)
	}
	if c.Nullable {
		typ = "Nullable(" + typ + ")"
	}
	return typ, nil
}

// RowValues returns the values of row in table column order, checked against
// the column types.
func RowValues(t store.Table, row store.Row) ([]any, error) {
	out := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		v := row[c.Name]
		if v == nil {
			if !c.Nullable {
				return nil, fmt.Errorf("column %s is not nullable", c.Name)
			}
			continue
		}
		var ok bool
		switch c.Type {
		case schema.TypeInteger:
			_, ok = v.(int64)
		case schema.TypeNumeric:
			var f float64
			f, ok = v.(float64)
			ok = ok && !math.IsNaN(f) && !math.IsInf(f, 0)
		case schema.TypeText:
			_, ok = v.(string)
		case schema.TypeDatetime:
			var ts time.Time
			if ts, ok = v.(time.Time); ok {
				v = ts.UTC()
			}
		case schema.TypeBoolean:
			_, ok = v.(bool)
		}
		if !ok {
			return nil, fmt.Errorf("column %s: value %v (%T) does not match %s", c.Name, v, v, c.Type)
		}
		out[i] = v
	}
	return out, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
