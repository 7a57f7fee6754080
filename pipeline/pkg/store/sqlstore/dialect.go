package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
)

// Dialect names accepted by Config.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// dialect captures the differences between the supported databases.
type dialect interface {
	name() string
	driver() string
	goose() goose.Dialect
	placeholder(n int) string
	columnType(t schema.Type) string
	encode(t schema.Type, v any) any
	// maxParams bounds the bind parameters of a single statement.
	maxParams() int
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case DialectSQLite, "sqlite3":
		return sqliteDialect{}, nil
	case DialectPostgres, "postgresql", "pgx":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported dialect %q", name)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return DialectSQLite }
func (sqliteDialect) driver() string { return "sqlite3" }
func (sqliteDialect) goose() goose.Dialect { return goose.DialectSQLite3 }
func (sqliteDialect) placeholder(int) string { return "?" }
func (sqliteDialect) maxParams() int { return 999 }

func (sqliteDialect) columnType(t schema.Type) string {
	switch t {
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeNumeric:
		return "REAL"
	}
	// DATETIME is kept as RFC 3339 text so the driver never reinterprets it.
	return "TEXT"
}

func (sqliteDialect) encode(_ schema.Type, v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	}
	return v
}

type postgresDialect struct{}

func (postgresDialect) name() string { return DialectPostgres }
func (postgresDialect) driver() string { return "pgx" }
func (postgresDialect) goose() goose.Dialect { return goose.DialectPostgres }
func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (postgresDialect) maxParams() int { return 65535 }

func (postgresDialect) columnType(t schema.Type) string {
	switch t {
	case schema.TypeInteger:
		return "BIGINT"
	case schema.TypeNumeric:
		return "DOUBLE PRECISION"
	case schema.TypeDatetime:
		return "TIMESTAMPTZ"
	case schema.TypeBoolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (postgresDialect) encode(_ schema.Type, v any) any {
	if x, ok := v.(time.Time); ok {
		return x.UTC()
	}
	return v
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
