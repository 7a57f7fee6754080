package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. MEDALLION_STORE_DSN.
const Prefix = "MEDALLION"

type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	// SchemaDir holds one schema definition document per dataset.
	SchemaDir string `envconfig:"SCHEMA_DIR" default:"schemas" validate:"required"`
	// RuleSetDir holds <dataset>.yaml rule sets. Datasets without one can
	// only be materialized up to Silver.
	RuleSetDir string `envconfig:"RULESET_DIR"`

	MaxConcurrency int     `envconfig:"MAX_CONCURRENCY" default:"4" validate:"gte=1"`
	MaxRejectRatio float64 `envconfig:"MAX_REJECT_RATIO" default:"1" validate:"gte=0,lte=1"`

	Store      StoreConfig      `envconfig:"STORE"`
	Raw        RawConfig        `envconfig:"RAW"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Server     ServerConfig     `envconfig:"SERVER"`
}

type StoreConfig struct {
	Dialect string `envconfig:"DIALECT" default:"sqlite" validate:"oneof=sqlite postgres"`
	DSN     string `envconfig:"DSN" default:"medallion.db" validate:"required"`
}

type RawConfig struct {
	Backend string `envconfig:"BACKEND" default:"dir" validate:"oneof=dir s3"`
	Dir     string `envconfig:"DIR" default:"raw" validate:"required_if=Backend dir"`

	Bucket            string  `envconfig:"S3_BUCKET" validate:"required_if=Backend s3"`
	Prefix            string  `envconfig:"S3_PREFIX"`
	Region            string  `envconfig:"S3_REGION"`
	RequestsPerSecond float64 `envconfig:"S3_REQUESTS_PER_SECOND" validate:"gte=0"`

	// RecordsPath is the dotted path of the record array in JSON documents.
	RecordsPath string `envconfig:"RECORDS_PATH"`
}

// ClickHouseConfig enables publishing Gold tables when Addr is set.
type ClickHouseConfig struct {
	Addr     string `envconfig:"ADDR_TCP" validate:"omitempty,hostname_port"`
	Database string `envconfig:"DATABASE" default:"default"`
	Username string `envconfig:"USERNAME" default:"default"`
	Password string `envconfig:"PASSWORD"`
	Secure   bool   `envconfig:"SECURE"`
}

type ServerConfig struct {
	ListenAddr      string        `envconfig:"LISTEN_ADDR" default:":8080" validate:"required"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s" validate:"gt=0"`
	AllowedOrigins  []string      `envconfig:"ALLOWED_ORIGINS"`
}

// Load reads the configuration from MEDALLION_* environment variables and
// validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.LogLevel = strings.ToLower(c.LogLevel)
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Usage lists the recognised environment variables.
func Usage() string {
	var b strings.Builder
	_ = envconfig.Usagef(Prefix, &Config{}, &b, "{{range .}}  {{usage_key .}}\t{{usage_default .}}\n{{end}}")
	return b.String()
}
