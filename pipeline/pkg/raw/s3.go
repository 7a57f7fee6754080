package raw

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
)

// s3API is the subset of the S3 client used by S3Store.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3StoreConfig struct {
	Logger *slog.Logger
	Bucket string
	// Prefix holds one "directory" per dataset.
	Prefix      string
	Region      string
	RecordsPath string
	// RequestsPerSecond throttles S3 calls. Zero means unlimited.
	RequestsPerSecond float64

	// Client overrides the client built from the default AWS configuration.
	Client s3API
}

func (cfg *S3StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Bucket == "" {
		return errors.New("bucket is required")
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests per second must not be negative")
	}
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = DefaultRecordsPath
	}
	return nil
}

// S3Store reads s3://<bucket>/<prefix>/<dataset>/<source>.{json,jsonl,csv}
// with the same layout and ordering rules as DirStore.
type S3Store struct {
	log     *slog.Logger
	cfg     S3StoreConfig
	client  s3API
	limiter *rate.Limiter
}

func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate s3 store config: %w", err)
	}
	client := cfg.Client
	if client == nil {
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = s3.NewFromConfig(awsCfg)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &S3Store{
		log:     cfg.Logger,
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (s *S3Store) datasetPrefix(datasetID string) string {
	p := strings.Trim(s.cfg.Prefix, "/")
	if p == "" {
		return datasetID + "/"
	}
	return p + "/" + datasetID + "/"
}

func (s *S3Store) Fetch(ctx context.Context, datasetID string) (iter.Seq2[Record, error], error) {
	prefix := s.datasetPrefix(datasetID)
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, &errs.NotFoundError{Kind: "raw dataset", Name: datasetID}
	}
	s.log.Debug("raw: fetching dataset from s3", "dataset", datasetID, "bucket", s.cfg.Bucket, "prefix", prefix, "objects", len(keys))

	return func(yield func(Record, error) bool) {
		for _, key := range keys {
			if !s.readObject(ctx, key, yield) {
				return
			}
		}
	}, nil
}

// list returns the source objects directly under prefix, sorted by key.
func (s *S3Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", s.cfg.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if _, ok := sourceName(key); ok {
				keys = append(keys, key)
			}
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *S3Store) readObject(ctx context.Context, key string, yield func(Record, error) bool) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		yield(Record{}, err)
		return false
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		yield(Record{}, fmt.Errorf("failed to get s3://%s/%s: %w", s.cfg.Bucket, key, err))
		return false
	}
	defer out.Body.Close()
	return decodeFile(out.Body, path.Base(key), s.cfg.RecordsPath, yield)
}
