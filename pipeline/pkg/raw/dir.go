package raw

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
)

type DirStoreConfig struct {
	Logger *slog.Logger
	// Root holds one directory per dataset.
	Root        string
	RecordsPath string
}

func (cfg *DirStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Root == "" {
		return errors.New("root is required")
	}
	if cfg.RecordsPath == "" {
		cfg.RecordsPath = DefaultRecordsPath
	}
	return nil
}

// DirStore reads <root>/<dataset>/<source>.{json,jsonl,csv}. Files are read
// in lexical order, each one streamed.
type DirStore struct {
	log *slog.Logger
	cfg DirStoreConfig
}

func NewDirStore(cfg DirStoreConfig) (*DirStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate dir store config: %w", err)
	}
	return &DirStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *DirStore) Fetch(ctx context.Context, datasetID string) (iter.Seq2[Record, error], error) {
	dir := filepath.Join(s.cfg.Root, datasetID)
	files, err := s.list(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: "raw dataset", Name: datasetID}
		}
		return nil, err
	}
	s.log.Debug("raw: fetching dataset", "dataset", datasetID, "dir", dir, "files", len(files))

	return func(yield func(Record, error) bool) {
		for _, name := range files {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !s.readFile(filepath.Join(dir, name), yield) {
				return
			}
		}
	}, nil
}

func (s *DirStore) list(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := sourceName(e.Name()); ok {
			files = append(files, e.Name())
		}
	}
	slices.Sort(files)
	return files, nil
}

func (s *DirStore) readFile(path string, yield func(Record, error) bool) bool {
	f, err := os.Open(path)
	if err != nil {
		yield(Record{}, fmt.Errorf("failed to open raw file: %w", err))
		return false
	}
	defer f.Close()
	return decodeFile(f, filepath.Base(path), s.cfg.RecordsPath, yield)
}
