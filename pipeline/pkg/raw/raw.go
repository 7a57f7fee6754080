// Package raw reads the immutable raw extracts a dataset is built from.
package raw

import (
	"context"
	"iter"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
)

// Record is one raw record. Source names the file (or logical source) the
// record was read from, without extension. Field values are whatever the
// decoder produced: json.Number, string, bool, nil or nested maps and
// slices.
type Record struct {
	Source string
	Fields map[string]any
}

// Store reads the raw records of a dataset.
//
// Fetch fails with a NotFoundError when the dataset has no raw data. The
// returned sequence is lazy and finite; every range over it reads the
// sources again from the start, in a stable order. A decoding failure is
// yielded as an error and ends the sequence.
type Store interface {
	Fetch(ctx context.Context, datasetID string) (iter.Seq2[Record, error], error)
}

// Extensions lists the file extensions recognized as raw sources.
var Extensions = []string{".json", ".jsonl", ".csv"}

// DefaultRecordsPath is where records are looked up in a JSON document whose
// top level is an object, as in OData feeds.
const DefaultRecordsPath = "value"

func sourceName(file string) (string, bool) {
	ext := strings.ToLower(path.Ext(file))
	if !slices.Contains(Extensions, ext) {
		return "", false
	}
	return strings.TrimSuffix(path.Base(file), path.Ext(file)), true
}

// MemStore holds raw records in memory.
type MemStore struct {
	mu       sync.RWMutex
	datasets map[string][]Record
}

func NewMemStore() *MemStore {
	return &MemStore{datasets: make(map[string][]Record)}
}

// Put appends records to a dataset.
func (s *MemStore) Put(datasetID string, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[datasetID] = append(s.datasets[datasetID], records...)
}

// Replace swaps the records of a dataset.
func (s *MemStore) Replace(datasetID string, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[datasetID] = slices.Clone(records)
}

func (s *MemStore) Fetch(ctx context.Context, datasetID string) (iter.Seq2[Record, error], error) {
	s.mu.RLock()
	records, ok := s.datasets[datasetID]
	s.mu.RUnlock()
	if !ok {
		return nil, &errs.NotFoundError{Kind: "raw dataset", Name: datasetID}
	}
	records = slices.Clone(records)

	return func(yield func(Record, error) bool) {
		for _, r := range records {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}
