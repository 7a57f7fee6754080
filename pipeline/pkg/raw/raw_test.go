package raw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	medalliontesting "github.com/malbeclabs/medallion/utils/pkg/testing"
)

func collect(t *testing.T, seq func(func(Record, error) bool)) []Record {
	t.Helper()
	var out []Record
	for r, err := range seq {
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestMedallion_Raw_DirStore(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "labour"), map[string]string{
		"TypedDataSet.json": `[
			{"ID": 0, "Regions": "PV20 ", "Value": 14.0},
			{"ID": 1, "Regions": "BQ1", "Value": null, "Extra": {"a": [1, 2]}}
		]`,
		"Regions.json":  `{"odata.metadata": "x", "value": [{"Key": "PV20", "Title": "Groningen"}]}`,
		"Periods.jsonl": "{\"Key\": \"2019JJ00\"}\n\n{\"Key\": \"2020JJ00\"}\n",
		"Codes.csv":     "\ufeffKey,Title\nA,Alpha\nB,\"Beta, Inc\"\n",
		"README.md":     "ignored",
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "labour", "nested"), 0o755))

	s, err := NewDirStore(DirStoreConfig{Logger: medalliontesting.NewLogger(), Root: root})
	require.NoError(t, err)

	seq, err := s.Fetch(t.Context(), "labour")
	require.NoError(t, err)
	records := collect(t, seq)

	sources := make([]string, len(records))
	for i, r := range records {
		sources[i] = r.Source
	}
	require.Equal(t, []string{"Codes", "Codes", "Periods", "Periods", "Regions", "TypedDataSet", "TypedDataSet"}, sources)

	require.Equal(t, "Beta, Inc", records[1].Fields["Title"])
	require.Equal(t, "Groningen", records[4].Fields["Title"])
	require.Equal(t, json.Number("14.0"), records[5].Fields["Value"])
	require.Equal(t, "PV20 ", records[5].Fields["Regions"])
	require.Nil(t, records[6].Fields["Value"])
	require.IsType(t, map[string]any{}, records[6].Fields["Extra"])

	t.Run("restartable", func(t *testing.T) {
		require.Equal(t, records, collect(t, seq))
	})

	t.Run("early_stop", func(t *testing.T) {
		n := 0
		for range seq {
			n++
			if n == 3 {
				break
			}
		}
		require.Equal(t, 3, n)
	})

	t.Run("missing_dataset", func(t *testing.T) {
		_, err := s.Fetch(t.Context(), "unknown")
		require.ErrorIs(t, err, errs.ErrNotFound)
	})
}

func TestMedallion_Raw_DirStore_DecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		files   map[string]string
		wantErr string
	}{
		{"truncated_array", map[string]string{"a.json": `[{"ID": 1}, {"ID": `}, "a.json"},
		{"scalar_document", map[string]string{"a.json": `42`}, "expected an array or object"},
		{"envelope_without_records", map[string]string{"a.json": `{"rows": []}`}, `no record array at "value"`},
		{"bad_line", map[string]string{"a.jsonl": "{\"ID\": 1}\nnot json\n"}, "line 2"},
		{"ragged_csv", map[string]string{"a.csv": "a,b\n1\n"}, "a.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			writeFiles(t, filepath.Join(root, "ds"), tt.files)
			s, err := NewDirStore(DirStoreConfig{Logger: medalliontesting.NewLogger(), Root: root})
			require.NoError(t, err)
			seq, err := s.Fetch(t.Context(), "ds")
			require.NoError(t, err)

			var gotErr error
			for _, err := range seq {
				if err != nil {
					gotErr = err
				}
			}
			require.ErrorContains(t, gotErr, tt.wantErr)
		})
	}
}

func TestMedallion_Raw_DirStore_Cancelled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFiles(t, filepath.Join(root, "ds"), map[string]string{"a.json": `[{"ID": 1}]`})
	s, err := NewDirStore(DirStoreConfig{Logger: medalliontesting.NewLogger(), Root: root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	seq, err := s.Fetch(ctx, "ds")
	require.NoError(t, err)
	cancel()
	for _, err := range seq {
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestMedallion_Raw_MemStore(t *testing.T) {
	t.Parallel()

	s := NewMemStore()
	_, err := s.Fetch(t.Context(), "ds")
	require.ErrorIs(t, err, errs.ErrNotFound)

	s.Put("ds", Record{Source: "fact", Fields: map[string]any{"ID": "1"}})
	seq, err := s.Fetch(t.Context(), "ds")
	require.NoError(t, err)

	// Records added after Fetch are not part of the sequence.
	s.Put("ds", Record{Source: "fact", Fields: map[string]any{"ID": "2"}})
	require.Len(t, collect(t, seq), 1)

	s.Replace("ds", nil)
	seq, err = s.Fetch(t.Context(), "ds")
	require.NoError(t, err)
	require.Empty(t, collect(t, seq))
}

type fakeS3 struct {
	objects map[string]string
	gets    []string
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		rest, ok := strings.CutPrefix(key, aws.ToString(in.Prefix))
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	body, ok := f.objects[key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestMedallion_Raw_S3Store(t *testing.T) {
	t.Parallel()

	client := &fakeS3{objects: map[string]string{
		"raw/labour/TypedDataSet.json": `[{"ID": 0, "Regions": "PV20"}]`,
		"raw/labour/Regions.json":      `[{"Key": "PV20", "Title": "Groningen"}]`,
		"raw/labour/old/Regions.json":  `[{"Key": "PV21"}]`,
		"raw/labour/notes.txt":         "ignored",
		"raw/other/TypedDataSet.json":  `[]`,
	}}
	s, err := NewS3Store(t.Context(), S3StoreConfig{
		Logger:            medalliontesting.NewLogger(),
		Bucket:            "lake",
		Prefix:            "/raw/",
		RequestsPerSecond: 1000,
		Client:            client,
	})
	require.NoError(t, err)

	seq, err := s.Fetch(t.Context(), "labour")
	require.NoError(t, err)
	records := collect(t, seq)
	require.Len(t, records, 2)
	require.Equal(t, "Regions", records[0].Source)
	require.Equal(t, "TypedDataSet", records[1].Source)
	require.Equal(t, []string{"raw/labour/Regions.json", "raw/labour/TypedDataSet.json"}, client.gets)

	_, err = s.Fetch(t.Context(), "missing")
	require.ErrorIs(t, err, errs.ErrNotFound)

	_, err = NewS3Store(t.Context(), S3StoreConfig{Logger: medalliontesting.NewLogger()})
	require.ErrorContains(t, err, "bucket is required")
}
