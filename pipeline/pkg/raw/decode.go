package raw

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/tidwall/gjson"
)

// decodeFile streams the records of one source file to yield. It returns
// false when the consumer stopped or an error was yielded.
func decodeFile(r io.Reader, name, recordsPath string, yield func(Record, error) bool) bool {
	source, _ := sourceName(name)
	emit := func(fields map[string]any) bool {
		return yield(Record{Source: source, Fields: fields}, nil)
	}
	fail := func(err error) bool {
		yield(Record{}, fmt.Errorf("%s: %w", name, err))
		return false
	}

	var err error
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".json":
		err = decodeJSON(r, recordsPath, emit)
	case ".jsonl":
		err = decodeJSONLines(r, emit)
	case ".csv":
		err = decodeCSV(r, emit)
	default:
		err = fmt.Errorf("unsupported raw file extension %q", ext)
	}
	if errors.Is(err, errStopped) {
		return false
	}
	if err != nil {
		return fail(err)
	}
	return true
}

var errStopped = errors.New("consumer stopped")

// decodeJSON streams a top-level array element by element. A top-level
// object is read whole and its records are taken from recordsPath.
func decodeJSON(r io.Reader, recordsPath string, emit func(map[string]any) bool) error {
	br := bufio.NewReader(r)
	first, err := firstNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	if first == '{' {
		data, err := io.ReadAll(br)
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}
		if !gjson.ValidBytes(data) {
			return errors.New("invalid JSON document")
		}
		records := gjson.GetBytes(data, recordsPath)
		if !records.IsArray() {
			return fmt.Errorf("document has no record array at %q", recordsPath)
		}
		var decErr error
		records.ForEach(func(_, v gjson.Result) bool {
			fields, err := decodeObject([]byte(v.Raw))
			if err != nil {
				decErr = err
				return false
			}
			if !emit(fields) {
				decErr = errStopped
				return false
			}
			return true
		})
		return decErr
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("expected an array or object, got %v", tok)
	}
	for i := 0; dec.More(); i++ {
		var fields map[string]any
		if err := dec.Decode(&fields); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		if !emit(fields) {
			return errStopped
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("unterminated array: %w", err)
	}
	return nil
}

func decodeJSONLines(r io.Reader, emit func(map[string]any) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		fields, err := decodeObject(b)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if !emit(fields) {
			return errStopped
		}
	}
	return sc.Err()
}

// decodeCSV yields one record per data row keyed by the header row. Every
// value is a string.
func decodeCSV(r io.Reader, emit func(map[string]any) bool) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 0
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		fields := make(map[string]any, len(header))
		for i, h := range header {
			fields[h] = rec[i]
		}
		if !emit(fields) {
			return errStopped
		}
	}
}

func decodeObject(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("record is not an object")
	}
	return fields, nil
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case 0xEF:
			// UTF-8 byte order mark.
			if _, err := br.Discard(2); err != nil {
				return 0, err
			}
			continue
		}
		return b, br.UnreadByte()
	}
}
