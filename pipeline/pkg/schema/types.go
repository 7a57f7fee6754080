package schema

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Type is the semantic type of a column. The set is closed: every value that
// leaves the Silver zone is one of these, represented by a fixed Go type.
//
//	INTEGER  -> int64
//	NUMERIC  -> float64
//	TEXT     -> string
//	DATETIME -> time.Time (UTC)
//	BOOLEAN  -> bool
type Type string

const (
	TypeInteger  Type = "INTEGER"
	TypeNumeric  Type = "NUMERIC"
	TypeText     Type = "TEXT"
	TypeDatetime Type = "DATETIME"
	TypeBoolean  Type = "BOOLEAN"
)

// Types lists every semantic type in declaration order.
var Types = []Type{TypeInteger, TypeNumeric, TypeText, TypeDatetime, TypeBoolean}

// Parser converts a trimmed, non-null textual value into its typed form.
type Parser func(s string) (any, error)

var parsers = map[Type]Parser{
	TypeInteger:  parseInteger,
	TypeNumeric:  parseNumeric,
	TypeText:     parseText,
	TypeDatetime: parseDatetime,
	TypeBoolean:  parseBoolean,
}

func (t Type) Valid() bool {
	_, ok := parsers[t]
	return ok
}

// Numeric reports whether values of the type can feed arithmetic reducers.
func (t Type) Numeric() bool {
	return t == TypeInteger || t == TypeNumeric
}

func (t Type) String() string { return string(t) }

// Parse casts s to t. s is expected to be trimmed and not a null sentinel.
func Parse(t Type, s string) (any, error) {
	p, ok := parsers[t]
	if !ok {
		return nil, fmt.Errorf("unknown semantic type %q", t)
	}
	return p(s)
}

// Conforms reports whether v is already a well-typed value of t. nil conforms
// to every type; nullability is checked separately.
func Conforms(t Type, v any) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeInteger:
		_, ok := v.(int64)
		return ok
	case TypeNumeric:
		f, ok := v.(float64)
		return ok && !math.IsNaN(f) && !math.IsInf(f, 0)
	case TypeText:
		_, ok := v.(string)
		return ok
	case TypeDatetime:
		_, ok := v.(time.Time)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	}
	return false
}

func parseInteger(s string) (any, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("invalid INTEGER %q", s)
	}
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return nil, fmt.Errorf("invalid INTEGER %q: not integral", s)
	}
	return int64(f), nil
}

func parseNumeric(s string) (any, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("invalid NUMERIC %q", s)
	}
	return f, nil
}

func parseText(s string) (any, error) {
	return s, nil
}

var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
}

// periodCode matches CBS StatLine period codes: 2019JJ00 (year), 2019KW02
// (quarter), 2019MM07 (month).
var periodCode = regexp.MustCompile(`^(\d{4})(JJ|KW|MM)(\d{2})$`)

func parseDatetime(s string) (any, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	if m := periodCode.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		year, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[3])
		switch {
		case m[2] == "JJ" && n == 0:
			return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC), nil
		case m[2] == "KW" && n >= 1 && n <= 4:
			return time.Date(year, time.Month(3*(n-1)+1), 1, 0, 0, 0, 0, time.UTC), nil
		case m[2] == "MM" && n >= 1 && n <= 12:
			return time.Date(year, time.Month(n), 1, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return nil, fmt.Errorf("invalid DATETIME %q", s)
}

func parseBoolean(s string) (any, error) {
	switch strings.ToLower(s) {
	case "true", "t", "1", "yes", "y", "ja", "j":
		return true, nil
	case "false", "f", "0", "no", "n", "nee":
		return false, nil
	}
	return nil, fmt.Errorf("invalid BOOLEAN %q", s)
}

// CastPolicy decides what happens to a row when one of its values cannot be
// cast to the declared type.
type CastPolicy string

const (
	// CastReject drops the row and counts it as rejected.
	CastReject CastPolicy = "reject"
	// CastNull keeps the row with the value set to NULL.
	CastNull CastPolicy = "null"
)

func (p CastPolicy) Valid() bool {
	return p == CastReject || p == CastNull
}
