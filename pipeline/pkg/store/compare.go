package store

import (
	"cmp"
	"slices"
	"time"
)

// Compare orders two column values. nil sorts first; int64 and float64
// compare numerically; values of different kinds compare by kind.
func Compare(a, b any) int {
	ka, kb := kind(a), kind(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch x := a.(type) {
	case nil:
		return 0
	case int64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, y)
		}
		return cmp.Compare(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmp.Compare(x, float64(y))
		}
		return cmp.Compare(x, b.(float64))
	case string:
		return cmp.Compare(x, b.(string))
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case time.Time:
		return x.Compare(b.(time.Time))
	}
	return 0
}

func kind(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	}
	return 5
}

// Equal reports whether two column values are equal under Compare.
func Equal(a, b any) bool {
	if kind(a) == 5 || kind(b) == 5 {
		return a == b
	}
	return Compare(a, b) == 0
}

// Match reports whether row satisfies the equality part of f. A nil filter
// value only matches a NULL column.
func Match(row Row, f Filter) bool {
	for col, want := range f.Equals {
		if !Equal(row[col], want) {
			return false
		}
	}
	return true
}

// SortRows sorts rows in place by the given columns, ascending. The sort is
// stable so rows equal on every column keep their relative order.
func SortRows(rows []Row, orderBy []string) {
	if len(orderBy) == 0 {
		return
	}
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, col := range orderBy {
			if c := Compare(a[col], b[col]); c != 0 {
				return c
			}
		}
		return 0
	})
}
