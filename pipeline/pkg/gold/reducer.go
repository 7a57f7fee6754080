package gold

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
)

// Reducer aggregates the measure values of one group into a feature.
type Reducer struct {
	// Reduce returns false when the feature cannot be computed for the
	// values, which excludes the group.
	Reduce func(values []float64) (float64, bool)
	// NeedsMeasure is false for reducers that can run over group rows.
	NeedsMeasure bool
	// Numeric requires a numeric measure. Other measures reach Reduce as 1
	// per present value.
	Numeric bool
	// Output is the feature column type, INTEGER or NUMERIC.
	Output schema.Type
}

var (
	reducersMu sync.RWMutex
	reducers   = map[string]Reducer{
		"sum":   {Reduce: sum, NeedsMeasure: true, Numeric: true, Output: schema.TypeNumeric},
		"mean":  {Reduce: mean, NeedsMeasure: true, Numeric: true, Output: schema.TypeNumeric},
		"count": {Reduce: count, Output: schema.TypeInteger},
		"min":   {Reduce: minimum, NeedsMeasure: true, Numeric: true, Output: schema.TypeNumeric},
		"max":   {Reduce: maximum, NeedsMeasure: true, Numeric: true, Output: schema.TypeNumeric},
	}
)

// RegisterReducer adds a reducer available to every rule set. It is meant
// to be called during setup; names cannot be registered twice.
func RegisterReducer(name string, r Reducer) error {
	if name == "" {
		return errors.New("reducer name is required")
	}
	if r.Reduce == nil {
		return errors.New("reducer func is required")
	}
	if r.Output == "" {
		r.Output = schema.TypeNumeric
	}
	if r.Output != schema.TypeNumeric && r.Output != schema.TypeInteger {
		return fmt.Errorf("reducer output must be %s or %s", schema.TypeNumeric, schema.TypeInteger)
	}
	reducersMu.Lock()
	defer reducersMu.Unlock()
	if _, ok := reducers[name]; ok {
		return fmt.Errorf("reducer %q already registered", name)
	}
	reducers[name] = r
	return nil
}

func LookupReducer(name string) (Reducer, bool) {
	reducersMu.RLock()
	defer reducersMu.RUnlock()
	r, ok := reducers[name]
	return r, ok
}

func sum(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	var s float64
	for _, v := range values {
		s += v
	}
	return s, true
}

func mean(values []float64) (float64, bool) {
	s, ok := sum(values)
	if !ok {
		return 0, false
	}
	return s / float64(len(values)), true
}

func count(values []float64) (float64, bool) {
	return float64(len(values)), true
}

func minimum(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	m := math.Inf(1)
	for _, v := range values {
		m = min(m, v)
	}
	return m, true
}

func maximum(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	m := math.Inf(-1)
	for _, v := range values {
		m = max(m, v)
	}
	return m, true
}
