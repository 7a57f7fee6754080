package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	datasetIDPattern  = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
	identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("semtype", func(fl validator.FieldLevel) bool {
			return Type(fl.Field().String()).Valid()
		})
		_ = v.RegisterValidation("castpolicy", func(fl validator.FieldLevel) bool {
			return CastPolicy(fl.Field().String()).Valid()
		})
		validate = v
	})
	return validate
}

// ValidDatasetID reports whether id can name a dataset. Dataset ids become
// part of table names so they are restricted to lower-case identifiers
// without leading, trailing or doubled underscores.
func ValidDatasetID(id string) bool {
	return datasetIDPattern.MatchString(id)
}

// normalize fills defaults in place: upper-cased types, lower-cased dataset
// id and cast policies, the fact table name and dimension labels.
func (d *Definition) normalize() {
	d.Dataset = strings.ToLower(strings.TrimSpace(d.Dataset))
	if d.Fact.Name == "" {
		d.Fact.Name = DefaultFactName
	}
	normalizeColumns(d.Fact.Columns)
	for i := range d.Dimensions {
		dim := &d.Dimensions[i]
		normalizeColumns(dim.Columns)
		if dim.Label == "" {
			dim.Label = dim.Key
		}
	}
}

func normalizeColumns(cols []Column) {
	for i := range cols {
		cols[i].Type = Type(strings.ToUpper(strings.TrimSpace(string(cols[i].Type))))
		cols[i].OnCastError = CastPolicy(strings.ToLower(strings.TrimSpace(string(cols[i].OnCastError))))
	}
}

// validate returns every problem found in a normalized definition.
func (d *Definition) validate() []string {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := structValidator().Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				add("%s failed %q validation (value %v)", fe.Namespace(), fe.Tag(), fe.Value())
			}
		} else {
			add("%v", err)
		}
	}

	if !ValidDatasetID(d.Dataset) {
		add("dataset id %q must match %s", d.Dataset, datasetIDPattern)
	}
	if d.MaxRejectRatio < 0 || d.MaxRejectRatio > 1 {
		add("max_reject_ratio %v must be within [0, 1]", d.MaxRejectRatio)
	}

	dims := make(map[string]*Table, len(d.Dimensions))
	for i := range d.Dimensions {
		dim := &d.Dimensions[i]
		if !identifierPattern.MatchString(dim.Name) {
			add("dimension name %q must match %s", dim.Name, identifierPattern)
			continue
		}
		if _, dup := dims[dim.Name]; dup {
			add("duplicate dimension %q", dim.Name)
			continue
		}
		dims[dim.Name] = dim
	}

	problems = append(problems, validateColumns("fact", &d.Fact)...)
	if d.Fact.Key != "" || d.Fact.Label != "" {
		add("fact table cannot declare key or label")
	}
	for _, c := range d.Fact.Columns {
		if c.References == "" {
			if c.As != "" || len(c.Include) > 0 || c.KeepCode {
				add("fact column %q sets as/include/keep_code without references", c.Name)
			}
			continue
		}
		dim, ok := dims[c.References]
		if !ok {
			add("fact column %q references undeclared dimension %q", c.Name, c.References)
			continue
		}
		for _, attr := range c.Include {
			if _, ok := dim.Column(attr); !ok {
				add("fact column %q includes unknown attribute %q of dimension %q", c.Name, attr, dim.Name)
			}
		}
	}

	for _, dim := range d.Dimensions {
		where := "dimension " + dim.Name
		problems = append(problems, validateColumns(where, &dim)...)
		if dim.Key == "" {
			add("%s: key is required", where)
		} else if _, ok := dim.Column(dim.Key); !ok {
			add("%s: key column %q is not declared", where, dim.Key)
		}
		if key, ok := dim.Column(dim.Key); ok && key.References != "" {
			add("%s: key column %q cannot reference another dimension", where, dim.Key)
		}
		if _, ok := dim.Column(dim.Label); !ok && dim.Label != "" {
			add("%s: label column %q is not declared", where, dim.Label)
		}
		for _, c := range dim.Columns {
			if c.References == "" {
				continue
			}
			if _, ok := dims[c.References]; !ok {
				add("%s: column %q references undeclared dimension %q", where, c.Name, c.References)
			}
			if c.As != "" || len(c.Include) > 0 || c.KeepCode {
				add("%s: column %q: as/include/keep_code only apply to fact columns", where, c.Name)
			}
		}
	}

	if len(problems) > 0 {
		return problems
	}

	if cycle := d.findCycle(); cycle != nil {
		return []string{fmt.Sprintf("cyclic dimension references: %s", strings.Join(cycle, " -> "))}
	}

	seen := make(map[string]bool)
	for _, oc := range d.SilverColumns() {
		if seen[oc.Name] {
			add("silver output column %q is produced more than once", oc.Name)
		}
		seen[oc.Name] = true
		if oc.Policy == CastNull && !oc.Nullable {
			add("silver output column %q uses on_cast_error=null but is not nullable", oc.Name)
		}
	}
	return problems
}

func validateColumns(where string, t *Table) []string {
	var problems []string
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if !identifierPattern.MatchString(c.Name) {
			problems = append(problems, fmt.Sprintf("%s: column name %q must match %s", where, c.Name, identifierPattern))
		}
		if seen[c.Name] {
			problems = append(problems, fmt.Sprintf("%s: duplicate column %q", where, c.Name))
		}
		seen[c.Name] = true
	}
	return problems
}

// findCycle runs a depth-first search over dimension-to-dimension references
// and returns the first cycle found, or nil.
func (d *Definition) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(d.Dimensions))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = grey
		stack = append(stack, name)
		dim, _ := d.Dimension(name)
		for _, c := range dim.Columns {
			if c.References == "" {
				continue
			}
			switch color[c.References] {
			case grey:
				start := 0
				for i, n := range stack {
					if n == c.References {
						start = i
					}
				}
				cycle = append(append([]string{}, stack[start:]...), c.References)
				return true
			case white:
				if visit(c.References) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return false
	}

	for _, dim := range d.Dimensions {
		if color[dim.Name] == white && visit(dim.Name) {
			return cycle
		}
	}
	return nil
}
