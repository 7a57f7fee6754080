package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// DefaultFactName is used when a definition does not name its fact table.
const DefaultFactName = "fact"

// DefaultNullValues are the textual values normalized to NULL when a
// definition does not declare its own.
var DefaultNullValues = []string{"", "-", "NA", "."}

// Definition is the star schema of one dataset: a single fact table and the
// dimension tables it references.
type Definition struct {
	Dataset        string   `yaml:"dataset" json:"dataset" validate:"required"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	NullValues     []string `yaml:"null_values,omitempty" json:"null_values,omitempty"`
	MaxRejectRatio float64  `yaml:"max_reject_ratio,omitempty" json:"max_reject_ratio,omitempty" validate:"gte=0,lte=1"`
	Fact           Table    `yaml:"fact" json:"fact"`
	Dimensions     []Table  `yaml:"dimensions,omitempty" json:"dimensions,omitempty" validate:"dive"`
}

// Table declares a fact or dimension table. Key and Label only apply to
// dimensions: Key is the code column, Label the human-readable attribute a
// fact foreign key resolves to in the Silver zone.
type Table struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Source  string   `yaml:"source" json:"source" validate:"required"`
	Key     string   `yaml:"key,omitempty" json:"key,omitempty"`
	Label   string   `yaml:"label,omitempty" json:"label,omitempty"`
	Columns []Column `yaml:"columns" json:"columns" validate:"required,min=1,dive"`
}

// Column declares one column. Field is the raw record field it is read from
// (defaults to Name). References names a dimension; on a fact column As
// names the Silver output column holding the resolved label (defaults to the
// dimension name), Include lists extra dimension attributes to carry over and
// KeepCode keeps the raw code next to the label.
type Column struct {
	Name        string     `yaml:"name" json:"name" validate:"required"`
	Field       string     `yaml:"field,omitempty" json:"field,omitempty"`
	Type        Type       `yaml:"type" json:"type" validate:"required,semtype"`
	Nullable    bool       `yaml:"nullable,omitempty" json:"nullable,omitempty"`
	References  string     `yaml:"references,omitempty" json:"references,omitempty"`
	As          string     `yaml:"as,omitempty" json:"as,omitempty"`
	Include     []string   `yaml:"include,omitempty" json:"include,omitempty"`
	KeepCode    bool       `yaml:"keep_code,omitempty" json:"keep_code,omitempty"`
	OnCastError CastPolicy `yaml:"on_cast_error,omitempty" json:"on_cast_error,omitempty" validate:"omitempty,castpolicy"`
}

// SourceField returns the raw field name the column is read from.
func (c *Column) SourceField() string {
	if c.Field != "" {
		return c.Field
	}
	return c.Name
}

// Policy returns the column's cast policy, defaulting to reject.
func (c *Column) Policy() CastPolicy {
	if c.OnCastError == "" {
		return CastReject
	}
	return c.OnCastError
}

// Column returns the named column of the table.
func (t *Table) Column(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Dimension returns the named dimension table.
func (d *Definition) Dimension(name string) (*Table, bool) {
	for i := range d.Dimensions {
		if d.Dimensions[i].Name == name {
			return &d.Dimensions[i], true
		}
	}
	return nil, false
}

// Nulls returns the sentinel values normalized to NULL.
func (d *Definition) Nulls() []string {
	if d.NullValues == nil {
		return DefaultNullValues
	}
	return d.NullValues
}

// IsNull reports whether a trimmed textual value is a NULL sentinel.
func (d *Definition) IsNull(s string) bool {
	return slices.Contains(d.Nulls(), s)
}

// Version is a content hash of the definition. Any change to the definition
// yields a different version.
func (d *Definition) Version() string {
	b, err := json.Marshal(d)
	if err != nil {
		// Definition only holds strings, bools, floats and slices of them.
		panic(fmt.Sprintf("schema: failed to marshal definition: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	c := *d
	c.NullValues = slices.Clone(d.NullValues)
	c.Fact = d.Fact.clone()
	c.Dimensions = make([]Table, len(d.Dimensions))
	for i := range d.Dimensions {
		c.Dimensions[i] = d.Dimensions[i].clone()
	}
	return &c
}

func (t Table) clone() Table {
	t.Columns = slices.Clone(t.Columns)
	for i := range t.Columns {
		t.Columns[i].Include = slices.Clone(t.Columns[i].Include)
	}
	return t
}

// OutputColumn is one column of the Silver integrated table and how it is
// derived from the Bronze tables.
type OutputColumn struct {
	Name     string
	Type     Type
	Nullable bool
	Policy   CastPolicy

	// FactColumn is the fact column the value starts from.
	FactColumn string
	// Path is the chain of dimension hops followed from the fact column.
	// Empty for plain fact columns and kept codes.
	Path []Hop
}

// Hop is one dimension lookup: the code found so far is looked up in
// Dimension and Attribute is read from the matching row.
type Hop struct {
	Dimension string
	Attribute string
}

// SilverColumns returns the Silver output columns in table order. The
// definition must have passed validation.
func (d *Definition) SilverColumns() []OutputColumn {
	var out []OutputColumn
	for _, c := range d.Fact.Columns {
		if c.References == "" {
			out = append(out, OutputColumn{
				Name:       c.Name,
				Type:       c.Type,
				Nullable:   c.Nullable,
				Policy:     c.Policy(),
				FactColumn: c.Name,
			})
			continue
		}
		if c.KeepCode {
			out = append(out, OutputColumn{
				Name:       c.Name,
				Type:       TypeText,
				Nullable:   c.Nullable,
				Policy:     c.Policy(),
				FactColumn: c.Name,
			})
		}
		dim, _ := d.Dimension(c.References)
		as := c.As
		if as == "" {
			as = dim.Name
		}
		out = append(out, d.resolve(as, c, dim, dim.Label))
		for _, attr := range c.Include {
			out = append(out, d.resolve(as+"_"+attr, c, dim, attr))
		}
	}
	return out
}

// resolve follows attribute references across dimensions until it reaches an
// attribute that does not reference another dimension.
func (d *Definition) resolve(name string, fk Column, dim *Table, attr string) OutputColumn {
	oc := OutputColumn{
		Name:       name,
		Nullable:   fk.Nullable,
		FactColumn: fk.Name,
	}
	for {
		col, _ := dim.Column(attr)
		oc.Path = append(oc.Path, Hop{Dimension: dim.Name, Attribute: attr})
		oc.Nullable = oc.Nullable || col.Nullable
		if col.References == "" {
			oc.Type = col.Type
			oc.Policy = col.Policy()
			return oc
		}
		next, _ := d.Dimension(col.References)
		dim, attr = next, next.Label
	}
}
