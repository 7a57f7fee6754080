package gold

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/schema"
	"github.com/malbeclabs/medallion/pipeline/pkg/store"
)

// RuleSet is a named list of aggregation rules over the Silver table of a
// dataset. Its name becomes part of the feature table name.
type RuleSet struct {
	Name    string   `yaml:"name" json:"name"`
	GroupBy []string `yaml:"group_by" json:"group_by"`
	Rules   []Rule   `yaml:"rules" json:"rules"`
}

// Rule computes one feature column. Fill replaces missing measure values;
// without it they are left out of the reduction.
type Rule struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	GroupBy []string `yaml:"group_by,omitempty" json:"group_by,omitempty"`
	Measure string   `yaml:"measure,omitempty" json:"measure,omitempty"`
	Func    string   `yaml:"func" json:"func"`
	Output  string   `yaml:"output" json:"output"`
	Fill    *float64 `yaml:"fill,omitempty" json:"fill,omitempty"`
}

// RuleName returns the rule's name, defaulting to its output column.
func (r *Rule) RuleName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Output
}

// Version is a content hash of the rule set.
func (rs *RuleSet) Version() string {
	b, err := json.Marshal(rs)
	if err != nil {
		panic(fmt.Sprintf("gold: failed to marshal rule set: %v", err))
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// DecodeRuleSet parses a YAML rule set document.
func DecodeRuleSet(data []byte) (*RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("failed to decode rule set document: %w", err)
	}
	return &rs, nil
}

func LoadRuleSet(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set file: %w", err)
	}
	rs, err := DecodeRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rs, nil
}

var (
	ruleSetNamePattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)
	outputNamePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)
)

// ValidateRuleSet checks rs against the Silver columns of def without
// reading any table. Rules that cannot coexist yield a RuleConflictError;
// a rule that cannot be evaluated yields an InvalidRuleError. Conflicts are
// reported first.
func ValidateRuleSet(rs *RuleSet, def *schema.Definition) error {
	if rs == nil {
		return &errs.InvalidRuleError{Detail: "rule set is nil"}
	}
	invalid := func(rule, format string, args ...any) error {
		return &errs.InvalidRuleError{RuleSet: rs.Name, Rule: rule, Detail: fmt.Sprintf(format, args...)}
	}

	outputs := make(map[string]string, len(rs.Rules))
	for _, r := range rs.Rules {
		name := r.RuleName()
		if prev, dup := outputs[r.Output]; dup {
			return &errs.RuleConflictError{
				RuleSet: rs.Name,
				Column:  r.Output,
				Rules:   []string{prev, name},
				Detail:  "output column produced twice",
			}
		}
		outputs[r.Output] = name
		if slices.Contains(rs.GroupBy, r.Output) || r.Output == store.FeatureKeyColumn {
			return &errs.RuleConflictError{
				RuleSet: rs.Name,
				Column:  r.Output,
				Rules:   []string{name},
				Detail:  "output column collides with a key column",
			}
		}
		if len(r.GroupBy) > 0 && !slices.Equal(r.GroupBy, rs.GroupBy) {
			return &errs.RuleConflictError{
				RuleSet: rs.Name,
				Column:  r.Output,
				Rules:   []string{name},
				Detail:  fmt.Sprintf("rule groups by %v, rule set groups by %v", r.GroupBy, rs.GroupBy),
			}
		}
	}

	if !ruleSetNamePattern.MatchString(rs.Name) {
		return invalid("", "rule set name %q must match %s", rs.Name, ruleSetNamePattern)
	}
	if len(rs.GroupBy) == 0 {
		return invalid("", "group_by is empty")
	}
	if len(rs.Rules) == 0 {
		return invalid("", "rule set has no rules")
	}

	silverCols := make(map[string]schema.OutputColumn)
	for _, oc := range def.SilverColumns() {
		silverCols[oc.Name] = oc
	}
	seen := make(map[string]bool, len(rs.GroupBy))
	for _, g := range rs.GroupBy {
		if _, ok := silverCols[g]; !ok {
			return invalid("", "group_by column %q is not a column of %s", g, store.SilverTable(def.Dataset))
		}
		if seen[g] {
			return invalid("", "group_by column %q is listed twice", g)
		}
		seen[g] = true
	}

	for _, r := range rs.Rules {
		name := r.RuleName()
		if !outputNamePattern.MatchString(r.Output) {
			return invalid(name, "output column %q must match %s", r.Output, outputNamePattern)
		}
		red, ok := LookupReducer(r.Func)
		if !ok {
			return invalid(name, "unknown func %q", r.Func)
		}
		if r.Measure == "" {
			if red.NeedsMeasure {
				return invalid(name, "func %q needs a measure", r.Func)
			}
			if r.Fill != nil {
				return invalid(name, "fill needs a measure")
			}
			continue
		}
		oc, ok := silverCols[r.Measure]
		if !ok {
			return invalid(name, "measure %q is not a column of %s", r.Measure, store.SilverTable(def.Dataset))
		}
		if red.Numeric && !oc.Type.Numeric() {
			return invalid(name, "func %q needs a numeric measure, %q is %s", r.Func, r.Measure, oc.Type)
		}
	}
	return nil
}
