// Package errs defines the error taxonomy shared by every pipeline stage.
//
// Each error kind is a concrete type that carries the details a caller needs
// to act on it, and matches a sentinel through errors.Is so callers that only
// care about the kind can write errors.Is(err, errs.ErrConsistency).
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSchema               = errors.New("schema error")
	ErrNotFound             = errors.New("not found")
	ErrReferentialIntegrity = errors.New("referential integrity violation")
	ErrStageNotReady        = errors.New("stage not ready")
	ErrConsistency          = errors.New("consistency violation")
	ErrRuleConflict         = errors.New("rule conflict")
	ErrInvalidRule          = errors.New("invalid rule")
	ErrAlreadyInProgress    = errors.New("already in progress")
)

// SchemaError reports a malformed or invalid schema definition.
type SchemaError struct {
	Dataset  string
	Problems []string
}

func NewSchemaError(dataset string, problems ...string) *SchemaError {
	return &SchemaError{Dataset: dataset, Problems: problems}
}

func (e *SchemaError) Error() string {
	if e.Dataset == "" {
		return fmt.Sprintf("invalid schema: %s", strings.Join(e.Problems, "; "))
	}
	return fmt.Sprintf("invalid schema for dataset %q: %s", e.Dataset, strings.Join(e.Problems, "; "))
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// NotFoundError reports a lookup of something that was never registered.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ReferentialIntegrityError reports a fact (or dimension) row that references
// a dimension code that does not exist.
type ReferentialIntegrityError struct {
	Dataset   string
	Table     string
	Row       int64
	Column    string
	Dimension string
	Code      string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("dataset %q: %s row %d column %q references unknown %s code %q",
		e.Dataset, e.Table, e.Row, e.Column, e.Dimension, e.Code)
}

func (e *ReferentialIntegrityError) Is(target error) bool { return target == ErrReferentialIntegrity }

// StageNotReadyError reports an attempt to run a stage whose predecessor has
// not been materialized.
type StageNotReadyError struct {
	Dataset  string
	Required string
	Current  string
}

func (e *StageNotReadyError) Error() string {
	return fmt.Sprintf("dataset %q: requires %s, watermark is %s", e.Dataset, e.Required, e.Current)
}

func (e *StageNotReadyError) Is(target error) bool { return target == ErrStageNotReady }

// ConsistencyError reports a violated post-condition. It always indicates a
// logic defect or unusable input and is never retried.
type ConsistencyError struct {
	Dataset string
	Stage   string
	Detail  string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("dataset %q: %s consistency check failed: %s", e.Dataset, e.Stage, e.Detail)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrConsistency }

// RuleConflictError reports two rules of a rule set that cannot coexist.
type RuleConflictError struct {
	RuleSet string
	Column  string
	Rules   []string
	Detail  string
}

func (e *RuleConflictError) Error() string {
	msg := fmt.Sprintf("rule set %q: conflict on column %q between rules %s", e.RuleSet, e.Column, strings.Join(e.Rules, ", "))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *RuleConflictError) Is(target error) bool { return target == ErrRuleConflict }

// InvalidRuleError reports a single rule that cannot be evaluated against the
// dataset it targets.
type InvalidRuleError struct {
	RuleSet string
	Rule    string
	Detail  string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("rule set %q: rule %q: %s", e.RuleSet, e.Rule, e.Detail)
}

func (e *InvalidRuleError) Is(target error) bool { return target == ErrInvalidRule }

// AlreadyInProgressError is returned when the same stage of the same dataset
// is already being materialized.
type AlreadyInProgressError struct {
	Dataset string
	Stage   string
}

func (e *AlreadyInProgressError) Error() string {
	return fmt.Sprintf("dataset %q: %s materialization already in progress", e.Dataset, e.Stage)
}

func (e *AlreadyInProgressError) Is(target error) bool { return target == ErrAlreadyInProgress }

// Retryable reports whether the caller may retry the operation later. Only
// concurrency-guard errors qualify; data and configuration errors never do.
func Retryable(err error) bool {
	return errors.Is(err, ErrAlreadyInProgress)
}
