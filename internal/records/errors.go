// Package records implements typed CRUD over collection tables: validation,
// relation integrity, query building, relation expansion and the hook
// pipeline around every mutation.
package records

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for the record layer.
var (
	ErrNotFound           = errors.New("record not found")
	ErrUnauthorized       = errors.New("missing or invalid credentials")
	ErrForbidden          = errors.New("operation is not allowed")
	ErrUniqueConflict     = errors.New("unique constraint violated")
	ErrRelationConstraint = errors.New("the record is referenced by or references another record")
)

// ValidationErrors carries per-field validation failures.
type ValidationErrors map[string]string

// Error implements error with a stable field order.
func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// RelationError reports a relation value that does not resolve to an
// existing record. Distinct from shape validation.
type RelationError struct {
	Field  string
	Target string
	Value  string
}

func (e *RelationError) Error() string {
	return fmt.Sprintf("relation %q: no record %q in collection %q", e.Field, e.Value, e.Target)
}

// HookError wraps an error thrown by a before-hook; the mutation was
// aborted before any write.
type HookError struct {
	Err error
}

func (e *HookError) Error() string {
	return e.Err.Error()
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// isUniqueViolation detects the embedded database's unique constraint
// failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isFKViolation detects the embedded database's foreign key constraint
// failure, e.g. deleting a record other records still reference.
func isFKViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
