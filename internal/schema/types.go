// Package schema persists collection and field metadata and keeps the
// backing user tables in sync with it.
package schema

import (
	"regexp"
	"time"
)

// CollectionType represents the kind of a collection.
type CollectionType string

const (
	CollectionBase CollectionType = "base"
	CollectionAuth CollectionType = "auth"
)

// FieldType represents the type of a declared field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldNumber   FieldType = "number"
	FieldBool     FieldType = "boolean"
	FieldDateTime FieldType = "datetime"
	FieldJSON     FieldType = "json"
	FieldRelation FieldType = "relation"
	FieldFile     FieldType = "file"
)

// FieldTypes lists all supported field types.
var FieldTypes = []FieldType{
	FieldText, FieldNumber, FieldBool, FieldDateTime,
	FieldJSON, FieldRelation, FieldFile,
}

// identRegexp is the whitelist every collection and field name must pass
// before it is ever substituted into SQL.
var identRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IsValidIdentifier reports whether name is safe to use as a SQL identifier.
func IsValidIdentifier(name string) bool {
	return identRegexp.MatchString(name)
}

// System columns present on every user table.
const (
	ColumnID      = "id"
	ColumnCreated = "created_at"
	ColumnUpdated = "updated_at"
)

// Extra columns on auth collection tables, generated by the engine.
const (
	ColumnEmail        = "email"
	ColumnPasswordHash = "password_hash"
	ColumnVerified     = "verified"
)

// RuleSet holds the five optional per-operation rules. A nil rule means
// admin-only, an empty string means public, anything else is a rule
// expression.
type RuleSet struct {
	List   *string `json:"listRule"`
	View   *string `json:"viewRule"`
	Create *string `json:"createRule"`
	Update *string `json:"updateRule"`
	Delete *string `json:"deleteRule"`
}

// CollectionOptions holds per-kind collection configuration.
type CollectionOptions struct {
	// MinPasswordLength applies to auth collections. Zero means the
	// default of 8.
	MinPasswordLength int `json:"minPasswordLength,omitempty"`
}

// FieldOptions holds per-type field configuration.
type FieldOptions struct {
	// Target is the relation target collection name.
	Target string `json:"target,omitempty"`

	// File constraints.
	MaxSize   int64    `json:"maxSize,omitempty"` // bytes; 0 = unlimited
	MaxFiles  int      `json:"maxFiles,omitempty"`
	MimeTypes []string `json:"mimeTypes,omitempty"` // prefixes, wildcards allowed
}

// Field is a typed column declaration owned by a collection.
type Field struct {
	ID           string       `json:"id"`
	CollectionID string       `json:"collectionId"`
	Name         string       `json:"name"`
	Type         FieldType    `json:"type"`
	Required     bool         `json:"required"`
	Options      FieldOptions `json:"options"`
	Created      string       `json:"created"`
}

// Collection is a named set of records with a shared schema, materialized as
// one database table.
type Collection struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Type    CollectionType    `json:"type"`
	Options CollectionOptions `json:"options"`
	Rules   RuleSet           `json:"rules"`
	Created string            `json:"created"`
	Updated string            `json:"updated"`
	Fields  []*Field          `json:"fields"`
}

// IsAuth reports whether the collection holds identities.
func (c *Collection) IsAuth() bool {
	return c.Type == CollectionAuth
}

// Field returns the declared field with the given name, or nil.
func (c *Collection) Field(name string) *Field {
	for _, f := range c.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Columns returns every column of the backing table: system columns, auth
// columns when applicable, then declared fields in declaration order.
func (c *Collection) Columns() []string {
	cols := []string{ColumnID, ColumnCreated, ColumnUpdated}
	if c.IsAuth() {
		cols = append(cols, ColumnEmail, ColumnPasswordHash, ColumnVerified)
	}
	for _, f := range c.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// QueryWhitelist returns the identifiers permitted in filter and sort
// parameters. The password hash is never queryable.
func (c *Collection) QueryWhitelist() map[string]bool {
	allowed := map[string]bool{
		ColumnID:      true,
		ColumnCreated: true,
		ColumnUpdated: true,
	}
	if c.IsAuth() {
		allowed[ColumnEmail] = true
		allowed[ColumnVerified] = true
	}
	for _, f := range c.Fields {
		allowed[f.Name] = true
	}
	return allowed
}

// MinPasswordLength returns the effective minimum password length for an
// auth collection.
func (c *Collection) MinPasswordLength() int {
	if c.Options.MinPasswordLength > 0 {
		return c.Options.MinPasswordLength
	}
	return 8
}

// reservedColumns are names user fields may never take.
func reservedColumns(t CollectionType) map[string]bool {
	reserved := map[string]bool{
		ColumnID:      true,
		ColumnCreated: true,
		ColumnUpdated: true,
	}
	if t == CollectionAuth {
		reserved[ColumnEmail] = true
		reserved[ColumnPasswordHash] = true
		reserved[ColumnVerified] = true
	}
	return reserved
}

// NowTimestamp returns the canonical UTC timestamp stored in TEXT columns.
func NowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
