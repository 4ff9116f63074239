package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bunbase/bunbase/internal/store"
)

// Engine persists collection metadata and keeps the backing tables in sync.
// The metadata row and the backing DDL always mutate inside one transaction.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a schema engine.
func New(st *store.Store, logger *slog.Logger) *Engine {
	return &Engine{store: st, logger: logger}
}

// Store returns the underlying store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// systemTables is the metadata schema created at startup.
const systemTables = `
CREATE TABLE IF NOT EXISTS _collections (
    id          TEXT PRIMARY KEY,
    name        TEXT UNIQUE NOT NULL,
    type        TEXT NOT NULL DEFAULT 'base',
    options     TEXT NOT NULL DEFAULT '{}',
    rules       TEXT NOT NULL DEFAULT '{}',
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _fields (
    id            TEXT PRIMARY KEY,
    collection_id TEXT NOT NULL REFERENCES _collections(id) ON DELETE CASCADE,
    name          TEXT NOT NULL,
    type          TEXT NOT NULL,
    required      INTEGER NOT NULL DEFAULT 0,
    options       TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    UNIQUE(collection_id, name)
);

CREATE TABLE IF NOT EXISTS _admins (
    id            TEXT PRIMARY KEY,
    email         TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS _refresh_tokens (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL,
    collection_id TEXT NOT NULL,
    token_id      TEXT UNIQUE NOT NULL,
    created_at    TEXT NOT NULL,
    expires_at    TEXT NOT NULL,
    revoked       INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON _refresh_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_token ON _refresh_tokens(token_id);

CREATE TABLE IF NOT EXISTS _verification_tokens (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    collection_name TEXT NOT NULL,
    token_hash      TEXT UNIQUE NOT NULL,
    type            TEXT NOT NULL,
    expires_at      TEXT NOT NULL,
    used            INTEGER NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_verification_tokens_user ON _verification_tokens(user_id, type);

CREATE TABLE IF NOT EXISTS _files (
    collection    TEXT NOT NULL,
    record_id     TEXT NOT NULL,
    field         TEXT NOT NULL,
    filename      TEXT NOT NULL,
    size          INTEGER NOT NULL DEFAULT 0,
    mime          TEXT,
    original_name TEXT,
    created_at    TEXT NOT NULL,
    PRIMARY KEY (collection, record_id, field, filename)
);
`

// Migrate creates the system tables.
func (e *Engine) Migrate(ctx context.Context) error {
	return e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, systemTables); err != nil {
			return fmt.Errorf("failed to create system tables: %w", err)
		}
		return nil
	})
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// CreateCollection validates the collection, inserts its metadata and
// materializes the backing table in one transaction.
func (e *Engine) CreateCollection(ctx context.Context, col *Collection) error {
	if col.Type == "" {
		col.Type = CollectionBase
	}
	if col.Type != CollectionBase && col.Type != CollectionAuth {
		return fmt.Errorf("%w: collection type %q", ErrInvalidType, col.Type)
	}
	if !IsValidIdentifier(col.Name) || strings.HasPrefix(col.Name, "_") {
		return fmt.Errorf("%w: %q", ErrInvalidName, col.Name)
	}

	if existing, err := e.FindCollection(ctx, col.Name); err == nil && existing != nil {
		return fmt.Errorf("%w: collection %q", ErrNameExists, col.Name)
	}

	now := NowTimestamp()
	col.ID = NewID()
	col.Created = now
	col.Updated = now

	reserved := reservedColumns(col.Type)
	seen := map[string]bool{}
	for _, f := range col.Fields {
		if err := e.validateField(ctx, f, reserved, seen); err != nil {
			return err
		}
		f.ID = NewID()
		f.CollectionID = col.ID
		f.Created = now
		seen[f.Name] = true
	}

	createSQL, err := buildCreateTable(col.Name, col)
	if err != nil {
		return err
	}

	return e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := insertCollectionRow(ctx, tx, col); err != nil {
			return err
		}
		for _, f := range col.Fields {
			if err := insertFieldRow(ctx, tx, f); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create table %q: %w", col.Name, err)
		}
		return nil
	})
}

// validateField checks a field declaration before any SQL touches it.
func (e *Engine) validateField(ctx context.Context, f *Field, reserved, seen map[string]bool) error {
	if !IsValidIdentifier(f.Name) {
		return fmt.Errorf("%w: field %q", ErrInvalidName, f.Name)
	}
	if reserved[f.Name] {
		return fmt.Errorf("%w: field %q", ErrReservedName, f.Name)
	}
	if seen[f.Name] {
		return fmt.Errorf("%w: field %q", ErrNameExists, f.Name)
	}
	valid := false
	for _, t := range FieldTypes {
		if f.Type == t {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: field type %q", ErrInvalidType, f.Type)
	}
	if f.Type == FieldRelation {
		if f.Options.Target == "" {
			return ErrMissingTarget
		}
		if _, err := e.FindCollection(ctx, f.Options.Target); err != nil {
			return fmt.Errorf("%w: target %q", ErrMissingTarget, f.Options.Target)
		}
	}
	return nil
}

// FindCollection loads a collection and its fields by name.
func (e *Engine) FindCollection(ctx context.Context, name string) (*Collection, error) {
	row := e.store.DB().QueryRowContext(ctx,
		`SELECT id, name, type, options, rules, created_at, updated_at FROM _collections WHERE name = ?`, name)
	return e.scanCollection(ctx, row)
}

// FindCollectionByID loads a collection and its fields by id.
func (e *Engine) FindCollectionByID(ctx context.Context, id string) (*Collection, error) {
	row := e.store.DB().QueryRowContext(ctx,
		`SELECT id, name, type, options, rules, created_at, updated_at FROM _collections WHERE id = ?`, id)
	return e.scanCollection(ctx, row)
}

func (e *Engine) scanCollection(ctx context.Context, row *sql.Row) (*Collection, error) {
	col := &Collection{}
	var options, rules string
	err := row.Scan(&col.ID, &col.Name, &col.Type, &options, &rules, &col.Created, &col.Updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}
	if err := json.Unmarshal([]byte(options), &col.Options); err != nil {
		return nil, fmt.Errorf("corrupt collection options: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &col.Rules); err != nil {
		return nil, fmt.Errorf("corrupt collection rules: %w", err)
	}
	if err := e.loadFields(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}

func (e *Engine) loadFields(ctx context.Context, col *Collection) error {
	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT id, collection_id, name, type, required, options, created_at
		 FROM _fields WHERE collection_id = ? ORDER BY created_at, id`, col.ID)
	if err != nil {
		return fmt.Errorf("failed to load fields: %w", err)
	}
	defer rows.Close()

	col.Fields = nil
	for rows.Next() {
		f := &Field{}
		var required int
		var options string
		if err := rows.Scan(&f.ID, &f.CollectionID, &f.Name, &f.Type, &required, &options, &f.Created); err != nil {
			return fmt.Errorf("failed to scan field: %w", err)
		}
		f.Required = required != 0
		if err := json.Unmarshal([]byte(options), &f.Options); err != nil {
			return fmt.Errorf("corrupt field options: %w", err)
		}
		col.Fields = append(col.Fields, f)
	}
	return rows.Err()
}

// ListCollections returns all collections with their fields.
func (e *Engine) ListCollections(ctx context.Context) ([]*Collection, error) {
	rows, err := e.store.DB().QueryContext(ctx,
		`SELECT name FROM _collections ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cols := make([]*Collection, 0, len(names))
	for _, name := range names {
		col, err := e.FindCollection(ctx, name)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// UpdateCollection updates a collection's rules and options.
func (e *Engine) UpdateCollection(ctx context.Context, name string, rules RuleSet, options CollectionOptions) (*Collection, error) {
	col, err := e.FindCollection(ctx, name)
	if err != nil {
		return nil, err
	}
	col.Rules = rules
	col.Options = options
	col.Updated = NowTimestamp()

	rulesJSON, _ := json.Marshal(col.Rules)
	optionsJSON, _ := json.Marshal(col.Options)

	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE _collections SET rules = ?, options = ?, updated_at = ? WHERE id = ?`,
			string(rulesJSON), string(optionsJSON), col.Updated, col.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update collection: %w", err)
	}
	return col, nil
}

// DeleteCollection drops the collection, cascading to its fields and table.
func (e *Engine) DeleteCollection(ctx context.Context, name string) error {
	col, err := e.FindCollection(ctx, name)
	if err != nil {
		return err
	}
	return e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM _collections WHERE id = ?`, col.ID); err != nil {
			return fmt.Errorf("failed to delete collection metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoteIdent(col.Name))); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM _files WHERE collection = ?`, col.Name); err != nil {
			return fmt.Errorf("failed to delete file metadata: %w", err)
		}
		return nil
	})
}

// AddField appends a column and its metadata row in one transaction.
// Required columns get a type-appropriate default so existing rows remain
// valid.
func (e *Engine) AddField(ctx context.Context, collectionName string, f *Field) error {
	col, err := e.FindCollection(ctx, collectionName)
	if err != nil {
		return err
	}

	reserved := reservedColumns(col.Type)
	seen := map[string]bool{}
	for _, existing := range col.Fields {
		seen[existing.Name] = true
	}
	if err := e.validateField(ctx, f, reserved, seen); err != nil {
		return err
	}

	f.ID = NewID()
	f.CollectionID = col.ID
	f.Created = NowTimestamp()

	def, err := columnDef(f)
	if err != nil {
		return err
	}

	return e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if err := insertFieldRow(ctx, tx, f); err != nil {
			return err
		}
		alter := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, quoteIdent(col.Name), def)
		if _, err := tx.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("failed to add column: %w", err)
		}
		return nil
	})
}

// RenameField renames a column; a rename alone needs no table copy.
func (e *Engine) RenameField(ctx context.Context, collectionName, oldName, newName string) error {
	col, err := e.FindCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	f := col.Field(oldName)
	if f == nil {
		return fmt.Errorf("%w: %q", ErrFieldNotFound, oldName)
	}
	if !IsValidIdentifier(newName) {
		return fmt.Errorf("%w: %q", ErrInvalidName, newName)
	}
	if reservedColumns(col.Type)[newName] {
		return fmt.Errorf("%w: %q", ErrReservedName, newName)
	}
	if col.Field(newName) != nil {
		return fmt.Errorf("%w: field %q", ErrNameExists, newName)
	}

	return e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE _fields SET name = ? WHERE id = ?`, newName, f.ID); err != nil {
			return fmt.Errorf("failed to update field metadata: %w", err)
		}
		rename := fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`,
			quoteIdent(col.Name), quoteIdent(oldName), quoteIdent(newName))
		if _, err := tx.ExecContext(ctx, rename); err != nil {
			return fmt.Errorf("failed to rename column: %w", err)
		}
		return nil
	})
}

// UpdateField changes a field's type, required flag or options via the
// table-copy migration.
func (e *Engine) UpdateField(ctx context.Context, collectionName, fieldName string, newType FieldType, required bool, options FieldOptions) error {
	col, err := e.FindCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	f := col.Field(fieldName)
	if f == nil {
		return fmt.Errorf("%w: %q", ErrFieldNotFound, fieldName)
	}

	updated := *f
	updated.Type = newType
	updated.Required = required
	updated.Options = options

	seen := map[string]bool{}
	if err := e.validateField(ctx, &updated, map[string]bool{}, seen); err != nil {
		return err
	}

	newFields := make([]*Field, 0, len(col.Fields))
	for _, existing := range col.Fields {
		if existing.Name == fieldName {
			newFields = append(newFields, &updated)
		} else {
			newFields = append(newFields, existing)
		}
	}

	optionsJSON, _ := json.Marshal(updated.Options)
	return e.tableCopy(ctx, col, newFields, func(tx *sql.Tx) error {
		req := 0
		if updated.Required {
			req = 1
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE _fields SET type = ?, required = ?, options = ? WHERE id = ?`,
			string(updated.Type), req, string(optionsJSON), f.ID)
		return err
	})
}

// DeleteField drops a column via the table-copy migration.
func (e *Engine) DeleteField(ctx context.Context, collectionName, fieldName string) error {
	col, err := e.FindCollection(ctx, collectionName)
	if err != nil {
		return err
	}
	f := col.Field(fieldName)
	if f == nil {
		return fmt.Errorf("%w: %q", ErrFieldNotFound, fieldName)
	}

	newFields := make([]*Field, 0, len(col.Fields)-1)
	for _, existing := range col.Fields {
		if existing.Name != fieldName {
			newFields = append(newFields, existing)
		}
	}

	return e.tableCopy(ctx, col, newFields, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM _fields WHERE id = ?`, f.ID)
		return err
	})
}

// tableCopy rebuilds the backing table with newFields. SQLite cannot drop or
// retype columns in place, so: FKs off, snapshot indexes/triggers, build a
// temp table, copy shared columns, swap, recreate indexes best-effort, run
// the FK integrity check, FKs back on. metaFn mutates the _fields metadata
// inside the same transaction.
func (e *Engine) tableCopy(ctx context.Context, col *Collection, newFields []*Field, metaFn func(tx *sql.Tx) error) error {
	newCol := *col
	newCol.Fields = newFields

	tmpName := "_tmp_" + col.Name
	createSQL, err := buildCreateTable(tmpName, &newCol)
	if err != nil {
		return err
	}

	// Columns present in both shapes; values for everything else are lost.
	oldCols := map[string]bool{}
	for _, c := range col.Columns() {
		oldCols[c] = true
	}
	var shared []string
	for _, c := range newCol.Columns() {
		if oldCols[c] {
			shared = append(shared, quoteIdent(c))
		}
	}
	colList := strings.Join(shared, ", ")

	return e.store.WriteConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys=OFF`); err != nil {
			return fmt.Errorf("failed to disable foreign keys: %w", err)
		}
		defer func() {
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), `PRAGMA foreign_keys=ON`)
		}()

		// Snapshot indexes and triggers before they go down with the table.
		type ddl struct{ name, sql string }
		var ddls []ddl
		rows, err := conn.QueryContext(ctx,
			`SELECT name, sql FROM sqlite_master
			 WHERE tbl_name = ? AND type IN ('index', 'trigger') AND sql IS NOT NULL`, col.Name)
		if err != nil {
			return fmt.Errorf("failed to snapshot indexes: %w", err)
		}
		for rows.Next() {
			var d ddl
			if err := rows.Scan(&d.name, &d.sql); err != nil {
				rows.Close()
				return err
			}
			ddls = append(ddls, d)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := metaFn(tx); err != nil {
			return fmt.Errorf("failed to update field metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create temporary table: %w", err)
		}
		copySQL := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`,
			quoteIdent(tmpName), colList, colList, quoteIdent(col.Name))
		if _, err := tx.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to copy rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s`, quoteIdent(col.Name))); err != nil {
			return fmt.Errorf("failed to drop old table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`,
			quoteIdent(tmpName), quoteIdent(col.Name))); err != nil {
			return fmt.Errorf("failed to rename temporary table: %w", err)
		}

		// Best-effort: indexes or triggers referencing removed columns are
		// silently skipped.
		for _, d := range ddls {
			if _, err := tx.ExecContext(ctx, d.sql); err != nil {
				e.logger.Warn("skipping index/trigger after migration",
					slog.String("name", d.name), slog.String("error", err.Error()))
			}
		}

		// Any FK violation aborts the whole migration.
		check, err := tx.QueryContext(ctx, `PRAGMA foreign_key_check`)
		if err != nil {
			return fmt.Errorf("failed to run integrity check: %w", err)
		}
		violated := check.Next()
		checkErr := check.Err()
		check.Close()
		if checkErr != nil {
			return checkErr
		}
		if violated {
			return ErrIntegrityCheck
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}
		return nil
	})
}

// --- SQL helpers ---

func quoteIdent(name string) string {
	return `"` + name + `"`
}

func insertCollectionRow(ctx context.Context, tx *sql.Tx, col *Collection) error {
	optionsJSON, _ := json.Marshal(col.Options)
	rulesJSON, _ := json.Marshal(col.Rules)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _collections (id, name, type, options, rules, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		col.ID, col.Name, string(col.Type), string(optionsJSON), string(rulesJSON), col.Created, col.Updated)
	if err != nil {
		return fmt.Errorf("failed to insert collection metadata: %w", err)
	}
	return nil
}

func insertFieldRow(ctx context.Context, tx *sql.Tx, f *Field) error {
	optionsJSON, _ := json.Marshal(f.Options)
	required := 0
	if f.Required {
		required = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _fields (id, collection_id, name, type, required, options, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CollectionID, f.Name, string(f.Type), required, string(optionsJSON), f.Created)
	if err != nil {
		return fmt.Errorf("failed to insert field metadata: %w", err)
	}
	return nil
}

// buildCreateTable renders the CREATE TABLE statement for a collection. All
// identifiers have already passed the whitelist regex.
func buildCreateTable(tableName string, col *Collection) (string, error) {
	cols := []string{
		`"id" TEXT PRIMARY KEY NOT NULL`,
		`"created_at" TEXT NOT NULL`,
		`"updated_at" TEXT NOT NULL`,
	}
	if col.IsAuth() {
		cols = append(cols,
			`"email" TEXT UNIQUE NOT NULL`,
			`"password_hash" TEXT NOT NULL`,
			`"verified" INTEGER NOT NULL DEFAULT 0`,
		)
	}
	for _, f := range col.Fields {
		def, err := columnDef(f)
		if err != nil {
			return "", err
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", quoteIdent(tableName), strings.Join(cols, ",\n  ")), nil
}

// columnDef renders one column declaration.
func columnDef(f *Field) (string, error) {
	var sqlType string
	switch f.Type {
	case FieldText, FieldDateTime, FieldJSON, FieldFile:
		sqlType = "TEXT"
	case FieldNumber:
		sqlType = "REAL"
	case FieldBool:
		sqlType = "INTEGER"
	case FieldRelation:
		sqlType = "TEXT"
	default:
		return "", fmt.Errorf("%w: field type %q", ErrInvalidType, f.Type)
	}

	def := quoteIdent(f.Name) + " " + sqlType
	if f.Required {
		if d := requiredDefault(f.Type); d != "" {
			def += " DEFAULT " + d
		}
	}
	if f.Type == FieldRelation {
		def += fmt.Sprintf(` REFERENCES %s("id")`, quoteIdent(f.Options.Target))
	}
	return def, nil
}

// requiredDefault returns the literal default used when a required column is
// appended, so existing rows remain valid.
func requiredDefault(t FieldType) string {
	switch t {
	case FieldText, FieldDateTime:
		return "''"
	case FieldNumber, FieldBool:
		return "0"
	default:
		return ""
	}
}
