package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bunbase/bunbase/internal/auth"
	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/hooks"
	"github.com/bunbase/bunbase/internal/query"
	"github.com/bunbase/bunbase/internal/rules"
	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
)

// operation selects which rule of the collection's rule set gates a call.
type operation string

const (
	opList   operation = "list"
	opView   operation = "view"
	opCreate operation = "create"
	opUpdate operation = "update"
	opDelete operation = "delete"
)

// ListResult is one page of records plus pagination totals.
type ListResult struct {
	Page       int              `json:"page"`
	PerPage    int              `json:"perPage"`
	TotalItems int              `json:"totalItems"`
	TotalPages int              `json:"totalPages"`
	Items      []map[string]any `json:"items"`
}

// Engine implements rule-guarded CRUD over collection tables.
type Engine struct {
	store  *store.Store
	schema *schema.Engine
	hooks  *hooks.Registry
	files  *files.Storage
	logger *slog.Logger
}

// NewEngine creates a record engine. fileStorage may be nil when file fields
// are not in use.
func NewEngine(st *store.Store, se *schema.Engine, hk *hooks.Registry, fileStorage *files.Storage, logger *slog.Logger) *Engine {
	return &Engine{store: st, schema: se, hooks: hk, files: fileStorage, logger: logger}
}

// Hooks returns the hook registry mutations are wrapped in.
func (e *Engine) Hooks() *hooks.Registry {
	return e.hooks
}

func (e *Engine) resolve(ctx context.Context, name string) (*schema.Collection, error) {
	col, err := e.schema.FindCollection(ctx, name)
	if errors.Is(err, schema.ErrNotFound) {
		return nil, ErrNotFound
	}
	return col, err
}

func ruleFor(rs schema.RuleSet, op operation) *string {
	switch op {
	case opList:
		return rs.List
	case opView:
		return rs.View
	case opCreate:
		return rs.Create
	case opUpdate:
		return rs.Update
	default:
		return rs.Delete
	}
}

// authorize applies the collection's rule for the operation. A nil rule is
// admin-only, an empty rule is public, otherwise the rule expression decides.
func (e *Engine) authorize(col *schema.Collection, op operation, req *auth.Requester, record, body map[string]any) error {
	if req != nil && req.IsAdmin {
		return nil
	}
	rule := ruleFor(col.Rules, op)
	if rule == nil {
		return denied(req)
	}
	if *rule == "" {
		return nil
	}
	evalCtx := &rules.EvalContext{
		Auth:   req.RuleIdentity(),
		Record: record,
		Body:   body,
	}
	if rules.Evaluate(*rule, evalCtx) {
		return nil
	}
	// An evaluated rule that denies is a forbidden, not a challenge: the
	// request may be perfectly authenticated and still fail the rule.
	return ErrForbidden
}

// denied distinguishes missing credentials from insufficient ones.
func denied(req *auth.Requester) error {
	if req == nil || (!req.IsAdmin && req.User == nil) {
		return ErrUnauthorized
	}
	return ErrForbidden
}

// CanView reports whether an identity may observe a record of the collection,
// per the collection's view rule. Used by the realtime broadcast filter.
func (e *Engine) CanView(ctx context.Context, identity *rules.Identity, isAdmin bool, collectionName string, record map[string]any) bool {
	if isAdmin {
		return true
	}
	col, err := e.schema.FindCollection(ctx, collectionName)
	if err != nil {
		return false
	}
	rule := col.Rules.View
	if rule == nil {
		return false
	}
	if *rule == "" {
		return true
	}
	return rules.Evaluate(*rule, &rules.EvalContext{Auth: identity, Record: record})
}

// loadRow fetches one raw row by id.
func (e *Engine) loadRow(ctx context.Context, col *schema.Collection, id string) (map[string]any, error) {
	rows, err := e.store.DB().QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %q WHERE id = ?`, col.Name), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRowMap(rows)
}

// List returns a rule-guarded page of records.
func (e *Engine) List(ctx context.Context, collectionName string, req *auth.Requester, p query.Params) (*ListResult, error) {
	col, err := e.resolve(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(col, opList, req, nil, nil); err != nil {
		return nil, err
	}

	p.Normalize()
	dataSQL, countSQL, args, err := query.Build(col.Name, col.QueryWhitelist(), p)
	if err != nil {
		return nil, err
	}

	var total int
	if err := e.store.DB().QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	rows, err := e.store.DB().QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	items := []map[string]any{}
	for rows.Next() {
		row, err := scanRowMap(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, deserializeRecord(col, row))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	e.attachExpand(ctx, col, items, p.Expand)

	return &ListResult{
		Page:       p.Page,
		PerPage:    p.PerPage,
		TotalItems: total,
		TotalPages: (total + p.PerPage - 1) / p.PerPage,
		Items:      items,
	}, nil
}

// View returns a single rule-guarded record.
func (e *Engine) View(ctx context.Context, collectionName, id string, req *auth.Requester, expand []string) (map[string]any, error) {
	col, err := e.resolve(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	row, err := e.loadRow(ctx, col, id)
	if err != nil {
		return nil, err
	}
	record := deserializeRecord(col, row)
	if err := e.authorize(col, opView, req, record, nil); err != nil {
		return nil, err
	}

	items := []map[string]any{record}
	e.attachExpand(ctx, col, items, expand)
	return items[0], nil
}

// attachExpand resolves requested relation fields with single id lookups.
// Unknown fields and dangling targets are skipped, never errors.
func (e *Engine) attachExpand(ctx context.Context, col *schema.Collection, items []map[string]any, expand []string) {
	for _, name := range expand {
		f := col.Field(name)
		if f == nil || f.Type != schema.FieldRelation {
			continue
		}
		target, err := e.schema.FindCollection(ctx, f.Options.Target)
		if err != nil {
			continue
		}
		for _, item := range items {
			id, _ := item[name].(string)
			if id == "" {
				continue
			}
			row, err := e.loadRow(ctx, target, id)
			if err != nil {
				continue
			}
			expanded, ok := item["expand"].(map[string]any)
			if !ok {
				expanded = map[string]any{}
				item["expand"] = expanded
			}
			expanded[name] = deserializeRecord(target, row)
		}
	}
}

// Create validates, authorizes and inserts a record, running the create hook
// chain around the write. uploads carries multipart file content keyed by
// field name; nil for plain JSON requests.
func (e *Engine) Create(ctx context.Context, collectionName string, req *auth.Requester, data map[string]any, uploads map[string][]*files.Upload, reqInfo *hooks.RequestInfo) (map[string]any, error) {
	col, err := e.resolve(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	if err := e.authorize(col, opCreate, req, nil, data); err != nil {
		return nil, err
	}

	event := &hooks.Event{
		Context:    ctx,
		Type:       hooks.BeforeCreate,
		Collection: col,
		Data:       data,
		Request:    reqInfo,
	}
	if err := e.hooks.Trigger(event); err != nil {
		return nil, &HookError{Err: err}
	}

	clean, err := validateData(col, data, false)
	if err != nil {
		return nil, err
	}
	if err := validateRelations(ctx, e.store, col, clean); err != nil {
		return nil, err
	}

	authValues, err := e.authColumnsForCreate(col, req, data)
	if err != nil {
		return nil, err
	}

	id := schema.NewID()
	plans, err := e.planFiles(col, clean, uploads)
	if err != nil {
		return nil, err
	}
	if err := e.saveUploads(ctx, col, id, plans, clean); err != nil {
		return nil, err
	}

	now := schema.NowTimestamp()
	columns := []string{schema.ColumnID, schema.ColumnCreated, schema.ColumnUpdated}
	args := []any{
		sql.Named(schema.ColumnID, id),
		sql.Named(schema.ColumnCreated, now),
		sql.Named(schema.ColumnUpdated, now),
	}
	for name, v := range authValues {
		columns = append(columns, name)
		args = append(args, sql.Named(name, v))
	}
	for _, f := range col.Fields {
		v, ok := clean[f.Name]
		if !ok {
			continue
		}
		stored, err := serializeValue(f, v)
		if err != nil {
			e.cleanupFiles(ctx, col, id)
			return nil, err
		}
		columns = append(columns, f.Name)
		args = append(args, sql.Named(f.Name, stored))
	}

	quoted := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
		params[i] = ":" + c
	}

	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`,
				col.Name, strings.Join(quoted, ", "), strings.Join(params, ", ")),
			args...)
		return err
	})
	if err != nil {
		e.cleanupFiles(ctx, col, id)
		if isUniqueViolation(err) {
			return nil, ErrUniqueConflict
		}
		if isFKViolation(err) {
			return nil, ErrRelationConstraint
		}
		return nil, fmt.Errorf("failed to insert record: %w", err)
	}

	row, err := e.loadRow(ctx, col, id)
	if err != nil {
		return nil, err
	}
	record := deserializeRecord(col, row)

	e.triggerAfter(&hooks.Event{
		Context:    ctx,
		Type:       hooks.AfterCreate,
		Collection: col,
		Record:     record,
		RecordID:   id,
		Request:    reqInfo,
	})
	return record, nil
}

// Update applies a partial patch to an existing record, running the update
// hook chain around the write.
func (e *Engine) Update(ctx context.Context, collectionName, id string, req *auth.Requester, data map[string]any, uploads map[string][]*files.Upload, reqInfo *hooks.RequestInfo) (map[string]any, error) {
	col, err := e.resolve(ctx, collectionName)
	if err != nil {
		return nil, err
	}
	existingRow, err := e.loadRow(ctx, col, id)
	if err != nil {
		return nil, err
	}
	existing := deserializeRecord(col, existingRow)

	if data == nil {
		data = map[string]any{}
	}
	if err := e.authorize(col, opUpdate, req, existing, data); err != nil {
		return nil, err
	}

	event := &hooks.Event{
		Context:    ctx,
		Type:       hooks.BeforeUpdate,
		Collection: col,
		Data:       data,
		Existing:   existing,
		RecordID:   id,
		Request:    reqInfo,
	}
	if err := e.hooks.Trigger(event); err != nil {
		return nil, &HookError{Err: err}
	}

	clean, err := validateData(col, data, true)
	if err != nil {
		return nil, err
	}
	if err := validateRelations(ctx, e.store, col, clean); err != nil {
		return nil, err
	}

	authValues, err := e.authColumnsForUpdate(col, req, data)
	if err != nil {
		return nil, err
	}

	plans, err := e.planFiles(col, clean, uploads)
	if err != nil {
		return nil, err
	}
	saved, err := e.saveUploadsForUpdate(ctx, col, id, plans, clean)
	if err != nil {
		return nil, err
	}

	sets := []string{fmt.Sprintf("%q = :%s", schema.ColumnUpdated, schema.ColumnUpdated)}
	args := []any{sql.Named(schema.ColumnUpdated, schema.NowTimestamp())}
	for name, v := range authValues {
		sets = append(sets, fmt.Sprintf("%q = :%s", name, name))
		args = append(args, sql.Named(name, v))
	}
	for _, f := range col.Fields {
		v, ok := clean[f.Name]
		if !ok {
			continue
		}
		stored, err := serializeValue(f, v)
		if err != nil {
			e.removeSavedUploads(ctx, col, id, saved)
			return nil, err
		}
		sets = append(sets, fmt.Sprintf("%q = :%s", f.Name, f.Name))
		args = append(args, sql.Named(f.Name, stored))
	}
	args = append(args, sql.Named("record_id", id))

	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE %q SET %s WHERE id = :record_id`, col.Name, strings.Join(sets, ", ")),
			args...)
		return err
	})
	if err != nil {
		e.removeSavedUploads(ctx, col, id, saved)
		if isUniqueViolation(err) {
			return nil, ErrUniqueConflict
		}
		if isFKViolation(err) {
			return nil, ErrRelationConstraint
		}
		return nil, fmt.Errorf("failed to update record: %w", err)
	}

	e.removeDroppedFiles(ctx, col, id, plans)

	row, err := e.loadRow(ctx, col, id)
	if err != nil {
		return nil, err
	}
	record := deserializeRecord(col, row)

	e.triggerAfter(&hooks.Event{
		Context:    ctx,
		Type:       hooks.AfterUpdate,
		Collection: col,
		Record:     record,
		RecordID:   id,
		Request:    reqInfo,
	})
	return record, nil
}

// Delete removes a record, running the delete hook chain around the write.
// File cleanup runs via the globally registered after-delete hook.
func (e *Engine) Delete(ctx context.Context, collectionName, id string, req *auth.Requester, reqInfo *hooks.RequestInfo) error {
	col, err := e.resolve(ctx, collectionName)
	if err != nil {
		return err
	}
	existingRow, err := e.loadRow(ctx, col, id)
	if err != nil {
		return err
	}
	existing := deserializeRecord(col, existingRow)

	if err := e.authorize(col, opDelete, req, existing, nil); err != nil {
		return err
	}

	event := &hooks.Event{
		Context:    ctx,
		Type:       hooks.BeforeDelete,
		Collection: col,
		Existing:   existing,
		RecordID:   id,
		Request:    reqInfo,
	}
	if err := e.hooks.Trigger(event); err != nil {
		return &HookError{Err: err}
	}

	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, col.Name), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		if isFKViolation(err) {
			return ErrRelationConstraint
		}
		return fmt.Errorf("failed to delete record: %w", err)
	}

	e.triggerAfter(&hooks.Event{
		Context:    ctx,
		Type:       hooks.AfterDelete,
		Collection: col,
		Existing:   existing,
		RecordID:   id,
		Request:    reqInfo,
	})
	return nil
}

// triggerAfter runs an after-event chain; errors are logged, never surfaced.
func (e *Engine) triggerAfter(event *hooks.Event) {
	if err := e.hooks.Trigger(event); err != nil {
		e.logger.Error("after-hook failed",
			slog.String("event", string(event.Type)),
			slog.String("collection", event.Collection.Name),
			slog.String("error", err.Error()))
	}
}

// authColumnsForCreate validates and extracts the system auth columns for a
// new identity row.
func (e *Engine) authColumnsForCreate(col *schema.Collection, req *auth.Requester, data map[string]any) (map[string]any, error) {
	if !col.IsAuth() {
		return nil, nil
	}
	errs := ValidationErrors{}

	email, _ := data["email"].(string)
	if email == "" {
		errs["email"] = "missing required value"
	} else if auth.ValidateEmail(email) != nil {
		errs["email"] = "invalid email address"
	}

	password, _ := data["password"].(string)
	if len(password) < col.MinPasswordLength() {
		errs["password"] = fmt.Sprintf("must be at least %d characters", col.MinPasswordLength())
	}

	verified := 0
	if v, ok := data["verified"]; ok {
		if req == nil || !req.IsAdmin {
			errs["verified"] = "only admins may set the verified flag"
		} else if b, ok := v.(bool); ok && b {
			verified = 1
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		schema.ColumnEmail:        email,
		schema.ColumnPasswordHash: hash,
		schema.ColumnVerified:     verified,
	}, nil
}

// authColumnsForUpdate extracts system auth column changes from a patch.
// Identity credentials only change through the dedicated auth flows, so these
// keys are admin-only here.
func (e *Engine) authColumnsForUpdate(col *schema.Collection, req *auth.Requester, data map[string]any) (map[string]any, error) {
	if !col.IsAuth() {
		return nil, nil
	}
	errs := ValidationErrors{}
	out := map[string]any{}
	isAdmin := req != nil && req.IsAdmin

	if v, ok := data["email"]; ok {
		email, _ := v.(string)
		switch {
		case !isAdmin:
			errs["email"] = "only admins may change the email"
		case auth.ValidateEmail(email) != nil:
			errs["email"] = "invalid email address"
		default:
			out[schema.ColumnEmail] = email
		}
	}

	if v, ok := data["password"]; ok {
		password, _ := v.(string)
		switch {
		case !isAdmin:
			errs["password"] = "only admins may reset the password here"
		case len(password) < col.MinPasswordLength():
			errs["password"] = fmt.Sprintf("must be at least %d characters", col.MinPasswordLength())
		default:
			hash, err := auth.HashPassword(password)
			if err != nil {
				return nil, err
			}
			out[schema.ColumnPasswordHash] = hash
		}
	}

	if v, ok := data["verified"]; ok {
		if !isAdmin {
			errs["verified"] = "only admins may set the verified flag"
		} else {
			verified := 0
			if b, ok := v.(bool); ok && b {
				verified = 1
			}
			out[schema.ColumnVerified] = verified
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}
