package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bunbase/bunbase/internal/files"
	"github.com/bunbase/bunbase/internal/schema"
)

// filePlan is the resolved write set for one file field: filenames the caller
// explicitly keeps plus validated new uploads.
type filePlan struct {
	field   *schema.Field
	kept    []string
	uploads []*files.Upload
	heads   [][]byte
}

// planFiles validates uploads against their fields' constraints before any
// byte is written. The value of a file field named in the payload is
// authoritative: kept filenames must be restated explicitly, and a plan is
// built even without uploads so files the patch no longer names get dropped.
func (e *Engine) planFiles(col *schema.Collection, clean map[string]any, uploads map[string][]*files.Upload) ([]*filePlan, error) {
	if len(uploads) > 0 && e.files == nil {
		return nil, errors.New("file storage is not configured")
	}

	errs := ValidationErrors{}
	for name := range uploads {
		if f := col.Field(name); f == nil || f.Type != schema.FieldFile {
			errs[name] = "unknown file field"
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}

	var plans []*filePlan
	for _, f := range col.Fields {
		if f.Type != schema.FieldFile || e.files == nil {
			continue
		}
		ups := uploads[f.Name]
		if _, present := clean[f.Name]; !present && len(ups) == 0 {
			continue
		}

		maxFiles := f.Options.MaxFiles
		if maxFiles < 1 {
			maxFiles = 1
		}
		kept := filenamesFromValue(clean[f.Name])
		if len(kept)+len(ups) > maxFiles {
			return nil, fmt.Errorf("%q: %w", f.Name, files.ErrTooMany)
		}

		plan := &filePlan{field: f, kept: kept, uploads: ups}
		for _, up := range ups {
			head := make([]byte, 512)
			n, err := io.ReadFull(up.Reader, head)
			if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, err
			}
			head = head[:n]
			if err := e.files.Validate(f, up, head); err != nil {
				return nil, fmt.Errorf("%q: %w", f.Name, err)
			}
			plan.heads = append(plan.heads, head)
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// saveUploads writes all planned uploads for a new record and merges the
// generated filenames into clean. On failure the whole record directory is
// removed.
func (e *Engine) saveUploads(ctx context.Context, col *schema.Collection, recordID string, plans []*filePlan, clean map[string]any) error {
	for _, plan := range plans {
		names := append([]string{}, plan.kept...)
		for i, up := range plan.uploads {
			name, err := e.files.Save(ctx, col.Name, recordID, plan.field.Name, up, plan.heads[i])
			if err != nil {
				e.cleanupFiles(ctx, col, recordID)
				return err
			}
			names = append(names, name)
		}
		clean[plan.field.Name] = fileFieldValue(plan.field, names)
	}
	return nil
}

// saveUploadsForUpdate writes planned uploads into an existing record's
// directory and returns the generated filenames so a failed row update can
// remove just those.
func (e *Engine) saveUploadsForUpdate(ctx context.Context, col *schema.Collection, recordID string, plans []*filePlan, clean map[string]any) ([]string, error) {
	var saved []string
	for _, plan := range plans {
		names := append([]string{}, plan.kept...)
		for i, up := range plan.uploads {
			name, err := e.files.Save(ctx, col.Name, recordID, plan.field.Name, up, plan.heads[i])
			if err != nil {
				e.removeSavedUploads(ctx, col, recordID, saved)
				return nil, err
			}
			saved = append(saved, name)
			names = append(names, name)
		}
		clean[plan.field.Name] = fileFieldValue(plan.field, names)
	}
	return saved, nil
}

// removeSavedUploads deletes the files written by a failed update.
func (e *Engine) removeSavedUploads(ctx context.Context, col *schema.Collection, recordID string, saved []string) {
	for _, name := range saved {
		if err := e.files.DeleteFile(ctx, col.Name, recordID, name); err != nil {
			e.logger.Warn("failed to remove orphaned upload",
				slog.String("collection", col.Name),
				slog.String("record", recordID),
				slog.String("file", name),
				slog.String("error", err.Error()))
		}
	}
}

// removeDroppedFiles deletes files the committed update no longer references.
func (e *Engine) removeDroppedFiles(ctx context.Context, col *schema.Collection, recordID string, plans []*filePlan) {
	for _, plan := range plans {
		// Freshly generated names never appear in the previous value, so
		// only the kept set matters here.
		final := map[string]bool{}
		for _, name := range plan.kept {
			final[name] = true
		}
		for _, name := range e.storedFilenames(ctx, col, recordID, plan.field) {
			if final[name] {
				continue
			}
			if err := e.files.DeleteFile(ctx, col.Name, recordID, name); err != nil {
				e.logger.Warn("failed to remove replaced file",
					slog.String("collection", col.Name),
					slog.String("record", recordID),
					slog.String("file", name),
					slog.String("error", err.Error()))
			}
		}
	}
}

// storedFilenames lists the files recorded for one field of a record.
func (e *Engine) storedFilenames(ctx context.Context, col *schema.Collection, recordID string, f *schema.Field) []string {
	if e.files == nil {
		return nil
	}
	names, err := e.files.ListFieldFiles(ctx, col.Name, recordID, f.Name)
	if err != nil {
		e.logger.Warn("failed to list record files",
			slog.String("collection", col.Name),
			slog.String("record", recordID),
			slog.String("error", err.Error()))
		return nil
	}
	return names
}

// cleanupFiles removes everything stored for a record that failed to insert.
func (e *Engine) cleanupFiles(ctx context.Context, col *schema.Collection, recordID string) {
	if e.files == nil {
		return
	}
	if err := e.files.DeleteRecordFiles(ctx, col.Name, recordID); err != nil {
		e.logger.Warn("failed to clean up record files",
			slog.String("collection", col.Name),
			slog.String("record", recordID),
			slog.String("error", err.Error()))
	}
}

// fileFieldValue shapes the final filename set for storage: single string for
// single-file fields, ordered list otherwise.
func fileFieldValue(f *schema.Field, names []string) any {
	if f.Options.MaxFiles <= 1 {
		if len(names) == 0 {
			return ""
		}
		return names[len(names)-1]
	}
	return names
}

// filenamesFromValue extracts filenames from a payload or stored value.
func filenamesFromValue(v any) []string {
	switch fv := v.(type) {
	case string:
		if fv == "" {
			return nil
		}
		if len(fv) > 1 && fv[0] == '[' {
			var list []string
			if err := json.Unmarshal([]byte(fv), &list); err == nil {
				return list
			}
		}
		return []string{fv}
	case []string:
		return fv
	case []any:
		var out []string
		for _, item := range fv {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
