package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/bunbase/bunbase/internal/schema"
	"github.com/bunbase/bunbase/internal/store"
)

// validateData checks a payload against the collection's declared fields and
// returns the cleaned field values. Unknown keys are ignored. With partial
// set, absent fields are skipped instead of failing required checks.
func validateData(col *schema.Collection, data map[string]any, partial bool) (map[string]any, error) {
	clean := make(map[string]any, len(data))
	errs := ValidationErrors{}

	for _, f := range col.Fields {
		v, present := data[f.Name]
		if !present {
			if !partial && f.Required {
				errs[f.Name] = "missing required value"
			}
			continue
		}
		if v == nil {
			if f.Required {
				errs[f.Name] = "value is required"
			} else {
				clean[f.Name] = nil
			}
			continue
		}

		normalized, msg := validateValue(f, v)
		if msg != "" {
			errs[f.Name] = msg
			continue
		}
		if f.Required && isZeroValue(f.Type, normalized) {
			errs[f.Name] = "value is required"
			continue
		}
		clean[f.Name] = normalized
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return clean, nil
}

// validateValue checks a single value against its field type and returns the
// normalized value, or a message on failure.
func validateValue(f *schema.Field, v any) (any, string) {
	switch f.Type {
	case schema.FieldText:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a string"
		}
		return s, ""

	case schema.FieldNumber:
		n, ok := asNumber(v)
		if !ok {
			return nil, "must be a number"
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, "must be a finite number"
		}
		return n, ""

	case schema.FieldBool:
		switch b := v.(type) {
		case bool:
			return b, ""
		case string:
			// Multipart form values arrive as strings.
			switch b {
			case "true", "1":
				return true, ""
			case "false", "0":
				return false, ""
			}
		}
		return nil, "must be a boolean"

	case schema.FieldDateTime:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a datetime string"
		}
		if s == "" {
			return s, ""
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			return nil, "must be an ISO-8601 datetime"
		}
		return s, ""

	case schema.FieldJSON:
		return v, ""

	case schema.FieldRelation:
		s, ok := v.(string)
		if !ok {
			return nil, "must be a record id"
		}
		return s, ""

	case schema.FieldFile:
		// File content is validated at the upload boundary; the body may
		// only carry filenames to keep.
		switch fv := v.(type) {
		case string:
			return fv, ""
		case []string:
			return fv, ""
		case []any:
			out := make([]string, 0, len(fv))
			for _, item := range fv {
				s, ok := item.(string)
				if !ok {
					return nil, "must be a filename or list of filenames"
				}
				out = append(out, s)
			}
			return out, ""
		default:
			return nil, "must be a filename or list of filenames"
		}

	default:
		return nil, fmt.Sprintf("unsupported field type %q", f.Type)
	}
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		// Multipart form values arrive as strings.
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// isZeroValue reports whether a present value still fails a required check.
func isZeroValue(t schema.FieldType, v any) bool {
	switch t {
	case schema.FieldText, schema.FieldDateTime, schema.FieldRelation:
		return v == ""
	case schema.FieldFile:
		if s, ok := v.(string); ok {
			return s == ""
		}
		if list, ok := v.([]string); ok {
			return len(list) == 0
		}
		return false
	default:
		return false
	}
}

// validateRelations checks that every non-empty relation value resolves to an
// existing record in its target collection. Runs after shape validation.
func validateRelations(ctx context.Context, st *store.Store, col *schema.Collection, data map[string]any) error {
	for _, f := range col.Fields {
		if f.Type != schema.FieldRelation {
			continue
		}
		v, ok := data[f.Name]
		if !ok || v == nil {
			continue
		}
		id, _ := v.(string)
		if id == "" {
			continue
		}

		target := f.Options.Target
		if !schema.IsValidIdentifier(target) {
			return &RelationError{Field: f.Name, Target: target, Value: id}
		}
		var one int
		err := st.DB().QueryRowContext(ctx,
			fmt.Sprintf(`SELECT 1 FROM %q WHERE id = ?`, target), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return &RelationError{Field: f.Name, Target: target, Value: id}
		}
		if err != nil {
			return fmt.Errorf("failed to check relation %q: %w", f.Name, err)
		}
	}
	return nil
}
