package records

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bunbase/bunbase/internal/schema"
)

// serializeValue converts a validated field value to its storage shape:
// object-valued fields are JSON-stringified, booleans become 0/1.
func serializeValue(f *schema.Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Type {
	case schema.FieldBool:
		if v == true {
			return 1, nil
		}
		return 0, nil
	case schema.FieldRelation:
		// An empty id clears the relation; stored as NULL so the foreign
		// key never sees an empty string.
		if v == "" {
			return nil, nil
		}
		return v, nil
	case schema.FieldJSON:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json field %q: %w", f.Name, err)
		}
		return string(raw), nil
	case schema.FieldFile:
		// Single filename stays a plain string; lists are stored as a
		// JSON array.
		if list, ok := v.([]string); ok {
			raw, _ := json.Marshal(list)
			return string(raw), nil
		}
		if list, ok := v.([]any); ok {
			raw, err := json.Marshal(list)
			if err != nil {
				return nil, fmt.Errorf("failed to encode file field %q: %w", f.Name, err)
			}
			return string(raw), nil
		}
		return v, nil
	default:
		return v, nil
	}
}

// deserializeRecord converts a stored row back to API shape: JSON parsed to
// values, 0/1 back to bool.
func deserializeRecord(col *schema.Collection, row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	delete(out, schema.ColumnPasswordHash)

	if col.IsAuth() {
		out[schema.ColumnVerified] = toBool(row[schema.ColumnVerified])
	}

	for _, f := range col.Fields {
		v, ok := out[f.Name]
		if !ok || v == nil {
			continue
		}
		switch f.Type {
		case schema.FieldBool:
			out[f.Name] = toBool(v)
		case schema.FieldJSON:
			if s, ok := v.(string); ok {
				var parsed any
				if err := json.Unmarshal([]byte(s), &parsed); err == nil {
					out[f.Name] = parsed
				}
			}
		case schema.FieldFile:
			if s, ok := v.(string); ok && strings.HasPrefix(s, "[") {
				var list []any
				if err := json.Unmarshal([]byte(s), &list); err == nil {
					out[f.Name] = list
				}
			}
		}
	}
	return out
}

func toBool(v any) bool {
	switch n := v.(type) {
	case bool:
		return n
	case int64:
		return n != 0
	case float64:
		return n != 0
	case string:
		return n == "1" || n == "true"
	default:
		return false
	}
}

// scanRowMap reads the current row of rows into a column-keyed map with
// driver byte slices converted to strings.
func scanRowMap(rows *sql.Rows) (map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	row := make(map[string]any, len(cols))
	for i, c := range cols {
		v := values[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[c] = v
	}
	return row, nil
}
