// Package query builds whitelisted-identifier SQL for list and count
// queries. Identifiers never reach SQL without passing the collection's
// whitelist; values are always bound parameters.
package query

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrInvalidField is returned when a filter or sort references an identifier
// outside the collection's whitelist.
var ErrInvalidField = errors.New("invalid filter/sort field")

// ErrInvalidOp is returned for an unsupported filter operator.
var ErrInvalidOp = errors.New("invalid filter operator")

// Pagination bounds.
const (
	DefaultPerPage = 30
	MaxPerPage     = 500
)

// SortField is one ORDER BY term.
type SortField struct {
	Field string
	Desc  bool
}

// Filter is one WHERE term.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Params are the inputs to a list query.
type Params struct {
	Page    int
	PerPage int
	Sort    []SortField
	Filters []Filter
	Expand  []string
}

// Normalize clamps pagination to the allowed bounds.
func (p *Params) Normalize() {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 {
		if p.PerPage == 0 {
			p.PerPage = DefaultPerPage
		} else {
			p.PerPage = 1
		}
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
}

// operators maps the public operator set to SQL.
var operators = map[string]string{
	"=":  "=",
	"!=": "!=",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
	"~":  "LIKE",
	"!~": "NOT LIKE",
}

// Build returns the data query, the count query (same WHERE, no ORDER BY or
// LIMIT) and the shared parameter bag.
func Build(table string, allowed map[string]bool, p Params) (dataSQL, countSQL string, args []any, err error) {
	p.Normalize()

	var where []string
	for i, f := range p.Filters {
		if !allowed[f.Field] {
			return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidField, f.Field)
		}
		op, ok := operators[f.Op]
		if !ok {
			return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidOp, f.Op)
		}

		param := fmt.Sprintf("filter_%d", i)
		value := f.Value
		clause := fmt.Sprintf(`"%s" %s :%s`, f.Field, op, param)
		if f.Op == "~" || f.Op == "!~" {
			value = "%" + escapeLike(fmt.Sprint(f.Value)) + "%"
			clause += ` ESCAPE '\'`
		}
		where = append(where, clause)
		args = append(args, sql.Named(param, value))
	}

	var orderBy []string
	for _, s := range p.Sort {
		if !allowed[s.Field] {
			return "", "", nil, fmt.Errorf("%w: %q", ErrInvalidField, s.Field)
		}
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		orderBy = append(orderBy, fmt.Sprintf(`"%s" %s`, s.Field, dir))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `SELECT * FROM "%s"`, table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	countSQL = strings.Replace(b.String(), "SELECT *", "SELECT COUNT(*)", 1)

	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY " + strings.Join(orderBy, ", "))
	}
	fmt.Fprintf(&b, " LIMIT %d OFFSET %d", p.PerPage, (p.Page-1)*p.PerPage)

	return b.String(), countSQL, args, nil
}

// escapeLike escapes LIKE metacharacters so filter values match literally.
func escapeLike(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	v = strings.ReplaceAll(v, `_`, `\_`)
	return v
}

// filterSuffixes are tried longest-first when parsing `field<op>=value`
// query keys.
// A trailing `!` means `!=` whose own `=` was consumed as the key/value
// separator.
var filterSuffixes = []string{"!~", "<=", ">=", "!", "~", "<", ">"}

// reservedParams are query keys that never parse as filters.
var reservedParams = map[string]bool{
	"page":    true,
	"perPage": true,
	"sort":    true,
	"expand":  true,
	"token":   true,
}

// ParseQuery extracts Params from a request query string. Supported filter
// key shapes: `field=value` (equality), `field<op>=value` (e.g. `title~=x`)
// and the bracket form `field[op]=value`.
func ParseQuery(values url.Values) Params {
	var p Params

	if v := values.Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Page = n
		}
	}
	if v := values.Get("perPage"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			// An explicit perPage below 1 clamps to 1; only an absent
			// parameter gets the default.
			if n < 1 {
				n = 1
			}
			p.PerPage = n
		}
	}

	if v := values.Get("sort"); v != "" {
		for _, term := range strings.Split(v, ",") {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			s := SortField{Field: term}
			switch term[0] {
			case '-':
				s.Field = term[1:]
				s.Desc = true
			case '+':
				s.Field = term[1:]
			}
			p.Sort = append(p.Sort, s)
		}
	}

	if v := values.Get("expand"); v != "" {
		for _, field := range strings.Split(v, ",") {
			if field = strings.TrimSpace(field); field != "" {
				p.Expand = append(p.Expand, field)
			}
		}
	}

	for key, vals := range values {
		if reservedParams[key] || len(vals) == 0 {
			continue
		}
		field, op := splitFilterKey(key)
		for _, val := range vals {
			p.Filters = append(p.Filters, Filter{Field: field, Op: op, Value: val})
		}
	}

	return p
}

func splitFilterKey(key string) (field, op string) {
	if i := strings.IndexByte(key, '['); i > 0 && strings.HasSuffix(key, "]") {
		return key[:i], key[i+1 : len(key)-1]
	}
	for _, suffix := range filterSuffixes {
		if strings.HasSuffix(key, suffix) {
			field = strings.TrimSuffix(key, suffix)
			if suffix == "!" {
				suffix = "!="
			}
			return field, suffix
		}
	}
	return key, "="
}
