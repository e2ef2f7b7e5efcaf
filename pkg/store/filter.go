package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Filter selects documents by dotted JSON path. A plain value means
// equality, nil means the field is null or absent, and the operator
// helpers below express membership and ranges. The "id" key matches the
// document id column.
type Filter map[string]any

type containsOp struct{ value any }

type inOp struct{ values []any }

type rangeOp struct {
	from, to any
	times    bool
}

// Contains matches documents whose array at the path holds v.
func Contains(v any) any { return containsOp{value: v} }

// In matches documents whose field equals one of vs.
func In(vs ...any) any { return inOp{values: vs} }

// Range matches numeric fields within [from, to]. A nil bound is open.
func Range(from, to any) any { return rangeOp{from: from, to: to} }

// TimeRange matches timestamp fields within [from, to]. A zero bound is open.
func TimeRange(from, to time.Time) any {
	op := rangeOp{times: true}
	if !from.IsZero() {
		op.from = from
	}
	if !to.IsZero() {
		op.to = to
	}
	return op
}

// Update describes an atomic in-place modification of one document.
type Update struct {
	Set  map[string]any
	Inc  map[string]int64
	Push map[string]any
}

func (u Update) empty() bool {
	return len(u.Set) == 0 && len(u.Inc) == 0 && len(u.Push) == 0
}

func jsonPath(field string) string {
	return "$." + field
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// where renders the filter as a SQL boolean expression over body.
func (f Filter) where() (string, []any, error) {
	if len(f) == 0 {
		return "1=1", nil, nil
	}

	clauses := make([]string, 0, len(f))
	var args []any
	for _, field := range sortedKeys(f) {
		column := "json_extract(body, ?)"
		colArgs := []any{jsonPath(field)}
		if field == "id" {
			column = "id"
			colArgs = nil
		}

		switch op := f[field].(type) {
		case containsOp:
			v, err := sqlValue(op.value)
			if err != nil {
				return "", nil, fmt.Errorf("filter %s: %w", field, err)
			}
			clauses = append(clauses, "EXISTS (SELECT 1 FROM json_each(body, ?) WHERE value = ?)")
			args = append(args, jsonPath(field), v)

		case inOp:
			if len(op.values) == 0 {
				clauses = append(clauses, "1=0")
				continue
			}
			marks := make([]string, len(op.values))
			args = append(args, colArgs...)
			for i, raw := range op.values {
				v, err := sqlValue(raw)
				if err != nil {
					return "", nil, fmt.Errorf("filter %s: %w", field, err)
				}
				marks[i] = "?"
				args = append(args, v)
			}
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", column, strings.Join(marks, ", ")))

		case rangeOp:
			expr := column
			if op.times {
				expr = "julianday(" + column + ")"
			}
			bound := func(cmp string, raw any) error {
				v, err := sqlValue(raw)
				if err != nil {
					return err
				}
				if op.times {
					clauses = append(clauses, fmt.Sprintf("%s %s julianday(?)", expr, cmp))
				} else {
					clauses = append(clauses, fmt.Sprintf("%s %s ?", expr, cmp))
				}
				args = append(args, colArgs...)
				args = append(args, v)
				return nil
			}
			if op.from != nil {
				if err := bound(">=", op.from); err != nil {
					return "", nil, fmt.Errorf("filter %s: %w", field, err)
				}
			}
			if op.to != nil {
				if err := bound("<=", op.to); err != nil {
					return "", nil, fmt.Errorf("filter %s: %w", field, err)
				}
			}

		default:
			if op == nil {
				clauses = append(clauses, column+" IS NULL")
				args = append(args, colArgs...)
				continue
			}
			v, err := sqlValue(op)
			if err != nil {
				return "", nil, fmt.Errorf("filter %s: %w", field, err)
			}
			clauses = append(clauses, column+" = ?")
			args = append(args, colArgs...)
			args = append(args, v)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// expression renders the update as a body-rewriting SQL expression.
func (u Update) expression() (string, []any, error) {
	var pairs []string
	var args []any

	for _, field := range sortedKeys(u.Set) {
		raw, err := json.Marshal(u.Set[field])
		if err != nil {
			return "", nil, fmt.Errorf("update %s: %w", field, err)
		}
		pairs = append(pairs, "?, json(?)")
		args = append(args, jsonPath(field), string(raw))
	}
	for _, field := range sortedKeys(u.Inc) {
		pairs = append(pairs, "?, COALESCE(json_extract(body, ?), 0) + ?")
		args = append(args, jsonPath(field), jsonPath(field), u.Inc[field])
	}
	// A null or missing array is replaced by an empty one before appending.
	for _, field := range sortedKeys(u.Push) {
		pairs = append(pairs, "?, json(COALESCE(json_extract(body, ?), '[]'))")
		args = append(args, jsonPath(field), jsonPath(field))
	}

	expr := "body"
	if len(pairs) > 0 {
		expr = "json_set(body, " + strings.Join(pairs, ", ") + ")"
	}

	if len(u.Push) > 0 {
		var inserts []string
		for _, field := range sortedKeys(u.Push) {
			raw, err := json.Marshal(u.Push[field])
			if err != nil {
				return "", nil, fmt.Errorf("push %s: %w", field, err)
			}
			inserts = append(inserts, "?, json(?)")
			args = append(args, jsonPath(field)+"[#]", string(raw))
		}
		expr = "json_insert(" + expr + ", " + strings.Join(inserts, ", ") + ")"
	}
	return expr, args, nil
}

// sqlValue maps a Go value to the SQL value json_extract yields for the
// same JSON encoding.
func sqlValue(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		if rv.Bool() {
			return int64(1), nil
		}
		return int64(0), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return sqlValue(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("unsupported filter value %T", v)
}
