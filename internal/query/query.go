// Package query defines the declarative read specifications shared by the
// client replica and the server: a table, equality/range conditions, an
// ordering, a limit and a retention TTL.
package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/syncerr"
)

// DefaultTTL is how long a query's rows stay cached after its last
// subscriber goes away.
const DefaultTTL = 5 * time.Minute

// Forever keeps a query's rows cached until the client shuts down.
const Forever = Duration(-1)

// MaxLimit caps the number of rows a single query may return.
const MaxLimit = 1000

// Op is a comparison operator.
type Op string

const (
	OpEq        Op = "="
	OpNeq       Op = "!="
	OpLt        Op = "<"
	OpLte       Op = "<="
	OpGt        Op = ">"
	OpGte       Op = ">="
	OpIsNull    Op = "IS NULL"
	OpIsNotNull Op = "IS NOT NULL"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// Unary reports whether the operator takes no value.
func (o Op) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// Condition compares a column with a value.
type Condition struct {
	Column string `json:"column"`
	Op     Op     `json:"op"`
	Value  any    `json:"value,omitempty"`
}

// Order sorts by a column.
type Order struct {
	Column string `json:"column"`
	Desc   bool   `json:"desc,omitempty"`
}

// Duration is a time.Duration that travels as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Spec is a read specification. Rows with deleted_at set are excluded
// implicitly for soft-delete tables.
type Spec struct {
	Table   string      `json:"table"`
	Where   []Condition `json:"where,omitempty"`
	OrderBy []Order     `json:"order_by,omitempty"`
	Limit   int         `json:"limit,omitempty"`
	TTL     Duration    `json:"ttl,omitempty"`
}

// Normalize validates the spec against the schema and converts condition
// values to the column's Go type: string, bool or time.Time. Times are
// accepted as RFC 3339 strings or epoch milliseconds.
func (s Spec) Normalize() (Spec, error) {
	table, ok := schema.Lookup(s.Table)
	if !ok {
		return Spec{}, syncerr.Validation("unknown table %q", s.Table)
	}
	if s.Limit < 0 || s.Limit > MaxLimit {
		return Spec{}, syncerr.Validation("limit must be between 0 and %d", MaxLimit)
	}

	out := s
	out.Where = make([]Condition, len(s.Where))
	for i, cond := range s.Where {
		col, ok := table.Column(cond.Column)
		if !ok {
			return Spec{}, syncerr.Validation("unknown column %s.%s", s.Table, cond.Column)
		}
		if !cond.Op.valid() {
			return Spec{}, syncerr.Validation("unsupported operator %q", cond.Op)
		}
		if cond.Op.Unary() {
			out.Where[i] = Condition{Column: cond.Column, Op: cond.Op}
			continue
		}
		v, err := coerce(col, cond.Value)
		if err != nil {
			return Spec{}, syncerr.Validation("%s.%s: %v", s.Table, cond.Column, err)
		}
		out.Where[i] = Condition{Column: cond.Column, Op: cond.Op, Value: v}
	}

	for _, o := range s.OrderBy {
		if _, ok := table.Column(o.Column); !ok {
			return Spec{}, syncerr.Validation("unknown order column %s.%s", s.Table, o.Column)
		}
	}
	if out.TTL == 0 {
		out.TTL = Duration(DefaultTTL)
	}
	return out, nil
}

func coerce(col schema.Column, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("value is required, use IS NULL to match nulls")
	}
	switch col.Type {
	case schema.TypeString, schema.TypeEnum:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", v)
		}
		if !col.Allows(s) {
			return nil, fmt.Errorf("value %q not allowed", s)
		}
		return s, nil
	case schema.TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", v)
		}
		return b, nil
	case schema.TypeTime:
		switch tv := v.(type) {
		case time.Time:
			return tv.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, tv)
			if err != nil {
				return nil, fmt.Errorf("parse time: %w", err)
			}
			return t.UTC(), nil
		case float64:
			return time.UnixMilli(int64(tv)).UTC(), nil
		case int64:
			return time.UnixMilli(tv).UTC(), nil
		case int:
			return time.UnixMilli(int64(tv)).UTC(), nil
		}
		return nil, fmt.Errorf("expected time, got %T", v)
	}
	return nil, fmt.Errorf("unsupported column type %s", col.Type)
}

// Key is a canonical identifier for the spec, used to deduplicate
// subscriptions. TTL is not part of the key.
func (s Spec) Key() string {
	var b strings.Builder
	b.WriteString(s.Table)
	for _, c := range s.Where {
		fmt.Fprintf(&b, "|%s %s %v", c.Column, c.Op, formatValue(c.Value))
	}
	for _, o := range s.OrderBy {
		dir := "asc"
		if o.Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, "|order %s %s", o.Column, dir)
	}
	if s.Limit > 0 {
		fmt.Fprintf(&b, "|limit %d", s.Limit)
	}
	return b.String()
}

func formatValue(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

// Matches reports whether a row satisfies the spec's table, conditions and
// the implicit soft-delete filter. The spec must be normalized.
func (s Spec) Matches(row models.Row) bool {
	if row.TableName() != s.Table {
		return false
	}
	if deleted, ok := row.Field("deleted_at"); ok && deleted != nil {
		return false
	}
	for _, c := range s.Where {
		v, ok := row.Field(c.Column)
		if !ok || !c.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v any) bool {
	switch c.Op {
	case OpIsNull:
		return v == nil
	case OpIsNotNull:
		return v != nil
	}
	if v == nil {
		return false
	}
	cmp, ok := Compare(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNeq:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	}
	return false
}

// Compare orders two column values of the same type. Nulls sort first.
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}
