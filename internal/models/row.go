package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Table names shared by the schema, the stores and the permission rules.
const (
	TableOrganizations = "organizations"
	TableOrgMembers    = "organization_members"
	TableUsers         = "users"
	TableTodos         = "todos"
	TableTags          = "tags"
	TableTodoTags      = "todo_tags"
)

// Row is implemented by every synchronized entity.
type Row interface {
	TableName() string
	RowID() string
	// Field returns the value of a column by its schema name. Null values are
	// returned as nil. The second result is false for unknown columns.
	Field(column string) (any, bool)
}

// OptionalTime is a nullable timestamp input that distinguishes an absent
// field from an explicit null. On the wire it is epoch milliseconds or null.
type OptionalTime struct {
	Set  bool
	Time *time.Time
}

// SetTime returns an OptionalTime carrying t.
func SetTime(t time.Time) OptionalTime {
	t = t.UTC()
	return OptionalTime{Set: true, Time: &t}
}

// ClearTime returns an OptionalTime carrying an explicit null.
func ClearTime() OptionalTime {
	return OptionalTime{Set: true}
}

// IsZero reports whether the field was absent, so omitzero drops it.
func (o OptionalTime) IsZero() bool {
	return !o.Set
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if o.Time == nil {
		return []byte("null"), nil
	}
	return json.Marshal(o.Time.UnixMilli())
}

func (o *OptionalTime) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Time = nil
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("expected epoch milliseconds or null: %w", err)
	}
	t := time.UnixMilli(ms).UTC()
	o.Time = &t
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
