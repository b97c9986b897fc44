// Package schema describes the synchronized tables: their columns, primary
// keys, relationships and soft-delete behaviour. Queries are validated
// against it and both stores use it to map rows.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/superscale/tasksync/internal/models"
)

// Version identifies the shape of the tables below. Clients send it with
// every push and the server refuses mismatched pushes.
const Version = 1

// ColumnType is the logical type of a column.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeBool
	TypeTime
	TypeEnum
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeTime:
		return "time"
	case TypeEnum:
		return "enum"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

// Column describes one column.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Values   []string // allowed values for TypeEnum
}

// Allows reports whether v is a permitted enum value.
func (c Column) Allows(v string) bool {
	if c.Type != TypeEnum {
		return true
	}
	for _, allowed := range c.Values {
		if allowed == v {
			return true
		}
	}
	return false
}

// Relationship is a foreign-key style link from a column of this table to
// a column of another.
type Relationship struct {
	Name         string
	SourceColumn string
	DestTable    string
	DestColumn   string
}

// Table describes one synchronized table.
type Table struct {
	Name          string
	PrimaryKey    string
	Columns       []Column
	Relationships []Relationship
	// SoftDelete tables carry deleted_at; rows with it set are never read.
	SoftDelete bool
	newRow     func() models.Row
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Relationship looks up a relationship by name.
func (t *Table) Relationship(name string) (Relationship, bool) {
	for _, r := range t.Relationships {
		if r.Name == name {
			return r, true
		}
	}
	return Relationship{}, false
}

// DecodeRow decodes a JSON object into this table's row type.
func (t *Table) DecodeRow(data []byte) (models.Row, error) {
	row := t.newRow()
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", t.Name, err)
	}
	return row, nil
}

// Lookup returns the table with the given name.
func Lookup(name string) (*Table, bool) {
	t, ok := tables[name]
	return t, ok
}

// MustLookup returns the table with the given name and panics if it is not
// part of the schema. For use with the models.Table* constants.
func MustLookup(name string) *Table {
	t, ok := tables[name]
	if !ok {
		panic(fmt.Sprintf("schema: unknown table %q", name))
	}
	return t
}

// Tables returns all table names sorted.
func Tables() []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func enumValues[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}

func timestamps() []Column {
	return []Column{
		{Name: "created_at", Type: TypeTime},
		{Name: "updated_at", Type: TypeTime},
		{Name: "deleted_at", Type: TypeTime, Nullable: true},
	}
}

var tables = map[string]*Table{
	models.TableOrganizations: {
		Name:       models.TableOrganizations,
		PrimaryKey: "id",
		Columns: append([]Column{
			{Name: "id", Type: TypeString},
			{Name: "name", Type: TypeString},
			{Name: "slug", Type: TypeString},
		}, timestamps()...),
		Relationships: []Relationship{
			{Name: "members", SourceColumn: "id", DestTable: models.TableOrgMembers, DestColumn: "org_id"},
			{Name: "todos", SourceColumn: "id", DestTable: models.TableTodos, DestColumn: "org_id"},
			{Name: "tags", SourceColumn: "id", DestTable: models.TableTags, DestColumn: "org_id"},
		},
		SoftDelete: true,
		newRow:     func() models.Row { return &models.Organization{} },
	},
	models.TableOrgMembers: {
		Name:       models.TableOrgMembers,
		PrimaryKey: "id",
		Columns: append([]Column{
			{Name: "id", Type: TypeString},
			{Name: "org_id", Type: TypeString},
			{Name: "user_id", Type: TypeString},
			{Name: "role", Type: TypeEnum, Values: enumValues(models.ValidOrgRoles())},
		}, timestamps()...),
		Relationships: []Relationship{
			{Name: "organization", SourceColumn: "org_id", DestTable: models.TableOrganizations, DestColumn: "id"},
			{Name: "user", SourceColumn: "user_id", DestTable: models.TableUsers, DestColumn: "id"},
		},
		SoftDelete: true,
		newRow:     func() models.Row { return &models.OrgMembership{} },
	},
	models.TableUsers: {
		Name:       models.TableUsers,
		PrimaryKey: "id",
		Columns: append([]Column{
			{Name: "id", Type: TypeString},
			{Name: "email", Type: TypeString},
			{Name: "name", Type: TypeString},
		}, timestamps()...),
		Relationships: []Relationship{
			{Name: "memberships", SourceColumn: "id", DestTable: models.TableOrgMembers, DestColumn: "user_id"},
		},
		SoftDelete: true,
		newRow:     func() models.Row { return &models.User{} },
	},
	models.TableTodos: {
		Name:       models.TableTodos,
		PrimaryKey: "id",
		Columns: append([]Column{
			{Name: "id", Type: TypeString},
			{Name: "org_id", Type: TypeString},
			{Name: "user_id", Type: TypeString},
			{Name: "title", Type: TypeString},
			{Name: "description", Type: TypeString},
			{Name: "priority", Type: TypeEnum, Values: enumValues(models.ValidTodoPriorities())},
			{Name: "status", Type: TypeEnum, Values: enumValues(models.ValidTodoStatuses())},
			{Name: "completed", Type: TypeBool},
			{Name: "due_date", Type: TypeTime, Nullable: true},
			{Name: "version", Type: TypeString},
			{Name: "last_edited_by", Type: TypeString, Nullable: true},
			{Name: "last_edited_at", Type: TypeTime, Nullable: true},
		}, timestamps()...),
		Relationships: []Relationship{
			{Name: "organization", SourceColumn: "org_id", DestTable: models.TableOrganizations, DestColumn: "id"},
			{Name: "creator", SourceColumn: "user_id", DestTable: models.TableUsers, DestColumn: "id"},
			{Name: "todoTags", SourceColumn: "id", DestTable: models.TableTodoTags, DestColumn: "todo_id"},
		},
		SoftDelete: true,
		newRow:     func() models.Row { return &models.Todo{} },
	},
	models.TableTags: {
		Name:       models.TableTags,
		PrimaryKey: "id",
		Columns: append([]Column{
			{Name: "id", Type: TypeString},
			{Name: "org_id", Type: TypeString},
			{Name: "name", Type: TypeString},
			{Name: "color", Type: TypeString, Nullable: true},
		}, timestamps()...),
		Relationships: []Relationship{
			{Name: "organization", SourceColumn: "org_id", DestTable: models.TableOrganizations, DestColumn: "id"},
			{Name: "todoTags", SourceColumn: "id", DestTable: models.TableTodoTags, DestColumn: "tag_id"},
		},
		SoftDelete: true,
		newRow:     func() models.Row { return &models.Tag{} },
	},
	models.TableTodoTags: {
		Name:       models.TableTodoTags,
		PrimaryKey: "id",
		Columns: []Column{
			{Name: "id", Type: TypeString},
			{Name: "todo_id", Type: TypeString},
			{Name: "tag_id", Type: TypeString},
			{Name: "created_at", Type: TypeTime},
		},
		Relationships: []Relationship{
			{Name: "todo", SourceColumn: "todo_id", DestTable: models.TableTodos, DestColumn: "id"},
			{Name: "tag", SourceColumn: "tag_id", DestTable: models.TableTags, DestColumn: "id"},
		},
		newRow: func() models.Row { return &models.TodoTag{} },
	},
}
