package models

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FoldTagName returns the key under which tag names are compared: trimmed
// and lower-cased. Casers are stateful, so one is made per call.
func FoldTagName(name string) string {
	return cases.Lower(language.Und).String(strings.TrimSpace(name))
}

// Tag is an organization-scoped label. Names are unique per organization,
// compared case-insensitively, among tags that are not deleted.
type Tag struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	Color     *string    `json:"color"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at"`
}

func (t *Tag) TableName() string { return TableTags }
func (t *Tag) RowID() string     { return t.ID }

func (t *Tag) Field(column string) (any, bool) {
	switch column {
	case "id":
		return t.ID, true
	case "org_id":
		return t.OrgID, true
	case "name":
		return t.Name, true
	case "color":
		if t.Color == nil {
			return nil, true
		}
		return *t.Color, true
	case "created_at":
		return t.CreatedAt, true
	case "updated_at":
		return t.UpdatedAt, true
	case "deleted_at":
		return nullableTime(t.DeletedAt), true
	}
	return nil, false
}

// Clone returns a deep copy of the tag.
func (t *Tag) Clone() *Tag {
	c := *t
	if t.Color != nil {
		color := *t.Color
		c.Color = &color
	}
	c.DeletedAt = cloneTime(t.DeletedAt)
	return &c
}

// TodoTag links a todo to a tag. A (todo, tag) pair is linked at most once.
type TodoTag struct {
	ID        string    `json:"id"`
	TodoID    string    `json:"todo_id"`
	TagID     string    `json:"tag_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (tt *TodoTag) TableName() string { return TableTodoTags }
func (tt *TodoTag) RowID() string     { return tt.ID }

func (tt *TodoTag) Field(column string) (any, bool) {
	switch column {
	case "id":
		return tt.ID, true
	case "todo_id":
		return tt.TodoID, true
	case "tag_id":
		return tt.TagID, true
	case "created_at":
		return tt.CreatedAt, true
	}
	return nil, false
}

// Clone returns a copy of the link.
func (tt *TodoTag) Clone() *TodoTag {
	c := *tt
	return &c
}
