package models

import "time"

// TodoPriority ranks a todo.
type TodoPriority string

const (
	TodoPriorityLow    TodoPriority = "low"
	TodoPriorityMedium TodoPriority = "medium"
	TodoPriorityHigh   TodoPriority = "high"
)

// ValidTodoPriorities returns all valid priorities.
func ValidTodoPriorities() []TodoPriority {
	return []TodoPriority{TodoPriorityLow, TodoPriorityMedium, TodoPriorityHigh}
}

// TodoStatus is the workflow state of a todo.
type TodoStatus string

const (
	TodoStatusPending    TodoStatus = "pending"
	TodoStatusInProgress TodoStatus = "in_progress"
	TodoStatusCompleted  TodoStatus = "completed"
	TodoStatusCancelled  TodoStatus = "cancelled"
)

// ValidTodoStatuses returns all valid statuses.
func ValidTodoStatuses() []TodoStatus {
	return []TodoStatus{TodoStatusPending, TodoStatusInProgress, TodoStatusCompleted, TodoStatusCancelled}
}

// Todo is a work item owned by the user who created it and scoped to an
// organization. Version is an opaque token that every successful update
// replaces; writers must present the version they last read.
type Todo struct {
	ID           string       `json:"id"`
	OrgID        string       `json:"org_id"`
	UserID       string       `json:"user_id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	Priority     TodoPriority `json:"priority"`
	Status       TodoStatus   `json:"status"`
	Completed    bool         `json:"completed"`
	DueDate      *time.Time   `json:"due_date"`
	Version      string       `json:"version"`
	LastEditedBy *string      `json:"last_edited_by"`
	LastEditedAt *time.Time   `json:"last_edited_at"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	DeletedAt    *time.Time   `json:"deleted_at"`
}

func (t *Todo) TableName() string { return TableTodos }
func (t *Todo) RowID() string     { return t.ID }

func (t *Todo) Field(column string) (any, bool) {
	switch column {
	case "id":
		return t.ID, true
	case "org_id":
		return t.OrgID, true
	case "user_id":
		return t.UserID, true
	case "title":
		return t.Title, true
	case "description":
		return t.Description, true
	case "priority":
		return string(t.Priority), true
	case "status":
		return string(t.Status), true
	case "completed":
		return t.Completed, true
	case "due_date":
		return nullableTime(t.DueDate), true
	case "version":
		return t.Version, true
	case "last_edited_by":
		if t.LastEditedBy == nil {
			return nil, true
		}
		return *t.LastEditedBy, true
	case "last_edited_at":
		return nullableTime(t.LastEditedAt), true
	case "created_at":
		return t.CreatedAt, true
	case "updated_at":
		return t.UpdatedAt, true
	case "deleted_at":
		return nullableTime(t.DeletedAt), true
	}
	return nil, false
}

// Clone returns a deep copy of the todo.
func (t *Todo) Clone() *Todo {
	c := *t
	c.DueDate = cloneTime(t.DueDate)
	c.LastEditedAt = cloneTime(t.LastEditedAt)
	c.DeletedAt = cloneTime(t.DeletedAt)
	if t.LastEditedBy != nil {
		by := *t.LastEditedBy
		c.LastEditedBy = &by
	}
	return &c
}

// IsDeleted reports whether the todo has been soft-deleted.
func (t *Todo) IsDeleted() bool {
	return t.DeletedAt != nil
}

// TodoStats counts the live todos of an organization by status.
type TodoStats struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Cancelled  int `json:"cancelled"`
}

// Add counts one todo.
func (s *TodoStats) Add(t *Todo) {
	s.Total++
	switch t.Status {
	case TodoStatusCompleted:
		s.Completed++
	case TodoStatusPending:
		s.Pending++
	case TodoStatusInProgress:
		s.InProgress++
	case TodoStatusCancelled:
		s.Cancelled++
	}
}
