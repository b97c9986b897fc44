package mutators

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/syncerr"
)

// CreateTodoInput creates a todo. ID may be chosen by the client so the
// optimistic row and the authoritative row share an id.
type CreateTodoInput struct {
	ID          string              `json:"id,omitempty" validate:"omitempty,max=64"`
	OrgID       string              `json:"org_id" validate:"required"`
	Title       string              `json:"title" validate:"required,max=500"`
	Description string              `json:"description,omitempty" validate:"max=5000"`
	Priority    models.TodoPriority `json:"priority,omitempty" validate:"omitempty,oneof=low medium high"`
	DueDate     models.OptionalTime `json:"due_date,omitzero"`
	TagIDs      []string            `json:"tag_ids,omitempty"`
}

// UpdateTodoInput changes the fields that are present. TagIDs, when present,
// is the complete desired set of tags.
type UpdateTodoInput struct {
	ID          string               `json:"id" validate:"required"`
	Version     string               `json:"version" validate:"required"`
	Title       *string              `json:"title,omitempty" validate:"omitnil,min=1,max=500"`
	Description *string              `json:"description,omitempty" validate:"omitnil,max=5000"`
	Priority    *models.TodoPriority `json:"priority,omitempty" validate:"omitnil,oneof=low medium high"`
	Status      *models.TodoStatus   `json:"status,omitempty" validate:"omitnil,oneof=pending in_progress completed cancelled"`
	Completed   *bool                `json:"completed,omitempty"`
	DueDate     models.OptionalTime  `json:"due_date,omitzero"`
	TagIDs      *[]string            `json:"tag_ids,omitempty"`
}

// TodoRef names a todo at a version.
type TodoRef struct {
	ID      string `json:"id" validate:"required"`
	Version string `json:"version" validate:"required"`
}

// SetStatusInput changes a todo's status.
type SetStatusInput struct {
	ID      string            `json:"id" validate:"required"`
	Version string            `json:"version" validate:"required"`
	Status  models.TodoStatus `json:"status" validate:"required,oneof=pending in_progress completed cancelled"`
}

// SetPriorityInput changes a todo's priority.
type SetPriorityInput struct {
	ID       string              `json:"id" validate:"required"`
	Version  string              `json:"version" validate:"required"`
	Priority models.TodoPriority `json:"priority" validate:"required,oneof=low medium high"`
}

// AddTagInput tags a todo by name, creating the tag if needed. TagID and
// LinkID optionally fix the ids of rows the call creates.
type AddTagInput struct {
	TodoID  string  `json:"todo_id" validate:"required"`
	TagName string  `json:"tag_name" validate:"required,max=50"`
	Color   *string `json:"color,omitempty" validate:"omitnil,max=20"`
	TagID   string  `json:"tag_id,omitempty" validate:"omitempty,max=64"`
	LinkID  string  `json:"link_id,omitempty" validate:"omitempty,max=64"`
}

// RemoveTagInput unlinks a tag from a todo.
type RemoveTagInput struct {
	TodoID string `json:"todo_id" validate:"required"`
	TagID  string `json:"tag_id" validate:"required"`
}

// CreateTagInput creates a tag.
type CreateTagInput struct {
	ID    string  `json:"id,omitempty" validate:"omitempty,max=64"`
	OrgID string  `json:"org_id" validate:"required"`
	Name  string  `json:"name" validate:"required,max=50"`
	Color *string `json:"color,omitempty" validate:"omitnil,max=20"`
}

// UpdateTagInput renames or recolors a tag.
type UpdateTagInput struct {
	ID    string  `json:"id" validate:"required"`
	Name  *string `json:"name,omitempty" validate:"omitnil,min=1,max=50"`
	Color *string `json:"color,omitempty" validate:"omitnil,max=20"`
}

// DeleteTagInput deletes a tag.
type DeleteTagInput struct {
	ID string `json:"id" validate:"required"`
}

// LeaveOrgInput removes the caller from an organization.
type LeaveOrgInput struct {
	OrgID string `json:"org_id" validate:"required"`
}

// UpdateUserInput changes the caller's profile.
type UpdateUserInput struct {
	Name string `json:"name" validate:"required,max=100"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// check validates an input struct, reporting failures as validation errors.
func check(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return syncerr.Validation("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must not be empty", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}
