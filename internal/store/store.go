// Package store defines the transaction handle that mutators run against.
// It has two implementations: the in-memory replica (memstore) used by the
// optimistic executor and the Postgres adapter (db) used by the server.
package store

import (
	"context"
	"time"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
)

// Location says where a transaction runs.
type Location string

const (
	LocationClient Location = "client"
	LocationServer Location = "server"
)

// TodoPatch is a partial todo update. Nil fields are left untouched.
// The store applies the patch together with updated_at, last_edited_at,
// last_edited_by and a new version.
type TodoPatch struct {
	Title       *string
	Description *string
	Priority    *models.TodoPriority
	Status      *models.TodoStatus
	Completed   *bool
	DueDate     models.OptionalTime
	EditedBy    string
	EditedAt    time.Time
}

// ClientKey identifies a pushing client within its client group.
type ClientKey struct {
	ClientGroupID string
	ClientID      string
}

// Tx is the set of reads and writes available to a mutator. Reads never
// return soft-deleted rows; a missing row is reported as a syncerr
// NotFound error.
type Tx interface {
	Location() Location

	GetTodo(ctx context.Context, id string) (*models.Todo, error)
	InsertTodo(ctx context.Context, todo *models.Todo) error
	// UpdateTodo applies patch only if the stored version equals
	// expectedVersion and the todo is not deleted. Otherwise it returns a
	// syncerr VersionConflict error and changes nothing.
	UpdateTodo(ctx context.Context, id, expectedVersion string, patch TodoPatch) (*models.Todo, error)
	// SoftDeleteTodo sets deleted_at under the same version check.
	SoftDeleteTodo(ctx context.Context, id, expectedVersion, editedBy string, at time.Time) (*models.Todo, error)

	GetTodoTag(ctx context.Context, id string) (*models.TodoTag, error)
	ListTodoTags(ctx context.Context, todoID string) ([]*models.TodoTag, error)
	// InsertTodoTag returns a syncerr ConstraintViolation error if the pair
	// is already linked.
	InsertTodoTag(ctx context.Context, link *models.TodoTag) error
	DeleteTodoTag(ctx context.Context, id string) error

	GetTag(ctx context.Context, id string) (*models.Tag, error)
	// FindTagsByNames matches names case-insensitively within an organization.
	FindTagsByNames(ctx context.Context, orgID string, names []string) ([]*models.Tag, error)
	// InsertTag returns a syncerr ConstraintViolation error if a live tag
	// with the same case-folded name exists in the organization. A failed
	// insert leaves the transaction usable.
	InsertTag(ctx context.Context, tag *models.Tag) error
	UpdateTag(ctx context.Context, tag *models.Tag) error
	DeleteTag(ctx context.Context, id string, at time.Time) error

	GetOrganization(ctx context.Context, id string) (*models.Organization, error)
	GetMembership(ctx context.Context, userID, orgID string) (*models.OrgMembership, error)
	ListMemberships(ctx context.Context, orgID string) ([]*models.OrgMembership, error)
	DeleteMembership(ctx context.Context, userID, orgID string, at time.Time) error

	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Query runs a normalized spec.
	Query(ctx context.Context, spec query.Spec) ([]models.Row, error)

	// ClaimClient returns the last mutation id processed for a client,
	// registering the client for userID on first use. A client group that
	// belongs to another user yields a syncerr Forbidden error.
	ClaimClient(ctx context.Context, key ClientKey, userID string) (int64, error)
	SetLastMutationID(ctx context.Context, key ClientKey, id int64) error
}

// Store runs functions inside transactions. A transaction commits when fn
// returns nil and rolls back otherwise.
type Store interface {
	ExecTx(ctx context.Context, fn func(tx Tx) error) error
}
