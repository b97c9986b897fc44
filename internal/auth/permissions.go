package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Op is a row operation subject to permission checks.
type Op string

const (
	OpSelect Op = "select"
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Facts answers the questions predicates need about durable state.
type Facts interface {
	IsOrgMember(ctx context.Context, userID, orgID string) (bool, error)
	// TodoOrg returns the organization of a live todo.
	TodoOrg(ctx context.Context, todoID string) (string, error)
}

// Predicate decides whether an identity may perform an operation on a row.
type Predicate func(ctx context.Context, id Identity, facts Facts, row models.Row) (bool, error)

// TableRules lists the predicates per operation. A list allows when any of
// its predicates allows; an empty list denies.
type TableRules struct {
	Select     []Predicate
	Insert     []Predicate
	UpdatePre  []Predicate
	UpdatePost []Predicate
	Delete     []Predicate
}

// Rules maps table names to their rules. Tables without an entry deny
// everything.
type Rules map[string]TableRules

// DefaultRules returns the workspace permission table.
func DefaultRules() Rules {
	memberOfRowOrg := MemberOf("org_id")
	memberOfTodoOrg := MemberOfTodoOrg("todo_id")
	creator := Self("user_id")

	return Rules{
		models.TableTodos: {
			Select:     []Predicate{memberOfRowOrg},
			Insert:     []Predicate{memberOfRowOrg},
			UpdatePre:  []Predicate{creator},
			UpdatePost: []Predicate{creator},
			Delete:     []Predicate{creator},
		},
		models.TableOrgMembers: {
			Select: []Predicate{memberOfRowOrg},
			Delete: []Predicate{Self("user_id")},
		},
		models.TableOrganizations: {
			Select: []Predicate{MemberOf("id")},
		},
		models.TableTags: {
			Select:     []Predicate{memberOfRowOrg},
			Insert:     []Predicate{memberOfRowOrg},
			UpdatePre:  []Predicate{memberOfRowOrg},
			UpdatePost: []Predicate{memberOfRowOrg},
			Delete:     []Predicate{memberOfRowOrg},
		},
		models.TableTodoTags: {
			Select: []Predicate{memberOfTodoOrg},
			Insert: []Predicate{memberOfTodoOrg},
			Delete: []Predicate{memberOfTodoOrg},
		},
		models.TableUsers: {
			Select:     []Predicate{Self("id")},
			UpdatePre:  []Predicate{Self("id")},
			UpdatePost: []Predicate{Self("id")},
		},
	}
}

func stringField(row models.Row, column string) string {
	v, _ := row.Field(column)
	s, _ := v.(string)
	return s
}

// MemberOf allows identities holding a live membership in the organization
// named by the row's column.
func MemberOf(orgColumn string) Predicate {
	return func(ctx context.Context, id Identity, facts Facts, row models.Row) (bool, error) {
		orgID := stringField(row, orgColumn)
		if orgID == "" {
			return false, nil
		}
		return facts.IsOrgMember(ctx, id.Subject, orgID)
	}
}

// Self allows the identity whose subject equals the row's column.
func Self(column string) Predicate {
	return func(_ context.Context, id Identity, _ Facts, row models.Row) (bool, error) {
		return stringField(row, column) == id.Subject, nil
	}
}

// MemberOfTodoOrg allows members of the organization of the todo referenced
// by the row's column. A missing or deleted todo denies.
func MemberOfTodoOrg(todoColumn string) Predicate {
	return func(ctx context.Context, id Identity, facts Facts, row models.Row) (bool, error) {
		orgID, err := facts.TodoOrg(ctx, stringField(row, todoColumn))
		if errors.Is(err, syncerr.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return facts.IsOrgMember(ctx, id.Subject, orgID)
	}
}

// Engine evaluates rules.
type Engine struct {
	rules Rules
}

// NewEngine creates an engine for rules.
func NewEngine(rules Rules) *Engine {
	return &Engine{rules: rules}
}

// Check returns nil if id may perform op on row. Denial is a syncerr
// Forbidden error; rows are never filtered silently. For updates use
// CheckUpdate.
func (e *Engine) Check(ctx context.Context, id Identity, facts Facts, op Op, row models.Row) error {
	if id.IsZero() {
		return syncerr.Unauthenticated("authentication required")
	}
	tr := e.rules[row.TableName()]
	var preds []Predicate
	switch op {
	case OpSelect:
		preds = tr.Select
	case OpInsert:
		preds = tr.Insert
	case OpDelete:
		preds = tr.Delete
	default:
		return fmt.Errorf("check %s: use CheckUpdate for updates", op)
	}
	return e.eval(ctx, id, facts, op, row, preds)
}

// CheckUpdate evaluates the pre-update rules against the stored row and the
// post-update rules against the row as it would be written.
func (e *Engine) CheckUpdate(ctx context.Context, id Identity, facts Facts, before, after models.Row) error {
	if err := e.checkUpdatePre(ctx, id, facts, before); err != nil {
		return err
	}
	return e.checkUpdatePost(ctx, id, facts, after)
}

func (e *Engine) checkUpdatePre(ctx context.Context, id Identity, facts Facts, before models.Row) error {
	if id.IsZero() {
		return syncerr.Unauthenticated("authentication required")
	}
	return e.eval(ctx, id, facts, OpUpdate, before, e.rules[before.TableName()].UpdatePre)
}

func (e *Engine) checkUpdatePost(ctx context.Context, id Identity, facts Facts, after models.Row) error {
	if id.IsZero() {
		return syncerr.Unauthenticated("authentication required")
	}
	return e.eval(ctx, id, facts, OpUpdate, after, e.rules[after.TableName()].UpdatePost)
}

func (e *Engine) eval(ctx context.Context, id Identity, facts Facts, op Op, row models.Row, preds []Predicate) error {
	for _, p := range preds {
		ok, err := p(ctx, id, facts, row)
		if err != nil {
			return fmt.Errorf("evaluate %s permission on %s: %w", op, row.TableName(), err)
		}
		if ok {
			return nil
		}
	}
	return syncerr.Forbidden("%s on %s %s denied", op, row.TableName(), row.RowID())
}

// TxFacts answers Facts from a transaction that is not itself guarded.
type TxFacts struct {
	Tx store.Tx
}

// IsOrgMember implements Facts.
func (f TxFacts) IsOrgMember(ctx context.Context, userID, orgID string) (bool, error) {
	if userID == "" || orgID == "" {
		return false, nil
	}
	_, err := f.Tx.GetMembership(ctx, userID, orgID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup membership: %w", err)
	}
	return true, nil
}

// TodoOrg implements Facts.
func (f TxFacts) TodoOrg(ctx context.Context, todoID string) (string, error) {
	t, err := f.Tx.GetTodo(ctx, todoID)
	if err != nil {
		return "", err
	}
	return t.OrgID, nil
}

// AssertOrgMember fails with Forbidden unless userID is a live member of orgID.
func AssertOrgMember(ctx context.Context, tx store.Tx, userID, orgID string) error {
	if userID == "" {
		return syncerr.Unauthenticated("authentication required")
	}
	ok, err := TxFacts{Tx: tx}.IsOrgMember(ctx, userID, orgID)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.Forbidden("not a member of organization %s", orgID)
	}
	return nil
}
