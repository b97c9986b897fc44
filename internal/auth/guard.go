package auth

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Guard wraps a transaction and checks every row a mutator reads or writes
// against the engine's rules. Facts are answered from the wrapped
// transaction, so ownership and organization always come from storage.
type Guard struct {
	inner   store.Tx
	id      Identity
	engine  *Engine
	facts   Facts
	touched map[string]struct{}
}

var _ store.Tx = (*Guard)(nil)

// NewGuard wraps tx for id.
func NewGuard(tx store.Tx, id Identity, engine *Engine) *Guard {
	return &Guard{
		inner:   tx,
		id:      id,
		engine:  engine,
		facts:   TxFacts{Tx: tx},
		touched: make(map[string]struct{}),
	}
}

// TouchedOrgs returns the organizations whose rows were written, sorted.
func (g *Guard) TouchedOrgs() []string {
	orgs := make([]string, 0, len(g.touched))
	for o := range g.touched {
		orgs = append(orgs, o)
	}
	sort.Strings(orgs)
	return orgs
}

func (g *Guard) touch(orgID string) {
	if orgID != "" {
		g.touched[orgID] = struct{}{}
	}
}

func (g *Guard) check(ctx context.Context, op Op, row models.Row) error {
	return g.engine.Check(ctx, g.id, g.facts, op, row)
}

func (g *Guard) Location() store.Location { return g.inner.Location() }

func (g *Guard) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	t, err := g.inner.GetTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (g *Guard) InsertTodo(ctx context.Context, todo *models.Todo) error {
	if err := g.check(ctx, OpInsert, todo); err != nil {
		return err
	}
	if err := g.inner.InsertTodo(ctx, todo); err != nil {
		return err
	}
	g.touch(todo.OrgID)
	return nil
}

// storedTodo loads the row a versioned write targets. A missing row is
// reported the same way the store reports a failed version check.
func (g *Guard) storedTodo(ctx context.Context, id string) (*models.Todo, error) {
	before, err := g.inner.GetTodo(ctx, id)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, syncerr.VersionConflict("version conflict or todo not found")
	}
	return before, err
}

func (g *Guard) UpdateTodo(ctx context.Context, id, expectedVersion string, patch store.TodoPatch) (*models.Todo, error) {
	before, err := g.storedTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.engine.checkUpdatePre(ctx, g.id, g.facts, before); err != nil {
		return nil, err
	}
	after, err := g.inner.UpdateTodo(ctx, id, expectedVersion, patch)
	if err != nil {
		return nil, err
	}
	if err := g.engine.checkUpdatePost(ctx, g.id, g.facts, after); err != nil {
		return nil, err
	}
	g.touch(after.OrgID)
	return after, nil
}

func (g *Guard) SoftDeleteTodo(ctx context.Context, id, expectedVersion, editedBy string, at time.Time) (*models.Todo, error) {
	before, err := g.storedTodo(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpDelete, before); err != nil {
		return nil, err
	}
	deleted, err := g.inner.SoftDeleteTodo(ctx, id, expectedVersion, editedBy, at)
	if err != nil {
		return nil, err
	}
	g.touch(deleted.OrgID)
	return deleted, nil
}

func (g *Guard) GetTodoTag(ctx context.Context, id string) (*models.TodoTag, error) {
	link, err := g.inner.GetTodoTag(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, link); err != nil {
		return nil, err
	}
	return link, nil
}

func (g *Guard) ListTodoTags(ctx context.Context, todoID string) ([]*models.TodoTag, error) {
	links, err := g.inner.ListTodoTags(ctx, todoID)
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		if err := g.check(ctx, OpSelect, link); err != nil {
			return nil, err
		}
	}
	return links, nil
}

func (g *Guard) touchTodoOrg(ctx context.Context, todoID string) {
	if orgID, err := g.facts.TodoOrg(ctx, todoID); err == nil {
		g.touch(orgID)
	}
}

func (g *Guard) InsertTodoTag(ctx context.Context, link *models.TodoTag) error {
	if err := g.check(ctx, OpInsert, link); err != nil {
		return err
	}
	if err := g.inner.InsertTodoTag(ctx, link); err != nil {
		return err
	}
	g.touchTodoOrg(ctx, link.TodoID)
	return nil
}

func (g *Guard) DeleteTodoTag(ctx context.Context, id string) error {
	link, err := g.inner.GetTodoTag(ctx, id)
	if err != nil {
		return err
	}
	if err := g.check(ctx, OpDelete, link); err != nil {
		return err
	}
	if err := g.inner.DeleteTodoTag(ctx, id); err != nil {
		return err
	}
	g.touchTodoOrg(ctx, link.TodoID)
	return nil
}

func (g *Guard) GetTag(ctx context.Context, id string) (*models.Tag, error) {
	tag, err := g.inner.GetTag(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

func (g *Guard) FindTagsByNames(ctx context.Context, orgID string, names []string) ([]*models.Tag, error) {
	// The lookup itself reveals whether names exist in orgID.
	if err := g.check(ctx, OpSelect, &models.Tag{OrgID: orgID}); err != nil {
		return nil, err
	}
	return g.inner.FindTagsByNames(ctx, orgID, names)
}

func (g *Guard) InsertTag(ctx context.Context, tag *models.Tag) error {
	if err := g.check(ctx, OpInsert, tag); err != nil {
		return err
	}
	if err := g.inner.InsertTag(ctx, tag); err != nil {
		return err
	}
	g.touch(tag.OrgID)
	return nil
}

func (g *Guard) UpdateTag(ctx context.Context, tag *models.Tag) error {
	before, err := g.inner.GetTag(ctx, tag.ID)
	if err != nil {
		return err
	}
	if err := g.engine.checkUpdatePre(ctx, g.id, g.facts, before); err != nil {
		return err
	}
	if err := g.inner.UpdateTag(ctx, tag); err != nil {
		return err
	}
	after, err := g.inner.GetTag(ctx, tag.ID)
	if err != nil {
		return err
	}
	if err := g.engine.checkUpdatePost(ctx, g.id, g.facts, after); err != nil {
		return err
	}
	g.touch(after.OrgID)
	return nil
}

func (g *Guard) DeleteTag(ctx context.Context, id string, at time.Time) error {
	before, err := g.inner.GetTag(ctx, id)
	if err != nil {
		return err
	}
	if err := g.check(ctx, OpDelete, before); err != nil {
		return err
	}
	if err := g.inner.DeleteTag(ctx, id, at); err != nil {
		return err
	}
	g.touch(before.OrgID)
	return nil
}

func (g *Guard) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	org, err := g.inner.GetOrganization(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, org); err != nil {
		return nil, err
	}
	return org, nil
}

func (g *Guard) GetMembership(ctx context.Context, userID, orgID string) (*models.OrgMembership, error) {
	m, err := g.inner.GetMembership(ctx, userID, orgID)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (g *Guard) ListMemberships(ctx context.Context, orgID string) ([]*models.OrgMembership, error) {
	members, err := g.inner.ListMemberships(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if err := g.check(ctx, OpSelect, m); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (g *Guard) DeleteMembership(ctx context.Context, userID, orgID string, at time.Time) error {
	before, err := g.inner.GetMembership(ctx, userID, orgID)
	if err != nil {
		return err
	}
	if err := g.check(ctx, OpDelete, before); err != nil {
		return err
	}
	if err := g.inner.DeleteMembership(ctx, userID, orgID, at); err != nil {
		return err
	}
	g.touch(orgID)
	return nil
}

func (g *Guard) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := g.inner.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := g.check(ctx, OpSelect, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (g *Guard) UpdateUser(ctx context.Context, user *models.User) error {
	before, err := g.inner.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	if err := g.engine.checkUpdatePre(ctx, g.id, g.facts, before); err != nil {
		return err
	}
	if err := g.inner.UpdateUser(ctx, user); err != nil {
		return err
	}
	after, err := g.inner.GetUser(ctx, user.ID)
	if err != nil {
		return err
	}
	return g.engine.checkUpdatePost(ctx, g.id, g.facts, after)
}

// Query fails with Forbidden if any matched row is not readable.
func (g *Guard) Query(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	rows, err := g.inner.Query(ctx, spec)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := g.check(ctx, OpSelect, r); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (g *Guard) ClaimClient(ctx context.Context, key store.ClientKey, userID string) (int64, error) {
	return g.inner.ClaimClient(ctx, key, userID)
}

func (g *Guard) SetLastMutationID(ctx context.Context, key store.ClientKey, id int64) error {
	return g.inner.SetLastMutationID(ctx, key, id)
}
