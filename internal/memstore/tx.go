package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/occ"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

var errReadOnly = fmt.Errorf("memstore: write in read-only transaction")

// Tx is a transaction over a snapshot. It implements store.Tx.
type Tx struct {
	location store.Location
	data     *tables
	readOnly bool
	touched  map[string]struct{}
}

var _ store.Tx = (*Tx)(nil)

func (tx *Tx) Location() store.Location { return tx.location }

func (tx *Tx) write(table string) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.touched[table] = struct{}{}
	return nil
}

func (tx *Tx) change() Change {
	tables := make([]string, 0, len(tx.touched))
	for t := range tx.touched {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return Change{Tables: tables}
}

// Savepoint runs fn on a nested snapshot. Its writes are kept only if fn
// succeeds; a failure leaves this transaction as it was.
func (tx *Tx) Savepoint(fn func(tx store.Tx) error) error {
	if tx.readOnly {
		return errReadOnly
	}
	nested := &Tx{location: tx.location, data: tx.data.clone(), touched: make(map[string]struct{})}
	if err := fn(nested); err != nil {
		return err
	}
	tx.data = nested.data
	for t := range nested.touched {
		tx.touched[t] = struct{}{}
	}
	return nil
}

func (tx *Tx) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	t, ok := tx.data.todos[id]
	if !ok || t.IsDeleted() {
		return nil, syncerr.NotFound("todo %s not found", id)
	}
	return t.Clone(), nil
}

func (tx *Tx) InsertTodo(ctx context.Context, todo *models.Todo) error {
	if err := tx.write(models.TableTodos); err != nil {
		return err
	}
	if _, exists := tx.data.todos[todo.ID]; exists {
		return syncerr.ConstraintViolation("todo %s already exists", todo.ID)
	}
	tx.data.todos[todo.ID] = todo.Clone()
	return nil
}

// casTodo loads the todo for a versioned write. A missing, deleted or
// newer row is indistinguishable to the caller.
func (tx *Tx) casTodo(id, expectedVersion string) (*models.Todo, string, error) {
	cur, ok := tx.data.todos[id]
	if !ok || cur.IsDeleted() || !occ.Matches(cur.Version, expectedVersion) {
		return nil, "", syncerr.VersionConflict("version conflict or todo not found")
	}
	next, err := occ.Next(cur.Version)
	if err != nil {
		return nil, "", fmt.Errorf("bump version of todo %s: %w", id, err)
	}
	return cur.Clone(), next, nil
}

func (tx *Tx) UpdateTodo(ctx context.Context, id, expectedVersion string, patch store.TodoPatch) (*models.Todo, error) {
	if err := tx.write(models.TableTodos); err != nil {
		return nil, err
	}
	t, next, err := tx.casTodo(id, expectedVersion)
	if err != nil {
		return nil, err
	}

	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Completed != nil {
		t.Completed = *patch.Completed
	}
	if patch.DueDate.Set {
		t.DueDate = patch.DueDate.Time
	}
	stampEdit(t, patch.EditedBy, patch.EditedAt, next)

	tx.data.todos[id] = t
	return t.Clone(), nil
}

func (tx *Tx) SoftDeleteTodo(ctx context.Context, id, expectedVersion, editedBy string, at time.Time) (*models.Todo, error) {
	if err := tx.write(models.TableTodos); err != nil {
		return nil, err
	}
	t, next, err := tx.casTodo(id, expectedVersion)
	if err != nil {
		return nil, err
	}
	deletedAt := at
	t.DeletedAt = &deletedAt
	stampEdit(t, editedBy, at, next)

	tx.data.todos[id] = t
	return t.Clone(), nil
}

func stampEdit(t *models.Todo, editedBy string, at time.Time, version string) {
	editedAt := at
	by := editedBy
	t.UpdatedAt = at
	t.LastEditedAt = &editedAt
	t.LastEditedBy = &by
	t.Version = version
}

func (tx *Tx) GetTodoTag(ctx context.Context, id string) (*models.TodoTag, error) {
	link, ok := tx.data.todoTags[id]
	if !ok {
		return nil, syncerr.NotFound("todo tag %s not found", id)
	}
	return link.Clone(), nil
}

func (tx *Tx) ListTodoTags(ctx context.Context, todoID string) ([]*models.TodoTag, error) {
	var links []*models.TodoTag
	for _, link := range tx.data.todoTags {
		if link.TodoID == todoID {
			links = append(links, link.Clone())
		}
	}
	slices.SortFunc(links, func(a, b *models.TodoTag) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return links, nil
}

func (tx *Tx) InsertTodoTag(ctx context.Context, link *models.TodoTag) error {
	if err := tx.write(models.TableTodoTags); err != nil {
		return err
	}
	if _, exists := tx.data.todoTags[link.ID]; exists {
		return syncerr.ConstraintViolation("todo tag %s already exists", link.ID)
	}
	for _, existing := range tx.data.todoTags {
		if existing.TodoID == link.TodoID && existing.TagID == link.TagID {
			return syncerr.ConstraintViolation("tag %s already linked to todo %s", link.TagID, link.TodoID)
		}
	}
	tx.data.todoTags[link.ID] = link.Clone()
	return nil
}

func (tx *Tx) DeleteTodoTag(ctx context.Context, id string) error {
	if err := tx.write(models.TableTodoTags); err != nil {
		return err
	}
	if _, ok := tx.data.todoTags[id]; !ok {
		return syncerr.NotFound("todo tag %s not found", id)
	}
	delete(tx.data.todoTags, id)
	return nil
}

func (tx *Tx) GetTag(ctx context.Context, id string) (*models.Tag, error) {
	tag, ok := tx.data.tags[id]
	if !ok || tag.DeletedAt != nil {
		return nil, syncerr.NotFound("tag %s not found", id)
	}
	return tag.Clone(), nil
}

func (tx *Tx) FindTagsByNames(ctx context.Context, orgID string, names []string) ([]*models.Tag, error) {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[models.FoldTagName(n)] = struct{}{}
	}
	var found []*models.Tag
	for _, tag := range tx.data.tags {
		if tag.OrgID != orgID || tag.DeletedAt != nil {
			continue
		}
		if _, ok := wanted[models.FoldTagName(tag.Name)]; ok {
			found = append(found, tag.Clone())
		}
	}
	slices.SortFunc(found, func(a, b *models.Tag) int { return strings.Compare(a.Name, b.Name) })
	return found, nil
}

func (tx *Tx) tagNameTaken(orgID, name, exceptID string) bool {
	key := models.FoldTagName(name)
	for _, tag := range tx.data.tags {
		if tag.ID == exceptID || tag.OrgID != orgID || tag.DeletedAt != nil {
			continue
		}
		if models.FoldTagName(tag.Name) == key {
			return true
		}
	}
	return false
}

func (tx *Tx) InsertTag(ctx context.Context, tag *models.Tag) error {
	if err := tx.write(models.TableTags); err != nil {
		return err
	}
	if _, exists := tx.data.tags[tag.ID]; exists {
		return syncerr.ConstraintViolation("tag %s already exists", tag.ID)
	}
	if tx.tagNameTaken(tag.OrgID, tag.Name, "") {
		return syncerr.ConstraintViolation("tag %q already exists", tag.Name)
	}
	tx.data.tags[tag.ID] = tag.Clone()
	return nil
}

func (tx *Tx) UpdateTag(ctx context.Context, tag *models.Tag) error {
	if err := tx.write(models.TableTags); err != nil {
		return err
	}
	cur, ok := tx.data.tags[tag.ID]
	if !ok || cur.DeletedAt != nil {
		return syncerr.NotFound("tag %s not found", tag.ID)
	}
	if tx.tagNameTaken(cur.OrgID, tag.Name, tag.ID) {
		return syncerr.ConstraintViolation("tag %q already exists", tag.Name)
	}
	updated := tag.Clone()
	updated.OrgID = cur.OrgID
	updated.CreatedAt = cur.CreatedAt
	tx.data.tags[tag.ID] = updated
	return nil
}

// DeleteTag soft-deletes the tag and unlinks it from every todo.
func (tx *Tx) DeleteTag(ctx context.Context, id string, at time.Time) error {
	if err := tx.write(models.TableTags); err != nil {
		return err
	}
	cur, ok := tx.data.tags[id]
	if !ok || cur.DeletedAt != nil {
		return syncerr.NotFound("tag %s not found", id)
	}
	deleted := cur.Clone()
	deletedAt := at
	deleted.DeletedAt = &deletedAt
	deleted.UpdatedAt = at
	tx.data.tags[id] = deleted

	for linkID, link := range tx.data.todoTags {
		if link.TagID == id {
			tx.touched[models.TableTodoTags] = struct{}{}
			delete(tx.data.todoTags, linkID)
		}
	}
	return nil
}

func (tx *Tx) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	org, ok := tx.data.organizations[id]
	if !ok || org.DeletedAt != nil {
		return nil, syncerr.NotFound("organization %s not found", id)
	}
	return org.Clone(), nil
}

func (tx *Tx) GetMembership(ctx context.Context, userID, orgID string) (*models.OrgMembership, error) {
	for _, m := range tx.data.memberships {
		if m.UserID == userID && m.OrgID == orgID && m.DeletedAt == nil {
			return m.Clone(), nil
		}
	}
	return nil, syncerr.NotFound("membership of %s in %s not found", userID, orgID)
}

func (tx *Tx) ListMemberships(ctx context.Context, orgID string) ([]*models.OrgMembership, error) {
	var out []*models.OrgMembership
	for _, m := range tx.data.memberships {
		if m.OrgID == orgID && m.DeletedAt == nil {
			out = append(out, m.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.OrgMembership) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (tx *Tx) DeleteMembership(ctx context.Context, userID, orgID string, at time.Time) error {
	if err := tx.write(models.TableOrgMembers); err != nil {
		return err
	}
	for id, m := range tx.data.memberships {
		if m.UserID != userID || m.OrgID != orgID || m.DeletedAt != nil {
			continue
		}
		deleted := m.Clone()
		deletedAt := at
		deleted.DeletedAt = &deletedAt
		deleted.UpdatedAt = at
		tx.data.memberships[id] = deleted
		return nil
	}
	return syncerr.NotFound("membership of %s in %s not found", userID, orgID)
}

func (tx *Tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, ok := tx.data.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, syncerr.NotFound("user %s not found", id)
	}
	return u.Clone(), nil
}

func (tx *Tx) UpdateUser(ctx context.Context, user *models.User) error {
	if err := tx.write(models.TableUsers); err != nil {
		return err
	}
	cur, ok := tx.data.users[user.ID]
	if !ok || cur.DeletedAt != nil {
		return syncerr.NotFound("user %s not found", user.ID)
	}
	updated := user.Clone()
	updated.CreatedAt = cur.CreatedAt
	tx.data.users[user.ID] = updated
	return nil
}

func (tx *Tx) Query(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	return query.Apply(spec, tx.rows(spec.Table)), nil
}

func (tx *Tx) rows(table string) []models.Row {
	var rows []models.Row
	switch table {
	case models.TableOrganizations:
		for _, r := range tx.data.organizations {
			rows = append(rows, r.Clone())
		}
	case models.TableOrgMembers:
		for _, r := range tx.data.memberships {
			rows = append(rows, r.Clone())
		}
	case models.TableUsers:
		for _, r := range tx.data.users {
			rows = append(rows, r.Clone())
		}
	case models.TableTodos:
		for _, r := range tx.data.todos {
			rows = append(rows, r.Clone())
		}
	case models.TableTags:
		for _, r := range tx.data.tags {
			rows = append(rows, r.Clone())
		}
	case models.TableTodoTags:
		for _, r := range tx.data.todoTags {
			rows = append(rows, r.Clone())
		}
	}
	return rows
}

func (tx *Tx) ClaimClient(ctx context.Context, key store.ClientKey, userID string) (int64, error) {
	if err := tx.write("sync_clients"); err != nil {
		return 0, err
	}
	for k, st := range tx.data.clients {
		if k.ClientGroupID == key.ClientGroupID && st.userID != userID {
			return 0, syncerr.Forbidden("client group %s belongs to another user", key.ClientGroupID)
		}
	}
	st, ok := tx.data.clients[key]
	if !ok {
		st = clientState{userID: userID}
		tx.data.clients[key] = st
	}
	return st.lastMutationID, nil
}

func (tx *Tx) SetLastMutationID(ctx context.Context, key store.ClientKey, id int64) error {
	if err := tx.write("sync_clients"); err != nil {
		return err
	}
	st, ok := tx.data.clients[key]
	if !ok {
		return syncerr.NotFound("client %s/%s not registered", key.ClientGroupID, key.ClientID)
	}
	st.lastMutationID = id
	tx.data.clients[key] = st
	return nil
}
