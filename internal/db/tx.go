package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/occ"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Tx implements store.Tx on a pgx transaction.
type Tx struct {
	tx pgx.Tx
}

var _ store.Tx = (*Tx)(nil)

func (t *Tx) Location() store.Location { return store.LocationServer }

// savepoint runs fn in a nested transaction so a failed statement does not
// abort the outer one.
func (t *Tx) savepoint(ctx context.Context, fn func(q pgx.Tx) error) error {
	sp, err := t.tx.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin savepoint: %w", err)
	}
	if err := fn(sp); err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback savepoint failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := sp.Commit(ctx); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *Tx) GetTodo(ctx context.Context, id string) (*models.Todo, error) {
	todo, err := selectOne[*models.Todo](ctx, t.tx, models.TableTodos, "id = $1 AND deleted_at IS NULL", id)
	if isNoRows(err) {
		return nil, syncerr.NotFound("todo %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get todo: %w", err)
	}
	return todo, nil
}

func (t *Tx) InsertTodo(ctx context.Context, todo *models.Todo) error {
	err := t.savepoint(ctx, func(q pgx.Tx) error {
		return insertRow(ctx, q, todo)
	})
	if err != nil {
		return classify(err, "insert todo %s", todo.ID)
	}
	return nil
}

const updateTodoSQL = `
	UPDATE todos SET
		title = COALESCE($3, title),
		description = COALESCE($4, description),
		priority = COALESCE($5, priority),
		status = COALESCE($6, status),
		completed = COALESCE($7, completed),
		due_date = CASE WHEN $8::boolean THEN $9::timestamptz ELSE due_date END,
		version = $10,
		updated_at = $11,
		last_edited_at = $11,
		last_edited_by = $12
	WHERE id = $1 AND version = $2 AND deleted_at IS NULL
	RETURNING `

// UpdateTodo applies the patch with a compare-and-swap on version.
func (t *Tx) UpdateTodo(ctx context.Context, id, expectedVersion string, patch store.TodoPatch) (*models.Todo, error) {
	next, err := occ.Next(expectedVersion)
	if err != nil {
		return nil, syncerr.VersionConflict("version conflict or todo not found")
	}

	sql := updateTodoSQL + columnList(todosTable())
	row, dest := newRow(models.TableTodos)
	err = t.tx.QueryRow(ctx, sql,
		id, expectedVersion,
		patch.Title, patch.Description, enumPtr(patch.Priority), enumPtr(patch.Status), patch.Completed,
		patch.DueDate.Set, patch.DueDate.Time,
		next, patch.EditedAt, patch.EditedBy,
	).Scan(dest...)
	if isNoRows(err) {
		return nil, syncerr.VersionConflict("version conflict or todo not found")
	}
	if err != nil {
		return nil, classify(err, "update todo %s", id)
	}
	return row.(*models.Todo), nil
}

func (t *Tx) SoftDeleteTodo(ctx context.Context, id, expectedVersion, editedBy string, at time.Time) (*models.Todo, error) {
	next, err := occ.Next(expectedVersion)
	if err != nil {
		return nil, syncerr.VersionConflict("version conflict or todo not found")
	}

	sql := `UPDATE todos SET deleted_at = $3, updated_at = $3, last_edited_at = $3, last_edited_by = $4, version = $5
		WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		RETURNING ` + columnList(todosTable())
	row, dest := newRow(models.TableTodos)
	err = t.tx.QueryRow(ctx, sql, id, expectedVersion, at, editedBy, next).Scan(dest...)
	if isNoRows(err) {
		return nil, syncerr.VersionConflict("version conflict or todo not found")
	}
	if err != nil {
		return nil, fmt.Errorf("delete todo %s: %w", id, err)
	}
	return row.(*models.Todo), nil
}

func (t *Tx) GetTodoTag(ctx context.Context, id string) (*models.TodoTag, error) {
	link, err := selectOne[*models.TodoTag](ctx, t.tx, models.TableTodoTags, "id = $1", id)
	if isNoRows(err) {
		return nil, syncerr.NotFound("todo tag %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get todo tag: %w", err)
	}
	return link, nil
}

func (t *Tx) ListTodoTags(ctx context.Context, todoID string) ([]*models.TodoTag, error) {
	links, err := selectMany[*models.TodoTag](ctx, t.tx, models.TableTodoTags,
		"WHERE todo_id = $1 ORDER BY created_at, id", todoID)
	if err != nil {
		return nil, fmt.Errorf("list todo tags: %w", err)
	}
	return links, nil
}

func (t *Tx) InsertTodoTag(ctx context.Context, link *models.TodoTag) error {
	err := t.savepoint(ctx, func(q pgx.Tx) error {
		return insertRow(ctx, q, link)
	})
	if err != nil {
		return classify(err, "link tag %s to todo %s", link.TagID, link.TodoID)
	}
	return nil
}

func (t *Tx) DeleteTodoTag(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM todo_tags WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete todo tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return syncerr.NotFound("todo tag %s not found", id)
	}
	return nil
}

func (t *Tx) GetTag(ctx context.Context, id string) (*models.Tag, error) {
	tag, err := selectOne[*models.Tag](ctx, t.tx, models.TableTags, "id = $1 AND deleted_at IS NULL", id)
	if isNoRows(err) {
		return nil, syncerr.NotFound("tag %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get tag: %w", err)
	}
	return tag, nil
}

func (t *Tx) FindTagsByNames(ctx context.Context, orgID string, names []string) ([]*models.Tag, error) {
	folded := make([]string, len(names))
	for i, n := range names {
		folded[i] = models.FoldTagName(n)
	}
	tags, err := selectMany[*models.Tag](ctx, t.tx, models.TableTags,
		`WHERE org_id = $1 AND name_key = ANY($2) AND deleted_at IS NULL ORDER BY name COLLATE "C"`,
		orgID, folded)
	if err != nil {
		return nil, fmt.Errorf("find tags: %w", err)
	}
	return tags, nil
}

// InsertTag writes the tag along with its folded name, which carries the
// per-organization uniqueness constraint.
func (t *Tx) InsertTag(ctx context.Context, tag *models.Tag) error {
	err := t.savepoint(ctx, func(q pgx.Tx) error {
		_, err := q.Exec(ctx, `
			INSERT INTO tags (id, org_id, name, name_key, color, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, tag.ID, tag.OrgID, tag.Name, models.FoldTagName(tag.Name), tag.Color,
			tag.CreatedAt, tag.UpdatedAt, tag.DeletedAt)
		return err
	})
	if err != nil {
		return classify(err, "create tag %q", tag.Name)
	}
	return nil
}

func (t *Tx) UpdateTag(ctx context.Context, tag *models.Tag) error {
	var affected int64
	err := t.savepoint(ctx, func(q pgx.Tx) error {
		res, err := q.Exec(ctx, `
			UPDATE tags SET name = $2, name_key = $3, color = $4, updated_at = $5
			WHERE id = $1 AND deleted_at IS NULL
		`, tag.ID, tag.Name, models.FoldTagName(tag.Name), tag.Color, tag.UpdatedAt)
		affected = res.RowsAffected()
		return err
	})
	if err != nil {
		return classify(err, "update tag %q", tag.Name)
	}
	if affected == 0 {
		return syncerr.NotFound("tag %s not found", tag.ID)
	}
	return nil
}

// DeleteTag soft-deletes the tag and unlinks it from every todo.
func (t *Tx) DeleteTag(ctx context.Context, id string, at time.Time) error {
	res, err := t.tx.Exec(ctx,
		"UPDATE tags SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL", id, at)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	if res.RowsAffected() == 0 {
		return syncerr.NotFound("tag %s not found", id)
	}
	if _, err := t.tx.Exec(ctx, "DELETE FROM todo_tags WHERE tag_id = $1", id); err != nil {
		return fmt.Errorf("unlink deleted tag: %w", err)
	}
	return nil
}

func (t *Tx) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	org, err := selectOne[*models.Organization](ctx, t.tx, models.TableOrganizations, "id = $1 AND deleted_at IS NULL", id)
	if isNoRows(err) {
		return nil, syncerr.NotFound("organization %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return org, nil
}

func (t *Tx) GetMembership(ctx context.Context, userID, orgID string) (*models.OrgMembership, error) {
	m, err := selectOne[*models.OrgMembership](ctx, t.tx, models.TableOrgMembers,
		"user_id = $1 AND org_id = $2 AND deleted_at IS NULL", userID, orgID)
	if isNoRows(err) {
		return nil, syncerr.NotFound("membership of %s in %s not found", userID, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (t *Tx) ListMemberships(ctx context.Context, orgID string) ([]*models.OrgMembership, error) {
	members, err := selectMany[*models.OrgMembership](ctx, t.tx, models.TableOrgMembers,
		"WHERE org_id = $1 AND deleted_at IS NULL ORDER BY created_at, id", orgID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return members, nil
}

func (t *Tx) DeleteMembership(ctx context.Context, userID, orgID string, at time.Time) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE organization_members SET deleted_at = $3, updated_at = $3
		WHERE user_id = $1 AND org_id = $2 AND deleted_at IS NULL
	`, userID, orgID, at)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if res.RowsAffected() == 0 {
		return syncerr.NotFound("membership of %s in %s not found", userID, orgID)
	}
	return nil
}

func (t *Tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	u, err := selectOne[*models.User](ctx, t.tx, models.TableUsers, "id = $1 AND deleted_at IS NULL", id)
	if isNoRows(err) {
		return nil, syncerr.NotFound("user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (t *Tx) UpdateUser(ctx context.Context, user *models.User) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE users SET email = $2, name = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`, user.ID, user.Email, user.Name, user.UpdatedAt)
	if err != nil {
		return classify(err, "update user %s", user.ID)
	}
	if res.RowsAffected() == 0 {
		return syncerr.NotFound("user %s not found", user.ID)
	}
	return nil
}

func (t *Tx) Query(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	sql, args, err := buildQuery(spec)
	if err != nil {
		return nil, err
	}
	rows, err := selectRaw(ctx, t.tx, spec.Table, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", spec.Table, err)
	}
	return rows, nil
}

func selectRaw(ctx context.Context, q querier, table, sql string, args ...any) ([]models.Row, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		row, dest := newRow(table)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClaimClient registers the client on first use and locks its row for the
// rest of the transaction, serializing concurrent pushes from one client.
func (t *Tx) ClaimClient(ctx context.Context, key store.ClientKey, userID string) (int64, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sync_clients (client_group_id, client_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_group_id, client_id) DO NOTHING
	`, key.ClientGroupID, key.ClientID, userID)
	if err != nil {
		return 0, fmt.Errorf("register client: %w", err)
	}

	var (
		owner string
		last  int64
	)
	err = t.tx.QueryRow(ctx, `
		SELECT user_id, last_mutation_id FROM sync_clients
		WHERE client_group_id = $1 AND client_id = $2
		FOR UPDATE
	`, key.ClientGroupID, key.ClientID).Scan(&owner, &last)
	if err != nil {
		return 0, fmt.Errorf("load client: %w", err)
	}

	var foreign bool
	err = t.tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM sync_clients WHERE client_group_id = $1 AND user_id <> $2)",
		key.ClientGroupID, userID,
	).Scan(&foreign)
	if err != nil {
		return 0, fmt.Errorf("check client group owner: %w", err)
	}
	if owner != userID || foreign {
		return 0, syncerr.Forbidden("client group %s belongs to another user", key.ClientGroupID)
	}
	return last, nil
}

func (t *Tx) SetLastMutationID(ctx context.Context, key store.ClientKey, id int64) error {
	res, err := t.tx.Exec(ctx, `
		UPDATE sync_clients SET last_mutation_id = $3, updated_at = NOW()
		WHERE client_group_id = $1 AND client_id = $2
	`, key.ClientGroupID, key.ClientID, id)
	if err != nil {
		return fmt.Errorf("set last mutation id: %w", err)
	}
	if res.RowsAffected() == 0 {
		return syncerr.NotFound("client %s/%s not registered", key.ClientGroupID, key.ClientID)
	}
	return nil
}

func todosTable() *schema.Table {
	return schema.MustLookup(models.TableTodos)
}

func enumPtr[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
