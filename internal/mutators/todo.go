package mutators

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/occ"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// CreateTodo inserts a pending todo owned by the actor and links the given
// tags that exist in the same organization.
func CreateTodo(ctx context.Context, tx store.Tx, env Env, in CreateTodoInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	if err := check(in); err != nil {
		return err
	}

	priority := in.Priority
	if priority == "" {
		priority = models.TodoPriorityMedium
	}

	todo := &models.Todo{
		ID:          in.ID,
		OrgID:       in.OrgID,
		UserID:      env.Actor,
		Title:       in.Title,
		Description: in.Description,
		Priority:    priority,
		Status:      models.TodoStatusPending,
		Completed:   false,
		DueDate:     in.DueDate.Time,
		Version:     occ.Initial,
		CreatedAt:   env.Now,
		UpdatedAt:   env.Now,
	}
	actor, editedAt := env.Actor, env.Now
	todo.LastEditedBy = &actor
	todo.LastEditedAt = &editedAt
	if todo.ID == "" {
		todo.ID = env.newID()
	}

	if err := tx.InsertTodo(ctx, todo); err != nil {
		return fmt.Errorf("insert todo: %w", err)
	}
	return linkTags(ctx, tx, env, todo, in.TagIDs)
}

// usableTags returns the distinct ids among tagIDs that name live tags of
// the todo's organization, preserving order.
func usableTags(ctx context.Context, tx store.Tx, todo *models.Todo, tagIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(tagIDs))
	var out []string
	for _, id := range tagIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}

		tag, err := tx.GetTag(ctx, id)
		if errors.Is(err, syncerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get tag %s: %w", id, err)
		}
		if tag.OrgID != todo.OrgID {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func linkTags(ctx context.Context, tx store.Tx, env Env, todo *models.Todo, tagIDs []string) error {
	ids, err := usableTags(ctx, tx, todo, tagIDs)
	if err != nil {
		return err
	}
	for _, tagID := range ids {
		link := &models.TodoTag{ID: env.newID(), TodoID: todo.ID, TagID: tagID, CreatedAt: env.Now}
		if err := tx.InsertTodoTag(ctx, link); err != nil {
			return fmt.Errorf("link tag %s: %w", tagID, err)
		}
	}
	return nil
}

// reconcileTags makes the todo's links equal to tagIDs by set difference.
func reconcileTags(ctx context.Context, tx store.Tx, env Env, todo *models.Todo, tagIDs []string) error {
	desired, err := usableTags(ctx, tx, todo, tagIDs)
	if err != nil {
		return err
	}
	want := make(map[string]struct{}, len(desired))
	for _, id := range desired {
		want[id] = struct{}{}
	}

	current, err := tx.ListTodoTags(ctx, todo.ID)
	if err != nil {
		return fmt.Errorf("list todo tags: %w", err)
	}
	have := make(map[string]struct{}, len(current))
	for _, link := range current {
		have[link.TagID] = struct{}{}
		if _, keep := want[link.TagID]; keep {
			continue
		}
		if err := tx.DeleteTodoTag(ctx, link.ID); err != nil {
			return fmt.Errorf("unlink tag %s: %w", link.TagID, err)
		}
	}

	for _, id := range desired {
		if _, ok := have[id]; ok {
			continue
		}
		link := &models.TodoTag{ID: env.newID(), TodoID: todo.ID, TagID: id, CreatedAt: env.Now}
		if err := tx.InsertTodoTag(ctx, link); err != nil {
			return fmt.Errorf("link tag %s: %w", id, err)
		}
	}
	return nil
}

// applyStatus sets status and the completed flag that follows from it.
func applyStatus(patch *store.TodoPatch, status models.TodoStatus) {
	completed := status == models.TodoStatusCompleted
	patch.Status = &status
	patch.Completed = &completed
}

// UpdateTodo applies a partial update under the version check. An update
// without field changes still bumps the version and edit stamps.
func UpdateTodo(ctx context.Context, tx store.Tx, env Env, in UpdateTodoInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.Title = trimPtr(in.Title)
	in.Description = trimPtr(in.Description)
	if err := check(in); err != nil {
		return err
	}

	patch := store.TodoPatch{
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		EditedBy:    env.Actor,
		EditedAt:    env.Now,
	}
	if in.Status != nil {
		applyStatus(&patch, *in.Status)
	}
	if in.Completed != nil {
		patch.Completed = in.Completed
	}

	updated, err := tx.UpdateTodo(ctx, in.ID, in.Version, patch)
	if err != nil {
		return fmt.Errorf("update todo: %w", err)
	}
	if in.TagIDs != nil {
		return reconcileTags(ctx, tx, env, updated, *in.TagIDs)
	}
	return nil
}

func updateVersioned(ctx context.Context, tx store.Tx, env Env, ref TodoRef, patch store.TodoPatch) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	if err := check(ref); err != nil {
		return err
	}
	patch.EditedBy = env.Actor
	patch.EditedAt = env.Now
	if _, err := tx.UpdateTodo(ctx, ref.ID, ref.Version, patch); err != nil {
		return fmt.Errorf("update todo: %w", err)
	}
	return nil
}

// SetStatus changes the status, keeping completed consistent with it.
func SetStatus(ctx context.Context, tx store.Tx, env Env, in SetStatusInput) error {
	if err := check(in); err != nil {
		return err
	}
	var patch store.TodoPatch
	applyStatus(&patch, in.Status)
	return updateVersioned(ctx, tx, env, TodoRef{ID: in.ID, Version: in.Version}, patch)
}

// SetPriority changes the priority.
func SetPriority(ctx context.Context, tx store.Tx, env Env, in SetPriorityInput) error {
	if err := check(in); err != nil {
		return err
	}
	priority := in.Priority
	return updateVersioned(ctx, tx, env, TodoRef{ID: in.ID, Version: in.Version}, store.TodoPatch{Priority: &priority})
}

// MarkComplete sets status completed.
func MarkComplete(ctx context.Context, tx store.Tx, env Env, in TodoRef) error {
	var patch store.TodoPatch
	applyStatus(&patch, models.TodoStatusCompleted)
	return updateVersioned(ctx, tx, env, in, patch)
}

// MarkIncomplete reopens a todo as pending.
func MarkIncomplete(ctx context.Context, tx store.Tx, env Env, in TodoRef) error {
	var patch store.TodoPatch
	applyStatus(&patch, models.TodoStatusPending)
	return updateVersioned(ctx, tx, env, in, patch)
}

// DeleteTodo soft-deletes a todo under the version check. Tag links are
// kept.
func DeleteTodo(ctx context.Context, tx store.Tx, env Env, in TodoRef) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	if err := check(in); err != nil {
		return err
	}
	if _, err := tx.SoftDeleteTodo(ctx, in.ID, in.Version, env.Actor, env.Now); err != nil {
		return fmt.Errorf("delete todo: %w", err)
	}
	return nil
}
