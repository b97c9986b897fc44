package mutators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// MaxTagNameLength is the maximum tag name length in characters.
const MaxTagNameLength = 50

// ResolveOrCreate returns the tags of orgID for names, creating the ones
// that do not exist yet. Names are trimmed, empty names dropped and
// duplicates folded case-insensitively, keeping the first spelling. The
// result is keyed by models.FoldTagName.
//
// A creation that loses a race against a concurrent writer falls back to a
// lookup; only if that also misses is a ConstraintViolation returned.
func ResolveOrCreate(ctx context.Context, tx store.Tx, env Env, orgID string, names []string, color *string) (map[string]*models.Tag, error) {
	var order []string
	display := make(map[string]string, len(names))
	for _, n := range names {
		name := strings.TrimSpace(n)
		if name == "" {
			continue
		}
		if utf8.RuneCountInString(name) > MaxTagNameLength {
			return nil, syncerr.Validation("tag name must be at most %d characters", MaxTagNameLength)
		}
		key := models.FoldTagName(name)
		if _, dup := display[key]; dup {
			continue
		}
		display[key] = name
		order = append(order, key)
	}

	result := make(map[string]*models.Tag, len(order))
	if len(order) == 0 {
		return result, nil
	}

	lookup := make([]string, len(order))
	for i, key := range order {
		lookup[i] = display[key]
	}
	existing, err := tx.FindTagsByNames(ctx, orgID, lookup)
	if err != nil {
		return nil, fmt.Errorf("find tags: %w", err)
	}
	for _, tag := range existing {
		result[models.FoldTagName(tag.Name)] = tag
	}

	for _, key := range order {
		if _, ok := result[key]; ok {
			continue
		}
		tag := &models.Tag{
			ID:        env.newID(),
			OrgID:     orgID,
			Name:      display[key],
			Color:     color,
			CreatedAt: env.Now,
			UpdatedAt: env.Now,
		}
		insertErr := tx.InsertTag(ctx, tag)
		if insertErr == nil {
			result[key] = tag
			continue
		}
		if !errors.Is(insertErr, syncerr.ErrConstraintViolation) {
			return nil, fmt.Errorf("insert tag: %w", insertErr)
		}

		found, err := tx.FindTagsByNames(ctx, orgID, []string{display[key]})
		if err != nil {
			return nil, fmt.Errorf("find tag after conflict: %w", err)
		}
		if len(found) == 0 {
			return nil, syncerr.Wrap(syncerr.KindConstraintViolation, insertErr,
				fmt.Sprintf("tag %q could not be created", display[key]))
		}
		result[key] = found[0]
	}
	return result, nil
}

// AddTag resolves or creates the named tag in the todo's organization and
// links it to the todo unless it is linked already.
func AddTag(ctx context.Context, tx store.Tx, env Env, in AddTagInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.TagName = strings.TrimSpace(in.TagName)
	if err := check(in); err != nil {
		return err
	}

	todo, err := tx.GetTodo(ctx, in.TodoID)
	if err != nil {
		return fmt.Errorf("get todo: %w", err)
	}

	// Both ids are drawn up front so the ids a replay generates do not
	// depend on whether the tag already exists in the local view.
	tagID, linkID := in.TagID, in.LinkID
	if tagID == "" {
		tagID = env.newID()
	}
	if linkID == "" {
		linkID = env.newID()
	}

	tags, err := ResolveOrCreate(ctx, tx, env.withIDs(tagID), todo.OrgID, []string{in.TagName}, in.Color)
	if err != nil {
		return err
	}
	tag := tags[models.FoldTagName(in.TagName)]

	links, err := tx.ListTodoTags(ctx, todo.ID)
	if err != nil {
		return fmt.Errorf("list todo tags: %w", err)
	}
	for _, link := range links {
		if link.TagID == tag.ID {
			return nil
		}
	}

	link := &models.TodoTag{ID: linkID, TodoID: todo.ID, TagID: tag.ID, CreatedAt: env.Now}
	if err := tx.InsertTodoTag(ctx, link); err != nil {
		if errors.Is(err, syncerr.ErrConstraintViolation) {
			return nil
		}
		return fmt.Errorf("link tag: %w", err)
	}
	return nil
}

func addTagScope(ctx context.Context, tx store.Tx, args json.RawMessage) (string, error) {
	in, err := decode[AddTagInput](args)
	if err != nil {
		return "", err
	}
	todo, err := tx.GetTodo(ctx, in.TodoID)
	if errors.Is(err, syncerr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return todo.OrgID, nil
}

// RemoveTag unlinks a tag from a todo. Removing a tag that is not linked
// is a no-op.
func RemoveTag(ctx context.Context, tx store.Tx, env Env, in RemoveTagInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	if err := check(in); err != nil {
		return err
	}
	if _, err := tx.GetTodo(ctx, in.TodoID); err != nil {
		return fmt.Errorf("get todo: %w", err)
	}

	links, err := tx.ListTodoTags(ctx, in.TodoID)
	if err != nil {
		return fmt.Errorf("list todo tags: %w", err)
	}
	for _, link := range links {
		if link.TagID != in.TagID {
			continue
		}
		if err := tx.DeleteTodoTag(ctx, link.ID); err != nil {
			return fmt.Errorf("unlink tag: %w", err)
		}
	}
	return nil
}

// CreateTag creates a tag. A live tag with the same name in the
// organization yields a ConstraintViolation.
func CreateTag(ctx context.Context, tx store.Tx, env Env, in CreateTagInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := check(in); err != nil {
		return err
	}

	tag := &models.Tag{
		ID:        in.ID,
		OrgID:     in.OrgID,
		Name:      in.Name,
		Color:     in.Color,
		CreatedAt: env.Now,
		UpdatedAt: env.Now,
	}
	if tag.ID == "" {
		tag.ID = env.newID()
	}
	if err := tx.InsertTag(ctx, tag); err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

// UpdateTag renames or recolors a tag. The organization is taken from the
// stored tag.
func UpdateTag(ctx context.Context, tx store.Tx, env Env, in UpdateTagInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.Name = trimPtr(in.Name)
	if err := check(in); err != nil {
		return err
	}

	tag, err := tx.GetTag(ctx, in.ID)
	if err != nil {
		return fmt.Errorf("get tag: %w", err)
	}
	if in.Name != nil {
		tag.Name = *in.Name
	}
	if in.Color != nil {
		tag.Color = in.Color
	}
	tag.UpdatedAt = env.Now
	if err := tx.UpdateTag(ctx, tag); err != nil {
		return fmt.Errorf("update tag: %w", err)
	}
	return nil
}

// DeleteTag deletes a tag and its links. A missing or already deleted tag
// is NotFound.
func DeleteTag(ctx context.Context, tx store.Tx, env Env, in DeleteTagInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	if err := check(in); err != nil {
		return err
	}
	if _, err := tx.GetTag(ctx, in.ID); err != nil {
		return fmt.Errorf("get tag: %w", err)
	}
	if err := tx.DeleteTag(ctx, in.ID, env.Now); err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return nil
}
