package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/query"
)

const dueDateLayout = "2006-01-02"

// withSession runs fn against a freshly opened session.
func withSession(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, s *session) error) error {
	ctx := cmd.Context()
	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newTodoCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "todo",
		Short: "Manage todos",
	}

	cmd.AddCommand(
		newTodoAddCmd(opts),
		newTodoListCmd(opts),
		newTodoShowCmd(opts),
		newTodoEditCmd(opts),
		newTodoDoneCmd(opts),
		newTodoUndoCmd(opts),
		newTodoRemoveCmd(opts),
		newTodoTagCmd(opts),
		newTodoUntagCmd(opts),
	)

	return cmd
}

func newTodoAddCmd(opts *globalOptions) *cobra.Command {
	var (
		description string
		priority    string
		due         string
		tags        []string
	)

	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a todo",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dueDate, err := parseDueDate(due)
			if err != nil {
				return err
			}
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				in := mutators.CreateTodoInput{
					ID:          uuid.NewString(),
					OrgID:       s.cfg.OrgID,
					Title:       strings.Join(args, " "),
					Description: description,
					Priority:    models.TodoPriority(priority),
					DueDate:     dueDate,
				}
				if _, err := s.client.Mutate(ctx, mutators.NameTodoCreate, in); err != nil {
					return err
				}
				for _, name := range tags {
					if _, err := s.client.Mutate(ctx, mutators.NameTodoAddTag, newAddTagInput(in.ID, name)); err != nil {
						return fmt.Errorf("tag %q: %w", name, err)
					}
				}

				fmt.Printf("Created %s\n", shortID(in.ID))
				if s.offline {
					return nil
				}
				return s.flush(ctx)
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "todo description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "priority (low, medium, high)")
	cmd.Flags().StringVar(&due, "due", "", "due date (YYYY-MM-DD)")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag name, created if missing (repeatable)")

	return cmd
}

func newTodoListCmd(opts *globalOptions) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List todos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				todos, err := s.todos(ctx, models.TodoStatus(status))
				if err != nil {
					return err
				}
				if len(todos) == 0 {
					fmt.Println("No todos.")
					return nil
				}
				fmt.Printf("%-8s  %-11s  %-6s  %-10s  %s\n", "ID", "STATUS", "PRIO", "DUE", "TITLE")
				for _, t := range todos {
					fmt.Printf("%-8s  %-11s  %-6s  %-10s  %s\n",
						shortID(t.ID), t.Status, t.Priority, formatDue(t.DueDate), t.Title)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", "", "only todos with this status")

	return cmd
}

func newTodoShowCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a todo and its tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				t, err := s.todo(ctx, args[0])
				if err != nil {
					return err
				}

				names, err := s.tagNames(ctx, t.ID)
				if err != nil {
					s.logger.Warn().Err(err).Msg("load tags failed")
				}

				fmt.Printf("ID:          %s\n", t.ID)
				fmt.Printf("Title:       %s\n", t.Title)
				if t.Description != "" {
					fmt.Printf("Description: %s\n", t.Description)
				}
				fmt.Printf("Status:      %s\n", t.Status)
				fmt.Printf("Priority:    %s\n", t.Priority)
				fmt.Printf("Due:         %s\n", formatDue(t.DueDate))
				fmt.Printf("Tags:        %s\n", strings.Join(names, ", "))
				fmt.Printf("Owner:       %s\n", t.UserID)
				if t.LastEditedBy != nil {
					fmt.Printf("Edited by:   %s\n", *t.LastEditedBy)
				}
				fmt.Printf("Updated:     %s\n", t.UpdatedAt.Local().Format(time.RFC1123))
				return nil
			})
		},
	}
}

// tagNames loads the tag links of a todo and returns the linked tag names.
func (s *session) tagNames(ctx context.Context, todoID string) ([]string, error) {
	spec := query.TodoTagsForTodo(todoID)
	if err := s.client.Subscriptions().Preload(ctx, spec); err != nil {
		return nil, err
	}
	rows, err := s.client.Query(ctx, spec)
	if err != nil {
		return nil, err
	}
	tags, err := s.tags(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]string, len(tags))
	for _, t := range tags {
		byID[t.ID] = t.Name
	}

	var names []string
	for _, row := range rows {
		if link, ok := row.(*models.TodoTag); ok {
			if name, ok := byID[link.TagID]; ok {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func newTodoEditCmd(opts *globalOptions) *cobra.Command {
	var (
		title       string
		description string
		priority    string
		status      string
		due         string
		clearDue    bool
	)

	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a todo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				t, err := s.todo(ctx, args[0])
				if err != nil {
					return err
				}

				in := mutators.UpdateTodoInput{ID: t.ID, Version: t.Version}
				changed := false
				if flags.Changed("title") {
					in.Title = &title
					changed = true
				}
				if flags.Changed("description") {
					in.Description = &description
					changed = true
				}
				if flags.Changed("priority") {
					p := models.TodoPriority(priority)
					in.Priority = &p
					changed = true
				}
				if flags.Changed("status") {
					st := models.TodoStatus(status)
					in.Status = &st
					changed = true
				}
				switch {
				case clearDue:
					in.DueDate = models.ClearTime()
					changed = true
				case flags.Changed("due"):
					if in.DueDate, err = parseDueDate(due); err != nil {
						return err
					}
					changed = true
				}
				if !changed {
					return fmt.Errorf("nothing to change")
				}

				if err := s.mutate(ctx, mutators.NameTodoUpdate, in); err != nil {
					return err
				}
				fmt.Printf("Updated %s\n", shortID(t.ID))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&description, "description", "d", "", "new description")
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "new priority (low, medium, high)")
	cmd.Flags().StringVarP(&status, "status", "s", "", "new status (pending, in_progress, completed, cancelled)")
	cmd.Flags().StringVar(&due, "due", "", "new due date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&clearDue, "clear-due", false, "remove the due date")
	cmd.MarkFlagsMutuallyExclusive("due", "clear-due")

	return cmd
}

// newTodoRefCmd builds a command that applies a versioned mutator to one
// todo.
func newTodoRefCmd(opts *globalOptions, use, short, mutator, verb string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				t, err := s.todo(ctx, args[0])
				if err != nil {
					return err
				}
				if err := s.mutate(ctx, mutator, mutators.TodoRef{ID: t.ID, Version: t.Version}); err != nil {
					return err
				}
				fmt.Printf("%s %s\n", verb, shortID(t.ID))
				return nil
			})
		},
	}
}

func newTodoDoneCmd(opts *globalOptions) *cobra.Command {
	return newTodoRefCmd(opts, "done", "Mark a todo complete", mutators.NameTodoMarkComplete, "Completed")
}

func newTodoUndoCmd(opts *globalOptions) *cobra.Command {
	return newTodoRefCmd(opts, "undo", "Mark a todo incomplete", mutators.NameTodoMarkIncomplete, "Reopened")
}

func newTodoRemoveCmd(opts *globalOptions) *cobra.Command {
	return newTodoRefCmd(opts, "rm", "Delete a todo", mutators.NameTodoDelete, "Deleted")
}

func newTodoTagCmd(opts *globalOptions) *cobra.Command {
	var color string

	cmd := &cobra.Command{
		Use:   "tag <id> <name>",
		Short: "Tag a todo, creating the tag if needed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				t, err := s.todo(ctx, args[0])
				if err != nil {
					return err
				}
				in := newAddTagInput(t.ID, args[1])
				if cmd.Flags().Changed("color") {
					in.Color = &color
				}
				if err := s.mutate(ctx, mutators.NameTodoAddTag, in); err != nil {
					return err
				}
				fmt.Printf("Tagged %s with %s\n", shortID(t.ID), args[1])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&color, "color", "", "color for a newly created tag")

	return cmd
}

func newTodoUntagCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "untag <id> <name>",
		Short: "Remove a tag from a todo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				t, err := s.todo(ctx, args[0])
				if err != nil {
					return err
				}
				tag, err := s.tagByName(ctx, args[1])
				if err != nil {
					return err
				}
				if err := s.mutate(ctx, mutators.NameTodoRemoveTag, mutators.RemoveTagInput{TodoID: t.ID, TagID: tag.ID}); err != nil {
					return err
				}
				fmt.Printf("Removed %s from %s\n", tag.Name, shortID(t.ID))
				return nil
			})
		},
	}
}

func newTagCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage tags",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List tags",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withSession(cmd, opts, func(ctx context.Context, s *session) error {
					tags, err := s.tags(ctx)
					if err != nil {
						return err
					}
					if len(tags) == 0 {
						fmt.Println("No tags.")
						return nil
					}
					for _, t := range tags {
						color := ""
						if t.Color != nil {
							color = *t.Color
						}
						fmt.Printf("%-8s  %-20s  %s\n", shortID(t.ID), t.Name, color)
					}
					return nil
				})
			},
		},
		newTagRenameCmd(opts),
		newTagDeleteCmd(opts),
	)

	return cmd
}

func newTagRenameCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name> <new-name>",
		Short: "Rename a tag",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				tag, err := s.tagByName(ctx, args[0])
				if err != nil {
					return err
				}
				name := args[1]
				return s.mutate(ctx, mutators.NameTagsUpdate, mutators.UpdateTagInput{ID: tag.ID, Name: &name})
			})
		},
	}
}

func newTagDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *session) error {
				tag, err := s.tagByName(ctx, args[0])
				if err != nil {
					return err
				}
				return s.mutate(ctx, mutators.NameTagsDelete, mutators.DeleteTagInput{ID: tag.ID})
			})
		},
	}
}

// newAddTagInput fixes the ids of rows the mutation may create, so the
// local and the server run produce the same tag and link.
func newAddTagInput(todoID, name string) mutators.AddTagInput {
	return mutators.AddTagInput{
		TodoID:  todoID,
		TagName: name,
		TagID:   uuid.NewString(),
		LinkID:  uuid.NewString(),
	}
}

func parseDueDate(s string) (models.OptionalTime, error) {
	if s == "" {
		return models.OptionalTime{}, nil
	}
	t, err := time.ParseInLocation(dueDateLayout, s, time.Local)
	if err != nil {
		return models.OptionalTime{}, fmt.Errorf("invalid due date %q, expected YYYY-MM-DD", s)
	}
	return models.SetTime(t), nil
}

func formatDue(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(dueDateLayout)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
