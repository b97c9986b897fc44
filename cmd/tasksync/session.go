package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/config"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/replica"
)

// maxPending bounds the outbox so a client that never reaches the server
// stops queueing instead of growing without limit.
const maxPending = 10000

// session is one CLI invocation's replica.
type session struct {
	cfg       *config.ClientConfig
	client    *replica.Client
	transport *replica.HTTPTransport
	offline   bool
	logger    zerolog.Logger
}

// openSession loads the configuration, resolves the caller's identity and
// hydrates a replica of the configured organization.
func openSession(ctx context.Context, opts *globalOptions) (*session, error) {
	cfg, err := config.LoadClientConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("client is not configured, run 'tasksync config init': %w", err)
	}

	logger := opts.logger
	transport := replica.NewHTTPTransport(cfg.ServerURL, cfg.Token, logger)

	changed := cfg.EnsureIdentity()
	if cfg.UserID == "" {
		id, err := transport.Identity(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve identity: %w", err)
		}
		cfg.UserID = id.Subject
		changed = true
	}
	if changed {
		if err := cfg.Save(opts.configPath); err != nil {
			return nil, fmt.Errorf("save config: %w", err)
		}
	}

	outbox, err := replica.NewSQLiteOutbox(cfg.ResolveOutboxPath(opts.configPath), maxPending, logger)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}

	rcfg := replica.DefaultConfig()
	rcfg.ClientGroupID = cfg.ClientGroupID
	rcfg.ClientID = cfg.ClientID
	rcfg.Identity = auth.Identity{Subject: cfg.UserID}

	client, err := replica.NewClient(ctx, rcfg, outbox, transport, logger,
		replica.WithRejectionHandler(printRejection))
	if err != nil {
		outbox.Close()
		return nil, fmt.Errorf("create replica: %w", err)
	}

	s := &session{
		cfg:       cfg,
		client:    client,
		transport: transport,
		offline:   opts.offline,
		logger:    logger,
	}

	// Memberships come first; every local permission check reads them.
	subs := client.Subscriptions()
	for _, spec := range []query.Spec{
		query.MembershipsForUser(cfg.UserID),
		query.TodosForOrg(cfg.OrgID, 0),
		query.TagsForOrg(cfg.OrgID),
	} {
		if err := subs.Preload(ctx, spec); err != nil {
			// Pending mutations can still be flushed later.
			logger.Warn().Err(err).Str("table", spec.Table).Msg("preload failed")
		}
	}

	return s, nil
}

// Close releases the replica. Unpushed mutations stay in the outbox.
func (s *session) Close() error {
	return s.client.Close()
}

// mutate applies a mutation locally and pushes it unless the session is
// offline.
func (s *session) mutate(ctx context.Context, name string, args any) error {
	p, err := s.client.Mutate(ctx, name, args)
	if err != nil {
		return err
	}
	s.logger.Debug().Int64("mutation_id", p.ID).Str("mutator", name).Msg("mutation queued")
	if s.offline {
		return nil
	}
	return s.flush(ctx)
}

// flush pushes the outbox and reports the outcome.
func (s *session) flush(ctx context.Context) error {
	result, err := s.client.Flush(ctx)
	if err != nil {
		remaining := 0
		if result != nil {
			remaining = result.Remaining
		}
		fmt.Fprintf(os.Stderr, "Push failed, %d mutation(s) kept for the next sync: %v\n", remaining, err)
		return nil
	}
	if len(result.Rejected) > 0 {
		return fmt.Errorf("%d mutation(s) rejected by the server", len(result.Rejected))
	}
	return nil
}

// todo resolves a todo by id or unique id prefix.
func (s *session) todo(ctx context.Context, ref string) (*models.Todo, error) {
	if t, err := s.client.Todo(ctx, ref); err == nil && !t.IsDeleted() {
		return t, nil
	}

	todos, err := s.todos(ctx, "")
	if err != nil {
		return nil, err
	}
	var match *models.Todo
	for _, t := range todos {
		if !strings.HasPrefix(t.ID, ref) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("todo id %q is ambiguous", ref)
		}
		match = t
	}
	if match == nil {
		return nil, fmt.Errorf("todo %q not found", ref)
	}
	return match, nil
}

// todos returns the live todos of the organization, optionally filtered by
// status.
func (s *session) todos(ctx context.Context, status models.TodoStatus) ([]*models.Todo, error) {
	spec := query.TodosForOrg(s.cfg.OrgID, 0)
	spec.Where = append(spec.Where, query.Condition{Column: "deleted_at", Op: query.OpIsNull})
	if status != "" {
		spec.Where = append(spec.Where, query.Condition{Column: "status", Op: query.OpEq, Value: string(status)})
	}
	rows, err := s.client.Query(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	todos := make([]*models.Todo, 0, len(rows))
	for _, row := range rows {
		if t, ok := row.(*models.Todo); ok {
			todos = append(todos, t)
		}
	}
	return todos, nil
}

// tags returns the live tags of the organization.
func (s *session) tags(ctx context.Context) ([]*models.Tag, error) {
	rows, err := s.client.Query(ctx, query.TagsForOrg(s.cfg.OrgID))
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	tags := make([]*models.Tag, 0, len(rows))
	for _, row := range rows {
		if t, ok := row.(*models.Tag); ok && t.DeletedAt == nil {
			tags = append(tags, t)
		}
	}
	return tags, nil
}

// tagByName finds a live tag by case-insensitive name.
func (s *session) tagByName(ctx context.Context, name string) (*models.Tag, error) {
	tags, err := s.tags(ctx)
	if err != nil {
		return nil, err
	}
	key := models.FoldTagName(name)
	for _, t := range tags {
		if models.FoldTagName(t.Name) == key {
			return t, nil
		}
	}
	return nil, fmt.Errorf("tag %q not found", name)
}

func printRejection(r replica.Rejection) {
	fmt.Fprintf(os.Stderr, "Rejected %s (#%d): %s: %s\n", r.Mutation.Name, r.Mutation.ID, r.Kind, r.Detail)
	switch {
	case r.Conflict():
		fmt.Fprintln(os.Stderr, "  The todo changed on the server. Review it and try again.")
	case r.AccessLost():
		fmt.Fprintln(os.Stderr, "  You no longer have access to this organization.")
	}
}
