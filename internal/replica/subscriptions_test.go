package replica

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/store"
)

type rowSink struct {
	mu    sync.Mutex
	calls [][]models.Row
}

func (s *rowSink) receive(rows []models.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, rows)
}

func (s *rowSink) last() []models.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func TestSubscribeDeliversLiveRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.client.Subscriptions().Preload(ctx, query.MembershipsForUser("alice")))

	sink := &rowSink{}
	cancel, err := h.client.Subscriptions().Subscribe(ctx, query.TagsForOrg("org-a"), sink.receive)
	require.NoError(t, err)
	defer cancel()

	require.NotEmpty(t, sink.calls, "current rows are delivered immediately")
	assert.Empty(t, sink.last())

	_, err = h.client.Mutate(ctx, mutators.NameTagsCreate, mutators.CreateTagInput{ID: "tag-1", OrgID: "org-a", Name: "urgent"})
	require.NoError(t, err)

	rows := sink.last()
	require.Len(t, rows, 1)
	assert.Equal(t, "urgent", rows[0].(*models.Tag).Name)
}

func TestSubscribeUnknownTable(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Subscriptions().Subscribe(context.Background(), query.Spec{Table: "projects"}, func([]models.Row) {})
	assert.Error(t, err)
	assert.Equal(t, 0, h.client.Subscriptions().Active())
}

func TestSweepEvictsExpiredQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Tag{ID: "tag-1", OrgID: "org-a", Name: "urgent", CreatedAt: t0, UpdatedAt: t0}))
	h.preload(t)
	subs := h.client.Subscriptions()

	tags, err := h.client.Query(ctx, query.TagsForOrg("org-a"))
	require.NoError(t, err)
	require.Len(t, tags, 1)

	h.advance(query.DefaultTTL + time.Minute)
	require.NoError(t, subs.Sweep(ctx))

	tags, err = h.client.Query(ctx, query.TagsForOrg("org-a"))
	require.NoError(t, err)
	assert.Empty(t, tags)

	members, err := h.client.Query(ctx, query.MembershipsForUser("alice"))
	require.NoError(t, err)
	assert.Len(t, members, 1, "memberships are never evicted")
}

func TestSubscriberKeepsQueryAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Tag{ID: "tag-1", OrgID: "org-a", Name: "urgent", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, h.client.Subscriptions().Preload(ctx, query.MembershipsForUser("alice")))
	subs := h.client.Subscriptions()

	sink := &rowSink{}
	cancel, err := subs.Subscribe(ctx, query.TagsForOrg("org-a"), sink.receive)
	require.NoError(t, err)
	require.Len(t, sink.last(), 1)

	h.advance(time.Hour)
	require.NoError(t, subs.Sweep(ctx))
	assert.Equal(t, 2, subs.Active())

	cancel()
	cancel()

	h.advance(time.Minute)
	require.NoError(t, subs.Sweep(ctx))
	assert.Equal(t, 2, subs.Active(), "rows are kept for the ttl after the last subscriber")

	h.advance(query.DefaultTTL)
	require.NoError(t, subs.Sweep(ctx))
	assert.Equal(t, 1, subs.Active())

	tags, err := h.client.Query(ctx, query.TagsForOrg("org-a"))
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestSweepKeepsRowsOfOtherQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Todo{
		ID: "t1", OrgID: "org-a", UserID: "alice", Title: "Keep me",
		Priority: models.TodoPriorityMedium, Status: models.TodoStatusPending,
		Version: "1", CreatedAt: t0, UpdatedAt: t0,
	}))
	subs := h.client.Subscriptions()
	require.NoError(t, subs.Preload(ctx, query.MembershipsForUser("alice")))
	require.NoError(t, subs.Preload(ctx, query.ByID(models.TableTodos, "t1")))

	sink := &rowSink{}
	cancel, err := subs.Subscribe(ctx, query.TodosForOrg("org-a", 0), sink.receive)
	require.NoError(t, err)
	defer cancel()

	h.advance(query.DefaultTTL + time.Minute)
	require.NoError(t, subs.Sweep(ctx))

	todo, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Keep me", todo.Title)
}

func TestRefetchReplacesRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Todo{
		ID: "t1", OrgID: "org-a", UserID: "alice", Title: "Original",
		Priority: models.TodoPriorityMedium, Status: models.TodoStatusPending,
		Version: "1", CreatedAt: t0, UpdatedAt: t0,
	}))
	h.preload(t)

	require.NoError(t, h.server.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.SoftDeleteTodo(ctx, "t1", "1", "alice", t0)
		return err
	}))

	require.NoError(t, h.client.Subscriptions().Refetch(ctx, models.TableTodos, "t1"))

	_, err := h.client.Todo(ctx, "t1")
	assert.Error(t, err)
}
