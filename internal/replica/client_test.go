package replica

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/memstore"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

var (
	alice = auth.Identity{Subject: "alice"}
	bob   = auth.Identity{Subject: "bob"}
)

// directTransport runs requests against an in-process processor.
type directTransport struct {
	proc *push.Processor
	id   auth.Identity

	mu       sync.Mutex
	pushErrs []error
	pushes   int
}

func (d *directTransport) Push(ctx context.Context, req push.PushRequest) (*push.PushResponse, error) {
	d.mu.Lock()
	d.pushes++
	if len(d.pushErrs) > 0 {
		err := d.pushErrs[0]
		d.pushErrs = d.pushErrs[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()
	return d.proc.Process(ctx, d.id, req)
}

func (d *directTransport) Fetch(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	res, err := d.proc.Query(ctx, d.id, spec)
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

func (d *directTransport) failNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pushErrs = append(d.pushErrs, errs...)
}

type harness struct {
	server    *memstore.Store
	proc      *push.Processor
	transport *directTransport
	dir       string
	client    *Client

	mu         sync.Mutex
	now        time.Time
	rejections []Rejection
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	server := memstore.New(store.LocationServer)
	require.NoError(t, server.Seed(
		&models.Organization{ID: "org-a", Name: "A", Slug: "a", CreatedAt: t0, UpdatedAt: t0},
		&models.User{ID: "alice", Name: "Alice", CreatedAt: t0, UpdatedAt: t0},
		&models.User{ID: "bob", Name: "Bob", CreatedAt: t0, UpdatedAt: t0},
		&models.OrgMembership{ID: "m1", OrgID: "org-a", UserID: "alice", Role: models.OrgRoleOwner, CreatedAt: t0, UpdatedAt: t0},
		&models.OrgMembership{ID: "m2", OrgID: "org-a", UserID: "bob", Role: models.OrgRoleMember, CreatedAt: t0, UpdatedAt: t0},
	))

	h := &harness{server: server, dir: t.TempDir(), now: t0}
	h.proc = push.NewProcessor(server, mutators.Default(), auth.NewEngine(auth.DefaultRules()), zerolog.Nop(),
		push.WithClock(func() time.Time { return t0 }))
	h.transport = &directTransport{proc: h.proc, id: alice}
	h.client = h.open(t)
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *harness) open(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	outbox, err := NewSQLiteOutbox(filepath.Join(h.dir, "outbox.db"), 0, zerolog.Nop())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.ClientGroupID = "group-alice"
	cfg.ClientID = "client-1"
	cfg.Identity = alice
	cfg.RetryTimeout = 5 * time.Second

	c, err := NewClient(ctx, cfg, outbox, h.transport, zerolog.Nop(),
		WithClock(h.clock),
		WithRejectionHandler(func(r Rejection) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.rejections = append(h.rejections, r)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func (h *harness) preload(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	subs := h.client.Subscriptions()
	require.NoError(t, subs.Preload(ctx, query.MembershipsForUser("alice")))
	require.NoError(t, subs.Preload(ctx, query.TodosForOrg("org-a", 0)))
	require.NoError(t, subs.Preload(ctx, query.TagsForOrg("org-a")))
}

func (h *harness) serverTodo(t *testing.T, id string) *models.Todo {
	t.Helper()
	var todo *models.Todo
	err := h.server.View(context.Background(), func(tx store.Tx) error {
		var err error
		todo, err = tx.GetTodo(context.Background(), id)
		return err
	})
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return todo
}

func ptr[T any](v T) *T { return &v }

func TestMutateAppliesLocallyBeforePush(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	p, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "t1", OrgID: "org-a", Title: "Ship v1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.ID)

	todo, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Ship v1", todo.Title)
	assert.Equal(t, "1", todo.Version)
	assert.Equal(t, "alice", todo.UserID)

	assert.Nil(t, h.serverTodo(t, "t1"), "server must not see the todo before a push")
	n, err := h.client.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFlushConfirmsMutations(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "t1", OrgID: "org-a", Title: "Ship v1"})
	require.NoError(t, err)
	_, err = h.client.Mutate(ctx, mutators.NameTodoUpdate, mutators.UpdateTodoInput{
		ID: "t1", Version: "1", Priority: ptr(models.TodoPriorityHigh),
	})
	require.NoError(t, err)

	res, err := h.client.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, 0, res.Remaining)

	server := h.serverTodo(t, "t1")
	require.NotNil(t, server)
	assert.Equal(t, "2", server.Version)
	assert.Equal(t, models.TodoPriorityHigh, server.Priority)

	local, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "2", local.Version)
}

func TestLocalFailureIsNotQueued(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Todo{
		ID: "bobs", OrgID: "org-a", UserID: "bob", Title: "Bob's todo",
		Priority: models.TodoPriorityLow, Status: models.TodoStatusPending,
		Version: "1", CreatedAt: t0, UpdatedAt: t0,
	}))
	h.preload(t)

	_, err := h.client.Mutate(ctx, mutators.NameTodoUpdate, mutators.UpdateTodoInput{ID: "bobs", Version: "1", Title: ptr("Mine now")})
	assert.True(t, errors.Is(err, syncerr.ErrForbidden), "got %v", err)

	_, err = h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{OrgID: "org-a", Title: "   "})
	assert.True(t, errors.Is(err, syncerr.ErrValidation), "got %v", err)

	_, err = h.client.Mutate(ctx, "todo.archive", map[string]string{"id": "bobs"})
	assert.Equal(t, syncerr.KindUnknownMutator, syncerr.KindOf(err))

	n, err := h.client.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	todo, err := h.client.Todo(ctx, "bobs")
	require.NoError(t, err)
	assert.Equal(t, "Bob's todo", todo.Title)
}

func TestConflictIsRejectedAndReconciled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.server.Seed(&models.Todo{
		ID: "t1", OrgID: "org-a", UserID: "alice", Title: "Original",
		Priority: models.TodoPriorityMedium, Status: models.TodoStatusPending,
		Version: "1", CreatedAt: t0, UpdatedAt: t0,
	}))
	h.preload(t)

	// Another session wins the race.
	require.NoError(t, h.server.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.UpdateTodo(ctx, "t1", "1", store.TodoPatch{Title: ptr("Edited elsewhere"), EditedBy: "alice", EditedAt: t0})
		return err
	}))

	_, err := h.client.Mutate(ctx, mutators.NameTodoUpdate, mutators.UpdateTodoInput{ID: "t1", Version: "1", Title: ptr("Edited here")})
	require.NoError(t, err)
	local, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Edited here", local.Title, "optimistic effect is visible")

	res, err := h.client.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, res.Rejected, 1)
	assert.True(t, res.Rejected[0].Conflict())
	assert.False(t, res.Rejected[0].AccessLost())
	require.Len(t, h.rejections, 1)
	assert.Equal(t, syncerr.KindVersionConflict, h.rejections[0].Kind)

	local, err = h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Edited elsewhere", local.Title)
	assert.Equal(t, "2", local.Version)

	n, err := h.client.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRebaseKeepsPendingOnFreshState(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "local", OrgID: "org-a", Title: "Not pushed yet"})
	require.NoError(t, err)

	// Bob creates a todo from his own client.
	bobResp, err := h.proc.Process(ctx, bob, push.PushRequest{
		ClientGroupID: "group-bob",
		SchemaVersion: schema.Version,
		Mutations: []push.Mutation{{
			ID: 1, ClientID: "bob-1", Name: mutators.NameTodoCreate,
			Args: []byte(`{"id":"remote","org_id":"org-a","title":"From Bob"}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, push.ResultApplied, bobResp.Mutations[0].Result)

	require.NoError(t, h.client.Subscriptions().Refresh(ctx))

	rows, err := h.client.Query(ctx, query.TodosForOrg("org-a", 0))
	require.NoError(t, err)
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.RowID())
	}
	assert.ElementsMatch(t, []string{"local", "remote"}, ids)
}

func TestTransientPushFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "t1", OrgID: "org-a", Title: "Ship v1"})
	require.NoError(t, err)

	h.transport.failNext(errors.New("connection refused"), &StatusError{StatusCode: 503})

	res, err := h.client.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 3, h.transport.pushes)
	assert.NotNil(t, h.serverTodo(t, "t1"))
}

func TestPermanentPushFailureKeepsOutbox(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "t1", OrgID: "org-a", Title: "Ship v1"})
	require.NoError(t, err)

	h.transport.failNext(push.ErrSchemaVersion)

	res, err := h.client.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, push.ErrSchemaVersion))
	assert.Equal(t, 1, h.transport.pushes)
	assert.Equal(t, 1, res.Remaining)

	todo, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err, "optimistic effect survives a failed push")
	assert.Equal(t, "Ship v1", todo.Title)
}

func TestPendingMutationsSurviveRestart(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{ID: "t1", OrgID: "org-a", Title: "Ship v1"})
	require.NoError(t, err)
	require.NoError(t, h.client.Close())

	h.client = h.open(t)
	h.preload(t)

	todo, err := h.client.Todo(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "Ship v1", todo.Title)

	p, err := h.client.Mutate(ctx, mutators.NameTodoMarkComplete, mutators.TodoRef{ID: "t1", Version: "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ID)

	res, err := h.client.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	server := h.serverTodo(t, "t1")
	require.NotNil(t, server)
	assert.True(t, server.Completed)
}

func TestReplayedIDsAreStable(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{OrgID: "org-a", Title: "No id"})
	require.NoError(t, err)

	before, err := h.client.Query(ctx, query.TodosForOrg("org-a", 0))
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, h.client.rebuild(ctx))

	after, err := h.client.Query(ctx, query.TodosForOrg("org-a", 0))
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].RowID(), after[0].RowID())
}

func TestGeneratedIDsMatchServer(t *testing.T) {
	h := newHarness(t)
	h.preload(t)
	ctx := context.Background()

	_, err := h.client.Mutate(ctx, mutators.NameTodoCreate, mutators.CreateTodoInput{OrgID: "org-a", Title: "No id"})
	require.NoError(t, err)
	rows, err := h.client.Query(ctx, query.TodosForOrg("org-a", 0))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	todoID := rows[0].RowID()

	_, err = h.client.Mutate(ctx, mutators.NameTodoUpdate, mutators.UpdateTodoInput{
		ID: todoID, Version: "1", Priority: ptr(models.TodoPriorityHigh),
	})
	require.NoError(t, err)
	_, err = h.client.Mutate(ctx, mutators.NameTodoAddTag, mutators.AddTagInput{TodoID: todoID, TagName: "urgent"})
	require.NoError(t, err)

	localTags, err := h.client.Query(ctx, query.TagsForOrg("org-a"))
	require.NoError(t, err)
	require.Len(t, localTags, 1)

	res, err := h.client.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Applied)
	assert.Empty(t, res.Rejected)

	server := h.serverTodo(t, todoID)
	require.NotNil(t, server, "server row has the id the client generated")
	assert.Equal(t, "2", server.Version)
	assert.Equal(t, models.TodoPriorityHigh, server.Priority)

	var serverLinks []*models.TodoTag
	require.NoError(t, h.server.View(ctx, func(tx store.Tx) error {
		var err error
		serverLinks, err = tx.ListTodoTags(ctx, todoID)
		return err
	}))
	require.Len(t, serverLinks, 1)
	assert.Equal(t, localTags[0].RowID(), serverLinks[0].TagID)

	local, err := h.client.Todo(ctx, todoID)
	require.NoError(t, err, "optimistic row survives the pull")
	assert.Equal(t, "2", local.Version)
}

func TestNewClientRequiresIdentity(t *testing.T) {
	outbox, err := NewSQLiteOutbox(filepath.Join(t.TempDir(), "outbox.db"), 0, zerolog.Nop())
	require.NoError(t, err)
	defer outbox.Close()

	_, err = NewClient(context.Background(), DefaultConfig(), outbox, &directTransport{}, zerolog.Nop())
	assert.Error(t, err)
}
