package push

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

var t0 = time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC)

var (
	alice = auth.Identity{Subject: "alice"}
	carol = auth.Identity{Subject: "carol"}
)

type recordingNotifier struct {
	mu    sync.Mutex
	pokes [][]string
}

func (n *recordingNotifier) Poke(_ context.Context, orgIDs []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pokes = append(n.pokes, orgIDs)
}

type observation struct {
	name   string
	result Result
	kind   syncerr.Kind
}

type recordingRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (r *recordingRecorder) ObserveMutation(name string, result Result, kind syncerr.Kind, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs = append(r.obs, observation{name: name, result: result, kind: kind})
}

type fixture struct {
	store    *memstore.Store
	proc     *Processor
	notifier *recordingNotifier
	recorder *recordingRecorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	s := memstore.New(store.LocationServer)
	require.NoError(t, s.Seed(
		&models.Organization{ID: "org-a", Name: "A", Slug: "a", CreatedAt: t0, UpdatedAt: t0},
		&models.Organization{ID: "org-b", Name: "B", Slug: "b", CreatedAt: t0, UpdatedAt: t0},
		&models.User{ID: "alice", Email: "alice@example.com", Name: "Alice", CreatedAt: t0, UpdatedAt: t0},
		&models.OrgMembership{ID: "m1", OrgID: "org-a", UserID: "alice", Role: models.OrgRoleOwner, CreatedAt: t0, UpdatedAt: t0},
		&models.OrgMembership{ID: "m2", OrgID: "org-b", UserID: "carol", Role: models.OrgRoleOwner, CreatedAt: t0, UpdatedAt: t0},
	))

	f := &fixture{store: s, notifier: &recordingNotifier{}, recorder: &recordingRecorder{}}
	opts = append([]Option{
		WithNotifier(f.notifier),
		WithRecorder(f.recorder),
		WithClock(func() time.Time { return t0 }),
	}, opts...)
	f.proc = NewProcessor(s, mutators.Default(), auth.NewEngine(auth.DefaultRules()), zerolog.Nop(), opts...)
	return f
}

func mutation(t *testing.T, id int64, name string, args any) Mutation {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return Mutation{ID: id, ClientID: "client-1", Name: name, Args: raw}
}

func request(mutations ...Mutation) PushRequest {
	return PushRequest{ClientGroupID: "group-1", SchemaVersion: schema.Version, Mutations: mutations}
}

func createArgs(id, org, title string) map[string]any {
	return map[string]any{"id": id, "org_id": org, "title": title}
}

func (f *fixture) todo(t *testing.T, id string) (*models.Todo, error) {
	t.Helper()
	var todo *models.Todo
	err := f.store.View(context.Background(), func(tx store.Tx) error {
		var err error
		todo, err = tx.GetTodo(context.Background(), id)
		return err
	})
	return todo, err
}

func (f *fixture) lastMutationID(t *testing.T, userID string) int64 {
	t.Helper()
	var last int64
	err := f.store.ExecTx(context.Background(), func(tx store.Tx) error {
		var err error
		last, err = tx.ClaimClient(context.Background(), store.ClientKey{ClientGroupID: "group-1", ClientID: "client-1"}, userID)
		return err
	})
	require.NoError(t, err)
	return last
}

func TestProcessAppliesMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.proc.Process(ctx, alice, request(
		mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "First")),
		mutation(t, 2, mutators.NameTodoCreate, createArgs("t2", "org-a", "Second")),
	))
	require.NoError(t, err)
	require.Len(t, resp.Mutations, 2)
	for i, res := range resp.Mutations {
		assert.Equal(t, ResultApplied, res.Result)
		assert.Equal(t, MutationID{ClientID: "client-1", ID: int64(i + 1)}, res.ID)
	}

	todo, err := f.todo(t, "t1")
	require.NoError(t, err)
	assert.Equal(t, "First", todo.Title)
	assert.Equal(t, t0, todo.CreatedAt)
	assert.Equal(t, int64(2), f.lastMutationID(t, "alice"))

	assert.Len(t, f.notifier.pokes, 2)
	assert.Equal(t, []string{"org-a"}, f.notifier.pokes[0])
	require.Len(t, f.recorder.obs, 2)
	assert.Equal(t, observation{name: mutators.NameTodoCreate, result: ResultApplied}, f.recorder.obs[0])
}

func TestProcessResendIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "Once"))

	_, err := f.proc.Process(ctx, alice, request(m))
	require.NoError(t, err)

	resp, err := f.proc.Process(ctx, alice, request(m))
	require.NoError(t, err)
	require.Len(t, resp.Mutations, 1)
	assert.Equal(t, ResultApplied, resp.Mutations[0].Result)
	assert.Equal(t, "already processed", resp.Mutations[0].Detail)

	todo, err := f.todo(t, "t1")
	require.NoError(t, err)
	assert.Equal(t, "1", todo.Version)
	assert.Len(t, f.notifier.pokes, 1)
}

func TestProcessOutOfOrder(t *testing.T) {
	f := newFixture(t)

	resp, err := f.proc.Process(context.Background(), alice, request(
		mutation(t, 2, mutators.NameTodoCreate, createArgs("t1", "org-a", "Skipped ahead")),
	))
	require.NoError(t, err)
	assert.Equal(t, ResultError, resp.Mutations[0].Result)
	assert.Equal(t, syncerr.KindOutOfOrder, resp.Mutations[0].Error)
	assert.Equal(t, int64(0), f.lastMutationID(t, "alice"))

	_, err = f.todo(t, "t1")
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))
}

func TestProcessRejectedMutationAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.proc.Process(ctx, alice, request(
		mutation(t, 1, mutators.NameTodoCreate, createArgs("x1", "org-b", "Not my org")),
		mutation(t, 2, mutators.NameTodoCreate, createArgs("t2", "org-a", "Mine")),
		mutation(t, 3, mutators.NameTodoCreate, createArgs("t3", "org-a", "")),
	))
	require.NoError(t, err)
	require.Len(t, resp.Mutations, 3)

	assert.Equal(t, ResultError, resp.Mutations[0].Result)
	assert.Equal(t, syncerr.KindForbidden, resp.Mutations[0].Error)
	assert.Equal(t, ResultApplied, resp.Mutations[1].Result)
	assert.Equal(t, ResultError, resp.Mutations[2].Result)
	assert.Equal(t, syncerr.KindValidation, resp.Mutations[2].Error)
	assert.NotEmpty(t, resp.Mutations[2].Detail)

	assert.Equal(t, int64(3), f.lastMutationID(t, "alice"))
	_, err = f.todo(t, "x1")
	assert.True(t, errors.Is(err, syncerr.ErrNotFound))
	_, err = f.todo(t, "t2")
	assert.NoError(t, err)
}

func TestProcessUnknownMutator(t *testing.T) {
	f := newFixture(t)

	resp, err := f.proc.Process(context.Background(), alice, request(
		mutation(t, 1, "todo.explode", map[string]any{}),
	))
	require.NoError(t, err)
	assert.Equal(t, syncerr.KindUnknownMutator, resp.Mutations[0].Error)
	assert.Equal(t, int64(1), f.lastMutationID(t, "alice"))
}

func TestProcessClientGroupOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, alice, request(
		mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "Alice's")),
	))
	require.NoError(t, err)

	resp, err := f.proc.Process(ctx, carol, request(
		mutation(t, 2, mutators.NameTodoCreate, createArgs("t2", "org-b", "Carol's")),
	))
	require.NoError(t, err)
	assert.Equal(t, syncerr.KindForbidden, resp.Mutations[0].Error)
	assert.Equal(t, int64(1), f.lastMutationID(t, "alice"))
}

func TestProcessRequestErrors(t *testing.T) {
	f := newFixture(t, WithMaxBatch(2))
	ctx := context.Background()
	m := mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "x"))

	tests := []struct {
		name string
		id   auth.Identity
		req  PushRequest
		want error
	}{
		{name: "schema version", id: alice, req: PushRequest{ClientGroupID: "group-1", SchemaVersion: schema.Version + 1, Mutations: []Mutation{m}}, want: ErrSchemaVersion},
		{name: "batch too large", id: alice, req: request(m, m, m), want: ErrBatchTooLarge},
		{name: "missing group", id: alice, req: PushRequest{SchemaVersion: schema.Version}, want: ErrMalformedBatch},
		{name: "missing client id", id: alice, req: request(Mutation{ID: 1, Name: mutators.NameTodoCreate}), want: ErrMalformedBatch},
		{name: "unauthenticated", id: auth.Identity{}, req: request(m), want: syncerr.ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.proc.Process(ctx, tt.id, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.True(t, IsRequestError(ErrBatchTooLarge))
	assert.False(t, IsRequestError(syncerr.ErrForbidden))
}

func TestProcessVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, alice, request(
		mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "v1")),
		mutation(t, 2, mutators.NameTodoUpdate, map[string]any{"id": "t1", "version": "1", "title": "v2"}),
	))
	require.NoError(t, err)

	resp, err := f.proc.Process(ctx, alice, request(
		mutation(t, 3, mutators.NameTodoUpdate, map[string]any{"id": "t1", "version": "1", "title": "stale"}),
	))
	require.NoError(t, err)
	assert.Equal(t, syncerr.KindVersionConflict, resp.Mutations[0].Error)

	todo, err := f.todo(t, "t1")
	require.NoError(t, err)
	assert.Equal(t, "v2", todo.Title)
	assert.Equal(t, "2", todo.Version)
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, alice, request(
		mutation(t, 1, mutators.NameTodoCreate, createArgs("t1", "org-a", "Visible")),
		mutation(t, 2, mutators.NameTodoCreate, createArgs("t2", "org-a", "Done")),
		mutation(t, 3, mutators.NameTodoMarkComplete, map[string]any{"id": "t2", "version": "1"}),
	))
	require.NoError(t, err)

	t.Run("member", func(t *testing.T) {
		res, err := f.proc.Query(ctx, alice, query.TodosForOrg("org-a", 0))
		require.NoError(t, err)
		assert.Len(t, res.Rows, 2)
		assert.Equal(t, 100, res.Spec.Limit)
	})

	t.Run("non-member", func(t *testing.T) {
		_, err := f.proc.Query(ctx, carol, query.TodosForOrg("org-a", 0))
		assert.True(t, errors.Is(err, syncerr.ErrForbidden))
	})

	t.Run("unknown table", func(t *testing.T) {
		_, err := f.proc.Query(ctx, alice, query.Spec{Table: "secrets"})
		assert.True(t, errors.Is(err, syncerr.ErrValidation))
	})

	t.Run("stats", func(t *testing.T) {
		stats, err := f.proc.Stats(ctx, alice, "org-a")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, 1, stats.Completed)
		assert.Equal(t, 1, stats.Pending)
	})
}

func TestCheckMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.NoError(t, f.proc.CheckMember(ctx, alice, "org-a"))
	assert.True(t, errors.Is(f.proc.CheckMember(ctx, alice, "org-b"), syncerr.ErrForbidden))
	assert.Equal(t, syncerr.KindUnauthenticated, syncerr.KindOf(f.proc.CheckMember(ctx, auth.Identity{}, "org-a")))
}
