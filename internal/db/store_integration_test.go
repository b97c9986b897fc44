//go:build integration

package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/push"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

var testDB *DB

func TestMain(m *testing.M) {
	if !dockerAvailable() {
		fmt.Println("Docker is not available, skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tasksync_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to get connection string: %v", err)
	}

	cfg := DefaultConfig(connStr)
	cfg.MaxConns = 10
	cfg.MinConns = 1

	testDB, err = New(ctx, cfg, zerolog.New(zerolog.NewConsoleWriter()))
	if err != nil {
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := testDB.Migrate(ctx); err != nil {
		testDB.Close()
		pgContainer.Terminate(ctx)
		log.Fatalf("failed to run migrations: %v", err)
	}

	code := m.Run()

	testDB.Close()
	pgContainer.Terminate(ctx)

	os.Exit(code)
}

// dockerAvailable returns true if a Docker daemon is reachable.
func dockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// setupTestDB returns the shared test database after cleaning all tables.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.Pool.Exec(ctx, `
		DO $$ DECLARE r RECORD;
		BEGIN
			FOR r IN (SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename != 'schema_migrations') LOOP
				EXECUTE 'TRUNCATE TABLE ' || quote_ident(r.tablename) || ' CASCADE';
			END LOOP;
		END $$;
	`)
	require.NoError(t, err)
	return testDB
}

// createTestOrg creates an organization owned by a fresh user and returns
// both.
func createTestOrg(t *testing.T, db *DB, slug string) (*models.Organization, string) {
	t.Helper()
	ctx := context.Background()
	owner := "owner-" + uuid.NewString()[:8]
	require.NoError(t, db.EnsureUser(ctx, auth.Identity{Subject: owner, Email: owner + "@example.com"}))
	org := models.NewOrganization("Org "+slug, slug)
	require.NoError(t, db.CreateOrganization(ctx, org, owner))
	return org, owner
}

func createTestTodo(t *testing.T, db *DB, orgID, userID, id string) *models.Todo {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	todo := &models.Todo{
		ID: id, OrgID: orgID, UserID: userID, Title: "Todo " + id,
		Priority: models.TodoPriorityMedium, Status: models.TodoStatusPending,
		Version: "1", CreatedAt: now, UpdatedAt: now,
	}
	err := db.ExecTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertTodo(context.Background(), todo)
	})
	require.NoError(t, err)
	return todo
}

func TestStore_Provisioning(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	org, owner := createTestOrg(t, db, "acme")

	err := db.ExecTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMembership(ctx, owner, org.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrgRoleOwner, m.Role)

		u, err := tx.GetUser(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, owner+"@example.com", u.Email)
		return nil
	})
	require.NoError(t, err)

	t.Run("EnsureUser keeps known fields", func(t *testing.T) {
		require.NoError(t, db.EnsureUser(ctx, auth.Identity{Subject: owner}))
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			u, err := tx.GetUser(ctx, owner)
			require.NoError(t, err)
			assert.Equal(t, owner+"@example.com", u.Email)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("duplicate slug", func(t *testing.T) {
		err := db.CreateOrganization(ctx, models.NewOrganization("Other", "acme"), owner)
		assert.True(t, errors.Is(err, syncerr.ErrConstraintViolation), "got %v", err)
	})

	t.Run("slug differing only in case", func(t *testing.T) {
		org := models.NewOrganization("Shouting", " Acme ")
		err := db.CreateOrganization(ctx, org, owner)
		assert.True(t, errors.Is(err, syncerr.ErrConstraintViolation), "got %v", err)
		assert.Equal(t, "acme", org.Slug)

		// Rows written outside CreateOrganization hit the same index.
		_, err = db.Pool.Exec(ctx,
			"INSERT INTO organizations (id, name, slug) VALUES ('raw-org', 'Raw', 'ACME')")
		assert.True(t, errors.Is(classify(err, "insert"), syncerr.ErrConstraintViolation), "got %v", err)
	})

	t.Run("empty slug", func(t *testing.T) {
		err := db.CreateOrganization(ctx, models.NewOrganization("Nameless", "  "), owner)
		assert.True(t, errors.Is(err, syncerr.ErrValidation), "got %v", err)
	})
}

func TestStore_TodoVersioning(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	org, owner := createTestOrg(t, db, "cas")
	createTestTodo(t, db, org.ID, owner, "t1")

	title := "Renamed"
	due := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	var updated *models.Todo
	err := db.ExecTx(ctx, func(tx store.Tx) error {
		var err error
		updated, err = tx.UpdateTodo(ctx, "t1", "1", store.TodoPatch{
			Title: &title, DueDate: models.SetTime(due), EditedBy: owner, EditedAt: time.Now().UTC(),
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "2", updated.Version)
	assert.Equal(t, "Renamed", updated.Title)
	require.NotNil(t, updated.DueDate)
	assert.True(t, due.Equal(*updated.DueDate))
	require.NotNil(t, updated.LastEditedBy)
	assert.Equal(t, owner, *updated.LastEditedBy)

	t.Run("absent due date is kept", func(t *testing.T) {
		desc := "notes"
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			got, err := tx.UpdateTodo(ctx, "t1", "2", store.TodoPatch{Description: &desc, EditedBy: owner, EditedAt: time.Now().UTC()})
			require.NoError(t, err)
			assert.NotNil(t, got.DueDate)
			assert.Equal(t, "Renamed", got.Title)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("null due date clears", func(t *testing.T) {
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			got, err := tx.UpdateTodo(ctx, "t1", "3", store.TodoPatch{DueDate: models.ClearTime(), EditedBy: owner, EditedAt: time.Now().UTC()})
			require.NoError(t, err)
			assert.Nil(t, got.DueDate)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("stale version", func(t *testing.T) {
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			_, err := tx.UpdateTodo(ctx, "t1", "1", store.TodoPatch{Title: &title, EditedBy: owner, EditedAt: time.Now()})
			return err
		})
		assert.True(t, errors.Is(err, syncerr.ErrVersionConflict), "got %v", err)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		createTestTodo(t, db, org.ID, owner, "race")
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				title := fmt.Sprintf("writer %d", i)
				err := db.ExecTx(ctx, func(tx store.Tx) error {
					_, err := tx.UpdateTodo(ctx, "race", "1", store.TodoPatch{Title: &title, EditedBy: owner, EditedAt: time.Now()})
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, syncerr.ErrVersionConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 4, conflicts)
	})

	t.Run("soft delete", func(t *testing.T) {
		createTestTodo(t, db, org.ID, owner, "gone")
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			_, err := tx.SoftDeleteTodo(ctx, "gone", "1", owner, time.Now().UTC())
			return err
		})
		require.NoError(t, err)

		err = db.ExecTx(ctx, func(tx store.Tx) error {
			_, err := tx.GetTodo(ctx, "gone")
			assert.True(t, errors.Is(err, syncerr.ErrNotFound))
			_, err = tx.UpdateTodo(ctx, "gone", "2", store.TodoPatch{Title: &title, EditedBy: owner, EditedAt: time.Now()})
			return err
		})
		assert.True(t, errors.Is(err, syncerr.ErrVersionConflict), "got %v", err)
	})
}

func TestStore_Tags(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	org, owner := createTestOrg(t, db, "tags")
	createTestTodo(t, db, org.ID, owner, "t1")
	now := time.Now().UTC()

	t.Run("case-insensitive uniqueness keeps the transaction usable", func(t *testing.T) {
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.InsertTag(ctx, &models.Tag{ID: "tag-1", OrgID: org.ID, Name: "Urgent", CreatedAt: now, UpdatedAt: now}))

			err := tx.InsertTag(ctx, &models.Tag{ID: "tag-2", OrgID: org.ID, Name: "URGENT", CreatedAt: now, UpdatedAt: now})
			assert.True(t, errors.Is(err, syncerr.ErrConstraintViolation), "got %v", err)

			found, err := tx.FindTagsByNames(ctx, org.ID, []string{"urgent"})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "tag-1", found[0].ID)

			// Folded by the server, so the result does not depend on the
			// database collation.
			require.NoError(t, tx.InsertTag(ctx, &models.Tag{ID: "tag-umlaut", OrgID: org.ID, Name: "Über", CreatedAt: now, UpdatedAt: now}))
			err = tx.InsertTag(ctx, &models.Tag{ID: "tag-umlaut-2", OrgID: org.ID, Name: "ÜBER", CreatedAt: now, UpdatedAt: now})
			assert.True(t, errors.Is(err, syncerr.ErrConstraintViolation), "got %v", err)

			found, err = tx.FindTagsByNames(ctx, org.ID, []string{"über"})
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, "tag-umlaut", found[0].ID)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("link and delete", func(t *testing.T) {
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.InsertTodoTag(ctx, &models.TodoTag{ID: "link-1", TodoID: "t1", TagID: "tag-1", CreatedAt: now}))
			err := tx.InsertTodoTag(ctx, &models.TodoTag{ID: "link-2", TodoID: "t1", TagID: "tag-1", CreatedAt: now})
			assert.True(t, errors.Is(err, syncerr.ErrConstraintViolation), "got %v", err)
			return tx.DeleteTag(ctx, "tag-1", now)
		})
		require.NoError(t, err)

		err = db.ExecTx(ctx, func(tx store.Tx) error {
			links, err := tx.ListTodoTags(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, links)
			// The name is free again once the tag is deleted.
			return tx.InsertTag(ctx, &models.Tag{ID: "tag-3", OrgID: org.ID, Name: "urgent", CreatedAt: now, UpdatedAt: now})
		})
		require.NoError(t, err)
	})

	t.Run("link to missing tag", func(t *testing.T) {
		err := db.ExecTx(ctx, func(tx store.Tx) error {
			return tx.InsertTodoTag(ctx, &models.TodoTag{ID: "link-x", TodoID: "t1", TagID: "nope", CreatedAt: now})
		})
		assert.True(t, errors.Is(err, syncerr.ErrNotFound), "got %v", err)
	})
}

func TestStore_Query(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	org, owner := createTestOrg(t, db, "query")
	for _, id := range []string{"b", "a", "c"} {
		createTestTodo(t, db, org.ID, owner, id)
	}

	spec, err := query.Spec{
		Table:   models.TableTodos,
		Where:   []query.Condition{{Column: "org_id", Op: query.OpEq, Value: org.ID}},
		OrderBy: []query.Order{{Column: "due_date"}},
		Limit:   2,
	}.Normalize()
	require.NoError(t, err)

	var rows []models.Row
	err = db.ExecTx(ctx, func(tx store.Tx) error {
		rows, err = tx.Query(ctx, spec)
		return err
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].RowID())
	assert.Equal(t, "b", rows[1].RowID())
}

func TestStore_Clients(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	key := store.ClientKey{ClientGroupID: "g1", ClientID: "c1"}

	err := db.ExecTx(ctx, func(tx store.Tx) error {
		last, err := tx.ClaimClient(ctx, key, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), last)
		return tx.SetLastMutationID(ctx, key, 7)
	})
	require.NoError(t, err)

	err = db.ExecTx(ctx, func(tx store.Tx) error {
		last, err := tx.ClaimClient(ctx, key, "alice")
		assert.Equal(t, int64(7), last)
		return err
	})
	require.NoError(t, err)

	err = db.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.ClaimClient(ctx, store.ClientKey{ClientGroupID: "g1", ClientID: "c2"}, "mallory")
		return err
	})
	assert.True(t, errors.Is(err, syncerr.ErrForbidden), "got %v", err)

	purged, err := db.PurgeStaleClients(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestStore_PushRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	org, owner := createTestOrg(t, db, "push")

	proc := push.NewProcessor(db, mutators.Default(), auth.NewEngine(auth.DefaultRules()), zerolog.Nop())
	args := func(v any) json.RawMessage {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return raw
	}

	resp, err := proc.Process(ctx, auth.Identity{Subject: owner}, push.PushRequest{
		ClientGroupID: "group-1",
		SchemaVersion: schema.Version,
		Mutations: []push.Mutation{
			{ID: 1, ClientID: "c1", Name: mutators.NameTodoCreate, Args: args(map[string]any{"id": "t1", "org_id": org.ID, "title": "Ship it"})},
			{ID: 2, ClientID: "c1", Name: mutators.NameTodoAddTag, Args: args(map[string]any{"todo_id": "t1", "tag_name": "Release"})},
			{ID: 3, ClientID: "c1", Name: mutators.NameTodoAddTag, Args: args(map[string]any{"todo_id": "t1", "tag_name": "release"})},
			{ID: 4, ClientID: "c1", Name: mutators.NameTodoUpdate, Args: args(map[string]any{"id": "t1", "version": "9", "title": "stale"})},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Mutations, 4)
	for _, res := range resp.Mutations[:3] {
		assert.Equal(t, push.ResultApplied, res.Result, "mutation %d: %s", res.ID.ID, res.Detail)
	}
	assert.Equal(t, syncerr.KindVersionConflict, resp.Mutations[3].Error)

	res, err := proc.Query(ctx, auth.Identity{Subject: owner}, query.TagsForOrg(org.ID))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Release", res.Rows[0].(*models.Tag).Name)

	err = db.ExecTx(ctx, func(tx store.Tx) error {
		links, err := tx.ListTodoTags(ctx, "t1")
		assert.Len(t, links, 1)
		last, err2 := tx.ClaimClient(ctx, store.ClientKey{ClientGroupID: "group-1", ClientID: "c1"}, owner)
		assert.Equal(t, int64(4), last)
		return errors.Join(err, err2)
	})
	require.NoError(t, err)
}

func TestStore_Migrations(t *testing.T) {
	ctx := context.Background()

	version, err := testDB.CurrentVersion(ctx)
	require.NoError(t, err)
	migrations, err := GetMigrations()
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, version)

	pending, err := testDB.PendingMigrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second run is a no-op.
	require.NoError(t, testDB.Migrate(ctx))

	rows, err := testDB.Pool.Query(ctx, "SELECT indexname FROM pg_indexes WHERE tablename = ANY($1)",
		[]string{"organizations", "todos", "tags", "todo_tags"})
	require.NoError(t, err)
	indexes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	require.NoError(t, err)
	for _, want := range []string{
		"idx_organizations_slug",
		"idx_todos_org_updated",
		"idx_todos_user",
		"idx_todos_status",
		"idx_todos_due_date",
		"idx_todos_priority",
		"idx_todos_completed",
		"idx_tags_org_name_key",
		"idx_todo_tags_todo",
		"idx_todo_tags_tag",
	} {
		assert.Contains(t, indexes, want)
	}
}

func TestStore_ExecTxRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	org, owner := createTestOrg(t, db, "rollback")

	sentinel := errors.New("boom")
	err := db.ExecTx(ctx, func(tx store.Tx) error {
		assert.Equal(t, store.LocationServer, tx.Location())
		now := time.Now().UTC()
		require.NoError(t, tx.InsertTodo(ctx, &models.Todo{
			ID: "rolled-back", OrgID: org.ID, UserID: owner, Title: "never",
			Priority: models.TodoPriorityLow, Status: models.TodoStatusPending,
			Version: "1", CreatedAt: now, UpdatedAt: now,
		}))
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	err = db.ExecTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTodo(ctx, "rolled-back")
		return err
	})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}
