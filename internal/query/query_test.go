package query

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/syncerr"
)

func todo(id, org string, updated time.Time, status models.TodoStatus) *models.Todo {
	return &models.Todo{
		ID:        id,
		OrgID:     org,
		Title:     id,
		Status:    status,
		Priority:  models.TodoPriorityMedium,
		Version:   "1",
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{name: "preload todos", spec: TodosForOrg("o1", 0)},
		{name: "unknown table", spec: Spec{Table: "projects"}, wantErr: true},
		{name: "unknown column", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "owner", Op: OpEq, Value: "u"}}}, wantErr: true},
		{name: "bad operator", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "title", Op: "LIKE", Value: "x"}}}, wantErr: true},
		{name: "bad enum", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "status", Op: OpEq, Value: "done"}}}, wantErr: true},
		{name: "wrong type", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "completed", Op: OpEq, Value: "yes"}}}, wantErr: true},
		{name: "null needs IS NULL", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "due_date", Op: OpEq}}}, wantErr: true},
		{name: "is null", spec: Spec{Table: models.TableTodos, Where: []Condition{{Column: "due_date", Op: OpIsNull}}}},
		{name: "limit too large", spec: Spec{Table: models.TableTodos, Limit: MaxLimit + 1}, wantErr: true},
		{name: "bad order column", spec: Spec{Table: models.TableTags, OrderBy: []Order{{Column: "rank"}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.Normalize()
			if tt.wantErr {
				if !errors.Is(err, syncerr.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalizeCoercesTimes(t *testing.T) {
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var spec Spec
	raw := `{"table":"todos","where":[{"column":"due_date","op":"<","value":` +
		jsonNumber(due.UnixMilli()) + `}],"ttl":"1m"}`
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}

	n, err := spec.Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	got, ok := n.Where[0].Value.(time.Time)
	if !ok || !got.Equal(due) {
		t.Errorf("expected %v, got %v", due, n.Where[0].Value)
	}
	if time.Duration(n.TTL) != time.Minute {
		t.Errorf("expected ttl 1m, got %v", time.Duration(n.TTL))
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestApplyOrdersAndLimits(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	deleted := base.Add(time.Hour)

	gone := todo("t-gone", "o1", base.Add(5*time.Hour), models.TodoStatusPending)
	gone.DeletedAt = &deleted

	rows := []*models.Todo{
		todo("t1", "o1", base.Add(1*time.Hour), models.TodoStatusPending),
		todo("t2", "o1", base.Add(3*time.Hour), models.TodoStatusPending),
		todo("t3", "o2", base.Add(4*time.Hour), models.TodoStatusPending),
		todo("t4", "o1", base.Add(2*time.Hour), models.TodoStatusCompleted),
		gone,
	}

	spec, err := TodosForOrg("o1", 2).Normalize()
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}

	got := Apply(spec, rows)
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].ID != "t2" || got[1].ID != "t4" {
		t.Errorf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestMatchesConditions(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := todo("t1", "o1", base, models.TodoStatusInProgress)

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{name: "eq", cond: Condition{Column: "status", Op: OpEq, Value: "in_progress"}, want: true},
		{name: "neq", cond: Condition{Column: "status", Op: OpNeq, Value: "in_progress"}, want: false},
		{name: "bool", cond: Condition{Column: "completed", Op: OpEq, Value: false}, want: true},
		{name: "null due date", cond: Condition{Column: "due_date", Op: OpIsNull}, want: true},
		{name: "range on null", cond: Condition{Column: "due_date", Op: OpLt, Value: base.Format(time.RFC3339)}, want: false},
		{name: "time gte", cond: Condition{Column: "updated_at", Op: OpGte, Value: base.Format(time.RFC3339)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Spec{Table: models.TableTodos, Where: []Condition{tt.cond}}.Normalize()
			if err != nil {
				t.Fatalf("Normalize() error: %v", err)
			}
			if got := spec.Matches(row); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyIgnoresTTL(t *testing.T) {
	a := TagsForOrg("o1")
	b := TagsForOrg("o1")
	b.TTL = Duration(time.Hour)

	if a.Key() != b.Key() {
		t.Errorf("expected equal keys, got %q and %q", a.Key(), b.Key())
	}
	if a.Key() == TagsForOrg("o2").Key() {
		t.Error("expected different orgs to produce different keys")
	}
}

func TestOrgScope(t *testing.T) {
	org, ok := TodosForOrg("o9", 0).OrgScope()
	if !ok || org != "o9" {
		t.Errorf("expected o9, got %q (%v)", org, ok)
	}
	if _, ok := MembershipsForUser("u1").OrgScope(); ok {
		t.Error("expected memberships query to have no org scope")
	}
}
