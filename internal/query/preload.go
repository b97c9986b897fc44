package query

import "github.com/superscale/tasksync/internal/models"

// DefaultTodoLimit bounds the todos preloaded for an organization.
const DefaultTodoLimit = 100

// TodosForOrg returns the live todos of an organization, most recently
// updated first.
func TodosForOrg(orgID string, limit int) Spec {
	if limit <= 0 {
		limit = DefaultTodoLimit
	}
	return Spec{
		Table:   models.TableTodos,
		Where:   []Condition{{Column: "org_id", Op: OpEq, Value: orgID}},
		OrderBy: []Order{{Column: "updated_at", Desc: true}},
		Limit:   limit,
		TTL:     Duration(DefaultTTL),
	}
}

// TagsForOrg returns the tags of an organization ordered by name.
func TagsForOrg(orgID string) Spec {
	return Spec{
		Table:   models.TableTags,
		Where:   []Condition{{Column: "org_id", Op: OpEq, Value: orgID}},
		OrderBy: []Order{{Column: "name"}},
		TTL:     Duration(DefaultTTL),
	}
}

// MembershipsForUser returns the organizations a user belongs to. The
// rows back every local permission check, so they are never evicted.
func MembershipsForUser(userID string) Spec {
	return Spec{
		Table:   models.TableOrgMembers,
		Where:   []Condition{{Column: "user_id", Op: OpEq, Value: userID}},
		OrderBy: []Order{{Column: "created_at"}},
		TTL:     Forever,
	}
}

// TodoTagsForTodo returns the tag links of one todo.
func TodoTagsForTodo(todoID string) Spec {
	return Spec{
		Table: models.TableTodoTags,
		Where: []Condition{{Column: "todo_id", Op: OpEq, Value: todoID}},
		TTL:   Duration(DefaultTTL),
	}
}

// ByID selects a single row by primary key.
func ByID(table, id string) Spec {
	return Spec{
		Table: table,
		Where: []Condition{{Column: "id", Op: OpEq, Value: id}},
		Limit: 1,
		TTL:   Duration(DefaultTTL),
	}
}

// OrgScope returns the organization a spec is restricted to by an org_id
// equality condition, if any.
func (s Spec) OrgScope() (string, bool) {
	for _, c := range s.Where {
		if c.Column == "org_id" && c.Op == OpEq {
			v, ok := c.Value.(string)
			return v, ok
		}
	}
	return "", false
}
