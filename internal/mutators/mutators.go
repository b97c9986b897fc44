// Package mutators holds the named mutations of the workspace. The same
// definitions run on the client replica for instant feedback and on the
// server, inside a guarded database transaction, as the source of truth.
package mutators

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Mutator names.
const (
	NameTodoCreate         = "todo.create"
	NameTodoUpdate         = "todo.update"
	NameTodoDelete         = "todo.delete"
	NameTodoSetStatus      = "todo.setStatus"
	NameTodoSetPriority    = "todo.setPriority"
	NameTodoMarkComplete   = "todo.markComplete"
	NameTodoMarkIncomplete = "todo.markIncomplete"
	NameTodoAddTag         = "todo.addTag"
	NameTodoRemoveTag      = "todo.removeTag"
	NameTagsCreate         = "tags.create"
	NameTagsUpdate         = "tags.update"
	NameTagsDelete         = "tags.delete"
	NameMembersLeave       = "members.leave"
	NameUserUpdate         = "user.update"
)

// Env is the ambient context of one mutator invocation.
type Env struct {
	// Actor is the authenticated subject. Empty means unauthenticated.
	Actor string
	// Now stamps created_at, updated_at and last_edited_at.
	Now time.Time
	// NewID generates row ids. Defaults to random UUIDs.
	NewID func() string
}

func (e Env) requireActor() error {
	if e.Actor == "" {
		return syncerr.Unauthenticated("authentication required")
	}
	return nil
}

func (e Env) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// MutationIDs returns an id generator derived from a mutation's identity.
// The client replica and the server both use it, so rows a mutator mints
// without a caller-chosen id get the same id on either side.
func MutationIDs(clientGroupID, clientID string, mutationID int64) func() string {
	n := 0
	return func() string {
		n++
		name := fmt.Sprintf("%s/%s/%d/%d", clientGroupID, clientID, mutationID, n)
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
	}
}

// withIDs returns an Env whose NewID hands out the given non-empty ids
// first, so client-chosen ids survive the replay on the server.
func (e Env) withIDs(ids ...string) Env {
	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return e
	}
	fallback := e.newID
	e.NewID = func() string {
		if len(queue) == 0 {
			return fallback()
		}
		id := queue[0]
		queue = queue[1:]
		return id
	}
	return e
}

// Func is a mutator over raw JSON arguments.
type Func func(ctx context.Context, tx store.Tx, env Env, args json.RawMessage) error

// OrgScopeFunc returns the organization an invocation targets, looked up
// through an unguarded transaction. An empty result skips the check.
type OrgScopeFunc func(ctx context.Context, tx store.Tx, args json.RawMessage) (string, error)

// Def is a registered mutator.
type Def struct {
	Name     string
	Run      Func
	OrgScope OrgScopeFunc
}

// Registry maps mutator names to definitions.
type Registry struct {
	defs map[string]Def
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Def)}
}

// Register adds a definition. Registering a name twice panics.
func (r *Registry) Register(def Def) {
	if _, exists := r.defs[def.Name]; exists {
		panic(fmt.Sprintf("mutators: %s registered twice", def.Name))
	}
	r.defs[def.Name] = def
}

// Lookup returns the definition for name.
func (r *Registry) Lookup(name string) (Def, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run looks up and invokes a mutator.
func (r *Registry) Run(ctx context.Context, tx store.Tx, env Env, name string, args json.RawMessage) error {
	def, ok := r.defs[name]
	if !ok {
		return syncerr.New(syncerr.KindUnknownMutator, "unknown mutator %q", name)
	}
	return def.Run(ctx, tx, env, args)
}

// Typed adapts a mutator with a decoded input type.
func Typed[T any](fn func(ctx context.Context, tx store.Tx, env Env, in T) error) Func {
	return func(ctx context.Context, tx store.Tx, env Env, args json.RawMessage) error {
		in, err := decode[T](args)
		if err != nil {
			return err
		}
		return fn(ctx, tx, env, in)
	}
}

func decode[T any](args json.RawMessage) (T, error) {
	var in T
	if len(args) == 0 {
		return in, syncerr.Validation("arguments are required")
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return in, syncerr.Validation("decode arguments: %v", err)
	}
	return in, nil
}

// scopeFromInput builds an OrgScopeFunc reading the organization from the
// input itself.
func scopeFromInput[T any](org func(T) string) OrgScopeFunc {
	return func(_ context.Context, _ store.Tx, args json.RawMessage) (string, error) {
		in, err := decode[T](args)
		if err != nil {
			return "", err
		}
		return org(in), nil
	}
}

// Default returns a registry with every workspace mutator.
func Default() *Registry {
	r := NewRegistry()
	r.Register(Def{Name: NameTodoCreate, Run: Typed(CreateTodo), OrgScope: scopeFromInput(func(in CreateTodoInput) string { return in.OrgID })})
	r.Register(Def{Name: NameTodoUpdate, Run: Typed(UpdateTodo)})
	r.Register(Def{Name: NameTodoDelete, Run: Typed(DeleteTodo)})
	r.Register(Def{Name: NameTodoSetStatus, Run: Typed(SetStatus)})
	r.Register(Def{Name: NameTodoSetPriority, Run: Typed(SetPriority)})
	r.Register(Def{Name: NameTodoMarkComplete, Run: Typed(MarkComplete)})
	r.Register(Def{Name: NameTodoMarkIncomplete, Run: Typed(MarkIncomplete)})
	r.Register(Def{Name: NameTodoAddTag, Run: Typed(AddTag), OrgScope: addTagScope})
	r.Register(Def{Name: NameTodoRemoveTag, Run: Typed(RemoveTag)})
	r.Register(Def{Name: NameTagsCreate, Run: Typed(CreateTag), OrgScope: scopeFromInput(func(in CreateTagInput) string { return in.OrgID })})
	r.Register(Def{Name: NameTagsUpdate, Run: Typed(UpdateTag)})
	r.Register(Def{Name: NameTagsDelete, Run: Typed(DeleteTag)})
	r.Register(Def{Name: NameMembersLeave, Run: Typed(LeaveOrganization), OrgScope: scopeFromInput(func(in LeaveOrgInput) string { return in.OrgID })})
	r.Register(Def{Name: NameUserUpdate, Run: Typed(UpdateUser)})
	return r
}
