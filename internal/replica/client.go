// Package replica is the client side of the sync engine. A Client owns a
// local replica of the rows the user has loaded, applies mutations to it
// immediately, queues them in a durable outbox and pushes them to the
// server. Server outcomes are reconciled by re-fetching authoritative rows
// and replaying the mutations that are still pending on top of them.
package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

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

// Config holds the client's identity and sync settings.
type Config struct {
	ClientGroupID string
	ClientID      string
	Identity      auth.Identity
	// MaxBatch caps mutations per push request.
	MaxBatch int
	// RetryTimeout bounds retries of a push that failed in transport.
	RetryTimeout time.Duration
	// SweepSchedule is the cron spec of the eviction sweep.
	SweepSchedule string
}

// DefaultConfig returns sensible defaults for the sync settings.
func DefaultConfig() Config {
	return Config{
		MaxBatch:      push.DefaultMaxBatch,
		RetryTimeout:  2 * time.Minute,
		SweepSchedule: DefaultSweepSchedule,
	}
}

func (c Config) validate() error {
	var errs []error
	if c.ClientGroupID == "" {
		errs = append(errs, errors.New("client group id is required"))
	}
	if c.ClientID == "" {
		errs = append(errs, errors.New("client id is required"))
	}
	if c.Identity.IsZero() {
		errs = append(errs, errors.New("identity is required"))
	}
	return errors.Join(errs...)
}

// Rejection is a pending mutation the server refused. The local effect is
// dropped at the next reconcile.
type Rejection struct {
	Mutation *Pending
	Kind     syncerr.Kind
	Detail   string
}

// Conflict reports whether the mutation lost a version race and can be
// retried after reloading.
func (r Rejection) Conflict() bool {
	return r.Kind == syncerr.KindVersionConflict
}

// AccessLost reports whether the caller no longer has access to the rows.
func (r Rejection) AccessLost() bool {
	return r.Kind == syncerr.KindForbidden
}

// FlushResult summarizes a Flush.
type FlushResult struct {
	Applied  int
	Rejected []Rejection
	// Remaining is the number of mutations still in the outbox.
	Remaining int
}

// Option configures a Client.
type Option func(*Client)

// WithRegistry replaces the default mutator registry.
func WithRegistry(r *mutators.Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithEngine replaces the default permission rules.
func WithEngine(e *auth.Engine) Option {
	return func(c *Client) { c.engine = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRejectionHandler sets the callback for rejected mutations.
func WithRejectionHandler(fn func(Rejection)) Option {
	return func(c *Client) { c.onRejected = fn }
}

// Client is the optimistic executor. It is created per session and must be
// closed on sign-out.
type Client struct {
	cfg        Config
	registry   *mutators.Registry
	engine     *auth.Engine
	outbox     Outbox
	transport  Transport
	onRejected func(Rejection)
	now        func() time.Time
	logger     zerolog.Logger

	// base holds authoritative rows only; view is base plus pending
	// mutations and is what callers read.
	base *memstore.Store
	view *memstore.Store
	subs *Subscriptions

	mutateMu sync.Mutex
	lastID   int64

	flushMu sync.Mutex
	stale   bool

	closeOnce sync.Once
}

// NewClient creates a client and replays mutations left in the outbox by
// a previous session.
func NewClient(ctx context.Context, cfg Config, outbox Outbox, transport Transport, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = push.DefaultMaxBatch
	}

	c := &Client{
		cfg:        cfg,
		registry:   mutators.Default(),
		engine:     auth.NewEngine(auth.DefaultRules()),
		outbox:     outbox,
		transport:  transport,
		onRejected: func(Rejection) {},
		now:        time.Now,
		logger: logger.With().
			Str("component", "replica").
			Str("client_id", cfg.ClientID).
			Logger(),
		base: memstore.New(store.LocationClient),
		view: memstore.New(store.LocationClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.subs = newSubscriptions(transport, c.base, c.view, c.rebuild, c.now, cfg.SweepSchedule, c.logger)

	last, err := outbox.LastID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read outbox: %w", err)
	}
	c.lastID = last

	if err := c.rebuild(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the eviction sweep.
func (c *Client) Start() error {
	return c.subs.Start()
}

// Subscriptions returns the query manager of this client.
func (c *Client) Subscriptions() *Subscriptions {
	return c.subs
}

// Identity returns the signed-in identity.
func (c *Client) Identity() auth.Identity {
	return c.cfg.Identity
}

// Query reads from the local replica including pending effects.
func (c *Client) Query(ctx context.Context, spec query.Spec) ([]models.Row, error) {
	normalized, err := spec.Normalize()
	if err != nil {
		return nil, err
	}
	return c.view.Run(ctx, normalized)
}

// Todo reads one todo from the local replica.
func (c *Client) Todo(ctx context.Context, id string) (*models.Todo, error) {
	var todo *models.Todo
	err := c.view.View(ctx, func(tx store.Tx) error {
		var err error
		todo, err = tx.GetTodo(ctx, id)
		return err
	})
	return todo, err
}

// env returns the mutator environment for a pending mutation. Ids the
// mutator generates are derived from the mutation so replays produce the
// same rows.
func (c *Client) env(mutationID int64, at time.Time) mutators.Env {
	return mutators.Env{
		Actor: c.cfg.Identity.Subject,
		Now:   at,
		NewID: mutators.MutationIDs(c.cfg.ClientGroupID, c.cfg.ClientID, mutationID),
	}
}

// apply runs a mutator against tx through the permission guard.
func (c *Client) apply(ctx context.Context, tx store.Tx, def mutators.Def, env mutators.Env, args json.RawMessage) error {
	if def.OrgScope != nil {
		orgID, err := def.OrgScope(ctx, tx, args)
		if err != nil {
			return err
		}
		if orgID != "" {
			if err := auth.AssertOrgMember(ctx, tx, env.Actor, orgID); err != nil {
				return err
			}
		}
	}
	return def.Run(ctx, auth.NewGuard(tx, c.cfg.Identity, c.engine), env, args)
}

// Mutate applies a named mutator to the local replica and queues it for
// the server. A mutation that fails locally is returned as an error and
// never sent.
func (c *Client) Mutate(ctx context.Context, name string, args any) (*Pending, error) {
	def, ok := c.registry.Lookup(name)
	if !ok {
		return nil, syncerr.New(syncerr.KindUnknownMutator, "unknown mutator %q", name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, syncerr.Validation("encode arguments: %v", err)
	}

	c.mutateMu.Lock()
	defer c.mutateMu.Unlock()

	p := &Pending{ID: c.lastID + 1, Name: name, Args: raw, CreatedAt: c.now().UTC()}
	if err := c.view.ExecTx(ctx, func(tx store.Tx) error {
		return c.apply(ctx, tx, def, c.env(p.ID, p.CreatedAt), raw)
	}); err != nil {
		return nil, err
	}

	if err := c.outbox.Append(ctx, p); err != nil {
		if rerr := c.rebuild(ctx); rerr != nil {
			c.logger.Error().Err(rerr).Msg("failed to drop unqueued mutation")
		}
		return nil, fmt.Errorf("queue mutation: %w", err)
	}
	c.lastID = p.ID

	c.logger.Debug().
		Int64("mutation_id", p.ID).
		Str("mutator", name).
		Msg("mutation applied locally")
	return p, nil
}

// rebuild resets the view to the base rows and replays every pending
// mutation. Mutations that no longer apply locally are skipped; the server
// decides their fate.
func (c *Client) rebuild(ctx context.Context) error {
	pending, err := c.outbox.List(ctx)
	if err != nil {
		return fmt.Errorf("list pending mutations: %w", err)
	}

	return c.view.Update(ctx, func(tx *memstore.Tx) error {
		if err := tx.Reset(c.base); err != nil {
			return err
		}
		for _, p := range pending {
			def, ok := c.registry.Lookup(p.Name)
			if !ok {
				c.logger.Warn().Int64("mutation_id", p.ID).Str("mutator", p.Name).Msg("pending mutation has unknown mutator")
				continue
			}
			err := tx.Savepoint(func(stx store.Tx) error {
				return c.apply(ctx, stx, def, c.env(p.ID, p.CreatedAt), p.Args)
			})
			if err != nil {
				c.logger.Debug().Err(err).Int64("mutation_id", p.ID).Msg("pending mutation no longer applies locally")
			}
		}
		return nil
	})
}

// Pending returns the number of mutations awaiting the server.
func (c *Client) Pending(ctx context.Context) (int, error) {
	return c.outbox.Count(ctx)
}

// Flush pushes every pending mutation. Transport failures are retried with
// exponential backoff; server outcomes are final. Rejections are reported
// through the rejection handler, after which the replica is refreshed from
// the server so rejected effects disappear.
func (c *Client) Flush(ctx context.Context) (*FlushResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	result := &FlushResult{}
	pending, err := c.outbox.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}

	for start := 0; start < len(pending); start += c.cfg.MaxBatch {
		end := min(start+c.cfg.MaxBatch, len(pending))
		batch := pending[start:end]

		resp, err := c.push(ctx, batch)
		if err != nil {
			result.Remaining = len(pending) - start
			return result, fmt.Errorf("push mutations: %w", err)
		}

		acked, complete := c.settle(batch, resp, result)
		if acked > 0 {
			if err := c.outbox.Ack(ctx, acked); err != nil {
				return result, fmt.Errorf("ack mutations: %w", err)
			}
			c.stale = true
		}
		if !complete {
			break
		}
	}

	if result.Remaining, err = c.outbox.Count(ctx); err != nil {
		return result, fmt.Errorf("count pending mutations: %w", err)
	}

	if c.stale {
		if err := c.subs.Refresh(ctx); err != nil {
			// The view keeps the confirmed effects until the next refresh.
			c.logger.Warn().Err(err).Msg("refresh after push failed")
			return result, nil
		}
		c.stale = false
	}

	c.logger.Info().
		Int("applied", result.Applied).
		Int("rejected", len(result.Rejected)).
		Int("remaining", result.Remaining).
		Msg("mutations flushed")
	return result, nil
}

func (c *Client) push(ctx context.Context, batch []*Pending) (*push.PushResponse, error) {
	req := push.PushRequest{
		ClientGroupID: c.cfg.ClientGroupID,
		SchemaVersion: schema.Version,
		Mutations:     make([]push.Mutation, 0, len(batch)),
	}
	for _, p := range batch {
		req.Mutations = append(req.Mutations, push.Mutation{
			ID:        p.ID,
			ClientID:  c.cfg.ClientID,
			Name:      p.Name,
			Args:      p.Args,
			Timestamp: p.CreatedAt.UnixMilli(),
		})
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.cfg.RetryTimeout

	var resp *push.PushResponse
	op := func() error {
		var err error
		resp, err = c.transport.Push(ctx, req)
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("push failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// transient reports whether a push error is a transport failure worth
// retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, push.ErrSchemaVersion) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// settle walks the batch in order and returns the highest mutation id the
// server is done with. complete is false when processing stopped early;
// the remaining mutations stay queued.
func (c *Client) settle(batch []*Pending, resp *push.PushResponse, result *FlushResult) (acked int64, complete bool) {
	outcomes := make(map[int64]push.MutationResult, len(resp.Mutations))
	for _, r := range resp.Mutations {
		if r.ID.ClientID == c.cfg.ClientID {
			outcomes[r.ID.ID] = r
		}
	}

	for _, p := range batch {
		r, ok := outcomes[p.ID]
		if !ok {
			c.logger.Warn().Int64("mutation_id", p.ID).Msg("server returned no outcome")
			return acked, false
		}
		if r.Result == push.ResultApplied {
			result.Applied++
			acked = p.ID
			continue
		}
		if r.Error == syncerr.KindOutOfOrder || syncerr.Retryable(r.Error) {
			c.logger.Warn().
				Int64("mutation_id", p.ID).
				Str("error", string(r.Error)).
				Str("detail", r.Detail).
				Msg("mutation deferred")
			return acked, false
		}

		rej := Rejection{Mutation: p, Kind: r.Error, Detail: r.Detail}
		result.Rejected = append(result.Rejected, rej)
		acked = p.ID
		c.logger.Info().
			Int64("mutation_id", p.ID).
			Str("mutator", p.Name).
			Str("error", string(r.Error)).
			Msg("mutation rejected by server")
		c.onRejected(rej)
	}
	return acked, true
}

// Sync pushes pending mutations and refreshes every retained query.
func (c *Client) Sync(ctx context.Context) (*FlushResult, error) {
	result, err := c.Flush(ctx)
	if err != nil {
		return result, err
	}
	if err := c.subs.Refresh(ctx); err != nil {
		return result, fmt.Errorf("refresh queries: %w", err)
	}
	return result, nil
}

// Close tears down the replica. Pending mutations stay in the outbox for
// the next session.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.subs.Stop()
		c.view.Close()
		c.base.Close()
		err = c.outbox.Close()
	})
	return err
}
