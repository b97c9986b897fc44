package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/mutators"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Notifier is told which organizations changed after a commit.
type Notifier interface {
	Poke(ctx context.Context, orgIDs []string)
}

// Recorder observes mutation outcomes.
type Recorder interface {
	ObserveMutation(name string, result Result, kind syncerr.Kind, d time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) Poke(context.Context, []string) {}

type nopRecorder struct{}

func (nopRecorder) ObserveMutation(string, Result, syncerr.Kind, time.Duration) {}

// Processor replays pushed mutations against the durable store.
type Processor struct {
	store    store.Store
	registry *mutators.Registry
	engine   *auth.Engine
	notifier Notifier
	recorder Recorder
	maxBatch int
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier sets the change notifier.
func WithNotifier(n Notifier) Option {
	return func(p *Processor) { p.notifier = n }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Processor) { p.recorder = r }
}

// WithMaxBatch caps the mutations accepted per push.
func WithMaxBatch(n int) Option {
	return func(p *Processor) { p.maxBatch = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor.
func NewProcessor(st store.Store, registry *mutators.Registry, engine *auth.Engine, logger zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:    st,
		registry: registry,
		engine:   engine,
		notifier: nopNotifier{},
		recorder: nopRecorder{},
		maxBatch: DefaultMaxBatch,
		now:      time.Now,
		logger:   logger.With().Str("component", "push").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every mutation of the request in order, each in its own
// transaction. A failed mutation does not affect its siblings.
func (p *Processor) Process(ctx context.Context, id auth.Identity, req PushRequest) (*PushResponse, error) {
	if id.IsZero() {
		return nil, syncerr.Unauthenticated("authentication required")
	}
	if err := req.Validate(p.maxBatch); err != nil {
		return nil, err
	}

	resp := &PushResponse{Mutations: make([]MutationResult, 0, len(req.Mutations))}
	for _, m := range req.Mutations {
		resp.Mutations = append(resp.Mutations, p.processOne(ctx, id, req.ClientGroupID, m))
	}
	return resp, nil
}

func (p *Processor) processOne(ctx context.Context, id auth.Identity, groupID string, m Mutation) MutationResult {
	start := time.Now()
	key := store.ClientKey{ClientGroupID: groupID, ClientID: m.ClientID}
	result := MutationResult{ID: MutationID{ClientID: m.ClientID, ID: m.ID}}
	logger := p.logger.With().
		Str("client_group_id", groupID).
		Str("client_id", m.ClientID).
		Int64("mutation_id", m.ID).
		Str("mutator", m.Name).
		Str("user_id", id.Subject).
		Logger()

	var (
		duplicate     bool
		mutatorFailed bool
		touched       []string
	)
	err := p.store.ExecTx(ctx, func(tx store.Tx) error {
		last, err := tx.ClaimClient(ctx, key, id.Subject)
		if err != nil {
			return err
		}
		if m.ID <= last {
			duplicate = true
			return nil
		}
		if m.ID > last+1 {
			return syncerr.New(syncerr.KindOutOfOrder, "expected mutation %d, got %d", last+1, m.ID)
		}

		guard := auth.NewGuard(tx, id, p.engine)
		env := mutators.Env{
			Actor: id.Subject,
			Now:   p.now().UTC(),
			NewID: mutators.MutationIDs(groupID, m.ClientID, m.ID),
		}
		if err := p.run(ctx, tx, guard, env, id, m); err != nil {
			mutatorFailed = true
			return err
		}
		touched = guard.TouchedOrgs()
		return tx.SetLastMutationID(ctx, key, m.ID)
	})

	switch {
	case err == nil:
		result.Result = ResultApplied
		if duplicate {
			result.Detail = "already processed"
			logger.Debug().Msg("mutation already processed")
		} else {
			logger.Debug().Msg("mutation applied")
			if len(touched) > 0 {
				p.notifier.Poke(ctx, touched)
			}
		}
	default:
		kind := syncerr.KindOf(err)
		result.Result = ResultError
		result.Error = kind
		result.Detail = syncerr.Detail(err)

		if mutatorFailed && !syncerr.Retryable(kind) {
			if advErr := p.advance(ctx, key, id.Subject, m.ID); advErr != nil {
				logger.Error().Err(advErr).Msg("failed to record rejected mutation")
				result.Error = syncerr.KindInternal
				result.Detail = syncerr.Detail(advErr)
				kind = syncerr.KindInternal
			}
		}

		if kind == syncerr.KindInternal {
			logger.Error().Err(err).Msg("mutation failed")
		} else {
			logger.Info().Str("kind", string(kind)).Str("detail", result.Detail).Msg("mutation rejected")
		}
	}

	p.recorder.ObserveMutation(m.Name, result.Result, result.Error, time.Since(start))
	return result
}

// run performs the membership pre-check for org-scoped mutators and then
// the mutator itself through the guard.
func (p *Processor) run(ctx context.Context, tx store.Tx, guard *auth.Guard, env mutators.Env, id auth.Identity, m Mutation) error {
	def, ok := p.registry.Lookup(m.Name)
	if !ok {
		return syncerr.New(syncerr.KindUnknownMutator, "unknown mutator %q", m.Name)
	}
	if def.OrgScope != nil {
		orgID, err := def.OrgScope(ctx, tx, m.Args)
		if err != nil {
			return err
		}
		if orgID != "" {
			if err := auth.AssertOrgMember(ctx, tx, id.Subject, orgID); err != nil {
				return err
			}
		}
	}
	return def.Run(ctx, guard, env, m.Args)
}

// advance records a rejected mutation as processed so the client does not
// resend it.
func (p *Processor) advance(ctx context.Context, key store.ClientKey, userID string, mutationID int64) error {
	err := p.store.ExecTx(ctx, func(tx store.Tx) error {
		last, err := tx.ClaimClient(ctx, key, userID)
		if err != nil {
			return err
		}
		if last >= mutationID {
			return nil
		}
		return tx.SetLastMutationID(ctx, key, mutationID)
	})
	if err != nil {
		return fmt.Errorf("advance last mutation id: %w", err)
	}
	return nil
}

// IsRequestError reports whether err rejects a whole push request.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrSchemaVersion) || errors.Is(err, ErrBatchTooLarge) || errors.Is(err, ErrMalformedBatch)
}
