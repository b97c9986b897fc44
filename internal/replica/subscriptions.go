package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/memstore"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/syncerr"
)

// DefaultSweepSchedule is how often expired queries are evicted.
const DefaultSweepSchedule = "@every 1m"

// entry is a query whose rows are kept in the replica.
type entry struct {
	spec      query.Spec
	refs      int
	loaded    bool
	expiresAt time.Time
}

func (e *entry) ttl() time.Duration {
	return time.Duration(e.spec.TTL)
}

// retained reports whether the entry's rows must stay cached at now.
func (e *entry) retained(now time.Time) bool {
	return e.refs > 0 || e.spec.TTL == query.Forever || now.Before(e.expiresAt)
}

// Subscriptions hydrates the replica from query specs and keeps the
// results fresh. Rows are fetched into the authoritative base store; the
// client rebuilds its optimistic view on top after every change.
type Subscriptions struct {
	source  Source
	base    *memstore.Store
	view    *memstore.Store
	rebuild func(ctx context.Context) error
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	cron     *cron.Cron
	schedule string
}

func newSubscriptions(source Source, base, view *memstore.Store, rebuild func(context.Context) error, now func() time.Time, schedule string, logger zerolog.Logger) *Subscriptions {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Subscriptions{
		source:   source,
		base:     base,
		view:     view,
		rebuild:  rebuild,
		now:      now,
		logger:   logger.With().Str("component", "subscriptions").Logger(),
		entries:  make(map[string]*entry),
		cron:     cron.New(cron.WithLocation(time.UTC)),
		schedule: schedule,
	}
}

// Start schedules the eviction sweep.
func (s *Subscriptions) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("subscription sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule subscription sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the sweep and waits for a running one to finish.
func (s *Subscriptions) Stop() {
	<-s.cron.Stop().Done()
}

// track registers spec and returns its entry and whether it needs a fetch.
func (s *Subscriptions) track(spec query.Spec, ref bool) (*entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := spec.Key()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{spec: spec}
		s.entries[key] = e
	} else if spec.TTL == query.Forever || (e.spec.TTL != query.Forever && spec.TTL > e.spec.TTL) {
		e.spec.TTL = spec.TTL
	}
	if ref {
		e.refs++
	}
	if e.ttl() > 0 {
		if until := s.now().Add(e.ttl()); until.After(e.expiresAt) {
			e.expiresAt = until
		}
	}
	return e, !e.loaded
}

// Preload fetches spec into the replica and keeps its rows for the spec's
// TTL without a subscriber.
func (s *Subscriptions) Preload(ctx context.Context, spec query.Spec) error {
	normalized, err := spec.Normalize()
	if err != nil {
		return err
	}
	s.track(normalized, false)
	if err := s.load(ctx, normalized); err != nil {
		return err
	}
	return s.rebuild(ctx)
}

// Subscribe calls fn with the current rows of spec and again after every
// change to the spec's table. The rows are fetched first if the spec is
// not cached yet. The returned function ends the subscription; the rows
// stay cached for the spec's TTL afterwards.
func (s *Subscriptions) Subscribe(ctx context.Context, spec query.Spec, fn func([]models.Row)) (func(), error) {
	normalized, err := spec.Normalize()
	if err != nil {
		return nil, err
	}

	e, needsFetch := s.track(normalized, true)
	if needsFetch {
		if err := s.load(ctx, normalized); err != nil {
			s.release(e)
			return nil, err
		}
		if err := s.rebuild(ctx); err != nil {
			s.release(e)
			return nil, err
		}
	}

	deliver := func() {
		rows, err := s.view.Run(context.Background(), normalized)
		if err != nil {
			s.logger.Debug().Err(err).Str("query", normalized.Key()).Msg("skip delivery")
			return
		}
		fn(rows)
	}
	cancel := s.view.Subscribe(func(c memstore.Change) {
		if c.Touches(normalized.Table) {
			deliver()
		}
	})
	deliver()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.release(e)
		})
	}, nil
}

func (s *Subscriptions) release(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.refs--
	if e.refs == 0 && e.ttl() > 0 {
		e.expiresAt = s.now().Add(e.ttl())
	}
}

// load fetches spec and replaces its rows in the base store.
func (s *Subscriptions) load(ctx context.Context, spec query.Spec) error {
	rows, err := s.source.Fetch(ctx, spec)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", spec.Key(), err)
	}
	if err := s.base.Update(ctx, func(tx *memstore.Tx) error {
		return tx.Replace(spec, rows)
	}); err != nil {
		return fmt.Errorf("install %s: %w", spec.Key(), err)
	}

	s.mu.Lock()
	if e, ok := s.entries[spec.Key()]; ok {
		e.loaded = true
	}
	s.mu.Unlock()

	s.logger.Debug().Str("query", spec.Key()).Int("rows", len(rows)).Msg("query loaded")
	return nil
}

// Refresh re-fetches every retained query and rebuilds the replica. It is
// called after pushes and when the server signals a change.
func (s *Subscriptions) Refresh(ctx context.Context) error {
	specs := s.retainedSpecs()

	var errs []error
	for _, spec := range specs {
		if err := s.load(ctx, spec); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return s.rebuild(ctx)
}

// Refetch replaces a single row with its authoritative state. A row the
// server no longer returns, or no longer lets the caller read, is removed.
func (s *Subscriptions) Refetch(ctx context.Context, table, id string) error {
	spec, err := query.ByID(table, id).Normalize()
	if err != nil {
		return err
	}
	rows, err := s.source.Fetch(ctx, spec)
	if syncerr.KindOf(err) == syncerr.KindForbidden {
		rows, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("fetch %s %s: %w", table, id, err)
	}
	if err := s.base.Update(ctx, func(tx *memstore.Tx) error {
		if len(rows) == 0 {
			return tx.Remove(table, id)
		}
		return tx.Replace(spec, rows)
	}); err != nil {
		return fmt.Errorf("install %s %s: %w", table, id, err)
	}
	return s.rebuild(ctx)
}

func (s *Subscriptions) retainedSpecs() []query.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	specs := make([]query.Spec, 0, len(s.entries))
	for _, e := range s.entries {
		if e.retained(now) {
			specs = append(specs, e.spec)
		}
	}
	return specs
}

// Sweep drops expired queries and evicts rows no retained query matches.
func (s *Subscriptions) Sweep(ctx context.Context) error {
	s.mu.Lock()
	now := s.now()
	var expired, kept []query.Spec
	for key, e := range s.entries {
		if e.retained(now) {
			kept = append(kept, e.spec)
			continue
		}
		expired = append(expired, e.spec)
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	evicted := 0
	err := s.base.Update(ctx, func(tx *memstore.Tx) error {
		for _, spec := range expired {
			all := spec
			all.Limit = 0
			rows, err := tx.Query(ctx, all)
			if err != nil {
				return err
			}
			for _, row := range rows {
				if matchesAny(kept, row) {
					continue
				}
				if err := tx.Remove(spec.Table, row.RowID()); err != nil {
					return err
				}
				evicted++
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict expired queries: %w", err)
	}

	s.logger.Debug().Int("queries", len(expired)).Int("rows", evicted).Msg("expired queries evicted")
	return s.rebuild(ctx)
}

func matchesAny(specs []query.Spec, row models.Row) bool {
	for _, spec := range specs {
		if spec.Matches(row) {
			return true
		}
	}
	return false
}

// Active returns the number of retained queries.
func (s *Subscriptions) Active() int {
	return len(s.retainedSpecs())
}
