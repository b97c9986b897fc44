// Package maintenance runs periodic housekeeping for the sync server.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule runs retention daily at 03:00 UTC.
const DefaultSchedule = "0 3 * * *"

// RetentionStore removes push bookkeeping of idle clients.
type RetentionStore interface {
	PurgeStaleClients(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeRecorder counts purged clients.
type PurgeRecorder interface {
	RecordPurge(n int64)
}

// RetentionScheduler periodically forgets clients that have not pushed
// within the retention window. A forgotten client that comes back starts
// over at mutation id 1, which only happens after a replica reset.
type RetentionScheduler struct {
	store     RetentionStore
	retention time.Duration
	schedule  string
	recorder  PurgeRecorder
	now       func() time.Time
	cron      *cron.Cron
	logger    zerolog.Logger
	mu        sync.Mutex
	running   bool
}

// NewRetentionScheduler creates a new retention scheduler.
func NewRetentionScheduler(store RetentionStore, retention time.Duration, logger zerolog.Logger) *RetentionScheduler {
	return &RetentionScheduler{
		store:     store,
		retention: retention,
		schedule:  DefaultSchedule,
		now:       time.Now,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		logger:    logger.With().Str("component", "retention").Logger(),
	}
}

// SetSchedule overrides the cron schedule. It must be called before Start.
func (s *RetentionScheduler) SetSchedule(spec string) {
	s.schedule = spec
}

// SetRecorder sets where purge counts are reported.
func (s *RetentionScheduler) SetRecorder(r PurgeRecorder) {
	s.recorder = r
}

// Start begins the retention schedule.
func (s *RetentionScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("retention scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runCleanup); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Dur("retention", s.retention).
		Str("schedule", s.schedule).
		Msg("retention scheduler started")

	return nil
}

// Stop stops the scheduler and returns a context that is done once the
// running job, if any, has finished.
func (s *RetentionScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping retention scheduler")
	return s.cron.Stop()
}

func (s *RetentionScheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeStaleClients(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("client retention failed")
		return
	}
	if s.recorder != nil {
		s.recorder.RecordPurge(purged)
	}

	s.logger.Info().
		Int64("purged_clients", purged).
		Time("cutoff", cutoff).
		Msg("client retention completed")
}

// RunNow triggers an immediate cleanup.
func (s *RetentionScheduler) RunNow() {
	s.runCleanup()
}
