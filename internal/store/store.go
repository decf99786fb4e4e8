package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/treadmill-bridge/internal/session"
)

type Options struct {
	// SyncSchedule is a cron spec for the reconciliation pass, e.g. "@every 5m"
	SyncSchedule string
	// SyncTimeout bounds one remote upsert
	SyncTimeout time.Duration
	// ReconcileRate is the maximum number of upserts per second during reconciliation
	ReconcileRate   float64
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		SyncSchedule:    "@every 5m",
		SyncTimeout:     10 * time.Second,
		ReconcileRate:   5,
		BreakerFailures: 3,
		BreakerTimeout:  30 * time.Second,
	}
}

// Store commits records locally before returning and pushes them to the
// remote store in the background. Records the remote did not take stay
// flagged until a reconciliation pass gets them through.
type Store struct {
	local   *SQLiteLocal
	remote  Remote
	opts    Options
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
	logger  *log.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	syncCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStore wires the local log to an optional remote. A nil remote keeps every
// record flagged.
func NewStore(local *SQLiteLocal, remote Remote, opts Options, logger *log.Logger) *Store {
	if local == nil {
		panic("Store: local cannot be nil")
	}
	if logger == nil {
		panic("Store: logger cannot be nil")
	}
	defaults := DefaultOptions()
	if opts.SyncSchedule == "" {
		opts.SyncSchedule = defaults.SyncSchedule
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = defaults.SyncTimeout
	}
	if opts.ReconcileRate <= 0 {
		opts.ReconcileRate = defaults.ReconcileRate
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = defaults.BreakerFailures
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = defaults.BreakerTimeout
	}

	maxFailures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "remote-sessions",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Printf("Store: circuit breaker %s %s -> %s", name, from, to)
		},
	})

	syncCtx, cancel := context.WithCancel(context.Background())
	return &Store{
		local:   local,
		remote:  remote,
		opts:    opts,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(opts.ReconcileRate), 1),
		logger:  logger,
		syncCtx: syncCtx,
		cancel:  cancel,
	}
}

// Append commits rec to the local log and schedules a background sync.
// It returns once the local commit is done; remote failures never fail it.
func (s *Store) Append(ctx context.Context, rec session.SummaryRecord) (string, error) {
	stored := FromSummary(rec)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if err := s.local.Put(ctx, stored); err != nil {
		return "", fmt.Errorf("failed to append record: %w", err)
	}
	s.logger.Printf("Store: Appended %s record %s (km %d)", stored.Kind, stored.ID, stored.Km)

	id := stored.ID
	go_func_utils.SafeGoTracked(s.logger, &s.wg, func() {
		// failures are logged by Sync; flagged records are retried by reconciliation
		_ = s.Sync(s.syncCtx, id)
	})
	return id, nil
}

// Sync pushes one record to the remote store and clears its flag. An already
// synced record is left alone.
func (s *Store) Sync(ctx context.Context, id string) error {
	rec, err := s.local.Get(ctx, id)
	if err != nil {
		s.logger.Printf("Store: Sync of %s could not load the record: %v", id, err)
		return err
	}
	if !rec.NeedsSync {
		return nil
	}
	if s.remote == nil {
		return &SyncError{ID: id, Err: ErrNoRemote}
	}

	_, err = s.breaker.Execute(func() (struct{}, error) {
		upsertCtx, cancel := context.WithTimeout(ctx, s.opts.SyncTimeout)
		defer cancel()
		return struct{}{}, s.remote.Upsert(upsertCtx, rec)
	})
	if err != nil {
		s.logger.Printf("Store: Sync of %s failed, will retry later: %v", id, err)
		return &SyncError{ID: id, Err: err}
	}

	if err := s.local.MarkSynced(ctx, id); err != nil {
		s.logger.Printf("Store: Synced %s but failed to clear its flag: %v", id, err)
		return fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	s.logger.Printf("Store: Synced %s", id)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	return s.local.Get(ctx, id)
}

// List returns all local records with their sync flags, oldest first
func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.local.List(ctx)
}

// Reconcile retries every flagged record, paced by the rate limiter. It stops
// early when the breaker opens.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.local.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending records: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if s.remote == nil {
		return 0, ErrNoRemote
	}

	synced := 0
	var errs []error
	for _, rec := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			return synced, err
		}
		err := s.Sync(ctx, rec.ID)
		if err == nil {
			synced++
			continue
		}
		errs = append(errs, err)
		if errors.Is(err, gobreaker.ErrOpenState) {
			break
		}
	}
	s.logger.Printf("Store: Reconciled %d/%d pending records", synced, len(pending))
	return synced, errors.Join(errs...)
}

// StartScheduler runs Reconcile on the configured schedule until Shutdown
func (s *Store) StartScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(s.opts.SyncSchedule, func() {
		if _, err := s.Reconcile(s.syncCtx); err != nil {
			s.logger.Printf("Store: Reconciliation incomplete: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.opts.SyncSchedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.Printf("Store: Reconciliation scheduled %s", s.opts.SyncSchedule)
	return nil
}

// Shutdown stops the scheduler and waits for running syncs. Safe to call twice.
func (s *Store) Shutdown() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	s.wg.Wait()
	s.cancel()
	s.logger.Println("Store: Shutdown complete")
}

// WaitForSyncs blocks until background syncs started by Append are done
func (s *Store) WaitForSyncs() {
	s.wg.Wait()
}

// Close releases the local database
func (s *Store) Close() error {
	return s.local.Close()
}
