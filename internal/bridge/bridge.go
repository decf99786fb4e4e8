package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/treadmill-bridge/internal/broadcast"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/treadmill-bridge/internal/peripheral"
	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

const publishTimeout = 3 * time.Second

// Bridge owns the lifecycle of the running components and routes
// aggregator records to persistence and broadcast
type Bridge struct {
	aggregator *session.Aggregator
	link       *treadmill.Link
	emulator   *peripheral.Emulator
	store      *store.Store
	publisher  *broadcast.Publisher
	logger     *log.Logger

	unregister []func()
	done       chan struct{}
	wg         sync.WaitGroup

	mu       sync.Mutex
	started  bool
	shutdown bool
}

type Args struct {
	Aggregator *session.Aggregator
	Link       *treadmill.Link
	// Emulator may be nil when the peripheral role is disabled
	Emulator *peripheral.Emulator
	Store    *store.Store
	// Publisher may be nil when Redis is not configured
	Publisher *broadcast.Publisher
	Logger    *log.Logger
}

func New(args Args) *Bridge {
	if args.Aggregator == nil {
		panic("Bridge: aggregator cannot be nil")
	}
	if args.Link == nil {
		panic("Bridge: link cannot be nil")
	}
	if args.Store == nil {
		panic("Bridge: store cannot be nil")
	}
	if args.Logger == nil {
		panic("Bridge: logger cannot be nil")
	}

	b := &Bridge{
		aggregator: args.Aggregator,
		link:       args.Link,
		emulator:   args.Emulator,
		store:      args.Store,
		publisher:  args.Publisher,
		logger:     args.Logger,
		done:       make(chan struct{}),
	}

	// persistence registers first so a record is committed before it is announced
	b.unregister = append(b.unregister,
		b.aggregator.ListenRecords(b.onRecord),
		b.aggregator.ListenLaps(func(lap session.LapRecord) {
			b.logger.Printf("Bridge: Lap %d in %ds, avg %.2f km/h (%s min/km)", lap.Number, lap.LapElapsedS, lap.AvgSpeedKmh, lap.AvgPace)
		}),
	)
	return b
}

// onRecord runs on the goroutine that produced the record, so only the local
// commit happens inline
func (b *Bridge) onRecord(rec session.SummaryRecord) {
	id, err := b.store.Append(context.Background(), rec)
	if err != nil {
		b.logger.Printf("Bridge: Failed to store %s record: %v", rec.Kind, err)
		return
	}

	stored := store.FromSummary(rec)
	stored.ID = id
	if !b.publisher.Enabled() {
		return
	}
	go_func_utils.SafeGoTracked(b.logger, &b.wg, func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		// failures are logged by the publisher
		_ = b.publisher.PublishRecord(ctx, stored)
	})
}

// Start launches the reconciliation schedule and the treadmill link. The
// peripheral side starts notifying when a central connects.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.shutdown {
		return fmt.Errorf("bridge already shut down")
	}
	if b.started {
		return nil
	}

	if err := b.store.StartScheduler(); err != nil {
		return err
	}
	b.watchLink()
	if err := b.link.Start(ctx); err != nil {
		return fmt.Errorf("start link: %w", err)
	}
	b.started = true
	b.logger.Println("Bridge: Started")
	return nil
}

// watchLink idles the session whenever the treadmill connection is lost
func (b *Bridge) watchLink() {
	states := make(chan treadmill.State, 16)
	b.unregister = append(b.unregister, b.link.ListenState(states))
	go_func_utils.SafeGoTracked(b.logger, &b.wg, func() {
		for {
			select {
			case <-b.done:
				return
			case state := <-states:
				if state == treadmill.StateDisconnected || state == treadmill.StateFailed {
					b.aggregator.End()
				}
			}
		}
	})
}

func (b *Bridge) Aggregator() *session.Aggregator { return b.aggregator }
func (b *Bridge) Link() *treadmill.Link            { return b.link }
func (b *Bridge) Store() *store.Store              { return b.store }

// Shutdown stops everything in dependency order: notifications, link,
// pending syncs, shutdown notice, then the stores. Safe to call twice.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	b.mu.Unlock()

	b.logger.Println("Bridge: Shutting down")
	if b.emulator != nil {
		b.emulator.Shutdown()
	}
	b.link.Disconnect()
	b.mu.Lock()
	for _, unregister := range b.unregister {
		unregister()
	}
	b.mu.Unlock()
	close(b.done)

	b.store.Shutdown()
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.publisher.PublishShutdown(ctx); err != nil {
		b.logger.Printf("Bridge: %v", err)
	}

	if err := b.store.Close(); err != nil {
		b.logger.Printf("Bridge: Failed to close local store: %v", err)
	}
	if err := b.publisher.Close(); err != nil {
		b.logger.Printf("Bridge: Failed to close Redis client: %v", err)
	}
	b.logger.Println("Bridge: Shutdown complete")
}
