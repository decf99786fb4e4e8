package peripheral

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
	"github.com/lowaak/treadmill-bridge/internal/session"
)

// Notifier pushes a value to subscribed centrals. bluetooth.Characteristic satisfies it.
type Notifier interface {
	Write(p []byte) (n int, err error)
}

// Source provides the live metrics to re-broadcast
type Source interface {
	Snapshot() session.LiveMetrics
}

// Emulator re-broadcasts live metrics as Treadmill Data and Heart Rate
// notifications on a fixed period while at least one central is subscribed.
type Emulator struct {
	source    Source
	treadmill Notifier
	heartRate Notifier
	period    time.Duration
	logger    *log.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	centrals map[string]struct{}
	wg       sync.WaitGroup
}

func NewEmulator(source Source, treadmill Notifier, heartRate Notifier, period time.Duration, logger *log.Logger) *Emulator {
	if source == nil {
		panic("Emulator: source cannot be nil")
	}
	if treadmill == nil || heartRate == nil {
		panic("Emulator: notifiers cannot be nil")
	}
	if logger == nil {
		panic("Emulator: logger cannot be nil")
	}
	if period <= 0 {
		period = time.Second
	}
	return &Emulator{
		source:    source,
		treadmill: treadmill,
		heartRate: heartRate,
		period:    period,
		logger:    logger,
		centrals:  make(map[string]struct{}),
	}
}

// StartNotify starts the notify timer. No-op when already running.
func (e *Emulator) StartNotify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.logger.Printf("Emulator: Notifications started (every %v)", e.period)

	go_func_utils.SafeGoTracked(e.logger, &e.wg, func() {
		ticker := time.NewTicker(e.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.notify()
			}
		}
	})
}

// StopNotify halts the notify timer. No-op when not running.
func (e *Emulator) StopNotify() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.logger.Println("Emulator: Notifications stopped")
}

func (e *Emulator) IsNotifying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// OnConnectionChange tracks connected centrals by address, so a repeated
// connect report for the same central counts once. The first one starts the
// timer, the last one leaving stops it.
func (e *Emulator) OnConnectionChange(address string, connected bool) {
	key := strings.ToUpper(address)
	e.mu.Lock()
	if connected {
		e.centrals[key] = struct{}{}
	} else {
		delete(e.centrals, key)
	}
	centrals := len(e.centrals)
	e.mu.Unlock()

	e.logger.Printf("Emulator: Central %s connected=%v (%d connected)", address, connected, centrals)
	if centrals > 0 {
		e.StartNotify()
	} else {
		e.StopNotify()
	}
}

// Shutdown stops the timer and waits for the notify goroutine to exit
func (e *Emulator) Shutdown() {
	e.StopNotify()
	e.wg.Wait()
	e.logger.Println("Emulator: Shutdown complete")
}

func (e *Emulator) notify() {
	m := e.source.Snapshot()

	frame := ftms.EncodeTreadmillData(ftms.TreadmillSample{
		SpeedCentiKmh: m.SpeedCentiKmh,
		DistanceM:     m.DistanceM,
		EnergyKcal:    m.EnergyKcal,
		ElapsedS:      m.ElapsedS,
	})
	if _, err := e.treadmill.Write(frame); err != nil {
		e.logger.Printf("Emulator: Treadmill data notify failed: %v", err)
	}
	if _, err := e.heartRate.Write(ftms.EncodeHeartRate(m.HeartRateBpm)); err != nil {
		e.logger.Printf("Emulator: Heart rate notify failed: %v", err)
	}
}
