package session

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lowaak/treadmill-bridge/internal/events"
	"github.com/lowaak/treadmill-bridge/internal/ftms"
)

type runningAverage struct {
	speedSum   float64
	speedCount int
	bpmSum     float64
	bpmCount   int
}

// add only counts positive values
func (r *runningAverage) add(speedKmh float64, bpm uint8) {
	if speedKmh > 0 {
		r.speedSum += speedKmh
		r.speedCount++
	}
	if bpm > 0 {
		r.bpmSum += float64(bpm)
		r.bpmCount++
	}
}

func (r *runningAverage) speed() float64 {
	if r.speedCount == 0 {
		return 0
	}
	return r.speedSum / float64(r.speedCount)
}

func (r *runningAverage) bpm() float64 {
	if r.bpmCount == 0 {
		return 0
	}
	return r.bpmSum / float64(r.bpmCount)
}

func (r *runningAverage) reset() {
	*r = runningAverage{}
}

// Aggregator turns decoded treadmill samples into live metrics, laps and summary records.
// Apply must only be called from a single goroutine. Snapshot is safe from anywhere.
type Aggregator struct {
	mu     sync.RWMutex
	live   LiveMetrics
	lap    runningAverage
	manual runningAverage
	limits Limits
	clock  func() time.Time
	logger *log.Logger

	metricsEvent *events.ChannelEvent[LiveMetrics]
	lapEvent     *events.CallbackEvent[LapRecord]
	recordEvent  *events.CallbackEvent[SummaryRecord]
}

func NewAggregator(limits Limits, logger *log.Logger) *Aggregator {
	if logger == nil {
		panic("Aggregator: logger cannot be nil")
	}
	a := &Aggregator{
		limits:       limits,
		clock:        time.Now,
		logger:       logger,
		metricsEvent: events.NewChannelEvent[LiveMetrics](true),
		lapEvent:     events.NewCallbackEvent[LapRecord](false),
		recordEvent:  events.NewCallbackEvent[SummaryRecord](false),
	}
	a.live = a.emptyMetrics()
	return a
}

func (a *Aggregator) emptyMetrics() LiveMetrics {
	return LiveMetrics{
		Pace:          ftms.PaceFromSpeed(0),
		SpeedZone:     ZoneGreen,
		HeartRateZone: ZoneGreen,
		Limits:        a.limits,
		Laps:          make([]LapRecord, 0),
	}
}

// Apply folds one sample into the session. Summary records and lap events are
// delivered after the state lock is released, in the order they were produced.
func (a *Aggregator) Apply(sample ftms.TreadmillSample) {
	now := a.clock()
	var pendingLaps []LapRecord
	var pendingRecords []SummaryRecord

	a.mu.Lock()
	if a.restartedLocked(sample) {
		a.logger.Printf("Aggregator: treadmill counters went back (%d m, %d s), starting a new session",
			sample.DistanceM, sample.ElapsedS)
		a.resetLocked()
	}
	live := &a.live
	live.Active = true
	live.SpeedCentiKmh = sample.SpeedCentiKmh
	live.SpeedKmh = sample.SpeedKmh()
	live.Pace = ftms.PaceFromSpeed(float64(sample.SpeedCentiKmh))
	if sample.HasExpendedEnergy {
		live.EnergyKcal = sample.EnergyKcal
	}
	if sample.HasHeartRate {
		live.HeartRateBpm = sample.HeartRateBpm
	}
	if sample.HasElapsedTime {
		live.ElapsedS = sample.ElapsedS
	}
	if sample.HasInclination {
		live.InclinationPercent = sample.InclinationPercent()
	}
	live.SpeedZone = a.limits.SpeedZone(live.SpeedKmh)
	live.HeartRateZone = a.limits.HeartRateZone(int(live.HeartRateBpm))

	crossed := false
	if sample.HasTotalDistance {
		live.DistanceM = sample.DistanceM
		live.DistanceKm = float64(sample.DistanceM) / 1000.0

		totalKm := int(sample.DistanceM / 1000)
		for len(live.Laps) < totalKm {
			if len(live.Laps) == 0 {
				started := now.Add(-time.Duration(live.ElapsedS) * time.Second)
				pendingRecords = append(pendingRecords, SummaryRecord{
					ID:       uuid.NewString(),
					Kind:     KindStart,
					DateTime: started,
				})
			}
			lap := a.closeLapLocked()
			pendingLaps = append(pendingLaps, lap)
			pendingRecords = append(pendingRecords, SummaryRecord{
				ID:          uuid.NewString(),
				Kind:        KindLap,
				DateTime:    now,
				Km:          lap.Number,
				ElapsedS:    lap.ElapsedS,
				AvgSpeedKmh: lap.AvgSpeedKmh,
				AvgBpm:      lap.AvgHeartRate,
				EnergyKcal:  lap.EnergyKcal,
			})
			crossed = true
		}
	}

	// a sample that closes a lap is not counted towards the next one
	if !crossed {
		a.lap.add(live.SpeedKmh, heartRateOf(sample))
	}
	a.manual.add(live.SpeedKmh, heartRateOf(sample))

	snapshot := a.live.clone()
	a.mu.Unlock()

	for _, lap := range pendingLaps {
		a.logger.Printf("Aggregator: lap %d closed in %ds, avg %.2f km/h (%s), avg %.0f bpm",
			lap.Number, lap.LapElapsedS, lap.AvgSpeedKmh, lap.AvgPace, lap.AvgHeartRate)
		a.lapEvent.Notify(lap)
	}
	for _, rec := range pendingRecords {
		a.recordEvent.Notify(rec)
	}
	a.metricsEvent.Notify(snapshot)
}

// restartedLocked reports whether sample belongs to a new workout: the
// treadmill's cumulative distance or elapsed time is lower than what the
// current session has already seen.
func (a *Aggregator) restartedLocked(sample ftms.TreadmillSample) bool {
	if sample.HasTotalDistance && sample.DistanceM < a.live.DistanceM {
		return true
	}
	return sample.HasElapsedTime && sample.ElapsedS < a.live.ElapsedS
}

func (a *Aggregator) resetLocked() {
	a.live = a.emptyMetrics()
	a.lap.reset()
	a.manual.reset()
}

func heartRateOf(sample ftms.TreadmillSample) uint8 {
	if !sample.HasHeartRate {
		return 0
	}
	return sample.HeartRateBpm
}

// closeLapLocked must be called with mu held
func (a *Aggregator) closeLapLocked() LapRecord {
	elapsed := int(a.live.ElapsedS)
	energy := int(a.live.EnergyKcal)

	lapElapsed := elapsed
	lapEnergy := energy
	if n := len(a.live.Laps); n > 0 {
		prev := a.live.Laps[n-1]
		lapElapsed = elapsed - prev.ElapsedS
		lapEnergy = energy - prev.EnergyKcal
	}

	avgSpeed := a.lap.speed()
	lap := LapRecord{
		Number:        len(a.live.Laps) + 1,
		LapElapsedS:   lapElapsed,
		LapEnergyKcal: lapEnergy,
		AvgSpeedKmh:   avgSpeed,
		AvgPace:       ftms.PaceFromSpeed(avgSpeed * 100),
		AvgHeartRate:  a.lap.bpm(),
		ElapsedS:      elapsed,
		EnergyKcal:    energy,
	}
	a.lap.reset()
	a.live.Laps = append(a.live.Laps, lap)
	return lap
}

// SaveSession emits a summary of every sample since the previous manual save
// or the start of the session, and starts a new manual averaging window.
func (a *Aggregator) SaveSession() SummaryRecord {
	a.mu.Lock()
	rec := SummaryRecord{
		ID:          uuid.NewString(),
		Kind:        KindManual,
		DateTime:    a.clock(),
		Km:          int(a.live.DistanceM / 1000),
		ElapsedS:    int(a.live.ElapsedS),
		AvgSpeedKmh: a.manual.speed(),
		AvgBpm:      a.manual.bpm(),
		EnergyKcal:  int(a.live.EnergyKcal),
	}
	a.manual.reset()
	a.mu.Unlock()

	a.logger.Printf("Aggregator: session saved at km %d, avg %.2f km/h, avg %.0f bpm", rec.Km, rec.AvgSpeedKmh, rec.AvgBpm)
	a.recordEvent.Notify(rec)
	return rec
}

// End marks the session idle after the treadmill went away. Laps and totals
// are kept so a reconnect that resumes the same workout carries on; the next
// sample with lower counters starts a new session.
func (a *Aggregator) End() {
	a.mu.Lock()
	if !a.live.Active {
		a.mu.Unlock()
		return
	}
	a.live.Active = false
	a.live.SpeedCentiKmh = 0
	a.live.SpeedKmh = 0
	a.live.Pace = ftms.PaceFromSpeed(0)
	a.live.SpeedZone = a.limits.SpeedZone(0)
	snapshot := a.live.clone()
	a.mu.Unlock()

	a.logger.Printf("Aggregator: session idle at %d m, %d laps", snapshot.DistanceM, len(snapshot.Laps))
	a.metricsEvent.Notify(snapshot)
}

// Reset discards the current session
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.resetLocked()
	snapshot := a.live.clone()
	a.mu.Unlock()

	a.logger.Println("Aggregator: session reset")
	a.metricsEvent.Notify(snapshot)
}

// Snapshot returns a copy of the live metrics
func (a *Aggregator) Snapshot() LiveMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live.clone()
}

// ListenMetrics registers a channel for live metric updates. Slow channels miss updates.
func (a *Aggregator) ListenMetrics(ch chan<- LiveMetrics) func() {
	return a.metricsEvent.Listen(ch)
}

// ListenLaps registers a callback invoked for each completed lap
func (a *Aggregator) ListenLaps(callback func(LapRecord)) func() {
	return a.lapEvent.Listen(callback)
}

// ListenRecords registers a callback for each summary record. Callbacks run
// synchronously on the goroutine that produced the record.
func (a *Aggregator) ListenRecords(callback func(SummaryRecord)) func() {
	return a.recordEvent.Listen(callback)
}
