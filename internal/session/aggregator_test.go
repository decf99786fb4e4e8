package session

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
)

var testNow = time.Date(2024, 5, 4, 18, 30, 0, 0, time.Local)

func newTestAggregator(t *testing.T) (*Aggregator, *[]SummaryRecord) {
	t.Helper()
	a := NewAggregator(DefaultLimits(), log.New(io.Discard, "", 0))
	a.clock = func() time.Time { return testNow }

	records := make([]SummaryRecord, 0)
	var mu sync.Mutex
	a.ListenRecords(func(rec SummaryRecord) {
		mu.Lock()
		records = append(records, rec)
		mu.Unlock()
	})
	return a, &records
}

func runSample(speed uint16, distance uint32, elapsed uint16, energy uint16, bpm uint8) ftms.TreadmillSample {
	return ftms.TreadmillSample{
		SpeedCentiKmh:     speed,
		HasTotalDistance:  true,
		DistanceM:         distance,
		HasElapsedTime:    true,
		ElapsedS:          elapsed,
		HasExpendedEnergy: true,
		EnergyKcal:        energy,
		HasHeartRate:      true,
		HeartRateBpm:      bpm,
	}
}

func TestNewAggregator_NilLogger(t *testing.T) {
	assert.Panics(t, func() {
		NewAggregator(DefaultLimits(), nil)
	})
}

func TestAggregator_LiveValuesOverwrite(t *testing.T) {
	a, records := newTestAggregator(t)

	a.Apply(runSample(1100, 250, 90, 12, 118))
	m := a.Snapshot()
	assert.True(t, m.Active)
	assert.InDelta(t, 11.0, m.SpeedKmh, 0.0001)
	assert.Equal(t, "5:27", m.Pace)
	assert.Equal(t, uint32(250), m.DistanceM)
	assert.InDelta(t, 0.25, m.DistanceKm, 0.0001)
	assert.Equal(t, uint16(90), m.ElapsedS)
	assert.Equal(t, uint16(12), m.EnergyKcal)
	assert.Equal(t, uint8(118), m.HeartRateBpm)
	assert.Equal(t, ZoneYellow, m.SpeedZone)
	assert.Equal(t, ZoneGreen, m.HeartRateZone)

	// speed only frame keeps the previous optional values
	a.Apply(ftms.TreadmillSample{SpeedCentiKmh: 1300})
	m = a.Snapshot()
	assert.InDelta(t, 13.0, m.SpeedKmh, 0.0001)
	assert.Equal(t, ZoneRed, m.SpeedZone)
	assert.Equal(t, uint16(90), m.ElapsedS)
	assert.Equal(t, uint8(118), m.HeartRateBpm)
	assert.Empty(t, m.Laps)
	assert.Empty(t, *records)
}

func TestAggregator_FirstLapEmitsStartThenLap(t *testing.T) {
	a, records := newTestAggregator(t)

	a.Apply(runSample(1000, 500, 180, 30, 120))
	a.Apply(runSample(1200, 900, 320, 52, 130))
	require.Empty(t, *records)

	a.Apply(runSample(1500, 1000, 360, 60, 150))

	require.Len(t, *records, 2)
	start := (*records)[0]
	assert.Equal(t, KindStart, start.Kind)
	assert.Equal(t, testNow.Add(-360*time.Second), start.DateTime)
	assert.Equal(t, 0, start.Km)
	assert.Equal(t, 0, start.ElapsedS)
	assert.Zero(t, start.AvgSpeedKmh)
	assert.NotEmpty(t, start.ID)

	lapRec := (*records)[1]
	assert.Equal(t, KindLap, lapRec.Kind)
	assert.Equal(t, testNow, lapRec.DateTime)
	assert.Equal(t, 1, lapRec.Km)
	assert.Equal(t, 360, lapRec.ElapsedS)
	assert.Equal(t, 60, lapRec.EnergyKcal)
	// the boundary sample itself is not part of the lap average
	assert.InDelta(t, 11.0, lapRec.AvgSpeedKmh, 0.0001)
	assert.InDelta(t, 125.0, lapRec.AvgBpm, 0.0001)
	assert.NotEqual(t, start.ID, lapRec.ID)

	m := a.Snapshot()
	require.Len(t, m.Laps, 1)
	lap := m.Laps[0]
	assert.Equal(t, 1, lap.Number)
	assert.Equal(t, 360, lap.LapElapsedS)
	assert.Equal(t, 60, lap.LapEnergyKcal)
	assert.Equal(t, "5:27", lap.AvgPace)
	assert.Equal(t, 360, lap.ElapsedS)
	assert.Equal(t, 60, lap.EnergyKcal)
}

func TestAggregator_SecondLapDeltas(t *testing.T) {
	a, records := newTestAggregator(t)

	a.Apply(runSample(1000, 500, 180, 30, 120))
	a.Apply(runSample(1000, 1000, 360, 60, 120))
	a.Apply(runSample(800, 1500, 580, 85, 140))
	a.Apply(runSample(1000, 2000, 800, 110, 160))

	require.Len(t, *records, 3)
	assert.Equal(t, KindStart, (*records)[0].Kind)
	assert.Equal(t, KindLap, (*records)[1].Kind)
	assert.Equal(t, KindLap, (*records)[2].Kind)
	assert.Equal(t, 2, (*records)[2].Km)

	m := a.Snapshot()
	require.Len(t, m.Laps, 2)
	lap := m.Laps[1]
	assert.Equal(t, 2, lap.Number)
	assert.Equal(t, 440, lap.LapElapsedS)
	assert.Equal(t, 50, lap.LapEnergyKcal)
	assert.InDelta(t, 8.0, lap.AvgSpeedKmh, 0.0001)
	assert.Equal(t, "7:30", lap.AvgPace)
	assert.InDelta(t, 140.0, lap.AvgHeartRate, 0.0001)
	assert.Equal(t, 800, lap.ElapsedS)
	assert.Equal(t, 110, lap.EnergyKcal)
}

func TestAggregator_SkippedKilometersCloseEveryLap(t *testing.T) {
	a, records := newTestAggregator(t)

	a.Apply(runSample(1000, 100, 30, 5, 100))
	a.Apply(runSample(1000, 2500, 900, 140, 100))

	require.Len(t, *records, 3)
	assert.Equal(t, KindStart, (*records)[0].Kind)
	assert.Equal(t, 1, (*records)[1].Km)
	assert.Equal(t, 2, (*records)[2].Km)

	m := a.Snapshot()
	require.Len(t, m.Laps, 2)
	assert.InDelta(t, 10.0, m.Laps[0].AvgSpeedKmh, 0.0001)
	assert.Equal(t, 900, m.Laps[0].LapElapsedS)
	assert.Zero(t, m.Laps[1].AvgSpeedKmh)
	assert.Equal(t, "0:00", m.Laps[1].AvgPace)
	assert.Equal(t, 0, m.Laps[1].LapElapsedS)
}

func TestAggregator_ZeroValuesNotAveraged(t *testing.T) {
	a, _ := newTestAggregator(t)

	a.Apply(runSample(0, 100, 10, 1, 0))
	a.Apply(runSample(1000, 600, 200, 30, 0))
	a.Apply(runSample(1000, 1000, 360, 60, 0))

	m := a.Snapshot()
	require.Len(t, m.Laps, 1)
	assert.InDelta(t, 10.0, m.Laps[0].AvgSpeedKmh, 0.0001)
	assert.Zero(t, m.Laps[0].AvgHeartRate)
}

func TestAggregator_NoDistanceNoLaps(t *testing.T) {
	a, records := newTestAggregator(t)

	for i := 0; i < 5; i++ {
		a.Apply(ftms.TreadmillSample{SpeedCentiKmh: 1000, HasElapsedTime: true, ElapsedS: uint16(i * 600)})
	}
	assert.Empty(t, *records)
	assert.Empty(t, a.Snapshot().Laps)
}

func TestAggregator_SaveSessionUsesIndependentWindow(t *testing.T) {
	a, records := newTestAggregator(t)

	a.Apply(runSample(1000, 500, 180, 30, 120))
	a.Apply(runSample(1200, 1000, 360, 60, 140)) // closes lap 1, still in the manual window
	a.Apply(runSample(1400, 1200, 400, 70, 160))

	rec := a.SaveSession()
	assert.Equal(t, KindManual, rec.Kind)
	assert.Equal(t, testNow, rec.DateTime)
	assert.Equal(t, 1, rec.Km)
	assert.Equal(t, 400, rec.ElapsedS)
	assert.Equal(t, 70, rec.EnergyKcal)
	assert.InDelta(t, 12.0, rec.AvgSpeedKmh, 0.0001)
	assert.InDelta(t, 140.0, rec.AvgBpm, 0.0001)
	require.Len(t, *records, 3)
	assert.Equal(t, rec, (*records)[2])

	// window restarts after a save
	a.Apply(runSample(900, 1300, 430, 75, 110))
	rec = a.SaveSession()
	assert.InDelta(t, 9.0, rec.AvgSpeedKmh, 0.0001)
	assert.InDelta(t, 110.0, rec.AvgBpm, 0.0001)

	// lap averaging is untouched by manual saves
	a.Apply(runSample(900, 2000, 700, 110, 110))
	m := a.Snapshot()
	require.Len(t, m.Laps, 2)
	assert.InDelta(t, 11.5, m.Laps[1].AvgSpeedKmh, 0.0001)
}

func TestAggregator_SaveSessionEmptyWindow(t *testing.T) {
	a, _ := newTestAggregator(t)
	rec := a.SaveSession()
	assert.Zero(t, rec.AvgSpeedKmh)
	assert.Zero(t, rec.AvgBpm)
	assert.Equal(t, 0, rec.Km)
}

func TestAggregator_SnapshotIsACopy(t *testing.T) {
	a, _ := newTestAggregator(t)
	a.Apply(runSample(1000, 1000, 360, 60, 120))

	m := a.Snapshot()
	require.Len(t, m.Laps, 1)
	m.Laps[0].AvgSpeedKmh = 99
	m.Laps = append(m.Laps, LapRecord{})

	fresh := a.Snapshot()
	require.Len(t, fresh.Laps, 1)
	assert.NotEqual(t, 99.0, fresh.Laps[0].AvgSpeedKmh)
}

func TestAggregator_Reset(t *testing.T) {
	a, records := newTestAggregator(t)
	a.Apply(runSample(1000, 1000, 360, 60, 120))
	require.Len(t, *records, 2)

	a.Reset()
	m := a.Snapshot()
	assert.False(t, m.Active)
	assert.Empty(t, m.Laps)
	assert.Equal(t, "0:00", m.Pace)

	// a new session starts with a new start record
	a.Apply(runSample(1000, 1000, 300, 50, 120))
	require.Len(t, *records, 4)
	assert.Equal(t, KindStart, (*records)[2].Kind)
	assert.Equal(t, testNow.Add(-300*time.Second), (*records)[2].DateTime)
}

func TestAggregator_EndKeepsSessionForResume(t *testing.T) {
	a, records := newTestAggregator(t)
	a.Apply(runSample(1000, 1000, 360, 60, 120))
	require.Len(t, *records, 2)

	a.End()
	m := a.Snapshot()
	assert.False(t, m.Active)
	assert.Zero(t, m.SpeedCentiKmh)
	assert.Len(t, m.Laps, 1)
	assert.Equal(t, uint32(1000), m.DistanceM)

	// the same workout continues after a reconnect
	a.Apply(runSample(1000, 2000, 720, 120, 120))
	m = a.Snapshot()
	assert.True(t, m.Active)
	require.Len(t, m.Laps, 2)
	assert.Equal(t, 360, m.Laps[1].LapElapsedS)
	require.Len(t, *records, 3)
	assert.Equal(t, KindLap, (*records)[2].Kind)
}

func TestAggregator_CountersGoingBackStartNewSession(t *testing.T) {
	a, records := newTestAggregator(t)
	a.Apply(runSample(1000, 1000, 360, 60, 120))
	a.Apply(runSample(1000, 2000, 720, 120, 120))
	require.Len(t, *records, 3)
	a.End()

	// a new workout on the console restarts the treadmill's counters
	a.Apply(runSample(900, 100, 40, 5, 110))
	m := a.Snapshot()
	assert.True(t, m.Active)
	assert.Empty(t, m.Laps)
	assert.Equal(t, uint32(100), m.DistanceM)

	a.Apply(runSample(900, 1000, 400, 55, 110))
	require.Len(t, *records, 5)
	assert.Equal(t, KindStart, (*records)[3].Kind)
	assert.Equal(t, KindLap, (*records)[4].Kind)
	assert.Equal(t, 1, (*records)[4].Km)
	assert.Equal(t, 400, (*records)[4].ElapsedS)
}

func TestAggregator_EndWhenIdle(t *testing.T) {
	a, _ := newTestAggregator(t)
	ch := make(chan LiveMetrics, 4)
	a.ListenMetrics(ch)

	a.End()
	assert.Empty(t, ch)
}

func TestAggregator_ListenLapsAndMetrics(t *testing.T) {
	a, _ := newTestAggregator(t)

	laps := make([]LapRecord, 0)
	unregister := a.ListenLaps(func(l LapRecord) { laps = append(laps, l) })
	defer unregister()

	ch := make(chan LiveMetrics, 10)
	unregisterCh := a.ListenMetrics(ch)
	defer unregisterCh()

	a.Apply(runSample(1000, 1000, 360, 60, 120))
	require.Len(t, laps, 1)

	select {
	case m := <-ch:
		assert.Len(t, m.Laps, 1)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for metrics")
	}
}

func TestAggregator_ConcurrentSnapshot(t *testing.T) {
	a, _ := newTestAggregator(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(4)
	for i := 0; i < 4; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m := a.Snapshot()
					_ = len(m.Laps)
				}
			}
		}()
	}

	for d := uint32(0); d <= 5000; d += 50 {
		a.Apply(runSample(1000, d, uint16(d/3), uint16(d/20), 130))
	}
	close(stop)
	wg.Wait()

	assert.Len(t, a.Snapshot().Laps, 5)
}

func TestLimits_Zones(t *testing.T) {
	l := DefaultLimits()
	assert.Equal(t, ZoneGreen, l.SpeedZone(9.99))
	assert.Equal(t, ZoneYellow, l.SpeedZone(10))
	assert.Equal(t, ZoneRed, l.SpeedZone(12))
	assert.Equal(t, ZoneGreen, l.HeartRateZone(119))
	assert.Equal(t, ZoneYellow, l.HeartRateZone(120))
	assert.Equal(t, ZoneRed, l.HeartRateZone(145))
}

func TestSummaryRecord_DateTimeText(t *testing.T) {
	rec := SummaryRecord{DateTime: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.Equal(t, "2024-01-02 03:04:05", rec.DateTimeText())
}
