package session

import "time"

// Zone classifies a live value against the configured limits
type Zone string

const (
	ZoneGreen  Zone = "green"
	ZoneYellow Zone = "yellow"
	ZoneRed    Zone = "red"
)

// Limits are the yellow/red thresholds for speed (km/h) and heart rate (bpm)
type Limits struct {
	SpeedYellow float64 `json:"speed_yellow" mapstructure:"speed_yellow"`
	SpeedRed    float64 `json:"speed_red" mapstructure:"speed_red"`
	BpmYellow   int     `json:"bpm_yellow" mapstructure:"bpm_yellow"`
	BpmRed      int     `json:"bpm_red" mapstructure:"bpm_red"`
}

func DefaultLimits() Limits {
	return Limits{
		SpeedYellow: 10.0,
		SpeedRed:    12.0,
		BpmYellow:   120,
		BpmRed:      140,
	}
}

func (l Limits) SpeedZone(kmh float64) Zone {
	switch {
	case kmh < l.SpeedYellow:
		return ZoneGreen
	case kmh < l.SpeedRed:
		return ZoneYellow
	default:
		return ZoneRed
	}
}

func (l Limits) HeartRateZone(bpm int) Zone {
	switch {
	case bpm < l.BpmYellow:
		return ZoneGreen
	case bpm < l.BpmRed:
		return ZoneYellow
	default:
		return ZoneRed
	}
}

// LapRecord is one completed kilometer. Deltas are relative to the previous lap.
type LapRecord struct {
	Number        int     `json:"lap"`
	LapElapsedS   int     `json:"lap_time"`
	LapEnergyKcal int     `json:"lap_kcal"`
	AvgSpeedKmh   float64 `json:"avg_speed"`
	AvgPace       string  `json:"avg_pace"`
	AvgHeartRate  float64 `json:"avg_bpm"`
	ElapsedS      int     `json:"elapsed"`
	EnergyKcal    int     `json:"kcal"`
}

// LiveMetrics is the latest known state of the running session
type LiveMetrics struct {
	Active             bool        `json:"active"`
	SpeedKmh           float64     `json:"speed"`
	SpeedCentiKmh      uint16      `json:"speed_raw"`
	Pace               string      `json:"pace"`
	DistanceM          uint32      `json:"distance_m"`
	DistanceKm         float64     `json:"distance"`
	InclinationPercent float64     `json:"inclination"`
	ElapsedS           uint16      `json:"running_time"`
	EnergyKcal         uint16      `json:"energy"`
	HeartRateBpm       uint8       `json:"bpm"`
	SpeedZone          Zone        `json:"speed_zone"`
	HeartRateZone      Zone        `json:"bpm_zone"`
	Limits             Limits      `json:"limits"`
	Laps               []LapRecord `json:"average_speeds"`
}

func (m LiveMetrics) clone() LiveMetrics {
	out := m
	out.Laps = make([]LapRecord, len(m.Laps))
	copy(out.Laps, m.Laps)
	return out
}

// RecordKind tells why a SummaryRecord was produced
type RecordKind string

const (
	KindStart  RecordKind = "start"
	KindLap    RecordKind = "lap"
	KindManual RecordKind = "manual"
)

// DateTimeLayout is the text form used for record timestamps
const DateTimeLayout = "2006-01-02 15:04:05"

// SummaryRecord is a session summary handed to persistence
type SummaryRecord struct {
	ID          string     `json:"id"`
	Kind        RecordKind `json:"kind"`
	DateTime    time.Time  `json:"-"`
	Km          int        `json:"km"`
	ElapsedS    int        `json:"elapsed"`
	AvgSpeedKmh float64    `json:"avg_speed"`
	AvgBpm      float64    `json:"avg_bpm"`
	EnergyKcal  int        `json:"kcal"`
}

// DateTimeText formats DateTime with DateTimeLayout
func (r SummaryRecord) DateTimeText() string {
	return r.DateTime.Format(DateTimeLayout)
}
