package ftms

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned for frames too short to carry flags and speed.
	ErrEmpty = errors.New("treadmill data frame empty")
	// ErrTruncated is returned when a flagged field runs past the end of the frame.
	ErrTruncated = errors.New("treadmill data frame truncated")
)

// DecodeError describes a malformed Treadmill Data frame.
type DecodeError struct {
	Field  string
	Offset int
	Len    int
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %d bytes", e.Err, e.Len)
	}
	return fmt.Sprintf("%v: buffer too short for %s at offset %d (len %d)", e.Err, e.Field, e.Offset, e.Len)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TreadmillSample holds the fields of one Treadmill Data notification.
// Optional fields are only meaningful when the matching Has* flag is set.
type TreadmillSample struct {
	Flags         uint16
	SpeedCentiKmh uint16

	HasTotalDistance bool
	DistanceM        uint32

	HasInclination      bool
	InclinationPermille int16

	HasExpendedEnergy bool
	EnergyKcal        uint16

	HasHeartRate bool
	HeartRateBpm uint8

	HasElapsedTime bool
	ElapsedS       uint16
}

// SpeedKmh returns the instantaneous speed in km/h.
func (s TreadmillSample) SpeedKmh() float64 {
	return float64(s.SpeedCentiKmh) / 100.0
}

// InclinationPercent returns the inclination in percent.
func (s TreadmillSample) InclinationPercent() float64 {
	return float64(s.InclinationPermille) / 10.0
}

type tdField struct {
	flag  uint16
	name  string
	width int
}

// Field widths as laid out on the wire, in ascending flag bit order.
var treadmillFields = []tdField{
	{tdFlagAverageSpeed, "average speed", 2},
	{tdFlagTotalDistance, "total distance", 3},
	{tdFlagInclination, "inclination", 4},
	{tdFlagElevationGain, "elevation gain", 4},
	{tdFlagInstantaneousPace, "instantaneous pace", 1},
	{tdFlagAveragePace, "average pace", 1},
	{tdFlagExpendedEnergy, "expended energy", 5},
	{tdFlagHeartRate, "heart rate", 1},
	{tdFlagMetabolicEquivalent, "metabolic equivalent", 1},
	{tdFlagElapsedTime, "elapsed time", 2},
	{tdFlagRemainingTime, "remaining time", 2},
	{tdFlagForceAndPower, "force on belt and power output", 4},
}

func le16(buf []byte, offset int) uint16 {
	return uint16(buf[offset]) | (uint16(buf[offset+1]) << 8)
}

// Decode parses a Treadmill Data characteristic notification.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func Decode(buf []byte) (TreadmillSample, error) {
	if len(buf) < 4 {
		return TreadmillSample{}, &DecodeError{Len: len(buf), Err: ErrEmpty}
	}

	sample := TreadmillSample{
		Flags:         le16(buf, 0),
		SpeedCentiKmh: le16(buf, 2),
	}
	offset := 4

	for _, field := range treadmillFields {
		if sample.Flags&field.flag == 0 {
			continue
		}
		if offset+field.width > len(buf) {
			return TreadmillSample{}, &DecodeError{Field: field.name, Offset: offset, Len: len(buf), Err: ErrTruncated}
		}

		switch field.flag {
		case tdFlagTotalDistance:
			// UINT24 split as a 16-bit low part and an 8-bit high part
			sample.HasTotalDistance = true
			sample.DistanceM = uint32(le16(buf, offset)) | (uint32(buf[offset+2]) << 16)
		case tdFlagInclination:
			sample.HasInclination = true
			sample.InclinationPermille = int16(le16(buf, offset))
		case tdFlagExpendedEnergy:
			// only total energy is used, per hour and per minute are skipped
			sample.HasExpendedEnergy = true
			sample.EnergyKcal = le16(buf, offset)
		case tdFlagHeartRate:
			sample.HasHeartRate = true
			sample.HeartRateBpm = buf[offset]
		case tdFlagElapsedTime:
			sample.HasElapsedTime = true
			sample.ElapsedS = le16(buf, offset)
		}
		offset += field.width
	}

	return sample, nil
}
