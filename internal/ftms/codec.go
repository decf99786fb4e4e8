package ftms

import (
	"fmt"
	"math"
)

// PaceFromSpeed converts a speed in hundredths of km/h into a "M:SS" min/km pace.
// Minutes and seconds are both truncated, never rounded.
func PaceFromSpeed(hundredthsKmh float64) string {
	if hundredthsKmh <= 0 {
		return "0:00"
	}
	pace := 60.0 / (hundredthsKmh / 100.0)
	minutes := int(pace)
	seconds := int((pace - float64(minutes)) * 60.0)
	return fmt.Sprintf("%d:%02d", minutes, seconds)
}

const (
	sfloatMaxExponent = 7
	sfloatMaxMantissa = 4095
)

// EncodeSFloat packs v into the 2 byte sign/exponent/mantissa form written to
// the control point, little-endian.
func EncodeSFloat(v float64) [2]byte {
	if v == 0 {
		return [2]byte{0x00, 0x00}
	}

	var sign uint16
	if v < 0 {
		sign = 1
		v = -v
	}

	exponent := 0
	mantissa := v
	for mantissa >= 2048 && exponent < sfloatMaxExponent {
		mantissa /= 10
		exponent++
	}
	mantissa = math.RoundToEven(mantissa)
	if mantissa > sfloatMaxMantissa {
		mantissa = sfloatMaxMantissa
		exponent = sfloatMaxExponent
	}

	raw := sign<<15 | uint16(exponent)<<12 | (uint16(mantissa) & 0x0FFF)
	return [2]byte{byte(raw & 0xFF), byte(raw >> 8)}
}

// DecodeSFloat is the inverse of EncodeSFloat.
func DecodeSFloat(b [2]byte) float64 {
	raw := uint16(b[0]) | (uint16(b[1]) << 8)
	mantissa := float64(raw & 0x0FFF)
	exponent := int((raw >> 12) & 0x07)
	v := mantissa * math.Pow10(exponent)
	if raw&0x8000 != 0 {
		v = -v
	}
	return v
}
