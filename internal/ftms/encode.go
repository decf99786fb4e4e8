package ftms

// TreadmillFrameLen is the size of frames built by EncodeTreadmillData.
const TreadmillFrameLen = 14

// EncodeTreadmillData builds the outbound Treadmill Data frame. Flags always
// advertise distance, energy and elapsed time, whatever Has* flags the sample carries.
func EncodeTreadmillData(s TreadmillSample) []byte {
	buf := make([]byte, TreadmillFrameLen)
	buf[0] = byte(OutboundTreadmillFlags & 0xFF)
	buf[1] = byte(OutboundTreadmillFlags >> 8)

	buf[2] = byte(s.SpeedCentiKmh & 0xFF)
	buf[3] = byte(s.SpeedCentiKmh >> 8)

	// UINT24 meters
	buf[4] = byte(s.DistanceM & 0xFF)
	buf[5] = byte((s.DistanceM >> 8) & 0xFF)
	buf[6] = byte((s.DistanceM >> 16) & 0xFF)

	buf[7] = byte(s.EnergyKcal & 0xFF)
	buf[8] = byte(s.EnergyKcal >> 8)
	// buf[9:12] energy per hour / per minute, left zero

	buf[12] = byte(s.ElapsedS & 0xFF)
	buf[13] = byte(s.ElapsedS >> 8)
	return buf
}

// EncodeHeartRate builds a Heart Rate Measurement frame with a UINT8 value.
func EncodeHeartRate(bpm uint8) []byte {
	return []byte{0x00, bpm}
}
