package ftms

// Bluetooth Service and Characteristic UUIDs used by a treadmill
const (
	// Fitness Machine Service
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDTreadmillData    = "00002acd-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"

	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
)

// 16-bit short forms for the GATT server side
const (
	ServiceShortFTMS              uint16 = 0x1826
	CharShortTreadmillData        uint16 = 0x2ACD
	ServiceShortHeartRate         uint16 = 0x180D
	CharShortHeartRateMeasurement uint16 = 0x2A37
)

// Treadmill Data flag bits
const (
	tdFlagMoreData            uint16 = 1 << 0
	tdFlagAverageSpeed        uint16 = 1 << 1
	tdFlagTotalDistance       uint16 = 1 << 2
	tdFlagInclination         uint16 = 1 << 3
	tdFlagElevationGain       uint16 = 1 << 4
	tdFlagInstantaneousPace   uint16 = 1 << 5
	tdFlagAveragePace         uint16 = 1 << 6
	tdFlagExpendedEnergy      uint16 = 1 << 7
	tdFlagHeartRate           uint16 = 1 << 8
	tdFlagMetabolicEquivalent uint16 = 1 << 9
	tdFlagElapsedTime         uint16 = 1 << 10
	tdFlagRemainingTime       uint16 = 1 << 11
	tdFlagForceAndPower       uint16 = 1 << 12
)

// OutboundTreadmillFlags advertises distance, energy and elapsed time.
const OutboundTreadmillFlags = tdFlagTotalDistance | tdFlagExpendedEnergy | tdFlagElapsedTime

// FTMS Control Point op codes
const (
	OpCodeRequestControl       byte = 0x00
	OpCodeSetTargetSpeedLegacy byte = 0x01
	OpCodeSetTargetSpeed       byte = 0x02
	OpCodeStartOrResume        byte = 0x07
	OpCodeResponseCode         byte = 0x80
)

// FTMS Control Point result codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)
