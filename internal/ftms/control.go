package ftms

import (
	"fmt"
	"strings"
)

// SpeedProfile selects the Set Target Speed payload layout a treadmill accepts.
type SpeedProfile string

const (
	// ProfileLegacy writes [0x01, 0x00, sfloat lo, sfloat hi].
	ProfileLegacy SpeedProfile = "legacy"
	// ProfileFTMS writes [0x02, sfloat lo, sfloat hi].
	ProfileFTMS SpeedProfile = "ftms"
)

// ParseSpeedProfile accepts "legacy" or "ftms", case insensitive.
func ParseSpeedProfile(s string) (SpeedProfile, error) {
	switch SpeedProfile(strings.ToLower(strings.TrimSpace(s))) {
	case ProfileLegacy:
		return ProfileLegacy, nil
	case ProfileFTMS:
		return ProfileFTMS, nil
	default:
		return "", fmt.Errorf("unknown speed profile %q", s)
	}
}

// ControlCommand is a single control point write.
type ControlCommand struct {
	OpCode  byte
	Payload []byte
}

// Bytes returns the wire form of the command.
func (c ControlCommand) Bytes() []byte {
	out := make([]byte, 0, 1+len(c.Payload))
	out = append(out, c.OpCode)
	return append(out, c.Payload...)
}

func (c ControlCommand) String() string {
	return fmt.Sprintf("%s %v", OpCodeName(c.OpCode), c.Payload)
}

// SetTargetSpeed builds the target speed command for the given profile.
func SetTargetSpeed(profile SpeedProfile, kmh float64) ControlCommand {
	encoded := EncodeSFloat(kmh)
	if profile == ProfileFTMS {
		return ControlCommand{OpCode: OpCodeSetTargetSpeed, Payload: []byte{encoded[0], encoded[1]}}
	}
	return ControlCommand{OpCode: OpCodeSetTargetSpeedLegacy, Payload: []byte{0x00, encoded[0], encoded[1]}}
}

func RequestControl() ControlCommand {
	return ControlCommand{OpCode: OpCodeRequestControl}
}

func StartOrResume() ControlCommand {
	return ControlCommand{OpCode: OpCodeStartOrResume}
}

// ControlResponse is a control point indication: [0x80, RequestOpCode, ResultCode, ...]
type ControlResponse struct {
	RequestOpCode byte
	ResultCode    byte
}

func (r ControlResponse) Success() bool {
	return r.ResultCode == ResultSuccess
}

func (r ControlResponse) String() string {
	return fmt.Sprintf("%s -> %s", OpCodeName(r.RequestOpCode), ResultName(r.ResultCode))
}

// ParseControlResponse parses a control point indication.
func ParseControlResponse(buf []byte) (ControlResponse, error) {
	if len(buf) < 3 {
		return ControlResponse{}, fmt.Errorf("control point response too short: %d bytes", len(buf))
	}
	if buf[0] != OpCodeResponseCode {
		return ControlResponse{}, fmt.Errorf("unexpected op code: 0x%02X", buf[0])
	}
	return ControlResponse{RequestOpCode: buf[1], ResultCode: buf[2]}, nil
}

func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "Request Control"
	case OpCodeSetTargetSpeedLegacy:
		return "Set Target Speed (legacy)"
	case OpCodeSetTargetSpeed:
		return "Set Target Speed"
	case OpCodeStartOrResume:
		return "Start/Resume"
	default:
		return fmt.Sprintf("OpCode 0x%02X", op)
	}
}

func ResultName(code byte) string {
	switch code {
	case ResultSuccess:
		return "Success"
	case ResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case ResultInvalidParameter:
		return "Invalid Parameter"
	case ResultOperationFailed:
		return "Operation Failed"
	case ResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", code)
	}
}
