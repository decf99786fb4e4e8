package bt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/treadmill-bridge/internal/events"
	"github.com/lowaak/treadmill-bridge/internal/ftms"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"
)

// MockTreadmill implements BTDevice as a simulated FTMS treadmill. Speed set
// through the control point is integrated into distance, energy and elapsed
// time and pushed as Treadmill Data notifications.
type MockTreadmill struct {
	logger    *log.Logger
	address   string
	localName string

	mu               sync.RWMutex
	state            BTDeviceState
	disconnectedCh   chan struct{}
	dataCallback     func([]byte)
	controlCallback  func([]byte)
	heartRateEnabled bool

	speedCentiKmh uint16
	distanceM     float64
	elapsedS      float64
	energyKcal    float64
	heartRate     uint8

	// injected failures, consumed by the next matching call
	writeErr              error
	writeWithoutRespErr   error
	enableNotificationErr error

	writtenValues   []WrittenValue
	writtenValuesMu sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time `json:"timestamp"`
	ServiceUUID        string    `json:"serviceUuid"`
	CharacteristicUUID string    `json:"characteristicUuid"`
	Data               []byte    `json:"data"`
	DataHex            string    `json:"dataHex"`
	Description        string    `json:"description"`
}

// Verify MockTreadmill implements BTDevice
var _ BTDevice = (*MockTreadmill)(nil)

func NewMockTreadmill(logger *log.Logger, address string, localName string) *MockTreadmill {
	if logger == nil {
		panic("MockTreadmill: logger cannot be nil")
	}
	closed := make(chan struct{})
	close(closed)
	return &MockTreadmill{
		logger:         logger,
		address:        strings.ToUpper(address),
		localName:      localName,
		state:          Disconnected,
		disconnectedCh: closed,
		heartRate:      70,
		writtenValues:  make([]WrittenValue, 0),
	}
}

// Run emits one simulated frame per period until Shutdown
func (m *MockTreadmill) Run(period time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancel = cancel
	m.mu.Unlock()

	m.logger.Printf("MockTreadmill: Running %s (%s), one frame every %v", m.localName, m.address, period)
	go_func_utils.SafeGoTracked(m.logger, &m.wg, func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Step(period)
			}
		}
	})
}

func (m *MockTreadmill) Shutdown() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.Printf("MockTreadmill: Shutdown complete")
}

// Step advances the simulation by d and notifies the Treadmill Data subscriber
// when connected.
func (m *MockTreadmill) Step(d time.Duration) {
	m.mu.Lock()
	seconds := d.Seconds()
	speedKmh := float64(m.speedCentiKmh) / 100.0
	metres := speedKmh / 3.6 * seconds
	m.distanceM += metres
	m.elapsedS += seconds
	// roughly 70 kcal per km
	m.energyKcal += metres * 0.07
	m.heartRate = simulatedHeartRate(speedKmh)

	callback := m.dataCallback
	connected := m.state == Connected
	frame := m.frameLocked()
	m.mu.Unlock()

	if connected && callback != nil {
		callback(frame)
	}
}

func simulatedHeartRate(speedKmh float64) uint8 {
	return uint8(math.Min(70+speedKmh*8, 190))
}

// frameLocked encodes the current state with heart rate included
func (m *MockTreadmill) frameLocked() []byte {
	sample := ftms.TreadmillSample{
		SpeedCentiKmh: m.speedCentiKmh,
		DistanceM:     uint32(m.distanceM),
		EnergyKcal:    uint16(m.energyKcal),
		ElapsedS:      uint16(m.elapsedS),
	}
	frame := ftms.EncodeTreadmillData(sample)
	if !m.heartRateEnabled {
		return frame
	}

	// splice the heart rate byte between energy and elapsed time
	flags := ftms.OutboundTreadmillFlags | 1<<8
	out := make([]byte, 0, len(frame)+1)
	out = append(out, byte(flags&0xFF), byte(flags>>8))
	out = append(out, frame[2:12]...)
	out = append(out, m.heartRate)
	return append(out, frame[12:]...)
}

// Inject delivers a raw notification to the Treadmill Data subscriber
func (m *MockTreadmill) Inject(frame []byte) {
	m.mu.RLock()
	callback := m.dataCallback
	m.mu.RUnlock()
	if callback != nil {
		callback(frame)
	}
}

// SetSpeedCentiKmh changes the simulated belt speed
func (m *MockTreadmill) SetSpeedCentiKmh(speed uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speedCentiKmh = speed
}

func (m *MockTreadmill) SpeedCentiKmh() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.speedCentiKmh
}

// SetDistanceM jumps the simulated odometer
func (m *MockTreadmill) SetDistanceM(distance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distanceM = distance
}

// SetHeartRateEnabled makes frames carry the heart rate field
func (m *MockTreadmill) SetHeartRateEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartRateEnabled = enabled
}

// FailNextWrite makes the next write with response return err
func (m *MockTreadmill) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailNextWriteWithoutResponse makes the next write without response return err
func (m *MockTreadmill) FailNextWriteWithoutResponse(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeWithoutRespErr = err
}

// FailNextEnableNotifications makes the next EnableNotifications return err
func (m *MockTreadmill) FailNextEnableNotifications(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enableNotificationErr = err
}

// SetConnected changes the connection state of the mock device
func (m *MockTreadmill) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		if m.state != Connected {
			m.disconnectedCh = make(chan struct{})
		}
		m.state = Connected
		m.logger.Printf("MockTreadmill: State changed to Connected")
		return
	}
	if m.state == Connected {
		close(m.disconnectedCh)
	}
	m.state = Disconnected
	m.dataCallback = nil
	m.controlCallback = nil
	m.logger.Printf("MockTreadmill: State changed to Disconnected")
}

// WrittenValues returns a copy of every characteristic write so far
func (m *MockTreadmill) WrittenValues() []WrittenValue {
	m.writtenValuesMu.RLock()
	defer m.writtenValuesMu.RUnlock()
	out := make([]WrittenValue, len(m.writtenValues))
	copy(out, m.writtenValues)
	return out
}

// --- BTDevice Interface Implementation ---

func (m *MockTreadmill) GetAddressString() string {
	return m.address
}

func (m *MockTreadmill) GetLocalName() string {
	return m.localName
}

func (m *MockTreadmill) IsConnected() bool {
	return m.GetState() == Connected
}

func (m *MockTreadmill) GetState() BTDeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockTreadmill) Disconnected() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disconnectedCh
}

func (m *MockTreadmill) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return ErrNotConnected
	}
	if err := m.enableNotificationErr; err != nil {
		m.enableNotificationErr = nil
		return err
	}

	switch {
	case serviceUuid == ftms.ServiceUUIDFTMS && characteristicUuid == ftms.CharUUIDTreadmillData:
		m.dataCallback = callbackFunc
		m.logger.Printf("MockTreadmill [%s]: Treadmill data notifications enabled", m.localName)
	case serviceUuid == ftms.ServiceUUIDFTMS && isControlPoint(characteristicUuid):
		m.controlCallback = callbackFunc
		m.logger.Printf("MockTreadmill [%s]: Control point indications enabled", m.localName)
	default:
		return fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
	}
	return nil
}

func (m *MockTreadmill) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case serviceUuid == ftms.ServiceUUIDFTMS && characteristicUuid == ftms.CharUUIDTreadmillData:
		m.dataCallback = nil
	case serviceUuid == ftms.ServiceUUIDFTMS && isControlPoint(characteristicUuid):
		m.controlCallback = nil
	default:
		return fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
	}
	return nil
}

// the original firmware exposed its control point under 2ACE or 2ACC
func isControlPoint(uuid string) bool {
	switch strings.ToLower(uuid) {
	case ftms.CharUUIDFTMSControlPoint,
		"00002ace-0000-1000-8000-00805f9b34fb",
		"00002acc-0000-1000-8000-00805f9b34fb":
		return true
	}
	return false
}

func (m *MockTreadmill) WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error {
	m.mu.Lock()
	err := m.writeErr
	m.writeErr = nil
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.writeCharacteristicInternal(serviceUuid, characteristicUuid, data)
}

func (m *MockTreadmill) WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error {
	m.mu.Lock()
	err := m.writeWithoutRespErr
	m.writeWithoutRespErr = nil
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.writeCharacteristicInternal(serviceUuid, characteristicUuid, data)
}

func (m *MockTreadmill) writeCharacteristicInternal(serviceUuid string, characteristicUuid string, data []byte) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	if serviceUuid != ftms.ServiceUUIDFTMS || !isControlPoint(characteristicUuid) {
		return fmt.Errorf("characteristic not writable: %s/%s", serviceUuid, characteristicUuid)
	}

	m.writtenValuesMu.Lock()
	m.writtenValues = append(m.writtenValues, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUuid,
		CharacteristicUUID: characteristicUuid,
		Data:               append([]byte(nil), data...),
		DataHex:            hex.EncodeToString(data),
		Description:        describeControl(data),
	})
	// Keep only last 100 writes
	if len(m.writtenValues) > 100 {
		m.writtenValues = m.writtenValues[len(m.writtenValues)-100:]
	}
	m.writtenValuesMu.Unlock()

	m.handleControl(data)
	return nil
}

var errMalformedSpeed = errors.New("malformed target speed")

func targetSpeedOf(data []byte) (float64, error) {
	switch {
	case data[0] == ftms.OpCodeSetTargetSpeedLegacy && len(data) >= 4:
		return ftms.DecodeSFloat([2]byte{data[2], data[3]}), nil
	case data[0] == ftms.OpCodeSetTargetSpeed && len(data) >= 3:
		return ftms.DecodeSFloat([2]byte{data[1], data[2]}), nil
	}
	return 0, errMalformedSpeed
}

func describeControl(data []byte) string {
	if len(data) == 0 {
		return "empty"
	}
	switch data[0] {
	case ftms.OpCodeSetTargetSpeedLegacy, ftms.OpCodeSetTargetSpeed:
		kmh, err := targetSpeedOf(data)
		if err != nil {
			return ftms.OpCodeName(data[0]) + " (malformed)"
		}
		return fmt.Sprintf("%s: %.2f km/h", ftms.OpCodeName(data[0]), kmh)
	default:
		return ftms.OpCodeName(data[0])
	}
}

func (m *MockTreadmill) handleControl(data []byte) {
	if len(data) == 0 {
		return
	}

	result := ftms.ResultSuccess
	switch data[0] {
	case ftms.OpCodeRequestControl, ftms.OpCodeStartOrResume:
	case ftms.OpCodeSetTargetSpeedLegacy, ftms.OpCodeSetTargetSpeed:
		kmh, err := targetSpeedOf(data)
		if err != nil {
			result = ftms.ResultInvalidParameter
			break
		}
		m.SetSpeedCentiKmh(uint16(math.Round(kmh * 100)))
		m.logger.Printf("MockTreadmill: Target speed set to %.2f km/h", kmh)
	default:
		result = ftms.ResultOpCodeNotSupported
	}

	m.mu.RLock()
	callback := m.controlCallback
	m.mu.RUnlock()
	if callback != nil {
		callback([]byte{ftms.OpCodeResponseCode, data[0], result})
	}
}

// --- MockBTManager ---

// MockBTManager hands out a single MockTreadmill
type MockBTManager struct {
	logger          *log.Logger
	treadmill       *MockTreadmill
	connectionEvent *events.ChannelEvent[ConnectionChange]

	mu              sync.Mutex
	connectFailures int
	connectAttempts int
}

// Verify MockBTManager implements BTManagerInterface
var _ BTManagerInterface = (*MockBTManager)(nil)

func NewMockBTManager(logger *log.Logger, treadmill *MockTreadmill) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if treadmill == nil {
		panic("MockBTManager: treadmill cannot be nil")
	}
	return &MockBTManager{
		logger:          logger,
		treadmill:       treadmill,
		connectionEvent: events.NewChannelEvent[ConnectionChange](false),
	}
}

func (m *MockBTManager) Enable() error {
	m.logger.Printf("MockBTManager: Enabled with %s (%s)", m.treadmill.localName, m.treadmill.address)
	return nil
}

// FailConnects makes the next n Connect calls fail
func (m *MockBTManager) FailConnects(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectFailures = n
}

// ConnectAttempts returns how many times Connect was called
func (m *MockBTManager) ConnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectAttempts
}

func (m *MockBTManager) Connect(ctx context.Context, address string) (BTDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connectAttempts++
	fail := m.connectFailures > 0
	if fail {
		m.connectFailures--
	}
	m.mu.Unlock()

	addressStr := normalizeAddress(address)
	if addressStr != m.treadmill.address {
		return nil, fmt.Errorf("device %s not found", addressStr)
	}
	if fail {
		return nil, fmt.Errorf("failed to connect to %s: simulated failure", addressStr)
	}

	m.treadmill.SetConnected(true)
	m.connectionEvent.Notify(ConnectionChange{Address: addressStr, Connected: true})
	return m.treadmill, nil
}

func (m *MockBTManager) Disconnect(device BTDevice) error {
	if device.GetAddressString() != m.treadmill.address {
		return fmt.Errorf("could not find device for %s", device.GetAddressString())
	}
	if !m.treadmill.IsConnected() {
		return nil
	}
	m.treadmill.SetConnected(false)
	m.connectionEvent.Notify(ConnectionChange{Address: m.treadmill.address, Connected: false})
	return nil
}

// DropConnection simulates the treadmill going out of range
func (m *MockBTManager) DropConnection() {
	m.logger.Println("MockBTManager: Dropping connection")
	m.treadmill.SetConnected(false)
	m.connectionEvent.Notify(ConnectionChange{Address: m.treadmill.address, Connected: false})
}

func (m *MockBTManager) ListenToConnectionChanges(ch chan<- ConnectionChange) func() {
	return m.connectionEvent.Listen(ch)
}

func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	if m.treadmill.IsConnected() {
		_ = m.Disconnect(m.treadmill)
	}
	m.treadmill.Shutdown()
}
