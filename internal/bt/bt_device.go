package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/treadmill-bridge/internal/safe_map"
	"tinygo.org/x/bluetooth"
)

type BTDeviceState int

const (
	Disconnected BTDeviceState = iota // 0
	Connecting                        // 1
	Connected                         // 2
)

func (s BTDeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

var ErrNotConnected = errors.New("no connected device")

// BTDevice is a remote GATT server we act as central for
type BTDevice interface {
	GetAddressString() string
	GetLocalName() string
	IsConnected() bool
	GetState() BTDeviceState
	// Disconnected is closed when the current connection goes away
	Disconnected() <-chan struct{}
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	WriteCharacteristicWithoutResponse(serviceUuid string, characteristicUuid string, data []byte) error
}

type btDeviceImpl struct {
	address         bluetooth.Address
	localName       string
	connectedDevice *bluetooth.Device // nil if not connected
	disconnectedCh  chan struct{}
	mu              sync.RWMutex
	bleMu           sync.Mutex // Serializes BLE characteristic operations (notifications, writes)
	logger          *log.Logger
	state           BTDeviceState

	serviceByUuid          *safe_map.SafeMap[string, *bluetooth.DeviceService]
	characteristicByUuid   *safe_map.SafeMap[string, *bluetooth.DeviceCharacteristic]
	serviceCharsDiscovered *safe_map.SafeMap[string, bool]
	allServicesDiscovered  bool
}

func newBtDeviceImpl(logger *log.Logger, address bluetooth.Address, localName string) *btDeviceImpl {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if localName == "" {
		localName = "Unknown"
	}
	closed := make(chan struct{})
	close(closed)
	return &btDeviceImpl{
		logger:                 logger,
		address:                address,
		localName:              localName,
		state:                  Disconnected,
		disconnectedCh:         closed,
		serviceByUuid:          safe_map.NewSafeMap[string, *bluetooth.DeviceService](),
		characteristicByUuid:   safe_map.NewSafeMap[string, *bluetooth.DeviceCharacteristic](),
		serviceCharsDiscovered: safe_map.NewSafeMap[string, bool](),
	}
}

func (b *btDeviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *btDeviceImpl) GetLocalName() string {
	return b.localName
}

func (b *btDeviceImpl) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice != nil
}

func (b *btDeviceImpl) GetState() BTDeviceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *btDeviceImpl) Disconnected() <-chan struct{} {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disconnectedCh
}

func (b *btDeviceImpl) setState(state BTDeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = state
}

// setConnectedDevice swaps the live connection. A nil device closes the
// Disconnected channel and drops the discovery cache.
func (b *btDeviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if device != nil {
		if b.connectedDevice == nil {
			b.disconnectedCh = make(chan struct{})
		}
		b.connectedDevice = device
		b.state = Connected
		return
	}

	if b.connectedDevice != nil {
		close(b.disconnectedCh)
	}
	b.connectedDevice = nil
	b.state = Disconnected
	b.serviceByUuid.Clear()
	b.characteristicByUuid.Clear()
	b.serviceCharsDiscovered.Clear()
	b.allServicesDiscovered = false
}

func (b *btDeviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connectedDevice
}

func (b *btDeviceImpl) EnableNotifications(
	serviceUuidStr string,
	characteristicUuidStr string,
	callbackFunc func(buf []byte)) error {

	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	b.logger.Printf("BTDevice: EnableNotifications called for service=%s char=%s", serviceUuidStr, characteristicUuidStr)

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}

	b.logger.Printf("BTDevice: Notifications enabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	// nil callback disables notifications
	if err := characteristic.EnableNotifications(nil); err != nil {
		return fmt.Errorf("failed to disable notifications: %w", err)
	}

	b.logger.Printf("BTDevice: Notifications disabled for %s", characteristicUuidStr)
	return nil
}

func (b *btDeviceImpl) WriteCharacteristic(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, true)
}

func (b *btDeviceImpl) WriteCharacteristicWithoutResponse(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()
	return b.writeCharacteristic(serviceUuidStr, characteristicUuidStr, data, false)
}

func (b *btDeviceImpl) writeCharacteristic(
	serviceUuidStr string,
	characteristicUuidStr string,
	data []byte,
	waitForResponse bool) error {

	characteristic, err := b.lookupCharacteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}

	if waitForResponse {
		_, err = characteristic.Write(data)
	} else {
		_, err = characteristic.WriteWithoutResponse(data)
	}
	if err != nil {
		return fmt.Errorf("failed to write characteristic: %w", err)
	}
	return nil
}

func (b *btDeviceImpl) lookupCharacteristic(serviceUuidStr, characteristicUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUuidStr, err)
	}
	characteristicUuid, err := bluetooth.ParseUUID(characteristicUuidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", characteristicUuidStr, err)
	}
	return b.getDeviceCharacteristic(serviceUuid, characteristicUuid)
}

func (b *btDeviceImpl) getDeviceService(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connectedDevice := b.getConnectedDevice()
	if connectedDevice == nil {
		return nil, ErrNotConnected
	}

	serviceUuidStr := serviceUuid.String()
	if service, ok := b.serviceByUuid.Load(serviceUuidStr); ok {
		return service, nil
	}

	// Discover everything once. Discovering a single service again later
	// interrupts notifications already running on another one.
	if !b.allServicesDiscovered {
		b.logger.Printf("BTDevice: Discovering all services for device")
		deviceServices, err := connectedDevice.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range deviceServices {
			svc := &deviceServices[i]
			b.serviceByUuid.Store(svc.UUID().String(), svc)
			b.logger.Printf("BTDevice: Cached service %s", svc.UUID().String())
		}
		b.allServicesDiscovered = true
	}

	service, ok := b.serviceByUuid.Load(serviceUuidStr)
	if !ok {
		return nil, fmt.Errorf("service %v not found on device", serviceUuidStr)
	}
	return service, nil
}

func (b *btDeviceImpl) getDeviceCharacteristic(serviceUuid bluetooth.UUID, charUuid bluetooth.UUID) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuidStr := serviceUuid.String()
	comboUuidStr := serviceUuidStr + "_" + charUuid.String()

	if characteristic, ok := b.characteristicByUuid.Load(comboUuidStr); ok {
		return characteristic, nil
	}

	if discovered, _ := b.serviceCharsDiscovered.Load(serviceUuidStr); !discovered {
		service, err := b.getDeviceService(serviceUuid)
		if err != nil {
			return nil, err
		}

		b.logger.Printf("BTDevice: Discovering all characteristics for service %s", serviceUuidStr)
		discoveredCharacteristics, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %v: %w", serviceUuidStr, err)
		}
		for i := range discoveredCharacteristics {
			char := &discoveredCharacteristics[i]
			b.characteristicByUuid.Store(serviceUuidStr+"_"+char.UUID().String(), char)
		}
		b.serviceCharsDiscovered.Store(serviceUuidStr, true)
	}

	characteristic, ok := b.characteristicByUuid.Load(comboUuidStr)
	if !ok {
		return nil, fmt.Errorf("characteristic %v not found in service %v", charUuid.String(), serviceUuidStr)
	}
	return characteristic, nil
}
