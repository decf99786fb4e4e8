package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/treadmill-bridge/internal/events"
	"github.com/lowaak/treadmill-bridge/internal/go_func_utils"

	"tinygo.org/x/bluetooth"
)

// ConnectionChange is emitted whenever a known device connects or disconnects
type ConnectionChange struct {
	Address   string
	Connected bool
}

// BTManagerInterface is the central role: find a device by address and connect to it
type BTManagerInterface interface {
	Enable() error
	Connect(ctx context.Context, address string) (BTDevice, error)
	Disconnect(device BTDevice) error
	ListenToConnectionChanges(ch chan<- ConnectionChange) func()
	Shutdown()
}

// Verify BTManager implements BTManagerInterface
var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter          *bluetooth.Adapter
	devicesByAddress map[string]*btDeviceImpl
	mu               sync.RWMutex
	scanMu           sync.Mutex
	scanTimeout      time.Duration
	connectionEvent  *events.ChannelEvent[ConnectionChange]
	fallbackHandler  func(device bluetooth.Device, connected bool)
	wg               sync.WaitGroup
	logger           *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout time.Duration) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	return &BTManager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*btDeviceImpl),
		scanTimeout:      scanTimeout,
		connectionEvent:  events.NewChannelEvent[ConnectionChange](false),
		logger:           logger,
	}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

func (m *BTManager) Enable() error {
	// Track disconnections reported by the stack
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addressStr := normalizeAddress(device.Address.String())

		m.mu.RLock()
		d, ok := m.devicesByAddress[addressStr]
		fallback := m.fallbackHandler
		m.mu.RUnlock()
		if !ok {
			// not a device we dialed, e.g. a central connecting to our GATT server
			if fallback != nil {
				fallback(device, connected)
			}
			return
		}

		if connected {
			m.logger.Printf("BTManager: Device connected: %s", addressStr)
		} else {
			m.logger.Printf("BTManager: Device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
		}
		m.connectionEvent.Notify(ConnectionChange{Address: addressStr, Connected: connected})
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable adapter: %w", err)
	}
	return nil
}

// SetFallbackConnectHandler receives connection changes for devices this manager
// did not connect to. Used when the GATT server shares the central's adapter.
func (m *BTManager) SetFallbackConnectHandler(handler func(device bluetooth.Device, connected bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbackHandler = handler
}

// Connect scans until address shows up (or the scan times out) and connects to it
func (m *BTManager) Connect(ctx context.Context, address string) (BTDevice, error) {
	addressStr := normalizeAddress(address)
	m.logger.Printf("BTManager: Attempting to connect to device: %s", addressStr)

	result, err := m.scanFor(ctx, addressStr)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	d, ok := m.devicesByAddress[addressStr]
	if !ok {
		d = newBtDeviceImpl(m.logger, result.Address, result.LocalName())
		m.devicesByAddress[addressStr] = d
	}
	m.mu.Unlock()

	d.setState(Connecting)
	device, err := m.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		d.setState(Disconnected)
		return nil, fmt.Errorf("failed to connect to %s: %w", addressStr, err)
	}
	d.setConnectedDevice(&device)

	m.logger.Printf("BTManager: Connected to %s (%s)", d.GetLocalName(), addressStr)
	return d, nil
}

func (m *BTManager) scanFor(ctx context.Context, addressStr string) (bluetooth.ScanResult, error) {
	// the adapter only runs one scan at a time
	m.scanMu.Lock()
	defer m.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.scanTimeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	go_func_utils.SafeGoTracked(m.logger, &m.wg, func() {
		scanDone <- m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			if normalizeAddress(device.Address.String()) != addressStr {
				return
			}
			select {
			case found <- device:
				m.logger.Printf("BTManager: Found device: %s (%s) [RSSI: %d]", device.LocalName(), addressStr, device.RSSI)
			default:
			}
			if err := adapter.StopScan(); err != nil {
				m.logger.Printf("BTManager: Error stopping scan: %v", err)
			}
		})
	})

	select {
	case result := <-found:
		<-scanDone
		return result, nil
	case err := <-scanDone:
		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("scan failed: %w", err)
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan ended without finding %s", addressStr)
	case <-ctx.Done():
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("BTManager: Error stopping scan: %v", err)
		}
		<-scanDone
		return bluetooth.ScanResult{}, fmt.Errorf("device %s not found: %w", addressStr, ctx.Err())
	}
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := normalizeAddress(device.GetAddressString())

	m.mu.RLock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("could not find device for %s", addressStr)
	}

	innerDevice := d.getConnectedDevice()
	if innerDevice == nil {
		m.logger.Printf("BTManager: %s already disconnected", addressStr)
		return nil
	}

	m.logger.Printf("BTManager: Disconnecting from %s", addressStr)
	err := innerDevice.Disconnect()
	d.setConnectedDevice(nil)
	if err != nil {
		return fmt.Errorf("failed to disconnect %s: %w", addressStr, err)
	}
	return nil
}

// ListenToConnectionChanges registers a channel to receive connect/disconnect changes
func (m *BTManager) ListenToConnectionChanges(ch chan<- ConnectionChange) func() {
	return m.connectionEvent.Listen(ch)
}

// Shutdown disconnects every device and waits for scan goroutines to finish
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")

	m.mu.RLock()
	devices := make([]*btDeviceImpl, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		devices = append(devices, d)
	}
	m.mu.RUnlock()

	for _, d := range devices {
		if !d.IsConnected() {
			continue
		}
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("BTManager: Error disconnecting from %v: %v", d.GetAddressString(), err)
		}
	}
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}
