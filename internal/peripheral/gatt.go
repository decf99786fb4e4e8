package peripheral

import (
	"fmt"
	"log"

	"tinygo.org/x/bluetooth"

	"github.com/lowaak/treadmill-bridge/internal/ftms"
)

// GATTServer holds the emulated treadmill's services on a local adapter
type GATTServer struct {
	adapter       *bluetooth.Adapter
	treadmillChar bluetooth.Characteristic
	heartRateChar bluetooth.Characteristic
	adv           *bluetooth.Advertisement
	logger        *log.Logger
}

// NewGATTServer registers the FTMS and Heart Rate services and starts
// advertising under localName. The adapter must already be enabled.
func NewGATTServer(adapter *bluetooth.Adapter, localName string, logger *log.Logger) (*GATTServer, error) {
	if adapter == nil {
		panic("GATTServer: adapter cannot be nil")
	}
	if logger == nil {
		panic("GATTServer: logger cannot be nil")
	}
	g := &GATTServer{adapter: adapter, logger: logger}

	err := adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.New16BitUUID(ftms.ServiceShortFTMS),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &g.treadmillChar,
				UUID:   bluetooth.New16BitUUID(ftms.CharShortTreadmillData),
				Flags:  bluetooth.CharacteristicNotifyPermission,
				Value:  make([]byte, ftms.TreadmillFrameLen),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add fitness machine service: %w", err)
	}

	err = adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.New16BitUUID(ftms.ServiceShortHeartRate),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &g.heartRateChar,
				UUID:   bluetooth.New16BitUUID(ftms.CharShortHeartRateMeasurement),
				Flags:  bluetooth.CharacteristicNotifyPermission,
				Value:  ftms.EncodeHeartRate(0),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add heart rate service: %w", err)
	}

	g.adv = adapter.DefaultAdvertisement()
	err = g.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.New16BitUUID(ftms.ServiceShortFTMS)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure advertisement: %w", err)
	}
	if err := g.adv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start advertising: %w", err)
	}

	logger.Printf("GATTServer: Advertising as %q", localName)
	return g, nil
}

func (g *GATTServer) TreadmillNotifier() Notifier {
	return &g.treadmillChar
}

func (g *GATTServer) HeartRateNotifier() Notifier {
	return &g.heartRateChar
}

// ConnectHandler adapts emulator connection tracking to the adapter callback
func ConnectHandler(e *Emulator) func(device bluetooth.Device, connected bool) {
	return func(device bluetooth.Device, connected bool) {
		e.OnConnectionChange(device.Address.String(), connected)
	}
}

func (g *GATTServer) Stop() {
	if g.adv == nil {
		return
	}
	if err := g.adv.Stop(); err != nil {
		g.logger.Printf("GATTServer: Error stopping advertisement: %v", err)
	}
}
