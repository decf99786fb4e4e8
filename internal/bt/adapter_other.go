//go:build !linux

package bt

import (
	"log"

	"tinygo.org/x/bluetooth"
)

// SelectAdapter returns the default adapter. Only BlueZ exposes more than one.
func SelectAdapter(id string) *bluetooth.Adapter {
	if id != "" {
		log.Printf("BT: adapter %q ignored on this platform, using the default adapter", id)
	}
	return bluetooth.DefaultAdapter
}
