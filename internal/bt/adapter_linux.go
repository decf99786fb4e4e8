//go:build linux

package bt

import "tinygo.org/x/bluetooth"

// SelectAdapter returns the BlueZ adapter with the given id (e.g. "hci1"),
// or the default adapter when id is empty.
func SelectAdapter(id string) *bluetooth.Adapter {
	if id == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(id)
}
