package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/hrvlink/internal/device"
)

var propertyBits = []struct {
	prop ble.Property
	cap  device.Capability
}{
	{ble.CharBroadcast, device.CapBroadcast},
	{ble.CharRead, device.CapRead},
	{ble.CharWriteNR, device.CapWriteNR},
	{ble.CharWrite, device.CapWrite},
	{ble.CharNotify, device.CapNotify},
	{ble.CharIndicate, device.CapIndicate},
	{ble.CharSignedWrite, device.CapSignedWrite},
	{ble.CharExtended, device.CapExtended},
}

// CapabilitiesFromProperty converts go-ble property flags to a device.Capability set.
func CapabilitiesFromProperty(p ble.Property) device.Capability {
	var c device.Capability
	for _, b := range propertyBits {
		if p&b.prop != 0 {
			c |= b.cap
		}
	}
	return c
}
