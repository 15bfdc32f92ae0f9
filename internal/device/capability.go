package device

import "strings"

// Capability is a characteristic property bitset. Bit values follow the GATT
// characteristic properties field (Bluetooth Core Vol 3, Part G, 3.3.1.1).
type Capability uint8

const (
	CapBroadcast   Capability = 0x01
	CapRead        Capability = 0x02
	CapWriteNR     Capability = 0x04
	CapWrite       Capability = 0x08
	CapNotify      Capability = 0x10
	CapIndicate    Capability = 0x20
	CapSignedWrite Capability = 0x40
	CapExtended    Capability = 0x80
)

var capabilityNames = []struct {
	bit  Capability
	name string
}{
	{CapBroadcast, "broadcast"},
	{CapRead, "read"},
	{CapWriteNR, "write-without-response"},
	{CapWrite, "write"},
	{CapNotify, "notify"},
	{CapIndicate, "indicate"},
	{CapSignedWrite, "signed-write"},
	{CapExtended, "extended"},
}

// Has reports whether c includes every bit of want.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	parts := make([]string, 0, len(capabilityNames))
	for _, n := range capabilityNames {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, ",")
}

// ParseCapabilities parses a comma separated list such as "read,notify".
// Unknown names are ignored.
func ParseCapabilities(s string) Capability {
	var c Capability
	for _, p := range strings.Split(s, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		for _, n := range capabilityNames {
			if n.name == p {
				c |= n.bit
			}
		}
	}
	return c
}
