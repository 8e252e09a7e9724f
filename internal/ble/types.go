package ble

import (
	"fmt"
	"strings"
)

// PeripheralID identifies a physical device as surfaced by the transport.
// On Linux it is the MAC address, on macOS the CoreBluetooth UUID.
type PeripheralID string

// Capability is a bitmask of GATT characteristic properties.
type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapWriteWithoutResponse
	CapNotify
	CapIndicate
)

var capabilityNames = []struct {
	cap  Capability
	name string
}{
	{CapRead, "read"},
	{CapWrite, "write"},
	{CapWriteWithoutResponse, "write-without-response"},
	{CapNotify, "notify"},
	{CapIndicate, "indicate"},
}

// Has reports whether every bit of c is set.
func (cp Capability) Has(c Capability) bool {
	return cp&c == c
}

// CanWrite reports whether either write mode is allowed.
func (cp Capability) CanWrite() bool {
	return cp&(CapWrite|CapWriteWithoutResponse) != 0
}

func (cp Capability) String() string {
	var names []string
	for _, n := range capabilityNames {
		if cp.Has(n.cap) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseCapabilities converts names such as "read" or "notify" into a Capability.
func ParseCapabilities(names []string) (Capability, error) {
	var cp Capability
	for _, name := range names {
		found := false
		for _, n := range capabilityNames {
			if strings.EqualFold(strings.TrimSpace(name), n.name) {
				cp |= n.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("ble: unknown capability %q", name)
		}
	}
	return cp, nil
}

// CharacteristicDescriptor names a characteristic the caller wants resolved.
// Two descriptors with the same UUID are the same characteristic regardless
// of their capabilities.
type CharacteristicDescriptor struct {
	UUID         string
	Capabilities Capability
}

// Key returns the canonical form of the UUID used for matching.
func (d CharacteristicDescriptor) Key() string {
	return canonicalUUID(d.UUID)
}

func canonicalUUID(uuid string) string {
	return strings.ToLower(strings.TrimSpace(uuid))
}

// ConnectionState is the lifecycle state of a managed peripheral.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	DiscoveringCharacteristics
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case DiscoveringCharacteristics:
		return "discovering-characteristics"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ScanningState is the process-wide scan toggle owned by the Scanner.
type ScanningState int

const (
	Idle ScanningState = iota
	Scanning
)

func (s ScanningState) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

// RadioState mirrors the platform's adapter power state. Only PoweredOn has
// behavioural meaning; the rest are logged.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioResetting
	RadioUnsupported
	RadioUnauthorized
	RadioPoweredOff
	RadioPoweredOn
)

func (s RadioState) String() string {
	switch s {
	case RadioResetting:
		return "resetting"
	case RadioUnsupported:
		return "unsupported"
	case RadioUnauthorized:
		return "unauthorized"
	case RadioPoweredOff:
		return "powered-off"
	case RadioPoweredOn:
		return "powered-on"
	default:
		return "unknown"
	}
}

// ConnectedDevice is the Manager's record of one peripheral. Callers only
// read it; every mutation happens inside the Manager.
type ConnectedDevice struct {
	id        PeripheralID
	state     ConnectionState
	requested []CharacteristicDescriptor
	resolved  map[string]NativeCharacteristic

	pendingServices int   // services whose characteristics have not reported yet
	servicesKnown   bool  // services-discovered callback seen for this attempt
	failure         error // resolution failed, waiting for the disconnect report
	attempt         uint64
	cancelTimeout   func()
}

func (d *ConnectedDevice) ID() PeripheralID       { return d.id }
func (d *ConnectedDevice) State() ConnectionState { return d.state }
func (d *ConnectedDevice) ResolvedCount() int     { return len(d.resolved) }
func (d *ConnectedDevice) RequestedCount() int    { return len(d.requested) }

// Requested returns a copy of the characteristic set submitted on Connect.
func (d *ConnectedDevice) Requested() []CharacteristicDescriptor {
	out := make([]CharacteristicDescriptor, len(d.requested))
	copy(out, d.requested)
	return out
}

// Resolved returns the native handle for uuid, if discovery found it.
func (d *ConnectedDevice) Resolved(uuid string) (NativeCharacteristic, bool) {
	c, ok := d.resolved[canonicalUUID(uuid)]
	return c, ok
}

// descriptor looks up a requested descriptor by UUID.
func (d *ConnectedDevice) descriptor(uuid string) (CharacteristicDescriptor, bool) {
	key := canonicalUUID(uuid)
	for _, r := range d.requested {
		if r.Key() == key {
			return r, true
		}
	}
	return CharacteristicDescriptor{}, false
}
