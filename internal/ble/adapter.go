// Package ble implements the central role of a Bluetooth Low Energy link:
// scanning for peripherals that advertise a target service, connecting and
// resolving a requested set of characteristics, and moving byte buffers to
// and from the device in MTU-sized chunks.
package ble

// Nordic UART service used by the reference Particle firmware.
const (
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRXCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e" // central writes here
	NUSTXCharUUID  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // peripheral notifies here
)

// WriteMode selects between acknowledged and unacknowledged writes.
type WriteMode int

const (
	WriteWithResponse WriteMode = iota
	WriteWithoutResponse
)

// Service is an opaque handle to a discovered GATT service.
type Service interface {
	UUID() string
}

// NativeCharacteristic is an opaque handle to a discovered characteristic.
type NativeCharacteristic interface {
	UUID() string
	// Capabilities reports the properties advertised by the peripheral.
	// Transports that cannot tell return 0.
	Capabilities() Capability
}

// Advertisement is one advertising report delivered by the transport.
type Advertisement struct {
	ID               PeripheralID
	LocalName        string
	ServiceUUIDs     []string
	ManufacturerData []byte // raw vendor payload including the company ID, nil if absent
	RSSI             int
}

// Transport abstracts the platform BLE stack. Every request returns
// promptly; results arrive later through the Handler.
type Transport interface {
	// SetHandler installs the callback sink. Called once before any request.
	SetHandler(h Handler)
	// RequestRadioActivation asks the platform to power the radio. The
	// handler receives HandleRadioState on every power edge.
	RequestRadioActivation() error
	BeginScan(allowDuplicates bool) error
	StopScan() error
	Connect(id PeripheralID) error
	Disconnect(id PeripheralID) error
	DiscoverServices(id PeripheralID) error
	DiscoverCharacteristics(id PeripheralID, svc Service) error
	// MaxWriteChunkSize reports the largest payload a single write may carry.
	MaxWriteChunkSize(id PeripheralID, mode WriteMode) (int, error)
	Write(char NativeCharacteristic, data []byte, mode WriteMode) error
	SetNotify(char NativeCharacteristic, enabled bool) error
}

// Handler receives transport callbacks. Implementations in this package are
// not safe for concurrent use; Central marshals calls onto its Queue.
type Handler interface {
	HandleRadioState(state RadioState)
	HandleAdvertisement(adv Advertisement)
	HandleConnected(id PeripheralID)
	HandleConnectFailed(id PeripheralID, err error)
	HandleDisconnected(id PeripheralID, err error)
	HandleServicesDiscovered(id PeripheralID, services []Service, err error)
	HandleCharacteristicsDiscovered(id PeripheralID, svc Service, chars []NativeCharacteristic, err error)
	HandleValueUpdated(id PeripheralID, char NativeCharacteristic, data []byte)
}
