package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// ScanStatus reports a change of the scan toggle.
type ScanStatus struct {
	State ScanningState
}

// DeviceFound reports one matching advertisement.
type DeviceFound struct {
	ID           PeripheralID
	Name         string // empty when the advertisement carried no local name
	RSSI         int
	Manufacturer *protocol.ManufacturerData
}

// PeripheralStatus reports a connection state transition. Err is set when
// the transition was caused by a failure.
type PeripheralStatus struct {
	ID    PeripheralID
	State ConnectionState
	Err   error
}

// DataReceived carries a notification or read value from a peripheral.
type DataReceived struct {
	ID             PeripheralID
	Characteristic string
	Data           []byte
}

// ScanStatusObserver is told when scanning starts or stops.
type ScanStatusObserver interface {
	OnScanStatus(ev ScanStatus)
}

// DeviceFoundObserver receives every advertisement that matched the target
// service. Repeats are not filtered.
type DeviceFoundObserver interface {
	OnDeviceFound(ev DeviceFound)
}

// PeripheralStatusObserver receives connection state transitions.
type PeripheralStatusObserver interface {
	OnPeripheralStatus(ev PeripheralStatus)
}

// DataObserver receives characteristic values.
type DataObserver interface {
	OnDataReceived(ev DataReceived)
}

// Func adapters, in the style of http.HandlerFunc.
type (
	ScanStatusFunc       func(ScanStatus)
	DeviceFoundFunc      func(DeviceFound)
	PeripheralStatusFunc func(PeripheralStatus)
	DataFunc             func(DataReceived)
)

func (f ScanStatusFunc) OnScanStatus(ev ScanStatus)                   { f(ev) }
func (f DeviceFoundFunc) OnDeviceFound(ev DeviceFound)                { f(ev) }
func (f PeripheralStatusFunc) OnPeripheralStatus(ev PeripheralStatus) { f(ev) }
func (f DataFunc) OnDataReceived(ev DataReceived)                     { f(ev) }

// Events holds the four observer registries. Registration is safe from any
// goroutine. Delivery is synchronous and in registration order; an observer
// that panics is logged and skipped.
type Events struct {
	mu          sync.Mutex
	scanStatus  []ScanStatusObserver
	deviceFound []DeviceFoundObserver
	status      []PeripheralStatusObserver
	data        []DataObserver
}

// NewEvents returns an empty registry set.
func NewEvents() *Events {
	return &Events{}
}

// RegisterScanStatus adds o to the scan status registry.
func (e *Events) RegisterScanStatus(o ScanStatusObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scanStatus = append(e.scanStatus, o)
}

// RegisterDeviceFound adds o to the device found registry. There is no
// removal; ScanForDevices uses a scoped registration instead.
func (e *Events) RegisterDeviceFound(o DeviceFoundObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceFound = append(e.deviceFound, o)
}

// watchDeviceFound registers o until the returned stop func is called.
func (e *Events) watchDeviceFound(o DeviceFoundObserver) (stop func()) {
	w := &deviceFoundWatch{o}
	e.RegisterDeviceFound(w)
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		// Inform* iterates a snapshot, so build a fresh slice.
		kept := make([]DeviceFoundObserver, 0, len(e.deviceFound))
		for _, r := range e.deviceFound {
			if rw, ok := r.(*deviceFoundWatch); ok && rw == w {
				continue
			}
			kept = append(kept, r)
		}
		e.deviceFound = kept
	}
}

type deviceFoundWatch struct {
	DeviceFoundObserver
}

// RegisterPeripheralStatus adds o to the peripheral status registry.
func (e *Events) RegisterPeripheralStatus(o PeripheralStatusObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = append(e.status, o)
}

// RegisterData adds o to the data registry.
func (e *Events) RegisterData(o DataObserver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = append(e.data, o)
}

// InformScanStatus delivers ev to every scan status observer.
func (e *Events) InformScanStatus(ev ScanStatus) {
	e.mu.Lock()
	obs := e.scanStatus
	e.mu.Unlock()
	for _, o := range obs {
		deliver("scan-status", func() { o.OnScanStatus(ev) })
	}
}

// InformDeviceFound delivers ev to every device found observer.
func (e *Events) InformDeviceFound(ev DeviceFound) {
	e.mu.Lock()
	obs := e.deviceFound
	e.mu.Unlock()
	for _, o := range obs {
		deliver("device-found", func() { o.OnDeviceFound(ev) })
	}
}

// InformPeripheralStatus delivers ev to every peripheral status observer.
func (e *Events) InformPeripheralStatus(ev PeripheralStatus) {
	e.mu.Lock()
	obs := e.status
	e.mu.Unlock()
	for _, o := range obs {
		deliver("peripheral-status", func() { o.OnPeripheralStatus(ev) })
	}
}

// InformData delivers ev to every data observer.
func (e *Events) InformData(ev DataReceived) {
	e.mu.Lock()
	obs := e.data
	e.mu.Unlock()
	for _, o := range obs {
		deliver("data-received", func() { o.OnDataReceived(ev) })
	}
}

// deliver runs one observer call, containing any panic it raises.
func deliver(kind string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] observer panicked", "event", kind, "panic", r)
		}
	}()
	call()
}
