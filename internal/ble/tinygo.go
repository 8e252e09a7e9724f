package ble

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// attHeaderLen is the opcode plus handle overhead of an ATT write.
const attHeaderLen = 3

// PowerSource reports adapter power edges. The bluez package provides one
// for Linux.
type PowerSource interface {
	WatchPowered(ctx context.Context, fn func(on bool)) error
}

// TinyGoOptions configures TinyGoTransport.
type TinyGoOptions struct {
	// ServiceUUIDs are the target services. With duplicates filtered, a
	// peripheral is only marked seen once a report lists one of them.
	ServiceUUIDs []string
	// DefaultChunkSize is used when the MTU cannot be read. Zero means fail.
	DefaultChunkSize int
	// Power, if set, supplies radio power edges after Enable.
	Power PowerSource
}

// TinyGoTransport implements Transport on tinygo.org/x/bluetooth. The
// blocking tinygo calls run on their own goroutines and report through the
// Handler. On macOS peripheral IDs are CoreBluetooth UUIDs, elsewhere MACs.
type TinyGoTransport struct {
	adapter *bluetooth.Adapter
	opts    TinyGoOptions
	targets []bluetooth.UUID

	handler Handler

	// discoverMu serializes GATT discovery so callbacks for one
	// peripheral arrive in request order.
	discoverMu sync.Mutex

	// mu protects the fields below.
	mu        sync.Mutex
	enabled   bool
	stopPower context.CancelFunc
	addresses map[PeripheralID]bluetooth.Address
	devices   map[PeripheralID]*bluetooth.Device
	chars     map[PeripheralID][]*tinygoCharacteristic
	aborted   map[PeripheralID]bool
	seen      map[PeripheralID]bool
	dedupe    bool
}

// NewTinyGoTransport creates a transport on the default adapter.
func NewTinyGoTransport(opts TinyGoOptions) (*TinyGoTransport, error) {
	t := &TinyGoTransport{
		adapter:   bluetooth.DefaultAdapter,
		opts:      opts,
		addresses: make(map[PeripheralID]bluetooth.Address),
		devices:   make(map[PeripheralID]*bluetooth.Device),
		chars:     make(map[PeripheralID][]*tinygoCharacteristic),
		aborted:   make(map[PeripheralID]bool),
		seen:      make(map[PeripheralID]bool),
	}
	for _, s := range opts.ServiceUUIDs {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse service UUID %q: %w", s, err)
		}
		t.targets = append(t.targets, u)
	}
	return t, nil
}

// SetHandler installs the callback sink. Call it before any request.
func (t *TinyGoTransport) SetHandler(h Handler) {
	t.handler = h
}

// Close stops the power watcher, if any.
func (t *TinyGoTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopPower != nil {
		t.stopPower()
		t.stopPower = nil
	}
	return nil
}

// RequestRadioActivation enables the adapter in the background. Without a
// power watcher, powered-on is reported once Enable returns.
func (t *TinyGoTransport) RequestRadioActivation() error {
	t.mu.Lock()
	already := t.enabled
	t.mu.Unlock()
	if already {
		if t.opts.Power == nil {
			t.handler.HandleRadioState(RadioPoweredOn)
		}
		return nil
	}

	go func() {
		// Enable blocks until the platform stack is up; on macOS that
		// includes the permission prompt.
		if err := t.adapter.Enable(); err != nil {
			slog.Error("[BLE] enable adapter", "error", err)
			t.handler.HandleRadioState(RadioUnsupported)
			return
		}

		t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			t.dropped(PeripheralID(device.Address.String()))
		})

		t.mu.Lock()
		t.enabled = true
		t.mu.Unlock()

		if t.opts.Power == nil {
			t.handler.HandleRadioState(RadioPoweredOn)
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.stopPower = cancel
		t.mu.Unlock()
		err := t.opts.Power.WatchPowered(ctx, func(on bool) {
			if on {
				t.handler.HandleRadioState(RadioPoweredOn)
			} else {
				t.handler.HandleRadioState(RadioPoweredOff)
			}
		})
		if err != nil {
			// Enable succeeded, so the radio is usable even without edges.
			slog.Warn("[BLE] power watcher unavailable", "error", err)
			t.handler.HandleRadioState(RadioPoweredOn)
		}
	}()
	return nil
}

// BeginScan resets the dedupe set and runs the blocking tinygo scan on its
// own goroutine.
func (t *TinyGoTransport) BeginScan(allowDuplicates bool) error {
	t.mu.Lock()
	t.dedupe = !allowDuplicates
	t.seen = make(map[PeripheralID]bool)
	t.mu.Unlock()

	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			t.advertised(result)
		})
		if err != nil {
			slog.Error("[BLE] scan", "error", err)
		}
	}()
	return nil
}

// StopScan ends the running scan.
func (t *TinyGoTransport) StopScan() error {
	return t.adapter.StopScan()
}

func (t *TinyGoTransport) advertised(result bluetooth.ScanResult) {
	t.report(PeripheralID(result.Address.String()), result.Address, int(result.RSSI), result.AdvertisementPayload)
}

// advertisementPayload is the part of bluetooth.AdvertisementPayload the
// transport reads.
type advertisementPayload interface {
	LocalName() string
	ServiceUUIDs() []bluetooth.UUID
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

// report forwards one advertising report. Reports that do not list a
// target service never mark the peripheral seen, so a later report that
// does (a scan response, say) still gets through.
func (t *TinyGoTransport) report(id PeripheralID, addr bluetooth.Address, rssi int, p advertisementPayload) {
	adv := Advertisement{
		ID:        id,
		LocalName: p.LocalName(),
		RSSI:      rssi,
	}
	matched := false
	for _, u := range p.ServiceUUIDs() {
		adv.ServiceUUIDs = append(adv.ServiceUUIDs, u.String())
		for _, target := range t.targets {
			if u == target {
				matched = true
			}
		}
	}
	if md := p.ManufacturerData(); len(md) > 0 {
		adv.ManufacturerData = rawManufacturerData(md[0].CompanyID, md[0].Data)
	}

	t.mu.Lock()
	t.addresses[id] = addr
	if t.dedupe {
		if t.seen[id] {
			t.mu.Unlock()
			return
		}
		if matched {
			t.seen[id] = true
		}
	}
	t.mu.Unlock()

	t.handler.HandleAdvertisement(adv)
}

// rawManufacturerData rebuilds the advertised payload, which tinygo splits
// into company ID and data.
func rawManufacturerData(companyID uint16, data []byte) []byte {
	raw := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(raw, companyID)
	return append(raw, data...)
}

// Connect dials id in the background and reports the outcome through the
// handler. An id never seen in a scan is parsed as a MAC address.
func (t *TinyGoTransport) Connect(id PeripheralID) error {
	t.mu.Lock()
	addr, ok := t.addresses[id]
	delete(t.aborted, id)
	t.mu.Unlock()
	if !ok {
		addr.Set(string(id))
	}

	go func() {
		device, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		aborted := t.aborted[id]
		delete(t.aborted, id)
		if err == nil && !aborted {
			t.devices[id] = &device
		}
		t.mu.Unlock()

		switch {
		case aborted:
			// Disconnect was requested while connecting and already reported.
			if err == nil {
				_ = device.Disconnect()
			}
		case err != nil:
			t.handler.HandleConnectFailed(id, fmt.Errorf("ble: connect to %s: %w", id, err))
		default:
			t.handler.HandleConnected(id)
		}
	}()
	return nil
}

// Disconnect drops the link to id, or marks a pending connect as aborted.
func (t *TinyGoTransport) Disconnect(id PeripheralID) error {
	t.mu.Lock()
	device, ok := t.devices[id]
	if !ok {
		// tinygo cannot cancel a pending connect; drop it when it lands.
		t.aborted[id] = true
		t.mu.Unlock()
		t.handler.HandleDisconnected(id, nil)
		return nil
	}
	t.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

// dropped handles the adapter-level disconnect callback.
func (t *TinyGoTransport) dropped(id PeripheralID) {
	t.mu.Lock()
	_, ok := t.devices[id]
	delete(t.devices, id)
	delete(t.chars, id)
	t.mu.Unlock()
	if ok {
		t.handler.HandleDisconnected(id, nil)
	}
}

func (t *TinyGoTransport) device(id PeripheralID) (*bluetooth.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[id]
	if !ok {
		return nil, fmt.Errorf("ble: %s: %w", id, ErrUnknownPeripheral)
	}
	return d, nil
}

// DiscoverServices lists every service of id and forgets characteristics
// from an earlier discovery.
func (t *TinyGoTransport) DiscoverServices(id PeripheralID) error {
	device, err := t.device(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.chars, id)
	t.mu.Unlock()

	go func() {
		t.discoverMu.Lock()
		svcs, err := device.DiscoverServices(nil)
		t.discoverMu.Unlock()

		services := make([]Service, 0, len(svcs))
		for i := range svcs {
			services = append(services, &tinygoService{svc: svcs[i]})
		}
		t.handler.HandleServicesDiscovered(id, services, err)
	}()
	return nil
}

// DiscoverCharacteristics lists every characteristic of svc.
func (t *TinyGoTransport) DiscoverCharacteristics(id PeripheralID, svc Service) error {
	s, ok := svc.(*tinygoService)
	if !ok {
		return fmt.Errorf("ble: foreign service handle %T", svc)
	}

	go func() {
		t.discoverMu.Lock()
		found, err := s.svc.DiscoverCharacteristics(nil)
		t.discoverMu.Unlock()

		chars := make([]NativeCharacteristic, 0, len(found))
		t.mu.Lock()
		for i := range found {
			c := &tinygoCharacteristic{id: id, char: found[i]}
			t.chars[id] = append(t.chars[id], c)
			chars = append(chars, c)
		}
		t.mu.Unlock()
		t.handler.HandleCharacteristicsDiscovered(id, svc, chars, err)
	}()
	return nil
}

// MaxWriteChunkSize derives the payload size from the negotiated MTU.
func (t *TinyGoTransport) MaxWriteChunkSize(id PeripheralID, _ WriteMode) (int, error) {
	t.mu.Lock()
	chars := t.chars[id]
	t.mu.Unlock()

	if len(chars) > 0 {
		mtu, err := chars[0].char.GetMTU()
		if err == nil && int(mtu) > attHeaderLen {
			return int(mtu) - attHeaderLen, nil
		}
		if err != nil {
			slog.Debug("[BLE] read MTU", "peripheral", id, "error", err)
		}
	}
	if t.opts.DefaultChunkSize > 0 {
		return t.opts.DefaultChunkSize, nil
	}
	return 0, fmt.Errorf("ble: MTU unknown for %s", id)
}

// Write sends data in one ATT write. Only WriteWithoutResponse is
// supported; other modes fail with ErrUnsupportedWriteMode.
func (t *TinyGoTransport) Write(char NativeCharacteristic, data []byte, mode WriteMode) error {
	c, ok := char.(*tinygoCharacteristic)
	if !ok {
		return fmt.Errorf("ble: foreign characteristic handle %T", char)
	}
	// Write with response only exists on some tinygo platforms.
	if mode != WriteWithoutResponse {
		return fmt.Errorf("ble: write mode %d: %w", mode, ErrUnsupportedWriteMode)
	}
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

// SetNotify subscribes to char, delivering values to HandleValueUpdated.
func (t *TinyGoTransport) SetNotify(char NativeCharacteristic, enabled bool) error {
	c, ok := char.(*tinygoCharacteristic)
	if !ok {
		return fmt.Errorf("ble: foreign characteristic handle %T", char)
	}
	if !enabled {
		return c.char.EnableNotifications(nil)
	}
	return c.char.EnableNotifications(func(buf []byte) {
		// tinygo reuses buf between notifications.
		data := make([]byte, len(buf))
		copy(data, buf)
		t.handler.HandleValueUpdated(c.id, c, data)
	})
}

// Compile-time check that TinyGoTransport implements Transport.
var _ Transport = (*TinyGoTransport)(nil)

type tinygoService struct {
	svc bluetooth.DeviceService
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

type tinygoCharacteristic struct {
	id   PeripheralID
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

// Capabilities is unknown: tinygo does not expose characteristic properties
// on every platform.
func (c *tinygoCharacteristic) Capabilities() Capability { return 0 }
