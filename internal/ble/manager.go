package ble

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	// ConnectTimeout bounds Connecting plus DiscoveringCharacteristics.
	// Zero disables the timeout.
	ConnectTimeout time.Duration
	// Schedule runs fn after d and returns a function that cancels it.
	// Defaults to time.AfterFunc; Central replaces it with one that posts
	// fn onto its queue so expiries are serialized with everything else.
	Schedule func(d time.Duration, fn func()) (cancel func())
}

// Manager owns the table of peripherals and drives each through
// connect, characteristic discovery and ready. It is not safe for
// concurrent use: every method, including the Handle* callbacks, must be
// called from one goroutine.
type Manager struct {
	transport Transport
	events    *Events
	opts      ManagerOptions

	devices map[PeripheralID]*ConnectedDevice
}

// NewManager creates a manager with an empty device table.
func NewManager(transport Transport, events *Events, opts ManagerOptions) *Manager {
	if opts.Schedule == nil {
		opts.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, fn)
			return func() { t.Stop() }
		}
	}
	return &Manager{
		transport: transport,
		events:    events,
		opts:      opts,
		devices:   make(map[PeripheralID]*ConnectedDevice),
	}
}

// Device returns the record for id, if the manager knows it.
func (m *Manager) Device(id PeripheralID) (*ConnectedDevice, bool) {
	d, ok := m.devices[id]
	return d, ok
}

// Devices returns every known peripheral, sorted by ID.
func (m *Manager) Devices() []*ConnectedDevice {
	out := make([]*ConnectedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Connect starts connecting to id and resolving requested. A Disconnected
// peripheral is retried in place. Any other known state returns
// ErrConnectInProgress and a nil device. The characteristic set is fixed by
// the first call; requested is ignored on a retry.
func (m *Manager) Connect(id PeripheralID, requested []CharacteristicDescriptor) (*ConnectedDevice, error) {
	dev, known := m.devices[id]
	if known && dev.state != Disconnected {
		return nil, fmt.Errorf("ble: connect %s (%s): %w", id, dev.state, ErrConnectInProgress)
	}

	if !known {
		reqs, err := validateRequested(requested)
		if err != nil {
			return nil, fmt.Errorf("ble: connect %s: %w", id, err)
		}
		dev = &ConnectedDevice{id: id, requested: reqs}
		m.devices[id] = dev
	}

	dev.attempt++
	dev.resolved = make(map[string]NativeCharacteristic, len(dev.requested))
	dev.pendingServices = 0
	dev.servicesKnown = false
	dev.failure = nil

	if err := m.transport.Connect(id); err != nil {
		err = fmt.Errorf("ble: connect %s: %w", id, err)
		slog.Warn("[BLE] connect request failed", "peripheral", id, "error", err)
		m.transition(dev, Disconnected, err)
		return dev, err
	}

	slog.Info("[BLE] connecting", "peripheral", id, "attempt", dev.attempt)
	m.transition(dev, Connecting, nil)
	m.armTimeout(dev)
	return dev, nil
}

// Disconnect asks the transport to drop the link. The state changes when
// the transport reports the disconnect.
func (m *Manager) Disconnect(id PeripheralID) error {
	dev, ok := m.devices[id]
	if !ok {
		return fmt.Errorf("ble: disconnect %s: %w", id, ErrUnknownPeripheral)
	}
	if dev.state == Disconnected {
		return fmt.Errorf("ble: disconnect %s: %w", id, ErrNotConnected)
	}
	if err := m.transport.Disconnect(id); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", id, err)
	}
	return nil
}

// HandleConnected moves a Connecting peripheral into characteristic discovery.
func (m *Manager) HandleConnected(id PeripheralID) {
	dev, ok := m.devices[id]
	if !ok {
		slog.Warn("[BLE] connect ack for unknown peripheral", "peripheral", id)
		return
	}
	if dev.state != Connecting {
		slog.Error("[BLE] connect ack ignored", "peripheral", id, "state", dev.state, "error", ErrProtocolViolation)
		return
	}

	m.transition(dev, DiscoveringCharacteristics, nil)
	if err := m.transport.DiscoverServices(id); err != nil {
		m.failResolution(dev, fmt.Errorf("ble: discover services: %w", err))
	}
}

// HandleConnectFailed records a connect attempt the transport gave up on.
func (m *Manager) HandleConnectFailed(id PeripheralID, err error) {
	dev, ok := m.devices[id]
	if !ok {
		return
	}
	if dev.state != Connecting {
		slog.Error("[BLE] connect failure ignored", "peripheral", id, "state", dev.state, "error", ErrProtocolViolation)
		return
	}
	slog.Warn("[BLE] connect failed", "peripheral", id, "error", err)
	m.reset(dev)
	m.transition(dev, Disconnected, err)
}

// HandleDisconnected marks the peripheral Disconnected and clears its
// resolved characteristics so a retry starts clean. A disconnect that
// follows a resolution failure carries that failure. Reports for a
// peripheral that is already Disconnected are dropped.
func (m *Manager) HandleDisconnected(id PeripheralID, err error) {
	dev, ok := m.devices[id]
	if !ok {
		return
	}
	// A timeout or failed request already reported the disconnect.
	if dev.state == Disconnected {
		slog.Debug("[BLE] duplicate disconnect ignored", "peripheral", id, "error", err)
		return
	}
	if err == nil {
		err = dev.failure
	}
	slog.Info("[BLE] disconnected", "peripheral", id, "error", err)
	m.reset(dev)
	m.transition(dev, Disconnected, err)
}

// HandleServicesDiscovered requests characteristics for every service.
// Filtering happens at the characteristic level.
func (m *Manager) HandleServicesDiscovered(id PeripheralID, services []Service, err error) {
	dev, ok := m.discovering(id, "services discovered")
	if !ok {
		return
	}
	if err != nil {
		m.failResolution(dev, fmt.Errorf("ble: discover services: %w", err))
		return
	}

	dev.servicesKnown = true
	dev.pendingServices = len(services)
	if len(services) == 0 {
		m.failResolution(dev, ErrCharacteristicsNotFound)
		return
	}

	for _, svc := range services {
		if err := m.transport.DiscoverCharacteristics(id, svc); err != nil {
			slog.Warn("[BLE] discover characteristics request failed", "peripheral", id, "service", svc.UUID(), "error", err)
			if !m.serviceDone(dev) {
				return
			}
		}
	}
}

// HandleCharacteristicsDiscovered records requested characteristics found
// in svc. The peripheral is Connected as soon as every request is resolved;
// a shortfall is only concluded after the last service has reported.
func (m *Manager) HandleCharacteristicsDiscovered(id PeripheralID, svc Service, chars []NativeCharacteristic, err error) {
	dev, ok := m.discovering(id, "characteristics discovered")
	if !ok {
		return
	}
	if err != nil {
		slog.Warn("[BLE] characteristic discovery error", "peripheral", id, "service", svc.UUID(), "error", err)
	}

	for _, c := range chars {
		if r, ok := dev.descriptor(c.UUID()); ok {
			dev.resolved[r.Key()] = c
		}
	}

	if len(dev.resolved) == len(dev.requested) {
		m.ready(dev)
		return
	}
	m.serviceDone(dev)
}

// HandleValueUpdated forwards a characteristic value to data observers.
func (m *Manager) HandleValueUpdated(id PeripheralID, char NativeCharacteristic, data []byte) {
	if _, ok := m.devices[id]; !ok {
		return
	}
	m.events.InformData(DataReceived{ID: id, Characteristic: canonicalUUID(char.UUID()), Data: data})
}

// discovering returns the device if it is in characteristic discovery.
func (m *Manager) discovering(id PeripheralID, what string) (*ConnectedDevice, bool) {
	dev, ok := m.devices[id]
	if !ok {
		return nil, false
	}
	if dev.state != DiscoveringCharacteristics || dev.failure != nil {
		slog.Debug("[BLE] late discovery callback ignored", "peripheral", id, "callback", what, "state", dev.state)
		return nil, false
	}
	return dev, true
}

// serviceDone accounts for one finished service. It reports false once the
// peripheral has been failed because nothing is left outstanding.
func (m *Manager) serviceDone(dev *ConnectedDevice) bool {
	if dev.pendingServices > 0 {
		dev.pendingServices--
	}
	if dev.servicesKnown && dev.pendingServices == 0 {
		m.failResolution(dev, ErrCharacteristicsNotFound)
		return false
	}
	return true
}

func (m *Manager) ready(dev *ConnectedDevice) {
	m.stopTimeout(dev)
	dev.state = Connected

	for _, r := range dev.requested {
		if !r.Capabilities.Has(CapNotify) {
			continue
		}
		if err := m.transport.SetNotify(dev.resolved[r.Key()], true); err != nil {
			slog.Warn("[BLE] enable notifications failed", "peripheral", dev.id, "characteristic", r.UUID, "error", err)
		}
	}

	slog.Info("[BLE] connected", "peripheral", dev.id, "characteristics", len(dev.resolved))
	m.events.InformPeripheralStatus(PeripheralStatus{ID: dev.id, State: Connected})
}

// failResolution disconnects a peripheral whose requested characteristics
// cannot all be resolved. The Disconnected state arrives with the
// transport's disconnect report.
func (m *Manager) failResolution(dev *ConnectedDevice, cause error) {
	slog.Warn("[BLE] characteristic resolution failed", "peripheral", dev.id,
		"resolved", len(dev.resolved), "requested", len(dev.requested), "error", cause)
	dev.failure = cause
	if err := m.transport.Disconnect(dev.id); err != nil {
		slog.Error("[BLE] disconnect after resolution failure", "peripheral", dev.id, "error", err)
		m.reset(dev)
		m.transition(dev, Disconnected, cause)
	}
}

func (m *Manager) armTimeout(dev *ConnectedDevice) {
	if m.opts.ConnectTimeout <= 0 {
		return
	}
	attempt := dev.attempt
	dev.cancelTimeout = m.opts.Schedule(m.opts.ConnectTimeout, func() {
		m.expire(dev.id, attempt)
	})
}

func (m *Manager) stopTimeout(dev *ConnectedDevice) {
	if dev.cancelTimeout != nil {
		dev.cancelTimeout()
		dev.cancelTimeout = nil
	}
}

// expire forces a peripheral still stuck in the given attempt to Disconnected.
func (m *Manager) expire(id PeripheralID, attempt uint64) {
	dev, ok := m.devices[id]
	if !ok || dev.attempt != attempt {
		return
	}
	if dev.state != Connecting && dev.state != DiscoveringCharacteristics {
		return
	}
	slog.Warn("[BLE] connect timed out", "peripheral", id, "state", dev.state, "timeout", m.opts.ConnectTimeout)
	dev.cancelTimeout = nil
	if err := m.transport.Disconnect(id); err != nil {
		slog.Warn("[BLE] disconnect after timeout", "peripheral", id, "error", err)
	}
	m.reset(dev)
	m.transition(dev, Disconnected, ErrConnectTimeout)
}

func (m *Manager) reset(dev *ConnectedDevice) {
	m.stopTimeout(dev)
	dev.resolved = make(map[string]NativeCharacteristic, len(dev.requested))
	dev.pendingServices = 0
	dev.servicesKnown = false
	dev.failure = nil
}

func (m *Manager) transition(dev *ConnectedDevice, state ConnectionState, cause error) {
	dev.state = state
	m.events.InformPeripheralStatus(PeripheralStatus{ID: dev.id, State: state, Err: cause})
}

func validateRequested(requested []CharacteristicDescriptor) ([]CharacteristicDescriptor, error) {
	if len(requested) == 0 {
		return nil, ErrNoCharacteristics
	}
	seen := make(map[string]bool, len(requested))
	out := make([]CharacteristicDescriptor, 0, len(requested))
	for _, r := range requested {
		if seen[r.Key()] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCharacteristic, r.UUID)
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out, nil
}
