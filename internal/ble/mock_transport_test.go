package ble

import (
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testPeripheral PeripheralID = "AA:BB:CC:DD:EE:FF"
	otherService                = "0000180a-0000-1000-8000-00805f9b34fb"
)

type mockService struct {
	uuid string
}

func (s *mockService) UUID() string { return s.uuid }

type mockChar struct {
	uuid string
	caps Capability
}

func (c *mockChar) UUID() string             { return c.uuid }
func (c *mockChar) Capabilities() Capability { return c.caps }

type mockWrite struct {
	char NativeCharacteristic
	data []byte
	mode WriteMode
}

// mockTransport records every request. It never calls back on its own
// unless a hook is set; tests drive the Handle* side directly.
type mockTransport struct {
	mu      sync.Mutex
	handler Handler

	activations   int
	beginScans    []bool
	stopScans     int
	connects      []PeripheralID
	disconnects   []PeripheralID
	discoverSvcs  []PeripheralID
	discoverChars []string
	writes        []mockWrite
	notify        []NativeCharacteristic

	chunkSize    int
	chunkErr     error
	activateErr  error
	beginScanErr error
	stopScanErr  error
	connectErr   error
	disconnErr   error
	discoverErr  error
	writeErr     error
	writeFailsAt int // 1-based write index that fails, 0 for never

	// Hooks run on the caller's goroutine after the request is recorded.
	onActivate  func(h Handler)
	onBeginScan func(h Handler)
}

func newMockTransport() *mockTransport {
	return &mockTransport{chunkSize: 20}
}

func (m *mockTransport) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockTransport) RequestRadioActivation() error {
	m.mu.Lock()
	m.activations++
	err, hook, h := m.activateErr, m.onActivate, m.handler
	m.mu.Unlock()
	if err == nil && hook != nil {
		hook(h)
	}
	return err
}

func (m *mockTransport) BeginScan(allowDuplicates bool) error {
	m.mu.Lock()
	if m.beginScanErr != nil {
		m.mu.Unlock()
		return m.beginScanErr
	}
	m.beginScans = append(m.beginScans, allowDuplicates)
	hook, h := m.onBeginScan, m.handler
	m.mu.Unlock()
	if hook != nil {
		hook(h)
	}
	return nil
}

func (m *mockTransport) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScans++
	return m.stopScanErr
}

func (m *mockTransport) Connect(id PeripheralID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects = append(m.connects, id)
	return m.connectErr
}

func (m *mockTransport) Disconnect(id PeripheralID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, id)
	return m.disconnErr
}

func (m *mockTransport) DiscoverServices(id PeripheralID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverSvcs = append(m.discoverSvcs, id)
	return m.discoverErr
}

func (m *mockTransport) DiscoverCharacteristics(id PeripheralID, svc Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discoverChars = append(m.discoverChars, svc.UUID())
	return m.discoverErr
}

func (m *mockTransport) MaxWriteChunkSize(id PeripheralID, mode WriteMode) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunkSize, m.chunkErr
}

func (m *mockTransport) Write(char NativeCharacteristic, data []byte, mode WriteMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeFailsAt > 0 && len(m.writes)+1 == m.writeFailsAt {
		return m.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, mockWrite{char: char, data: cp, mode: mode})
	return nil
}

func (m *mockTransport) SetNotify(char NativeCharacteristic, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled {
		m.notify = append(m.notify, char)
	}
	return nil
}

func (m *mockTransport) connectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connects)
}

func (m *mockTransport) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnects)
}

func (m *mockTransport) writeLog() []mockWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mockWrite, len(m.writes))
	copy(out, m.writes)
	return out
}

// manualClock stands in for time.AfterFunc. Scheduled functions only run
// when fire is called.
type manualClock struct {
	mu     sync.Mutex
	fns    []func()
	delays []time.Duration
}

func (c *manualClock) schedule(d time.Duration, fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := len(c.fns)
	c.fns = append(c.fns, fn)
	c.delays = append(c.delays, d)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.fns[i] = nil
	}
}

// fire runs every scheduled, uncancelled function once.
func (c *manualClock) fire() {
	c.mu.Lock()
	var due []func()
	for i, fn := range c.fns {
		if fn != nil {
			due = append(due, fn)
			c.fns[i] = nil
		}
	}
	c.mu.Unlock()
	for _, fn := range due {
		fn()
	}
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, fn := range c.fns {
		if fn != nil {
			n++
		}
	}
	return n
}

func (c *manualClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// statusRecorder collects peripheral status events.
type statusRecorder struct {
	mu     sync.Mutex
	events []PeripheralStatus
}

func (r *statusRecorder) OnPeripheralStatus(ev PeripheralStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *statusRecorder) states() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConnectionState, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func (r *statusRecorder) last() PeripheralStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return PeripheralStatus{State: ConnectionState(-1)}
	}
	return r.events[len(r.events)-1]
}

var (
	rxDesc = CharacteristicDescriptor{UUID: NUSRXCharUUID, Capabilities: CapWrite}
	txDesc = CharacteristicDescriptor{UUID: NUSTXCharUUID, Capabilities: CapRead | CapNotify}

	errBoom = errors.New("boom")
)

func uartRequest() []CharacteristicDescriptor {
	return []CharacteristicDescriptor{rxDesc, txDesc}
}

type managerFixture struct {
	manager *Manager
	tr      *mockTransport
	clock   *manualClock
	status  *statusRecorder
	svc     *mockService
	rx      *mockChar
	tx      *mockChar
}

func newManagerFixture(t *testing.T, timeout time.Duration) *managerFixture {
	t.Helper()
	f := &managerFixture{
		tr:     newMockTransport(),
		clock:  &manualClock{},
		status: &statusRecorder{},
		svc:    &mockService{uuid: NUSServiceUUID},
		rx:     &mockChar{uuid: NUSRXCharUUID, caps: CapWrite | CapWriteWithoutResponse},
		tx:     &mockChar{uuid: NUSTXCharUUID, caps: CapRead | CapNotify},
	}
	events := NewEvents()
	events.RegisterPeripheralStatus(f.status)
	f.manager = NewManager(f.tr, events, ManagerOptions{
		ConnectTimeout: timeout,
		Schedule:       f.clock.schedule,
	})
	return f
}

// connect drives id through to Connected with the UART characteristics.
func (f *managerFixture) connect(t *testing.T, id PeripheralID) *ConnectedDevice {
	t.Helper()
	dev, err := f.manager.Connect(id, uartRequest())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	f.manager.HandleConnected(id)
	f.manager.HandleServicesDiscovered(id, []Service{f.svc}, nil)
	f.manager.HandleCharacteristicsDiscovered(id, f.svc, []NativeCharacteristic{f.rx, f.tx}, nil)
	if dev.State() != Connected {
		t.Fatalf("state = %v, want connected", dev.State())
	}
	return dev
}
