package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

// runCentral starts c on its own goroutine and stops it when the test ends.
func runCentral(t *testing.T, c *Central) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctx
}

// drain waits until everything posted so far has run.
func drain(t *testing.T, c *Central) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.queue.Do(ctx, func() {}); err != nil {
		t.Fatalf("queue did not drain: %v", err)
	}
}

func TestCentralConnectAndSend(t *testing.T) {
	tr := newMockTransport()
	tr.chunkSize = 4
	c := NewCentral(tr, Options{})
	ctx := runCentral(t, c)

	statuses := make(chan PeripheralStatus, 8)
	c.Events().RegisterPeripheralStatus(PeripheralStatusFunc(func(ev PeripheralStatus) { statuses <- ev }))

	if _, err := c.Connect(ctx, testPeripheral, uartRequest()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	svc := &mockService{uuid: NUSServiceUUID}
	rx := &mockChar{uuid: NUSRXCharUUID}
	tx := &mockChar{uuid: NUSTXCharUUID}

	// Transport callbacks may arrive on any goroutine.
	go func() {
		c.HandleConnected(testPeripheral)
		c.HandleServicesDiscovered(testPeripheral, []Service{svc}, nil)
		c.HandleCharacteristicsDiscovered(testPeripheral, svc, []NativeCharacteristic{rx, tx}, nil)
	}()

	deadline := time.After(2 * time.Second)
	for connected := false; !connected; {
		select {
		case ev := <-statuses:
			connected = ev.State == Connected
		case <-deadline:
			t.Fatal("peripheral never connected")
		}
	}

	st, err := c.ConnectionState(ctx, testPeripheral)
	if err != nil || st != Connected {
		t.Fatalf("ConnectionState() = %v, %v; want connected", st, err)
	}

	if err := c.Send(ctx, testPeripheral, rxDesc, []byte("0123456789")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(tr.writeLog()); n != 3 {
		t.Errorf("writes = %d, want 3", n)
	}

	if err := c.Disconnect(ctx, testPeripheral); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	c.HandleDisconnected(testPeripheral, nil)
	drain(t, c)
	if st, _ := c.ConnectionState(ctx, testPeripheral); st != Disconnected {
		t.Errorf("ConnectionState() = %v, want disconnected", st)
	}
}

func TestCentralUnknownPeripheral(t *testing.T) {
	c := NewCentral(newMockTransport(), Options{})
	ctx := runCentral(t, c)

	if _, err := c.ConnectionState(ctx, testPeripheral); !errors.Is(err, ErrUnknownPeripheral) {
		t.Errorf("ConnectionState() error = %v, want ErrUnknownPeripheral", err)
	}
	if err := c.Send(ctx, testPeripheral, rxDesc, []byte("x")); !errors.Is(err, ErrUnknownPeripheral) {
		t.Errorf("Send() error = %v, want ErrUnknownPeripheral", err)
	}
	if err := c.Disconnect(ctx, testPeripheral); !errors.Is(err, ErrUnknownPeripheral) {
		t.Errorf("Disconnect() error = %v, want ErrUnknownPeripheral", err)
	}
}

func TestCentralConnectTimeout(t *testing.T) {
	tr := newMockTransport()
	c := NewCentral(tr, Options{Manager: ManagerOptions{ConnectTimeout: 20 * time.Millisecond}})
	ctx := runCentral(t, c)

	statuses := make(chan PeripheralStatus, 8)
	c.Events().RegisterPeripheralStatus(PeripheralStatusFunc(func(ev PeripheralStatus) { statuses <- ev }))

	if _, err := c.Connect(ctx, testPeripheral, uartRequest()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-statuses:
			if ev.State != Disconnected {
				continue
			}
			if !errors.Is(ev.Err, ErrConnectTimeout) {
				t.Fatalf("disconnect error = %v, want ErrConnectTimeout", ev.Err)
			}
			if tr.disconnectCount() != 1 {
				t.Errorf("Disconnect calls = %d, want 1", tr.disconnectCount())
			}
			return
		case <-deadline:
			t.Fatal("connect never timed out")
		}
	}
}

func TestCentralScanning(t *testing.T) {
	tr := newMockTransport()
	c := NewCentral(tr, Options{})
	ctx := runCentral(t, c)

	tr.onActivate = func(h Handler) { h.HandleRadioState(RadioPoweredOn) }
	ready := make(chan struct{})
	if err := c.StartScanning(ctx, NUSServiceUUID, func() { close(ready) }); err != nil {
		t.Fatalf("StartScanning() error = %v", err)
	}
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("onReady never ran")
	}

	if err := c.EnableScanning(ctx); err != nil {
		t.Fatalf("EnableScanning() error = %v", err)
	}
	if err := c.EnableScanning(ctx); !errors.Is(err, ErrAlreadyScanning) {
		t.Errorf("second EnableScanning() error = %v, want ErrAlreadyScanning", err)
	}
	if st, _ := c.ScanningState(ctx); st != Scanning {
		t.Errorf("ScanningState() = %v, want scanning", st)
	}
	if err := c.StopScanning(ctx); err != nil {
		t.Fatalf("StopScanning() error = %v", err)
	}
	if st, _ := c.ScanningState(ctx); st != Idle {
		t.Errorf("ScanningState() = %v, want idle", st)
	}
}

func TestScanForDevices(t *testing.T) {
	tr := newMockTransport()
	tr.onActivate = func(h Handler) { h.HandleRadioState(RadioPoweredOn) }
	tr.onBeginScan = func(h Handler) {
		h.HandleAdvertisement(Advertisement{ID: testPeripheral, ServiceUUIDs: []string{NUSServiceUUID}, RSSI: -70})
		h.HandleAdvertisement(Advertisement{ID: testPeripheral, LocalName: "Argon", ServiceUUIDs: []string{NUSServiceUUID}, RSSI: -50})
		h.HandleAdvertisement(Advertisement{ID: "11:22:33:44:55:66", ServiceUUIDs: []string{NUSServiceUUID}})
		h.HandleAdvertisement(Advertisement{ID: "11:22:33:44:55:77", ServiceUUIDs: []string{otherService}})
	}
	c := NewCentral(tr, Options{})
	ctx := runCentral(t, c)

	var announced []PeripheralID
	collector := NewDeviceCollector()
	collector.OnNew = func(ev DeviceFound) { announced = append(announced, ev.ID) }

	devices, err := ScanForDevices(ctx, c, NUSServiceUUID, 100*time.Millisecond, collector)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if devices[0].ID != testPeripheral || devices[0].Name != "Argon" || devices[0].RSSI != -50 {
		t.Errorf("devices[0] = %+v, want the refreshed first peripheral", devices[0])
	}
	if len(announced) != 2 {
		t.Errorf("OnNew calls = %d, want 2", len(announced))
	}
	tr.mu.Lock()
	stops := tr.stopScans
	tr.mu.Unlock()
	if stops != 1 {
		t.Errorf("StopScan calls = %d, want 1", stops)
	}
}

func TestScanForDevicesReleasesCollector(t *testing.T) {
	tr := newMockTransport()
	tr.onActivate = func(h Handler) { h.HandleRadioState(RadioPoweredOn) }
	tr.onBeginScan = func(h Handler) {
		h.HandleAdvertisement(Advertisement{ID: testPeripheral, ServiceUUIDs: []string{NUSServiceUUID}})
	}
	c := NewCentral(tr, Options{})
	ctx := runCentral(t, c)

	first := NewDeviceCollector()
	for i, collector := range []*DeviceCollector{first, NewDeviceCollector()} {
		devices, err := ScanForDevices(ctx, c, NUSServiceUUID, 50*time.Millisecond, collector)
		if err != nil {
			t.Fatalf("scan %d: ScanForDevices() error = %v", i, err)
		}
		if len(devices) != 1 {
			t.Errorf("scan %d: got %d devices, want 1", i, len(devices))
		}

		c.events.mu.Lock()
		n := len(c.events.deviceFound)
		c.events.mu.Unlock()
		if n != 0 {
			t.Errorf("scan %d: %d device-found observers left registered, want 0", i, n)
		}
	}

	// A later advertisement must not reach the first scan's collector.
	if err := c.EnableScanning(ctx); err != nil {
		t.Fatalf("EnableScanning() error = %v", err)
	}
	c.HandleAdvertisement(Advertisement{ID: "11:22:33:44:55:66", ServiceUUIDs: []string{NUSServiceUUID}})
	drain(t, c)
	if first.Len() != 1 {
		t.Errorf("first collector Len() = %d, want 1", first.Len())
	}
}
