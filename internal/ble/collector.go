package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeviceCollector deduplicates DeviceFound events by peripheral ID, keeping
// discovery order. The Scanner reports every advertisement; this is where
// repeats are dropped.
type DeviceCollector struct {
	// OnNew, if set, is called once per newly seen peripheral.
	OnNew func(DeviceFound)

	mu      sync.Mutex
	index   map[PeripheralID]int
	devices []DeviceFound
}

// NewDeviceCollector returns an empty collector.
func NewDeviceCollector() *DeviceCollector {
	return &DeviceCollector{index: make(map[PeripheralID]int)}
}

// OnDeviceFound implements DeviceFoundObserver. A repeat refreshes RSSI and
// fills in a name that was missing earlier.
func (c *DeviceCollector) OnDeviceFound(ev DeviceFound) {
	c.mu.Lock()
	if i, ok := c.index[ev.ID]; ok {
		c.devices[i].RSSI = ev.RSSI
		if c.devices[i].Name == "" {
			c.devices[i].Name = ev.Name
		}
		c.mu.Unlock()
		return
	}
	c.index[ev.ID] = len(c.devices)
	c.devices = append(c.devices, ev)
	onNew := c.OnNew
	c.mu.Unlock()

	if onNew != nil {
		onNew(ev)
	}
}

// Devices returns a snapshot in discovery order.
func (c *DeviceCollector) Devices() []DeviceFound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceFound, len(c.devices))
	copy(out, c.devices)
	return out
}

// Len returns the number of distinct peripherals seen.
func (c *DeviceCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// ScanForDevices powers the radio, scans for peripherals advertising
// serviceUUID for the given duration and returns the distinct devices seen.
// The collector is only registered for the duration of the call. c must be
// running.
func ScanForDevices(ctx context.Context, c *Central, serviceUUID string, timeout time.Duration, collector *DeviceCollector) ([]DeviceFound, error) {
	if collector == nil {
		collector = NewDeviceCollector()
	}
	stop := c.Events().watchDeviceFound(collector)
	defer stop()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := c.StartScanning(ctx, serviceUUID, func() {
		if err := c.Scanner().EnableScanning(); err != nil {
			slog.Error("[SCAN] enable scanning", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	<-ctx.Done()

	// The scan context is spent; stopping needs a fresh one.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := c.StopScanning(stopCtx); err != nil {
		slog.Warn("[SCAN] stop scanning", "error", err)
	}
	return collector.Devices(), nil
}
