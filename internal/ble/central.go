package ble

import (
	"context"
	"fmt"
	"time"
)

// Options groups the per-component options of a Central.
type Options struct {
	Scanner  ScannerOptions
	Manager  ManagerOptions
	Transfer TransferOptions
}

// Central ties the scanner, connection manager and transfer engine to one
// transport and serializes all of them on a Queue. Its command methods are
// safe for concurrent use. Observers run on the queue goroutine; from there
// use Post, Scanner and Manager instead of the blocking commands.
type Central struct {
	transport Transport
	queue     *Queue
	events    *Events
	scanner   *Scanner
	manager   *Manager
	transfer  *Transfer
}

// NewCentral wires a Central to transport and installs itself as the
// transport's handler. Call Run to start processing.
func NewCentral(transport Transport, opts Options) *Central {
	c := &Central{
		transport: transport,
		queue:     NewQueue(),
		events:    NewEvents(),
	}
	if opts.Manager.Schedule == nil {
		opts.Manager.Schedule = func(d time.Duration, fn func()) func() {
			t := time.AfterFunc(d, func() { c.queue.Post(fn) })
			return func() { t.Stop() }
		}
	}
	c.scanner = NewScanner(transport, c.events, opts.Scanner)
	c.manager = NewManager(transport, c.events, opts.Manager)
	c.transfer = NewTransfer(transport, opts.Transfer)
	transport.SetHandler(c)
	return c
}

// Run processes commands and transport callbacks until ctx is cancelled.
func (c *Central) Run(ctx context.Context) error {
	return c.queue.Run(ctx)
}

// Events returns the observer registries.
func (c *Central) Events() *Events { return c.events }

// Scanner returns the scan controller. Only use it from the queue goroutine.
func (c *Central) Scanner() *Scanner { return c.scanner }

// Manager returns the connection manager. Only use it from the queue goroutine.
func (c *Central) Manager() *Manager { return c.manager }

// Post schedules fn on the queue goroutine without waiting.
func (c *Central) Post(fn func()) { c.queue.Post(fn) }

// StartScanning requests radio activation for serviceUUID. onReady runs on
// the queue goroutine once the radio is powered on.
func (c *Central) StartScanning(ctx context.Context, serviceUUID string, onReady func()) error {
	var err error
	if qerr := c.queue.Do(ctx, func() { err = c.scanner.StartScanning(serviceUUID, onReady) }); qerr != nil {
		return qerr
	}
	return err
}

// EnableScanning starts the platform scan; see Scanner.EnableScanning.
func (c *Central) EnableScanning(ctx context.Context) error {
	var err error
	if qerr := c.queue.Do(ctx, func() { err = c.scanner.EnableScanning() }); qerr != nil {
		return qerr
	}
	return err
}

// StopScanning stops the platform scan. It is a no-op when idle.
func (c *Central) StopScanning(ctx context.Context) error {
	var err error
	if qerr := c.queue.Do(ctx, func() { err = c.scanner.StopScanning() }); qerr != nil {
		return qerr
	}
	return err
}

// ScanningState returns the scan toggle.
func (c *Central) ScanningState(ctx context.Context) (ScanningState, error) {
	var st ScanningState
	err := c.queue.Do(ctx, func() { st = c.scanner.State() })
	return st, err
}

// Connect starts a connection; see Manager.Connect.
func (c *Central) Connect(ctx context.Context, id PeripheralID, requested []CharacteristicDescriptor) (*ConnectedDevice, error) {
	var (
		dev *ConnectedDevice
		err error
	)
	if qerr := c.queue.Do(ctx, func() { dev, err = c.manager.Connect(id, requested) }); qerr != nil {
		return nil, qerr
	}
	return dev, err
}

// Disconnect asks the transport to drop id. The Disconnected status follows
// once the transport reports it.
func (c *Central) Disconnect(ctx context.Context, id PeripheralID) error {
	var err error
	if qerr := c.queue.Do(ctx, func() { err = c.manager.Disconnect(id) }); qerr != nil {
		return qerr
	}
	return err
}

// ConnectionState returns the state of id.
func (c *Central) ConnectionState(ctx context.Context, id PeripheralID) (ConnectionState, error) {
	var (
		st ConnectionState
		ok bool
	)
	if err := c.queue.Do(ctx, func() {
		if dev, found := c.manager.Device(id); found {
			st, ok = dev.State(), true
		}
	}); err != nil {
		return Disconnected, err
	}
	if !ok {
		return Disconnected, fmt.Errorf("ble: %s: %w", id, ErrUnknownPeripheral)
	}
	return st, nil
}

// Send writes buf to char on peripheral id; see Transfer.Send.
func (c *Central) Send(ctx context.Context, id PeripheralID, char CharacteristicDescriptor, buf []byte) error {
	var err error
	if qerr := c.queue.Do(ctx, func() {
		dev, ok := c.manager.Device(id)
		if !ok {
			err = fmt.Errorf("ble: send to %s: %w", id, ErrUnknownPeripheral)
			return
		}
		err = c.transfer.Send(dev, char, buf)
	}); qerr != nil {
		return qerr
	}
	return err
}

// HandleRadioState implements Handler. It and the other Handle* methods
// only post to the queue, so transports may call them from any goroutine.
func (c *Central) HandleRadioState(state RadioState) {
	c.queue.Post(func() { c.scanner.HandleRadioState(state) })
}

func (c *Central) HandleAdvertisement(adv Advertisement) {
	c.queue.Post(func() { c.scanner.HandleAdvertisement(adv) })
}

func (c *Central) HandleConnected(id PeripheralID) {
	c.queue.Post(func() { c.manager.HandleConnected(id) })
}

func (c *Central) HandleConnectFailed(id PeripheralID, err error) {
	c.queue.Post(func() { c.manager.HandleConnectFailed(id, err) })
}

func (c *Central) HandleDisconnected(id PeripheralID, err error) {
	c.queue.Post(func() { c.manager.HandleDisconnected(id, err) })
}

func (c *Central) HandleServicesDiscovered(id PeripheralID, services []Service, err error) {
	c.queue.Post(func() { c.manager.HandleServicesDiscovered(id, services, err) })
}

func (c *Central) HandleCharacteristicsDiscovered(id PeripheralID, svc Service, chars []NativeCharacteristic, err error) {
	c.queue.Post(func() { c.manager.HandleCharacteristicsDiscovered(id, svc, chars, err) })
}

func (c *Central) HandleValueUpdated(id PeripheralID, char NativeCharacteristic, data []byte) {
	c.queue.Post(func() { c.manager.HandleValueUpdated(id, char, data) })
}

// Compile-time check that Central implements Handler.
var _ Handler = (*Central)(nil)
