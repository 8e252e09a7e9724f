package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli"

	"github.com/chaz8081/blecentral/internal/ble"
)

func cmdConnect(c *cli.Context) error {
	cfg := curr.cfg
	id := ble.PeripheralID(c.String("id"))
	if id == "" {
		return errors.New("--id is required; run scan to list peripherals")
	}

	requested, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	writable, ok := firstWritable(requested)
	if !ok {
		slog.Warn("No writable characteristic configured; stdin is ignored")
	}

	central, cleanup, err := startCentral(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	central.Events().RegisterPeripheralStatus(ble.PeripheralStatusFunc(func(ev ble.PeripheralStatus) {
		if ev.ID != id {
			return
		}
		if ev.Err != nil {
			fmt.Printf("[ %s ] %s: %v\n", ev.ID, ev.State, ev.Err)
			return
		}
		fmt.Printf("[ %s ] %s\n", ev.ID, ev.State)
	}))
	central.Events().RegisterData(ble.DataFunc(func(ev ble.DataReceived) {
		fmt.Printf("[ %s ] %s: %q\n", ev.ID, ev.Characteristic, ev.Data)
	}))

	var reconnector *ble.Reconnector
	if c.Bool("reconnect") || cfg.Connect.Reconnect {
		reconnector = ble.NewReconnector(central, cfg.Connect.ReconnectMax)
		reconnector.Watch(id, requested)
		defer reconnector.Stop()
	}

	// Connecting needs a powered radio, so the request is issued from the
	// ready callback on the central's queue.
	started := make(chan error, 1)
	err = central.StartScanning(ctx, cfg.ServiceUUID, func() {
		_, err := central.Manager().Connect(id, requested)
		started <- err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-started:
		if err != nil && reconnector == nil {
			return err
		}
	case <-ctx.Done():
		return nil
	}

	if ok {
		go pump(ctx, central, id, writable)
	}
	<-ctx.Done()

	if reconnector != nil {
		reconnector.Unwatch(id)
	}
	return disconnect(central, id)
}

// pump sends each stdin line, newline included, to the peripheral.
func pump(ctx context.Context, central *ble.Central, id ble.PeripheralID, char ble.CharacteristicDescriptor) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := append([]byte(sc.Text()), '\n')
		if err := central.Send(ctx, id, char, line); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Send failed", "peripheral", id, "error", err)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("Reading stdin", "error", err)
	}
}

func disconnect(central *ble.Central, id ble.PeripheralID) error {
	// The signal context is spent by now.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := central.Disconnect(ctx, id)
	if err == nil || errors.Is(err, ble.ErrNotConnected) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func firstWritable(requested []ble.CharacteristicDescriptor) (ble.CharacteristicDescriptor, bool) {
	for _, r := range requested {
		if r.Capabilities.CanWrite() {
			return r, true
		}
	}
	return ble.CharacteristicDescriptor{}, false
}
