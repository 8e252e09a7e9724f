package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/chaz8081/blecentral/internal/ble"
)

func cmdScan(c *cli.Context) error {
	cfg := curr.cfg
	duration := cfg.Scan.Duration
	if c.IsSet("duration") {
		duration = c.Duration("duration")
	}
	if c.Bool("dup") {
		cfg.Scan.AllowDuplicates = true
	}

	central, cleanup, err := startCentral(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Scanning for %s...\n", duration)
	collector := ble.NewDeviceCollector()
	collector.OnNew = printDevice
	devices, err := ble.ScanForDevices(ctx, central, cfg.ServiceUUID, duration, collector)
	if err != nil {
		return err
	}
	fmt.Printf("%d device(s) found\n", len(devices))
	return nil
}

func printDevice(ev ble.DeviceFound) {
	name := ev.Name
	if name == "" {
		name = "(unnamed)"
	}
	fmt.Printf("[ %s ] %-20s RSSI: %d", ev.ID, name, ev.RSSI)
	if ev.Manufacturer != nil {
		fmt.Printf(" %s", ev.Manufacturer)
	}
	fmt.Println()
}
