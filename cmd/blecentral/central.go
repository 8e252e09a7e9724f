package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/chaz8081/blecentral/internal/ble"
	"github.com/chaz8081/blecentral/internal/bluez"
	"github.com/chaz8081/blecentral/internal/config"
)

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startCentral builds the platform transport and runs a Central on it. The
// returned function stops the central and releases the transport.
func startCentral(cfg *config.Config) (*ble.Central, func(), error) {
	opts := ble.TinyGoOptions{
		ServiceUUIDs:     []string{cfg.ServiceUUID},
		DefaultChunkSize: cfg.Transfer.DefaultChunkSize,
	}

	var watcher *bluez.PowerWatcher
	if runtime.GOOS == "linux" && cfg.BlueZ.WatchPower {
		w, err := bluez.NewPowerWatcher(cfg.BlueZ.Adapter)
		if err != nil {
			// tinygo still works without power edges.
			slog.Warn("[BLUEZ] power watcher disabled", "error", err)
		} else {
			watcher = w
			opts.Power = w
		}
	}

	transport, err := ble.NewTinyGoTransport(opts)
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return nil, nil, fmt.Errorf("creating transport: %w", err)
	}

	central := ble.NewCentral(transport, ble.Options{
		Scanner:  ble.ScannerOptions{AllowDuplicates: cfg.Scan.AllowDuplicates},
		Manager:  ble.ManagerOptions{ConnectTimeout: cfg.Connect.Timeout},
		Transfer: ble.TransferOptions{InterChunkDelay: cfg.Transfer.InterChunkDelay},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		central.Run(ctx)
	}()

	cleanup := func() {
		cancel()
		<-done
		transport.Close()
		if watcher != nil {
			watcher.Close()
		}
	}
	return central, cleanup, nil
}
