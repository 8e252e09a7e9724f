// Package bluez watches the BlueZ adapter power state over the system
// D-Bus. tinygo's Enable only reports that the stack came up once; this
// supplies the later on/off edges on Linux.
package bluez

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	propsIface   = "org.freedesktop.DBus.Properties"
	propsSignal  = propsIface + ".PropertiesChanged"
)

// AdapterPath returns the object path of a BlueZ adapter such as "hci0".
func AdapterPath(adapter string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapter)
}

// PowerWatcher reports Adapter1.Powered for one adapter.
type PowerWatcher struct {
	conn *dbus.Conn
	path dbus.ObjectPath
}

// NewPowerWatcher opens a private system bus connection for the given
// adapter name.
func NewPowerWatcher(adapter string) (*PowerWatcher, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	return &PowerWatcher{conn: conn, path: AdapterPath(adapter)}, nil
}

// Close releases the bus connection.
func (w *PowerWatcher) Close() error {
	return w.conn.Close()
}

// Powered reads the current power state.
func (w *PowerWatcher) Powered() (bool, error) {
	obj := w.conn.Object(busName, w.path)
	var v dbus.Variant
	if err := obj.Call(propsIface+".Get", 0, adapterIface, "Powered").Store(&v); err != nil {
		return false, fmt.Errorf("bluez: get Powered on %s: %w", w.path, err)
	}
	on, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: property Powered is %T, not bool", v.Value())
	}
	return on, nil
}

// WatchPowered reports the current state, then every change, until ctx is
// cancelled. It returns once the subscription is in place.
func (w *PowerWatcher) WatchPowered(ctx context.Context, fn func(on bool)) error {
	on, err := w.Powered()
	if err != nil {
		return err
	}

	if err := w.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(w.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("bluez: subscribe to %s: %w", w.path, err)
	}

	ch := make(chan *dbus.Signal, 16)
	w.conn.Signal(ch)

	fn(on)
	go func() {
		defer w.conn.RemoveSignal(ch)
		last := on
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				powered, changed := poweredChange(sig, w.path)
				if !changed || powered == last {
					continue
				}
				last = powered
				slog.Info("[BLUEZ] adapter power changed", "adapter", w.path, "powered", powered)
				fn(powered)
			}
		}
	}()
	return nil
}

// poweredChange extracts Adapter1.Powered from a PropertiesChanged signal
// for path. changed is false when the signal does not carry it.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (powered, changed bool) {
	if sig == nil || sig.Path != path || sig.Name != propsSignal || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return false, false
	}
	props, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := props["Powered"]
	if !ok {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}
