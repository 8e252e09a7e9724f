package ble

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// ScannerOptions configures the scan controller.
type ScannerOptions struct {
	// AllowDuplicates asks the platform to report every advertisement
	// instead of coalescing repeats from the same peripheral.
	AllowDuplicates bool
}

// Scanner tracks radio power and the scan toggle, and turns matching
// advertisements into DeviceFound events. It is not safe for concurrent use.
type Scanner struct {
	transport Transport
	events    *Events
	opts      ScannerOptions

	serviceUUID string
	state       ScanningState
	radio       RadioState
	onReady     func()
}

// NewScanner creates an idle scanner.
func NewScanner(transport Transport, events *Events, opts ScannerOptions) *Scanner {
	return &Scanner{
		transport: transport,
		events:    events,
		opts:      opts,
	}
}

// State returns the current scan toggle.
func (s *Scanner) State() ScanningState { return s.state }

// RadioState returns the last power state reported by the transport.
func (s *Scanner) RadioState() RadioState { return s.radio }

// ServiceUUID returns the service advertisements are filtered by.
func (s *Scanner) ServiceUUID() string { return s.serviceUUID }

// StartScanning records the target service and requests radio activation.
// onReady runs once, on the first powered-on report after this call; if the
// radio is already powered on it runs before StartScanning returns.
func (s *Scanner) StartScanning(serviceUUID string, onReady func()) error {
	s.serviceUUID = serviceUUID
	s.onReady = onReady

	if err := s.transport.RequestRadioActivation(); err != nil {
		s.onReady = nil
		return fmt.Errorf("ble: request radio activation: %w", err)
	}

	if s.radio == RadioPoweredOn {
		s.fireReady()
	}
	return nil
}

// EnableScanning moves Idle to Scanning and starts the platform scan.
func (s *Scanner) EnableScanning() error {
	if s.state == Scanning {
		return ErrAlreadyScanning
	}
	if err := s.transport.BeginScan(s.opts.AllowDuplicates); err != nil {
		return fmt.Errorf("ble: begin scan: %w", err)
	}
	slog.Info("[SCAN] scanning started", "service", s.serviceUUID)
	s.setState(Scanning)
	return nil
}

// StopScanning returns to Idle. Safe to call when already idle.
func (s *Scanner) StopScanning() error {
	if s.state == Idle {
		return nil
	}
	err := s.transport.StopScan()
	if err != nil {
		// The scan toggle follows the caller's intent; a failed stop is
		// still reported so it can be retried.
		err = fmt.Errorf("ble: stop scan: %w", err)
	}
	slog.Info("[SCAN] scanning stopped")
	s.setState(Idle)
	return err
}

// HandleRadioState records a power edge and fires the pending ready callback.
func (s *Scanner) HandleRadioState(state RadioState) {
	prev := s.radio
	s.radio = state
	slog.Info("[SCAN] radio state", "state", state, "previous", prev)

	if state == RadioPoweredOn {
		s.fireReady()
		return
	}
	if s.state == Scanning {
		// The platform stopped scanning along with the radio.
		s.setState(Idle)
	}
}

// HandleAdvertisement emits DeviceFound for every advertisement that lists
// the target service. Repeats are not filtered here.
func (s *Scanner) HandleAdvertisement(adv Advertisement) {
	if s.state != Scanning || !advertises(adv.ServiceUUIDs, s.serviceUUID) {
		return
	}

	ev := DeviceFound{ID: adv.ID, Name: adv.LocalName, RSSI: adv.RSSI}
	if md, ok := protocol.DecodeManufacturerData(adv.ManufacturerData); ok {
		ev.Manufacturer = &md
	}
	slog.Debug("[SCAN] device found", "peripheral", adv.ID, "name", adv.LocalName, "rssi", adv.RSSI)
	s.events.InformDeviceFound(ev)
}

func (s *Scanner) fireReady() {
	cb := s.onReady
	s.onReady = nil
	if cb != nil {
		cb()
	}
}

func (s *Scanner) setState(state ScanningState) {
	s.state = state
	s.events.InformScanStatus(ScanStatus{State: state})
}

func advertises(uuids []string, target string) bool {
	for _, u := range uuids {
		if strings.EqualFold(u, target) {
			return true
		}
	}
	return false
}
