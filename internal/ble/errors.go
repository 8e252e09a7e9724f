package ble

import "errors"

// Contract violations. These replace process-fatal assertions; callers
// match them with errors.Is.
var (
	ErrAlreadyScanning         = errors.New("ble: already scanning")
	ErrConnectInProgress       = errors.New("ble: peripheral is not disconnected")
	ErrNoCharacteristics       = errors.New("ble: no characteristics requested")
	ErrDuplicateCharacteristic = errors.New("ble: characteristic requested twice")
	ErrUnknownPeripheral       = errors.New("ble: unknown peripheral")
	ErrNotConnected            = errors.New("ble: peripheral is already disconnected")
	ErrProtocolViolation       = errors.New("ble: transport callback out of order")
)

// Connection failures, carried on PeripheralStatus.Err.
var (
	ErrCharacteristicsNotFound = errors.New("ble: requested characteristics not found")
	ErrConnectTimeout          = errors.New("ble: connect timed out")
)

// Transfer failures.
var (
	ErrNotReady    = errors.New("ble: peripheral is not connected")
	ErrNotWritable = errors.New("ble: characteristic is not writable")
	ErrNotResolved = errors.New("ble: characteristic not resolved")
	ErrChunkSize   = errors.New("ble: transport reported no usable chunk size")

	ErrUnsupportedWriteMode = errors.New("ble: write mode not supported by transport")
)
