package ble

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/blecentral/internal/ble/protocol"
)

// TransferOptions configures outbound writes.
type TransferOptions struct {
	InterChunkDelay time.Duration // pause between chunks, zero for none
}

// Transfer fragments outbound buffers into MTU-sized writes. It keeps no
// state between calls.
type Transfer struct {
	transport Transport
	opts      TransferOptions
}

// NewTransfer creates a transfer engine over transport.
func NewTransfer(transport Transport, opts TransferOptions) *Transfer {
	return &Transfer{transport: transport, opts: opts}
}

// Send writes buf to the characteristic in order, one write-without-response
// per chunk. Every precondition is checked before the first write; an empty
// buffer issues no writes.
func (t *Transfer) Send(dev *ConnectedDevice, char CharacteristicDescriptor, buf []byte) error {
	if dev.state != Connected {
		return fmt.Errorf("ble: send to %s (%s): %w", dev.id, dev.state, ErrNotReady)
	}
	req, ok := dev.descriptor(char.UUID)
	if !ok || !req.Capabilities.CanWrite() {
		return fmt.Errorf("ble: send to %s: %s: %w", dev.id, char.UUID, ErrNotWritable)
	}
	handle, ok := dev.Resolved(req.UUID)
	if !ok {
		return fmt.Errorf("ble: send to %s: %s: %w", dev.id, char.UUID, ErrNotResolved)
	}

	size, err := t.transport.MaxWriteChunkSize(dev.id, WriteWithoutResponse)
	if err != nil {
		return fmt.Errorf("ble: send to %s: %w: %v", dev.id, ErrChunkSize, err)
	}
	if size < 1 {
		return fmt.Errorf("ble: send to %s: %w: %d", dev.id, ErrChunkSize, size)
	}

	chunks := protocol.ChunkBytes(buf, size)
	slog.Debug("[BLE] send", "peripheral", dev.id, "characteristic", req.UUID, "bytes", len(buf), "chunks", len(chunks), "chunk_size", size)
	for i, chunk := range chunks {
		if err := t.transport.Write(handle, chunk, WriteWithoutResponse); err != nil {
			return fmt.Errorf("ble: send to %s: chunk %d/%d: %w", dev.id, i+1, len(chunks), err)
		}
		if i < len(chunks)-1 && t.opts.InterChunkDelay > 0 {
			time.Sleep(t.opts.InterChunkDelay)
		}
	}
	return nil
}
