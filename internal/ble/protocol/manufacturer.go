// Package protocol holds byte-level helpers for the BLE link: write
// chunking and advertisement payload decoding.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// ManufacturerDataLen is the size of the vendor payload advertised by the
// Particle firmware: company ID, platform ID and a 6-character setup code.
const ManufacturerDataLen = 2 + 2 + 6

// ManufacturerData is the decoded vendor-specific advertisement payload.
type ManufacturerData struct {
	CompanyID  uint16
	PlatformID uint16
	SetupCode  string
}

func (m ManufacturerData) String() string {
	return fmt.Sprintf("company=0x%04X platform=0x%04X setup=%s", m.CompanyID, m.PlatformID, m.SetupCode)
}

// DecodeManufacturerData parses a raw manufacturer payload. Payloads that are
// not exactly ManufacturerDataLen bytes yield ok == false.
func DecodeManufacturerData(raw []byte) (ManufacturerData, bool) {
	if len(raw) != ManufacturerDataLen {
		return ManufacturerData{}, false
	}
	return ManufacturerData{
		CompanyID:  binary.LittleEndian.Uint16(raw[0:2]),
		PlatformID: binary.LittleEndian.Uint16(raw[2:4]),
		SetupCode:  string(raw[4:10]),
	}, true
}
