package ble

import "testing"

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		names   []string
		want    Capability
		wantErr bool
	}{
		{nil, 0, false},
		{[]string{"read"}, CapRead, false},
		{[]string{"Write", " notify "}, CapWrite | CapNotify, false},
		{[]string{"write-without-response", "indicate"}, CapWriteWithoutResponse | CapIndicate, false},
		{[]string{"read", "broadcast"}, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseCapabilities(tt.names)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCapabilities(%v) error = %v, wantErr %v", tt.names, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCapabilities(%v) = %v, want %v", tt.names, got, tt.want)
		}
	}
}

func TestCapabilityString(t *testing.T) {
	if got := (CapRead | CapNotify).String(); got != "read|notify" {
		t.Errorf("String() = %q, want %q", got, "read|notify")
	}
	if got := Capability(0).String(); got != "none" {
		t.Errorf("String() = %q, want %q", got, "none")
	}
}

func TestCapabilityCanWrite(t *testing.T) {
	if !CapWrite.CanWrite() || !CapWriteWithoutResponse.CanWrite() {
		t.Error("either write bit should allow writes")
	}
	if (CapRead | CapNotify).CanWrite() {
		t.Error("read|notify should not allow writes")
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Disconnected.String(), "disconnected"},
		{Connecting.String(), "connecting"},
		{DiscoveringCharacteristics.String(), "discovering-characteristics"},
		{Connected.String(), "connected"},
		{Idle.String(), "idle"},
		{Scanning.String(), "scanning"},
		{RadioPoweredOn.String(), "powered-on"},
		{RadioUnknown.String(), "unknown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestRequestedIsCopy(t *testing.T) {
	d := &ConnectedDevice{requested: uartRequest()}
	r := d.Requested()
	r[0].UUID = "changed"
	if d.requested[0].UUID != NUSRXCharUUID {
		t.Error("Requested() should return a copy")
	}
}
