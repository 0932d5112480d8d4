package usbip

import (
	"bytes"
	"testing"
)

func TestUrbCompleteIsOnceOnly(t *testing.T) {
	u := &Urb{}
	var calls int
	u.SetCallback(func(*Urb) { calls++ })

	u.Complete(0, []byte{1, 2, 3})
	u.Complete(5, []byte{9}) // second call must be a no-op

	if !u.Completed() {
		t.Fatal("Completed() = false after Complete")
	}
	if u.Status() != 0 {
		t.Errorf("Status() = %d, want 0 (second Complete must not overwrite)", u.Status())
	}
	if string(u.Actual()) != "\x01\x02\x03" {
		t.Errorf("Actual() = %v, want the first call's payload", u.Actual())
	}
	if calls != 1 {
		t.Errorf("callback invoked %d times, want 1", calls)
	}
}

func TestUrbControlSetupRoundTrip(t *testing.T) {
	setup := [8]byte{0x80, RequestGetDescriptor, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	ctl := NewUrbControl(setup)

	if ctl.State() != ControlStateSetup {
		t.Fatalf("State() = %v, want Setup", ctl.State())
	}
	if ctl.Request != RequestGetDescriptor {
		t.Errorf("Request = %#x, want GET_DESCRIPTOR", ctl.Request)
	}
	if ctl.Length != 0x12 {
		t.Errorf("Length = %d, want 18", ctl.Length)
	}
	if got := ctl.dataDirection(); got != DirectionIn {
		t.Errorf("dataDirection() = %v, want IN", got)
	}
	if got := ctl.setupBytes(); !bytes.Equal(got, setup[:]) {
		t.Errorf("setupBytes() = %v, want %v", got, setup)
	}
}

func TestUrbControlDataDirectionOut(t *testing.T) {
	setup := controlSetup(0x00, RequestSetConfiguration, 1, 0, 0)
	ctl := NewUrbControl(setup)
	if got := ctl.dataDirection(); got != DirectionOut {
		t.Errorf("dataDirection() = %v, want OUT for a host-to-device request", got)
	}
}
