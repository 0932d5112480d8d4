package usbip

import (
	"context"
	"testing"
	"time"
)

func TestEnumerateFillsDeviceInfo(t *testing.T) {
	peripheral := newTestPeripheral()
	peripheral.device.VendorID = 0x1d50
	peripheral.device.ProductID = 0x6130
	peripheral.device.DeviceClass = 0xff

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peripheral.run(ctx)
	peripheral.core.BusID = "1-1"

	info, config, err := Enumerate(ctx, peripheral.core)
	if err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	if info.VendorID != 0x1d50 || info.ProductID != 0x6130 {
		t.Errorf("VendorID/ProductID = %#x/%#x, want 0x1d50/0x6130", info.VendorID, info.ProductID)
	}
	if info.BusID != "1-1" {
		t.Errorf("BusID = %q, want %q", info.BusID, "1-1")
	}
	if len(info.Interfaces) != 1 || info.Interfaces[0].Class != 0xff {
		t.Fatalf("Interfaces = %+v, want one vendor-specific interface", info.Interfaces)
	}
	if len(config.Interfaces) != 1 {
		t.Fatalf("config.Interfaces = %d, want 1", len(config.Interfaces))
	}
	if peripheral.core.Info() == nil {
		t.Error("DeviceCore.Info() still nil after a successful Enumerate")
	}
	if peripheral.core.Peripheral.DeviceAddress() != 1 {
		t.Errorf("DeviceAddress() = %d, want 1 (set via SET_ADDRESS)", peripheral.core.Peripheral.DeviceAddress())
	}
}

func TestEnumerateCancellation(t *testing.T) {
	// No driver is running to answer control requests, so the enumeration
	// request never completes until ctx is cancelled.
	core := NewDeviceCore(0, "1-1", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, _, err := Enumerate(ctx, core); err == nil {
		t.Fatal("Enumerate against an unresponsive device returned no error")
	}
}
