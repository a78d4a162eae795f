package usb

import "testing"

func TestUsbEnumerateWalksUsbfs(t *testing.T) {
	e := NewUsbEnumerate()
	if err := e.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	t.Logf("found %d devices via usbfs walk", len(e.Devices()))
}

func TestUsbEnumerateGetDeviceFromBusMiss(t *testing.T) {
	e := NewUsbEnumerate()
	if _, ok := e.GetDeviceFromBus(255, 255); ok {
		t.Fatal("expected no device for an empty enumerator")
	}
}

func TestParseDevicePathRejectsNonNumericComponents(t *testing.T) {
	if _, err := parseDevicePath("/dev/bus/usb/abc/001"); err == nil {
		t.Fatal("expected an error for a non-numeric bus component")
	}
}
