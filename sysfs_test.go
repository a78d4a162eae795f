package usb

import "testing"

func TestSysfsEnumerateDevices(t *testing.T) {
	devices, err := NewSysfsEnumerator().EnumerateDevices()
	if err != nil {
		t.Fatalf("EnumerateDevices: %v", err)
	}
	t.Logf("found %d sysfs devices", len(devices))

	for _, d := range devices {
		dev := d.ToUSBDevice()
		if dev.Path == "" {
			t.Errorf("device %d-%d produced an empty usbfs path", d.BusNum, d.DevNum)
		}
		if dev.Descriptor.VendorID != d.VID {
			t.Errorf("VendorID mismatch after ToUSBDevice: got %04x want %04x", dev.Descriptor.VendorID, d.VID)
		}
	}
}

func TestSysfsDeviceCarriesCachedStrings(t *testing.T) {
	sd := &SysfsDevice{
		BusNum:       1,
		DevNum:       2,
		VID:          0x1234,
		PID:          0x5678,
		Manufacturer: "Acme",
		Product:      "Widget",
		Serial:       "SN1",
	}
	dev := sd.ToUSBDevice()
	if dev.sysfsStrings == nil {
		t.Fatal("expected cached sysfs strings")
	}
	if dev.sysfsStrings.Manufacturer != "Acme" || dev.sysfsStrings.Product != "Widget" || dev.sysfsStrings.Serial != "SN1" {
		t.Errorf("sysfs strings not carried through: %+v", dev.sysfsStrings)
	}
	if dev.Path != "/dev/bus/usb/001/002" {
		t.Errorf("unexpected device path: %s", dev.Path)
	}
}
