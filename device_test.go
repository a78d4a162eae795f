package usb

import "testing"

func TestIsValidDevicePath(t *testing.T) {
	tests := getDevicePathTestCases()

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := IsValidDevicePath(tt.path); got != tt.valid {
				t.Errorf("IsValidDevicePath(%q) = %v, want %v", tt.path, got, tt.valid)
			}
		})
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Fatal("GetVersion returned an empty string")
	}
}

func TestGetCapabilities(t *testing.T) {
	caps := GetCapabilities()
	if _, ok := caps["has_hotplug"]; !ok {
		t.Fatal("expected has_hotplug capability key")
	}
}

func TestUnmarshalBOSClassifiesKnownCapabilities(t *testing.T) {
	data := []byte{
		0x05, 0x0f, 0x16, 0x00, 0x02, // BOS header: length 5, total 0x16, 2 caps
		0x07, 0x10, 0x02, 0x06, 0x00, 0x00, 0x00, // USB 2.0 extension capability
		0x0a, 0x10, 0x03, 0x00, 0x0e, 0x00, 0x03, 0x0a, 0xff, 0x07, // SuperSpeed capability
	}
	bos, caps, err := UnmarshalBOS(data)
	if err != nil {
		t.Fatalf("UnmarshalBOS: %v", err)
	}
	if bos.NumDeviceCaps != 2 {
		t.Fatalf("expected 2 device capabilities, got %d", bos.NumDeviceCaps)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 parsed capability records, got %d", len(caps))
	}
	if _, ok := caps[0].(USB2ExtensionCapability); !ok {
		t.Fatalf("expected first capability to be USB2ExtensionCapability, got %T", caps[0])
	}
	if _, ok := caps[1].(SuperSpeedUSBCapability); !ok {
		t.Fatalf("expected second capability to be SuperSpeedUSBCapability, got %T", caps[1])
	}
}

func TestLoadDescriptorFallsBackToUsbfsRead(t *testing.T) {
	d := &Device{Path: "/dev/bus/usb/999/999", Bus: 99, Address: 99}
	if err := d.loadDescriptor(); err == nil {
		t.Fatal("expected an error for a nonexistent device path and sysfs entry")
	}
}
