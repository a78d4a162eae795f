package usb

import (
	"os"
	"testing"
	"time"
)

func TestNewContext(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()
}

func TestGetDeviceList(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	devices, err := ctx.GetDeviceList()
	if err != nil {
		t.Fatalf("GetDeviceList: %v", err)
	}
	t.Logf("found %d devices", len(devices))
}

func TestHandleEventsNoHandles(t *testing.T) {
	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	if err := ctx.HandleEvents(); err != nil {
		t.Fatalf("HandleEvents with no registered handles: %v", err)
	}

	start := time.Now()
	if err := ctx.HandleEventsTimeout(50 * time.Millisecond); err != nil {
		t.Fatalf("HandleEventsTimeout: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("HandleEventsTimeout returned too early: %v", elapsed)
	}
}

func TestOpenDeviceRequiresRoot(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to open a real usbfs node")
	}

	ctx, err := NewContext()
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	devices, err := ctx.GetDeviceList()
	if err != nil || len(devices) == 0 {
		t.Skip("no USB devices available for testing")
	}

	handle, err := ctx.OpenDeviceWithPath(devices[0].Path)
	if err != nil {
		if err == ErrPermissionDenied {
			t.Skip("permission denied opening device")
		}
		t.Fatalf("OpenDeviceWithPath: %v", err)
	}
	defer handle.Close()
}
