package usb

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// UsbEnumerate walks /dev/bus/usb directly, taking each device's bus and
// address from its node path rather than from the sysfs device list. Each
// node's device descriptor is loaded through Device.loadDescriptor, which
// reads the sysfs attribute files when they are present and otherwise
// reads the raw bytes the kernel returns for a plain read() against the
// usbfs file. It exists as a fallback for systems where sysfs is
// unavailable or unmounted but usbfs is, and as a cross-check against
// the sysfs-derived device list.
type UsbEnumerate struct {
	devices map[string]*Device
}

// NewUsbEnumerate returns an empty enumerator ready for Enumerate.
func NewUsbEnumerate() *UsbEnumerate {
	return &UsbEnumerate{devices: make(map[string]*Device)}
}

// Enumerate walks every bus directory under /dev/bus/usb one after
// another, loading the device nodes within each directory concurrently
// through an errgroup. A node that cannot be parsed or read is logged
// and skipped, so it does not abort the walk; an unreadable directory
// does.
func (e *UsbEnumerate) Enumerate() error {
	return e.readDir("/dev/bus/usb")
}

func (e *UsbEnumerate) readDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read usb bus directory %s: %w", dir, err)
	}

	var g errgroup.Group
	var subdirs []string
	var results = make([]*Device, len(entries))

	for i, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			subdirs = append(subdirs, path)
			continue
		}
		i, path := i, path
		g.Go(func() error {
			dev, err := parseDevicePath(path)
			if err != nil {
				Logger.Debug("skipping unreadable device node", "component", "enumerate", "path", path, "error", err)
				return nil
			}
			results[i] = dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, dev := range results {
		if dev != nil {
			e.devices[fmt.Sprintf("%d-%d", dev.Bus, dev.Address)] = dev
		}
	}

	for _, sub := range subdirs {
		if err := e.readDir(sub); err != nil {
			return err
		}
	}
	return nil
}

// parseDevicePath extracts the bus and device numbers usbfs encodes in
// the node's path (/dev/bus/usb/BBB/DDD) and loads its descriptor.
func parseDevicePath(path string) (*Device, error) {
	bus, err := strconv.Atoi(filepath.Base(filepath.Dir(path)))
	if err != nil {
		return nil, fmt.Errorf("parse bus from %s: %w", path, err)
	}
	address, err := strconv.Atoi(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("parse address from %s: %w", path, err)
	}

	dev := &Device{
		Path:    path,
		Bus:     uint8(bus),
		Address: uint8(address),
	}
	if err := dev.loadDescriptor(); err != nil {
		return nil, err
	}
	return dev, nil
}

// Devices returns every device this enumerator found, keyed
// "{bus}-{address}" to match the sysfs enumerator's device identity.
func (e *UsbEnumerate) Devices() map[string]*Device {
	return e.devices
}

// GetDeviceFromBus looks up a device by its bus and address.
func (e *UsbEnumerate) GetDeviceFromBus(bus, address uint8) (*Device, bool) {
	dev, ok := e.devices[fmt.Sprintf("%d-%d", bus, address)]
	return dev, ok
}
