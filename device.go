package usb

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DeviceDescriptor is the 18-byte standard USB device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// InterfaceAssocDescriptor is the Interface Association Descriptor
// (IAD), used to group multiple interfaces under one logical function.
type InterfaceAssocDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	Function         uint8
}

// SuperSpeedEndpointCompanionDescriptor augments an EndpointDescriptor
// on USB 3.0+ devices.
type SuperSpeedEndpointCompanionDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

// BOSDescriptor is the Binary Object Store descriptor header; its
// device capability records follow immediately in the raw byte stream.
type BOSDescriptor struct {
	Length        uint8
	DescriptorType uint8
	TotalLength   uint16
	NumDeviceCaps uint8
}

// DeviceCapabilityDescriptor is the common header shared by every BOS
// device capability record; DevCapabilityType selects how the
// remaining bytes (not modeled here) are interpreted.
type DeviceCapabilityDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DevCapabilityType uint8
}

// USB2ExtensionCapability is a BOS device capability record describing
// Link Power Management support.
type USB2ExtensionCapability struct {
	Length            uint8
	DescriptorType    uint8
	DevCapabilityType uint8
	Attributes        uint32
}

// SuperSpeedUSBCapability is a BOS device capability record describing
// SuperSpeed-specific device attributes.
type SuperSpeedUSBCapability struct {
	Length                 uint8
	DescriptorType         uint8
	DevCapabilityType      uint8
	Attributes             uint8
	SpeedsSupported        uint16
	FunctionalitySupported uint8
	U1DevExitLat           uint8
	U2DevExitLat           uint16
}

// OTGDescriptor describes On-The-Go and dual-role capabilities.
type OTGDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Attributes     uint8
}

// DeviceQualifierDescriptor describes how a device would operate at the
// other USB speed (high speed vs full speed) than the one it currently
// runs at.
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	NumConfigurations uint8
	Reserved          uint8
}

// UnmarshalBOS parses a raw Binary Object Store descriptor — the header
// plus its NumDeviceCaps capability records — classifying the two
// capability types this core understands (USB 2.0 extension and
// SuperSpeed) and returning the rest as opaque DeviceCapabilityDescriptor
// headers for the caller to interpret further.
func UnmarshalBOS(data []byte) (*BOSDescriptor, []any, error) {
	if len(data) < 5 {
		return nil, nil, fmt.Errorf("bos descriptor too short: %d bytes", len(data))
	}
	bos := &BOSDescriptor{
		Length:         data[0],
		DescriptorType: data[1],
		TotalLength:    binary.LittleEndian.Uint16(data[2:4]),
		NumDeviceCaps:  data[4],
	}

	const (
		capTypeUSB2Extension = 0x02
		capTypeSuperSpeed    = 0x03
	)

	var caps []any
	pos := int(bos.Length)
	for pos < len(data) && len(caps) < int(bos.NumDeviceCaps) {
		if pos+3 > len(data) {
			break
		}
		length := int(data[pos])
		if length < 3 || pos+length > len(data) {
			break
		}
		capType := data[pos+2]
		switch {
		case capType == capTypeUSB2Extension && length >= 7:
			caps = append(caps, USB2ExtensionCapability{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				DevCapabilityType: data[pos+2],
				Attributes:        binary.LittleEndian.Uint32(data[pos+3 : pos+7]),
			})
		case capType == capTypeSuperSpeed && length >= 10:
			caps = append(caps, SuperSpeedUSBCapability{
				Length:                 data[pos],
				DescriptorType:         data[pos+1],
				DevCapabilityType:      data[pos+2],
				Attributes:             data[pos+3],
				SpeedsSupported:        binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				FunctionalitySupported: data[pos+6],
				U1DevExitLat:           data[pos+7],
				U2DevExitLat:           binary.LittleEndian.Uint16(data[pos+8 : pos+10]),
			})
		default:
			caps = append(caps, DeviceCapabilityDescriptor{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				DevCapabilityType: data[pos+2],
			})
		}
		pos += length
	}
	return bos, caps, nil
}

// SysfsStrings caches the human-readable strings sysfs exposes directly
// as files, sparing a GetStringDescriptor round trip for the common
// case.
type SysfsStrings struct {
	Manufacturer string
	Product      string
	Serial       string
}

// Device is an enumerated USB device: its bus/address location, parsed
// descriptor, and a path to the usbfs node that Open uses. It does not
// itself hold an open file descriptor; DeviceHandle does.
type Device struct {
	Path         string
	Bus          uint8
	Address      uint8
	Descriptor   DeviceDescriptor
	Configs      []ConfigDescriptor
	sysfsStrings *SysfsStrings
}

// Open opens the usbfs node for d and returns a handle ready for
// interface claims and transfers.
func (d *Device) Open() (*DeviceHandle, error) {
	return openHandle(d, d.Path)
}

// OpenReadOnly opens the usbfs node for d with writes disabled.
// Claiming interfaces, issuing host-to-device control transfers,
// submitting OUT bulk transfers, and GetStringDescriptor against the
// resulting handle all fail with ErrPermissionDenied; IN bulk transfers
// and device-to-host control transfers still work normally.
func (d *Device) OpenReadOnly() (*DeviceHandle, error) {
	return openHandleReadOnly(d, d.Path)
}

// loadDescriptor populates d.Descriptor, preferring the cached sysfs
// attribute files (no open() of the usbfs node required) and falling
// back to reading the raw 18-byte device descriptor directly from the
// device file.
func (d *Device) loadDescriptor() error {
	sysfsPath := fmt.Sprintf("/sys/bus/usb/devices/%d-%d", d.Bus, d.Address)
	if err := d.loadFromSysfs(sysfsPath); err == nil {
		return nil
	}

	file, err := os.Open(d.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	buf := make([]byte, 18)
	n, err := file.Read(buf)
	if err != nil || n < 18 {
		return fmt.Errorf("read device descriptor: %w", err)
	}

	d.Descriptor = DeviceDescriptor{
		Length:            buf[0],
		DescriptorType:    buf[1],
		USBVersion:        binary.LittleEndian.Uint16(buf[2:4]),
		DeviceClass:       buf[4],
		DeviceSubClass:    buf[5],
		DeviceProtocol:    buf[6],
		MaxPacketSize0:    buf[7],
		VendorID:          binary.LittleEndian.Uint16(buf[8:10]),
		ProductID:         binary.LittleEndian.Uint16(buf[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(buf[12:14]),
		ManufacturerIndex: buf[14],
		ProductIndex:      buf[15],
		SerialNumberIndex: buf[16],
		NumConfigurations: buf[17],
	}
	return nil
}

func (d *Device) loadFromSysfs(sysfsPath string) error {
	readHex := func(path string) (uint16, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		var val uint16
		if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%x", &val); err != nil {
			return 0, err
		}
		return val, nil
	}
	readDec := func(path string) (uint8, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		var val uint8
		if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &val); err != nil {
			return 0, err
		}
		return val, nil
	}

	vid, err := readHex(filepath.Join(sysfsPath, "idVendor"))
	if err != nil {
		return err
	}
	pid, err := readHex(filepath.Join(sysfsPath, "idProduct"))
	if err != nil {
		return err
	}
	bcdUSB, err := readHex(filepath.Join(sysfsPath, "bcdUSB"))
	if err != nil {
		return err
	}
	bcdDevice, err := readHex(filepath.Join(sysfsPath, "bcdDevice"))
	if err != nil {
		return err
	}
	devClass, err := readDec(filepath.Join(sysfsPath, "bDeviceClass"))
	if err != nil {
		return err
	}
	devSubClass, err := readDec(filepath.Join(sysfsPath, "bDeviceSubClass"))
	if err != nil {
		return err
	}
	devProtocol, err := readDec(filepath.Join(sysfsPath, "bDeviceProtocol"))
	if err != nil {
		return err
	}
	maxPacketSize, err := readDec(filepath.Join(sysfsPath, "bMaxPacketSize0"))
	if err != nil {
		return err
	}
	numConfigs, err := readDec(filepath.Join(sysfsPath, "bNumConfigurations"))
	if err != nil {
		return err
	}

	d.Descriptor = DeviceDescriptor{
		Length:            18,
		DescriptorType:    1,
		USBVersion:        bcdUSB,
		DeviceClass:       devClass,
		DeviceSubClass:    devSubClass,
		DeviceProtocol:    devProtocol,
		MaxPacketSize0:    maxPacketSize,
		VendorID:          vid,
		ProductID:         pid,
		DeviceVersion:     bcdDevice,
		NumConfigurations: numConfigs,
	}
	return nil
}
