package usb

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

type TransferType uint8

const (
	TransferTypeControl     TransferType = 0
	TransferTypeIsochronous TransferType = 1
	TransferTypeBulk        TransferType = 2
	TransferTypeInterrupt   TransferType = 3
	// TransferTypeStream tags a bulk transfer scheduled against a USB 3
	// stream ID rather than a plain endpoint. Stream submission itself
	// is not implemented, and EndpointDescriptor.TransferType never
	// returns this value: it decodes only the two transfer-type bits of
	// bmAttributes.
	TransferTypeStream TransferType = 4
)

// TransferStatus classifies a completed or failed transfer for
// reporting back to a caller beyond the raw error value.
type TransferStatus int

const (
	TransferCompleted TransferStatus = iota
	TransferError
	TransferTimedOut
	TransferCancelled
	TransferStall
	TransferNoDevice
	TransferOverflow
	TransferInProgress
)

// USB descriptor types
const (
	USB_DT_DEVICE               = 0x01
	USB_DT_CONFIG               = 0x02
	USB_DT_STRING               = 0x03
	USB_DT_INTERFACE            = 0x04
	USB_DT_ENDPOINT             = 0x05
	USB_DT_DEVICE_QUALIFIER     = 0x06
	USB_DT_OTHER_SPEED_CONFIG   = 0x07
	USB_DT_INTERFACE_POWER      = 0x08
	USB_DT_OTG                  = 0x09
	USB_DT_DEBUG                = 0x0A
	USB_DT_INTERFACE_ASSOC      = 0x0B
	USB_DT_SECURITY             = 0x0C
	USB_DT_KEY                  = 0x0D
	USB_DT_ENCRYPTION_TYPE      = 0x0E
	USB_DT_BOS                  = 0x0F
	USB_DT_DEVICE_CAPABILITY    = 0x10
	USB_DT_WIRELESS_ENDPOINT_COMP = 0x11
	USB_DT_WIRE_ADAPTER         = 0x21
	USB_DT_RPIPE                = 0x22
	USB_DT_CS_RADIO_CONTROL     = 0x23
	USB_DT_SS_ENDPOINT_COMP     = 0x30
)

// USB standard requests
const (
	USB_REQ_GET_STATUS          = 0x00
	USB_REQ_CLEAR_FEATURE       = 0x01
	USB_REQ_SET_FEATURE         = 0x03
	USB_REQ_SET_ADDRESS         = 0x05
	USB_REQ_GET_DESCRIPTOR      = 0x06
	USB_REQ_SET_DESCRIPTOR      = 0x07
	USB_REQ_GET_CONFIGURATION   = 0x08
	USB_REQ_SET_CONFIGURATION   = 0x09
	USB_REQ_GET_INTERFACE       = 0x0A
	USB_REQ_SET_INTERFACE       = 0x0B
	USB_REQ_SYNCH_FRAME         = 0x0C
)

// USB feature selectors
const (
	USB_ENDPOINT_HALT           = 0x00
	USB_DEVICE_REMOTE_WAKEUP    = 0x01
	USB_DEVICE_TEST_MODE        = 0x02
	USB_DEVICE_B_HNP_ENABLE     = 0x03
	USB_DEVICE_A_HNP_SUPPORT    = 0x04
	USB_DEVICE_A_ALT_HNP_SUPPORT = 0x05
)

// USB test modes
const (
	USB_TEST_J              = 0x01
	USB_TEST_K              = 0x02
	USB_TEST_SE0_NAK        = 0x03
	USB_TEST_PACKET         = 0x04
	USB_TEST_FORCE_ENABLE   = 0x05
)

type EndpointDirection uint8

const (
	EndpointDirectionOut EndpointDirection = 0
	EndpointDirectionIn  EndpointDirection = 0x80
)

// Context tracks enumerated devices and the handles this process has
// opened against them, and multiplexes readiness across all of them
// through a single epoll instance.
type Context struct {
	mu      sync.RWMutex
	devices []*Device
	handles []*DeviceHandle
	debug   bool

	epfd     int
	epfdOpen bool
}

func NewContext() (*Context, error) {
	return &Context{
		devices: make([]*Device, 0),
	}, nil
}

func (c *Context) SetDebug(debug bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debug = debug
	if debug {
		SetLogLevel(slog.LevelDebug)
	}
}

// GetDeviceList enumerates attached devices via the sysfs strategy.
func (c *Context) GetDeviceList() ([]*Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	enumerator := NewSysfsEnumerator()
	sysfsDevices, err := enumerator.EnumerateDevices()
	if err != nil {
		return nil, err
	}

	devices := make([]*Device, 0, len(sysfsDevices))
	for _, sysfsDevice := range sysfsDevices {
		devices = append(devices, sysfsDevice.ToUSBDevice())
	}

	c.devices = devices
	return devices, nil
}

func (c *Context) OpenDevice(vendorID, productID uint16) (*DeviceHandle, error) {
	devices, err := c.GetDeviceList()
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		if dev.Descriptor.VendorID == vendorID && dev.Descriptor.ProductID == productID {
			return c.open(dev)
		}
	}

	return nil, ErrDeviceNotFound
}

func (c *Context) OpenDeviceWithPath(path string) (*DeviceHandle, error) {
	devices, err := c.GetDeviceList()
	if err != nil {
		return nil, err
	}

	for _, dev := range devices {
		if dev.Path == path {
			return c.open(dev)
		}
	}

	return nil, ErrDeviceNotFound
}

func (c *Context) open(dev *Device) (*DeviceHandle, error) {
	handle, err := dev.Open()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.handles = append(c.handles, handle)
	if c.epfdOpen {
		_ = handle.RegisterEpoll(c.epfd, uint64(len(c.handles)-1))
	}
	c.mu.Unlock()
	return handle, nil
}

// HandleEvents processes any transfer completions that are immediately
// ready, without blocking.
func (c *Context) HandleEvents() error {
	return c.HandleEventsTimeout(0)
}

// HandleEventsTimeout waits up to timeout for a completion to become
// reapable on any handle this context opened, using epoll to avoid
// busy-polling every handle's fd in turn.
func (c *Context) HandleEventsTimeout(timeout time.Duration) error {
	c.mu.Lock()
	handles := make([]*DeviceHandle, len(c.handles))
	copy(handles, c.handles)
	if !c.epfdOpen {
		epfd, err := epollCreate()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.epfd = epfd
		c.epfdOpen = true
		for i, h := range handles {
			_ = h.RegisterEpoll(c.epfd, uint64(i))
		}
	}
	epfd := c.epfd
	c.mu.Unlock()

	if len(handles) == 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil
	}

	ready, err := epollWait(epfd, timeout)
	if err != nil {
		return err
	}
	for _, idx := range ready {
		if idx < 0 || idx >= len(handles) {
			continue
		}
		if _, err := handles[idx].Reap(); err != nil && err != ErrWouldBlock {
			Logger.Warn("reap during HandleEvents failed", "component", "context", "error", err)
		}
	}
	return nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.handles {
		h.Close()
	}
	c.handles = nil

	if c.epfdOpen {
		closeFn(c.epfd)
		c.epfdOpen = false
	}

	c.devices = nil
	return nil
}

func GetVersion() string {
	return "1.0.0"
}

func GetCapabilities() map[string]bool {
	return map[string]bool{
		"has_capability":     true,
		"has_hotplug":        false,
		"has_hid_access":     true,
		"supports_detach_kernel_driver": true,
	}
}

func IsValidDevicePath(path string) bool {
	if !strings.HasPrefix(path, "/dev/bus/usb/") {
		return false
	}
	
	parts := strings.Split(path, "/")
	if len(parts) != 6 {
		return false
	}
	
	busNum, err := strconv.Atoi(parts[4])
	if err != nil || busNum < 0 || busNum > 255 {
		return false
	}
	
	devNum, err := strconv.Atoi(parts[5])
	if err != nil || devNum < 0 || devNum > 255 {
		return false
	}
	
	return true
}