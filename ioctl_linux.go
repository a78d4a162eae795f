//go:build linux

package usb

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// usbfs ioctl request codes, group 'U'. Hand-encoded the way the
// kernel's usbdevice_fs.h generates them via _IOR/_IOW/_IOWR; verified
// against an independent derivation built from the _IOWR macro in the
// retrieval corpus so the two hand-rolled tables agree bit for bit.
const (
	usbdevfsControl            = 0xc0185500
	usbdevfsBulk               = 0xc0185502
	usbdevfsResetEP            = 0x80045503
	usbdevfsSetInterface       = 0x80085504
	usbdevfsSetConfiguration  = 0x80045505
	usbdevfsGetDriver          = 0x41045508
	usbdevfsSubmitURB          = 0x8038550a
	usbdevfsDiscardURB         = 0x0000550b
	usbdevfsReapURB            = 0x4008550c
	usbdevfsReapURBNDelay      = 0x4008550d
	usbdevfsClaimInterface     = 0x8004550f
	usbdevfsReleaseInterface   = 0x80045510
	usbdevfsIoctl              = 0xc0105512
	usbdevfsClearHalt          = 0x80045515
	usbdevfsDisconnect         = 0x00005516
	usbdevfsConnect            = 0x00005517
	usbdevfsGetCapabilities    = 0x8004551a
	usbdevfsDisconnectClaim    = 0x8108551b
	usbdevfsAllocStreams       = 0x8008551c
	usbdevfsFreeStreams        = 0x8008551d
	usbdevfsReset              = 0x00005514
)

// usbfsIOCTLDisconnect is the sub-request number passed to
// USBDEVFS_IOCTL's ioctl-in-ioctl envelope to ask the kernel driver
// bound to an interface to disconnect. The kernel has a long history of
// mishandling this path (see DetachKernelDriver). Nothing in this
// package issues it: driver detach goes through USBDEVFS_DISCONNECT_CLAIM
// instead.
const usbfsIOCTLDisconnect = 22

// Capability bits reported by USBDEVFS_GET_CAPABILITIES.
const (
	CapZeroPacket          uint32 = 0x01
	CapBulkContinuation    uint32 = 0x02
	CapNoPacketSizeLim     uint32 = 0x04
	CapBulkScatterGather   uint32 = 0x08
	CapReapAfterDisconnect uint32 = 0x10
	CapMMAP                uint32 = 0x20
	CapDropPrivileges      uint32 = 0x40
)

// URB type tags, matching usbdevfs_urb.type.
const (
	urbTypeIso       uint8 = 0
	urbTypeInterrupt uint8 = 1
	urbTypeControl   uint8 = 2
	urbTypeBulk      uint8 = 3
)

// usbfsURB mirrors struct usbdevfs_urb field for field. The kernel's
// iso_frame_desc flexible array member is omitted: isochronous
// submission is not implemented (see isochronous.go).
type usbfsURB struct {
	Type            uint8
	Endpoint        uint8
	Status          int32
	Flags           uint32
	Buffer          uintptr
	BufferLength    int32
	ActualLength    int32
	StartFrame      int32
	PacketsOrStream uint32
	ErrorCount      int32
	SigNumber       uint32
	UserContext     uintptr
}

type usbfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	_           [4]byte
	Data        uintptr
}

type usbfsBulkTransfer struct {
	Endpoint uint32
	Length   uint32
	Timeout  uint32
	_        [4]byte
	Data     uintptr
}

type usbfsSetInterface struct {
	Interface  uint32
	AltSetting uint32
}

type usbfsGetDriver struct {
	Interface uint32
	Driver    [256]byte
}

type usbfsDisconnectClaim struct {
	Interface uint32
	Flags     uint32
	Driver    [256]byte
}

type usbfsConnectInfo struct {
	Devnum uint32
	Slow   uint8
	_      [3]byte
}

// Injection seams. Production code always installs the unix.* backed
// defaults; tests replace these package-level variables to exercise the
// pending-table and URB marshalling logic without root or a real
// device, the same pattern gousb uses for its cgo transfer hooks.
var (
	ioctlFn  = unixIoctl
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap
	openFn   = unix.Open
	closeFn  = unix.Close
)

// uintptrOf converts any pointer into the uintptr form ioctlFn expects.
// Centralizing the unsafe.Pointer cast keeps every call site free of
// repeated //nolint-style noise.
func uintptrOf(p any) uintptr {
	switch v := p.(type) {
	case *uint32:
		return uintptr(unsafe.Pointer(v))
	case **usbfsURB:
		return uintptr(unsafe.Pointer(v))
	case *usbfsURB:
		return uintptr(unsafe.Pointer(v))
	case *usbfsSetInterface:
		return uintptr(unsafe.Pointer(v))
	case *usbfsGetDriver:
		return uintptr(unsafe.Pointer(v))
	case *usbfsDisconnectClaim:
		return uintptr(unsafe.Pointer(v))
	case *usbfsCtrlTransfer:
		return uintptr(unsafe.Pointer(v))
	case *usbfsBulkTransfer:
		return uintptr(unsafe.Pointer(v))
	case *usbfsConnectInfo:
		return uintptr(unsafe.Pointer(v))
	default:
		panic("usb: uintptrOf: unsupported pointer type")
	}
}

func unixIoctl(fd int, req uint, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// syscallErrnoFromStatus converts a URB's negative-errno completion
// status, as reported by the kernel in usbdevfs_urb.status, into a
// syscall.Errno classifyErrno can match against.
func syscallErrnoFromStatus(status int32) error {
	if status >= 0 {
		return syscall.Errno(0)
	}
	return syscall.Errno(-status)
}

func classifyErrno(err error) error {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return ErrOther
	}
	switch errno {
	case syscall.ENODEV, syscall.ENOENT:
		return ErrDeviceNotFound
	case syscall.EACCES, syscall.EPERM:
		return ErrPermissionDenied
	case syscall.EBUSY:
		return ErrDeviceBusy
	case syscall.EINVAL:
		return ErrInvalidParameter
	case syscall.ENOSYS, syscall.ENOTTY:
		return ErrNotSupported
	case syscall.ETIMEDOUT:
		return ErrTimeout
	case syscall.EPIPE:
		return ErrPipe
	case syscall.EINTR:
		return ErrInterrupted
	case syscall.ENOMEM:
		return ErrNoMemory
	case syscall.EAGAIN:
		return ErrWouldBlock
	case syscall.EEXIST:
		return ErrAlreadyExists
	case syscall.EIO:
		return ErrIO
	default:
		return ErrOther
	}
}

// mmapBuffer maps capacity bytes against fd, as usbfs requires for
// zero-copy transfer buffers when USBDEVFS_CAP_MMAP is set.
func mmapBuffer(fd int, capacity int) (unsafe.Pointer, func(), error) {
	region, err := mmapFn(fd, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, wrapErrno("mmap", err)
	}
	ptr := unsafe.Pointer(&region[0])
	freed := false
	free := func() {
		if freed {
			return
		}
		freed = true
		_ = munmapFn(region)
	}
	return ptr, free, nil
}
