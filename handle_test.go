package usb

import (
	"errors"
	"testing"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrFromUintptr(p uintptr) unsafe.Pointer {
	return unsafe.Pointer(p)
}

// withFakeKernel mimics a kernel that accepts any submission and completes it
// immediately with the full buffer length, letting submit/reap logic be
// exercised without root or a real device.
func withFakeKernel(t *testing.T, status int32) func() {
	t.Helper()
	origIoctl, origOpen, origClose := ioctlFn, openFn, closeFn
	var lastSubmitted *usbfsURB

	ioctlFn = func(fd int, req uint, arg uintptr) error {
		switch req {
		case usbdevfsSubmitURB:
			lastSubmitted = (*usbfsURB)(ptrFromUintptr(arg))
			return nil
		case usbdevfsReapURBNDelay:
			if lastSubmitted == nil {
				return unix.EAGAIN
			}
			u := lastSubmitted
			lastSubmitted = nil
			u.ActualLength = u.BufferLength
			u.Status = status
			*(**usbfsURB)(ptrFromUintptr(arg)) = u
			return nil
		case usbdevfsClaimInterface, usbdevfsReleaseInterface:
			return nil
		case usbdevfsGetDriver:
			// No driver bound, matching a fresh device under usbfs.
			return unix.ENODATA
		default:
			return nil
		}
	}
	openFn = func(path string, mode int, perm uint32) (int, error) { return 3, nil }
	closeFn = func(fd int) error { return nil }

	return func() {
		ioctlFn, openFn, closeFn = origIoctl, origOpen, origClose
	}
}

func TestHandleBulkTransferRoundTrip(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	out, err := h.BulkTransfer(BulkIn(1), make([]byte, 32), time.Second)
	if err != nil {
		t.Fatalf("BulkTransfer: %v", err)
	}
	if len(out) != 32 {
		t.Fatalf("expected 32 bytes back, got %d", len(out))
	}
}

func TestHandleSubmitRejectsDoubleSubmit(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	ep := BulkOut(2)
	if err := h.SubmitBulkOut(ep, []byte("hello")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := h.SubmitBulkOut(ep, []byte("again")); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestHandleClaimInterface(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	if err := h.ClaimInterface(0); err != nil {
		t.Fatalf("ClaimInterface: %v", err)
	}
	if err := h.ReleaseInterface(0); err != nil {
		t.Fatalf("ReleaseInterface: %v", err)
	}
}

func TestGetStringDescriptorRejectsZeroIndex(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	if _, err := h.GetStringDescriptor(0, 0); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestHandleReadOnlyRejectsWritePath(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandleReadOnly(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandleReadOnly: %v", err)
	}
	defer h.Close()

	if err := h.ClaimInterface(0); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("ClaimInterface on read-only handle: expected ErrPermissionDenied, got %v", err)
	}
	if err := h.SubmitBulkOut(BulkOut(1), []byte("x")); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("SubmitBulkOut on read-only handle: expected ErrPermissionDenied, got %v", err)
	}
	if _, err := h.ControlTransfer(0x00, 0x09, 1, 0, nil, time.Second); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("host-to-device ControlTransfer on read-only handle: expected ErrPermissionDenied, got %v", err)
	}
}

func TestHandleReadOnlyAllowsBulkIn(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandleReadOnly(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandleReadOnly: %v", err)
	}
	defer h.Close()

	if err := h.SubmitBulkIn(BulkIn(1), 16); err != nil {
		t.Fatalf("SubmitBulkIn on read-only handle: %v", err)
	}
}

func TestHandleClaimInterfaceDetachesNonUsbfsDriver(t *testing.T) {
	origIoctl := ioctlFn
	defer func() { ioctlFn = origIoctl }()

	var claimCalled, disconnectCalled bool
	ioctlFn = func(fd int, req uint, arg uintptr) error {
		switch req {
		case usbdevfsGetDriver:
			req := (*usbfsGetDriver)(ptrFromUintptr(arg))
			copy(req.Driver[:], "usb-storage")
			return nil
		case usbdevfsDisconnectClaim:
			disconnectCalled = true
			return nil
		case usbdevfsClaimInterface:
			claimCalled = true
			return nil
		default:
			return nil
		}
	}

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h := newDeviceHandle(dev, 3, false)

	if err := h.ClaimInterface(0); err != nil {
		t.Fatalf("ClaimInterface: %v", err)
	}
	if !disconnectCalled {
		t.Fatal("expected ClaimInterface to query the bound driver and attempt a disconnect")
	}
	if claimCalled {
		t.Fatal("expected the combined disconnect-claim ioctl to be used instead of a plain claim")
	}
	if !h.claimed[0] {
		t.Fatal("expected interface 0 to be marked claimed")
	}
}

func TestHandleClaimInterfaceSurfacesUnsupportedDetach(t *testing.T) {
	origIoctl := ioctlFn
	defer func() { ioctlFn = origIoctl }()

	ioctlFn = func(fd int, req uint, arg uintptr) error {
		switch req {
		case usbdevfsGetDriver:
			req := (*usbfsGetDriver)(ptrFromUintptr(arg))
			copy(req.Driver[:], "usb-storage")
			return nil
		case usbdevfsDisconnectClaim:
			return unix.ENOSYS
		default:
			return nil
		}
	}

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h := newDeviceHandle(dev, 3, false)

	if err := h.ClaimInterface(0); !errors.Is(err, ErrDriverDetachUnsupported) {
		t.Fatalf("expected ErrDriverDetachUnsupported, got %v", err)
	}
}

func TestHandleSubmitRejectsDirtyReuse(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	ep := BulkOut(3)
	bt, err := h.NewBulkOut(ep, []byte("hello"))
	if err != nil {
		t.Fatalf("NewBulkOut: %v", err)
	}
	if err := h.Submit(bt); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if err := h.waitPending(ep, time.Second); err != nil {
		t.Fatalf("waitPending: %v", err)
	}

	if err := h.Submit(bt); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("resubmitting a dirty transfer: expected ErrInvalidParameter, got %v", err)
	}

	bt.Reset()
	if err := h.Submit(bt); err != nil {
		t.Fatalf("Submit after Reset: %v", err)
	}
}

func TestHandleReapReturnsClassifiedCompletion(t *testing.T) {
	restore := withFakeKernel(t, 0)
	defer restore()

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	ep := BulkIn(4)
	if err := h.SubmitBulkIn(ep, 8); err != nil {
		t.Fatalf("SubmitBulkIn: %v", err)
	}

	var c *Completion
	for i := 0; i < 100; i++ {
		c, err = h.Reap()
		if err != ErrWouldBlock {
			break
		}
	}
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if c.Kind() != CompletionBulk {
		t.Fatalf("expected CompletionBulk, got %v", c.Kind())
	}
	if c.Endpoint() != ep {
		t.Fatalf("expected endpoint %v, got %v", ep, c.Endpoint())
	}
	if bulk, ok := c.Bulk(); !ok || bulk == nil {
		t.Fatal("expected Bulk() to report ok with a non-nil transfer")
	}
	if _, ok := c.Control(); ok {
		t.Fatal("expected Control() to report not-ok for a bulk completion")
	}
}

func TestHandleWaitPendingStagesUnrelatedCompletion(t *testing.T) {
	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h := newDeviceHandle(dev, 3, false)

	other := &pendingTransfer{kind: pendingBulk, endpoint: BulkIn(5), bulk: &BulkTransfer{endpoint: BulkIn(5), buf: &transferBuffer{}}}
	waiting := BulkIn(6)

	origIoctl := ioctlFn
	defer func() { ioctlFn = origIoctl }()

	delivered := false
	ioctlFn = func(fd int, req uint, arg uintptr) error {
		if req != usbdevfsReapURBNDelay {
			return nil
		}
		if delivered {
			return unix.EAGAIN
		}
		delivered = true
		u := buildURB(other)
		*(**usbfsURB)(ptrFromUintptr(arg)) = u
		return nil
	}

	if err := h.waitPending(waiting, 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout waiting on an endpoint that never completes, got %v", err)
	}

	h.mu.Lock()
	staged := len(h.staged)
	h.mu.Unlock()
	if staged != 1 {
		t.Fatalf("expected the unrelated completion to be staged, got %d staged entries", staged)
	}

	completions := h.CollectResponses()
	if len(completions) != 1 {
		t.Fatalf("expected CollectResponses to return 1 completion, got %d", len(completions))
	}
	if completions[0].Endpoint() != BulkIn(5) {
		t.Fatalf("expected staged completion for endpoint %v, got %v", BulkIn(5), completions[0].Endpoint())
	}
}

func TestDetachKernelDriverUnsupported(t *testing.T) {
	origIoctl := ioctlFn
	defer func() { ioctlFn = origIoctl }()
	ioctlFn = func(fd int, req uint, arg uintptr) error {
		if req == usbdevfsDisconnectClaim {
			return unix.ENOSYS
		}
		return nil
	}

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h := &DeviceHandle{device: dev, fd: 3, claimed: map[uint8]bool{}, pending: map[Endpoint]*pendingTransfer{}}

	if err := h.DetachKernelDriver(0); !errors.Is(err, ErrDriverDetachUnsupported) {
		t.Fatalf("expected ErrDriverDetachUnsupported, got %v", err)
	}
}
