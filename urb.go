package usb

import "unsafe"

// pendingKind distinguishes which concrete transfer type a reaped URB's
// usercontext pointer unboxes to.
type pendingKind uint8

const (
	pendingControl pendingKind = iota
	pendingBulk
)

// pendingTransfer is boxed onto the heap and its address handed to the
// kernel as usbdevfs_urb.usercontext. The kernel returns the same
// pointer verbatim at reap time; unboxing it is how this core recovers
// which transfer, on which endpoint, a completion belongs to.
type pendingTransfer struct {
	kind     pendingKind
	endpoint Endpoint
	control  *ControlTransfer
	bulk     *BulkTransfer

	// status is the classified completion error (nil on success),
	// recorded here so a completion can be staged and handed to a
	// caller later without losing its outcome.
	status error

	// urb is the kernel-facing record built for this transfer. The
	// kernel writes the completion back into it and returns its address
	// at reap time, so it must stay reachable while the URB is in flight.
	urb *usbfsURB
}

// buildURB constructs the kernel-facing usbfsURB for a pending transfer
// and boxes the pending transfer as usercontext. The pending transfer
// holds the URB it was given, and the handle's pending table holds the
// pending transfer, so both stay reachable until resolveURB unboxes the
// reaped record; the transfer buffer stays reachable through its own
// deallocator closure.
func buildURB(p *pendingTransfer) *usbfsURB {
	u := &usbfsURB{
		Endpoint:    p.endpoint.Byte(),
		UserContext: uintptr(unsafe.Pointer(p)),
	}
	p.urb = u
	switch p.kind {
	case pendingControl:
		u.Type = urbTypeControl
		u.Buffer = uintptr(p.control.buf.ptr)
		u.BufferLength = int32(p.control.buf.filled)
	case pendingBulk:
		u.Type = urbTypeBulk
		u.Buffer = uintptr(p.bulk.buf.ptr)
		u.BufferLength = int32(p.bulk.buf.filled)
	}
	return u
}

// resolveURB unboxes the usercontext pointer from a reaped URB back
// into the pending transfer that produced it, and records the
// kernel-reported completion status onto the transfer's buffer.
//
// The returned error classifies u.Status; a non-nil error still returns
// the pending transfer, since callers need it to release the pending
// slot and to inspect any partial ActualLength.
func resolveURB(u *usbfsURB) (*pendingTransfer, error) {
	if u.UserContext == 0 {
		return nil, ErrInvalidParameter
	}
	p := (*pendingTransfer)(unsafe.Pointer(u.UserContext))

	if u.ActualLength < 0 || int(u.ActualLength) > int(u.BufferLength) {
		return p, ErrIO
	}

	switch p.kind {
	case pendingControl:
		p.control.buf.actual = int(u.ActualLength)
	case pendingBulk:
		p.bulk.buf.actual = int(u.ActualLength)
	}

	if u.Status == 0 {
		p.status = nil
		return p, nil
	}
	p.status = classifyErrno(syscallErrnoFromStatus(u.Status))
	return p, p.status
}
