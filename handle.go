package usb

import (
	"sync"
	"syscall"
	"time"
	"unicode/utf16"

	"golang.org/x/sys/unix"
)

// DeviceHandle owns an open usbfs device file descriptor and the
// bookkeeping needed to submit and reap URBs against it: claimed
// interfaces and at most one in-flight transfer per endpoint. A handle
// is not safe for concurrent use from multiple goroutines without
// external synchronization; the mutex below exists so a caller who
// violates that guarantee gets a consistent in-memory state rather than
// a corrupted pending table, not to offer real concurrent submission.
type DeviceHandle struct {
	device   *Device
	fd       int
	readOnly bool

	mu      sync.Mutex
	claimed map[uint8]bool
	pending map[Endpoint]*pendingTransfer
	staged  []*pendingTransfer
	closed  bool

	capsLoaded bool
	caps       uint32
}

// openHandle opens the usbfs character device at path read-write.
// Non-blocking mode is required: submission and reaping both rely on
// EAGAIN to signal "nothing ready yet" rather than blocking the calling
// goroutine. O_NOCTTY keeps the device node from ever becoming the
// process's controlling terminal, which matters for the handful of
// usbfs nodes that happen to share a major/minor range with real tty
// devices on some kernels.
func openHandle(device *Device, path string) (*DeviceHandle, error) {
	fd, err := openFn(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, wrapErrno("open", err)
	}
	return newDeviceHandle(device, fd, false), nil
}

// openHandleReadOnly opens the same usbfs node with writes disabled.
// Every write-path operation on the resulting handle — ClaimInterface,
// a host-to-device ControlTransfer, SubmitBulkOut — fails with
// ErrPermissionDenied before it ever reaches an ioctl, rather than
// surfacing whatever raw errno the kernel happens to report for a write
// attempted against a read-only descriptor.
func openHandleReadOnly(device *Device, path string) (*DeviceHandle, error) {
	fd, err := openFn(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, wrapErrno("open", err)
	}
	return newDeviceHandle(device, fd, true), nil
}

func newDeviceHandle(device *Device, fd int, readOnly bool) *DeviceHandle {
	return &DeviceHandle{
		device:   device,
		fd:       fd,
		readOnly: readOnly,
		claimed:  make(map[uint8]bool),
		pending:  make(map[Endpoint]*pendingTransfer),
	}
}

// Fd exposes the raw device file descriptor so a caller can register it
// with its own readiness notifier. See RegisterEpoll for a concrete
// epoll-backed helper.
func (h *DeviceHandle) Fd() int {
	return h.fd
}

// Close releases every interface this handle claimed and closes the
// device file descriptor. Errors releasing individual interfaces are
// logged, not returned: a caller closing a handle wants the fd gone
// above all, matching the teacher's drop-releases-claims behavior.
func (h *DeviceHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	for iface := range h.claimed {
		if err := h.releaseInterfaceLocked(iface); err != nil {
			Logger.Warn("release interface on close failed", "component", "handle", "interface", iface, "error", err)
		}
	}
	err := closeFn(h.fd)
	h.closed = true
	if err != nil {
		return wrapErrno("close", err)
	}
	return nil
}

// ClaimInterface claims exclusive access to iface, required before any
// transfer may be submitted against its endpoints. If a kernel driver
// other than usbfs itself is already bound to iface, ClaimInterface
// first attempts to disconnect it via DetachKernelDriver rather than
// handing the plain claim ioctl to a driver that still believes it owns
// the interface.
func (h *DeviceHandle) ClaimInterface(iface uint8) error {
	if h.readOnly {
		return ErrPermissionDenied
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if driver, bound := h.currentDriverLocked(iface); bound && driver != "usbfs" {
		return h.disconnectLocked(iface)
	}

	n := uint32(iface)
	if err := ioctlFn(h.fd, usbdevfsClaimInterface, uintptrOf(&n)); err != nil {
		return wrapErrno("claim interface", err)
	}
	h.claimed[iface] = true
	return nil
}

// currentDriverLocked queries USBDEVFS_GETDRIVER for iface. bound is
// false when the ioctl fails for any reason, including ENODATA (no
// driver attached) — a claim attempt that actually needs the driver
// name will surface its own, more specific ioctl failure.
func (h *DeviceHandle) currentDriverLocked(iface uint8) (driver string, bound bool) {
	req := usbfsGetDriver{Interface: uint32(iface)}
	if err := ioctlFn(h.fd, usbdevfsGetDriver, uintptrOf(&req)); err != nil {
		return "", false
	}
	n := 0
	for n < len(req.Driver) && req.Driver[n] != 0 {
		n++
	}
	return string(req.Driver[:n]), true
}

// ReleaseInterface releases a previously claimed interface.
func (h *DeviceHandle) ReleaseInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseInterfaceLocked(iface)
}

func (h *DeviceHandle) releaseInterfaceLocked(iface uint8) error {
	n := uint32(iface)
	if err := ioctlFn(h.fd, usbdevfsReleaseInterface, uintptrOf(&n)); err != nil {
		return wrapErrno("release interface", err)
	}
	delete(h.claimed, iface)
	return nil
}

// SetInterfaceAltSetting selects an alternate setting on an already
// claimed interface.
func (h *DeviceHandle) SetInterfaceAltSetting(iface, alt uint8) error {
	req := usbfsSetInterface{Interface: uint32(iface), AltSetting: uint32(alt)}
	if err := ioctlFn(h.fd, usbdevfsSetInterface, uintptrOf(&req)); err != nil {
		return wrapErrno("set interface", err)
	}
	return nil
}

// ClearHalt clears a stall condition on an endpoint.
func (h *DeviceHandle) ClearHalt(ep Endpoint) error {
	b := ep.Byte()
	n := uint32(b)
	if err := ioctlFn(h.fd, usbdevfsClearHalt, uintptrOf(&n)); err != nil {
		return wrapErrno("clear halt", err)
	}
	return nil
}

// Reset issues the kernel USB port reset ioctl. It does not reopen the
// device file descriptor; the kernel resets the device in place and the
// same fd remains valid afterward.
func (h *DeviceHandle) Reset() error {
	if err := ioctlFn(h.fd, usbdevfsReset, 0); err != nil {
		return wrapErrno("reset", err)
	}
	return nil
}

// Capabilities returns the bitmask reported by USBDEVFS_GET_CAPABILITIES,
// caching the result after the first successful query.
func (h *DeviceHandle) Capabilities() (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.capsLoaded {
		return h.caps, nil
	}
	var caps uint32
	if err := ioctlFn(h.fd, usbdevfsGetCapabilities, uintptrOf(&caps)); err != nil {
		return 0, wrapErrno("get capabilities", err)
	}
	h.caps = caps
	h.capsLoaded = true
	return caps, nil
}

// DetachKernelDriver disconnects whatever kernel driver is bound to
// iface, claiming it for this handle in the same ioctl where the kernel
// supports that combined operation. The classic "ioctl inside an
// ioctl" disconnect-only path is not attempted: history shows it can
// leave the interface in a state where neither the kernel driver nor
// usbfs believes it owns the endpoint, so this core refuses to guess
// and returns ErrDriverDetachUnsupported instead of silently
// corrupting interface state. ClaimInterface calls this internally
// whenever USBDEVFS_GETDRIVER reports a non-usbfs driver bound, so most
// callers never need to invoke it directly; it remains exported for
// callers that want to detach ahead of time, e.g. to pair with a later
// AttachKernelDriver.
func (h *DeviceHandle) DetachKernelDriver(iface uint8) error {
	if h.readOnly {
		return ErrPermissionDenied
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnectLocked(iface)
}

func (h *DeviceHandle) disconnectLocked(iface uint8) error {
	req := usbfsDisconnectClaim{Interface: uint32(iface)}
	err := ioctlFn(h.fd, usbdevfsDisconnectClaim, uintptrOf(&req))
	if err == nil {
		h.claimed[iface] = true
		return nil
	}
	if isErrno(err, syscall.ENOTTY) || isErrno(err, syscall.ENOSYS) {
		return ErrDriverDetachUnsupported
	}
	if isErrno(err, syscall.ENODATA) {
		return nil
	}
	return wrapErrno("detach kernel driver", err)
}

// AttachKernelDriver reconnects the kernel driver previously detached
// from iface.
func (h *DeviceHandle) AttachKernelDriver(iface uint8) error {
	if h.readOnly {
		return ErrPermissionDenied
	}
	n := uint32(iface)
	err := ioctlFn(h.fd, usbdevfsConnect, uintptrOf(&n))
	if err == nil || isErrno(err, syscall.ENODATA) || isErrno(err, syscall.EBUSY) {
		h.mu.Lock()
		delete(h.claimed, iface)
		h.mu.Unlock()
		return nil
	}
	return wrapErrno("attach kernel driver", err)
}

// submit registers p against its endpoint's pending slot and hands the
// URB to the kernel. ErrAlreadyExists enforces the at-most-one-in-flight
// invariant per endpoint.
func (h *DeviceHandle) submit(p *pendingTransfer) error {
	h.mu.Lock()
	if _, exists := h.pending[p.endpoint]; exists {
		h.mu.Unlock()
		return ErrAlreadyExists
	}
	h.pending[p.endpoint] = p
	h.mu.Unlock()

	u := buildURB(p)
	if err := ioctlFn(h.fd, usbdevfsSubmitURB, uintptrOf(u)); err != nil {
		h.mu.Lock()
		delete(h.pending, p.endpoint)
		h.mu.Unlock()
		return wrapErrno("submit urb", err)
	}
	return nil
}

// reap retrieves one completed URB without blocking. A nil, ErrWouldBlock
// result is safe to retry immediately or after a poll wakeup; reaping
// never mutates state when nothing is ready, so repeated calls are
// idempotent. The raw URB is returned alongside the resolved transfer
// so a caller that cannot resolve the usercontext pointer can still
// report what endpoint the kernel reaped.
func (h *DeviceHandle) reap() (*pendingTransfer, *usbfsURB, error) {
	var u *usbfsURB
	if err := ioctlFn(h.fd, usbdevfsReapURBNDelay, uintptrOf(&u)); err != nil {
		if isErrno(err, syscall.EAGAIN) {
			return nil, nil, ErrWouldBlock
		}
		return nil, nil, wrapErrno("reap urb", err)
	}
	p, rerr := resolveURB(u)
	if p != nil {
		h.mu.Lock()
		delete(h.pending, p.endpoint)
		h.mu.Unlock()
	}
	return p, u, rerr
}

// Submit hands a caller-owned, reusable bulk transfer to the kernel.
// The transfer's endpoint determines its direction; IsOut endpoints
// must not be submitted on a read-only handle. A transfer whose actual
// length is still nonzero from a previous completion is refused with
// ErrInvalidParameter — call Reset on it first to submit it again.
func (h *DeviceHandle) Submit(t *BulkTransfer) error {
	if h.readOnly && t.endpoint.IsOut() {
		return ErrPermissionDenied
	}
	if t.buf.actual != 0 {
		return ErrInvalidParameter
	}
	return h.submit(&pendingTransfer{kind: pendingBulk, endpoint: t.endpoint, bulk: t})
}

// SubmitControl hands a caller-owned, reusable control transfer to the
// kernel. A host-to-device (write) transfer is refused on a read-only
// handle. A transfer whose actual length is still nonzero from a
// previous completion is refused with ErrInvalidParameter — call Reset
// on it first to submit it again.
func (h *DeviceHandle) SubmitControl(t *ControlTransfer) error {
	if h.readOnly && t.endpoint.IsOut() {
		return ErrPermissionDenied
	}
	if t.buf.actual != 0 {
		return ErrInvalidParameter
	}
	return h.submit(&pendingTransfer{kind: pendingControl, endpoint: t.endpoint, control: t})
}

// SubmitBulkOut allocates and submits a one-shot transfer carrying data
// for asynchronous transmission on ep, which must be an OUT endpoint.
// Callers that want to reuse the same transfer object across multiple
// submissions should build one with NewBulkOut/NewBulkIn and call
// Submit directly instead.
func (h *DeviceHandle) SubmitBulkOut(ep Endpoint, data []byte) error {
	bt, err := newBulkOut(h.fd, ep, data)
	if err != nil {
		return err
	}
	if err := h.Submit(bt); err != nil {
		bt.Close()
		return err
	}
	return nil
}

// SubmitBulkIn allocates and submits a one-shot request to receive up
// to capacity bytes on ep, which must be an IN endpoint.
func (h *DeviceHandle) SubmitBulkIn(ep Endpoint, capacity int) error {
	bt, err := newBulkIn(h.fd, ep, capacity)
	if err != nil {
		return err
	}
	if err := h.Submit(bt); err != nil {
		bt.Close()
		return err
	}
	return nil
}

// NewBulkOut allocates a reusable OUT bulk transfer against this
// handle's descriptor, for submission (and resubmission, after Reset)
// via Submit.
func (h *DeviceHandle) NewBulkOut(ep Endpoint, data []byte) (*BulkTransfer, error) {
	return newBulkOut(h.fd, ep, data)
}

// NewBulkIn allocates a reusable IN bulk transfer of the given
// capacity, for submission (and resubmission, after Reset) via Submit.
func (h *DeviceHandle) NewBulkIn(ep Endpoint, capacity int) (*BulkTransfer, error) {
	return newBulkIn(h.fd, ep, capacity)
}

// NewControlTransfer allocates a reusable control transfer, for
// submission (and resubmission, after Reset) via SubmitControl.
func (h *DeviceHandle) NewControlTransfer(requestType, request uint8, value, index uint16, dataLen int) (*ControlTransfer, error) {
	return newControlTransfer(h.fd, requestType, request, value, index, dataLen)
}

// Reap drains one completed transfer, if any are ready, preferring
// anything already staged by a previous wait over issuing a fresh reap
// ioctl. A URB whose usercontext pointer does not resolve to a transfer
// this handle is tracking is still returned, as a CompletionInvalid
// record, rather than silently dropped.
func (h *DeviceHandle) Reap() (*Completion, error) {
	h.mu.Lock()
	if len(h.staged) > 0 {
		p := h.staged[0]
		h.staged = h.staged[1:]
		h.mu.Unlock()
		return newCompletion(p), p.status
	}
	h.mu.Unlock()

	p, u, err := h.reap()
	if u == nil {
		return nil, err
	}
	if p == nil {
		return newInvalidCompletion(u), err
	}
	return newCompletion(p), err
}

// ReapAll drains every completion already staged by a prior wait, then
// keeps reaping until the kernel reports WouldBlock, returning
// everything collected in the order it was retrieved.
func (h *DeviceHandle) ReapAll() []*Completion {
	h.mu.Lock()
	staged := h.staged
	h.staged = nil
	h.mu.Unlock()

	out := make([]*Completion, 0, len(staged))
	for _, p := range staged {
		out = append(out, newCompletion(p))
	}
	for {
		c, _ := h.Reap()
		if c == nil {
			break
		}
		out = append(out, c)
	}
	return out
}

// CollectResponses moves every completion staged by a prior wait out to
// the caller in FIFO order, without attempting any further reaping. Use
// ReapAll to also drain whatever the kernel currently has ready.
func (h *DeviceHandle) CollectResponses() []*Completion {
	h.mu.Lock()
	staged := h.staged
	h.staged = nil
	h.mu.Unlock()

	out := make([]*Completion, 0, len(staged))
	for _, p := range staged {
		out = append(out, newCompletion(p))
	}
	return out
}

// bulkTransferTimeoutMillis is a hardcoded 1ms poll interval inherited
// from the original synchronous bulk path. Its intent is unclear: 1ms
// is too short to matter for throughput and too long to call a busy
// wait, so it reads as a leftover tuning knob rather than a deliberate
// value. Preserved rather than "fixed" since changing it changes
// observable timing behavior no test here pins down.
const bulkTransferTimeoutMillis = 1

// BulkTransfer performs a synchronous bulk transfer: submit, then poll
// reap until the transfer completes or the timeout elapses.
func (h *DeviceHandle) BulkTransfer(ep Endpoint, data []byte, timeout time.Duration) ([]byte, error) {
	var bt *BulkTransfer
	var err error
	if ep.IsOut() {
		bt, err = newBulkOut(h.fd, ep, data)
	} else {
		bt, err = newBulkIn(h.fd, ep, len(data))
	}
	if err != nil {
		return nil, err
	}
	if err := h.Submit(bt); err != nil {
		bt.Close()
		return nil, err
	}
	if err := h.waitPending(ep, timeout); err != nil {
		return nil, err
	}
	defer bt.Close()
	out := append([]byte(nil), bt.Data()...)
	return out, nil
}

// ControlTransfer performs a synchronous control transfer.
func (h *DeviceHandle) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) ([]byte, error) {
	dataLen := len(data)
	ct, err := newControlTransfer(h.fd, requestType, request, value, index, dataLen)
	if err != nil {
		return nil, err
	}
	if requestType&0x80 == 0 && dataLen > 0 {
		copy(ct.buf.bytes()[controlHeaderSize:], data)
	}
	ep := Endpoint(EndpointOut)
	if requestType&0x80 != 0 {
		ep = Endpoint(EndpointIn)
	}
	if err := h.SubmitControl(ct); err != nil {
		ct.Close()
		return nil, err
	}
	if err := h.waitPending(ep, timeout); err != nil {
		return nil, err
	}
	defer ct.Close()
	out := append([]byte(nil), ct.Payload()...)
	return out, nil
}

// waitPending polls reap until a completion for ep arrives or timeout
// elapses, sleeping bulkTransferTimeoutMillis between attempts. Any
// completion reaped for a different endpoint along the way is moved to
// the staging queue (see Reap, ReapAll, CollectResponses) rather than
// discarded, so a concurrent transfer on another endpoint is never
// lost just because this call happened to reap it first.
func (h *DeviceHandle) waitPending(ep Endpoint, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		p, u, err := h.reap()
		switch {
		case err == ErrWouldBlock:
			// nothing ready yet
		case p == nil:
			Logger.Warn("reaped urb with unresolvable usercontext during wait", "component", "handle", "raw_endpoint", rawEndpoint(u))
		case p.endpoint == ep:
			return err
		default:
			h.mu.Lock()
			h.staged = append(h.staged, p)
			h.mu.Unlock()
			Logger.Debug("staged unrelated completion during wait", "component", "handle", "endpoint", p.endpoint.String())
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(bulkTransferTimeoutMillis * time.Millisecond)
	}
}

func rawEndpoint(u *usbfsURB) uint8 {
	if u == nil {
		return 0
	}
	return u.Endpoint
}

// GetStringDescriptor fetches and decodes string descriptor index from
// the given interface. wValue is 0x0300 | id (descriptor type 3 in the
// high byte, string index in the low byte); wIndex carries the
// interface number, not a language ID — this core does not negotiate
// language IDs and always requests whichever the device returns for
// that combination.
func (h *DeviceHandle) GetStringDescriptor(id uint8, iface uint16) (string, error) {
	if id == 0 {
		return "", ErrInvalidParameter
	}
	if h.readOnly {
		return "", ErrPermissionDenied
	}
	value := uint16(0x0300) | uint16(id)
	raw, err := h.ControlTransfer(0x80, 0x06, value, iface, make([]byte, 256), 100*time.Millisecond)
	if err != nil {
		return "", err
	}
	if len(raw) <= 2 || len(raw)%2 != 0 {
		Logger.Warn("malformed string descriptor", "component", "handle", "index", id, "length", len(raw))
		return "(invalid descriptor)", nil
	}
	raw = raw[2:]
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}
	return string(utf16.Decode(units)), nil
}

func isErrno(err error, target syscall.Errno) bool {
	errno, ok := err.(syscall.Errno)
	return ok && errno == target
}
