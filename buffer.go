package usb

import "unsafe"

// transferBuffer is the raw memory backing a control or bulk transfer.
// ptr and capacity describe the full mapping; filled is the length
// handed to the kernel as the URB's buffer length: the bytes the caller
// has written into it (for OUT transfers) or the read window the kernel
// may fill (for IN transfers); actual is the kernel-reported number of
// bytes actually moved on the wire.
//
// free is called exactly once, by Close, regardless of whether the
// buffer was backed by an mmap'd region or a plain heap allocation —
// each transfer remembers its own deallocator so callers never need to
// know which allocation strategy produced it.
type transferBuffer struct {
	ptr      unsafe.Pointer
	capacity int
	filled   int
	actual   int
	free     func()
}

func newTransferBuffer(ptr unsafe.Pointer, capacity int, free func()) *transferBuffer {
	return &transferBuffer{ptr: ptr, capacity: capacity, free: free}
}

// bytes views the full capacity of the buffer as a byte slice. Callers
// must not retain the slice past Close.
func (b *transferBuffer) bytes() []byte {
	if b.ptr == nil || b.capacity == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(b.ptr), b.capacity)
}

// setFilled records how many bytes of the buffer the caller populated
// before submission. It panics on a length that does not fit, since
// that is always a caller bug, never a runtime condition.
func (b *transferBuffer) setFilled(n int) {
	if n < 0 || n > b.capacity {
		panic("usb: transfer buffer length exceeds capacity")
	}
	b.filled = n
}

func (b *transferBuffer) Close() error {
	if b.free != nil {
		b.free()
		b.free = nil
	}
	b.ptr = nil
	return nil
}

// allocateBuffer obtains capacity bytes of memory for a transfer,
// preferring an mmap'd region against fd (so the kernel can DMA
// directly into it without an extra copy) and falling back to a plain
// heap allocation when mmap is not attempted (fd < 0) or fails, e.g. on
// a handle opened read-only or a kernel without USBDEVFS_CAP_MMAP.
func allocateBuffer(fd int, capacity int) (*transferBuffer, error) {
	if capacity == 0 {
		return newTransferBuffer(nil, 0, func() {}), nil
	}
	if fd >= 0 {
		if ptr, free, err := mmapBuffer(fd, capacity); err == nil {
			return newTransferBuffer(ptr, capacity, free), nil
		}
	}
	mem := make([]byte, capacity)
	ptr := unsafe.Pointer(&mem[0])
	return newTransferBuffer(ptr, capacity, func() { _ = mem }), nil
}
