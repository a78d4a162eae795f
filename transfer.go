package usb

import "encoding/binary"

// controlHeaderSize is the length of the setup packet prefixed to every
// control transfer's buffer.
const controlHeaderSize = 8

// controlMaxPacketSize bounds the payload a single control transfer may
// request, matching the kernel's own limit on usbfs control transfers.
const controlMaxPacketSize = 1024

// ControlTransfer carries a USB control request: an 8-byte setup packet
// followed by up to wLength bytes of data. The setup packet occupies
// the first 8 bytes of the underlying buffer, so BufferLength as seen
// by the kernel always includes that header.
type ControlTransfer struct {
	endpoint Endpoint
	buf      *transferBuffer
}

// newControlTransfer allocates a control transfer whose buffer holds
// the 8-byte setup header plus dataLen bytes of payload, and writes the
// setup header immediately.
func newControlTransfer(fd int, requestType, request uint8, value, index uint16, dataLen int) (*ControlTransfer, error) {
	if dataLen > controlMaxPacketSize {
		return nil, ErrInvalidParameter
	}
	buf, err := allocateBuffer(fd, controlHeaderSize+dataLen)
	if err != nil {
		return nil, err
	}
	header := buf.bytes()[:controlHeaderSize]
	header[0] = requestType
	header[1] = request
	binary.LittleEndian.PutUint16(header[2:4], value)
	binary.LittleEndian.PutUint16(header[4:6], index)
	binary.LittleEndian.PutUint16(header[6:8], uint16(dataLen))
	buf.setFilled(controlHeaderSize + dataLen)

	ep := Endpoint(EndpointOut)
	if requestType&0x80 != 0 {
		ep = Endpoint(EndpointIn)
	}
	return &ControlTransfer{endpoint: ep, buf: buf}, nil
}

// Payload returns the portion of the buffer following the setup
// header, sized to the number of bytes the kernel actually reported
// for an IN transfer, or empty if nothing was transferred.
func (c *ControlTransfer) Payload() []byte {
	if c.buf.actual == 0 {
		return nil
	}
	return c.buf.bytes()[controlHeaderSize : controlHeaderSize+c.buf.actual]
}

// SetupHeader returns the 8-byte control setup packet as sent.
func (c *ControlTransfer) SetupHeader() []byte {
	return c.buf.bytes()[:controlHeaderSize]
}

func (c *ControlTransfer) Close() error { return c.buf.Close() }

// Reset clears the actual-length completion state left by a prior
// round trip, allowing this transfer to be submitted again.
// SubmitControl refuses a transfer whose actual length is still
// nonzero, so reusing a completed transfer without calling Reset first
// fails with ErrInvalidParameter.
func (c *ControlTransfer) Reset() { c.buf.actual = 0 }

// BulkTransfer carries a bulk (or interrupt, which shares the same
// wire shape) transfer on a non-zero endpoint.
type BulkTransfer struct {
	endpoint Endpoint
	buf      *transferBuffer
}

// newBulkOut allocates a bulk transfer buffer and copies data into it
// for submission on an OUT endpoint.
func newBulkOut(fd int, ep Endpoint, data []byte) (*BulkTransfer, error) {
	buf, err := allocateBuffer(fd, len(data))
	if err != nil {
		return nil, err
	}
	copy(buf.bytes(), data)
	buf.setFilled(len(data))
	return &BulkTransfer{endpoint: ep, buf: buf}, nil
}

// newBulkIn allocates an empty bulk transfer buffer of the requested
// capacity for submission on an IN endpoint.
func newBulkIn(fd int, ep Endpoint, capacity int) (*BulkTransfer, error) {
	buf, err := allocateBuffer(fd, capacity)
	if err != nil {
		return nil, err
	}
	buf.setFilled(capacity)
	return &BulkTransfer{endpoint: ep, buf: buf}, nil
}

// Data returns the bytes meaningful after completion: the
// kernel-reported actual length for an IN transfer, or the full
// buffer capacity for an OUT transfer (an OUT transfer has nothing to
// read back).
func (b *BulkTransfer) Data() []byte {
	if b.endpoint.IsIn() {
		if b.buf.actual == 0 {
			return nil
		}
		return b.buf.bytes()[:b.buf.actual]
	}
	if b.buf.capacity == 0 {
		return nil
	}
	return b.buf.bytes()[:b.buf.capacity]
}

func (b *BulkTransfer) Close() error { return b.buf.Close() }

// Reset clears the actual-length completion state left by a prior
// round trip, allowing this transfer to be submitted again. Submit
// refuses a transfer whose actual length is still nonzero, so reusing
// a completed transfer without calling Reset first fails with
// ErrInvalidParameter.
func (b *BulkTransfer) Reset() { b.buf.actual = 0 }
