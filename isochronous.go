package usb

// Isochronous transfers are not implemented: scheduling packets against
// a bus frame number, sizing per-packet descriptors, and handling
// partial-packet completions is a substantial amount of machinery this
// core does not provide. TransferTypeIsochronous exists so a descriptor
// walk can still classify an endpoint correctly; submitting a transfer
// against one returns ErrNotSupported rather than silently degrading to
// a bulk transfer.

// IsoPacketDescriptor describes one packet within an isochronous URB:
// its requested length, the length the kernel actually transferred, and
// a per-packet completion status. Retained as a named type so callers
// that only need to describe a schedule (without submitting it) have
// something to build against.
type IsoPacketDescriptor struct {
	Length       uint32
	ActualLength uint32
	Status       int32
}

// SubmitIsochronous always fails: see the package-level note above.
func (h *DeviceHandle) SubmitIsochronous(ep Endpoint, packets []IsoPacketDescriptor) error {
	return ErrNotSupported
}
