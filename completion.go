package usb

// CompletionKind classifies what a reaped URB turned out to be: a
// completed control transfer, a completed bulk transfer, or a URB the
// kernel returned whose usercontext pointer this handle does not
// recognize.
type CompletionKind uint8

const (
	// CompletionInvalid marks a reaped URB that could not be matched to
	// a transfer this handle submitted. The reap path still returns it
	// rather than dropping it, so a caller knows something completed
	// even though ownership couldn't be recovered.
	CompletionInvalid CompletionKind = iota
	CompletionControl
	CompletionBulk
)

func (k CompletionKind) String() string {
	switch k {
	case CompletionControl:
		return "control"
	case CompletionBulk:
		return "bulk"
	default:
		return "invalid"
	}
}

// Completion is one reaped URB, classified and exposed with accessors
// so a caller outside this package can inspect it: which endpoint it
// belongs to, whether it succeeded, how many bytes actually moved, and
// the underlying transfer object it completed.
type Completion struct {
	kind     CompletionKind
	endpoint Endpoint
	status   error
	control  *ControlTransfer
	bulk     *BulkTransfer
}

// newCompletion wraps a resolved pendingTransfer as a Completion.
func newCompletion(p *pendingTransfer) *Completion {
	c := &Completion{endpoint: p.endpoint, status: p.status}
	switch p.kind {
	case pendingControl:
		c.kind = CompletionControl
		c.control = p.control
	case pendingBulk:
		c.kind = CompletionBulk
		c.bulk = p.bulk
	}
	return c
}

// newInvalidCompletion builds a Completion for a reaped URB whose
// usercontext did not resolve to any pending transfer this handle is
// tracking. The raw endpoint byte from the URB is preserved even though
// the high-level Endpoint it names may not correspond to anything this
// core still has state for.
func newInvalidCompletion(u *usbfsURB) *Completion {
	var ep Endpoint
	if u != nil {
		ep = Endpoint(u.Endpoint)
	}
	return &Completion{kind: CompletionInvalid, endpoint: ep, status: ErrInvalidParameter}
}

// Kind reports which of Control, Bulk, or Invalid this completion is.
func (c *Completion) Kind() CompletionKind { return c.kind }

// Endpoint is the endpoint address the completed URB targeted.
func (c *Completion) Endpoint() Endpoint { return c.endpoint }

// Status is the classified kernel completion error, or nil on success.
func (c *Completion) Status() error { return c.status }

// ActualLength is the kernel-reported number of bytes actually
// transferred. It is 0 for an Invalid completion.
func (c *Completion) ActualLength() int {
	switch c.kind {
	case CompletionControl:
		return c.control.buf.actual
	case CompletionBulk:
		return c.bulk.buf.actual
	default:
		return 0
	}
}

// Control returns the completed control transfer and true if this
// completion's Kind is CompletionControl, or nil, false otherwise.
func (c *Completion) Control() (*ControlTransfer, bool) {
	return c.control, c.kind == CompletionControl
}

// Bulk returns the completed bulk transfer and true if this
// completion's Kind is CompletionBulk, or nil, false otherwise.
func (c *Completion) Bulk() (*BulkTransfer, bool) {
	return c.bulk, c.kind == CompletionBulk
}
