package usb

import "testing"

func TestURBUserContextRoundTrip(t *testing.T) {
	bulk, err := newBulkIn(-1, BulkIn(1), 64)
	if err != nil {
		t.Fatalf("newBulkIn: %v", err)
	}
	defer bulk.Close()

	p := &pendingTransfer{kind: pendingBulk, endpoint: bulk.endpoint, bulk: bulk}
	u := buildURB(p)

	u.Status = 0
	u.ActualLength = 32

	resolved, err := resolveURB(u)
	if err != nil {
		t.Fatalf("resolveURB: %v", err)
	}
	if resolved != p {
		t.Fatal("resolveURB did not return the originally boxed pending transfer")
	}
	if len(bulk.Data()) != 32 {
		t.Fatalf("expected actual length 32, got %d", len(bulk.Data()))
	}
}

func TestURBBufferLengthDiscipline(t *testing.T) {
	bulk, err := newBulkIn(-1, BulkIn(1), 16)
	if err != nil {
		t.Fatalf("newBulkIn: %v", err)
	}
	defer bulk.Close()

	p := &pendingTransfer{kind: pendingBulk, endpoint: bulk.endpoint, bulk: bulk}
	u := buildURB(p)
	if int(u.BufferLength) != 16 {
		t.Fatalf("expected buffer length 16, got %d", u.BufferLength)
	}

	u.ActualLength = 17
	if _, err := resolveURB(u); err == nil {
		t.Fatal("expected error when actual length exceeds buffer length")
	}
}

func TestControlHeaderLayout(t *testing.T) {
	ct, err := newControlTransfer(-1, 0x80, 0x06, 0x0301, 0, 18)
	if err != nil {
		t.Fatalf("newControlTransfer: %v", err)
	}
	defer ct.Close()

	header := ct.SetupHeader()
	want := []byte{0x80, 0x06, 0x01, 0x03, 0x00, 0x00, 0x12, 0x00}
	for i, b := range want {
		if header[i] != b {
			t.Fatalf("header byte %d: got %#x want %#x", i, header[i], b)
		}
	}
}

func TestResolveURBRejectsMissingUserContext(t *testing.T) {
	u := &usbfsURB{}
	if _, err := resolveURB(u); err != ErrInvalidParameter {
		t.Fatalf("expected ErrInvalidParameter for a zero usercontext, got %v", err)
	}
}
