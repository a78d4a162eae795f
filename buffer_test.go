package usb

import "testing"

func TestAllocateBufferHeapFallback(t *testing.T) {
	buf, err := allocateBuffer(-1, 64)
	if err != nil {
		t.Fatalf("allocateBuffer: %v", err)
	}
	defer buf.Close()

	if len(buf.bytes()) != 64 {
		t.Fatalf("expected 64 byte buffer, got %d", len(buf.bytes()))
	}
	buf.setFilled(32)
	if buf.filled != 32 {
		t.Fatalf("setFilled did not record length")
	}
}

func TestAllocateBufferZeroCapacity(t *testing.T) {
	buf, err := allocateBuffer(-1, 0)
	if err != nil {
		t.Fatalf("allocateBuffer: %v", err)
	}
	defer buf.Close()
	if buf.bytes() != nil {
		t.Fatal("expected nil bytes for a zero-capacity buffer")
	}
}

func TestSetFilledPanicsOnOverflow(t *testing.T) {
	buf, err := allocateBuffer(-1, 8)
	if err != nil {
		t.Fatalf("allocateBuffer: %v", err)
	}
	defer buf.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected setFilled to panic when length exceeds capacity")
		}
	}()
	buf.setFilled(9)
}

func TestBufferCloseIsIdempotent(t *testing.T) {
	buf, err := allocateBuffer(-1, 8)
	if err != nil {
		t.Fatalf("allocateBuffer: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
