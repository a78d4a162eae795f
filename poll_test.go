package usb

import (
	"os"
	"testing"
)

func TestRegisterAndDeregisterEpoll(t *testing.T) {
	epfd, err := epollCreate()
	if err != nil {
		t.Fatalf("epollCreate: %v", err)
	}
	defer closeFn(epfd)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	origIoctl, origOpen, origClose := ioctlFn, openFn, closeFn
	defer func() { ioctlFn, openFn, closeFn = origIoctl, origOpen, origClose }()
	ioctlFn = func(fd int, req uint, arg uintptr) error { return nil }
	openFn = func(path string, mode int, perm uint32) (int, error) { return int(r.Fd()), nil }
	closeFn = func(fd int) error { return nil }

	dev := &Device{Path: "/dev/bus/usb/001/001"}
	h, err := openHandle(dev, dev.Path)
	if err != nil {
		t.Fatalf("openHandle: %v", err)
	}
	defer h.Close()

	if err := h.RegisterEpoll(epfd, 7); err != nil {
		t.Fatalf("RegisterEpoll: %v", err)
	}
	if err := h.DeregisterEpoll(epfd); err != nil {
		t.Fatalf("DeregisterEpoll: %v", err)
	}
}
