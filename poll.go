package usb

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollCreate opens a new epoll instance for a Context's internal event
// multiplexing. Separate from RegisterEpoll/DeregisterEpoll, which work
// against an epoll instance the caller already owns.
func epollCreate() (int, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return 0, wrapErrno("epoll create", err)
	}
	return fd, nil
}

// epollWait blocks on epfd up to timeout (0 returns immediately with
// whatever is already ready) and returns the Uint64 identifiers
// attached to every ready event.
func epollWait(epfd int, timeout time.Duration) ([]int, error) {
	events := make([]unix.EpollEvent, 16)
	ms := 0
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
	}
	n, err := unix.EpollWait(epfd, events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, wrapErrno("epoll wait", err)
	}
	ready := make([]int, 0, n)
	for i := 0; i < n; i++ {
		ready = append(ready, int(events[i].GetUint64()))
	}
	return ready, nil
}

// RegisterEpoll registers this handle's device fd with the epoll
// instance epfd, using userData as the opaque identifier returned in
// the epoll event when a completion becomes reapable. usbfs signals a
// reapable URB through writability, not readability, so the interest
// set is EPOLLOUT, not EPOLLIN; EPOLLERR is always implicitly reported
// by the kernel but included for clarity.
func (h *DeviceHandle) RegisterEpoll(epfd int, userData uint64) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLOUT | unix.EPOLLERR,
		Fd:     int32(h.fd),
	}
	ev.SetUint64(userData)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, h.fd, &ev); err != nil {
		return wrapErrno("epoll register", err)
	}
	return nil
}

// DeregisterEpoll removes this handle's device fd from the epoll
// instance epfd.
func (h *DeviceHandle) DeregisterEpoll(epfd int) error {
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
		return wrapErrno("epoll deregister", err)
	}
	return nil
}
