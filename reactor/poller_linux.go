//go:build linux

package reactor

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// EpollPoller is the default Poller backend, grounded on
// sphinx::reactor::EpollReactor (reactor-epoll.h/.cpp): one epoll instance
// per core, level-triggered, EPOLLIN always registered and EPOLLOUT added
// only while a socket has buffered output.
type EpollPoller struct {
	fd int
}

// NewEpollPoller creates a fresh epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &EpollPoller{fd: fd}, nil
}

func interestMask(writable bool) uint32 {
	mask := uint32(unix.EPOLLIN)
	if writable {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *EpollPoller) Add(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: interestMask(writable), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev), "epoll_ctl add")
}

func (p *EpollPoller) Modify(fd int, writable bool) error {
	ev := unix.EpollEvent{Events: interestMask(writable), Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev), "epoll_ctl mod")
}

func (p *EpollPoller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return errors.Wrap(err, "epoll_ctl del")
	}
	return nil
}

func (p *EpollPoller) Wait(dst []Event, timeoutMillis int) (int, error) {
	raw := make([]unix.EpollEvent, len(dst))
	n, err := unix.EpollWait(p.fd, raw, timeoutMillis)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		dst[i] = Event{
			Fd:       int(raw[i].Fd),
			Readable: raw[i].Events&unix.EPOLLIN != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
		}
	}
	return n, nil
}

func (p *EpollPoller) Close() error {
	return unix.Close(p.fd)
}

func isInterrupted(err error) bool {
	return errors.Cause(err) == unix.EINTR
}

// NewWakeFD creates a non-blocking eventfd suitable for Reactor's WakeFD:
// written to by other cores to break this core out of a blocking Wait.
func NewWakeFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, errors.Wrap(err, "eventfd")
	}
	return fd, nil
}

func writeWake(fd int) error {
	if fd < 0 {
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	return err
}

func drainWake(fd int) {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
}
