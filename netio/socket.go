// Package netio implements the three pollable socket kinds described in
// sphinx::reactor's Socket/TcpSocket/UdpSocket hierarchy (reactor.h/.cpp):
// a non-blocking TCP listener, a non-blocking TCP connection with a
// buffered, backpressure-aware writer, and a non-blocking UDP socket.
// Every raw read/write goes straight to golang.org/x/sys/unix rather than
// net.Conn, because the reactor package drives readiness itself off a raw
// epoll fd and needs the underlying file descriptor.
package netio

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"

	"github.com/penberg/sphinx/recycle"
)

// rxBufSize mirrors the 256 KiB stack buffer sphinx::reactor::TcpSocket and
// UdpSocket read into on every pollin. Every connection rents its rxBuf
// from rxPool instead of allocating its own, the way a connection pool's
// read buffers are recycled in the teacher's recycle.Pool call sites.
const rxBufSize = 256 * 1024

var rxPool = recycle.NewPool()

// refcounted is embedded by every socket kind. Despite the name it now
// guards only a single close: a cross-core reply is looked up by ConnID
// through the shard server's own connection table (see shard.Server.conns)
// rather than by holding a retained socket handle, so there is only ever
// one owner releasing a socket, the one that decided to close it. Kept as
// a CAS-guarded flag, not a plain bool, only because closeConn and a
// failed-registration path in ListenTCP/ListenUDP/onAccept both end up
// calling Release and must never double-close the same fd.
type refcounted struct {
	fd        int
	closed    int32 // atomic; CAS-guarded, see Release.
	closeOnce func()
}

func newRefcounted(fd int, closeOnce func()) refcounted {
	return refcounted{fd: fd, closeOnce: closeOnce}
}

// Fd satisfies reactor.Pollable.
func (r *refcounted) Fd() int { return r.fd }

// Release closes the underlying fd. Calling it twice on the same socket is
// a programming error.
func (r *refcounted) Release() {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		panic("netio: socket closed twice")
	}
	if r.closeOnce != nil {
		r.closeOnce()
	}
	_ = unix.Close(r.fd)
}

func setNonblocking(fd int) error {
	return errors.Wrap(unix.SetNonblock(fd, true), "set non-blocking")
}

func setReuseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return errors.Wrap(err, "SO_REUSEADDR")
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func isWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK
}

func isOrderlyClose(err error) bool {
	return err == unix.ECONNRESET || err == unix.EPIPE
}
