package netio

import (
	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// SendResult is the outcome of TCPConn.Send, mirroring the three-way
// contract in spec §4.5: the caller never blocks, and either the bytes
// are fully on the wire right away, or they have been queued in the tx
// buffer and the reactor has been asked for write readiness.
type SendResult int

const (
	// SendDone means the bytes were written in full, or were discarded
	// because the peer reset or closed the connection (ECONNRESET/EPIPE).
	SendDone SendResult = iota
	// SendWouldBlock means the bytes were appended to the tx buffer, either
	// behind output already queued there or after a short or would-block
	// write that requested write interest; OnPollout will drain them later.
	SendWouldBlock
)

// RecvFunc receives a view into the connection's read buffer. The slice is
// only valid for the duration of the call. A nil b signals an orderly
// close (EOF or ECONNRESET); the handler should request the conn be
// closed.
type RecvFunc func(c *TCPConn, b []byte)

// TCPConn is a non-blocking TCP connection, buffering output behind a
// short-write or would-block the same way sphinx::reactor::TcpSocket does.
type TCPConn struct {
	refcounted
	onRecv RecvFunc
	setWriteInterest func(writable bool) error

	txBuf []byte
	rxBuf []byte
}

// NewTCPConn wraps an already non-blocking, already connected fd (e.g.
// one handed to a TCPListener's AcceptFunc). setWriteInterest is invoked
// when Send needs the reactor to add EPOLLOUT interest for this socket; it
// is typically reactor.Reactor.SetWriteInterest bound to this conn.
// OnPollout does not call it: the reactor drops write interest itself once
// OnPollout reports the buffer drained.
func NewTCPConn(fd int, onRecv RecvFunc, setWriteInterest func(writable bool) error) (*TCPConn, error) {
	if err := setNonblocking(fd); err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return nil, errors.Wrap(err, "TCP_NODELAY")
	}
	c := &TCPConn{onRecv: onRecv, setWriteInterest: setWriteInterest, rxBuf: rxPool.GetChunk(rxBufSize)}
	rxBuf := c.rxBuf
	c.refcounted = newRefcounted(fd, func() { rxPool.PutChunk(rxBuf) })
	return c, nil
}

// OnPollin reads up to len(rxBuf) bytes and delivers them to onRecv. A
// zero-length read or ECONNRESET is reported as an orderly close (nil b).
func (c *TCPConn) OnPollin() error {
	n, err := unix.Read(c.fd, c.rxBuf)
	if err != nil {
		if isWouldBlock(err) {
			return nil
		}
		if err == unix.ECONNRESET {
			c.onRecv(c, nil)
			return nil
		}
		return errors.Wrap(err, "recv")
	}
	if n == 0 {
		c.onRecv(c, nil)
		return nil
	}
	c.onRecv(c, c.rxBuf[:n])
	return nil
}

// Send implements the tx-buffer contract from spec §4.5: append-if-busy,
// else try a non-blocking write and buffer whatever did not make it out.
func (c *TCPConn) Send(b []byte) (SendResult, error) {
	if len(c.txBuf) > 0 {
		c.txBuf = append(c.txBuf, b...)
		return SendWouldBlock, nil
	}
	n, err := unix.Write(c.fd, b)
	if err != nil {
		if isOrderlyClose(err) {
			return SendDone, nil
		}
		if !isWouldBlock(err) {
			return SendDone, errors.Wrap(err, "send")
		}
		n = 0
	}
	if n == len(b) {
		return SendDone, nil
	}
	c.txBuf = append(c.txBuf, b[n:]...)
	if err := c.setWriteInterest(true); err != nil {
		return SendWouldBlock, err
	}
	return SendWouldBlock, nil
}

// OnPollout drains as much of the tx buffer as a single non-blocking write
// will take. It reports whether the buffer is now empty, so the reactor
// can drop write interest.
func (c *TCPConn) OnPollout() (bool, error) {
	if len(c.txBuf) == 0 {
		return true, nil
	}
	n, err := unix.Write(c.fd, c.txBuf)
	if err != nil {
		if isOrderlyClose(err) {
			return true, nil
		}
		if isWouldBlock(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "send")
	}
	c.txBuf = c.txBuf[n:]
	if len(c.txBuf) == 0 {
		c.txBuf = nil
		return true, nil
	}
	return false, nil
}
