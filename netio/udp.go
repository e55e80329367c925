package netio

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// UDPRecvFunc receives one datagram's payload and its source address. The
// slice is only valid for the duration of the call.
type UDPRecvFunc func(c *UDPConn, b []byte, src *net.UDPAddr)

// UDPConn is a non-blocking UDP socket. Every send is exactly one
// datagram; there is no tx buffering, since a short send is itself a
// protocol error (spec §4.5: "no fragmentation in-process").
type UDPConn struct {
	refcounted
	onRecv UDPRecvFunc
	rxBuf  []byte
}

// ListenUDP binds a non-blocking UDP socket on iface:port.
func ListenUDP(iface string, port int, onRecv UDPRecvFunc) (*UDPConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if err := setReuseAddr(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	addr, err := resolveIface(iface, port)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "bind")
	}
	if err := setNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	c := &UDPConn{onRecv: onRecv, rxBuf: rxPool.GetChunk(rxBufSize)}
	rxBuf := c.rxBuf
	c.refcounted = newRefcounted(fd, func() { rxPool.PutChunk(rxBuf) })
	return c, nil
}

// OnPollin reads one datagram at a time until the socket would block.
func (c *UDPConn) OnPollin() error {
	for {
		n, sa, err := unix.Recvfrom(c.fd, c.rxBuf, 0)
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			if err == unix.ECONNRESET {
				c.onRecv(c, nil, nil)
				continue
			}
			return errors.Wrap(err, "recvfrom")
		}
		c.onRecv(c, c.rxBuf[:n], sockaddrToUDPAddr(sa))
	}
}

// OnPollout is never invoked: a UDP socket never registers write interest.
func (c *UDPConn) OnPollout() (bool, error) { return true, nil }

// Send writes exactly one datagram to dst, non-blocking. unix.Sendto does
// not report a partial write on its own, so a short send is detected by
// the caller only indirectly (it is not expected to happen for datagrams
// under MTU); sendto itself returning an error is all Send surfaces.
func (c *UDPConn) Send(b []byte, dst *net.UDPAddr) error {
	sa, err := sockaddrFromUDPAddr(dst)
	if err != nil {
		return err
	}
	err = unix.Sendto(c.fd, b, 0, sa)
	if err != nil {
		if isOrderlyClose(err) {
			return nil
		}
		return errors.Wrap(err, "sendto")
	}
	return nil
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}

func sockaddrFromUDPAddr(a *net.UDPAddr) (*unix.SockaddrInet4, error) {
	ip4 := a.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("netio: %v is not an IPv4 address", a.IP)
	}
	var sa unix.SockaddrInet4
	sa.Port = a.Port
	copy(sa.Addr[:], ip4)
	return &sa, nil
}
