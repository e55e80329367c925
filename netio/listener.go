package netio

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
)

// AcceptFunc is invoked with a freshly accepted, already non-blocking
// connection fd and its peer address.
type AcceptFunc func(fd int, peer net.Addr)

// TCPListener is a non-blocking listening socket. Read readiness means a
// connection is ready to accept; it never has write readiness, matching
// sphinx::reactor::TcpListener.
type TCPListener struct {
	refcounted
	onAccept AcceptFunc
}

// ListenTCP binds and listens on iface:port with the given backlog,
// mirroring make_tcp_listener's lookup/bind/listen sequence (reactor.cpp).
func ListenTCP(iface string, port, backlog int, onAccept AcceptFunc) (*TCPListener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
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
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrap(err, "listen")
	}
	if err := setNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	l := &TCPListener{onAccept: onAccept}
	l.refcounted = newRefcounted(fd, nil)
	return l, nil
}

func resolveIface(iface string, port int) (*unix.SockaddrInet4, error) {
	if iface == "" || iface == "0.0.0.0" || iface == "*" {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	ip := net.ParseIP(iface)
	if ip == nil {
		ips, err := net.LookupIP(iface)
		if err != nil || len(ips) == 0 {
			return nil, errors.Errorf("netio: cannot resolve interface %q", iface)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, errors.Errorf("netio: %q is not an IPv4 address", iface)
	}
	var addr unix.SockaddrInet4
	addr.Port = port
	copy(addr.Addr[:], ip4)
	return &addr, nil
}

// OnPollin accepts every connection currently pending and hands each to
// onAccept, matching TcpListener::accept's use of accept4(SOCK_NONBLOCK).
func (l *TCPListener) OnPollin() error {
	for {
		nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if isWouldBlock(err) {
				return nil
			}
			return errors.Wrap(err, "accept4")
		}
		l.onAccept(nfd, sockaddrToNetAddr(sa))
	}
}

// OnPollout is never called: a listener never registers write interest.
func (l *TCPListener) OnPollout() (bool, error) { return true, nil }

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	default:
		return nil
	}
}
