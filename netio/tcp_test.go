package netio

import (
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTCPListenerAcceptAndEcho exercises a real loopback connection: a
// stdlib net.Dial client talks to our raw-syscall, non-blocking listener
// and connection, with no reactor in the loop — OnPollin/OnPollout are
// called directly, spinning past EAGAIN the way the reactor would after a
// real readiness notification.
func TestTCPListenerAcceptAndEcho(t *testing.T) {
	accepted := make(chan *TCPConn, 1)
	var received []byte
	recvDone := make(chan struct{})

	l, err := ListenTCP("127.0.0.1", 0, 16, func(fd int, _ net.Addr) {
		c, err := NewTCPConn(fd, func(c *TCPConn, b []byte) {
			if b == nil {
				return
			}
			received = append(received, b...)
			close(recvDone)
		}, func(bool) error { return nil })
		require.NoError(t, err)
		accepted <- c
	})
	require.NoError(t, err)
	defer l.Release()

	addr := localAddr(t, l)
	client, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return l.OnPollin() == nil && len(accepted) > 0
	}, time.Second, time.Millisecond)

	conn := <-accepted
	defer conn.Release()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = conn.OnPollin()
		select {
		case <-recvDone:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)

	assert.Equal(t, "hello", string(received))
}

func localAddr(t *testing.T, l *TCPListener) string {
	t.Helper()
	sa, err := unix.Getsockname(l.Fd())
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	return fmt.Sprintf("127.0.0.1:%d", in4.Port)
}
