// Package transport supplies the net.Listener/net.Conn adapters that
// sit underneath pkg/rfb.Server.Accept: plain TCP and UNIX sockets,
// TLS (direct and VeNCrypt-layered), WebSockets (hybi mandatory,
// Hixie76 legacy optional, Flash policy file), and SSH tunnels, per
// spec.md §1/§6's transport-adapter list.
package transport

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenTCP opens a dual-stack TCP listener at addr with IPV6_V6ONLY
// cleared (so a "[::]:5900" bind also accepts IPv4 clients, matching
// the teacher's net.Listen default expectations on Linux), SO_REUSEADDR
// set, and TCP_NODELAY applied to every accepted connection.
func ListenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
				if sockErr != nil {
					return
				}
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &noDelayListener{ln}, nil
}

// noDelayListener wraps a TCP listener to disable Nagle's algorithm on
// every accepted connection, since RFB is a small-message,
// latency-sensitive protocol (framebuffer updates, pointer events).
type noDelayListener struct {
	net.Listener
}

func (l *noDelayListener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return nc, nil
}
