package transport

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshChannelConn adapts an ssh.Channel (a single forwarded-port
// stream) to net.Conn so it can be handed straight to
// pkg/rfb.Server.Accept, the same way a plain TCP connection would be.
type sshChannelConn struct {
	ssh.Channel
	local, remote net.Addr
}

func (c *sshChannelConn) LocalAddr() net.Addr  { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr { return c.remote }

// ssh.Channel has no deadline support, so these are no-ops; since
// pkg/wire.Conn applies its timeouts through them, no deadline bounds
// a stalled client on this transport.
func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// SSHListener accepts incoming SSH connections on an existing
// net.Listener, authenticates them against config, and surfaces each
// "direct-tcpip" forwarded-port channel as a net.Conn — the local/
// remote SSH tunnel transport spec.md §1 names alongside TCP, UNIX,
// and WebSockets. Grounded on golang.org/x/crypto/ssh's server-side
// NewServerConn + channel-accept loop pattern (the pack's only
// SSH-capable dependency, via rjsadow-sortie's golang.org/x/crypto).
type SSHListener struct {
	inner  net.Listener
	config *ssh.ServerConfig
	chans  chan net.Conn
	errs   chan error
}

// ListenSSH wraps inner, an already-bound TCP listener, with an SSH
// server that hands off each forwarded-port channel as a net.Conn.
func ListenSSH(inner net.Listener, config *ssh.ServerConfig) *SSHListener {
	l := &SSHListener{
		inner:  inner,
		config: config,
		chans:  make(chan net.Conn),
		errs:   make(chan error, 1),
	}
	go l.acceptLoop()
	return l
}

func (l *SSHListener) acceptLoop() {
	for {
		nc, err := l.inner.Accept()
		if err != nil {
			l.errs <- err
			return
		}
		go l.serveConn(nc)
	}
}

func (l *SSHListener) serveConn(nc net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(nc, l.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only direct-tcpip forwarding is served")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go ssh.DiscardRequests(requests)
		l.chans <- &sshChannelConn{
			Channel: channel,
			local:   sshConn.LocalAddr(),
			remote:  sshConn.RemoteAddr(),
		}
	}
}

// Accept returns the next forwarded-port channel as a net.Conn.
func (l *SSHListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.chans:
		return c, nil
	case err := <-l.errs:
		return nil, err
	}
}

func (l *SSHListener) Close() error   { return l.inner.Close() }
func (l *SSHListener) Addr() net.Addr { return l.inner.Addr() }
