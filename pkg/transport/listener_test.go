package transport_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/LibVNC/libvncserver-sub002/pkg/transport"
)

func TestListenUnixRoundTrip(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rfb.sock")
	ln, err := transport.ListenUnix(context.Background(), sock)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer client.Close()

	server := <-accepted
	defer server.Close()

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

// TestListenUnixRemovesStaleSocket checks that a pre-existing socket
// file from an uncleanly terminated prior instance doesn't block a
// fresh listen.
func TestListenUnixRemovesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "rfb.sock")
	first, err := transport.ListenUnix(context.Background(), sock)
	require.NoError(t, err)
	// Simulate an unclean shutdown: the fd is gone but the path remains.
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, first.(*net.UnixListener).Close())

	second, err := transport.ListenUnix(context.Background(), sock)
	require.NoError(t, err)
	defer second.Close()
}

// TestListenSSHServesDirectTCPIPChannelsAsConns drives a real SSH
// client through golang.org/x/crypto/ssh end to end: Dial opens a
// direct-tcpip channel, which ListenSSH hands back as a plain
// net.Conn for the RFB server to Accept, exactly the way a port
// forwarding tunnel is expected to behave per spec.md §1's transport
// list.
func TestListenSSHServesDirectTCPIPChannelsAsConns(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(signer)

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	sl := transport.ListenSSH(tcpLn, config)
	defer sl.Close()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		c, err := sl.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- c
	}()

	clientConfig := &ssh.ClientConfig{
		User:            "rfb",
		Auth:            nil,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	sshConn, err := ssh.Dial("tcp", tcpLn.Addr().String(), clientConfig)
	require.NoError(t, err)
	defer sshConn.Close()

	tunnel, err := sshConn.Dial("tcp", "127.0.0.1:5900")
	require.NoError(t, err)
	defer tunnel.Close()

	_, err = tunnel.Write([]byte("rfb-ping"))
	require.NoError(t, err)

	var server net.Conn
	select {
	case server = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the forwarded channel")
	}
	defer server.Close()

	buf := make([]byte, len("rfb-ping"))
	_, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "rfb-ping", string(buf))

	_, err = server.Write([]byte("rfb-pong"))
	require.NoError(t, err)
	buf = make([]byte, len("rfb-pong"))
	_, err = tunnel.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "rfb-pong", string(buf))
}
